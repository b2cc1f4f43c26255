package executor

import (
	"encoding/json"
	"errors"
	"fmt"

	"ezDistTranscoding/job"
	"ezDistTranscoding/utils"
)

// Re-encode with the requested codec/quality/resolution/fps parameters.
type transcodeOp struct{}

func (transcodeOp) execute(ex *TaskExecutor, rt *runningTask) error {
	ex.mutex.Lock()
	t := *rt.task
	hwArgs := rt.hwAccelArgs
	ex.mutex.Unlock()

	args := job.TranscodeArgs(t.Params, t.InputFile, t.OutputFile, hwArgs)
	return ex.runFFmpeg(rt, args)
}

// Render is a transcode with render-oriented parameters; the heavy
// lifting is identical for this core.
type renderOp struct{}

func (renderOp) execute(ex *TaskExecutor, rt *runningTask) error {
	return transcodeOp{}.execute(ex, rt)
}

// Filter chain: denoise, sharpen, brightness/contrast/saturation.
type enhanceOp struct{}

func (enhanceOp) execute(ex *TaskExecutor, rt *runningTask) error {
	ex.mutex.Lock()
	t := *rt.task
	ex.mutex.Unlock()

	args := job.EnhanceArgs(t.Params, t.InputFile, t.OutputFile)
	return ex.runFFmpeg(rt, args)
}

// Trim / concatenate / overlay sub-operations.
type editOp struct{}

func (editOp) execute(ex *TaskExecutor, rt *runningTask) error {
	ex.mutex.Lock()
	t := *rt.task
	ex.mutex.Unlock()

	switch t.Params.Edit_action {
	case job.EDIT_ACTION_TRIM:
		return ex.runFFmpeg(rt, job.TrimArgs(t.Params, t.InputFile, t.OutputFile))
	case job.EDIT_ACTION_OVERLAY:
		return ex.runFFmpeg(rt, job.OverlayArgs(t.Params, t.InputFile, t.OutputFile))
	case job.EDIT_ACTION_CONCAT:
		// Concat is whole-file stream copy, fast enough to skip the
		// per-process cancellation hook.
		return ex.media.Merge(t.Params.Concat_inputs, t.OutputFile)
	}

	// Create() rejects unknown actions, this is unreachable for stored tasks.
	return errors.New("bad_edit_action")
}

// Probe-only: writes structured stream metadata instead of media.
type analyzeOp struct{}

func (analyzeOp) execute(ex *TaskExecutor, rt *runningTask) error {
	ex.mutex.Lock()
	t := *rt.task
	ex.mutex.Unlock()

	info, err := ex.media.Probe(t.InputFile)
	if err != nil {
		return err
	}

	ex.setProgress(rt, 60)

	out := t.OutputFile
	if out == "" {
		out = utils.Change_file_extension(t.InputFile, ".json")
		ex.mutex.Lock()
		rt.task.OutputFile = out
		ex.mutex.Unlock()
	}

	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal media info: %v", err)
	}

	return utils.Write_file(b, out)
}
