// Single-node task execution: one state machine per task, one external
// tool process at a time, cooperative cancellation via SIGTERM.
package executor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"ezDistTranscoding/accel"
	"ezDistTranscoding/chunker"
	"ezDistTranscoding/job"
)

// Returned by Run through task state when the task was cancelled rather
// than failed. Callers use it to tell deliberate from erroneous termination.
var ErrCancelled = errors.New("task_cancelled")

type TaskExecutor struct {
	mutex sync.Mutex
	tasks map[string]*runningTask
	gpu *accel.GpuAccelerator
	media *chunker.VideoChunker
	ops map[string]operation
}

type runningTask struct {
	task *job.TranscodeTask
	cmd *exec.Cmd // set while an external tool process is running
	hwAccelArgs []string
	cancelled bool
	cancel chan struct{}
}

// The closed set of operations. Unknown operation names are rejected at
// construction time, never at run time.
type operation interface {
	execute(ex *TaskExecutor, rt *runningTask) error
}

func New(gpu *accel.GpuAccelerator, media *chunker.VideoChunker) *TaskExecutor {
	ex := &TaskExecutor{
		tasks: make(map[string]*runningTask),
		gpu: gpu,
		media: media,
	}

	ex.ops = map[string]operation{
		job.OP_TRANSCODE: transcodeOp{},
		job.OP_ENHANCE: enhanceOp{},
		job.OP_EDIT: editOp{},
		job.OP_RENDER: renderOp{},
		job.OP_ANALYZE: analyzeOp{},
	}

	return ex
}

// Create validates the operation and returns a new pending task.
func (ex *TaskExecutor) Create(op string, input string, output string, p job.Params) (error, job.TranscodeTask) {
	var t job.TranscodeTask
	if _, ok := ex.ops[op]; !ok {
		return errors.New("bad_operation"), t
	}

	if op == job.OP_EDIT && !job.ValidEditAction(p.Edit_action) {
		return errors.New("bad_edit_action"), t
	}

	t.Id = uuid.New().String()
	t.Operation = op
	t.InputFile = input
	t.OutputFile = output
	t.Params = p
	t.State = job.TASK_STATE_PENDING
	t.Time_created = time.Now()

	ex.mutex.Lock()
	ex.tasks[t.Id] = &runningTask{task: &t, cancel: make(chan struct{})}
	ex.mutex.Unlock()

	return nil, t
}

// Run executes a pending task synchronously in the caller's worker context.
// Failure is always represented as task state; Run never panics past this
// boundary and never returns an error to the orchestrator.
func (ex *TaskExecutor) Run(taskId string) (job.TranscodeTask, bool) {
	ex.mutex.Lock()
	rt, ok := ex.tasks[taskId]
	if !ok {
		ex.mutex.Unlock()
		return job.TranscodeTask{}, false
	}

	if rt.task.State != job.TASK_STATE_PENDING {
		t := *rt.task
		ex.mutex.Unlock()
		return t, true
	}

	rt.task.State = job.TASK_STATE_PROCESSING
	rt.task.Time_started = time.Now()
	rt.task.Progress = 10
	op := ex.ops[rt.task.Operation]
	ex.mutex.Unlock()

	ex.prepareAcceleration(rt)

	err := ex.runGuarded(op, rt)

	ex.mutex.Lock()
	defer ex.mutex.Unlock()
	if err == nil && rt.cancelled {
		err = ErrCancelled
	}

	rt.task.Time_completed = time.Now()
	if err == nil {
		rt.task.State = job.TASK_STATE_COMPLETED
		rt.task.Progress = 100
	} else if errors.Is(err, ErrCancelled) {
		rt.task.State = job.TASK_STATE_CANCELLED
		// Callers must never read outputs of a cancelled task.
		os.Remove(rt.task.OutputFile)
	} else {
		rt.task.State = job.TASK_STATE_FAILED
		rt.task.ErrorMessage = err.Error()
	}

	return *rt.task, true
}

func (ex *TaskExecutor) runGuarded(op operation, rt *runningTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panic: %v", r)
		}
	}()

	return op.execute(ex, rt)
}

// Only transcode/render use the accelerator; other operations are filter
// or probe work where nvenc buys nothing.
func (ex *TaskExecutor) prepareAcceleration(rt *runningTask) {
	ex.mutex.Lock()
	t := rt.task
	wantGpu := t.Params.Gpu && (t.Operation == job.OP_TRANSCODE || t.Operation == job.OP_RENDER)
	ex.mutex.Unlock()

	if !wantGpu || ex.gpu == nil {
		ex.setGpu(rt, false, nil)
		return
	}

	available, devices := ex.gpu.Detect()
	if !available {
		fmt.Println("GPU requested but no accelerator present, running unaccelerated")
		ex.setGpu(rt, false, nil)
		return
	}

	device := accel.SelectDevice(devices, 0)
	if device == nil {
		ex.setGpu(rt, false, nil)
		return
	}

	ex.setGpu(rt, true, accel.AccelArgs(device))
}

func (ex *TaskExecutor) setGpu(rt *runningTask, on bool, hwArgs []string) {
	ex.mutex.Lock()
	defer ex.mutex.Unlock()
	rt.task.GpuAccelerated = on
	rt.task.Params.Gpu = on
	rt.hwAccelArgs = hwArgs
}

// Cancel stops a pending or processing task. The external tool process,
// if any, is SIGTERMed and the partial output discarded by Run.
func (ex *TaskExecutor) Cancel(taskId string) bool {
	ex.mutex.Lock()
	defer ex.mutex.Unlock()

	rt, ok := ex.tasks[taskId]
	if !ok {
		return false
	}

	switch rt.task.State {
	case job.TASK_STATE_PENDING:
		rt.cancelled = true
		rt.task.State = job.TASK_STATE_CANCELLED
		rt.task.Time_completed = time.Now()
		close(rt.cancel)
		return true
	case job.TASK_STATE_PROCESSING:
		rt.cancelled = true
		close(rt.cancel)
		if rt.cmd != nil && rt.cmd.Process != nil {
			e := rt.cmd.Process.Signal(syscall.SIGTERM)
			fmt.Println("process.Signal.SIGTERM on pid ", rt.cmd.Process.Pid, " (task id = ", rt.task.Id, ") returned: ", e)
		}

		return true
	}

	return false
}

// Status returns a snapshot copy, safe to poll frequently.
func (ex *TaskExecutor) Status(taskId string) (job.TranscodeTask, bool) {
	ex.mutex.Lock()
	defer ex.mutex.Unlock()

	rt, ok := ex.tasks[taskId]
	if !ok {
		return job.TranscodeTask{}, false
	}

	return *rt.task, true
}

func (ex *TaskExecutor) setProgress(rt *runningTask, v float64) {
	ex.mutex.Lock()
	defer ex.mutex.Unlock()
	if v > rt.task.Progress {
		rt.task.Progress = v
	}
}

// runFFmpeg starts the tool, registers the process for cancellation, and
// waits. A nonzero exit is returned with the captured tool output as the
// error detail.
func (ex *TaskExecutor) runFFmpeg(rt *runningTask, args []string) error {
	cmd := exec.Command("ffmpeg", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	ex.mutex.Lock()
	if rt.cancelled {
		ex.mutex.Unlock()
		return ErrCancelled
	}

	if err := cmd.Start(); err != nil {
		ex.mutex.Unlock()
		return fmt.Errorf("ffmpeg failed to start: %v", err)
	}

	rt.cmd = cmd
	ex.mutex.Unlock()

	ex.setProgress(rt, 30)
	err := cmd.Wait()

	ex.mutex.Lock()
	rt.cmd = nil
	cancelled := rt.cancelled
	ex.mutex.Unlock()

	if cancelled {
		return ErrCancelled
	}

	if err != nil {
		return errors.New(outputTail(out.Bytes()))
	}

	ex.setProgress(rt, 90)
	return nil
}

func outputTail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return "ffmpeg exited with an error"
	}

	if len(s) > 512 {
		s = s[len(s)-512:]
	}

	return s
}
