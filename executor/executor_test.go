package executor

import (
	"errors"
	"os"
	"path"
	"strings"
	"testing"

	"ezDistTranscoding/accel"
	"ezDistTranscoding/chunker"
	"ezDistTranscoding/job"
)

// opFunc lets a test stand in for a real operation.
type opFunc func(ex *TaskExecutor, rt *runningTask) error

func (f opFunc) execute(ex *TaskExecutor, rt *runningTask) error {
	return f(ex, rt)
}

func noGpu(name string, args ...string) ([]byte, error) {
	return nil, errors.New("nvidia-smi: command not found")
}

func newTestExecutor() *TaskExecutor {
	media := &chunker.VideoChunker{Runner: func(name string, args ...string) ([]byte, []byte, error) {
		return nil, nil, errors.New("no media tool in tests")
	}}

	return New(&accel.GpuAccelerator{Runner: noGpu}, media)
}

func TestRunCompletes(t *testing.T) {
	ex := newTestExecutor()
	ex.ops[job.OP_TRANSCODE] = opFunc(func(ex *TaskExecutor, rt *runningTask) error {
		ex.setProgress(rt, 50)
		return nil
	})

	e, task := ex.Create(job.OP_TRANSCODE, "in.mp4", "out.mp4", job.Params{})
	if e != nil {
		t.Fatalf("Create: %v", e)
	}

	res, ok := ex.Run(task.Id)
	if !ok {
		t.Fatal("Run: task not found")
	}

	if res.State != job.TASK_STATE_COMPLETED {
		t.Errorf("state: %s", res.State)
	}

	if res.Progress != 100 {
		t.Errorf("progress: %v", res.Progress)
	}

	if res.Time_completed.IsZero() {
		t.Error("completion time not set")
	}
}

func TestRunFailureRecordsError(t *testing.T) {
	ex := newTestExecutor()
	ex.ops[job.OP_TRANSCODE] = opFunc(func(ex *TaskExecutor, rt *runningTask) error {
		return errors.New("encoder blew up")
	})

	_, task := ex.Create(job.OP_TRANSCODE, "in.mp4", "out.mp4", job.Params{})
	res, _ := ex.Run(task.Id)

	if res.State != job.TASK_STATE_FAILED {
		t.Errorf("state: %s", res.State)
	}

	if res.ErrorMessage != "encoder blew up" {
		t.Errorf("error message: %s", res.ErrorMessage)
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	ex := newTestExecutor()
	ex.ops[job.OP_TRANSCODE] = opFunc(func(ex *TaskExecutor, rt *runningTask) error {
		panic("boom")
	})

	_, task := ex.Create(job.OP_TRANSCODE, "in.mp4", "out.mp4", job.Params{})
	res, _ := ex.Run(task.Id)

	if res.State != job.TASK_STATE_FAILED {
		t.Errorf("state: %s", res.State)
	}

	if !strings.Contains(res.ErrorMessage, "panic") {
		t.Errorf("error message: %s", res.ErrorMessage)
	}
}

func TestCancelPendingTask(t *testing.T) {
	ex := newTestExecutor()
	executed := false
	ex.ops[job.OP_TRANSCODE] = opFunc(func(ex *TaskExecutor, rt *runningTask) error {
		executed = true
		return nil
	})

	_, task := ex.Create(job.OP_TRANSCODE, "in.mp4", "out.mp4", job.Params{})
	if !ex.Cancel(task.Id) {
		t.Fatal("Cancel failed on a pending task")
	}

	res, _ := ex.Run(task.Id)
	if res.State != job.TASK_STATE_CANCELLED {
		t.Errorf("state: %s", res.State)
	}

	if executed {
		t.Error("cancelled task was executed")
	}

	// A terminal task cannot be cancelled again.
	if ex.Cancel(task.Id) {
		t.Error("double cancel succeeded")
	}
}

func TestCancelProcessingTask(t *testing.T) {
	ex := newTestExecutor()
	started := make(chan struct{})
	ex.ops[job.OP_TRANSCODE] = opFunc(func(ex *TaskExecutor, rt *runningTask) error {
		close(started)
		<-rt.cancel
		return ErrCancelled
	})

	_, task := ex.Create(job.OP_TRANSCODE, "in.mp4", "out.mp4", job.Params{})

	done := make(chan job.TranscodeTask, 1)
	go func() {
		res, _ := ex.Run(task.Id)
		done <- res
	}()

	<-started
	if !ex.Cancel(task.Id) {
		t.Fatal("Cancel failed on a processing task")
	}

	res := <-done
	if res.State != job.TASK_STATE_CANCELLED {
		t.Errorf("state: %s", res.State)
	}

	if res.ErrorMessage != "" {
		t.Errorf("cancelled task carries an error message: %s", res.ErrorMessage)
	}
}

func TestCancelRemovesPartialOutput(t *testing.T) {
	ex := newTestExecutor()
	out := path.Join(t.TempDir(), "out.mp4")
	ex.ops[job.OP_TRANSCODE] = opFunc(func(ex *TaskExecutor, rt *runningTask) error {
		os.WriteFile(out, []byte("partial"), 0644)
		return ErrCancelled
	})

	_, task := ex.Create(job.OP_TRANSCODE, "in.mp4", out, job.Params{})
	res, _ := ex.Run(task.Id)

	if res.State != job.TASK_STATE_CANCELLED {
		t.Fatalf("state: %s", res.State)
	}

	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("partial output of a cancelled task was left behind")
	}
}

func TestCreateRejectsBadOperation(t *testing.T) {
	ex := newTestExecutor()
	if e, _ := ex.Create("upscale", "in.mp4", "out.mp4", job.Params{}); e == nil {
		t.Error("unknown operation accepted")
	}

	var p job.Params
	p.Edit_action = "splice"
	if e, _ := ex.Create(job.OP_EDIT, "in.mp4", "out.mp4", p); e == nil {
		t.Error("unknown edit action accepted")
	}
}

func TestRunUnknownTask(t *testing.T) {
	ex := newTestExecutor()
	if _, ok := ex.Run("nope"); ok {
		t.Error("Run found a task that was never created")
	}

	if _, ok := ex.Status("nope"); ok {
		t.Error("Status found a task that was never created")
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	ex := newTestExecutor()
	ex.ops[job.OP_TRANSCODE] = opFunc(func(ex *TaskExecutor, rt *runningTask) error {
		ex.setProgress(rt, 70)
		ex.setProgress(rt, 40)
		st, _ := ex.Status(rt.task.Id)
		if st.Progress != 70 {
			t.Errorf("progress went backward: %v", st.Progress)
		}

		return nil
	})

	_, task := ex.Create(job.OP_TRANSCODE, "in.mp4", "out.mp4", job.Params{})
	ex.Run(task.Id)
}

func TestGpuFallbackWhenNoDevice(t *testing.T) {
	ex := newTestExecutor()
	ex.ops[job.OP_TRANSCODE] = opFunc(func(ex *TaskExecutor, rt *runningTask) error {
		return nil
	})

	var p job.Params
	p.Gpu = true
	_, task := ex.Create(job.OP_TRANSCODE, "in.mp4", "out.mp4", p)
	res, _ := ex.Run(task.Id)

	if res.State != job.TASK_STATE_COMPLETED {
		t.Fatalf("state: %s", res.State)
	}

	if res.GpuAccelerated || res.Params.Gpu {
		t.Error("task reports gpu acceleration with no device present")
	}
}

func TestGpuAccelArgsWhenDeviceAvailable(t *testing.T) {
	gpu := &accel.GpuAccelerator{Runner: func(name string, args ...string) ([]byte, error) {
		return []byte("0, NVIDIA GeForce RTX 3080, 10240, 1021\n"), nil
	}}

	ex := New(gpu, &chunker.VideoChunker{})
	var gotHwArgs []string
	ex.ops[job.OP_TRANSCODE] = opFunc(func(ex *TaskExecutor, rt *runningTask) error {
		gotHwArgs = rt.hwAccelArgs
		return nil
	})

	var p job.Params
	p.Gpu = true
	_, task := ex.Create(job.OP_TRANSCODE, "in.mp4", "out.mp4", p)
	res, _ := ex.Run(task.Id)

	if !res.GpuAccelerated {
		t.Error("gpu device present but task not accelerated")
	}

	want := "-hwaccel cuda -hwaccel_device 0"
	if strings.Join(gotHwArgs, " ") != want {
		t.Errorf("hwaccel args: %v", gotHwArgs)
	}
}

func TestGpuIgnoredForFilterOperations(t *testing.T) {
	gpu := &accel.GpuAccelerator{Runner: func(name string, args ...string) ([]byte, error) {
		t.Error("gpu probe ran for a filter operation")
		return nil, errors.New("unexpected")
	}}

	ex := New(gpu, &chunker.VideoChunker{})
	ex.ops[job.OP_ENHANCE] = opFunc(func(ex *TaskExecutor, rt *runningTask) error {
		return nil
	})

	var p job.Params
	p.Gpu = true
	p.Denoise = true
	_, task := ex.Create(job.OP_ENHANCE, "in.mp4", "out.mp4", p)
	res, _ := ex.Run(task.Id)

	if res.GpuAccelerated {
		t.Error("enhance task reports gpu acceleration")
	}
}

func TestAnalyzeWritesReport(t *testing.T) {
	probeJson := `{
		"streams": [{"codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720}],
		"format": {"format_name": "mov,mp4,m4a", "duration": "12.000000"}
	}`

	media := &chunker.VideoChunker{Runner: func(name string, args ...string) ([]byte, []byte, error) {
		return []byte(probeJson), nil, nil
	}}

	ex := New(&accel.GpuAccelerator{Runner: noGpu}, media)
	out := path.Join(t.TempDir(), "report.json")
	_, task := ex.Create(job.OP_ANALYZE, "in.mp4", out, job.Params{})
	res, _ := ex.Run(task.Id)

	if res.State != job.TASK_STATE_COMPLETED {
		t.Fatalf("state: %s, error: %s", res.State, res.ErrorMessage)
	}

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}

	if !strings.Contains(string(b), "h264") {
		t.Errorf("report content: %s", string(b))
	}
}
