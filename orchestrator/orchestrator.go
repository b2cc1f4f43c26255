// Distributed task orchestration: decide whether to split a job, extract
// chunks, assign them round-robin across available nodes, run them in
// parallel, and merge the results back into one output file.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ezDistTranscoding/executor"
	"ezDistTranscoding/job"
	"ezDistTranscoding/models"
	"ezDistTranscoding/redis_client"
	"ezDistTranscoding/registry"
	"ezDistTranscoding/s3"
	"ezDistTranscoding/utils"
)

var ErrDispatch = errors.New("dispatch_error")
var ErrNoAvailableNode = errors.New("no_available_node")

// Media covers the chunking operations the orchestrator needs. Satisfied
// by chunker.VideoChunker; faked in tests.
type Media interface {
	Duration(file string) (float64, error)
	Plan(file string, chunkSeconds float64) ([]job.Chunk, error)
	Extract(file string, ck job.Chunk, outDir string) (string, error)
	Merge(orderedFiles []string, outputFile string) error
}

// LocalRunner executes one chunk (or one whole-file task) on this node.
// It returns the output path on success, executor.ErrCancelled when the
// task was cancelled, any other error on failure.
type LocalRunner interface {
	RunChunk(op string, input string, output string, p job.Params, cancel <-chan struct{}) (string, error)
}

// Dispatcher sends one chunk to a remote node and awaits the result.
type Dispatcher interface {
	Dispatch(node models.Node, req job.ChunkRequest, cancel <-chan struct{}) (job.ChunkResponse, error)
	CancelChunk(node models.Node, chunkId string) error
}

type Config struct {
	ChunkSeconds float64
	WorkDir string
	S3Bucket string // Optional: upload merged outputs when set
}

type Orchestrator struct {
	mutex sync.Mutex
	tasks map[string]*taskState
	reg *registry.NodeRegistry
	media Media
	local LocalRunner
	dispatcher Dispatcher
	redis *redis_client.RedisClient
	conf Config

	// Optional completion callback; called once per task, after the
	// terminal state is recorded. Runs on the task's pipeline goroutine.
	OnComplete func(t job.DistributedTask)
}

// Each task record is owned by one pipeline goroutine; the per-task mutex
// only guards the fields chunk workers write concurrently (ChunkResult,
// Progress, firstErr).
type taskState struct {
	mutex sync.Mutex
	task *job.DistributedTask
	started bool // set by StartTask; the pipeline launches at most once
	cancelled bool
	cancel chan struct{}
	firstErr error
}

func New(reg *registry.NodeRegistry, media Media, local LocalRunner, dispatcher Dispatcher, conf Config) *Orchestrator {
	if conf.ChunkSeconds <= 0 {
		conf.ChunkSeconds = 30
	}

	if conf.WorkDir == "" {
		conf.WorkDir = os.TempDir()
	}

	return &Orchestrator{
		tasks: make(map[string]*taskState),
		reg: reg,
		media: media,
		local: local,
		dispatcher: dispatcher,
		conf: conf,
	}
}

// SetRedis enables the task-state mirror: every state transition is
// written to the tasks table so records survive a restart.
func (o *Orchestrator) SetRedis(rc *redis_client.RedisClient) {
	o.redis = rc
}

// CreateTask validates a submission and records a new pending task. The
// pipeline is not started; see StartTask. Callers that do not go through
// a submit queue use Submit instead.
func (o *Orchestrator) CreateTask(req job.SubmitRequest) (error, job.DistributedTask, []string) {
	var t job.DistributedTask
	e, warnings := job.Validate(req.Operation, &req.Params)
	if e != nil {
		return e, t, warnings
	}

	if req.InputFile == "" && !(req.Operation == job.OP_EDIT && req.Params.Edit_action == job.EDIT_ACTION_CONCAT) {
		return errors.New("missing_input_file"), t, warnings
	}

	if req.OutputFile == "" && req.Operation != job.OP_ANALYZE {
		return errors.New("missing_output_file"), t, warnings
	}

	t.Id = uuid.New().String()
	t.InputFile = req.InputFile
	t.OutputFile = req.OutputFile
	t.Operation = req.Operation
	t.Params = req.Params
	t.Distributed = req.Distributed
	t.AssignedNode = make(map[string]string)
	t.ChunkResult = make(map[string]string)
	t.State = job.TASK_STATE_PENDING
	t.Time_created = time.Now()

	ts := &taskState{task: &t, cancel: make(chan struct{})}
	o.mutex.Lock()
	o.tasks[t.Id] = ts
	o.mutex.Unlock()

	o.persist(ts)
	return nil, o.snapshot(ts), warnings
}

// StartTask launches the pipeline for a previously created task. Returns
// false for unknown or already-started tasks. Never blocks the caller.
func (o *Orchestrator) StartTask(taskId string) bool {
	ts := o.get(taskId)
	if ts == nil {
		return false
	}

	ts.mutex.Lock()
	// The task stays pending until the pipeline goroutine gets going, so
	// the state alone cannot arbitrate two racing starts (duplicate queue
	// delivery). The started flag does.
	if ts.started || ts.task.State != job.TASK_STATE_PENDING || ts.cancelled {
		ts.mutex.Unlock()
		return false
	}

	ts.started = true
	ts.task.Time_started = time.Now()
	ts.mutex.Unlock()

	go o.runTask(ts)
	return true
}

// Submit creates and immediately starts a task.
func (o *Orchestrator) Submit(req job.SubmitRequest) (error, job.DistributedTask, []string) {
	e, t, warnings := o.CreateTask(req)
	if e != nil {
		return e, t, warnings
	}

	o.StartTask(t.Id)
	return nil, t, warnings
}

// Cancel stops a task in pending/distributing/processing. Cancellation is
// propagated to every in-flight chunk before the job goes terminal.
func (o *Orchestrator) Cancel(taskId string) bool {
	ts := o.get(taskId)
	if ts == nil {
		return false
	}

	ts.mutex.Lock()
	if ts.cancelled {
		ts.mutex.Unlock()
		return false
	}

	switch ts.task.State {
	case job.TASK_STATE_PENDING:
		ts.cancelled = true
		close(ts.cancel)
		ts.task.State = job.TASK_STATE_CANCELLED
		ts.task.Time_completed = time.Now()
	case job.TASK_STATE_DISTRIBUTING, job.TASK_STATE_PROCESSING:
		ts.cancelled = true
		close(ts.cancel)
	default:
		ts.mutex.Unlock()
		return false
	}

	ts.mutex.Unlock()
	o.persist(ts)
	return true
}

// Status returns a read-only snapshot, safe to poll frequently.
func (o *Orchestrator) Status(taskId string) (job.DistributedTask, bool) {
	ts := o.get(taskId)
	if ts == nil {
		return job.DistributedTask{}, false
	}

	return o.snapshot(ts), true
}

func (o *Orchestrator) List() []job.DistributedTask {
	o.mutex.Lock()
	states := make([]*taskState, 0, len(o.tasks))
	for _, ts := range o.tasks {
		states = append(states, ts)
	}
	o.mutex.Unlock()

	var all []job.DistributedTask
	for _, ts := range states {
		all = append(all, o.snapshot(ts))
	}

	return all
}

// RestoreTasks reloads task records from Redis after a restart. Tasks
// that were in flight when the previous process died cannot be resumed
// and are marked failed.
func (o *Orchestrator) RestoreTasks() (int, error) {
	if o.redis == nil {
		return 0, nil
	}

	vals, err := o.redis.HGetAll(redis_client.REDIS_KEY_ALLTASKS)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, v := range vals {
		var t job.DistributedTask
		if e := json.Unmarshal([]byte(v), &t); e != nil {
			fmt.Println("Skipping unparsable task record: ", e)
			continue
		}

		if !job.TerminalState(t.State) {
			t.State = job.TASK_STATE_FAILED
			t.ErrorMessage = "orchestrator restarted while task was in flight"
			t.Time_completed = time.Now()
		}

		ts := &taskState{task: &t, cancelled: true, cancel: make(chan struct{})}
		o.mutex.Lock()
		if _, exists := o.tasks[t.Id]; !exists {
			o.tasks[t.Id] = ts
			restored++
		}
		o.mutex.Unlock()
		o.persist(ts)
	}

	return restored, nil
}

// shouldDistribute requires all of: at least two available nodes, media
// long enough for two chunks, and a parallelizable operation.
func (o *Orchestrator) shouldDistribute(op string, p job.Params, durationSeconds float64) bool {
	if len(o.reg.Available()) < 2 {
		return false
	}

	if !parallelizable(op, p) {
		return false
	}

	return durationSeconds >= 2*o.conf.ChunkSeconds
}

// analyze and edit/concat need whole-file context and never distribute.
func parallelizable(op string, p job.Params) bool {
	if op == job.OP_ANALYZE {
		return false
	}

	if op == job.OP_EDIT && p.Edit_action == job.EDIT_ACTION_CONCAT {
		return false
	}

	return true
}

func (o *Orchestrator) runTask(ts *taskState) {
	defer func() {
		o.persist(ts)
		if o.OnComplete != nil {
			o.OnComplete(o.snapshot(ts))
		}
	}()

	ts.mutex.Lock()
	distributed := ts.task.Distributed
	op := ts.task.Operation
	p := ts.task.Params
	input := ts.task.InputFile
	ts.mutex.Unlock()

	if distributed && parallelizable(op, p) {
		duration, err := o.media.Duration(input)
		if err != nil {
			// Unreadable input is fatal to the whole job, no retry.
			o.fail(ts, err)
			return
		}

		if o.shouldDistribute(op, p, duration) {
			o.runDistributed(ts)
			return
		}
	}

	// Degrade to a single whole-file run. This path must always be
	// possible and never errors merely because distribution was
	// unavailable.
	o.runSingle(ts)
}

// runSingle mirrors the executor's terminal state 1:1; Chunks stays empty.
func (o *Orchestrator) runSingle(ts *taskState) {
	if o.local == nil {
		// No remote nodes and no local executor: nothing can run this task.
		o.fail(ts, ErrNoAvailableNode)
		return
	}

	if !o.transition(ts, job.TASK_STATE_PROCESSING, 10) {
		return
	}

	ts.mutex.Lock()
	t := *ts.task
	ts.mutex.Unlock()

	out, err := o.local.RunChunk(t.Operation, t.InputFile, t.OutputFile, t.Params, ts.cancel)
	if err == nil {
		ts.mutex.Lock()
		if out != "" {
			ts.task.OutputFile = out
		}
		ts.mutex.Unlock()
		o.complete(ts)
		return
	}

	if errors.Is(err, executor.ErrCancelled) {
		o.markCancelled(ts)
		return
	}

	o.fail(ts, err)
}

func (o *Orchestrator) runDistributed(ts *taskState) {
	if !o.transition(ts, job.TASK_STATE_DISTRIBUTING, 5) {
		return
	}

	ts.mutex.Lock()
	t := *ts.task
	ts.mutex.Unlock()

	chunkDir := path.Join(o.conf.WorkDir, t.Id)
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		o.fail(ts, fmt.Errorf("failed to create chunk dir: %v", err))
		return
	}

	chunks, err := o.media.Plan(t.InputFile, o.conf.ChunkSeconds)
	if err != nil {
		os.RemoveAll(chunkDir)
		o.fail(ts, err)
		return
	}

	// Extraction failure aborts the whole job; chunks already on disk are
	// removed with the directory.
	for i := range chunks {
		if o.isCancelled(ts) {
			os.RemoveAll(chunkDir)
			o.markCancelled(ts)
			return
		}

		src, e := o.media.Extract(t.InputFile, chunks[i], chunkDir)
		if e != nil {
			os.RemoveAll(chunkDir)
			o.fail(ts, e)
			return
		}

		chunks[i].SourceFilePath = src
		o.setProgress(ts, 5+25*float64(i+1)/float64(len(chunks)))
	}

	avail := o.reg.Available()
	if len(avail) == 0 {
		// Nodes vanished between the decision and assignment; fall back.
		os.RemoveAll(chunkDir)
		fmt.Println("No available node left for task ", t.Id, ", falling back to single-node run")
		o.runSingle(ts)
		return
	}

	ts.mutex.Lock()
	ts.task.Chunks = chunks
	for i := range chunks {
		ts.task.AssignedNode[chunks[i].Chunk_id] = avail[i%len(avail)].Node_id
	}
	ts.mutex.Unlock()
	o.persist(ts)

	if !o.transition(ts, job.TASK_STATE_PROCESSING, 30) {
		return
	}

	var wg sync.WaitGroup
	for i := range chunks {
		node := avail[i%len(avail)]
		wg.Add(1)
		go o.runChunk(ts, &wg, chunks[i], node, chunkDir, len(chunks))
	}

	wg.Wait()

	if o.isCancelled(ts) {
		// A cancelled job's partial chunk outputs are discarded, never merged.
		os.RemoveAll(chunkDir)
		o.markCancelled(ts)
		return
	}

	ts.mutex.Lock()
	firstErr := ts.firstErr
	ts.mutex.Unlock()

	if firstErr != nil {
		// All N chunks must succeed; no partial merge.
		os.RemoveAll(chunkDir)
		o.fail(ts, firstErr)
		return
	}

	if !o.transition(ts, job.TASK_STATE_MERGING, 92) {
		return
	}

	// Gather outputs in sequence order, never completion order.
	ts.mutex.Lock()
	var ordered []string
	for _, ck := range ts.task.Chunks {
		ordered = append(ordered, ts.task.ChunkResult[ck.Chunk_id])
	}
	output := ts.task.OutputFile
	ts.mutex.Unlock()

	if err := o.media.Merge(ordered, output); err != nil {
		// Chunk files are preserved for inspection and manual recovery.
		o.fail(ts, err)
		return
	}

	os.RemoveAll(chunkDir)
	o.uploadOutput(ts, output)
	o.complete(ts)
}

// runChunk executes one chunk on its assigned node. The node is marked
// busy for the duration and restored to online afterward regardless of
// success or failure.
func (o *Orchestrator) runChunk(ts *taskState, wg *sync.WaitGroup, ck job.Chunk, node models.Node, chunkDir string, numChunks int) {
	defer wg.Done()

	o.reg.SetState(node.Node_id, models.NODE_STATE_BUSY)
	defer o.reg.SetState(node.Node_id, models.NODE_STATE_ONLINE)

	ts.mutex.Lock()
	t := *ts.task
	ts.mutex.Unlock()

	outPath := path.Join(chunkDir, ck.Chunk_id+"_out"+outputExtension(t.OutputFile))

	var result string
	var err error
	if node.Local {
		result, err = o.local.RunChunk(t.Operation, ck.SourceFilePath, outPath, t.Params, ts.cancel)
	} else {
		var req job.ChunkRequest
		req.Chunk_id = ck.Chunk_id
		req.Operation = t.Operation
		req.Params = t.Params
		req.InputRef = ck.SourceFilePath
		req.OutputRef = outPath

		var resp job.ChunkResponse
		resp, err = o.dispatcher.Dispatch(node, req, ts.cancel)
		if err == nil {
			switch resp.State {
			case job.TASK_STATE_COMPLETED:
				result = resp.OutputRef
			case job.TASK_STATE_CANCELLED:
				err = executor.ErrCancelled
			default:
				err = fmt.Errorf("%w: node %s: %s", ErrDispatch, node.Node_id, resp.Error)
			}
		}
	}

	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	if err != nil {
		if !errors.Is(err, executor.ErrCancelled) && ts.firstErr == nil {
			ts.firstErr = err
		}

		return
	}

	ts.task.ChunkResult[ck.Chunk_id] = result
	p := ts.task.Progress + 60/float64(numChunks)
	if p > 90 {
		p = 90
	}

	if p > ts.task.Progress {
		ts.task.Progress = p
	}
}

func (o *Orchestrator) uploadOutput(ts *taskState, output string) {
	if o.conf.S3Bucket == "" {
		return
	}

	key := utils.Get_path_filename(output)
	if err := s3.Upload(output, o.conf.S3Bucket, key); err != nil {
		// The merged file is on local disk either way; the upload is a
		// best-effort copy, not part of the task contract.
		fmt.Println("Failed to upload output to S3 bucket ", o.conf.S3Bucket, ": ", err)
	}
}

func (o *Orchestrator) get(taskId string) *taskState {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.tasks[taskId]
}

// transition moves a task forward unless it was cancelled in the meantime.
func (o *Orchestrator) transition(ts *taskState, state string, progress float64) bool {
	ts.mutex.Lock()
	if ts.cancelled {
		ts.mutex.Unlock()
		o.markCancelled(ts)
		return false
	}

	ts.task.State = state
	if progress > ts.task.Progress {
		ts.task.Progress = progress
	}

	ts.mutex.Unlock()
	o.persist(ts)
	return true
}

func (o *Orchestrator) setProgress(ts *taskState, v float64) {
	ts.mutex.Lock()
	if v > ts.task.Progress {
		ts.task.Progress = v
	}

	ts.mutex.Unlock()
}

func (o *Orchestrator) isCancelled(ts *taskState) bool {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	return ts.cancelled
}

func (o *Orchestrator) complete(ts *taskState) {
	ts.mutex.Lock()
	if !job.TerminalState(ts.task.State) {
		ts.task.State = job.TASK_STATE_COMPLETED
		ts.task.Progress = 100
		ts.task.Time_completed = time.Now()
	}

	ts.mutex.Unlock()
	o.persist(ts)
}

func (o *Orchestrator) fail(ts *taskState, err error) {
	ts.mutex.Lock()
	if !job.TerminalState(ts.task.State) {
		ts.task.State = job.TASK_STATE_FAILED
		ts.task.ErrorMessage = err.Error()
		ts.task.Time_completed = time.Now()
	}

	ts.mutex.Unlock()
	o.persist(ts)
}

func (o *Orchestrator) markCancelled(ts *taskState) {
	ts.mutex.Lock()
	if !job.TerminalState(ts.task.State) {
		ts.task.State = job.TASK_STATE_CANCELLED
		ts.task.Time_completed = time.Now()
	}

	ts.mutex.Unlock()
	o.persist(ts)
}

func (o *Orchestrator) persist(ts *taskState) {
	if o.redis == nil {
		return
	}

	t := o.snapshot(ts)
	if err := o.redis.HSetStruct(redis_client.REDIS_KEY_ALLTASKS, t.Id, t); err != nil {
		fmt.Println("Failed to persist task id=", t.Id, ". Error: ", err)
	}
}

func (o *Orchestrator) snapshot(ts *taskState) job.DistributedTask {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	t := *ts.task
	t.Chunks = append([]job.Chunk(nil), ts.task.Chunks...)
	t.AssignedNode = make(map[string]string, len(ts.task.AssignedNode))
	for k, v := range ts.task.AssignedNode {
		t.AssignedNode[k] = v
	}

	t.ChunkResult = make(map[string]string, len(ts.task.ChunkResult))
	for k, v := range ts.task.ChunkResult {
		t.ChunkResult[k] = v
	}

	return t
}

func outputExtension(p string) string {
	name := utils.Get_path_filename(p)
	pos := strings.LastIndex(name, ".")
	if pos < 0 {
		return ".mp4"
	}

	return name[pos:]
}
