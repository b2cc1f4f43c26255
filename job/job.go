package job

import (
	"time"
)

const OP_TRANSCODE = "transcode"
const OP_ENHANCE = "enhance"
const OP_EDIT = "edit"
const OP_RENDER = "render"
const OP_ANALYZE = "analyze"

const EDIT_ACTION_TRIM = "trim"
const EDIT_ACTION_CONCAT = "concat"
const EDIT_ACTION_OVERLAY = "overlay"

const TASK_STATE_PENDING = "pending"
const TASK_STATE_DISTRIBUTING = "distributing" // Chunks being extracted and assigned
const TASK_STATE_PROCESSING = "processing"
const TASK_STATE_MERGING = "merging"
const TASK_STATE_COMPLETED = "completed"
const TASK_STATE_FAILED = "failed"
const TASK_STATE_CANCELLED = "cancelled"

var valid_operations = []string{OP_TRANSCODE, OP_ENHANCE, OP_EDIT, OP_RENDER, OP_ANALYZE}
var valid_edit_actions = []string{EDIT_ACTION_TRIM, EDIT_ACTION_CONCAT, EDIT_ACTION_OVERLAY}

func ValidOperation(op string) bool {
	return contains_string(valid_operations, op)
}

func ValidEditAction(a string) bool {
	return contains_string(valid_edit_actions, a)
}

type Params struct {
	// transcode / render
	Video_codec string // h264, h265
	Audio_codec string // aac, mp3
	Video_bitrate string
	Audio_bitrate string
	Width int
	Height int
	Framerate float64
	Preset string
	Crf string
	Threads int
	Gpu bool // Request GPU acceleration. The executor falls back to software encoding when no device qualifies.

	// enhance
	Denoise bool
	Sharpen bool
	Brightness float64 // -1.0 .. 1.0
	Contrast float64 // 0.0 .. 2.0, 0 means unset
	Saturation float64 // 0.0 .. 3.0, 0 means unset

	// edit
	Edit_action string // trim | concat | overlay
	Trim_start float64
	Trim_duration float64
	Concat_inputs []string
	Overlay_image string
	Overlay_x int
	Overlay_y int
}

// A bounded time-segment of one input file. Chunks of one task are
// contiguous, non-overlapping and ordered by Sequence.
type Chunk struct {
	Chunk_id string // chunk_000, chunk_001, ...
	Sequence int
	Start_time float64
	Duration float64
	End_time float64
	SourceFilePath string // Set once the chunk is extracted to disk
}

// The unit of orchestration. Owned and mutated by the orchestrator that
// created it; callers only ever see snapshot copies.
type DistributedTask struct {
	Id string
	InputFile string
	OutputFile string
	Operation string
	Params Params
	Distributed bool
	Chunks []Chunk
	AssignedNode map[string]string // chunk id -> node id
	ChunkResult map[string]string // chunk id -> output file path
	State string
	Progress float64 // 0..100, monotonically non-decreasing while non-terminal
	ErrorMessage string
	Time_created time.Time
	Time_started time.Time
	Time_completed time.Time
}

// The unit executed by a task executor: one per chunk, or one for the
// whole file when the job is not distributed.
type TranscodeTask struct {
	Id string
	Operation string
	InputFile string
	OutputFile string
	Params Params
	GpuAccelerated bool
	State string
	Progress float64
	ErrorMessage string
	Time_created time.Time
	Time_started time.Time
	Time_completed time.Time
}

func TerminalState(s string) bool {
	return s == TASK_STATE_COMPLETED || s == TASK_STATE_FAILED || s == TASK_STATE_CANCELLED
}

// Job submission request, received over HTTP or from the SQS submit queue
type SubmitRequest struct {
	Operation string
	InputFile string
	OutputFile string
	Params Params
	Distributed bool
}

// One queued submission: the task record was already created by the api
// server, the queue only carries the start order.
type QueuedSubmission struct {
	Task_id string
	Distributed bool
}

// Chunk dispatch request sent to the worker app of the assigned node
type ChunkRequest struct {
	Chunk_id string
	Operation string
	Params Params
	InputRef string
	OutputRef string
}

// Chunk dispatch response returned by the worker app
type ChunkResponse struct {
	Chunk_id string
	State string // completed | failed | cancelled
	OutputRef string
	Error string
}

type CreateTaskResponse struct {
	Task DistributedTask
	Warnings []string
}
