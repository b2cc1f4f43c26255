package models

import (
	"time"
)

const NODE_STATE_OFFLINE = "offline"
const NODE_STATE_ONLINE = "online"
const NODE_STATE_IDLE = "idle"
const NODE_STATE_BUSY = "busy"
const NODE_STATE_ERROR = "error"

const NODE_PRIORITY_HIGH = 1
const NODE_PRIORITY_NORMAL = 2
const NODE_PRIORITY_LOW = 3

// Node records maintained by the node registry
type Node struct {
	Node_id string
	Host string
	Port string
	Local bool // Chunks assigned to a local node run in-process, no network dispatch
	GpuAvailable bool
	GpuMemoryMb int
	CpuCores int
	MemoryMb int
	ProcessingCapacity float64 // Relative throughput weight
	Priority int // 1 = high ... 3 = low
	State string
	LastHeartbeat time.Time
	Registered_at time.Time
}

// Sent by worker apps when they register with the api server.
// Node ID is assigned by the api server at registration time.
type NodeInfo struct {
	ServerIp string
	ServerPort string
	GpuAvailable bool
	GpuMemoryMb int
	CpuCores int
	MemoryMb int
	ProcessingCapacity float64
	Priority int
	HeartbeatInterval string
}

// Sent by worker apps when they report liveness
type NodeHeartbeat struct {
	Node_id string
	State string
	LastHeartbeatTime time.Time
}

// Node selection filter used by the orchestrator
type NodeRequirements struct {
	GpuRequired bool
	MinMemoryMb int
	MinGpuMemoryMb int
}

// Aggregate snapshot over the registry table. Offline nodes are counted
// in TotalNodes but excluded from the memory/capacity sums.
type ClusterStatus struct {
	TotalNodes int
	OnlineNodes int
	GpuNodes int
	TotalMemoryMb int
	TotalGpuMemoryMb int
	TotalCapacity float64
}
