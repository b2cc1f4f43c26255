// In-memory table of processing nodes with liveness tracking and
// priority/capacity ordered selection. The table is the only state shared
// across concurrent chunk workers, so every entry point takes the one lock.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ezDistTranscoding/models"
	"ezDistTranscoding/utils"
)

type NodeRegistry struct {
	mutex sync.Mutex
	nodes map[string]*models.Node
	nodeTimeout time.Duration
}

func New(nodeTimeout time.Duration) *NodeRegistry {
	return &NodeRegistry{
		nodes: make(map[string]*models.Node),
		nodeTimeout: nodeTimeout,
	}
}

// Register is an idempotent upsert keyed by node id. A node registering
// without an id gets a random one assigned.
func (r *NodeRegistry) Register(n models.Node) string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if n.Node_id == "" {
		n.Node_id = uuid.New().String()
	}

	if existing, ok := r.nodes[n.Node_id]; ok {
		n.Registered_at = existing.Registered_at
	} else {
		n.Registered_at = time.Now()
	}

	if n.State == "" || n.State == models.NODE_STATE_OFFLINE {
		n.State = models.NODE_STATE_ONLINE
	}

	if n.Priority == 0 {
		n.Priority = models.NODE_PRIORITY_NORMAL
	}

	if n.ProcessingCapacity == 0 {
		n.ProcessingCapacity = 1.0
	}

	n.LastHeartbeat = time.Now()
	r.nodes[n.Node_id] = &n
	return n.Node_id
}

// Deregister is the only way a node ever leaves the table.
func (r *NodeRegistry) Deregister(nodeId string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, ok := r.nodes[nodeId]
	if ok {
		delete(r.nodes, nodeId)
	}

	return ok
}

// Heartbeat updates liveness and status. Returns false for unknown nodes.
func (r *NodeRegistry) Heartbeat(nodeId string, state string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	n, ok := r.nodes[nodeId]
	if !ok {
		return false
	}

	if state != "" {
		n.State = state
	}

	n.LastHeartbeat = time.Now()
	return true
}

// SetState flips a node's status without touching its heartbeat. Used by
// the orchestrator to bracket chunk execution with busy/online.
func (r *NodeRegistry) SetState(nodeId string, state string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	n, ok := r.nodes[nodeId]
	if !ok {
		return false
	}

	n.State = state
	return true
}

func (r *NodeRegistry) Get(nodeId string) (models.Node, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	n, ok := r.nodes[nodeId]
	if !ok {
		return models.Node{}, false
	}

	return *n, true
}

func (r *NodeRegistry) List() []models.Node {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var all []models.Node
	for _, n := range r.nodes {
		all = append(all, *n)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Node_id < all[j].Node_id })
	return all
}

// Available returns the nodes eligible for assignment, sorted by
// (priority ascending, capacity descending). As a side effect any node
// whose heartbeat expired is flipped to offline (lazy expiry), so no
// background timer is required for correctness.
func (r *NodeRegistry) Available() []models.Node {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.expireLocked()

	var avail []models.Node
	for _, n := range r.nodes {
		if n.State == models.NODE_STATE_ONLINE || n.State == models.NODE_STATE_IDLE {
			avail = append(avail, *n)
		}
	}

	sort.SliceStable(avail, func(i, j int) bool {
		if avail[i].Priority != avail[j].Priority {
			return avail[i].Priority < avail[j].Priority
		}

		if avail[i].ProcessingCapacity != avail[j].ProcessingCapacity {
			return avail[i].ProcessingCapacity > avail[j].ProcessingCapacity
		}

		return avail[i].Node_id < avail[j].Node_id
	})

	return avail
}

// SelectBest returns the highest-priority, highest-capacity node meeting
// the requirements, or nil when nothing qualifies.
func (r *NodeRegistry) SelectBest(req models.NodeRequirements) *models.Node {
	for _, n := range r.Available() {
		if req.GpuRequired && !n.GpuAvailable {
			continue
		}

		if n.MemoryMb < req.MinMemoryMb {
			continue
		}

		if req.MinGpuMemoryMb > 0 && n.GpuMemoryMb < req.MinGpuMemoryMb {
			continue
		}

		match := n
		return &match
	}

	return nil
}

// ClusterStatus aggregates the current table. Offline nodes are excluded
// from the memory/capacity sums but still counted in TotalNodes.
func (r *NodeRegistry) ClusterStatus() models.ClusterStatus {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.expireLocked()

	var cs models.ClusterStatus
	for _, n := range r.nodes {
		cs.TotalNodes++
		if n.State == models.NODE_STATE_OFFLINE {
			continue
		}

		cs.OnlineNodes++
		if n.GpuAvailable {
			cs.GpuNodes++
			cs.TotalGpuMemoryMb += n.GpuMemoryMb
		}

		cs.TotalMemoryMb += n.MemoryMb
		cs.TotalCapacity += n.ProcessingCapacity
	}

	return cs
}

// StartExpiryTimer runs a periodic sweep in addition to the lazy expiry.
// Close the returned channel to stop the timer.
func (r *NodeRegistry) StartExpiryTimer(interval time.Duration) chan struct{} {
	ticker := time.NewTicker(interval)
	quit := make(chan struct{})
	go func(ticker *time.Ticker) {
		for {
			select {
			case <-ticker.C:
				r.mutex.Lock()
				r.expireLocked()
				r.mutex.Unlock()
			case <-quit:
				ticker.Stop()
				return
			}
		}
	}(ticker)

	return quit
}

func (r *NodeRegistry) expireLocked() {
	now := time.Now()
	for _, n := range r.nodes {
		if n.State == models.NODE_STATE_OFFLINE {
			continue
		}

		if now.Sub(n.LastHeartbeat) >= r.nodeTimeout {
			fmt.Println("Node heartbeat expired, marking offline. Node id: ", n.Node_id)
			n.State = models.NODE_STATE_OFFLINE
		}
	}
}

// LoadDefaultNodes registers the static nodes listed in a JSON config
// file at startup. Returns the number of nodes registered.
func (r *NodeRegistry) LoadDefaultNodes(path string) (int, error) {
	data, err := utils.Read_file(path)
	if err != nil {
		return 0, err
	}

	var defaults []models.Node
	if err = json.Unmarshal(data, &defaults); err != nil {
		return 0, err
	}

	for _, n := range defaults {
		r.Register(n)
	}

	return len(defaults), nil
}
