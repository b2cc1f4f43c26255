package registry

import (
	"os"
	"path"
	"testing"
	"time"

	"ezDistTranscoding/models"
)

func TestRegisterDefaults(t *testing.T) {
	r := New(time.Minute)

	var n models.Node
	n.Host = "10.0.0.1"
	n.Port = "8082"
	nid := r.Register(n)
	if nid == "" {
		t.Fatal("no node id assigned")
	}

	got, ok := r.Get(nid)
	if !ok {
		t.Fatal("registered node not found")
	}

	if got.State != models.NODE_STATE_ONLINE {
		t.Errorf("state: %s", got.State)
	}

	if got.Priority != models.NODE_PRIORITY_NORMAL {
		t.Errorf("priority: %d", got.Priority)
	}

	if got.ProcessingCapacity != 1.0 {
		t.Errorf("capacity: %v", got.ProcessingCapacity)
	}
}

func TestRegisterUpsertKeepsRegistrationTime(t *testing.T) {
	r := New(time.Minute)

	var n models.Node
	n.Node_id = "node_a"
	r.Register(n)
	first, _ := r.Get("node_a")

	n.MemoryMb = 16384
	r.Register(n)
	second, _ := r.Get("node_a")

	if !second.Registered_at.Equal(first.Registered_at) {
		t.Error("re-registration changed Registered_at")
	}

	if second.MemoryMb != 16384 {
		t.Error("re-registration did not update the record")
	}
}

func TestHeartbeatUnknownNode(t *testing.T) {
	r := New(time.Minute)
	if r.Heartbeat("nope", models.NODE_STATE_IDLE) {
		t.Error("heartbeat for unknown node succeeded")
	}
}

func TestAvailableFiltersAndSorts(t *testing.T) {
	r := New(time.Minute)

	add := func(id string, state string, priority int, capacity float64) {
		var n models.Node
		n.Node_id = id
		n.State = state
		n.Priority = priority
		n.ProcessingCapacity = capacity
		r.Register(n)
	}

	add("busy_node", models.NODE_STATE_ONLINE, models.NODE_PRIORITY_HIGH, 4.0)
	r.SetState("busy_node", models.NODE_STATE_BUSY)
	add("err_node", models.NODE_STATE_ONLINE, models.NODE_PRIORITY_HIGH, 4.0)
	r.SetState("err_node", models.NODE_STATE_ERROR)
	add("low_prio", models.NODE_STATE_ONLINE, models.NODE_PRIORITY_LOW, 8.0)
	add("small", models.NODE_STATE_IDLE, models.NODE_PRIORITY_NORMAL, 1.0)
	add("big", models.NODE_STATE_ONLINE, models.NODE_PRIORITY_NORMAL, 2.0)
	add("fast", models.NODE_STATE_ONLINE, models.NODE_PRIORITY_HIGH, 1.0)

	avail := r.Available()
	if len(avail) != 4 {
		t.Fatalf("available: %d nodes", len(avail))
	}

	want := []string{"fast", "big", "small", "low_prio"}
	for i, id := range want {
		if avail[i].Node_id != id {
			t.Errorf("position %d: got %s, want %s", i, avail[i].Node_id, id)
		}
	}
}

func TestLazyExpiry(t *testing.T) {
	r := New(20 * time.Millisecond)

	var n models.Node
	n.Node_id = "node_a"
	r.Register(n)

	if len(r.Available()) != 1 {
		t.Fatal("fresh node not available")
	}

	time.Sleep(40 * time.Millisecond)

	if len(r.Available()) != 0 {
		t.Error("expired node still available")
	}

	got, _ := r.Get("node_a")
	if got.State != models.NODE_STATE_OFFLINE {
		t.Errorf("expired node state: %s", got.State)
	}

	// A heartbeat brings the node back once its status is refreshed.
	r.Heartbeat("node_a", models.NODE_STATE_ONLINE)
	if len(r.Available()) != 1 {
		t.Error("node did not come back after heartbeat")
	}
}

func TestSelectBest(t *testing.T) {
	r := New(time.Minute)

	var cpu models.Node
	cpu.Node_id = "cpu_only"
	cpu.MemoryMb = 32768
	r.Register(cpu)

	var req models.NodeRequirements
	req.GpuRequired = true
	if r.SelectBest(req) != nil {
		t.Error("gpu requirement matched a cpu-only node")
	}

	var gpu models.Node
	gpu.Node_id = "gpu_node"
	gpu.GpuAvailable = true
	gpu.GpuMemoryMb = 10240
	gpu.MemoryMb = 16384
	r.Register(gpu)

	got := r.SelectBest(req)
	if got == nil || got.Node_id != "gpu_node" {
		t.Fatalf("SelectBest: %+v", got)
	}

	req.MinGpuMemoryMb = 20480
	if r.SelectBest(req) != nil {
		t.Error("gpu memory requirement not enforced")
	}
}

func TestClusterStatusExcludesOffline(t *testing.T) {
	r := New(time.Minute)

	var a models.Node
	a.Node_id = "a"
	a.MemoryMb = 8192
	a.GpuAvailable = true
	a.GpuMemoryMb = 10240
	a.ProcessingCapacity = 2.0
	r.Register(a)

	var b models.Node
	b.Node_id = "b"
	b.MemoryMb = 4096
	b.ProcessingCapacity = 1.0
	r.Register(b)
	r.SetState("b", models.NODE_STATE_OFFLINE)

	cs := r.ClusterStatus()
	if cs.TotalNodes != 2 || cs.OnlineNodes != 1 {
		t.Errorf("node counts: %+v", cs)
	}

	if cs.TotalMemoryMb != 8192 || cs.TotalCapacity != 2.0 {
		t.Errorf("offline node counted in sums: %+v", cs)
	}

	if cs.GpuNodes != 1 || cs.TotalGpuMemoryMb != 10240 {
		t.Errorf("gpu sums: %+v", cs)
	}
}

func TestDeregister(t *testing.T) {
	r := New(time.Minute)

	var n models.Node
	n.Node_id = "node_a"
	r.Register(n)

	if !r.Deregister("node_a") {
		t.Error("deregister failed")
	}

	if r.Deregister("node_a") {
		t.Error("double deregister succeeded")
	}

	if _, ok := r.Get("node_a"); ok {
		t.Error("node still present after deregister")
	}
}

func TestLoadDefaultNodes(t *testing.T) {
	file := path.Join(t.TempDir(), "nodes.json")
	data := `[
		{"node_id": "static_1", "host": "10.0.0.1", "port": "8082", "processingcapacity": 2.0},
		{"node_id": "static_2", "host": "10.0.0.2", "port": "8082", "gpuavailable": true}
	]`
	if err := os.WriteFile(file, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	r := New(time.Minute)
	count, err := r.LoadDefaultNodes(file)
	if err != nil {
		t.Fatalf("LoadDefaultNodes: %v", err)
	}

	if count != 2 {
		t.Errorf("count: %d", count)
	}

	got, ok := r.Get("static_2")
	if !ok || !got.GpuAvailable {
		t.Errorf("static_2: %+v", got)
	}
}
