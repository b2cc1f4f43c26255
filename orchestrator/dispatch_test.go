package orchestrator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ezDistTranscoding/executor"
	"ezDistTranscoding/job"
	"ezDistTranscoding/models"
)

func nodeForServer(srv *httptest.Server) models.Node {
	addr := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.Split(addr, ":")

	var n models.Node
	n.Node_id = "test_node"
	n.Host = parts[0]
	n.Port = parts[1]
	return n
}

func TestHttpDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/chunks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req job.ChunkRequest
		json.NewDecoder(r.Body).Decode(&req)

		var resp job.ChunkResponse
		resp.Chunk_id = req.Chunk_id
		resp.State = job.TASK_STATE_COMPLETED
		resp.OutputRef = req.OutputRef
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d := NewHttpDispatcher(time.Minute)
	var req job.ChunkRequest
	req.Chunk_id = "chunk_003"
	req.Operation = job.OP_TRANSCODE
	req.InputRef = "/work/chunk_003.mp4"
	req.OutputRef = "/work/chunk_003_out.mp4"

	resp, err := d.Dispatch(nodeForServer(srv), req, make(chan struct{}))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if resp.State != job.TASK_STATE_COMPLETED || resp.OutputRef != req.OutputRef {
		t.Errorf("response: %+v", resp)
	}
}

func TestHttpDispatchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker is on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHttpDispatcher(time.Minute)
	_, err := d.Dispatch(nodeForServer(srv), job.ChunkRequest{Chunk_id: "chunk_000"}, make(chan struct{}))
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}

	if !strings.Contains(err.Error(), "worker is on fire") {
		t.Errorf("error should carry the worker response: %v", err)
	}
}

func TestHttpDispatchUnreachableNode(t *testing.T) {
	var n models.Node
	n.Node_id = "gone"
	n.Host = "127.0.0.1"
	n.Port = "1" // nothing listens here

	d := NewHttpDispatcher(time.Minute)
	_, err := d.Dispatch(n, job.ChunkRequest{Chunk_id: "chunk_000"}, make(chan struct{}))
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
}

func TestHttpDispatchCancel(t *testing.T) {
	cancelHit := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/cancel") {
			parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
			cancelHit <- parts[1]
			return
		}

		// Hold the chunk request open until the client gives up. The body
		// must be drained first or the server never notices the client abort.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	d := NewHttpDispatcher(time.Minute)
	cancel := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(cancel)
	}()

	_, err := d.Dispatch(nodeForServer(srv), job.ChunkRequest{Chunk_id: "chunk_007"}, cancel)
	if !errors.Is(err, executor.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	select {
	case id := <-cancelHit:
		if id != "chunk_007" {
			t.Errorf("cancel forwarded for chunk %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Error("cancel was not forwarded to the worker")
	}
}

func TestCancelChunkRequest(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	d := NewHttpDispatcher(time.Minute)
	if err := d.CancelChunk(nodeForServer(srv), "chunk_002"); err != nil {
		t.Fatalf("CancelChunk: %v", err)
	}

	if gotPath != "/chunks/chunk_002/cancel" {
		t.Errorf("cancel path: %s", gotPath)
	}
}
