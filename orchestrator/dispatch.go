package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"ezDistTranscoding/executor"
	"ezDistTranscoding/job"
	"ezDistTranscoding/models"
)

// HttpDispatcher sends chunk requests to the worker app of the assigned
// node: POST /chunks, blocking until the worker finishes the chunk or the
// timeout/cancellation fires.
type HttpDispatcher struct {
	Timeout time.Duration
}

func NewHttpDispatcher(timeout time.Duration) HttpDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	return HttpDispatcher{Timeout: timeout}
}

func nodeUrl(node models.Node, p string) string {
	return "http://" + node.Host + ":" + node.Port + p
}

func (d HttpDispatcher) Dispatch(node models.Node, req job.ChunkRequest, cancel <-chan struct{}) (job.ChunkResponse, error) {
	var chunkResp job.ChunkResponse
	b, err := json.Marshal(req)
	if err != nil {
		return chunkResp, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	ctx, stop := context.WithTimeout(context.Background(), d.Timeout)
	defer stop()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeUrl(node, "/chunks"), bytes.NewReader(b))
	if err != nil {
		return chunkResp, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	// Forward a job cancellation to the worker and abort the wait.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-cancel:
			d.CancelChunk(node, req.Chunk_id)
			stop()
		case <-done:
		}
	}()

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		select {
		case <-cancel:
			return chunkResp, executor.ErrCancelled
		default:
		}

		return chunkResp, fmt.Errorf("%w: node %s unreachable: %v", ErrDispatch, node.Node_id, err)
	}

	defer resp.Body.Close()
	bodyBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return chunkResp, fmt.Errorf("%w: node %s: failed to read response: %v", ErrDispatch, node.Node_id, err)
	}

	if resp.StatusCode != http.StatusOK {
		return chunkResp, fmt.Errorf("%w: node %s: http %d: %s", ErrDispatch, node.Node_id, resp.StatusCode, string(bodyBytes))
	}

	if err = json.Unmarshal(bodyBytes, &chunkResp); err != nil {
		return chunkResp, fmt.Errorf("%w: node %s: bad response body: %v", ErrDispatch, node.Node_id, err)
	}

	return chunkResp, nil
}

func (d HttpDispatcher) CancelChunk(node models.Node, chunkId string) error {
	client := http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodPost, nodeUrl(node, "/chunks/"+chunkId+"/cancel"), nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	resp.Body.Close()
	return nil
}

// ExecutorRunner is the default LocalRunner: it runs chunks in-process on
// a task executor and maps the executor's terminal state to the runner
// contract.
type ExecutorRunner struct {
	Ex *executor.TaskExecutor
}

func (r ExecutorRunner) RunChunk(op string, input string, output string, p job.Params, cancel <-chan struct{}) (string, error) {
	e, t := r.Ex.Create(op, input, output, p)
	if e != nil {
		return "", e
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-cancel:
			r.Ex.Cancel(t.Id)
		case <-done:
		}
	}()

	res, _ := r.Ex.Run(t.Id)
	close(done)

	switch res.State {
	case job.TASK_STATE_COMPLETED:
		return res.OutputFile, nil
	case job.TASK_STATE_CANCELLED:
		return "", executor.ErrCancelled
	}

	if res.ErrorMessage == "" {
		return "", errors.New("task failed")
	}

	return "", errors.New(res.ErrorMessage)
}
