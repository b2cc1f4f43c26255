// The worker app daemon. It registers the node with the API server,
// sends periodic heartbeats, and executes the chunks dispatched to it.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"ezDistTranscoding/accel"
	"ezDistTranscoding/chunker"
	"ezDistTranscoding/executor"
	"ezDistTranscoding/job"
	"ezDistTranscoding/models"
	"ezDistTranscoding/utils"
)

type WorkerAppConfig struct {
	ApiServerUrl string
	WorkerAppIp string
	WorkerAppPort string
	ProcessingCapacity float64
	Priority int
	MemoryMb int
	HeartbeatInterval string
}

var chunksEndpoint = "chunks"

var worker_app_config_file_path = "worker_app_config.json"
var default_heartbeat_interval = "3s"
var register_retry_interval = "2s"

var worker_app_config WorkerAppConfig
var my_node_id string
var ex *executor.TaskExecutor
var Log *log.Logger

// chunk_id to executor task id, for cancel requests coming back from
// the orchestrator.
var chunk_tasks = make(map[string]string)
var running_chunks int
var chunk_tasks_mutex sync.Mutex

func readConfig() WorkerAppConfig {
	var conf WorkerAppConfig
	data, err := utils.Read_file(worker_app_config_file_path)
	if err != nil {
		fmt.Println("Failed to read config file: ", worker_app_config_file_path, " Error: ", err)
		return conf
	}

	json.Unmarshal(data, &conf)
	return conf
}

func apiServerUrl(p string) string {
	return strings.TrimSuffix(worker_app_config.ApiServerUrl, "/") + p
}

// registerNode posts this node's capabilities to the API server and
// returns the node id it assigned.
func registerNode(conf WorkerAppConfig, gpuAvailable bool, gpuMemoryMb int) (error, string) {
	var info models.NodeInfo
	info.ServerIp = conf.WorkerAppIp
	info.ServerPort = conf.WorkerAppPort
	info.GpuAvailable = gpuAvailable
	info.GpuMemoryMb = gpuMemoryMb
	info.CpuCores = runtime.NumCPU()
	info.MemoryMb = conf.MemoryMb
	info.ProcessingCapacity = conf.ProcessingCapacity
	info.Priority = conf.Priority
	info.HeartbeatInterval = worker_app_config.HeartbeatInterval

	b, _ := json.Marshal(info)
	resp, err := http.Post(apiServerUrl("/nodes"), "application/json", bytes.NewReader(b))
	if err != nil {
		return err, ""
	}

	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("node registration failed: http %d", resp.StatusCode), ""
	}

	var registered models.Node
	err = json.NewDecoder(resp.Body).Decode(&registered)
	if err != nil {
		return err, ""
	}

	return nil, registered.Node_id
}

func currentState() string {
	chunk_tasks_mutex.Lock()
	defer chunk_tasks_mutex.Unlock()
	if running_chunks > 0 {
		return models.NODE_STATE_BUSY
	}

	return models.NODE_STATE_IDLE
}

func sendHeartbeat() error {
	var hb models.NodeHeartbeat
	hb.Node_id = my_node_id
	hb.State = currentState()
	hb.LastHeartbeatTime = time.Now()

	b, _ := json.Marshal(hb)
	resp, err := http.Post(apiServerUrl("/nodes/"+my_node_id+"/heartbeat"), "application/json", bytes.NewReader(b))
	if err != nil {
		Log.Println("Failed to send heartbeat. Error: ", err)
		return err
	}

	resp.Body.Close()
	return nil
}

// POST /chunks: run one chunk to completion and reply with its terminal
// state. The orchestrator holds the connection open for the duration.
func handleRunChunk(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		res := "Error: chunk request without a body"
		Log.Println(res)
		http.Error(w, "400 bad request\n  Error: "+res, http.StatusBadRequest)
		return
	}

	var req job.ChunkRequest
	e := json.NewDecoder(r.Body).Decode(&req)
	if e != nil {
		res := "Failed to decode chunk request"
		Log.Println("Error happened in JSON decode. Err: ", e)
		http.Error(w, "400 bad request\n  Error: "+res, http.StatusBadRequest)
		return
	}

	e, t := ex.Create(req.Operation, req.InputRef, req.OutputRef, req.Params)
	if e != nil {
		Log.Println("Invalid chunk request. Chunk id: ", req.Chunk_id, " Err: ", e)
		http.Error(w, "400 bad request\n  Error: "+e.Error(), http.StatusBadRequest)
		return
	}

	chunk_tasks_mutex.Lock()
	chunk_tasks[req.Chunk_id] = t.Id
	running_chunks += 1
	chunk_tasks_mutex.Unlock()

	Log.Println("Running chunk id: ", req.Chunk_id, " operation: ", req.Operation)
	res, _ := ex.Run(t.Id)

	chunk_tasks_mutex.Lock()
	delete(chunk_tasks, req.Chunk_id)
	running_chunks -= 1
	chunk_tasks_mutex.Unlock()

	var chunkResp job.ChunkResponse
	chunkResp.Chunk_id = req.Chunk_id
	chunkResp.State = res.State
	chunkResp.OutputRef = res.OutputFile
	chunkResp.Error = res.ErrorMessage

	Log.Println("Chunk id: ", req.Chunk_id, " finished with state: ", res.State)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chunkResp)
}

func main_server_handler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != chunksEndpoint {
		http.Error(w, "404 not found", http.StatusNotFound)
		return
	}

	// POST /chunks
	if r.Method == "POST" && len(parts) == 1 {
		handleRunChunk(w, r)
		return
	}

	// POST /chunks/[chunk_id]/cancel
	if r.Method == "POST" && len(parts) == 3 && parts[2] == "cancel" {
		chunk_tasks_mutex.Lock()
		taskId, ok := chunk_tasks[parts[1]]
		chunk_tasks_mutex.Unlock()

		if !ok || !ex.Cancel(taskId) {
			http.Error(w, "No cancellable chunk: "+parts[1], http.StatusNotFound)
			return
		}

		Log.Println("Chunk id = ", parts[1], " is being cancelled")
		w.WriteHeader(http.StatusOK)
		return
	}

	http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
}

// cancelAllChunks signals every in-flight chunk before the process exits
// so no ffmpeg child is left behind.
func cancelAllChunks() {
	chunk_tasks_mutex.Lock()
	taskIds := make([]string, 0, len(chunk_tasks))
	for _, tid := range chunk_tasks {
		taskIds = append(taskIds, tid)
	}
	chunk_tasks_mutex.Unlock()

	for _, tid := range taskIds {
		ex.Cancel(tid)
	}
}

func main() {
	var logfile, err1 = os.Create("/tmp/worker_app.log")
	if err1 != nil {
		panic(err1)
	}

	configPtr := flag.String("config", "", "config file path")
	flag.Parse()

	if *configPtr != "" {
		worker_app_config_file_path = *configPtr
	}

	Log = log.New(logfile, "", log.LstdFlags)
	worker_app_config = readConfig()
	if worker_app_config.HeartbeatInterval == "" {
		worker_app_config.HeartbeatInterval = default_heartbeat_interval
	}

	gpu := accel.New()
	ex = executor.New(gpu, chunker.New())

	gpuAvailable, devices := gpu.Detect()
	gpuMemoryMb := 0
	if gpuAvailable {
		d := accel.SelectDevice(devices, 0)
		if d != nil {
			gpuMemoryMb = d.MemoryTotalMb
		}
	}

	// Keep retrying registration until the API server is reachable.
	err, nid := registerNode(worker_app_config, gpuAvailable, gpuMemoryMb)
	if err != nil {
		fmt.Println("Failed to register node (will retry). Error: ", err)
		d_retry, _ := time.ParseDuration(register_retry_interval)
		retry_ticker := time.NewTicker(d_retry)
		for range retry_ticker.C {
			err, nid = registerNode(worker_app_config, gpuAvailable, gpuMemoryMb)
			if err == nil {
				break
			}

			fmt.Println("Failed to register node (will retry). Error: ", err)
		}

		retry_ticker.Stop()
	}

	my_node_id = nid
	fmt.Println("Node registered. Id: ", my_node_id, " gpu: ", gpuAvailable)

	d_hb, err2 := time.ParseDuration(worker_app_config.HeartbeatInterval)
	if err2 != nil {
		d_hb, _ = time.ParseDuration(default_heartbeat_interval)
	}

	heartbeat_ticker := time.NewTicker(d_hb)
	quit_heartbeat := make(chan struct{})
	go func(ticker *time.Ticker) {
		for {
			select {
			case <-ticker.C:
				sendHeartbeat()
			case <-quit_heartbeat:
				ticker.Stop()
				return
			}
		}
	}(heartbeat_ticker)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		Log.Println("Shutting down, cancelling running chunks")
		cancelAllChunks()

		req, e := http.NewRequest(http.MethodDelete, apiServerUrl("/nodes/"+my_node_id), nil)
		if e == nil {
			http.DefaultClient.Do(req)
		}

		os.Exit(0)
	}()

	worker_app_addr := worker_app_config.WorkerAppIp + ":" + worker_app_config.WorkerAppPort
	http.HandleFunc("/", main_server_handler)
	fmt.Println("Worker app listening on: ", worker_app_addr)
	err = http.ListenAndServe(worker_app_addr, nil)
	if err != nil {
		fmt.Println("Worker app failed to start. Error: ", err)
	}
}
