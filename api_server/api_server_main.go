// The API server for handling distributed transcoding task requests and
// node registration/heartbeats.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"ezDistTranscoding/accel"
	"ezDistTranscoding/chunker"
	"ezDistTranscoding/executor"
	"ezDistTranscoding/job"
	"ezDistTranscoding/job_sqs"
	"ezDistTranscoding/models"
	"ezDistTranscoding/orchestrator"
	"ezDistTranscoding/redis_client"
	"ezDistTranscoding/registry"
	"ezDistTranscoding/utils"
)

type SqsConfig struct {
	Queue_name string
}

type ApiServerConfig struct {
	Api_server_hostname string
	Api_server_port string
	Chunk_seconds float64
	Node_timeout_seconds int
	Work_dir string
	Default_nodes_file string
	S3_output_bucket string
	Dispatch_timeout_minutes int
	Sqs SqsConfig
	Redis redis_client.RedisConfig
}

var tasksEndpoint = "jobs"
var nodesEndpoint = "nodes"
var clusterEndpoint = "cluster"

var server_config_file_path = "config.json"
var submit_queue_poll_interval = "0.5s"
var node_sweep_interval = "5s"

var server_config ApiServerConfig
var node_registry *registry.NodeRegistry
var orch *orchestrator.Orchestrator
var sqs_sender job_sqs.SqsSender
var sqs_receiver job_sqs.SqsReceiver
var redis redis_client.RedisClient
var Log *log.Logger

func readConfig() ApiServerConfig {
	var conf ApiServerConfig
	data, err := utils.Read_file(server_config_file_path)
	if err != nil {
		fmt.Println("Failed to read config file: ", server_config_file_path, " Error: ", err)
		return conf
	}

	json.Unmarshal(data, &conf)
	return conf
}

// POST /jobs: create the task record, then hand the start order to the
// submit queue when one is configured, otherwise start directly.
func handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		res := "Error: new task without task specification"
		Log.Println(res)
		http.Error(w, "400 bad request\n  Error: "+res, http.StatusBadRequest)
		return
	}

	var req job.SubmitRequest
	e := json.NewDecoder(r.Body).Decode(&req)
	if e != nil {
		res := "Failed to decode task request"
		Log.Println("Error happened in JSON decode. Err: ", e)
		http.Error(w, "400 bad request\n  Error: "+res, http.StatusBadRequest)
		return
	}

	e, t, warnings := orch.CreateTask(req)
	if e != nil {
		Log.Println("Invalid task request. Err: ", e)
		http.Error(w, "400 bad request\n  Error: "+e.Error(), http.StatusBadRequest)
		return
	}

	queued := false
	if sqs_sender.QueueName != "" {
		var qs job.QueuedSubmission
		qs.Task_id = t.Id
		qs.Distributed = req.Distributed
		b, _ := json.Marshal(qs)
		if e1 := sqs_sender.Send(string(b)); e1 != nil {
			Log.Println("Failed to queue task id=", t.Id, ", starting directly. Err: ", e1)
		} else {
			queued = true
		}
	}

	if !queued {
		orch.StartTask(t.Id)
	}

	var resp job.CreateTaskResponse
	resp.Task = t
	resp.Warnings = warnings

	Log.Println("New task created. Id: ", t.Id, " operation: ", t.Operation)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		res := "Error: register node without node specification"
		Log.Println(res)
		http.Error(w, "400 bad request\n  Error: "+res, http.StatusBadRequest)
		return
	}

	var info models.NodeInfo
	e := json.NewDecoder(r.Body).Decode(&info)
	if e != nil {
		res := "Failed to decode node request"
		Log.Println("Error happened in JSON decode. Err: ", e)
		http.Error(w, "400 bad request\n  Error: "+res, http.StatusBadRequest)
		return
	}

	var n models.Node
	n.Host = info.ServerIp
	n.Port = info.ServerPort
	n.GpuAvailable = info.GpuAvailable
	n.GpuMemoryMb = info.GpuMemoryMb
	n.CpuCores = info.CpuCores
	n.MemoryMb = info.MemoryMb
	n.ProcessingCapacity = info.ProcessingCapacity
	n.Priority = info.Priority

	nid := node_registry.Register(n)
	registered, _ := node_registry.Get(nid)
	Log.Println("New node registered. Id: ", nid, " addr: ", n.Host, ":", n.Port)

	if server_config.Redis.RedisIp != "" {
		if e1 := redis.HSetStruct(redis_client.REDIS_KEY_ALLNODES, nid, registered); e1 != nil {
			Log.Println("Failed to persist node id=", nid, ". Error: ", e1)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(registered)
}

func main_server_handler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "404 not found", http.StatusNotFound)
		return
	}

	switch parts[0] {
	case tasksEndpoint:
		handleTasks(w, r, parts)
	case nodesEndpoint:
		handleNodes(w, r, parts)
	case clusterEndpoint:
		if r.Method != "GET" {
			http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(node_registry.ClusterStatus())
	default:
		http.Error(w, "404 not found", http.StatusNotFound)
	}
}

func handleTasks(w http.ResponseWriter, r *http.Request, parts []string) {
	// POST /jobs
	if r.Method == "POST" && len(parts) == 1 {
		handleCreateTask(w, r)
		return
	}

	// GET /jobs
	if r.Method == "GET" && len(parts) == 1 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(orch.List())
		return
	}

	// GET /jobs/[task_id]
	if r.Method == "GET" && len(parts) == 2 {
		t, ok := orch.Status(parts[1])
		if !ok {
			Log.Println("Non-existent task id: ", parts[1])
			http.Error(w, "Non-existent task id: "+parts[1], http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(t)
		return
	}

	// PUT /jobs/[task_id]/cancel
	if r.Method == "PUT" && len(parts) == 3 && parts[2] == "cancel" {
		if orch.Cancel(parts[1]) {
			Log.Println("Task id = ", parts[1], " is being cancelled")
			w.WriteHeader(http.StatusOK)
		} else {
			http.Error(w, "Task cannot be cancelled: "+parts[1], http.StatusConflict)
		}

		return
	}

	http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
}

func handleNodes(w http.ResponseWriter, r *http.Request, parts []string) {
	// POST /nodes
	if r.Method == "POST" && len(parts) == 1 {
		handleRegisterNode(w, r)
		return
	}

	// GET /nodes
	if r.Method == "GET" && len(parts) == 1 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(node_registry.List())
		return
	}

	// POST /nodes/[node_id]/heartbeat
	if r.Method == "POST" && len(parts) == 3 && parts[2] == "heartbeat" {
		var hb models.NodeHeartbeat
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&hb)
		}

		if !node_registry.Heartbeat(parts[1], hb.State) {
			http.Error(w, "Non-existent node id: "+parts[1], http.StatusNotFound)
			return
		}

		if server_config.Redis.RedisIp != "" {
			if n, ok := node_registry.Get(parts[1]); ok {
				redis.HSetStruct(redis_client.REDIS_KEY_ALLNODES, parts[1], n)
			}
		}

		w.WriteHeader(http.StatusOK)
		return
	}

	// DELETE /nodes/[node_id]
	if r.Method == "DELETE" && len(parts) == 2 {
		if !node_registry.Deregister(parts[1]) {
			http.Error(w, "Non-existent node id: "+parts[1], http.StatusNotFound)
			return
		}

		if server_config.Redis.RedisIp != "" {
			redis.HDelOne(redis_client.REDIS_KEY_ALLNODES, parts[1])
		}

		Log.Println("Node deregistered. Id: ", parts[1])
		w.WriteHeader(http.StatusOK)
		return
	}

	http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
}

// Poll the submit queue and start the queued tasks, the same loop the
// task creation side feeds in handleCreateTask.
func pollSubmitQueue() error {
	msgResult, err := sqs_receiver.ReceiveMsg()
	if err != nil {
		fmt.Println(err)
		return err
	}

	for i := range msgResult.Messages {
		var qs job.QueuedSubmission
		e := json.Unmarshal([]byte(*msgResult.Messages[i].Body), &qs)
		if e != nil {
			Log.Println("Error happened in JSON unmarshal of queued submission. Err: ", e)
			sqs_receiver.DeleteMsg(msgResult.Messages[i].ReceiptHandle)
			continue
		}

		Log.Println("Starting queued task id: ", qs.Task_id)
		orch.StartTask(qs.Task_id)
		sqs_receiver.DeleteMsg(msgResult.Messages[i].ReceiptHandle)
	}

	return nil
}

func main() {
	var logfile, err1 = os.Create("/tmp/api_server.log")
	if err1 != nil {
		panic(err1)
	}

	configPtr := flag.String("config", "", "config file path")
	flag.Parse()

	if *configPtr != "" {
		server_config_file_path = *configPtr
	}

	Log = log.New(logfile, "", log.LstdFlags)
	server_config = readConfig()

	node_timeout := time.Duration(server_config.Node_timeout_seconds) * time.Second
	if node_timeout <= 0 {
		node_timeout = 15 * time.Second
	}

	node_registry = registry.New(node_timeout)
	if server_config.Default_nodes_file != "" {
		n, e := node_registry.LoadDefaultNodes(server_config.Default_nodes_file)
		if e != nil {
			fmt.Println("Failed to load default nodes: ", e)
		} else {
			fmt.Println("Registered ", n, " default nodes")
		}
	}

	media := chunker.New()
	ex := executor.New(accel.New(), media)

	var conf orchestrator.Config
	conf.ChunkSeconds = server_config.Chunk_seconds
	conf.WorkDir = server_config.Work_dir
	conf.S3Bucket = server_config.S3_output_bucket

	dispatch_timeout := time.Duration(server_config.Dispatch_timeout_minutes) * time.Minute
	orch = orchestrator.New(node_registry, media, orchestrator.ExecutorRunner{Ex: ex}, orchestrator.NewHttpDispatcher(dispatch_timeout), conf)
	orch.OnComplete = func(t job.DistributedTask) {
		Log.Println("Task ", t.Id, " finished with state: ", t.State, " error: ", t.ErrorMessage)
	}

	if server_config.Redis.RedisIp != "" {
		redis.RedisIp = server_config.Redis.RedisIp
		redis.RedisPort = server_config.Redis.RedisPort
		redis.Client, redis.Ctx = redis.CreateClient(redis.RedisIp, redis.RedisPort)
		orch.SetRedis(&redis)

		restored, e := orch.RestoreTasks()
		if e != nil {
			fmt.Println("Failed to restore tasks from Redis: ", e)
		} else {
			fmt.Println("Restored ", restored, " task records from Redis")
		}
	}

	// Periodic sweep in addition to the lazy expiry in Available()
	d_sweep, _ := time.ParseDuration(node_sweep_interval)
	node_registry.StartExpiryTimer(d_sweep)

	if server_config.Sqs.Queue_name != "" {
		sqs_sender.QueueName = server_config.Sqs.Queue_name
		sqs_sender.SqsClient = sqs_sender.CreateClient()
		sqs_receiver.QueueName = server_config.Sqs.Queue_name
		sqs_receiver.SqsClient = sqs_receiver.CreateClient()

		d, _ := time.ParseDuration(submit_queue_poll_interval)
		ticker := time.NewTicker(d)
		quit := make(chan struct{})
		go func(ticker *time.Ticker) {
			for {
				select {
				case <-ticker.C:
					pollSubmitQueue()
				case <-quit:
					ticker.Stop()
					return
				}
			}
		}(ticker)
	}

	server_addr := server_config.Api_server_hostname + ":" + server_config.Api_server_port
	http.HandleFunc("/", main_server_handler)
	fmt.Println("API server listening on: ", server_addr)
	err := http.ListenAndServe(server_addr, nil)
	if err != nil {
		fmt.Println("Server failed to start. Error: ", err)
	}
}
