package redis_client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9" // redis_client.go is ONLY tested against go-redis v9!!!
)

type RedisClient struct {
	RedisIp   string
	RedisPort string
	Ctx       context.Context
	Client    *redis.Client
}

type RedisConfig struct {
	RedisIp   string
	RedisPort string
}

// The following constants define all the Redis hash tables
// (accessed by HSET/HGET)
const REDIS_KEY_ALLTASKS = "tasks"
const REDIS_KEY_ALLNODES = "nodes"

func (rc RedisClient) CreateClient(redis_ip string, redis_port string) (*redis.Client, context.Context) {
	redisAddr := redis_ip + ":" + redis_port
	fmt.Println("Creating Redis client and connecting to redisAddr: ", redisAddr)
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: "",
		DB:       0,
	})

	return client, context.Background()
}

// HSET (value is a struct, stored as its JSON encoding)
// htable: the hash table that the k/v is to be inserted. For example, a task
//         (k: task id, v: task record) is inserted to a table called "tasks".
func (rc RedisClient) HSetStruct(htable string, k string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	err = rc.Client.HSet(rc.Ctx, htable, k, string(b)).Err()
	return err
}

// HGET
func (rc RedisClient) HGet(htable string, k string) (string, error) {
	v, err := rc.Client.HGet(rc.Ctx, htable, k).Result()
	return v, err
}

func (rc RedisClient) HGetAll(htable string) ([]string, error) {
	var allKeys []string
	var allVals []string
	allKeys, e := rc.HKeys(htable)
	if e != nil {
		return allVals, e
	}

	var err error
	var v string
	for _, k := range allKeys {
		v, err = rc.HGet(htable, k)
		if err != nil {
			allVals = nil
			break
		}

		allVals = append(allVals, v)
	}

	return allVals, err
}

func (rc RedisClient) HKeys(htable string) ([]string, error) {
	keys, err := rc.Client.HKeys(rc.Ctx, htable).Result()
	return keys, err
}

func (rc RedisClient) HDelOne(htable string, k string) error {
	_, err := rc.Client.HDel(rc.Ctx, htable, k).Result()
	return err
}
