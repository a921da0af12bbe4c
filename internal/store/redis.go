package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/proofsearch/pkg/logger"
	"yqhp/proofsearch/pkg/types"
	"yqhp/proofsearch/pkg/utils"
)

// RedisOptions Redis 连接配置
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient 创建 Redis 客户端并测试连接
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// DefaultEventLimit is how many recent events the mirror keeps.
const DefaultEventLimit = 1000

// RedisMirror mirrors registry events into Redis so operators and other
// processes can inspect the worker pool. It never feeds back into routing.
type RedisMirror struct {
	client     redis.UniversalClient
	prefix     string
	eventLimit int64
	log        *zap.Logger
}

// NewRedisMirror creates a mirror writing keys under prefix.
func NewRedisMirror(client redis.UniversalClient, prefix string) *RedisMirror {
	return &RedisMirror{
		client:     client,
		prefix:     prefix,
		eventLimit: DefaultEventLimit,
		log:        logger.Named("redis-mirror"),
	}
}

// WorkersKey is the hash of worker id to worker JSON.
func (m *RedisMirror) WorkersKey() string {
	return m.prefix + "workers"
}

// EventsKey is the capped list of recent events, newest first.
func (m *RedisMirror) EventsKey() string {
	return m.prefix + "events"
}

// removesWorker reports whether the event takes the worker out of the pool.
func removesWorker(t types.WorkerEventType) bool {
	return t == types.WorkerEventDeregistered || t == types.WorkerEventExpired
}

// HandleEvent implements gateway.EventSink.
func (m *RedisMirror) HandleEvent(ctx context.Context, event *types.WorkerEvent) error {
	eventData, err := utils.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := m.client.TxPipeline()
	if removesWorker(event.Type) || event.Worker == nil {
		pipe.HDel(ctx, m.WorkersKey(), event.WorkerID)
	} else {
		workerData, err := utils.Marshal(event.Worker)
		if err != nil {
			return fmt.Errorf("marshal worker: %w", err)
		}
		pipe.HSet(ctx, m.WorkersKey(), event.WorkerID, workerData)
	}
	pipe.LPush(ctx, m.EventsKey(), eventData)
	pipe.LTrim(ctx, m.EventsKey(), 0, m.eventLimit-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror %s event for %s: %w", event.Type, event.WorkerID, err)
	}
	return nil
}

// Workers reads the mirrored pool, sorted by worker id.
func (m *RedisMirror) Workers(ctx context.Context) ([]*types.Worker, error) {
	entries, err := m.client.HGetAll(ctx, m.WorkersKey()).Result()
	if err != nil {
		return nil, err
	}
	workers := make([]*types.Worker, 0, len(entries))
	for id, data := range entries {
		var w types.Worker
		if err := utils.Unmarshal([]byte(data), &w); err != nil {
			m.log.Warn("skipping unreadable worker entry", zap.String("worker_id", id), zap.Error(err))
			continue
		}
		workers = append(workers, &w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

// RecentEvents returns up to n recent events, newest first.
func (m *RedisMirror) RecentEvents(ctx context.Context, n int64) ([]*types.WorkerEvent, error) {
	items, err := m.client.LRange(ctx, m.EventsKey(), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]*types.WorkerEvent, 0, len(items))
	for _, item := range items {
		var ev types.WorkerEvent
		if err := utils.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Reset clears the mirrored pool, e.g. when a gateway restarts with an
// empty registry.
func (m *RedisMirror) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.client.Del(ctx, m.WorkersKey()).Err()
}
