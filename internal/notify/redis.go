package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Redis key layout shared with the task collaborator.
const (
	DefaultChannel       = "retention:events"
	PendingTasksKey      = "retention:tasks:pending"
	completedTasksPrefix = "retention:tasks:completed:"
)

// CompletedTasksKey returns the counter key for tasks completed on day.
func CompletedTasksKey(day time.Time) string {
	return completedTasksPrefix + day.Format("2006-01-02")
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           0,
		PoolSize:     20,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}

// RedisSink publishes every event on a channel and turns actionable events
// into tasks on the pending list for the task collaborator.
type RedisSink struct {
	rdb     redis.Cmdable
	channel string
}

// NewRedisSink creates a Redis sink. An empty channel uses DefaultChannel.
func NewRedisSink(rdb redis.Cmdable, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{rdb: rdb, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Publish(ctx, s.channel, payload)
	if isTask(evt.Type) {
		pipe.RPush(ctx, PendingTasksKey, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis deliver %s: %w", evt.Type, err)
	}
	return nil
}

// isTask reports whether an event asks a human to do something.
func isTask(t EventType) bool {
	return t == EventAlertGenerated || t == EventFollowUpScheduled
}

// TaskSource reports how many tasks were completed on a given day. It is the
// external task-completion signal read by the briefing.
type TaskSource interface {
	CompletedTasks(ctx context.Context, day time.Time) (int, error)
}

// RedisTaskSource reads the per-day counter maintained by the task collaborator.
type RedisTaskSource struct {
	rdb redis.Cmdable
}

// NewRedisTaskSource creates a task source backed by Redis.
func NewRedisTaskSource(rdb redis.Cmdable) *RedisTaskSource {
	return &RedisTaskSource{rdb: rdb}
}

// CompletedTasks returns the counter for day, or zero when it does not exist.
func (s *RedisTaskSource) CompletedTasks(ctx context.Context, day time.Time) (int, error) {
	val, err := s.rdb.Get(ctx, CompletedTasksKey(day)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("task counter %q: %w", val, err)
	}
	return n, nil
}

// StaticTaskSource returns a fixed count. Used when no task collaborator is configured.
type StaticTaskSource struct {
	Err   error
	Count int
}

func (s StaticTaskSource) CompletedTasks(context.Context, time.Time) (int, error) {
	return s.Count, s.Err
}
