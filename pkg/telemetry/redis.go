package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher is the subset of a Redis client used by the Redis sink.
// *redis.Client and *redis.ClusterClient satisfy it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	// Channel is the pub/sub channel events are published on.
	Channel string

	// Buffer is the number of events queued before new ones are dropped.
	Buffer int

	// Timeout bounds each publish call.
	Timeout time.Duration
}

// DefaultRedisConfig returns the default Redis sink settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Channel: "tether:telemetry",
		Buffer:  1024,
		Timeout: time.Second,
	}
}

// redisEvent is the JSON form of an Event on the wire.
type redisEvent struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Transport string `json:"transport,omitempty"`
	Value     int64  `json:"value"`
	Time      int64  `json:"time_ms"`
}

// Redis publishes events as JSON to a Redis channel from a background
// goroutine. Emit never blocks; events are dropped when the buffer is full.
type Redis struct {
	pub    Publisher
	config RedisConfig
	events chan Event

	dropped atomic.Int64
	failed  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedis starts a Redis sink. Call Close to flush and stop it.
func NewRedis(pub Publisher, config RedisConfig) *Redis {
	def := DefaultRedisConfig()
	if config.Channel == "" {
		config.Channel = def.Channel
	}
	if config.Buffer <= 0 {
		config.Buffer = def.Buffer
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	r := &Redis{
		pub:    pub,
		config: config,
		events: make(chan Event, config.Buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Emit implements Sink.
func (r *Redis) Emit(e Event) {
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped on a full buffer.
func (r *Redis) Dropped() int64 { return r.dropped.Load() }

// Failed returns the number of publish calls that returned an error.
func (r *Redis) Failed() int64 { return r.failed.Load() }

// Close stops accepting events and waits for queued ones to be published.
// Emit must not be called after Close.
func (r *Redis) Close() {
	r.closeOnce.Do(func() {
		close(r.events)
	})
	<-r.done
}

func (r *Redis) run() {
	defer close(r.done)
	for e := range r.events {
		payload, err := json.Marshal(redisEvent{
			Kind:      e.Kind.String(),
			SessionID: e.SessionID,
			Transport: e.Transport,
			Value:     e.Value,
			Time:      e.Time.UnixMilli(),
		})
		if err != nil {
			r.failed.Add(1)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
		if err := r.pub.Publish(ctx, r.config.Channel, payload).Err(); err != nil {
			r.failed.Add(1)
		}
		cancel()
	}
}
