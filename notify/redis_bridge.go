// Package notify mirrors accepted fan-out publishes onto Redis pub/sub so
// other nodes and command views can observe the event stream. The bridge is
// best-effort: a Redis failure is logged and counted, never surfaced to the
// mutation that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"brigade/fanout"
	"brigade/metrics"
)

const channelPrefix = "brigade:"

// RedisBridge forwards hub events to Redis channels named
// "brigade:<topic>". It implements fanout.Mirror.
type RedisBridge struct {
	client  *redis.Client
	queue   chan fanout.Event
	done    chan struct{}
	stopped chan struct{}
	logger  *zap.SugaredLogger
}

// NewRedisBridge connects to Redis and starts the forwarding loop. The queue
// is bounded; when it fills, events are dropped and counted rather than
// stalling publishers.
func NewRedisBridge(addr, password string, db, queueSize int, logger *zap.SugaredLogger) (*RedisBridge, error) {
	if logger == nil {
		panic("logger is required")
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	b := &RedisBridge{
		client:  client,
		queue:   make(chan fanout.Event, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go b.forward()

	logger.Infow("redis event bridge started", "addr", addr, "queue_size", queueSize)
	return b, nil
}

// MirrorEvent enqueues an event for forwarding. Never blocks the caller.
func (b *RedisBridge) MirrorEvent(evt fanout.Event) {
	select {
	case b.queue <- evt:
	default:
		metrics.BridgePublishFailures.Inc()
		b.logger.Warnw("redis bridge queue full, dropping event",
			"event", evt.Name,
			"topic", evt.Topic)
	}
}

func (b *RedisBridge) forward() {
	defer close(b.stopped)
	for {
		select {
		case evt := <-b.queue:
			b.publish(evt)
		case <-b.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case evt := <-b.queue:
					b.publish(evt)
				default:
					return
				}
			}
		}
	}
}

func (b *RedisBridge) publish(evt fanout.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		metrics.BridgePublishFailures.Inc()
		b.logger.Errorw("failed to marshal event for redis",
			"event", evt.Name,
			"error", err)
		return
	}

	channel := channelPrefix + evt.Topic
	if evt.Topic == "" {
		channel = channelPrefix + "global"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		metrics.BridgePublishFailures.Inc()
		b.logger.Warnw("failed to publish event to redis",
			"channel", channel,
			"event", evt.Name,
			"error", err)
	}
}

// Close stops the forwarding loop and closes the client. Queued events are
// flushed first.
func (b *RedisBridge) Close() error {
	close(b.done)
	<-b.stopped
	return b.client.Close()
}

var _ fanout.Mirror = (*RedisBridge)(nil)
