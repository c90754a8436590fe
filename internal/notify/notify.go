// Package notify announces experiment lifecycle and event changes to
// dashboards. Publishing is fire-and-forget: a failed publish is logged
// and never affects the correctness of the primary operation.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Topics published by the engine.
const (
	TopicExperimentCreated   = "experiment-created"
	TopicExperimentStarted   = "experiment-started"
	TopicExperimentPaused    = "experiment-paused"
	TopicExperimentCompleted = "experiment-completed"
	TopicExperimentArchived  = "experiment-archived"
	TopicExperimentEvent     = "experiment-event"
)

// Notifier publishes a payload to a topic. Implementations must not
// block the caller on delivery and must not surface delivery failures.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload interface{})
	Close() error
}

// RedisNotifier publishes JSON payloads over Redis pub/sub channels.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier connects a Redis client for pub/sub. Channel names
// are "<prefix><topic>".
func NewRedisNotifier(addr, password string, db int, prefix string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisNotifier{client: client, prefix: prefix}, nil
}

func (n *RedisNotifier) Publish(ctx context.Context, topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("notify: marshal payload for %s: %v", topic, err)
		return
	}
	if err := n.client.Publish(ctx, n.prefix+topic, data).Err(); err != nil {
		log.Printf("notify: publish to %s: %v", topic, err)
	}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// LogNotifier writes notifications to the process log. Default when no
// Redis address is configured.
type LogNotifier struct{}

func (LogNotifier) Publish(ctx context.Context, topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("notify: marshal payload for %s: %v", topic, err)
		return
	}
	log.Printf("notify: %s %s", topic, data)
}

func (LogNotifier) Close() error { return nil }
