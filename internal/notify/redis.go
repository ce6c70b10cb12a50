// Package notify publishes wake notifications for tasks resumed by a
// resolved awakeable.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WakeMessage is the JSON document published for every woken task.
type WakeMessage struct {
	AwakeableID string    `json:"awakeable_id"`
	JobID       string    `json:"job_id"`
	TaskName    string    `json:"task_name"`
	WokenAt     time.Time `json:"woken_at"`
}

// RedisNotifier publishes wake messages on a Redis pub/sub channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier publishes on channel through client.
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

// Dial connects to the Redis server at url and verifies the connection.
func Dial(ctx context.Context, url, channel string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisNotifier(client, channel), nil
}

// TaskWoken publishes a wake message for the task.
func (n *RedisNotifier) TaskWoken(ctx context.Context, awakeableID, jobID, taskName string) error {
	msg, err := json.Marshal(WakeMessage{
		AwakeableID: awakeableID,
		JobID:       jobID,
		TaskName:    taskName,
		WokenAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode wake message: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish wake message: %w", err)
	}
	return nil
}

// Channel returns the channel messages are published on.
func (n *RedisNotifier) Channel() string { return n.channel }

// Close closes the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
