package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/task"
)

const streamPrefix = "foreman:tasks:"

// Stream mirrors task state changes into Redis Streams so observers outside
// this process can tail a task's progress. It is an optional companion to
// the in-process Notifier; publish failures are logged, never propagated to
// the engine.
type Stream struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewStream connects to Redis and verifies the connection.
func NewStream(redisURL string, logger *zap.Logger) (*Stream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Stream{rdb: rdb, logger: logger}, nil
}

// Publish appends a task snapshot to the task's stream.
func (s *Stream) Publish(ctx context.Context, snapshot *task.Task) error {
	data, err := json.Marshal(snapshot.Summarize())
	if err != nil {
		return err
	}

	stream := streamPrefix + snapshot.ID
	_, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	s.logger.Debug("mirrored task event",
		zap.String("task", snapshot.ID),
		zap.String("status", string(snapshot.Status)))
	return nil
}

// Tail listens for snapshots on a task's stream, starting from new entries.
// Returns a channel that emits summaries. Cancel the context to stop.
func (s *Stream) Tail(ctx context.Context, taskID string) <-chan *task.Summary {
	ch := make(chan *task.Summary, 16)
	stream := streamPrefix + taskID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var sum task.Summary
					if json.Unmarshal([]byte(data), &sum) == nil {
						ch <- &sum
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (s *Stream) Close() error {
	return s.rdb.Close()
}
