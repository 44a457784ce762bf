package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue names for the two job kinds. Fetch jobs run step 0 of a workflow
// and stage records; process jobs consume a staged batch.
const (
	QueueFetch   = "workflow:queue:fetch"
	QueueProcess = "workflow:queue:process"
)

// JobType discriminates the two job kinds.
type JobType string

const (
	JobFetch   JobType = "fetch"
	JobProcess JobType = "process"
)

// Job is one unit of work pushed onto a queue. Jobs are JSON-encoded on
// the wire so any worker process can pick them up.
type Job struct {
	ID         string    `json:"id"`
	Type       JobType   `json:"type"`
	WorkflowID uint      `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	// HasPayload marks fetch jobs whose inbound body was stashed by the
	// ingest endpoint and must be read back instead of fetched remotely.
	HasPayload bool      `json:"has_payload,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ErrClosed is returned by BPop once the queue transport has shut down.
var ErrClosed = errors.New("queue closed")

// Transport is the minimal contract the worker pool needs: push onto a
// named list and block-pop from one or more named lists. A nil job with a
// nil error means the pop timed out with nothing available.
type Transport interface {
	Push(ctx context.Context, queueName string, job *Job) error
	BPop(ctx context.Context, timeout time.Duration, queueNames ...string) (*Job, error)
	Len(ctx context.Context, queueName string) (int64, error)
}

// RedisTransport implements Transport over redis lists using RPUSH/BLPOP.
// BLPOP across both queue names gives fetch jobs priority when listed
// first while still consuming from either with a single blocking call.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport wraps an existing redis client.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Push appends a job to the named queue.
func (t *RedisTransport) Push(ctx context.Context, queueName string, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := t.client.RPush(ctx, queueName, payload).Err(); err != nil {
		return fmt.Errorf("failed to push job to %s: %w", queueName, err)
	}
	return nil
}

// BPop blocks until a job is available on any of the named queues, the
// timeout elapses (nil, nil), or the context is cancelled.
func (t *RedisTransport) BPop(ctx context.Context, timeout time.Duration, queueNames ...string) (*Job, error) {
	res, err := t.client.BLPop(ctx, timeout, queueNames...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}
	// BLPOP returns [queueName, payload].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job from %s: %w", res[0], err)
	}
	return &job, nil
}

// Len returns the current depth of the named queue.
func (t *RedisTransport) Len(ctx context.Context, queueName string) (int64, error) {
	n, err := t.client.LLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of %s: %w", queueName, err)
	}
	return n, nil
}
