package queue

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"report-orchestrator/internal/models"
)

// Notifier wakes idle workers through a Redis list when work is enqueued.
// The job table stays the source of truth; a lost token only delays a
// worker until its next poll.
type Notifier struct {
	client     *redis.Client
	key        string
	maxPending int64
}

// NewNotifier builds a notifier on the given client.
func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client, key: "queue:wake", maxPending: 1024}
}

// Notify pushes one wake-up token.
func (n *Notifier) Notify(ctx context.Context, jobType models.JobType) error {
	pipe := n.client.TxPipeline()
	pipe.RPush(ctx, n.key, string(jobType))
	pipe.LTrim(ctx, n.key, -n.maxPending, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Wait blocks until a token arrives or timeout elapses. It reports whether
// a token was consumed.
func (n *Notifier) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := n.client.BLPop(ctx, timeout, n.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Pending returns the number of unconsumed tokens.
func (n *Notifier) Pending(ctx context.Context) (int64, error) {
	return n.client.LLen(ctx, n.key).Result()
}

// Notifying decorates a Queue so that every new job wakes a worker.
type Notifying struct {
	Queue
	notifier *Notifier
}

// WithNotifier wraps q. A nil notifier returns q unchanged.
func WithNotifier(q Queue, n *Notifier) Queue {
	if n == nil {
		return q
	}
	return &Notifying{Queue: q, notifier: n}
}

func (q *Notifying) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	job, err := q.Queue.Enqueue(ctx, p)
	if err == nil {
		q.notify(ctx, job.Type)
	}
	return job, err
}

func (q *Notifying) EnqueueOnce(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	job, created, err := q.Queue.EnqueueOnce(ctx, p)
	if err == nil && created {
		q.notify(ctx, job.Type)
	}
	return job, created, err
}

func (q *Notifying) notify(ctx context.Context, t models.JobType) {
	if err := q.notifier.Notify(ctx, t); err != nil {
		log.Printf("[queue] wake-up notify failed: %v", err)
	}
}
