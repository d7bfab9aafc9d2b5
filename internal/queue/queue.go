// Package queue serializes and deduplicates generation work per content
// fingerprint: N concurrent requests for the same fingerprint run the work
// exactly once and fan the result out to every waiter.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/studioposts/api/internal/model"
)

var (
	// ErrTimeout means the job exceeded its deadline. Distinct from
	// failure: callers present a "couldn't generate, retry" affordance.
	ErrTimeout = errors.New("generation timed out")
	// ErrCanceled means the job was canceled explicitly
	ErrCanceled = errors.New("generation canceled")
)

// Work produces an export. The context carries the job deadline; the work
// must tear down its render session when the context expires.
type Work func(ctx context.Context) (*model.Export, error)

type job struct {
	fingerprint string
	status      model.JobStatus
	cancel      context.CancelFunc

	done   chan struct{}
	result *model.Export
	err    error
}

// Queue is the concurrency-controlled dedup queue. At most one active job
// exists per fingerprint; at most maxConcurrent jobs run at once, the rest
// stay pending until a slot frees.
type Queue struct {
	mu    sync.Mutex
	jobs  map[string]*job
	slots chan struct{}
}

// New creates a queue running at most maxConcurrent jobs
func New(maxConcurrent int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		jobs:  make(map[string]*job),
		slots: make(chan struct{}, maxConcurrent),
	}
}

// Enqueue attaches the caller to the job for fingerprint, creating and
// running it if none is in flight. The timeout clock starts now and covers
// queue wait time. The caller's ctx only detaches that caller; the job
// itself keeps running for the remaining waiters.
func (q *Queue) Enqueue(ctx context.Context, fingerprint string, work Work, timeout time.Duration) (*model.Export, error) {
	q.mu.Lock()
	if existing, ok := q.jobs[fingerprint]; ok {
		q.mu.Unlock()
		return q.wait(ctx, existing)
	}

	jctx, cancel := context.WithTimeout(context.Background(), timeout)
	j := &job{
		fingerprint: fingerprint,
		status:      model.JobStatusPending,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	q.jobs[fingerprint] = j
	q.mu.Unlock()

	go q.run(jctx, j, work)
	return q.wait(ctx, j)
}

// Status reports the state of an in-flight job. Settled jobs are removed,
// so ok=false means unknown or already settled.
func (q *Queue) Status(fingerprint string) (model.JobStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[fingerprint]
	if !ok {
		return "", false
	}
	return j.status, true
}

// Cancel aborts an in-flight job; every waiter settles with ErrCanceled
func (q *Queue) Cancel(fingerprint string) bool {
	q.mu.Lock()
	j, ok := q.jobs[fingerprint]
	if ok {
		j.status = model.JobStatusCanceled
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// InFlight reports the number of unsettled jobs
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *Queue) run(ctx context.Context, j *job, work Work) {
	defer j.cancel()

	// Wait for a concurrency slot; the deadline keeps counting.
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		q.settle(j, nil, ctx.Err())
		return
	}
	defer func() { <-q.slots }()

	q.mu.Lock()
	if j.status == model.JobStatusPending {
		j.status = model.JobStatusRunning
	}
	q.mu.Unlock()

	result, err := work(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	q.settle(j, result, err)
}

// settle resolves every waiter with the same outcome and removes the job
// so the fingerprint can be enqueued again.
func (q *Queue) settle(j *job, result *model.Export, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case j.status == model.JobStatusCanceled || errors.Is(err, context.Canceled):
		j.status = model.JobStatusCanceled
		err = ErrCanceled
	case errors.Is(err, context.DeadlineExceeded):
		j.status = model.JobStatusTimedOut
		err = ErrTimeout
	case err != nil:
		j.status = model.JobStatusFailed
	default:
		j.status = model.JobStatusSucceeded
	}

	j.result = result
	j.err = err
	delete(q.jobs, j.fingerprint)
	close(j.done)
}

func (q *Queue) wait(ctx context.Context, j *job) (*model.Export, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
	}
	if j.err != nil {
		return nil, j.err
	}
	return j.result, nil
}
