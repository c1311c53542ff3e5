// Package queue provides named in-process job queues with bounded
// concurrency, per-job deduplication, delayed delivery and exponential
// retry backoff. The sync, restore and cleaner workers consume from it.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tierfs/tierfs/internal/logger"
)

// JobStatus is the observable state of a job.
type JobStatus string

const (
	JobWaiting    JobStatus = "WAITING"
	JobProcessing JobStatus = "PROCESSING"
	JobDone       JobStatus = "DONE"
	JobFailed     JobStatus = "FAILED"
)

// ErrDuplicateJob indicates a job with the same ID is already waiting or
// processing in the queue.
var ErrDuplicateJob = errors.New("job with this id is already enqueued")

// ErrQueueClosed indicates the queue no longer accepts jobs.
var ErrQueueClosed = errors.New("queue is closed")

// Retryable marks an error as transient: the job is retried with backoff
// until its attempt budget runs out. Any other error fails the job at once.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err so the queue retries the job.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether the handler marked the error as transient.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// Handler processes one job. The payload is whatever Enqueue was given.
type Handler func(ctx context.Context, payload any) error

// Config tunes a queue.
type Config struct {
	// Name identifies the queue in logs and metrics.
	Name string

	// Workers is the number of concurrent handler goroutines. Default: 1
	Workers int

	// MaxAttempts is how many times a job runs before it fails.
	// Default: 4 (one initial attempt plus three retries)
	MaxAttempts int

	// InitialBackoff seeds the exponential backoff between attempts.
	// Default: 10s
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff. Default: 5m
	MaxBackoff time.Duration

	// Buffer is the channel capacity before Enqueue blocks. Default: 256
	Buffer int
}

type job struct {
	id      string
	payload any
	runAt   time.Time
	attempt int

	// bo carries the backoff schedule across re-deliveries of the same job.
	bo backoff.BackOff
}

// JobInfo is a point-in-time snapshot of a job for introspection.
type JobInfo struct {
	ID       string
	Status   JobStatus
	Attempt  int
	LastErr  string
	Enqueued time.Time
}

// terminalRetention caps how many DONE and FAILED snapshots stay queryable
// before the oldest are forgotten.
const terminalRetention = 1024

// Queue runs handler over enqueued jobs with bounded concurrency.
type Queue struct {
	name    string
	handler Handler
	cfg     Config

	jobs chan *job

	mu       sync.Mutex
	known    map[string]*JobInfo
	finished []string
	timers   map[*job]*time.Timer
	closed   bool

	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a queue and starts its workers.
func New(cfg Config, handler Handler) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		name:    cfg.Name,
		handler: handler,
		cfg:     cfg,
		jobs:    make(chan *job, cfg.Buffer),
		known:   make(map[string]*JobInfo),
		timers:  make(map[*job]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	return q
}

// Enqueue submits a job. The ID deduplicates: a job already WAITING or
// PROCESSING under the same ID is not enqueued again.
func (q *Queue) Enqueue(id string, payload any) error {
	return q.EnqueueDelayed(id, payload, 0)
}

// EnqueueDelayed submits a job that becomes runnable after delay.
func (q *Queue) EnqueueDelayed(id string, payload any, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if info, ok := q.known[id]; ok && (info.Status == JobWaiting || info.Status == JobProcessing) {
		q.mu.Unlock()
		return ErrDuplicateJob
	}
	q.known[id] = &JobInfo{ID: id, Status: JobWaiting, Enqueued: time.Now()}
	q.mu.Unlock()

	j := &job{
		id:      id,
		payload: payload,
		runAt:   time.Now().Add(delay),
	}
	if delay > 0 {
		q.schedule(j, delay)
		return nil
	}
	q.jobs <- j
	return nil
}

// schedule delivers a job to the workers once its delay elapses. The timer
// replaces sleeping in a worker, so delayed and backing-off jobs hold no
// worker hostage. Close stops pending timers and unblocks in-flight sends.
func (q *Queue) schedule(j *job, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.wg.Add(1)
	q.timers[j] = time.AfterFunc(delay, func() {
		defer q.wg.Done()

		q.mu.Lock()
		delete(q.timers, j)
		q.mu.Unlock()

		select {
		case q.jobs <- j:
		case <-q.ctx.Done():
		}
	})
}

// Status returns the snapshot for a job ID, if known.
func (q *Queue) Status(id string) (JobInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	info, ok := q.known[id]
	if !ok {
		return JobInfo{}, false
	}
	return *info, true
}

// Depth returns the number of jobs waiting in the channel.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

func (q *Queue) setStatus(id string, status JobStatus, attempt int, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if info, ok := q.known[id]; ok {
		info.Status = status
		info.Attempt = attempt
		info.LastErr = errMsg
	}
}

// finish records a terminal outcome. Terminal snapshots stay queryable for a
// while but the oldest are evicted, so known never grows without bound. A
// re-enqueued ID replaces its snapshot with a live entry, which eviction
// leaves alone.
func (q *Queue) finish(id string, status JobStatus, attempt int, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	info, ok := q.known[id]
	if !ok {
		return
	}
	info.Status = status
	info.Attempt = attempt
	info.LastErr = errMsg

	q.finished = append(q.finished, id)
	for len(q.finished) > terminalRetention {
		oldest := q.finished[0]
		q.finished = q.finished[1:]
		if old, ok := q.known[oldest]; ok && (old.Status == JobDone || old.Status == JobFailed) {
			delete(q.known, oldest)
		}
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, j)
		}
	}
}

// run executes one attempt. A retryable failure puts the job back on a
// timer instead of sleeping here, freeing the worker for other jobs.
func (q *Queue) run(ctx context.Context, j *job) {
	j.attempt++
	q.setStatus(j.id, JobProcessing, j.attempt, "")

	err := q.handler(ctx, j.payload)
	if err == nil {
		q.finish(j.id, JobDone, j.attempt, "")
		return
	}

	if !IsRetryable(err) || j.attempt >= q.cfg.MaxAttempts {
		logger.Error("job failed",
			logger.KeyQueue, q.name,
			logger.KeyJobID, j.id,
			logger.KeyRetryCount, j.attempt-1,
			logger.KeyError, err)
		q.finish(j.id, JobFailed, j.attempt, err.Error())
		return
	}

	if j.bo == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = q.cfg.InitialBackoff
		bo.MaxInterval = q.cfg.MaxBackoff
		bo.MaxElapsedTime = 0 // the attempt budget bounds retries, not wall time
		bo.Reset()
		j.bo = bo
	}
	wait := j.bo.NextBackOff()

	logger.Warn("job attempt failed, retrying",
		logger.KeyQueue, q.name,
		logger.KeyJobID, j.id,
		logger.KeyRetryCount, j.attempt,
		"backoff", wait.String(),
		logger.KeyError, err)
	q.setStatus(j.id, JobWaiting, j.attempt, err.Error())

	j.runAt = time.Now().Add(wait)
	q.schedule(j, wait)
}

// Close stops accepting jobs, cancels workers and pending delivery timers,
// and waits for everything to exit. Jobs still waiting are dropped; durable
// state lives in the metadata store, so dropped jobs are re-enqueued on the
// next sweep.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for j, t := range q.timers {
		delete(q.timers, j)
		if t.Stop() {
			// Timers that already fired do their own wg.Done.
			q.wg.Done()
		}
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
