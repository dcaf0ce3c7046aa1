// Package queue bounds concurrent upstream dispatch and readmits rate
// limited requests after a cooldown without dropping the client connection.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/sse"
	"golang.org/x/sync/semaphore"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/relay"
)

var (
	// ErrQueueFull is returned when a request cannot be admitted within
	// the configured wait budget.
	ErrQueueFull = errors.New("queue: admission wait budget exceeded")

	// ErrQueueDisabled is returned by Enqueue when queueing is off.
	ErrQueueDisabled = errors.New("queue: queueing disabled")
)

// retryBaseDelay is multiplied by the attempt number to space out
// readmissions of rate limited requests.
const retryBaseDelay = 2 * time.Second

// maxRetryDelay caps the readmission cooldown.
const maxRetryDelay = 15 * time.Second

// Queue gates upstream concurrency with a weighted semaphore and schedules
// readmission of re-enqueued requests.
type Queue struct {
	cfg config.QueueConfig
	sem *semaphore.Weighted

	// retryBase is overridable for tests.
	retryBase time.Duration

	active        atomic.Int64
	totalWaits    atomic.Int64
	totalWaitNano atomic.Int64
}

// NewQueue builds a queue from configuration. A nil-safe zero concurrency
// falls back to the default.
func NewQueue(cfg config.QueueConfig) *Queue {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Queue{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		retryBase: retryBaseDelay,
	}
}

// Admit blocks until the request may dispatch upstream or the wait budget
// runs out. Time spent waiting accumulates on the request.
func (q *Queue) Admit(ctx context.Context, req *relay.Request) error {
	if !q.cfg.Enabled {
		return nil
	}
	if q.cfg.MaxWaitSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(q.cfg.MaxWaitSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrQueueFull
		}
		return fmt.Errorf("queue: admission aborted: %w", err)
	}
	req.QueuedFor += time.Since(start)
	q.active.Add(1)
	return nil
}

// Release returns the admission slot taken by Admit. It must be called
// exactly once per successful Admit, after the attempt fully resolves.
func (q *Queue) Release() {
	if !q.cfg.Enabled {
		return
	}
	q.active.Add(-1)
	q.sem.Release(1)
}

// Enqueue schedules one more attempt for a rate limited request. The
// request's readmission channel closes after a cooldown proportional to the
// attempt count. It fails when the retry budget is spent so the caller can
// fall back to a terminal client response.
func (q *Queue) Enqueue(req *relay.Request) error {
	if !q.cfg.Enabled {
		return ErrQueueDisabled
	}
	if q.cfg.MaxAttempts > 0 && req.Attempts+1 >= q.cfg.MaxAttempts {
		return fmt.Errorf("queue: retry budget exhausted after %d attempts", req.Attempts+1)
	}

	req.Attempts++
	req.EnqueuedAt = time.Now()
	delay := q.readmitDelay(req.Attempts)
	ch := req.PrepareReadmit()
	time.AfterFunc(delay, func() { close(ch) })

	log.WithFields(log.Fields{
		"request": req.ID,
		"attempt": req.Attempts,
		"delay":   delay.String(),
	}).Infof("request re-enqueued")
	return nil
}

func (q *Queue) readmitDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * q.retryBase
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// TrackWaitTime records how long a completed request sat in admission.
func (q *Queue) TrackWaitTime(req *relay.Request) {
	q.totalWaits.Add(1)
	q.totalWaitNano.Add(int64(req.QueuedFor))
}

// Stats describes queue pressure for the health endpoint.
type Stats struct {
	Active      int64         `json:"active"`
	Concurrency int           `json:"concurrency"`
	TotalWaits  int64         `json:"total_waits"`
	AvgWait     time.Duration `json:"avg_wait_ns"`
}

// Snapshot returns current queue telemetry.
func (q *Queue) Snapshot() Stats {
	s := Stats{
		Active:      q.active.Load(),
		Concurrency: q.cfg.Concurrency,
		TotalWaits:  q.totalWaits.Load(),
	}
	if s.TotalWaits > 0 {
		s.AvgWait = time.Duration(q.totalWaitNano.Load() / s.TotalWaits)
	}
	return s
}

// WriteHeartbeat emits a comment-style keepalive event so proxies do not
// reap the connection while a streaming client waits for readmission.
func WriteHeartbeat(w io.Writer) error {
	return sse.Encode(w, sse.Event{Event: "ping", Data: "{}"})
}
