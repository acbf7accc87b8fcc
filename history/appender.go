// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// Backoff constants for the appender retry loop. Starts at
// initialBackoff and doubles on each consecutive store failure,
// capped at maxBackoff. Resets to initialBackoff on success.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// defaultAppenderQueue is the job queue capacity when the caller
// passes zero.
const defaultAppenderQueue = 4096

// appendJob is one unit of persistence work. Exactly one field is
// set.
type appendJob struct {
	event    *build.Event
	snapshot *build.Snapshot
}

// Appender decouples routing from history writes. The router
// enqueues; a single background goroutine (Run) drains the queue
// into the Store, retrying with exponential backoff when the backend
// is down. When the queue is full the oldest job is dropped, so a
// dead backend costs bounded memory and zero routing latency.
//
// Jobs are shipped in enqueue order, which preserves per-build seq
// order in the store.
type Appender struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []appendJob
	maxJobs int
	notify  chan struct{}

	unavailable atomic.Bool
	appended    atomic.Uint64
	dropped     atomic.Uint64
}

// NewAppender creates an appender writing to store. queueSize bounds
// the number of pending jobs; zero selects the default. Run must be
// started for jobs to ship.
func NewAppender(store Store, clk clock.Clock, logger *slog.Logger, queueSize int) *Appender {
	if queueSize <= 0 {
		queueSize = defaultAppenderQueue
	}
	return &Appender{
		store:   store,
		clock:   clk,
		logger:  logger,
		maxJobs: queueSize,
		notify:  make(chan struct{}, 1),
	}
}

// AppendEvent enqueues an event for persistence. Never blocks; if
// the queue is full the oldest pending job is dropped and counted.
func (a *Appender) AppendEvent(event *build.Event) {
	a.enqueue(appendJob{event: event})
}

// PutSnapshot enqueues a snapshot write. Same queue and ordering as
// events, so a terminal snapshot lands after the terminal event.
func (a *Appender) PutSnapshot(snapshot build.Snapshot) {
	a.enqueue(appendJob{snapshot: &snapshot})
}

func (a *Appender) enqueue(job appendJob) {
	a.mu.Lock()
	for len(a.jobs) >= a.maxJobs {
		a.jobs[0] = appendJob{} // release for GC
		a.jobs = a.jobs[1:]
		a.dropped.Add(1)
	}
	a.jobs = append(a.jobs, job)
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// peek returns the oldest pending job without removing it.
func (a *Appender) peek() (appendJob, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.jobs) == 0 {
		return appendJob{}, false
	}
	return a.jobs[0], true
}

// pop removes the oldest pending job.
func (a *Appender) pop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.jobs) == 0 {
		return
	}
	a.jobs[0] = appendJob{}
	a.jobs = a.jobs[1:]
}

// QueueLen returns the number of pending jobs.
func (a *Appender) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

// Unavailable reports whether the last store write failed. Resync
// uses this to degrade to snapshot-only responses without attempting
// a doomed read.
func (a *Appender) Unavailable() bool {
	return a.unavailable.Load()
}

// Appended returns the number of jobs successfully written.
func (a *Appender) Appended() uint64 {
	return a.appended.Load()
}

// Dropped returns the number of jobs lost to queue overflow.
func (a *Appender) Dropped() uint64 {
	return a.dropped.Load()
}

// Run drains the queue into the store. It blocks until ctx is
// cancelled, then makes one final best-effort drain pass so events
// accepted during graceful shutdown still land.
//
// The loop peeks at the oldest job, ships it, and pops on success.
// On failure it marks the store unavailable and backs off
// exponentially (1s, 2s, 4s, up to 30s); the job stays queued and is
// retried first.
func (a *Appender) Run(ctx context.Context) {
	backoff := initialBackoff

	for {
		select {
		case <-a.notify:
		case <-ctx.Done():
			a.drain()
			return
		}

		for {
			job, ok := a.peek()
			if !ok {
				break
			}

			if err := a.ship(ctx, job); err != nil {
				if ctx.Err() != nil {
					a.drain()
					return
				}
				a.unavailable.Store(true)
				a.logger.Warn("history write failed, will retry",
					"error", err,
					"backoff", backoff,
					"queued", a.QueueLen(),
				)
				select {
				case <-a.clock.After(backoff):
				case <-ctx.Done():
					a.drain()
					return
				}
				backoff = backoff * 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			a.pop()
			a.appended.Add(1)
			a.unavailable.Store(false)
			backoff = initialBackoff
		}
	}
}

// ship writes one job to the store.
func (a *Appender) ship(ctx context.Context, job appendJob) error {
	if job.event != nil {
		return a.store.Append(ctx, job.event)
	}
	return a.store.PutSnapshot(ctx, *job.snapshot)
}

// drain makes one best-effort pass through the queue after shutdown,
// with a short overall timeout and no retries. Whatever fails is
// abandoned.
func (a *Appender) drain() {
	const drainTimeout = 5 * time.Second
	drainContext, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		job, ok := a.peek()
		if !ok {
			return
		}
		if err := a.ship(drainContext, job); err != nil {
			a.logger.Warn("drain: history write failed, abandoning remaining",
				"error", err,
				"remaining", a.QueueLen(),
			)
			return
		}
		a.pop()
		a.appended.Add(1)
	}
}
