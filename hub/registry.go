// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// connection is one live agent or subscriber stream. The reader
// goroutine feeds the router; the drainer goroutine consumes queue
// and writes to the socket. Everything the router touches is either
// atomic or owned by a single goroutine, except the small mutex-held
// gap and ownership sets.
type connection struct {
	id        string
	role      hubtoken.Role
	principal string
	token     *hubtoken.Token

	// queue is the bounded outbound queue. Only the drainer receives
	// from it (drop-oldest eviction inside enqueue aside). It is
	// never closed; teardown closes done instead, so a racing
	// enqueue can never panic on a closed channel.
	queue chan build.Envelope
	done  chan struct{}

	closeOnce sync.Once

	// lastActive is the hub clock in epoch milliseconds at the last
	// inbound frame (agents) or successful outbound write
	// (subscribers). The liveness sweeper closes connections idle
	// past the configured timeout.
	lastActive atomic.Int64

	// violations counts protocol and authorization errors. Crossing
	// the hub's threshold closes the connection.
	violations atomic.Int32

	// dropsSinceWrite counts envelopes dropped from the queue since
	// the drainer last completed a write. A connection that loses a
	// full queue's worth without the drainer making any progress is
	// beyond recovery and is closed with QUEUE_OVERFLOW.
	dropsSinceWrite atomic.Int64
	overflowed      atomic.Bool

	// totalDrops is the registry-wide drop counter, shared by every
	// connection so the status response needs no per-connection walk.
	totalDrops *atomic.Uint64

	mu      sync.Mutex
	gapped  map[string]struct{} // projects with dropped envelopes
	dropped uint64              // drops since the last takeGaps
	owned   map[string]struct{} // build ids this agent emitted for
}

// close marks the connection dead. Idempotent; safe from any
// goroutine. The drainer observes done and returns, which unwinds the
// stream handler and closes the socket.
func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// closed reports whether close has been called.
func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// touch records activity at now.
func (c *connection) touch(now time.Time) {
	c.lastActive.Store(now.UnixMilli())
}

// idleSince reports the last activity time.
func (c *connection) idleSince() time.Time {
	return time.UnixMilli(c.lastActive.Load())
}

// ownBuild records that this connection emitted for the build, so
// heartbeats without a build id keep all of its builds alive.
func (c *connection) ownBuild(buildID string) {
	c.mu.Lock()
	if c.owned == nil {
		c.owned = make(map[string]struct{}, 1)
	}
	c.owned[buildID] = struct{}{}
	c.mu.Unlock()
}

// ownedBuilds snapshots the build ids this connection emitted for.
func (c *connection) ownedBuilds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.owned) == 0 {
		return nil
	}
	ids := make([]string, 0, len(c.owned))
	for id := range c.owned {
		ids = append(ids, id)
	}
	return ids
}

// enqueue delivers an envelope to the connection's queue without ever
// blocking the caller. When the queue is full the oldest queued
// envelope is evicted and recorded as a gap, then the send is
// retried; the newest envelope always lands. The drainer may race the
// eviction, in which case the retry simply succeeds.
func (c *connection) enqueue(env build.Envelope) {
	for {
		select {
		case c.queue <- env:
			return
		default:
		}
		select {
		case evicted := <-c.queue:
			c.recordDrop(evicted)
		default:
		}
	}
}

// recordDrop accounts one evicted envelope: the project joins the gap
// set the drainer turns into GAP_DETECTED frames, and the
// beyond-recovery counter advances. If a full queue's worth has been
// dropped with no intervening write, the subscriber is not reading at
// all and the connection is closed.
func (c *connection) recordDrop(env build.Envelope) {
	c.mu.Lock()
	c.dropped++
	if env.Project != "" {
		if c.gapped == nil {
			c.gapped = make(map[string]struct{}, 1)
		}
		c.gapped[env.Project] = struct{}{}
	}
	c.mu.Unlock()

	if c.totalDrops != nil {
		c.totalDrops.Add(1)
	}
	if c.dropsSinceWrite.Add(1) > int64(cap(c.queue)) {
		c.overflowed.Store(true)
		c.close()
	}
}

// takeGaps returns and clears the gapped project set and the drop
// count accumulated since the previous call. The drainer calls it
// before each write so gap notices precede the events queued after
// the hole.
func (c *connection) takeGaps() ([]string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped == 0 {
		return nil, 0
	}
	projects := make([]string, 0, len(c.gapped))
	for project := range c.gapped {
		projects = append(projects, project)
	}
	dropped := c.dropped
	c.gapped = nil
	c.dropped = 0
	return projects, dropped
}

// wroteFrame resets the beyond-recovery counter. Called by the
// drainer after each successful socket write.
func (c *connection) wroteFrame() {
	c.dropsSinceWrite.Store(0)
}

// Registry tracks live connections by id. The mutex covers only the
// map; per-connection queues have their own synchronization, so
// fan-out holds the read lock just long enough to find each target.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	nextID atomic.Uint64

	// dropped is the total envelopes dropped across all connections,
	// for the status response.
	dropped atomic.Uint64
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*connection)}
}

// Register creates a connection with a queue of the given capacity
// and adds it to the registry. The id is unique for the life of the
// process and shows up in log lines and the Welcome frame.
func (r *Registry) Register(role hubtoken.Role, token *hubtoken.Token, capacity int, now time.Time) *connection {
	conn := &connection{
		id:         fmt.Sprintf("c%d", r.nextID.Add(1)),
		role:       role,
		principal:  token.Subject,
		token:      token,
		queue:      make(chan build.Envelope, capacity),
		done:       make(chan struct{}),
		totalDrops: &r.dropped,
	}
	conn.touch(now)

	r.mu.Lock()
	r.conns[conn.id] = conn
	r.mu.Unlock()
	return conn
}

// Deregister removes the connection and marks it closed. Idempotent.
// Enqueues racing a deregister find no entry and are silent no-ops.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if ok {
		conn.close()
	}
}

// Enqueue delivers an envelope to the identified connection,
// dropping the oldest queued envelope if the queue is full. Unknown
// ids are a no-op: the connection deregistered between the fan-out
// snapshot and delivery.
func (r *Registry) Enqueue(id string, env build.Envelope) {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok || conn.closed() {
		return
	}
	conn.enqueue(env)
}

// Get returns the connection for id.
func (r *Registry) Get(id string) (*connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Connections snapshots the live connection set for the sweeper and
// the status response.
func (r *Registry) Connections() []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Dropped reports the total envelopes dropped across all connections
// since the hub started.
func (r *Registry) Dropped() uint64 {
	return r.dropped.Load()
}
