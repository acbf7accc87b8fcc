// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/netutil"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// Defaults for Options fields left zero.
const (
	defaultMaxAttempts       = 10
	defaultInitialBackoff    = 1 * time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// eventQueueCapacity buffers events between the adapter methods and
// the run loop. The loop drains continuously, including while backing
// off, so the buffer only has to absorb the dial-and-handshake window.
const eventQueueCapacity = 64

// handshakeTimeout bounds the wait for the hub's welcome frame after
// the stream opens.
const handshakeTimeout = 10 * time.Second

// streamWriteTimeout bounds each frame write. A hub that cannot
// absorb a frame within this window is treated as gone and the
// emitter reconnects.
const streamWriteTimeout = 30 * time.Second

// StreamOpener opens the emit stream and writes the transport
// handshake. *service.ServiceClient satisfies this; tests substitute
// an in-memory pipe.
type StreamOpener interface {
	OpenStream(ctx context.Context, action string, fields map[string]any) (net.Conn, error)
}

// Options configures an Emitter. Opener and Project are required; a
// zero BuildID gets a generated UUID; zero retry fields take the
// package defaults; a nil Clock is the real one; a nil Logger logs
// to stderr.
type Options struct {
	// Opener dials the hub and writes the transport handshake.
	Opener StreamOpener

	// Project is the project the build belongs to. The hub checks it
	// against the token's grants.
	Project string

	// BuildID identifies the build. Left empty, the emitter assigns
	// a UUID so updates and the completion can reference the build.
	BuildID string

	// MaxAttempts caps consecutive failed connection attempts before
	// Run gives up. The counter resets on every accepted handshake.
	MaxAttempts int

	// InitialBackoff is the wait after the first failed attempt. It
	// doubles per consecutive failure up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnNotice is called from the read loop for each ERROR frame the
	// hub sends on the stream: authorization warnings, protocol
	// complaints. Optional; notices are logged either way.
	OnNotice func(build.ErrorData)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats is a snapshot of the emitter's operational counters.
type Stats struct {
	// EventsSent counts lifecycle frames written to the hub.
	EventsSent uint64

	// HeartbeatsSent counts heartbeat frames written to the hub.
	HeartbeatsSent uint64

	// Reconnects counts established connections that were lost.
	Reconnects uint64

	// Notices counts ERROR frames received from the hub.
	Notices uint64

	// UpdatesCoalesced counts progress updates merged into a newer
	// one while the emitter was disconnected.
	UpdatesCoalesced uint64
}

// Emitter reports one build's lifecycle to the hub. The Start,
// Update, and Complete adapters enqueue typed envelopes; Run owns the
// connection, writes them in order, heartbeats on the hub's interval,
// and reconnects through the state machine when the stream drops.
//
// One Emitter serves one build. Wrap each build in a fresh Emitter.
type Emitter struct {
	opts    Options
	buildID string
	clock   clock.Clock
	logger  *slog.Logger

	// events carries envelopes from the adapters to the run loop.
	events chan build.Envelope

	// outbox holds envelopes that have not reached the hub: absorbed
	// while disconnected or stranded by a failed write. Owned by the
	// run loop, replayed in order after reconnect.
	outbox []build.Envelope

	// drain is closed by Drain. The run loop exits once it is closed
	// and nothing is left to send.
	drain     chan struct{}
	drainOnce sync.Once

	// runDone is closed when Run returns; runErr is set first.
	runDone chan struct{}
	runErr  error

	state atomic.Int32

	eventsSent       atomic.Uint64
	heartbeatsSent   atomic.Uint64
	reconnects       atomic.Uint64
	notices          atomic.Uint64
	updatesCoalesced atomic.Uint64
}

// New creates an Emitter. Run must be started for events to flow.
func New(opts Options) (*Emitter, error) {
	if opts.Opener == nil {
		return nil, errors.New("agent: Options.Opener is required")
	}
	if opts.Project == "" {
		return nil, errors.New("agent: Options.Project is required")
	}
	if opts.BuildID == "" {
		opts.BuildID = uuid.NewString()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Emitter{
		opts:    opts,
		buildID: opts.BuildID,
		clock:   opts.Clock,
		logger:  opts.Logger.With("build", opts.BuildID, "project", opts.Project),
		events:  make(chan build.Envelope, eventQueueCapacity),
		drain:   make(chan struct{}),
		runDone: make(chan struct{}),
	}, nil
}

// BuildID returns the build id the emitter reports under, generated
// or caller-supplied.
func (e *Emitter) BuildID() string { return e.buildID }

// State returns the connection state machine's current position.
func (e *Emitter) State() ConnState { return ConnState(e.state.Load()) }

// Stats returns a snapshot of the operational counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		EventsSent:       e.eventsSent.Load(),
		HeartbeatsSent:   e.heartbeatsSent.Load(),
		Reconnects:       e.reconnects.Load(),
		Notices:          e.notices.Load(),
		UpdatesCoalesced: e.updatesCoalesced.Load(),
	}
}

// Start reports the build as running, with optional free-form
// metadata (compiler version, target, host).
func (e *Emitter) Start(metadata map[string]string) {
	data, err := codec.Marshal(build.StartData{Metadata: metadata})
	if err != nil {
		e.logger.Error("encoding start payload failed", "error", err)
		return
	}
	e.send(build.Envelope{
		Kind:      build.KindBuildStart,
		BuildID:   e.buildID,
		Project:   e.opts.Project,
		Data:      data,
		Timestamp: e.clock.Now().UnixMilli(),
	})
}

// Update reports progress in [0, 1] and the latest metric values.
// Out-of-range progress is clamped rather than sent: the hub treats
// an invalid value as a protocol violation, and a misbehaving build
// script should not cost the connection. NaN drops the update.
func (e *Emitter) Update(progress float64, metrics map[string]float64) {
	if math.IsNaN(progress) || math.IsInf(progress, 0) {
		e.logger.Warn("dropping progress update", "progress", progress)
		return
	}
	progress = min(max(progress, 0), 1)
	data, err := codec.Marshal(build.UpdateData{Progress: progress, Metrics: metrics})
	if err != nil {
		e.logger.Error("encoding update payload failed", "error", err)
		return
	}
	e.send(build.Envelope{
		Kind:      build.KindBuildUpdate,
		BuildID:   e.buildID,
		Data:      data,
		Timestamp: e.clock.Now().UnixMilli(),
	})
}

// Complete reports the build's terminal status. The message is the
// failure description for FAILED and CANCELLED; ignored for
// COMPLETED. Call Drain afterwards to wait for delivery.
func (e *Emitter) Complete(status build.Status, message string) {
	if status == build.StatusCompleted {
		message = ""
	}
	data, err := codec.Marshal(build.CompleteData{Status: status, Error: message})
	if err != nil {
		e.logger.Error("encoding complete payload failed", "error", err)
		return
	}
	e.send(build.Envelope{
		Kind:      build.KindBuildComplete,
		BuildID:   e.buildID,
		Data:      data,
		Timestamp: e.clock.Now().UnixMilli(),
	})
}

// send hands an envelope to the run loop. Envelopes enqueued after
// Run has returned are discarded: the caller is shutting down and
// the connection is gone.
func (e *Emitter) send(env build.Envelope) {
	select {
	case e.events <- env:
	case <-e.runDone:
	}
}

// Drain asks the run loop to exit once every enqueued envelope has
// been written, and waits for it. Call after the final event (the
// completion) has been enqueued; events enqueued concurrently with
// Drain may be discarded. Returns the run loop's error, or the
// context's if it expires first.
func (e *Emitter) Drain(ctx context.Context) error {
	e.drainOnce.Do(func() { close(e.drain) })
	select {
	case <-e.runDone:
		return e.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects to the hub and serves the event channel until ctx is
// cancelled or a Drain completes. Returns nil on both; an error when
// the hub refuses the handshake or the attempt budget is exhausted.
func (e *Emitter) Run(ctx context.Context) error {
	err := e.run(ctx)
	e.runErr = err
	close(e.runDone)
	return err
}

func (e *Emitter) run(ctx context.Context) error {
	defer e.setState(StateDisconnected)

	backoff := e.opts.InitialBackoff
	attempts := 0

	for {
		// A drain with nothing pending needs no connection.
		select {
		case <-e.drain:
			if len(e.events) == 0 && len(e.outbox) == 0 {
				return nil
			}
		default:
		}

		e.setState(StateConnecting)
		conn, decoder, welcome, err := e.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var refusal *build.RefusalError
			if errors.As(err, &refusal) {
				e.logger.Error("hub refused stream",
					"code", refusal.Code,
					"error", refusal.Message,
				)
				return err
			}
			attempts++
			if attempts >= e.opts.MaxAttempts {
				return fmt.Errorf("connecting to hub: %w (giving up after %d attempts)", err, attempts)
			}
			e.logger.Warn("hub connection failed, backing off",
				"attempt", attempts,
				"backoff", backoff,
				"error", err,
			)
			e.setState(StateBackingOff)
			if !e.backOff(ctx, backoff) {
				return nil
			}
			backoff = backoff * 2
			if backoff > e.opts.MaxBackoff {
				backoff = e.opts.MaxBackoff
			}
			continue
		}

		attempts = 0
		backoff = e.opts.InitialBackoff
		e.setState(StateConnected)
		e.logger.Info("connected to hub",
			"connection", welcome.ConnectionID,
			"heartbeat_seconds", welcome.HeartbeatSeconds,
			"store_degraded", welcome.StoreDegraded,
		)

		finished, serveErr := e.serve(ctx, conn, decoder, welcome)
		conn.Close()
		if finished {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		e.reconnects.Add(1)
		if serveErr != nil && !netutil.IsExpectedCloseError(serveErr) {
			e.logger.Warn("hub connection lost", "error", serveErr)
		} else {
			e.logger.Info("hub connection closed, reconnecting")
		}
		e.setState(StateDisconnected)
	}
}

func (e *Emitter) setState(s ConnState) {
	if ConnState(e.state.Swap(int32(s))) != s {
		e.logger.Debug("emitter state", "state", s.String())
	}
}

// connect opens the stream and exchanges the handshake. The returned
// decoder must be used for all subsequent reads on the connection:
// it may already have buffered bytes past the welcome frame.
func (e *Emitter) connect(ctx context.Context) (net.Conn, *codec.Decoder, build.Welcome, error) {
	conn, err := e.opts.Opener.OpenStream(ctx, "emit", map[string]any{
		"protocol": build.ProtocolVersion,
	})
	if err != nil {
		return nil, nil, build.Welcome{}, err
	}

	decoder := codec.NewDecoder(conn)
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var welcome build.Welcome
	if err := decoder.Decode(&welcome); err != nil {
		conn.Close()
		return nil, nil, build.Welcome{}, fmt.Errorf("reading welcome: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if err := welcome.Refusal(); err != nil {
		conn.Close()
		return nil, nil, build.Welcome{}, err
	}
	return conn, decoder, welcome, nil
}

// serve writes events and heartbeats on an established connection.
// Returns finished=true when a requested drain completed; otherwise
// the connection is gone and the caller reconnects. An envelope whose
// write failed is returned to the outbox first.
func (e *Emitter) serve(ctx context.Context, conn net.Conn, decoder *codec.Decoder, welcome build.Welcome) (bool, error) {
	interval := time.Duration(welcome.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	heartbeat := e.clock.NewTicker(interval)
	defer heartbeat.Stop()

	encoder := codec.NewEncoder(conn)

	for len(e.outbox) > 0 {
		if err := writeFrame(conn, encoder, e.outbox[0]); err != nil {
			return false, err
		}
		e.eventsSent.Add(1)
		e.outbox = e.outbox[1:]
	}

	readerDone := make(chan error, 1)
	go func() {
		readerDone <- e.readNotices(decoder)
	}()

	for {
		// The drain case arms only when nothing is pending, so a
		// completed drain means everything was written.
		var drained <-chan struct{}
		if len(e.events) == 0 {
			drained = e.drain
		}

		select {
		case env := <-e.events:
			if err := writeFrame(conn, encoder, env); err != nil {
				e.outbox = append(e.outbox, env)
				return false, err
			}
			e.eventsSent.Add(1)

		case <-heartbeat.C:
			hb := build.Envelope{
				Kind:      build.KindHeartbeat,
				BuildID:   e.buildID,
				Timestamp: e.clock.Now().UnixMilli(),
			}
			if err := writeFrame(conn, encoder, hb); err != nil {
				return false, err
			}
			e.heartbeatsSent.Add(1)

		case err := <-readerDone:
			return false, err

		case <-drained:
			// An event may have been enqueued between arming this
			// case and it firing; serve it first.
			if len(e.events) > 0 {
				continue
			}
			return true, nil

		case <-ctx.Done():
			return false, nil
		}
	}
}

// readNotices consumes hub-to-agent frames until the stream ends.
// The only expected kind is ERROR; anything else is ignored. A peer
// or local close returns nil.
func (e *Emitter) readNotices(decoder *codec.Decoder) error {
	for {
		var env build.Envelope
		if err := decoder.Decode(&env); err != nil {
			if netutil.IsExpectedCloseError(err) {
				return nil
			}
			return err
		}
		if env.Kind != build.KindError {
			continue
		}
		var data build.ErrorData
		if err := codec.Unmarshal(env.Data, &data); err != nil {
			e.logger.Warn("undecodable error frame from hub", "error", err)
			continue
		}
		e.notices.Add(1)
		e.logger.Warn("hub notice", "code", data.Code, "message", data.Message)
		if e.opts.OnNotice != nil {
			e.opts.OnNotice(data)
		}
	}
}

// backOff absorbs queued events into the outbox while waiting out the
// retry interval. Returns false when the run loop should stop: the
// context was cancelled, or a drain completed with nothing left to
// send.
func (e *Emitter) backOff(ctx context.Context, interval time.Duration) bool {
	wait := e.clock.After(interval)
	for {
		var drained <-chan struct{}
		if len(e.events) == 0 && len(e.outbox) == 0 {
			drained = e.drain
		}

		select {
		case env := <-e.events:
			e.absorb(env)
		case <-wait:
			return true
		case <-drained:
			if len(e.events) > 0 {
				continue
			}
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// absorb appends an envelope to the outbox. Consecutive progress
// updates coalesce to the newest: progress is cumulative and metrics
// carry latest values, so the superseded sample is redundant and a
// reconnect after a long outage replays a short outbox instead of
// the whole gap.
func (e *Emitter) absorb(env build.Envelope) {
	if env.Kind == build.KindBuildUpdate && len(e.outbox) > 0 {
		if last := &e.outbox[len(e.outbox)-1]; last.Kind == build.KindBuildUpdate {
			*last = env
			e.updatesCoalesced.Add(1)
			return
		}
	}
	e.outbox = append(e.outbox, env)
}

func writeFrame(conn net.Conn, encoder *codec.Encoder, env build.Envelope) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return encoder.Encode(env)
}
