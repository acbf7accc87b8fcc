// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/netutil"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// Defaults for Options fields left zero.
const (
	defaultBuffer            = 256
	defaultInitialBackoff    = 1 * time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// handshakeTimeout bounds the wait for the hub's welcome frame.
const handshakeTimeout = 10 * time.Second

// streamWriteTimeout bounds each subscriber-to-hub frame write.
const streamWriteTimeout = 30 * time.Second

// inboundBuffer decouples the decode goroutine from frame
// processing. Small: the hub's per-connection queue is the real
// buffer, and back-pressure here is what makes it engage.
const inboundBuffer = 64

// controlBuffer holds subscription and resync requests until the run
// loop applies them.
const controlBuffer = 16

// staleMultiplier times the heartbeat interval is how long the
// watcher tolerates total silence before declaring the connection
// dead. Three intervals forgive one lost heartbeat plus scheduling
// slack.
const staleMultiplier = 3

// resyncCooldown rate-limits automatic resyncs per project. A
// subscriber far behind can receive a gap notice per write; answering
// each with a fresh resync would replay the backlog into the same
// congested queue that caused the gaps.
const resyncCooldown = 5 * time.Second

// StreamOpener opens the watch stream and writes the transport
// handshake. *service.ServiceClient satisfies this; tests substitute
// an in-memory pipe.
type StreamOpener interface {
	OpenStream(ctx context.Context, action string, fields map[string]any) (net.Conn, error)
}

// Options configures a Watcher. Opener and at least one project are
// required; zero retry fields take the package defaults; a nil Clock
// is the real one; a nil Logger logs to stderr.
type Options struct {
	// Opener dials the hub and writes the transport handshake.
	Opener StreamOpener

	// Projects is the initial subscription, declared in the stream
	// handshake so the snapshot burst is queued before any live
	// event.
	Projects []string

	// Kinds restricts the subscription to specific event kinds.
	// Empty means all kinds.
	Kinds []build.Kind

	// Buffer is the notification channel capacity. When the consumer
	// falls this far behind, frame processing blocks, the hub's
	// outbound queue fills, and the hub starts dropping with gap
	// notices; the watcher resyncs once the consumer catches up.
	Buffer int

	// MaxAttempts caps consecutive failed connection attempts. Zero
	// means retry forever, the right behavior for a dashboard that
	// should outlive hub restarts.
	MaxAttempts int

	// InitialBackoff is the wait after the first failed attempt. It
	// doubles per consecutive failure up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// control is a subscription or resync request queued for the run
// loop, which owns the connection and the interest set.
type control struct {
	kind     build.Kind
	projects []string
}

// Watcher follows builds through the hub's watch stream. Create with
// New, start Run in a goroutine, and consume Notifications.
type Watcher struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	notifications chan Notification
	controls      chan control

	// Run-loop state: current interest set, highest seq seen per
	// project, and the last resync time per project for the
	// auto-resync cooldown.
	projects   []string
	lastSeen   map[string]uint64
	lastResync map[string]time.Time

	// runDone is closed when Run returns, releasing control senders.
	runDone chan struct{}

	framesReceived atomic.Uint64
	snapshotsSeen  atomic.Uint64
	eventsSeen     atomic.Uint64
	gapsSeen       atomic.Uint64
	resyncsSent    atomic.Uint64
	heartbeatsSeen atomic.Uint64
	noticesSeen    atomic.Uint64
	reconnects     atomic.Uint64
}

// New creates a Watcher. Run must be started for notifications to
// flow.
func New(opts Options) (*Watcher, error) {
	if opts.Opener == nil {
		return nil, errors.New("watch: Options.Opener is required")
	}
	initial := build.SubscribeData{Projects: opts.Projects, Events: opts.Kinds}
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("watch: initial subscription: %w", err)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
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

	return &Watcher{
		opts:          opts,
		clock:         opts.Clock,
		logger:        opts.Logger,
		notifications: make(chan Notification, opts.Buffer),
		controls:      make(chan control, controlBuffer),
		projects:      slices.Clone(opts.Projects),
		lastSeen:      make(map[string]uint64),
		lastResync:    make(map[string]time.Time),
		runDone:       make(chan struct{}),
	}, nil
}

// Notifications is the delivery channel. It is never closed; stop
// consuming when Run returns.
func (w *Watcher) Notifications() <-chan Notification { return w.notifications }

// Stats returns a snapshot of the operational counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		FramesReceived: w.framesReceived.Load(),
		Snapshots:      w.snapshotsSeen.Load(),
		Events:         w.eventsSeen.Load(),
		Gaps:           w.gapsSeen.Load(),
		ResyncsSent:    w.resyncsSent.Load(),
		Heartbeats:     w.heartbeatsSeen.Load(),
		Notices:        w.noticesSeen.Load(),
		Reconnects:     w.reconnects.Load(),
	}
}

// Subscribe adds projects to the interest set. Already-subscribed
// projects are ignored; use Resync to refresh one.
func (w *Watcher) Subscribe(projects ...string) {
	w.enqueueControl(control{kind: build.KindSubscribe, projects: projects})
}

// Unsubscribe removes projects from the interest set.
func (w *Watcher) Unsubscribe(projects ...string) {
	w.enqueueControl(control{kind: build.KindUnsubscribe, projects: projects})
}

// Resync requests a fresh snapshot burst and backlog replay for one
// project, regardless of the automatic resync cooldown.
func (w *Watcher) Resync(project string) {
	w.enqueueControl(control{kind: build.KindResyncRequest, projects: []string{project}})
}

// enqueueControl hands a request to the run loop. Requests enqueued
// after Run has returned are discarded.
func (w *Watcher) enqueueControl(c control) {
	select {
	case w.controls <- c:
	case <-w.runDone:
	}
}

// Run connects to the hub and serves the stream until ctx is
// cancelled. Returns nil on cancellation; an error when the hub
// refuses the handshake or a configured attempt budget is exhausted.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.runDone)
	return w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) error {
	backoff := w.opts.InitialBackoff
	attempts := 0

	for {
		conn, decoder, welcome, err := w.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var refusal *build.RefusalError
			if errors.As(err, &refusal) {
				w.logger.Error("hub refused stream",
					"code", refusal.Code,
					"error", refusal.Message,
				)
				return err
			}
			attempts++
			if w.opts.MaxAttempts > 0 && attempts >= w.opts.MaxAttempts {
				return fmt.Errorf("connecting to hub: %w (giving up after %d attempts)", err, attempts)
			}
			w.logger.Warn("hub connection failed, backing off",
				"attempt", attempts,
				"backoff", backoff,
				"error", err,
			)
			if !w.waitBackoff(ctx, backoff) {
				return nil
			}
			backoff = backoff * 2
			if backoff > w.opts.MaxBackoff {
				backoff = w.opts.MaxBackoff
			}
			continue
		}

		attempts = 0
		backoff = w.opts.InitialBackoff
		w.logger.Info("watch stream open",
			"connection", welcome.ConnectionID,
			"heartbeat_seconds", welcome.HeartbeatSeconds,
			"queue_capacity", welcome.QueueCapacity,
			"store_degraded", welcome.StoreDegraded,
		)
		w.notify(ctx, Notification{Kind: NoteConnected, Welcome: &welcome})

		serveErr := w.serve(ctx, conn, decoder, welcome)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.reconnects.Add(1)
		if serveErr != nil && netutil.IsExpectedCloseError(serveErr) {
			serveErr = nil
		}
		if serveErr != nil {
			w.logger.Warn("watch stream lost", "error", serveErr)
		} else {
			w.logger.Info("watch stream closed, reconnecting")
		}
		w.notify(ctx, Notification{Kind: NoteDisconnected, Err: serveErr})
	}
}

// connect opens the stream with the current interest declared in the
// handshake. The returned decoder must be used for all subsequent
// reads: the snapshot burst follows the welcome immediately and may
// already sit in its buffer.
func (w *Watcher) connect(ctx context.Context) (net.Conn, *codec.Decoder, build.Welcome, error) {
	fields := map[string]any{"protocol": build.ProtocolVersion}
	if len(w.projects) > 0 {
		fields["subscribe"] = build.SubscribeData{Projects: w.projects, Events: w.opts.Kinds}
	}
	conn, err := w.opts.Opener.OpenStream(ctx, "watch", fields)
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

// waitBackoff waits out the retry interval, applying queued
// subscription changes to the interest set so the next handshake
// declares them. Returns false when ctx was cancelled.
func (w *Watcher) waitBackoff(ctx context.Context, interval time.Duration) bool {
	wait := w.clock.After(interval)
	for {
		select {
		case c := <-w.controls:
			w.applyControlOffline(c)
		case <-wait:
			return true
		case <-ctx.Done():
			return false
		}
	}
}

// applyControlOffline applies a control request with no connection to
// write to. Subscription changes mutate the interest set for the next
// handshake; resync requests are dropped because reconnecting resyncs
// every tracked project anyway.
func (w *Watcher) applyControlOffline(c control) {
	switch c.kind {
	case build.KindSubscribe:
		w.addProjects(c.projects)
	case build.KindUnsubscribe:
		w.removeProjects(c.projects)
	}
}

// serve processes one established connection until it fails, goes
// silent, or ctx is cancelled (nil return).
func (w *Watcher) serve(ctx context.Context, conn net.Conn, decoder *codec.Decoder, welcome build.Welcome) error {
	interval := time.Duration(welcome.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()

	encoder := codec.NewEncoder(conn)

	// Recover anything missed while disconnected. The handshake
	// subscription already queued fresh snapshots; the resync adds
	// the backlog of events between the old position and now.
	for _, project := range slices.Sorted(maps.Keys(w.lastSeen)) {
		if w.lastSeen[project] == 0 || !slices.Contains(w.projects, project) {
			continue
		}
		if err := w.sendResync(conn, encoder, project); err != nil {
			return err
		}
	}

	connDone := make(chan struct{})
	defer close(connDone)
	inbound := make(chan build.Envelope, inboundBuffer)
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- readFrames(decoder, inbound, connDone)
	}()

	lastHeard := w.clock.Now()
	for {
		select {
		case env := <-inbound:
			lastHeard = w.clock.Now()
			if err := w.processFrame(ctx, conn, encoder, env); err != nil {
				return err
			}

		case c := <-w.controls:
			if err := w.applyControl(conn, encoder, c); err != nil {
				return err
			}

		case <-ticker.C:
			if silence := w.clock.Now().Sub(lastHeard); silence > staleMultiplier*interval {
				return fmt.Errorf("no traffic for %v, connection presumed dead", silence)
			}

		case err := <-readerDone:
			return err

		case <-ctx.Done():
			return nil
		}
	}
}

// readFrames decodes hub frames into inbound until the stream ends or
// the serve loop stops consuming. A peer or local close returns nil.
func readFrames(decoder *codec.Decoder, inbound chan<- build.Envelope, connDone <-chan struct{}) error {
	for {
		var env build.Envelope
		if err := decoder.Decode(&env); err != nil {
			if netutil.IsExpectedCloseError(err) {
				return nil
			}
			return err
		}
		select {
		case inbound <- env:
		case <-connDone:
			return nil
		}
	}
}

// processFrame forwards one hub frame to the consumer and runs the
// side effects: sequence tracking and automatic resync on gaps.
func (w *Watcher) processFrame(ctx context.Context, conn net.Conn, encoder *codec.Encoder, env build.Envelope) error {
	w.framesReceived.Add(1)

	switch env.Kind {
	case build.KindBuildSnapshot:
		var snap build.Snapshot
		if err := codec.Unmarshal(env.Data, &snap); err != nil {
			w.logger.Warn("undecodable snapshot frame", "error", err)
			return nil
		}
		w.noteSeq(snap.Project, snap.Seq)
		w.snapshotsSeen.Add(1)
		w.notify(ctx, Notification{Kind: NoteSnapshot, Snapshot: &snap})

	case build.KindBuildEvent:
		w.noteSeq(env.Project, env.Seq)
		w.eventsSeen.Add(1)
		frame := env
		w.notify(ctx, Notification{Kind: NoteEvent, Frame: &frame})

	case build.KindGapDetected:
		var gap build.GapData
		if err := codec.Unmarshal(env.Data, &gap); err != nil {
			w.logger.Warn("undecodable gap frame", "error", err)
			return nil
		}
		w.gapsSeen.Add(1)
		w.logger.Warn("events dropped upstream",
			"project", gap.Project,
			"dropped", gap.Dropped,
		)
		w.notify(ctx, Notification{Kind: NoteGap, Gap: &gap})
		if w.cooledDown(gap.Project) {
			if err := w.sendResync(conn, encoder, gap.Project); err != nil {
				return err
			}
		}

	case build.KindError:
		var notice build.ErrorData
		if err := codec.Unmarshal(env.Data, &notice); err != nil {
			w.logger.Warn("undecodable error frame", "error", err)
			return nil
		}
		w.noticesSeen.Add(1)
		w.logger.Warn("hub notice", "code", notice.Code, "message", notice.Message)
		w.notify(ctx, Notification{Kind: NoteHubNotice, Notice: &notice})

	case build.KindHeartbeat:
		w.heartbeatsSeen.Add(1)

	default:
		w.logger.Warn("unexpected frame kind", "kind", env.Kind)
	}
	return nil
}

// applyControl applies a queued request on a live connection.
func (w *Watcher) applyControl(conn net.Conn, encoder *codec.Encoder, c control) error {
	switch c.kind {
	case build.KindSubscribe:
		added := w.addProjects(c.projects)
		if len(added) == 0 {
			return nil
		}
		return w.writeSubscription(conn, encoder, build.KindSubscribe, added)

	case build.KindUnsubscribe:
		removed := w.removeProjects(c.projects)
		if len(removed) == 0 {
			return nil
		}
		return w.writeSubscription(conn, encoder, build.KindUnsubscribe, removed)

	case build.KindResyncRequest:
		for _, project := range c.projects {
			if err := w.sendResync(conn, encoder, project); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) writeSubscription(conn net.Conn, encoder *codec.Encoder, kind build.Kind, projects []string) error {
	data, err := codec.Marshal(build.SubscribeData{Projects: projects, Events: w.opts.Kinds})
	if err != nil {
		return err
	}
	return writeFrame(conn, encoder, build.Envelope{
		Kind:      kind,
		Data:      data,
		Timestamp: w.clock.Now().UnixMilli(),
	})
}

// sendResync asks the hub for the current snapshots of a project plus
// the backlog of events past the watcher's position.
func (w *Watcher) sendResync(conn net.Conn, encoder *codec.Encoder, project string) error {
	lastSeen := w.lastSeen[project]
	data, err := codec.Marshal(build.ResyncData{Project: project, LastSeenSeq: lastSeen})
	if err != nil {
		return err
	}
	env := build.Envelope{
		Kind:      build.KindResyncRequest,
		Project:   project,
		Data:      data,
		Timestamp: w.clock.Now().UnixMilli(),
	}
	if err := writeFrame(conn, encoder, env); err != nil {
		return err
	}
	w.lastResync[project] = w.clock.Now()
	w.resyncsSent.Add(1)
	w.logger.Info("resync requested",
		"project", project,
		"last_seen_seq", lastSeen,
	)
	return nil
}

// cooledDown reports whether an automatic resync for the project is
// outside the cooldown window.
func (w *Watcher) cooledDown(project string) bool {
	last, ok := w.lastResync[project]
	if !ok {
		return true
	}
	if w.clock.Now().Sub(last) >= resyncCooldown {
		return true
	}
	w.logger.Debug("gap within resync cooldown, not re-requesting",
		"project", project,
	)
	return false
}

// noteSeq advances the highest-seen sequence for a project.
func (w *Watcher) noteSeq(project string, seq uint64) {
	if project == "" {
		return
	}
	if seq > w.lastSeen[project] {
		w.lastSeen[project] = seq
	}
}

// addProjects extends the interest set, returning the projects that
// were actually new.
func (w *Watcher) addProjects(projects []string) []string {
	var added []string
	for _, project := range projects {
		if project == "" || slices.Contains(w.projects, project) {
			continue
		}
		w.projects = append(w.projects, project)
		added = append(added, project)
	}
	return added
}

// removeProjects shrinks the interest set, returning the projects
// that were actually present. Sequence tracking for a removed project
// is dropped so a later resubscription starts fresh.
func (w *Watcher) removeProjects(projects []string) []string {
	var removed []string
	for _, project := range projects {
		index := slices.Index(w.projects, project)
		if index < 0 {
			continue
		}
		w.projects = slices.Delete(w.projects, index, index+1)
		removed = append(removed, project)
		delete(w.lastSeen, project)
		delete(w.lastResync, project)
	}
	return removed
}

// notify delivers to the consumer. Delivery blocks: a consumer that
// stops reading stalls frame processing, which lets the hub's queue
// and gap machinery handle the overload.
func (w *Watcher) notify(ctx context.Context, n Notification) {
	select {
	case w.notifications <- n:
	case <-ctx.Done():
	}
}

func writeFrame(conn net.Conn, encoder *codec.Encoder, env build.Envelope) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return encoder.Encode(env)
}
