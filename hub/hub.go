// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiln-build/kiln/history"
	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/schema/build"
	"github.com/kiln-build/kiln/lib/service"
)

// Defaults for Options fields left zero. These mirror the config
// package defaults so an Options built by hand behaves like a
// default config file.
const (
	defaultQueueCapacity      = 256
	defaultViolationThreshold = 8
	defaultIdleTimeout        = 90 * time.Second
	defaultAgentGrace         = 2 * time.Minute
	defaultHeartbeatInterval  = 30 * time.Second
	defaultRetentionGrace     = 5 * time.Minute
	defaultMaxBacklog         = 1024
)

// Options configures a Hub. Store and Logger are required; zero
// numeric and duration fields take the package defaults; a nil
// Projects registry accepts every project; a nil Clock is the real
// one.
type Options struct {
	// QueueCapacity is the per-connection outbound queue size.
	QueueCapacity int

	// ViolationThreshold is the number of protocol or authorization
	// errors after which a connection is closed.
	ViolationThreshold int

	// IdleTimeout closes connections with no activity: no inbound
	// frames from an agent, no deliverable writes to a subscriber.
	IdleTimeout time.Duration

	// AgentGrace is how far beyond the idle window a build's agent
	// may go quiet before the build is failed with "agent timeout".
	AgentGrace time.Duration

	// HeartbeatInterval is how often agents must send and
	// subscribers receive heartbeat frames.
	HeartbeatInterval time.Duration

	// RetentionGrace is how long finished builds stay in the live
	// table before eviction. History retains them afterward.
	RetentionGrace time.Duration

	// MaxBacklog caps the events replayed for one resync; larger
	// gaps degrade to a fresh view.
	MaxBacklog int

	// CompactAfter and CompactInterval drive background history
	// compaction when the store supports it. A zero interval
	// disables the loop.
	CompactAfter    time.Duration
	CompactInterval time.Duration

	// Store is the durable event history backend.
	Store history.Store

	// Projects is the project registry. Nil means open: every
	// project accepted with hub defaults.
	Projects *ProjectRegistry

	Clock  clock.Clock
	Logger *slog.Logger
}

// Hub owns the registry, state table, subscription index, router,
// and history appender, and exposes the hub's socket actions.
type Hub struct {
	opts     Options
	registry *Registry
	table    *StateTable
	index    *SubscriptionIndex
	appender *history.Appender
	router   *Router
	clock    clock.Clock
	logger   *slog.Logger

	startedAt time.Time

	connectionsOpened atomic.Uint64
	gapsSignalled     atomic.Uint64
}

// New wires a Hub from options.
func New(opts Options) (*Hub, error) {
	if opts.Store == nil {
		return nil, errors.New("hub: Options.Store is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("hub: Options.Logger is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.ViolationThreshold <= 0 {
		opts.ViolationThreshold = defaultViolationThreshold
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.AgentGrace <= 0 {
		opts.AgentGrace = defaultAgentGrace
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.RetentionGrace <= 0 {
		opts.RetentionGrace = defaultRetentionGrace
	}
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = defaultMaxBacklog
	}
	if opts.Projects == nil {
		registry, err := NewProjectRegistry(true)
		if err != nil {
			return nil, err
		}
		opts.Projects = registry
	}

	h := &Hub{
		opts:      opts,
		registry:  NewRegistry(),
		table:     NewStateTable(),
		index:     NewSubscriptionIndex(),
		appender:  history.NewAppender(opts.Store, opts.Clock, opts.Logger, 0),
		clock:     opts.Clock,
		logger:    opts.Logger,
		startedAt: opts.Clock.Now(),
	}
	h.router = &Router{
		table:              h.table,
		index:              h.index,
		registry:           h.registry,
		projects:           opts.Projects,
		appender:           h.appender,
		store:              opts.Store,
		clock:              opts.Clock,
		logger:             opts.Logger,
		violationThreshold: opts.ViolationThreshold,
		maxBacklog:         opts.MaxBacklog,
	}
	return h, nil
}

// RegisterActions installs the hub's socket actions: the emit and
// watch streams, the unauthenticated status endpoint, and the
// authenticated builds listing.
func (h *Hub) RegisterActions(server *service.SocketServer) {
	server.Handle("status", h.handleStatus)
	server.HandleAuth("builds", h.handleBuilds)
	server.HandleAuthStream("emit", h.handleEmit)
	server.HandleAuthStream("watch", h.handleWatch)
}

// Run drives the hub's background loops: the history appender, the
// liveness sweeper, and optional compaction. Blocks until ctx is
// cancelled and the loops have stopped.
func (h *Hub) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		h.appender.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		h.runSweeper(ctx)
	}()

	if compactor, ok := h.opts.Store.(history.Compactor); ok && h.opts.CompactInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runCompactor(ctx, compactor)
		}()
	}

	wg.Wait()
}

// runCompactor bundles closed builds' history on a timer.
func (h *Hub) runCompactor(ctx context.Context, compactor history.Compactor) {
	ticker := h.clock.NewTicker(h.opts.CompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := h.clock.Now().Add(-h.opts.CompactAfter)
		stats, err := compactor.Compact(ctx, cutoff)
		if err != nil {
			h.logger.Warn("history compaction failed", "error", err)
			continue
		}
		if stats.BuildsCompacted > 0 {
			h.logger.Info("history compacted",
				"builds", stats.BuildsCompacted,
				"events", stats.EventsBundled,
				"bytes_in", stats.BytesIn,
				"bytes_out", stats.BytesOut,
			)
		}
	}
}

// statusResponse is the CBOR payload of the unauthenticated "status"
// action: aggregate operational counters only, no project or build
// identifiers.
type statusResponse struct {
	UptimeSeconds     float64 `cbor:"uptime_seconds"`
	Connections       int     `cbor:"connections"`
	ConnectionsOpened uint64  `cbor:"connections_opened"`
	LiveBuilds        int     `cbor:"live_builds"`
	Subscriptions     int     `cbor:"subscriptions"`
	EventsRouted      uint64  `cbor:"events_routed"`
	FanoutSends       uint64  `cbor:"fanout_sends"`
	EnvelopesDropped  uint64  `cbor:"envelopes_dropped"`
	GapsSignalled     uint64  `cbor:"gaps_signalled"`
	ProtocolErrors    uint64  `cbor:"protocol_errors"`
	Forbidden         uint64  `cbor:"forbidden"`
	UnknownBuilds     uint64  `cbor:"unknown_builds"`
	Resyncs           uint64  `cbor:"resyncs"`
	FreshViews        uint64  `cbor:"fresh_views"`
	BacklogReplayed   uint64  `cbor:"backlog_replayed"`
	StoreHealthy      bool    `cbor:"store_healthy"`
	StoreAppended     uint64  `cbor:"store_appended"`
	StoreDropped      uint64  `cbor:"store_dropped"`
	StoreQueue        int     `cbor:"store_queue"`
	ProjectsDeclared  int     `cbor:"projects_declared"`
	ProjectsOpen      bool    `cbor:"projects_open"`
}

func (h *Hub) handleStatus(ctx context.Context, raw []byte) (any, error) {
	return statusResponse{
		UptimeSeconds:     h.clock.Now().Sub(h.startedAt).Seconds(),
		Connections:       h.registry.Len(),
		ConnectionsOpened: h.connectionsOpened.Load(),
		LiveBuilds:        h.table.Len(),
		Subscriptions:     h.index.Len(),
		EventsRouted:      h.router.eventsRouted.Load(),
		FanoutSends:       h.router.fanoutSends.Load(),
		EnvelopesDropped:  h.registry.Dropped(),
		GapsSignalled:     h.gapsSignalled.Load(),
		ProtocolErrors:    h.router.protocolErrors.Load(),
		Forbidden:         h.router.forbidden.Load(),
		UnknownBuilds:     h.router.unknownBuilds.Load(),
		Resyncs:           h.router.resyncs.Load(),
		FreshViews:        h.router.freshViews.Load(),
		BacklogReplayed:   h.router.backlogReplayed.Load(),
		StoreHealthy:      !h.appender.Unavailable(),
		StoreAppended:     h.appender.Appended(),
		StoreDropped:      h.appender.Dropped(),
		StoreQueue:        h.appender.QueueLen(),
		ProjectsDeclared:  h.opts.Projects.Declared(),
		ProjectsOpen:      h.opts.Projects.Open(),
	}, nil
}

// buildsRequest is the CBOR request of the "builds" action.
type buildsRequest struct {
	// Project filters the listing. Empty lists every project the
	// token grants.
	Project string `cbor:"project,omitempty"`
}

// buildsResponse is the CBOR response of the "builds" action.
type buildsResponse struct {
	Builds []build.Snapshot `cbor:"builds"`
}

func (h *Hub) handleBuilds(ctx context.Context, token *hubtoken.Token, raw []byte) (any, error) {
	if !token.Role.CanWatch() {
		return nil, fmt.Errorf("role %q cannot list builds", token.Role)
	}

	var req buildsRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.Project != "" && !token.ProjectAllowed(req.Project) {
		return nil, fmt.Errorf("token does not grant project %q", req.Project)
	}

	snaps := h.table.Snapshots(req.Project)
	if req.Project == "" {
		granted := snaps[:0]
		for _, snap := range snaps {
			if token.ProjectAllowed(snap.Project) {
				granted = append(granted, snap)
			}
		}
		snaps = granted
	}
	return buildsResponse{Builds: snaps}, nil
}
