// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration_test exercises the full stack over a real Unix
// socket: a served hub, the agent and watch client libraries, and the
// history store, with real signed tokens. Everything runs in-process;
// the only external resource is a socket file in /tmp.
package integration_test

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiln-build/kiln/agent"
	"github.com/kiln-build/kiln/history"
	"github.com/kiln-build/kiln/hub"
	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/schema/build"
	"github.com/kiln-build/kiln/lib/service"
	"github.com/kiln-build/kiln/lib/testutil"
	"github.com/kiln-build/kiln/watch"
)

// waitTimeout bounds every blocking wait in the suite. Generous for
// loaded CI machines; the flows themselves complete in milliseconds.
const waitTimeout = 10 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testHub is a hub served on a fresh Unix socket with an in-memory
// store. The private key mints tokens the server accepts.
type testHub struct {
	socketPath string
	private    ed25519.PrivateKey
	store      *history.MemoryStore
}

// startHub builds and serves a hub. configure mutates the options
// before hub.New; the store and logger are pre-filled. Teardown
// cancels the serve context and waits for both loops to stop.
func startHub(t *testing.T, configure func(*hub.Options)) *testHub {
	t.Helper()

	public, private, err := hubtoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating hub keypair: %v", err)
	}

	store := history.NewMemoryStore()
	opts := hub.Options{
		Store:  store,
		Logger: testLogger(),
	}
	if configure != nil {
		configure(&opts)
	}
	h, err := hub.New(opts)
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}

	socketPath := filepath.Join(testutil.SocketDir(t), "hub.sock")
	server := service.NewSocketServer(socketPath, testLogger(), &service.AuthConfig{
		PublicKey: public,
		Audience:  hubtoken.HubAudience,
	})
	h.RegisterActions(server)

	ctx, cancel := context.WithCancel(context.Background())
	var serveErr error
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		serveErr = server.Serve(ctx)
	}()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		h.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, serveDone, waitTimeout, "socket server shutdown")
		testutil.RequireClosed(t, runDone, waitTimeout, "hub loop shutdown")
		if serveErr != nil {
			t.Errorf("hub serve: %v", serveErr)
		}
	})

	waitForSocket(t, socketPath)
	return &testHub{
		socketPath: socketPath,
		private:    private,
		store:      store,
	}
}

// waitForSocket polls until the hub's listener has bound its socket.
// Serve runs in a goroutine, so a client dialing immediately could
// beat the listen call.
func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub socket %s did not appear", path)
}

// mint signs a one-hour token against the hub's keypair.
func (th *testHub) mint(t *testing.T, subject string, role hubtoken.Role, projects ...string) []byte {
	t.Helper()
	now := time.Now()
	tokenBytes, err := hubtoken.Mint(th.private, &hubtoken.Token{
		Subject:   subject,
		Role:      role,
		Projects:  projects,
		Audience:  hubtoken.HubAudience,
		ID:        testutil.UniqueID("tok"),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("minting %s token for %s: %v", role, subject, err)
	}
	return tokenBytes
}

// client returns an authenticated request-response client.
func (th *testHub) client(t *testing.T, subject string, role hubtoken.Role, projects ...string) *service.ServiceClient {
	t.Helper()
	return service.NewServiceClientFromToken(th.socketPath, th.mint(t, subject, role, projects...))
}

// statusClient returns an unauthenticated client; only the status
// action accepts one.
func (th *testHub) statusClient() *service.ServiceClient {
	return service.NewServiceClientFromToken(th.socketPath, nil)
}

// drainEmitter flushes everything the emitter has queued and waits
// for its run loop to exit.
func drainEmitter(t *testing.T, e *agent.Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("draining emitter: %v", err)
	}
}

// startEmitter runs an agent emitter for one build and tears it down
// with the test. The returned emitter is connected or connecting;
// enqueue events immediately and Drain to flush.
func startEmitter(t *testing.T, th *testHub, token []byte, project string, onNotice func(build.ErrorData)) *agent.Emitter {
	t.Helper()

	e, err := agent.New(agent.Options{
		Opener:   service.NewServiceClientFromToken(th.socketPath, token),
		Project:  project,
		OnNotice: onNotice,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, waitTimeout, "emitter shutdown")
	})
	return e
}

// startWatcher runs a watcher subscribed to the given projects and
// tears it down with the test.
func startWatcher(t *testing.T, th *testHub, token []byte, projects ...string) *watch.Watcher {
	t.Helper()

	w, err := watch.New(watch.Options{
		Opener:   service.NewServiceClientFromToken(th.socketPath, token),
		Projects: projects,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("watch.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, waitTimeout, "watcher shutdown")
	})
	return w
}

// requireNote reads the next notification and asserts its kind.
func requireNote(t *testing.T, w *watch.Watcher, kind watch.NotificationKind) watch.Notification {
	t.Helper()
	note := testutil.RequireReceive(t, w.Notifications(), waitTimeout, "waiting for %s notification", kind)
	if note.Kind != kind {
		t.Fatalf("notification = %s, want %s", note.Kind, kind)
	}
	return note
}

// requireEvent reads the next notification and asserts it is a
// BUILD_EVENT frame of the given lifecycle kind.
func requireEvent(t *testing.T, w *watch.Watcher, kind build.Kind) *build.Envelope {
	t.Helper()
	note := requireNote(t, w, watch.NoteEvent)
	if note.Frame.Event != kind {
		t.Fatalf("event kind = %s, want %s", note.Frame.Event, kind)
	}
	return note.Frame
}

// pollUntil retries condition until it holds or the timeout expires.
// For state that settles asynchronously: the emitter's Drain means
// written to the socket, not yet routed, and history appends trail
// routing by a queue.
func pollUntil(t *testing.T, describe string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", waitTimeout, describe)
}

// hubStatus mirrors the fields of the status response the suite
// asserts on.
type hubStatus struct {
	UptimeSeconds float64 `cbor:"uptime_seconds"`
	Connections   int     `cbor:"connections"`
	LiveBuilds    int     `cbor:"live_builds"`
	EventsRouted  uint64  `cbor:"events_routed"`
	FanoutSends   uint64  `cbor:"fanout_sends"`
	StoreHealthy  bool    `cbor:"store_healthy"`
	ProjectsOpen  bool    `cbor:"projects_open"`
}

// buildsReply mirrors the builds action response.
type buildsReply struct {
	Builds []build.Snapshot `cbor:"builds"`
}
