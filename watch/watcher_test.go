// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/schema/build"
	"github.com/kiln-build/kiln/lib/testutil"
)

var testClockEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// hubSession is the hub's end of a scripted stream: the server half
// of the pipe with a decoder that has already consumed the transport
// handshake.
type hubSession struct {
	conn    net.Conn
	decoder *codec.Decoder
	encoder *codec.Encoder
}

// scriptedOpener hands out one scripted in-memory stream per dial, in
// order. A dial with no script left fails, which is how tests model
// an unreachable hub.
type scriptedOpener struct {
	mu         sync.Mutex
	scripts    []func(*hubSession)
	dials      int
	handshakes chan codec.RawMessage
}

func newScriptedOpener() *scriptedOpener {
	return &scriptedOpener{handshakes: make(chan codec.RawMessage, 8)}
}

func (o *scriptedOpener) enqueue(script func(*hubSession)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scripts = append(o.scripts, script)
}

func (o *scriptedOpener) dialCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dials
}

func (o *scriptedOpener) OpenStream(ctx context.Context, action string, fields map[string]any) (net.Conn, error) {
	o.mu.Lock()
	o.dials++
	if len(o.scripts) == 0 {
		o.mu.Unlock()
		return nil, errors.New("hub unavailable")
	}
	script := o.scripts[0]
	o.scripts = o.scripts[1:]
	o.mu.Unlock()

	client, server := net.Pipe()
	go func() {
		defer server.Close()
		decoder := codec.NewDecoder(server)
		var handshake codec.RawMessage
		if err := decoder.Decode(&handshake); err != nil {
			return
		}
		o.handshakes <- handshake
		script(&hubSession{conn: server, decoder: decoder, encoder: codec.NewEncoder(server)})
	}()

	// Mirror the service client: the request map is on the wire
	// before the stream is handed to the caller.
	request := map[string]any{"action": action}
	for key, value := range fields {
		request[key] = value
	}
	if err := codec.NewEncoder(client).Encode(request); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func okWelcome() build.Welcome {
	return build.Welcome{
		OK:               true,
		ConnectionID:     "conn-1",
		HeartbeatSeconds: 30,
		QueueCapacity:    256,
		Protocol:         build.ProtocolVersion,
	}
}

// relayRequests forwards every frame the watcher writes until the
// stream closes.
func relayRequests(s *hubSession, requests chan<- build.Envelope) {
	for {
		var env build.Envelope
		if s.decoder.Decode(&env) != nil {
			return
		}
		requests <- env
	}
}

// welcomeThenPush accepts the handshake, pushes the given hub frames,
// and then relays anything the watcher writes.
func welcomeThenPush(w build.Welcome, push []build.Envelope, requests chan<- build.Envelope) func(*hubSession) {
	return func(s *hubSession) {
		if s.encoder.Encode(w) != nil {
			return
		}
		for _, env := range push {
			if s.encoder.Encode(env) != nil {
				return
			}
		}
		relayRequests(s, requests)
	}
}

// refuse rejects the handshake the way the hub does for a bad token.
func refuse(code build.ErrorCode, message string) func(*hubSession) {
	return func(s *hubSession) {
		s.encoder.Encode(build.Welcome{OK: false, Code: code, Error: message})
	}
}

func snapshotFrame(t *testing.T, snap build.Snapshot) build.Envelope {
	t.Helper()
	env, err := snap.Envelope()
	if err != nil {
		t.Fatalf("rendering snapshot frame: %v", err)
	}
	return env
}

func updateEvent(t *testing.T, project, buildID string, seq uint64, progress float64) build.Envelope {
	t.Helper()
	data, err := codec.Marshal(build.UpdateData{Progress: progress})
	if err != nil {
		t.Fatalf("marshal update payload: %v", err)
	}
	ev := build.Event{
		Kind:    build.KindBuildUpdate,
		BuildID: buildID,
		Project: project,
		Seq:     seq,
		HubTime: testClockEpoch.UnixMilli(),
		Data:    data,
	}
	return ev.Envelope()
}

func gapFrame(t *testing.T, project string, dropped uint64) build.Envelope {
	t.Helper()
	data, err := codec.Marshal(build.GapData{Project: project, Dropped: dropped})
	if err != nil {
		t.Fatalf("marshal gap payload: %v", err)
	}
	return build.Envelope{Kind: build.KindGapDetected, Project: project, Data: data}
}

func noticeFrame(t *testing.T, code build.ErrorCode, message string) build.Envelope {
	t.Helper()
	data, err := codec.Marshal(build.ErrorData{Code: code, Message: message})
	if err != nil {
		t.Fatalf("marshal notice payload: %v", err)
	}
	return build.Envelope{Kind: build.KindError, Data: data}
}

func newTestWatcher(t *testing.T, opener *scriptedOpener, clk clock.Clock, configure func(*Options)) *Watcher {
	t.Helper()
	opts := Options{
		Opener:   opener,
		Projects: []string{"llvm"},
		Clock:    clk,
		Logger:   testLogger(),
	}
	if configure != nil {
		configure(&opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func startRun(t *testing.T, w *Watcher) chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()
	return runErr
}

// nextNote receives the next notification and checks its kind.
func nextNote(t *testing.T, w *Watcher, kind NotificationKind, what string) Notification {
	t.Helper()
	n := testutil.RequireReceive(t, w.Notifications(), 5*time.Second, what)
	if n.Kind != kind {
		t.Fatalf("%s: notification kind = %v, want %v", what, n.Kind, kind)
	}
	return n
}

func mustResync(t *testing.T, env build.Envelope) build.ResyncData {
	t.Helper()
	if env.Kind != build.KindResyncRequest {
		t.Fatalf("frame kind = %v, want %v", env.Kind, build.KindResyncRequest)
	}
	data, err := env.DecodeResync()
	if err != nil {
		t.Fatalf("decoding resync payload: %v", err)
	}
	return data
}

// waitFor polls cond until it holds or the deadline expires, for
// effects that cross goroutines without a channel to receive on.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherHandshakeSubscribesAndForwardsBurst(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)
	running := build.Snapshot{
		BuildID:   "build-1",
		Project:   "llvm",
		Status:    build.StatusRunning,
		Progress:  0.5,
		Seq:       4,
		StartedAt: testClockEpoch.UnixMilli(),
	}
	finished := build.Snapshot{
		BuildID:  "build-2",
		Project:  "llvm",
		Status:   build.StatusCompleted,
		Progress: 1,
		Seq:      9,
	}
	burst := []build.Envelope{
		snapshotFrame(t, running),
		snapshotFrame(t, finished),
		updateEvent(t, "llvm", "build-1", 5, 0.75),
	}
	opener.enqueue(welcomeThenPush(okWelcome(), burst, requests))

	kinds := []build.Kind{build.KindBuildStart, build.KindBuildComplete}
	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, func(o *Options) {
		o.Kinds = kinds
	})
	startRun(t, w)

	connected := nextNote(t, w, NoteConnected, "welcome")
	if connected.Welcome.ConnectionID != "conn-1" || connected.Welcome.HeartbeatSeconds != 30 {
		t.Errorf("welcome = %+v", connected.Welcome)
	}

	handshake := testutil.RequireReceive(t, opener.handshakes, time.Second, "handshake")
	var request struct {
		Action    string              `cbor:"action"`
		Protocol  int                 `cbor:"protocol"`
		Subscribe build.SubscribeData `cbor:"subscribe"`
	}
	if err := codec.Unmarshal(handshake, &request); err != nil {
		t.Fatalf("decoding handshake: %v", err)
	}
	if request.Action != "watch" {
		t.Errorf("handshake action = %q, want watch", request.Action)
	}
	if request.Protocol != build.ProtocolVersion {
		t.Errorf("handshake protocol = %d, want %d", request.Protocol, build.ProtocolVersion)
	}
	if !slices.Equal(request.Subscribe.Projects, []string{"llvm"}) {
		t.Errorf("handshake projects = %v, want [llvm]", request.Subscribe.Projects)
	}
	if !slices.Equal(request.Subscribe.Events, kinds) {
		t.Errorf("handshake event kinds = %v, want %v", request.Subscribe.Events, kinds)
	}

	first := nextNote(t, w, NoteSnapshot, "first snapshot")
	if first.Snapshot.BuildID != "build-1" || first.Snapshot.Seq != 4 || first.Snapshot.Progress != 0.5 {
		t.Errorf("first snapshot = %+v", first.Snapshot)
	}
	second := nextNote(t, w, NoteSnapshot, "second snapshot")
	if second.Snapshot.BuildID != "build-2" || second.Snapshot.Status != build.StatusCompleted {
		t.Errorf("second snapshot = %+v", second.Snapshot)
	}
	event := nextNote(t, w, NoteEvent, "live event")
	if event.Frame.Event != build.KindBuildUpdate || event.Frame.Seq != 5 {
		t.Errorf("live event frame = %+v", event.Frame)
	}

	if stats := w.Stats(); stats.FramesReceived != 3 || stats.Snapshots != 2 || stats.Events != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWatcherGapTriggersResync(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)
	push := []build.Envelope{
		updateEvent(t, "llvm", "build-1", 7, 0.4),
		gapFrame(t, "llvm", 12),
	}
	opener.enqueue(welcomeThenPush(okWelcome(), push, requests))

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, nil)
	startRun(t, w)

	nextNote(t, w, NoteConnected, "welcome")
	nextNote(t, w, NoteEvent, "event before gap")
	gap := nextNote(t, w, NoteGap, "gap notice")
	if gap.Gap.Project != "llvm" || gap.Gap.Dropped != 12 {
		t.Errorf("gap = %+v", gap.Gap)
	}

	resync := testutil.RequireReceive(t, requests, time.Second, "resync request")
	if data := mustResync(t, resync); data.Project != "llvm" || data.LastSeenSeq != 7 {
		t.Errorf("resync = %+v, want llvm at seq 7", data)
	}
	waitFor(t, "resync counter", func() bool { return w.Stats().ResyncsSent == 1 })
	if got := w.Stats().Gaps; got != 1 {
		t.Errorf("gaps = %d, want 1", got)
	}
}

func TestWatcherGapResyncCooldown(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)
	release := make(chan struct{})
	first := updateEvent(t, "llvm", "build-1", 3, 0.2)
	marker := updateEvent(t, "llvm", "build-1", 9, 0.6)
	gap := gapFrame(t, "llvm", 4)
	opener.enqueue(func(s *hubSession) {
		if s.encoder.Encode(okWelcome()) != nil {
			return
		}
		if s.encoder.Encode(first) != nil {
			return
		}
		if s.encoder.Encode(gap) != nil {
			return
		}
		var env build.Envelope
		if s.decoder.Decode(&env) != nil {
			return
		}
		requests <- env
		if s.encoder.Encode(gap) != nil {
			return
		}
		if s.encoder.Encode(marker) != nil {
			return
		}
		<-release
		if s.encoder.Encode(gap) != nil {
			return
		}
		relayRequests(s, requests)
	})

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, nil)
	startRun(t, w)

	nextNote(t, w, NoteConnected, "welcome")
	nextNote(t, w, NoteEvent, "first event")
	nextNote(t, w, NoteGap, "first gap")
	resync := testutil.RequireReceive(t, requests, time.Second, "first resync")
	if data := mustResync(t, resync); data.LastSeenSeq != 3 {
		t.Errorf("first resync = %+v, want seq 3", data)
	}

	// The second gap lands inside the cooldown window. Once the marker
	// event is through the pipeline, the gap's handling is complete and
	// exactly one resync has been sent.
	nextNote(t, w, NoteGap, "second gap")
	nextNote(t, w, NoteEvent, "marker event")
	if got := w.Stats().ResyncsSent; got != 1 {
		t.Fatalf("resyncs within cooldown = %d, want 1", got)
	}

	clk.Advance(resyncCooldown)
	close(release)
	nextNote(t, w, NoteGap, "gap after cooldown")
	second := testutil.RequireReceive(t, requests, time.Second, "resync after cooldown")
	if data := mustResync(t, second); data.LastSeenSeq != 9 {
		t.Errorf("resync after cooldown = %+v, want seq 9", data)
	}
}

func TestWatcherManualControls(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)
	opener.enqueue(welcomeThenPush(okWelcome(), nil, requests))

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, nil)
	startRun(t, w)
	nextNote(t, w, NoteConnected, "welcome")

	// Only the genuinely new project goes on the wire.
	w.Subscribe("mlir", "llvm")
	sub := testutil.RequireReceive(t, requests, time.Second, "subscribe frame")
	if sub.Kind != build.KindSubscribe {
		t.Fatalf("frame kind = %v, want %v", sub.Kind, build.KindSubscribe)
	}
	data, err := sub.DecodeSubscribe()
	if err != nil {
		t.Fatalf("decoding subscribe payload: %v", err)
	}
	if !slices.Equal(data.Projects, []string{"mlir"}) {
		t.Errorf("subscribe projects = %v, want [mlir]", data.Projects)
	}

	w.Resync("llvm")
	first := testutil.RequireReceive(t, requests, time.Second, "manual resync")
	if data := mustResync(t, first); data.Project != "llvm" || data.LastSeenSeq != 0 {
		t.Errorf("manual resync = %+v", data)
	}

	w.Unsubscribe("mlir")
	unsub := testutil.RequireReceive(t, requests, time.Second, "unsubscribe frame")
	if unsub.Kind != build.KindUnsubscribe {
		t.Fatalf("frame kind = %v, want %v", unsub.Kind, build.KindUnsubscribe)
	}

	// A repeated unsubscribe writes nothing; a manual resync is not
	// subject to the cooldown. The next frame proves both.
	w.Unsubscribe("mlir")
	w.Resync("llvm")
	next := testutil.RequireReceive(t, requests, time.Second, "frame after no-op unsubscribe")
	if data := mustResync(t, next); data.Project != "llvm" {
		t.Errorf("frame after no-op unsubscribe = %+v", data)
	}
}

func TestWatcherReconnectResyncsTrackedProjects(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)
	event := updateEvent(t, "llvm", "build-1", 5, 0.4)
	opener.enqueue(func(s *hubSession) {
		if s.encoder.Encode(okWelcome()) != nil {
			return
		}
		s.encoder.Encode(event)
	})
	opener.enqueue(welcomeThenPush(okWelcome(), nil, requests))

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, nil)
	startRun(t, w)

	nextNote(t, w, NoteConnected, "welcome")
	nextNote(t, w, NoteEvent, "event before drop")
	dropped := nextNote(t, w, NoteDisconnected, "disconnect")
	if dropped.Err != nil {
		t.Errorf("disconnect error = %v, want nil for a clean close", dropped.Err)
	}
	if got := w.Stats().Reconnects; got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}

	nextNote(t, w, NoteConnected, "welcome after reconnect")
	resync := testutil.RequireReceive(t, requests, time.Second, "resync after reconnect")
	if data := mustResync(t, resync); data.Project != "llvm" || data.LastSeenSeq != 5 {
		t.Errorf("resync after reconnect = %+v, want llvm at seq 5", data)
	}
	if got := opener.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestWatcherRefusalIsPermanent(t *testing.T) {
	opener := newScriptedOpener()
	opener.enqueue(refuse(build.CodeForbidden, "project not granted"))

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, nil)
	runErr := startRun(t, w)

	err := testutil.RequireReceive(t, runErr, 5*time.Second, "Run return")
	if err == nil {
		t.Fatal("Run returned nil for a refused handshake")
	}
	var refusal *build.RefusalError
	if !errors.As(err, &refusal) {
		t.Fatalf("Run error = %v, want RefusalError", err)
	}
	if refusal.Code != build.CodeForbidden {
		t.Errorf("refusal code = %s, want %s", refusal.Code, build.CodeForbidden)
	}
	if got := opener.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1 (no retry on refusal)", got)
	}
	select {
	case n := <-w.Notifications():
		t.Errorf("unexpected %v notification after refusal", n.Kind)
	default:
	}
}

func TestWatcherRetriesThenGivesUp(t *testing.T) {
	opener := newScriptedOpener()

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, func(o *Options) {
		o.MaxAttempts = 3
	})
	runErr := startRun(t, w)

	// Two backoffs separate the three attempts: 1s, then 2s.
	clk.WaitForTimers(1)
	clk.Advance(1 * time.Second)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	err := testutil.RequireReceive(t, runErr, 5*time.Second, "Run return")
	if err == nil {
		t.Fatal("Run returned nil with the hub unreachable")
	}
	if !strings.Contains(err.Error(), "giving up after 3 attempts") {
		t.Errorf("Run error = %v", err)
	}
	if got := opener.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
}

func TestWatcherOutlivesHubOutage(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, nil)
	startRun(t, w)

	waitFor(t, "first failed dial", func() bool { return opener.dialCount() == 1 })
	clk.WaitForTimers(1)
	clk.Advance(1 * time.Second)
	waitFor(t, "second failed dial", func() bool { return opener.dialCount() == 2 })
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)
	waitFor(t, "third failed dial", func() bool { return opener.dialCount() == 3 })

	// A subscription made during the outage lands in the next
	// handshake rather than on a dead connection.
	w.Subscribe("mlir")
	waitFor(t, "offline control applied", func() bool { return len(w.controls) == 0 })

	opener.enqueue(welcomeThenPush(okWelcome(), nil, requests))
	clk.WaitForTimers(1)
	clk.Advance(4 * time.Second)

	nextNote(t, w, NoteConnected, "welcome after outage")
	handshake := testutil.RequireReceive(t, opener.handshakes, time.Second, "handshake")
	var request struct {
		Subscribe build.SubscribeData `cbor:"subscribe"`
	}
	if err := codec.Unmarshal(handshake, &request); err != nil {
		t.Fatalf("decoding handshake: %v", err)
	}
	if !slices.Equal(request.Subscribe.Projects, []string{"llvm", "mlir"}) {
		t.Errorf("handshake projects = %v, want [llvm mlir]", request.Subscribe.Projects)
	}
	if got := opener.dialCount(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
}

func TestWatcherStaleConnectionReconnects(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)
	opener.enqueue(welcomeThenPush(okWelcome(), nil, requests))
	opener.enqueue(welcomeThenPush(okWelcome(), nil, requests))

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, nil)
	startRun(t, w)

	nextNote(t, w, NoteConnected, "welcome")

	// Three silent heartbeat intervals and change. The next tick finds
	// the connection stale.
	clk.WaitForTimers(1)
	clk.Advance(91 * time.Second)

	stale := nextNote(t, w, NoteDisconnected, "stale disconnect")
	if stale.Err == nil || !strings.Contains(stale.Err.Error(), "presumed dead") {
		t.Errorf("disconnect error = %v, want staleness", stale.Err)
	}

	nextNote(t, w, NoteConnected, "welcome after reconnect")
	if got := opener.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	if got := w.Stats().Reconnects; got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
}

func TestWatcherHeartbeatKeepsConnectionAlive(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)
	release := make(chan struct{})
	resume := make(chan struct{})
	second := updateEvent(t, "llvm", "build-1", 2, 0.3)
	third := updateEvent(t, "llvm", "build-1", 3, 0.5)
	opener.enqueue(func(s *hubSession) {
		if s.encoder.Encode(okWelcome()) != nil {
			return
		}
		<-release
		if s.encoder.Encode(build.Envelope{Kind: build.KindHeartbeat}) != nil {
			return
		}
		if s.encoder.Encode(second) != nil {
			return
		}
		<-resume
		if s.encoder.Encode(third) != nil {
			return
		}
		relayRequests(s, requests)
	})

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, nil)
	startRun(t, w)
	nextNote(t, w, NoteConnected, "welcome")

	// Two silent intervals, still under the staleness threshold. The
	// heartbeat then resets the silence measurement, so two more
	// intervals do not kill the connection either.
	clk.WaitForTimers(1)
	clk.Advance(60 * time.Second)
	close(release)
	nextNote(t, w, NoteEvent, "event after heartbeat")
	clk.Advance(60 * time.Second)
	close(resume)
	nextNote(t, w, NoteEvent, "event after more silence")

	if stats := w.Stats(); stats.Heartbeats != 1 || stats.Reconnects != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWatcherForwardsHubNotice(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)
	notice := noticeFrame(t, build.CodeStoreUnavailable, "history store offline")
	opener.enqueue(welcomeThenPush(okWelcome(), []build.Envelope{notice}, requests))

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, nil)
	startRun(t, w)

	nextNote(t, w, NoteConnected, "welcome")
	n := nextNote(t, w, NoteHubNotice, "hub notice")
	if n.Notice.Code != build.CodeStoreUnavailable || n.Notice.Message != "history store offline" {
		t.Errorf("notice = %+v", n.Notice)
	}
	if got := w.Stats().Notices; got != 1 {
		t.Errorf("notices = %d, want 1", got)
	}
}

func TestWatcherUnsubscribeDropsSeqTracking(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)
	tracked := updateEvent(t, "mlir", "build-7", 8, 0.9)
	gap := gapFrame(t, "mlir", 2)
	opener.enqueue(func(s *hubSession) {
		if s.encoder.Encode(okWelcome()) != nil {
			return
		}
		if s.encoder.Encode(tracked) != nil {
			return
		}
		for range 2 {
			var env build.Envelope
			if s.decoder.Decode(&env) != nil {
				return
			}
			requests <- env
		}
		if s.encoder.Encode(gap) != nil {
			return
		}
		relayRequests(s, requests)
	})

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, func(o *Options) {
		o.Projects = []string{"llvm", "mlir"}
	})
	startRun(t, w)

	nextNote(t, w, NoteConnected, "welcome")
	nextNote(t, w, NoteEvent, "tracked event")

	w.Unsubscribe("mlir")
	unsub := testutil.RequireReceive(t, requests, time.Second, "unsubscribe frame")
	if unsub.Kind != build.KindUnsubscribe {
		t.Fatalf("frame kind = %v, want %v", unsub.Kind, build.KindUnsubscribe)
	}
	w.Subscribe("mlir")
	sub := testutil.RequireReceive(t, requests, time.Second, "resubscribe frame")
	if sub.Kind != build.KindSubscribe {
		t.Fatalf("frame kind = %v, want %v", sub.Kind, build.KindSubscribe)
	}

	// The unsubscribe dropped the old position, so the gap's resync
	// asks for everything.
	nextNote(t, w, NoteGap, "gap after resubscribe")
	resync := testutil.RequireReceive(t, requests, time.Second, "resync after resubscribe")
	if data := mustResync(t, resync); data.Project != "mlir" || data.LastSeenSeq != 0 {
		t.Errorf("resync after resubscribe = %+v, want seq 0", data)
	}
}

func TestWatcherStopsOnCancel(t *testing.T) {
	opener := newScriptedOpener()
	requests := make(chan build.Envelope, 16)
	opener.enqueue(welcomeThenPush(okWelcome(), nil, requests))

	clk := clock.Fake(testClockEpoch)
	w := newTestWatcher(t, opener, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	nextNote(t, w, NoteConnected, "welcome")
	cancel()
	if err := testutil.RequireReceive(t, runErr, 5*time.Second, "Run return"); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}

	// Controls enqueued after shutdown are discarded, not blocked.
	w.Subscribe("mlir")
	w.Resync("llvm")
}

func TestWatcherNewValidation(t *testing.T) {
	opener := newScriptedOpener()
	if _, err := New(Options{Projects: []string{"llvm"}}); err == nil {
		t.Error("New accepted a nil opener")
	}
	if _, err := New(Options{Opener: opener}); err == nil {
		t.Error("New accepted an empty project list")
	}
	if _, err := New(Options{Opener: opener, Projects: []string{""}}); err == nil {
		t.Error("New accepted an empty project name")
	}
	if _, err := New(Options{Opener: opener, Projects: []string{"llvm"}, Kinds: []build.Kind{"NOT_A_KIND"}}); err == nil {
		t.Error("New accepted an unknown event kind")
	}
}
