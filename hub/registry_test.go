// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"testing"
	"time"

	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/schema/build"
)

func seqEnvelope(project string, seq uint64) build.Envelope {
	return build.Envelope{
		Kind:    build.KindBuildEvent,
		Event:   build.KindBuildUpdate,
		BuildID: "bld-1",
		Project: project,
		Seq:     seq,
	}
}

// drain empties the connection's queue and returns the envelopes in
// delivery order.
func drain(c *connection) []build.Envelope {
	var out []build.Envelope
	for {
		select {
		case env := <-c.queue:
			out = append(out, env)
		default:
			return out
		}
	}
}

// --- Registration ---

func TestRegistryRegisterAssignsUniqueIDs(t *testing.T) {
	registry := NewRegistry()
	token := testToken(hubtoken.RoleSubscriber, "**")

	a := registry.Register(hubtoken.RoleSubscriber, token, 4, testClockEpoch)
	b := registry.Register(hubtoken.RoleSubscriber, token, 4, testClockEpoch)
	if a.id == b.id {
		t.Fatalf("both connections got id %q", a.id)
	}
	if registry.Len() != 2 {
		t.Errorf("Len() = %d, want 2", registry.Len())
	}
	if got, _ := registry.Get(a.id); got != a {
		t.Errorf("Get(%q) returned a different connection", a.id)
	}
	if a.principal != "tester" {
		t.Errorf("principal = %q, want tester", a.principal)
	}
}

func TestRegistryDeregisterClosesConnection(t *testing.T) {
	registry := NewRegistry()
	token := testToken(hubtoken.RoleSubscriber, "**")
	c := registry.Register(hubtoken.RoleSubscriber, token, 4, testClockEpoch)

	registry.Deregister(c.id)
	if !c.closed() {
		t.Error("connection not closed after Deregister")
	}
	if got, _ := registry.Get(c.id); got != nil {
		t.Error("Get found deregistered connection")
	}

	// Idempotent.
	registry.Deregister(c.id)
	registry.Deregister("never-existed")
}

func TestRegistryEnqueueAfterCloseIsNoop(t *testing.T) {
	registry := NewRegistry()
	token := testToken(hubtoken.RoleSubscriber, "**")
	c := registry.Register(hubtoken.RoleSubscriber, token, 4, testClockEpoch)
	registry.Deregister(c.id)

	registry.Enqueue(c.id, seqEnvelope("llvm", 1))
	if got := len(drain(c)); got != 0 {
		t.Errorf("closed connection received %d envelopes", got)
	}
}

// --- Queue overflow ---

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	registry := NewRegistry()
	token := testToken(hubtoken.RoleSubscriber, "**")
	c := registry.Register(hubtoken.RoleSubscriber, token, 2, testClockEpoch)

	for seq := uint64(1); seq <= 3; seq++ {
		c.enqueue(seqEnvelope("llvm", seq))
	}

	got := drain(c)
	if len(got) != 2 {
		t.Fatalf("queue held %d envelopes, want 2", len(got))
	}
	if got[0].Seq != 2 || got[1].Seq != 3 {
		t.Errorf("queue = seqs %d,%d; want 2,3 (oldest dropped)", got[0].Seq, got[1].Seq)
	}

	projects, dropped := c.takeGaps()
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if len(projects) != 1 || projects[0] != "llvm" {
		t.Errorf("gapped projects = %v, want [llvm]", projects)
	}
	if registry.Dropped() != 1 {
		t.Errorf("registry Dropped() = %d, want 1", registry.Dropped())
	}
}

func TestTakeGapsClearsState(t *testing.T) {
	registry := NewRegistry()
	token := testToken(hubtoken.RoleSubscriber, "**")
	c := registry.Register(hubtoken.RoleSubscriber, token, 1, testClockEpoch)

	c.enqueue(seqEnvelope("llvm", 1))
	c.enqueue(seqEnvelope("gcc", 2))
	c.enqueue(seqEnvelope("gcc", 3))

	projects, dropped := c.takeGaps()
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if len(projects) != 2 {
		t.Errorf("gapped projects = %v, want two entries", projects)
	}

	if projects, dropped := c.takeGaps(); projects != nil || dropped != 0 {
		t.Errorf("second takeGaps = %v, %d; want nil, 0", projects, dropped)
	}
}

func TestOverflowBeyondRecoveryClosesConnection(t *testing.T) {
	registry := NewRegistry()
	token := testToken(hubtoken.RoleSubscriber, "**")
	c := registry.Register(hubtoken.RoleSubscriber, token, 2, testClockEpoch)

	// Fill the queue, then drop a full queue's worth without any
	// write progress: the first two drops are survivable, the third
	// crosses the line.
	for seq := uint64(1); seq <= 4; seq++ {
		c.enqueue(seqEnvelope("llvm", seq))
	}
	if c.closed() {
		t.Fatal("connection closed after cap drops, want still open")
	}

	c.enqueue(seqEnvelope("llvm", 5))
	if !c.closed() {
		t.Fatal("connection still open after drops exceeded capacity")
	}
	if !c.overflowed.Load() {
		t.Error("overflowed flag not set")
	}
}

func TestWroteFrameResetsOverflowWindow(t *testing.T) {
	registry := NewRegistry()
	token := testToken(hubtoken.RoleSubscriber, "**")
	c := registry.Register(hubtoken.RoleSubscriber, token, 2, testClockEpoch)

	for seq := uint64(1); seq <= 4; seq++ {
		c.enqueue(seqEnvelope("llvm", seq))
	}
	c.wroteFrame()

	// Two more drops after the write: the window restarted, so the
	// connection survives.
	c.enqueue(seqEnvelope("llvm", 5))
	c.enqueue(seqEnvelope("llvm", 6))
	if c.closed() {
		t.Error("connection closed despite write progress inside the window")
	}
}

// --- Activity tracking ---

func TestTouchAdvancesIdleClock(t *testing.T) {
	registry := NewRegistry()
	token := testToken(hubtoken.RoleAgent, "**")
	c := registry.Register(hubtoken.RoleAgent, token, 4, testClockEpoch)

	if got := c.idleSince(); !got.Equal(testClockEpoch) {
		t.Fatalf("idleSince = %v, want registration time", got)
	}

	later := testClockEpoch.Add(42 * time.Second)
	c.touch(later)
	if got := c.idleSince(); !got.Equal(later) {
		t.Errorf("idleSince = %v, want %v", got, later)
	}
}

func TestOwnedBuildsTracksOwnership(t *testing.T) {
	registry := NewRegistry()
	token := testToken(hubtoken.RoleAgent, "**")
	c := registry.Register(hubtoken.RoleAgent, token, 4, testClockEpoch)

	c.ownBuild("bld-1")
	c.ownBuild("bld-2")
	c.ownBuild("bld-1")

	owned := c.ownedBuilds()
	if len(owned) != 2 {
		t.Errorf("ownedBuilds = %v, want 2 entries", owned)
	}
}
