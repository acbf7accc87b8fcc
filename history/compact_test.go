// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/kiln-build/kiln/lib/schema/build"
)

// makeBundleEvents returns n update events for one build with
// repetitive payloads, the shape real build histories have.
func makeBundleEvents(t *testing.T, n int) []build.Event {
	t.Helper()
	events := make([]build.Event, 0, n)
	for seq := uint64(1); seq <= uint64(n); seq++ {
		events = append(events, makeEvent(t, "bld-compact", seq, build.KindBuildUpdate))
	}
	return events
}

func TestBundleRoundTripZstd(t *testing.T) {
	events := makeBundleEvents(t, 50)
	bundle, err := EncodeBundle(events, CompressionZstd, testClockEpoch.UnixMilli())
	if err != nil {
		t.Fatalf("EncodeBundle: %v", err)
	}

	if bundle.Codec != CompressionZstd {
		t.Errorf("codec = %s, want zstd", bundle.Codec)
	}
	if bundle.BuildID != "bld-compact" || bundle.FromSeq != 1 || bundle.ToSeq != 50 {
		t.Errorf("bundle range = %s [%d, %d], want bld-compact [1, 50]",
			bundle.BuildID, bundle.FromSeq, bundle.ToSeq)
	}
	if len(bundle.Payload) >= bundle.RawSize {
		t.Errorf("payload %d bytes not smaller than raw %d", len(bundle.Payload), bundle.RawSize)
	}

	got, err := bundle.Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	requireEvents(t, got, events)
}

func TestBundleRoundTripLZ4(t *testing.T) {
	events := makeBundleEvents(t, 50)
	bundle, err := EncodeBundle(events, CompressionLZ4, testClockEpoch.UnixMilli())
	if err != nil {
		t.Fatalf("EncodeBundle: %v", err)
	}
	if bundle.Codec != CompressionLZ4 {
		t.Errorf("codec = %s, want lz4", bundle.Codec)
	}

	got, err := bundle.Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	requireEvents(t, got, events)
}

func TestBundleUncompressed(t *testing.T) {
	events := makeBundleEvents(t, 5)
	bundle, err := EncodeBundle(events, CompressionNone, testClockEpoch.UnixMilli())
	if err != nil {
		t.Fatalf("EncodeBundle: %v", err)
	}
	if bundle.Codec != CompressionNone {
		t.Errorf("codec = %s, want none", bundle.Codec)
	}
	if len(bundle.Payload) != bundle.RawSize {
		t.Errorf("payload %d bytes, want raw size %d", len(bundle.Payload), bundle.RawSize)
	}

	got, err := bundle.Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	requireEvents(t, got, events)
}

func TestCompressIncompressibleFallsBack(t *testing.T) {
	// Deterministic noise defeats both codecs.
	noise := make([]byte, 4096)
	rand.New(rand.NewSource(42)).Read(noise)

	if _, err := compressZstd(noise); !errors.Is(err, errIncompressible) {
		t.Errorf("compressZstd(noise) error = %v, want errIncompressible", err)
	}
	if _, err := compressLZ4(noise); !errors.Is(err, errIncompressible) {
		t.Errorf("compressLZ4(noise) error = %v, want errIncompressible", err)
	}
}

func TestBundleDigestMismatch(t *testing.T) {
	events := makeBundleEvents(t, 3)
	bundle, err := EncodeBundle(events, CompressionNone, testClockEpoch.UnixMilli())
	if err != nil {
		t.Fatalf("EncodeBundle: %v", err)
	}

	// Uncompressed payload, so a flipped byte survives inflation and
	// must be caught by the digest.
	bundle.Payload = append([]byte(nil), bundle.Payload...)
	bundle.Payload[len(bundle.Payload)/2] ^= 0xFF

	_, err = bundle.Events()
	if err == nil {
		t.Fatal("Events() succeeded on corrupted payload")
	}
	if !strings.Contains(err.Error(), "digest mismatch") {
		t.Errorf("error = %v, want digest mismatch", err)
	}
}

func TestBundleEventsInRange(t *testing.T) {
	events := makeBundleEvents(t, 10)
	bundle, err := EncodeBundle(events, CompressionZstd, testClockEpoch.UnixMilli())
	if err != nil {
		t.Fatalf("EncodeBundle: %v", err)
	}

	cases := []struct {
		name      string
		from, to  uint64
		wantFirst uint64
		wantCount int
	}{
		{name: "interior", from: 3, to: 7, wantFirst: 4, wantCount: 4},
		{name: "full", from: 0, to: 10, wantFirst: 1, wantCount: 10},
		{name: "past end", from: 10, to: 20, wantCount: 0},
		{name: "before start", from: 0, to: 0, wantCount: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := bundle.EventsInRange(tc.from, tc.to)
			if err != nil {
				t.Fatalf("EventsInRange: %v", err)
			}
			if len(got) != tc.wantCount {
				t.Fatalf("got %d events, want %d", len(got), tc.wantCount)
			}
			if tc.wantCount > 0 && got[0].Seq != tc.wantFirst {
				t.Errorf("first seq = %d, want %d", got[0].Seq, tc.wantFirst)
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	cases := []struct {
		input   string
		want    Compression
		wantErr bool
	}{
		{input: "zstd", want: CompressionZstd},
		{input: "", want: CompressionZstd},
		{input: "lz4", want: CompressionLZ4},
		{input: "none", want: CompressionNone},
		{input: "gzip", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseCompression(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseCompression(%q) succeeded, want error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCompression(%q): %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseCompression(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}
