// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestDeterministicEncoding(t *testing.T) {
	// Map key order in the source must not affect the encoded bytes.
	first, err := Marshal(map[string]int{"zeta": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(map[string]int{"alpha": 2, "mid": 3, "zeta": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("same logical map produced different bytes:\n%x\n%x", first, second)
	}
}

func TestDefaultMapType(t *testing.T) {
	data, err := Marshal(map[string]any{"target": "ninja", "jobs": 64})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	asMap, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if asMap["target"] != "ninja" {
		t.Errorf("target = %v, want %q", asMap["target"], "ninja")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	// Several items written back to back must decode one at a time
	// with no framing between them.
	type frame struct {
		Kind string `cbor:"kind"`
		Seq  uint64 `cbor:"seq"`
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for seq := uint64(1); seq <= 3; seq++ {
		if err := encoder.Encode(frame{Kind: "BUILD_EVENT", Seq: seq}); err != nil {
			t.Fatalf("Encode seq %d: %v", seq, err)
		}
	}

	decoder := NewDecoder(&buffer)
	for seq := uint64(1); seq <= 3; seq++ {
		var decoded frame
		if err := decoder.Decode(&decoded); err != nil {
			t.Fatalf("Decode seq %d: %v", seq, err)
		}
		if decoded.Seq != seq {
			t.Errorf("decoded seq = %d, want %d", decoded.Seq, seq)
		}
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	data, err := Marshal(map[string]any{"seq": 7, "future_field": true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded struct {
		Seq uint64 `cbor:"seq"`
	}
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.Seq != 7 {
		t.Errorf("seq = %d, want 7", decoded.Seq)
	}
}
