// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package build

import "github.com/kiln-build/kiln/lib/codec"

// Event is a hub-accepted lifecycle event: the unit of fan-out,
// history storage, and backlog replay. Seq is assigned under the
// build's lock and is strictly increasing per build with no gaps at
// assignment time; gaps observed by a subscriber always mean queue
// overflow, never a hub skip.
type Event struct {
	Kind    Kind   `cbor:"type"`
	BuildID string `cbor:"build_id"`
	Project string `cbor:"project"`
	Seq     uint64 `cbor:"seq"`

	// HubTime is the hub's clock at acceptance, epoch milliseconds.
	HubTime int64 `cbor:"hub_time"`

	// SenderTime is the emitting agent's clock, epoch milliseconds.
	// Display only.
	SenderTime int64 `cbor:"sender_time,omitempty"`

	// Data is the original payload as received.
	Data codec.RawMessage `cbor:"data,omitempty"`

	// PostTerminal marks an event accepted after the build reached a
	// terminal status.
	PostTerminal bool `cbor:"post_terminal,omitempty"`
}

// Envelope renders the event as an outbound BUILD_EVENT frame. The
// lifecycle kind travels in the frame's event field; subscribers
// filter on it and decode Data by it.
func (ev *Event) Envelope() Envelope {
	return Envelope{
		Kind:         KindBuildEvent,
		Event:        ev.Kind,
		BuildID:      ev.BuildID,
		Project:      ev.Project,
		Data:         ev.Data,
		Timestamp:    ev.HubTime,
		Seq:          ev.Seq,
		PostTerminal: ev.PostTerminal,
	}
}

// Snapshot is the hub's current view of one build, sent as the
// BUILD_SNAPSHOT payload and persisted for resync.
type Snapshot struct {
	BuildID string `cbor:"build_id"`
	Project string `cbor:"project"`
	Status  Status `cbor:"status"`

	// Progress is the monotonic completion ratio in [0, 1].
	Progress float64 `cbor:"progress"`

	// Metrics is the key-wise merge of all BUILD_UPDATE metrics.
	Metrics map[string]float64 `cbor:"metrics,omitempty"`

	// Error is the failure description from the terminal event, if
	// the build FAILED or was CANCELLED.
	Error string `cbor:"error,omitempty"`

	// Metadata is the BUILD_START metadata, if any.
	Metadata map[string]string `cbor:"metadata,omitempty"`

	// Seq is the seq of the last event applied to this snapshot.
	Seq uint64 `cbor:"seq"`

	// StartedAt and EndedAt are hub clock, epoch milliseconds.
	// EndedAt is zero until the build reaches a terminal status.
	StartedAt int64 `cbor:"started_at,omitempty"`
	EndedAt   int64 `cbor:"ended_at,omitempty"`

	// PostTerminalEvents counts events accepted after the terminal
	// transition.
	PostTerminalEvents uint64 `cbor:"post_terminal_events,omitempty"`

	// Resync marks a snapshot sent during a resync exchange rather
	// than at subscribe time.
	Resync bool `cbor:"resync,omitempty"`

	// FreshView warns that the history store was unavailable and the
	// subscriber got current state only, with no backlog replay.
	FreshView bool `cbor:"fresh_view,omitempty"`
}

// Clone returns a deep copy safe to mutate after the build's lock is
// released.
func (s *Snapshot) Clone() Snapshot {
	out := *s
	if s.Metrics != nil {
		out.Metrics = make(map[string]float64, len(s.Metrics))
		for k, v := range s.Metrics {
			out.Metrics[k] = v
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Envelope renders the snapshot as an outbound BUILD_SNAPSHOT frame.
func (s *Snapshot) Envelope() (Envelope, error) {
	data, err := codec.Marshal(s)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Kind:      KindBuildSnapshot,
		BuildID:   s.BuildID,
		Project:   s.Project,
		Data:      data,
		Timestamp: s.StartedAt,
		Seq:       s.Seq,
	}, nil
}
