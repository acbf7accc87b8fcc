// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package build

import (
	"fmt"
	"math"

	"github.com/kiln-build/kiln/lib/codec"
)

// Envelope is the wire frame for both directions of agent and
// subscriber streams. The Kind field selects the payload shape of
// Data; unused fields are omitted on the wire.
//
// Timestamp is sender-supplied and used for display only. The hub's
// own Seq is authoritative for ordering and is present only on
// outbound BUILD_EVENT frames.
type Envelope struct {
	// Kind selects the payload variant.
	Kind Kind `cbor:"type"`

	// Event is the lifecycle kind of the applied event. Set only on
	// outbound BUILD_EVENT frames, where Kind says "incremental
	// delivery" and Event says what happened.
	Event Kind `cbor:"event,omitempty"`

	// BuildID identifies the build. Required on BUILD_UPDATE and
	// BUILD_COMPLETE; a BUILD_START without one gets a hub-assigned
	// UUID, reported back to subscribers on the fan-out frame.
	BuildID string `cbor:"build_id,omitempty"`

	// Project is the project the build belongs to. Required on
	// BUILD_START; on other lifecycle kinds it is optional and, when
	// present, must match the build's project.
	Project string `cbor:"project,omitempty"`

	// Data is the kind-specific payload, decoded on demand.
	Data codec.RawMessage `cbor:"data,omitempty"`

	// Timestamp is the sender's clock in epoch milliseconds.
	Timestamp int64 `cbor:"timestamp,omitempty"`

	// Seq is the hub-assigned per-build sequence number. Outbound
	// BUILD_EVENT only.
	Seq uint64 `cbor:"seq,omitempty"`

	// PostTerminal marks an event that arrived after the build
	// reached a terminal status. It was accepted for audit and fanned
	// out, but mutated nothing. Outbound only.
	PostTerminal bool `cbor:"post_terminal,omitempty"`
}

// StartData is the BUILD_START payload.
type StartData struct {
	// Metadata is free-form build metadata (compiler version, target,
	// host). Display only; the hub does not interpret it.
	Metadata map[string]string `cbor:"metadata,omitempty"`
}

// UpdateData is the BUILD_UPDATE payload.
type UpdateData struct {
	// Progress is the build's completion ratio in [0, 1]. Values
	// below the build's current progress are clamped at apply time,
	// never rejected.
	Progress float64 `cbor:"progress"`

	// Metrics are free-form numeric observations (cache hit rate,
	// object count, RSS). Merged key-wise into the build's snapshot;
	// the latest value for a key wins.
	Metrics map[string]float64 `cbor:"metrics,omitempty"`
}

// CompleteData is the BUILD_COMPLETE payload.
type CompleteData struct {
	// Status is the terminal status: COMPLETED, FAILED, or CANCELLED.
	Status Status `cbor:"status"`

	// Error describes the failure. Meaningful only when Status is
	// FAILED or CANCELLED.
	Error string `cbor:"error,omitempty"`
}

// SubscribeData is the SUBSCRIBE and UNSUBSCRIBE payload.
type SubscribeData struct {
	// Projects are the projects of interest.
	Projects []string `cbor:"projects"`

	// Events restricts interest to specific kinds. Empty means all
	// kinds for the listed projects.
	Events []Kind `cbor:"events,omitempty"`
}

// Validate checks the subscription shape: at least one project, no
// empty names, and only defined event kinds.
func (d SubscribeData) Validate() error {
	if len(d.Projects) == 0 {
		return fmt.Errorf("no projects")
	}
	for _, project := range d.Projects {
		if project == "" {
			return fmt.Errorf("empty project name")
		}
	}
	for _, kind := range d.Events {
		if !kind.Valid() {
			return fmt.Errorf("unknown event kind %q", kind)
		}
	}
	return nil
}

// ResyncData is the RESYNC_REQUEST payload.
type ResyncData struct {
	// Project scopes the resync.
	Project string `cbor:"project"`

	// LastSeenSeq is the highest per-build seq the subscriber has
	// observed for this project, taken over all builds. Zero means
	// "I have nothing": snapshots only, no backlog.
	LastSeenSeq uint64 `cbor:"last_seen_seq"`
}

// GapData is the GAP_DETECTED payload.
type GapData struct {
	// Project is the project whose events were dropped.
	Project string `cbor:"project"`

	// Dropped is the number of envelopes dropped from the queue since
	// the last gap notification, across all projects on the
	// connection. Informational.
	Dropped uint64 `cbor:"dropped,omitempty"`
}

// ErrorData is the ERROR payload: a warning on a connection that
// stays open, or the final frame before the hub closes it.
type ErrorData struct {
	// Code is the error taxonomy entry.
	Code ErrorCode `cbor:"code"`

	// Message is a human-readable explanation.
	Message string `cbor:"message"`
}

// DecodeStart decodes the envelope's payload as StartData. A missing
// payload is valid: BUILD_START carries no required fields.
func (e *Envelope) DecodeStart() (StartData, error) {
	var data StartData
	if len(e.Data) == 0 {
		return data, nil
	}
	if err := codec.Unmarshal(e.Data, &data); err != nil {
		return StartData{}, fmt.Errorf("BUILD_START payload: %w", err)
	}
	return data, nil
}

// DecodeUpdate decodes and validates the envelope's payload as
// UpdateData. Progress must be a real number in [0, 1].
func (e *Envelope) DecodeUpdate() (UpdateData, error) {
	var data UpdateData
	if len(e.Data) == 0 {
		return UpdateData{}, fmt.Errorf("BUILD_UPDATE payload: missing")
	}
	if err := codec.Unmarshal(e.Data, &data); err != nil {
		return UpdateData{}, fmt.Errorf("BUILD_UPDATE payload: %w", err)
	}
	if math.IsNaN(data.Progress) || math.IsInf(data.Progress, 0) {
		return UpdateData{}, fmt.Errorf("BUILD_UPDATE payload: progress is not a real number")
	}
	if data.Progress < 0 || data.Progress > 1 {
		return UpdateData{}, fmt.Errorf("BUILD_UPDATE payload: progress %v outside [0, 1]", data.Progress)
	}
	return data, nil
}

// DecodeComplete decodes and validates the envelope's payload as
// CompleteData. Status must be one of the terminal statuses.
func (e *Envelope) DecodeComplete() (CompleteData, error) {
	var data CompleteData
	if len(e.Data) == 0 {
		return CompleteData{}, fmt.Errorf("BUILD_COMPLETE payload: missing")
	}
	if err := codec.Unmarshal(e.Data, &data); err != nil {
		return CompleteData{}, fmt.Errorf("BUILD_COMPLETE payload: %w", err)
	}
	if !data.Status.Terminal() {
		return CompleteData{}, fmt.Errorf("BUILD_COMPLETE payload: status %q is not terminal", data.Status)
	}
	return data, nil
}

// DecodeSubscribe decodes and validates a SUBSCRIBE or UNSUBSCRIBE
// payload. At least one project is required; listed event kinds must
// be defined protocol kinds.
func (e *Envelope) DecodeSubscribe() (SubscribeData, error) {
	var data SubscribeData
	if len(e.Data) == 0 {
		return SubscribeData{}, fmt.Errorf("%s payload: missing", e.Kind)
	}
	if err := codec.Unmarshal(e.Data, &data); err != nil {
		return SubscribeData{}, fmt.Errorf("%s payload: %w", e.Kind, err)
	}
	if err := data.Validate(); err != nil {
		return SubscribeData{}, fmt.Errorf("%s payload: %w", e.Kind, err)
	}
	return data, nil
}

// DecodeResync decodes and validates a RESYNC_REQUEST payload.
func (e *Envelope) DecodeResync() (ResyncData, error) {
	var data ResyncData
	if len(e.Data) == 0 {
		return ResyncData{}, fmt.Errorf("RESYNC_REQUEST payload: missing")
	}
	if err := codec.Unmarshal(e.Data, &data); err != nil {
		return ResyncData{}, fmt.Errorf("RESYNC_REQUEST payload: %w", err)
	}
	if data.Project == "" {
		return ResyncData{}, fmt.Errorf("RESYNC_REQUEST payload: missing project")
	}
	return data, nil
}

// Validate checks the envelope's structural requirements for its
// kind: a defined kind, a build id on lifecycle kinds, and a project
// on BUILD_START. A BUILD_START may omit the build id (the hub
// assigns one); UPDATE and COMPLETE reference an existing build and
// must name it. Payload validation happens in the Decode helpers.
func (e *Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	if e.Kind.Lifecycle() && e.BuildID == "" && e.Kind != KindBuildStart {
		return fmt.Errorf("%s: missing build_id", e.Kind)
	}
	if e.Kind == KindBuildStart && e.Project == "" {
		return fmt.Errorf("BUILD_START: missing project")
	}
	return nil
}
