// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"errors"
	"time"

	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// sweepInterval is how often the liveness sweeper runs. Each pass is
// cheap (snapshot reads, no I/O) so a short interval keeps timeout
// detection responsive without mattering for load.
const sweepInterval = 5 * time.Second

func (h *Hub) runSweeper(ctx context.Context) {
	ticker := h.clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(h.clock.Now())
		}
	}
}

// sweep makes one liveness pass: close idle connections, fail builds
// whose agent has gone quiet, and evict finished builds past the
// retention window.
func (h *Hub) sweep(now time.Time) {
	for _, conn := range h.registry.Connections() {
		idle := now.Sub(conn.idleSince())
		if idle <= h.opts.IdleTimeout {
			continue
		}
		h.logger.Info("closing idle connection",
			"connection", conn.id,
			"principal", conn.principal,
			"role", conn.role,
			"idle", idle,
		)
		conn.close()
	}

	for _, state := range h.table.states() {
		snap := state.snapshot()
		if snap.Status.Terminal() {
			if now.UnixMilli()-snap.EndedAt > h.opts.RetentionGrace.Milliseconds() {
				h.table.Evict(snap.BuildID)
				h.logger.Debug("evicted finished build",
					"build", snap.BuildID,
					"project", snap.Project,
					"status", snap.Status,
				)
			}
			continue
		}

		cutoff := h.opts.IdleTimeout + h.opts.Projects.AgentGrace(snap.Project, h.opts.AgentGrace)
		quiet := now.Sub(state.agentSeen())
		if quiet <= cutoff {
			continue
		}
		if err := h.failQuietBuild(snap); err != nil {
			h.logger.Warn("failing quiet build",
				"build", snap.BuildID,
				"error", err,
			)
			continue
		}
		h.logger.Info("build failed on agent timeout",
			"build", snap.BuildID,
			"project", snap.Project,
			"quiet", quiet,
		)
	}
}

// failQuietBuild synthesizes a completion for a build whose agent has
// stopped reporting. The event takes the normal path so it is
// sequenced, persisted, and fanned out like any agent frame.
func (h *Hub) failQuietBuild(snap build.Snapshot) error {
	data, err := codec.Marshal(build.CompleteData{
		Status: build.StatusFailed,
		Error:  "agent timeout",
	})
	if err != nil {
		return err
	}
	_, _, _, err = h.router.apply(&build.Envelope{
		Kind:      build.KindBuildComplete,
		BuildID:   snap.BuildID,
		Timestamp: h.clock.Now().UnixMilli(),
		Data:      data,
	})
	if errors.Is(err, errUnknownBuild) {
		// Evicted between the scan and the apply.
		return nil
	}
	return err
}
