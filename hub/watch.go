// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// overflowNoticeTimeout bounds the final QUEUE_OVERFLOW frame written
// to a subscriber being disconnected for falling too far behind. The
// peer is stalled by definition, so the write gets a short leash.
const overflowNoticeTimeout = 2 * time.Second

// handleWatch serves one subscriber connection: snapshot bursts on
// subscribe, then live events, gap notices, and heartbeats.
func (h *Hub) handleWatch(ctx context.Context, token *hubtoken.Token, raw []byte, conn net.Conn) {
	hello, ok := h.acceptStream(conn, token, raw, hubtoken.RoleSubscriber)
	if !ok {
		return
	}
	if hello.Subscribe != nil {
		if err := hello.Subscribe.Validate(); err != nil {
			h.refuseStream(conn, build.CodeProtocolError, "handshake subscription: "+err.Error())
			return
		}
	}

	queueCap := h.subscriberQueueCapacity(token, hello.Subscribe)
	c := h.registry.Register(hubtoken.RoleSubscriber, token, queueCap, h.clock.Now())
	h.connectionsOpened.Add(1)
	defer func() {
		h.registry.Deregister(c.id)
		h.index.DropConnection(c.id)
		h.logger.Info("watch stream closed",
			"connection", c.id,
			"principal", c.principal,
		)
	}()

	// Apply the handshake subscription before the Welcome so that by
	// the time the client sees the ack, its interest is registered and
	// the snapshot burst is queued ahead of any live event.
	if hello.Subscribe != nil {
		h.router.applySubscribe(c, *hello.Subscribe)
	}

	if !h.writeWelcome(conn, c) {
		return
	}
	h.logger.Info("watch stream opened",
		"connection", c.id,
		"principal", c.principal,
		"queue_capacity", queueCap,
	)

	// Close the socket on shutdown so the reader goroutine unblocks.
	handlerDone := make(chan struct{})
	defer close(handlerDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handlerDone:
		}
	}()

	readerDone := make(chan error, 1)
	go func() {
		readerDone <- h.readFrames(ctx, c, conn)
	}()

	encoder := codec.NewEncoder(conn)
	ticker := h.clock.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			if c.overflowed.Load() {
				h.writeOverflowNotice(conn, encoder)
			}
			return
		case env := <-c.queue:
			if err := h.flushGaps(c, conn, encoder); err != nil {
				h.logWriteError(c, err)
				return
			}
			if err := writeEnvelope(conn, encoder, env); err != nil {
				h.logWriteError(c, err)
				return
			}
			c.wroteFrame()
			c.touch(h.clock.Now())
		case <-ticker.C:
			hb := build.Envelope{
				Kind:      build.KindHeartbeat,
				Timestamp: h.clock.Now().UnixMilli(),
			}
			if err := writeEnvelope(conn, encoder, hb); err != nil {
				h.logWriteError(c, err)
				return
			}
			c.touch(h.clock.Now())
		case err := <-readerDone:
			if err != nil {
				h.logger.Warn("watch stream read failed",
					"connection", c.id,
					"principal", c.principal,
					"error", err,
				)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// subscriberQueueCapacity sizes a watch connection's outbound queue.
// Channel capacity is fixed at creation, so per-project overrides only
// take effect for projects named in the handshake subscription; the
// largest granted override wins, with the hub default as the floor.
func (h *Hub) subscriberQueueCapacity(token *hubtoken.Token, sub *build.SubscribeData) int {
	queueCap := h.opts.QueueCapacity
	if sub == nil {
		return queueCap
	}
	for _, project := range sub.Projects {
		if !token.ProjectAllowed(project) {
			continue
		}
		if override := h.opts.Projects.QueueCapacity(project, queueCap); override > queueCap {
			queueCap = override
		}
	}
	return queueCap
}

// flushGaps writes a GAP_DETECTED frame for every project that lost
// events since the last write. Called before each event write so the
// notice reaches the subscriber ahead of the first post-hole event.
func (h *Hub) flushGaps(c *connection, conn net.Conn, encoder *codec.Encoder) error {
	projects, dropped := c.takeGaps()
	if len(projects) == 0 {
		return nil
	}
	sort.Strings(projects)
	now := h.clock.Now().UnixMilli()
	for _, project := range projects {
		data, err := codec.Marshal(build.GapData{Project: project, Dropped: dropped})
		if err != nil {
			return err
		}
		env := build.Envelope{
			Kind:      build.KindGapDetected,
			Project:   project,
			Timestamp: now,
			Data:      data,
		}
		if err := writeEnvelope(conn, encoder, env); err != nil {
			return err
		}
		h.gapsSignalled.Add(1)
	}
	return nil
}

// writeOverflowNotice is the best-effort goodbye to a subscriber that
// overflowed beyond recovery: a final ERROR frame telling it to
// reconnect and resync rather than wait for events that will never
// come.
func (h *Hub) writeOverflowNotice(conn net.Conn, encoder *codec.Encoder) {
	data, err := codec.Marshal(build.ErrorData{
		Code:    build.CodeQueueOverflow,
		Message: "outbound queue overflowed beyond recovery",
	})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(overflowNoticeTimeout))
	encoder.Encode(build.Envelope{
		Kind:      build.KindError,
		Timestamp: h.clock.Now().UnixMilli(),
		Data:      data,
	})
}
