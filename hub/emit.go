// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"net"
	"time"

	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/netutil"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// streamWriteTimeout bounds each frame write on emit and watch
// streams. A peer that cannot absorb a frame within this window is
// treated as gone.
const streamWriteTimeout = 30 * time.Second

// handleEmit serves one agent connection. The stream carries build
// envelopes hub-ward; the only hub-to-agent traffic is ERROR frames
// and the handshake Welcome.
func (h *Hub) handleEmit(ctx context.Context, token *hubtoken.Token, raw []byte, conn net.Conn) {
	if _, ok := h.acceptStream(conn, token, raw, hubtoken.RoleAgent); !ok {
		return
	}

	c := h.registry.Register(hubtoken.RoleAgent, token, h.opts.QueueCapacity, h.clock.Now())
	h.connectionsOpened.Add(1)
	defer func() {
		h.registry.Deregister(c.id)
		h.logger.Info("emit stream closed",
			"connection", c.id,
			"principal", c.principal,
		)
	}()

	if !h.writeWelcome(conn, c) {
		return
	}
	h.logger.Info("emit stream opened",
		"connection", c.id,
		"principal", c.principal,
		"projects", token.Projects,
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
	for {
		select {
		case <-c.done:
			return
		case env := <-c.queue:
			if err := writeEnvelope(conn, encoder, env); err != nil {
				h.logWriteError(c, err)
				return
			}
			c.wroteFrame()
		case err := <-readerDone:
			if err != nil {
				h.logger.Warn("emit stream read failed",
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

// acceptStream validates the stream handshake: protocol version and
// the token role's right to open this kind of stream. On rejection it
// writes a refusal Welcome and returns false.
func (h *Hub) acceptStream(conn net.Conn, token *hubtoken.Token, raw []byte, role hubtoken.Role) (build.Hello, bool) {
	var hello build.Hello
	if err := codec.Unmarshal(raw, &hello); err != nil {
		h.refuseStream(conn, build.CodeProtocolError, "malformed handshake: "+err.Error())
		return hello, false
	}
	if hello.Protocol != 0 && hello.Protocol != build.ProtocolVersion {
		h.refuseStream(conn, build.CodeProtocolError,
			"unsupported protocol version")
		return hello, false
	}
	switch role {
	case hubtoken.RoleAgent:
		if !token.Role.CanEmit() {
			h.refuseStream(conn, build.CodeForbidden,
				"role "+string(token.Role)+" cannot emit build events")
			return hello, false
		}
	case hubtoken.RoleSubscriber:
		if !token.Role.CanWatch() {
			h.refuseStream(conn, build.CodeForbidden,
				"role "+string(token.Role)+" cannot watch build events")
			return hello, false
		}
	}
	return hello, true
}

func (h *Hub) refuseStream(conn net.Conn, code build.ErrorCode, message string) {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	codec.NewEncoder(conn).Encode(build.Welcome{
		Error: message,
		Code:  code,
	})
}

// writeWelcome sends the accepting handshake frame. Returns false if
// the peer is already gone.
func (h *Hub) writeWelcome(conn net.Conn, c *connection) bool {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	err := codec.NewEncoder(conn).Encode(build.Welcome{
		OK:               true,
		ConnectionID:     c.id,
		HeartbeatSeconds: int(h.opts.HeartbeatInterval.Seconds()),
		QueueCapacity:    cap(c.queue),
		StoreDegraded:    h.appender.Unavailable(),
		Protocol:         build.ProtocolVersion,
	})
	if err != nil {
		h.logWriteError(c, err)
		return false
	}
	return true
}

// readFrames decodes envelopes off the socket and routes them until
// the peer disconnects, the connection is closed hub-side, or the
// router decides the stream must end. A clean disconnect returns nil.
func (h *Hub) readFrames(ctx context.Context, c *connection, conn net.Conn) error {
	decoder := codec.NewDecoder(conn)
	for {
		var raw codec.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if ctx.Err() != nil || c.closed() || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return err
		}
		if !h.router.Route(c, []byte(raw)) {
			return nil
		}
	}
}

func writeEnvelope(conn net.Conn, encoder *codec.Encoder, env build.Envelope) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return encoder.Encode(env)
}

func (h *Hub) logWriteError(c *connection, err error) {
	if netutil.IsExpectedCloseError(err) {
		return
	}
	h.logger.Warn("stream write failed",
		"connection", c.id,
		"principal", c.principal,
		"error", err,
	)
}
