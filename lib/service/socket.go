// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/hubtoken"
)

// ActionFunc processes a socket request for a specific action. The raw
// parameter is the full CBOR request (including the "action" field).
// The handler decodes action-specific fields from this raw message.
//
// Return a value to include in the success response, or an error for
// a failure response. If the returned value is nil, the response
// contains only {ok: true}. If non-nil, the value is marshaled as
// CBOR and placed in the response's "data" field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// AuthFunc processes an authenticated socket request. The server has
// already verified the request's bearer token (signature, expiry,
// audience) before the handler runs; the handler receives the decoded
// token for role and project authorization decisions.
type AuthFunc func(ctx context.Context, token *hubtoken.Token, raw []byte) (any, error)

// StreamFunc handles an authenticated streaming action. After token
// verification the server hands the connection to the handler, which
// owns it for the rest of its lifetime: it frames its own CBOR traffic
// in both directions and returns when the stream ends. The server
// closes the connection after the handler returns.
//
// The raw parameter is the full CBOR handshake request, so handlers
// can decode handshake fields beyond "action" and "token".
type StreamFunc func(ctx context.Context, token *hubtoken.Token, raw []byte, conn net.Conn)

// Response is the wire-format envelope for all socket protocol
// responses. Handlers return a result value (or nil) and an error;
// the server wraps these into a Response before encoding.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// AuthConfig carries the verification material for authenticated
// actions. A server constructed without one can only register
// unauthenticated handlers.
type AuthConfig struct {
	// PublicKey verifies token signatures.
	PublicKey ed25519.PublicKey

	// Audience must match the token's audience claim. Tokens minted
	// for a different service are rejected without naming the
	// expected value.
	Audience string

	// Clock supplies the time for expiry checks. Defaults to the
	// real clock; tests inject a fake for deterministic expiry.
	Clock clock.Clock
}

// SocketServer serves a CBOR action-dispatch protocol on a stream
// socket. Request-response connections handle exactly one cycle: the
// client writes a CBOR request, the server writes a CBOR response,
// and the connection closes. Streaming connections stay open for as
// long as the handler runs.
//
// Actions are registered with Handle, HandleAuth, or HandleAuthStream
// before calling Serve. Unknown actions receive an error response.
type SocketServer struct {
	socketPath     string
	handlers       map[string]ActionFunc
	authHandlers   map[string]AuthFunc
	streamHandlers map[string]StreamFunc
	auth           *AuthConfig
	logger         *slog.Logger

	// activeConnections tracks in-flight handlers (request-response
	// and streams alike) for graceful shutdown. Serve waits for all
	// active connections to complete before returning.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
// auth may be nil for servers that only expose unauthenticated
// actions. Register actions before calling Serve.
func NewSocketServer(socketPath string, logger *slog.Logger, auth *AuthConfig) *SocketServer {
	if auth != nil && auth.Clock == nil {
		auth.Clock = clock.Real()
	}
	return &SocketServer{
		socketPath:     socketPath,
		handlers:       make(map[string]ActionFunc),
		authHandlers:   make(map[string]AuthFunc),
		streamHandlers: make(map[string]StreamFunc),
		auth:           auth,
		logger:         logger,
	}
}

// Handle registers an unauthenticated handler for the given action
// name. Panics if the action is already registered.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	s.checkDuplicate(action)
	s.handlers[action] = handler
}

// HandleAuth registers an authenticated request-response handler.
// Panics if the server has no AuthConfig or the action is already
// registered.
func (s *SocketServer) HandleAuth(action string, handler AuthFunc) {
	if s.auth == nil {
		panic("service.SocketServer: HandleAuth requires AuthConfig")
	}
	s.checkDuplicate(action)
	s.authHandlers[action] = handler
}

// HandleAuthStream registers an authenticated streaming handler.
// Panics if the server has no AuthConfig or the action is already
// registered.
func (s *SocketServer) HandleAuthStream(action string, handler StreamFunc) {
	if s.auth == nil {
		panic("service.SocketServer: HandleAuthStream requires AuthConfig")
	}
	s.checkDuplicate(action)
	s.streamHandlers[action] = handler
}

func (s *SocketServer) checkDuplicate(action string) {
	_, unauth := s.handlers[action]
	_, authed := s.authHandlers[action]
	_, stream := s.streamHandlers[action]
	if unauth || authed || stream {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
}

// Serve listens on the Unix socket and dispatches requests to
// registered action handlers. Blocks until ctx is cancelled, then
// stops accepting new connections and waits for active handlers
// (including streams) to complete.
//
// Any existing socket file at the configured path is removed before
// listening. The socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)

	return s.serve(ctx, listener)
}

// ServeListener dispatches requests on an already-bound listener. The
// hub uses this for its optional TCP listener, which serves remote
// build agents alongside the local Unix socket; both listeners share
// one server and one set of handlers.
func (s *SocketServer) ServeListener(ctx context.Context, listener net.Listener) error {
	return s.serve(ctx, listener)
}

func (s *SocketServer) serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout is how long we wait for the client to send its request.
// A well-behaved client sends the request immediately after connecting.
const readTimeout = 30 * time.Second

// writeTimeout is how long we wait for the response to be written.
const writeTimeout = 10 * time.Second

// maxRequestSize is the maximum size of a single CBOR request.
// 1 MB is generous for any hub request: subscribe and resync frames
// are tiny, and even a token-bearing stream handshake stays well
// under 4 KB.
const maxRequestSize = 1024 * 1024

// handleConnection reads the initial request, routes it to a handler,
// and for request-response actions writes the response. Streaming
// actions keep the connection until their handler returns.
func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// Decode one CBOR value from the connection. CBOR is self-
	// delimiting so no framing protocol is needed. LimitReader
	// prevents a malicious client from exhausting memory.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	// Extract the action field for routing.
	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	if streamHandler, exists := s.streamHandlers[header.Action]; exists {
		token, authErr := s.authenticate(raw)
		if authErr != "" {
			s.writeError(conn, authErr)
			return
		}
		// Clear the handshake read deadline. Stream handlers manage
		// their own read lifecycle and the stream may legitimately
		// stay quiet longer than a request-response cycle.
		conn.SetReadDeadline(time.Time{})
		streamHandler(ctx, token, []byte(raw), conn)
		return
	}

	if authHandler, exists := s.authHandlers[header.Action]; exists {
		token, authErr := s.authenticate(raw)
		if authErr != "" {
			s.writeError(conn, authErr)
			return
		}
		result, err := authHandler(ctx, token, []byte(raw))
		if err != nil {
			s.logger.Debug("action failed",
				"action", header.Action,
				"subject", token.Subject,
				"error", err,
			)
			s.writeError(conn, err.Error())
			return
		}
		s.writeSuccess(conn, result)
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed",
			"action", header.Action,
			"error", err,
		)
		s.writeError(conn, err.Error())
		return
	}

	s.writeSuccess(conn, result)
}

// authenticate extracts and verifies the request's bearer token.
// Returns the verified token, or an empty token and a client-facing
// error message. Signature and audience failures share the generic
// "authentication failed" message so a probing client learns nothing
// about why its token was rejected; expiry is reported specifically
// because the fix (mint a fresh token) is the client's to make.
func (s *SocketServer) authenticate(raw codec.RawMessage) (*hubtoken.Token, string) {
	var header struct {
		Token []byte `cbor:"token"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Sprintf("invalid request: %v", err)
	}
	if len(header.Token) == 0 {
		return nil, "missing token field"
	}

	token, err := hubtoken.VerifyAt(s.auth.PublicKey, header.Token, s.auth.Clock.Now())
	if err != nil {
		if errors.Is(err, hubtoken.ErrTokenExpired) {
			return nil, "token expired"
		}
		return nil, "authentication failed"
	}
	if token.Audience != s.auth.Audience {
		return nil, "authentication failed"
	}
	return token, ""
}

// writeError sends a failure response: {ok: false, error: "..."}.
// Write failures are logged at debug level; the connection is closing
// regardless, and the caller has already received the error.
func (s *SocketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Error: message,
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends a success response. If result is nil, the
// response is {ok: true}. If non-nil, the value is marshaled as CBOR
// and placed in the "data" field: {ok: true, data: <cbor>}.
func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}

	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
