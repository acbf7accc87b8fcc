// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hubtoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/kiln-build/kiln/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// HubAudience is the audience value the hub requires. A token minted
// for some other consumer of the same keypair cannot be replayed
// against the hub.
const HubAudience = "kiln-hub"

// Role fixes what a connection may do with its stream.
type Role string

const (
	// RoleAgent may emit build lifecycle events for granted projects.
	RoleAgent Role = "agent"

	// RoleSubscriber may subscribe to and resync granted projects.
	RoleSubscriber Role = "subscriber"

	// RoleAdmin may do both, plus query hub status.
	RoleAdmin Role = "admin"
)

// Valid reports whether the role is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleSubscriber, RoleAdmin:
		return true
	}
	return false
}

// CanEmit reports whether the role may emit build events.
func (r Role) CanEmit() bool {
	return r == RoleAgent || r == RoleAdmin
}

// CanWatch reports whether the role may subscribe to build events.
func (r Role) CanWatch() bool {
	return r == RoleSubscriber || r == RoleAdmin
}

// Token is the CBOR-encoded payload of a hub identity token.
type Token struct {
	// Subject names the principal ("builder-03", "ci/linux-x86",
	// "maintainer/drhea"). Free-form; the hub logs it and uses it to
	// attribute builds, never to authorize.
	Subject string `cbor:"1,keyasint"`

	// Role fixes the connection's capabilities.
	Role Role `cbor:"2,keyasint"`

	// Projects are glob patterns over the project hierarchy. A
	// pattern list is required for both roles: agents may only emit
	// into matching projects, subscribers may only watch them. Empty
	// grants nothing.
	Projects []string `cbor:"3,keyasint,omitempty"`

	// Audience is the consumer this token is scoped to; the hub
	// requires HubAudience.
	Audience string `cbor:"4,keyasint"`

	// ID is a unique token identifier (hex string), carried into
	// logs so a leaked token can be traced.
	ID string `cbor:"5,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of when this token was
	// minted.
	IssuedAt int64 `cbor:"6,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which this token
	// is no longer valid.
	ExpiresAt int64 `cbor:"7,keyasint"`
}

// Errors returned by Verify and related functions.
var (
	ErrTokenTooShort    = errors.New("hubtoken: token too short for signature")
	ErrInvalidSignature = errors.New("hubtoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("hubtoken: token has expired")
	ErrAudienceMismatch = errors.New("hubtoken: audience does not match")
	ErrInvalidRole      = errors.New("hubtoken: unknown role")
)

// Mint signs a Token with the signing key and returns the raw
// wire-format bytes: CBOR-encoded payload followed by the 64-byte
// Ed25519 signature.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("hubtoken: encoding token payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)

	return result, nil
}

// Verify splits the raw token bytes, verifies the Ed25519 signature,
// CBOR-decodes the payload, and checks expiry. Returns the decoded
// Token on success.
//
// The caller should additionally check the Audience field; the hub
// itself uses VerifyForHub.
func Verify(publicKey ed25519.PublicKey, tokenBytes []byte) (*Token, error) {
	return VerifyAt(publicKey, tokenBytes, time.Now())
}

// VerifyAt is like Verify but accepts an explicit time for expiry
// checks. This supports deterministic testing.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	splitPoint := len(tokenBytes) - signatureSize
	payload := tokenBytes[:splitPoint]
	signature := tokenBytes[splitPoint:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("hubtoken: decoding token payload: %w", err)
	}

	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &token, nil
}

// Decode splits the raw token bytes and CBOR-decodes the payload
// WITHOUT verifying the signature or expiry. For display and
// debugging only ("kiln token inspect"); never authorize with it.
func Decode(tokenBytes []byte) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	var token Token
	if err := codec.Unmarshal(tokenBytes[:len(tokenBytes)-signatureSize], &token); err != nil {
		return nil, fmt.Errorf("hubtoken: decoding token payload: %w", err)
	}
	return &token, nil
}

// VerifyForHub combines Verify with the audience and role checks.
// This is the hub's standard verification path.
func VerifyForHub(publicKey ed25519.PublicKey, tokenBytes []byte) (*Token, error) {
	return VerifyForHubAt(publicKey, tokenBytes, time.Now())
}

// VerifyForHubAt is like VerifyForHub but accepts an explicit time.
func VerifyForHubAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	token, err := VerifyAt(publicKey, tokenBytes, now)
	if err != nil {
		return nil, err
	}

	if token.Audience != HubAudience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, token.Audience, HubAudience)
	}
	if !token.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, token.Role)
	}

	return token, nil
}

// ProjectAllowed checks whether the token's project patterns cover a
// specific project. Empty patterns grant nothing (default-deny).
func (t *Token) ProjectAllowed(project string) bool {
	return MatchAnyPattern(t.Projects, project)
}
