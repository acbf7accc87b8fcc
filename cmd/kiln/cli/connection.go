// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kiln-build/kiln/lib/service"
)

// HubConnection manages connection parameters for commands that talk
// to a running hub. AddFlags registers the shared --hub and
// --token-file flags; connect() builds the service client.
type HubConnection struct {
	// Address is the hub socket path or tcp://host:port endpoint.
	Address string

	// TokenPath is the file holding a signed hub token. Empty means
	// unauthenticated, which only the status action accepts.
	TokenPath string
}

// AddFlags registers the connection flags on flagSet. Defaults come
// from KILN_HUB and KILN_TOKEN_FILE so scripted callers can configure
// the connection once in the environment.
func (c *HubConnection) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Address, "hub", envOr("KILN_HUB", "/run/kiln/hub.sock"),
		"hub socket path or tcp://host:port")
	flagSet.StringVar(&c.TokenPath, "token-file", os.Getenv("KILN_TOKEN_FILE"),
		"file containing a signed hub token")
}

// connect creates an authenticated service client from the connection
// parameters. The token file must exist and be non-empty.
func (c *HubConnection) connect() (*service.ServiceClient, error) {
	if c.TokenPath == "" {
		return nil, fmt.Errorf("a hub token is required: pass --token-file or set KILN_TOKEN_FILE")
	}
	client, err := service.NewServiceClient(c.Address, c.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to hub: %w", err)
	}
	return client, nil
}

// connectUnauthenticated creates a service client that presents no
// token. The hub only accepts this for the status action.
func (c *HubConnection) connectUnauthenticated() *service.ServiceClient {
	return service.NewServiceClientFromToken(c.Address, nil)
}

// callContext returns a context with a reasonable timeout for hub
// calls derived from the provided parent. Hub actions answer from
// in-memory state, so the timeout only guards against a dead socket.
func callContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 30*time.Second)
}

// envOr returns the value of the environment variable name, or
// fallback when it is unset or empty.
func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
