// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/kiln-build/kiln/lib/hubtoken"
)

// ProjectSpec declares one project (or a glob of projects) in the
// registry file, with optional per-project overrides of hub defaults.
//
// Name uses the same pattern syntax as token grants: *, **, and ? on
// /-separated paths, so a single entry can cover a subtree
// ("llvm/**"). When several entries match a project, the first one in
// file order wins for overrides.
type ProjectSpec struct {
	// Name is the project name or glob pattern.
	Name string `json:"name"`

	// Description is free-form and unused by the hub.
	Description string `json:"description,omitempty"`

	// QueueCapacity overrides hub.queue_capacity for subscriber
	// connections that name a matching project in their stream
	// handshake. The outbound queue is sized once at stream open, so
	// the override has no effect on SUBSCRIBE frames sent later.
	QueueCapacity int `json:"queue_capacity,omitempty"`

	// AgentGrace overrides hub.agent_grace for builds of matching
	// projects, as a Go duration string ("10m"). Projects with long
	// quiet stretches (LTO links, full test suites) raise it so the
	// liveness sweeper does not fail their builds early.
	AgentGrace string `json:"agent_grace,omitempty"`

	// agentGrace is AgentGrace parsed at load time.
	agentGrace time.Duration
}

// projectsFile is the JSONC document shape of projects.jsonc.
type projectsFile struct {
	Projects []ProjectSpec `json:"projects"`
}

// ProjectRegistry is the set of declared projects plus the acceptance
// rule for undeclared ones. It is immutable after load; the hub reads
// it from every connection goroutine without locking.
type ProjectRegistry struct {
	specs []ProjectSpec
	open  bool
}

// NewProjectRegistry builds a registry from in-memory specs. The hub
// uses it when no projects file is configured; tests use it directly.
// Specs with an unparsed AgentGrace string are rejected the same way
// LoadProjects rejects them.
func NewProjectRegistry(open bool, specs ...ProjectSpec) (*ProjectRegistry, error) {
	for i := range specs {
		if specs[i].Name == "" {
			return nil, fmt.Errorf("project %d: missing name", i)
		}
		if specs[i].AgentGrace != "" {
			grace, err := time.ParseDuration(specs[i].AgentGrace)
			if err != nil {
				return nil, fmt.Errorf("project %q: agent_grace: %w", specs[i].Name, err)
			}
			if grace <= 0 {
				return nil, fmt.Errorf("project %q: agent_grace must be positive", specs[i].Name)
			}
			specs[i].agentGrace = grace
		}
		if specs[i].QueueCapacity < 0 {
			return nil, fmt.Errorf("project %q: queue_capacity must not be negative", specs[i].Name)
		}
	}
	return &ProjectRegistry{specs: specs, open: open}, nil
}

// LoadProjects reads a projects.jsonc registry file. The format is
// JSON extended with // line comments, /* block comments */, and
// trailing commas:
//
//	{
//	  "projects": [
//	    {"name": "llvm/**"},
//	    {"name": "torch-mlir", "agent_grace": "10m"},
//	  ],
//	}
//
// open controls acceptance of projects no entry matches: true accepts
// them with hub defaults, false rejects their events as FORBIDDEN.
func LoadProjects(path string, open bool) (*ProjectRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	stripped := jsonc.ToJSON(data)

	var file projectsFile
	if err := json.Unmarshal(stripped, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	registry, err := NewProjectRegistry(open, file.Projects...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return registry, nil
}

// Accepts reports whether the hub takes events for the project: any
// entry matches it, or the registry is open.
func (r *ProjectRegistry) Accepts(project string) bool {
	if r.open {
		return true
	}
	return r.find(project) != nil
}

// AgentGrace returns the liveness grace for the project's builds: the
// first matching entry's override, or def.
func (r *ProjectRegistry) AgentGrace(project string, def time.Duration) time.Duration {
	if spec := r.find(project); spec != nil && spec.agentGrace > 0 {
		return spec.agentGrace
	}
	return def
}

// QueueCapacity returns the outbound queue capacity for a subscriber
// connection whose handshake names the project: the first matching
// entry's override, or def.
func (r *ProjectRegistry) QueueCapacity(project string, def int) int {
	if spec := r.find(project); spec != nil && spec.QueueCapacity > 0 {
		return spec.QueueCapacity
	}
	return def
}

// Declared reports the number of registry entries, for the hub status
// response.
func (r *ProjectRegistry) Declared() int {
	return len(r.specs)
}

// Open reports whether undeclared projects are accepted.
func (r *ProjectRegistry) Open() bool {
	return r.open
}

func (r *ProjectRegistry) find(project string) *ProjectSpec {
	for i := range r.specs {
		if hubtoken.MatchPattern(r.specs[i].Name, project) {
			return &r.specs[i]
		}
	}
	return nil
}
