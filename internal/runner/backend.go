// Package runner executes single agent invocations: subprocess spawn in an
// isolated process group, line-streamed output parsing, log rotation, idle
// heartbeats, a hard timeout, and retry of transient failures.
package runner

import (
	"fmt"

	"github.com/apcdev/apc/internal/roles"
)

// Backend abstracts one AI CLI. The model tier table is the only place the
// backend's model vocabulary appears.
type Backend interface {
	// Name is the backend identifier used in config and logs.
	Name() string
	// Command returns the binary and arguments for one invocation.
	Command(prompt, model string) (bin string, args []string)
	// ModelFor maps a tier preference to a concrete model name.
	ModelFor(tier roles.ModelTier) string
	// ParseLine classifies one line of subprocess stdout.
	ParseLine(line string) Chunk
}

// NewBackend returns the backend registered under name.
func NewBackend(name string) (Backend, error) {
	switch name {
	case "cursor":
		return &cursorBackend{}, nil
	case "claude":
		return &claudeBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown agent backend %q", name)
	}
}
