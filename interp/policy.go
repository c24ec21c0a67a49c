package interp

import (
	"fmt"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
)

// Policy selects how interpreters relate to the engine's global state.
type Policy string

const (
	// PolicyIsolated gives every interpreter its own execution context.
	// Only shared modules cross between them.
	PolicyIsolated Policy = "isolated"

	// PolicyShared attaches every interpreter to one process-wide context
	// created on first use.
	PolicyShared Policy = "shared"

	// PolicyNone runs interpreters directly on the coordinator's primary
	// context. Include paths and shared modules are rejected.
	PolicyNone Policy = "none"
)

// ParsePolicy parses a policy name. The empty string selects
// PolicyIsolated.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return PolicyIsolated, nil
	case PolicyIsolated, PolicyShared, PolicyNone:
		return p, nil
	}
	return "", errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown policy %q", s))
}

func (p Policy) String() string { return string(p) }

// Mode returns the engine context mode of p.
func (p Policy) Mode() embedruntime.Mode {
	switch p {
	case PolicyShared:
		return embedruntime.ModeShared
	case PolicyNone:
		return embedruntime.ModeMain
	}
	return embedruntime.ModeIsolated
}
