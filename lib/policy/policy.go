// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy turns a risk assessment into an allow, deny, or ask
// decision. Decisions are recomputed per step and never persisted:
// the ledger records the outcome, not the rule state that produced
// it.
//
// The decision order is fixed: deny lists first, then the sandbox
// gate, then allow lists, then the approval mode. An explicit deny
// always wins, and the sandbox gate cannot be overridden by an allow
// list entry or by approval mode "never".
package policy

import (
	"errors"
	"fmt"

	"github.com/docket-project/docket/lib/risk"
)

// Action is the verdict of a policy decision.
type Action int

const (
	// Deny rejects the step without execution.
	Deny Action = iota

	// Ask defers to an interactive approval.
	Ask

	// Allow permits the step without interaction.
	Allow
)

// String returns the stable wire/ledger form.
func (a Action) String() string {
	switch a {
	case Deny:
		return "deny"
	case Ask:
		return "ask"
	case Allow:
		return "allow"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if a < Deny || a > Allow {
		return nil, fmt.Errorf("policy: cannot marshal invalid action %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	switch string(text) {
	case "deny":
		*a = Deny
	case "ask":
		*a = Ask
	case "allow":
		*a = Allow
	default:
		return fmt.Errorf("policy: unknown action %q", text)
	}
	return nil
}

// Decision is the engine's verdict for one step.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// ApprovalMode controls when steps require interactive confirmation.
type ApprovalMode int

const (
	// ApproveOnRequest asks for medium and high risk, allows low risk
	// inside the workspace. The default.
	ApproveOnRequest ApprovalMode = iota

	// ApproveOnFailure allows a step only when it retries a previous
	// failure of the same step, asking otherwise.
	ApproveOnFailure

	// ApproveNever allows everything the sandbox gate permits.
	ApproveNever
)

// String returns the configuration form.
func (m ApprovalMode) String() string {
	switch m {
	case ApproveOnRequest:
		return "on-request"
	case ApproveOnFailure:
		return "on-failure"
	case ApproveNever:
		return "never"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (m ApprovalMode) MarshalText() ([]byte, error) {
	if m < ApproveOnRequest || m > ApproveNever {
		return nil, fmt.Errorf("policy: cannot marshal invalid approval mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ApprovalMode) UnmarshalText(text []byte) error {
	parsed, err := ParseApprovalMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseApprovalMode converts the configuration form to a mode.
func ParseApprovalMode(s string) (ApprovalMode, error) {
	switch s {
	case "on-request":
		return ApproveOnRequest, nil
	case "on-failure":
		return ApproveOnFailure, nil
	case "never":
		return ApproveNever, nil
	}
	return 0, fmt.Errorf("policy: unknown approval mode %q", s)
}

// SandboxMode restricts what an executed step may touch, independent
// of the approval mode.
type SandboxMode int

const (
	// SandboxWorkspaceWrite denies writes that resolve outside the
	// workspace root. The default.
	SandboxWorkspaceWrite SandboxMode = iota

	// SandboxReadOnly denies any mutating step outright.
	SandboxReadOnly

	// SandboxFull imposes no path restriction.
	SandboxFull
)

// String returns the configuration form.
func (m SandboxMode) String() string {
	switch m {
	case SandboxWorkspaceWrite:
		return "workspace-write"
	case SandboxReadOnly:
		return "read-only"
	case SandboxFull:
		return "full"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (m SandboxMode) MarshalText() ([]byte, error) {
	if m < SandboxWorkspaceWrite || m > SandboxFull {
		return nil, fmt.Errorf("policy: cannot marshal invalid sandbox mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SandboxMode) UnmarshalText(text []byte) error {
	parsed, err := ParseSandboxMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseSandboxMode converts the configuration form to a mode.
func ParseSandboxMode(s string) (SandboxMode, error) {
	switch s {
	case "workspace-write":
		return SandboxWorkspaceWrite, nil
	case "read-only":
		return SandboxReadOnly, nil
	case "full":
		return SandboxFull, nil
	}
	return 0, fmt.Errorf("policy: unknown sandbox mode %q", s)
}

// TrustPolicy is the process-wide governance configuration. It is
// initialized at startup and mutated only by its owning component.
type TrustPolicy struct {
	// Approval selects when interactive confirmation is required.
	Approval ApprovalMode `json:"approval" yaml:"approval"`

	// Sandbox restricts what executed steps may touch.
	Sandbox SandboxMode `json:"sandbox" yaml:"sandbox"`

	// Workspace is the absolute workspace root. Required unless
	// Sandbox is full.
	Workspace string `json:"workspace" yaml:"workspace"`

	// Allow lists glob patterns for force-allowed low-risk commands.
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`

	// Deny lists glob patterns for force-denied commands.
	Deny []string `json:"deny,omitempty" yaml:"deny,omitempty"`

	// AllowedClients names the peers accepted during the channel
	// handshake. Consulted by the transport, carried here so trust
	// configuration lives in one place.
	AllowedClients []string `json:"allowed_clients,omitempty" yaml:"allowed_clients,omitempty"`
}

// Step is the slice of a planned command the engine needs to decide.
type Step struct {
	// Argv is the command and its arguments.
	Argv []string

	// WorkingDir is where the step would run. Must be absolute.
	WorkingDir string

	// PreviouslyFailed marks a retry of a step that already ran and
	// failed. Only consulted in on-failure mode.
	PreviouslyFailed bool
}

// Engine evaluates steps against a trust policy.
type Engine struct {
	policy TrustPolicy
	filter *GlobFilter
}

// NewEngine validates the trust policy and builds an engine over it.
func NewEngine(tp TrustPolicy) (*Engine, error) {
	var errs []error
	if tp.Approval.String() == "unknown" {
		errs = append(errs, fmt.Errorf("invalid approval mode %d", int(tp.Approval)))
	}
	if tp.Sandbox.String() == "unknown" {
		errs = append(errs, fmt.Errorf("invalid sandbox mode %d", int(tp.Sandbox)))
	}
	if tp.Sandbox != SandboxFull {
		if tp.Workspace == "" {
			errs = append(errs, errors.New("workspace root required unless sandbox mode is full"))
		} else if tp.Workspace[0] != '/' {
			errs = append(errs, fmt.Errorf("workspace root %q is not absolute", tp.Workspace))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return &Engine{
		policy: tp,
		filter: &GlobFilter{Allow: tp.Allow, Deny: tp.Deny},
	}, nil
}

// Policy returns the trust policy the engine was built from.
func (e *Engine) Policy() TrustPolicy {
	return e.policy
}

// Decide maps one assessed step to an allow, deny, or ask decision.
// It is recomputed per step; nothing is cached between calls.
func (e *Engine) Decide(step Step, assess risk.Assessment) Decision {
	verdict, pattern := e.filter.Verdict(step.Argv)
	if verdict == ListDenied {
		return Decision{Deny, fmt.Sprintf("matches deny pattern %q", pattern)}
	}

	if d, denied := e.sandboxGate(step, assess); denied {
		return d
	}

	if verdict == ListAllowed && assess.Level == risk.Low {
		return Decision{Allow, fmt.Sprintf("matches allow pattern %q", pattern)}
	}

	switch e.policy.Approval {
	case ApproveNever:
		return Decision{Allow, "approval mode never requires confirmation"}
	case ApproveOnFailure:
		if step.PreviouslyFailed {
			return Decision{Allow, "retry of a previously failed step"}
		}
		return Decision{Ask, "first run requires confirmation in on-failure mode"}
	default:
		if assess.Level == risk.Low && !assess.OutsideWorkspace {
			return Decision{Allow, "low risk inside workspace"}
		}
		return Decision{Ask, fmt.Sprintf("%s risk requires confirmation: %s",
			assess.Level, firstReason(assess.Reasons))}
	}
}

// sandboxGate applies the sandbox mode. It cannot be overridden by
// allow lists or by approval mode never.
func (e *Engine) sandboxGate(step Step, assess risk.Assessment) (Decision, bool) {
	switch e.policy.Sandbox {
	case SandboxFull:
		return Decision{}, false
	case SandboxReadOnly:
		if assess.Mutating {
			return Decision{Deny, "read-only sandbox denies mutating commands"}, true
		}
		return Decision{}, false
	}

	if !assess.Mutating {
		return Decision{}, false
	}
	if step.WorkingDir == "" || step.WorkingDir[0] != '/' {
		return Decision{Deny, fmt.Sprintf("working directory %q must be absolute for containment checks", step.WorkingDir)}, true
	}
	for _, target := range writeTargets(step.Argv, step.WorkingDir) {
		inside, resolved, err := ResolveWithin(e.policy.Workspace, target)
		if err != nil {
			return Decision{Deny, fmt.Sprintf("cannot verify workspace containment: %v", err)}, true
		}
		if !inside {
			return Decision{Deny, fmt.Sprintf("write target %s resolves outside workspace", resolved)}, true
		}
	}
	return Decision{}, false
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return "unclassified"
	}
	return reasons[0]
}
