// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package governor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docket-project/docket/lib/ipc"
	"github.com/docket-project/docket/lib/ledger"
	"github.com/docket-project/docket/lib/policy"
	"github.com/docket-project/docket/lib/risk"
	"github.com/docket-project/docket/lib/runner"
)

// scriptedApprover answers prompts from a fixed script and records
// every request it saw.
type scriptedApprover struct {
	answers  []Approval
	err      error
	requests []Request
}

func (a *scriptedApprover) Approve(ctx context.Context, req Request) (Approval, error) {
	a.requests = append(a.requests, req)
	if a.err != nil {
		return Approval{}, a.err
	}
	if len(a.answers) == 0 {
		return Approval{}, nil
	}
	next := a.answers[0]
	a.answers = a.answers[1:]
	return next, nil
}

type harness struct {
	governor  *Governor
	ledger    *ledger.Ledger
	approver  *scriptedApprover
	session   *Session
	workspace string
}

func newHarness(t *testing.T, mutate func(*policy.TrustPolicy)) *harness {
	t.Helper()
	workspace := t.TempDir()
	tp := policy.TrustPolicy{
		Approval:  policy.ApproveOnRequest,
		Sandbox:   policy.SandboxWorkspaceWrite,
		Workspace: workspace,
	}
	if mutate != nil {
		mutate(&tp)
	}
	engine, err := policy.NewEngine(tp)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	led, err := ledger.Open(ledger.Config{
		Path: filepath.Join(t.TempDir(), "ledger.db"),
	})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	approver := &scriptedApprover{}
	session, err := OpenSession("", nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	gov, err := New(Config{
		Engine: engine,
		Runner: runner.New(runner.Config{
			DefaultTimeout: 30 * time.Second,
			GracePeriod:    200 * time.Millisecond,
		}),
		Ledger:   led,
		Approver: approver,
		Session:  session,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{
		governor:  gov,
		ledger:    led,
		approver:  approver,
		session:   session,
		workspace: workspace,
	}
}

// entriesFor fetches the ledger entries for one step, oldest first.
func entriesFor(t *testing.T, led *ledger.Ledger, stepID string) []ledger.Entry {
	t.Helper()
	entries, err := led.Query(context.Background(), ledger.Filter{RequestID: stepID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return entries
}

func TestGovernAllowsLowRiskInsideWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	plan := &Plan{Steps: []Step{{
		Argv:       []string{"echo", "ok"},
		WorkingDir: h.workspace,
	}}}

	outcomes, err := h.governor.Govern(context.Background(), plan)
	if err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if plan.State != PlanDone {
		t.Errorf("plan state = %s, want done", plan.State)
	}
	if len(h.approver.requests) != 0 {
		t.Errorf("approver consulted %d times for a low-risk step", len(h.approver.requests))
	}

	outcome := outcomes[0]
	if outcome.Decision != ledger.DecisionAllowed {
		t.Errorf("decision = %q", outcome.Decision)
	}
	if outcome.Code != "" {
		t.Errorf("code = %q, want empty", outcome.Code)
	}
	if !outcome.Executed() || outcome.Result.ExitCode != 0 {
		t.Fatalf("outcome not executed cleanly: %+v", outcome)
	}
	if got := outcome.Result.Stdout; got != "ok\n" {
		t.Errorf("stdout = %q", got)
	}
	if outcome.Step.Risk != risk.Low {
		t.Errorf("stamped risk = %s, want low", outcome.Step.Risk)
	}

	entries := entriesFor(t, h.ledger, outcome.StepID)
	if len(entries) != 2 {
		t.Fatalf("ledger entries = %d, want write-ahead + completion", len(entries))
	}
	if entries[0].ExitCode != nil {
		t.Error("write-ahead entry has an exit code")
	}
	if entries[1].ExitCode == nil || *entries[1].ExitCode != 0 {
		t.Errorf("completion exit code = %v, want 0", entries[1].ExitCode)
	}
	for _, e := range entries {
		if e.Actor != ledger.ActorLocal {
			t.Errorf("actor = %s, want local", e.Actor)
		}
		if e.Decision != ledger.DecisionAllowed {
			t.Errorf("entry decision = %q", e.Decision)
		}
		if e.ApprovalMode != "on-request" || e.SandboxMode != "workspace-write" {
			t.Errorf("modes = %q/%q", e.ApprovalMode, e.SandboxMode)
		}
	}
}

func TestGovernAsksAndApproves(t *testing.T) {
	h := newHarness(t, nil)
	h.approver.answers = []Approval{{Choice: ChoiceApprove}}

	outcome, err := h.governor.GovernStep(context.Background(), Step{
		Argv:       []string{"true"},
		WorkingDir: h.workspace,
		Rationale:  "verify the toolchain with token=abc123secret",
	})
	if err != nil {
		t.Fatalf("GovernStep: %v", err)
	}

	if len(h.approver.requests) != 1 {
		t.Fatalf("approver consulted %d times, want 1", len(h.approver.requests))
	}
	req := h.approver.requests[0]
	if req.Decision.Action != policy.Ask {
		t.Errorf("prompt decision = %s, want ask", req.Decision.Action)
	}
	if req.Assessment.Level != risk.Medium {
		t.Errorf("prompt risk = %s, want medium", req.Assessment.Level)
	}
	if strings.Contains(req.Step.Rationale, "abc123secret") {
		t.Error("rationale reached the prompt unsanitized")
	}
	if !strings.Contains(req.Step.Rationale, "[REDACTED_KEY]") {
		t.Errorf("rationale = %q, want redaction placeholder", req.Step.Rationale)
	}

	if outcome.Decision != ledger.DecisionApproved {
		t.Errorf("decision = %q", outcome.Decision)
	}
	if !outcome.Executed() || outcome.Result.ExitCode != 0 {
		t.Fatalf("approved step did not run cleanly: %+v", outcome)
	}
}

func TestGovernUserDenial(t *testing.T) {
	h := newHarness(t, nil)
	h.approver.answers = []Approval{{Choice: ChoiceDeny, Note: "not on this branch"}}

	plan := &Plan{Steps: []Step{{Argv: []string{"true"}, WorkingDir: h.workspace}}}
	outcomes, err := h.governor.Govern(context.Background(), plan)
	if err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if plan.State != PlanDenied {
		t.Errorf("plan state = %s, want denied", plan.State)
	}

	outcome := outcomes[0]
	if outcome.Decision != ledger.DecisionDeniedByUser {
		t.Errorf("decision = %q", outcome.Decision)
	}
	if outcome.Code != ipc.CodePolicyDenied {
		t.Errorf("code = %q, want policy_denied", outcome.Code)
	}
	if !strings.Contains(outcome.Reason, "not on this branch") {
		t.Errorf("reason = %q, want operator note", outcome.Reason)
	}
	if outcome.Executed() {
		t.Error("denied step executed")
	}

	entries := entriesFor(t, h.ledger, outcome.StepID)
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want single denial record", len(entries))
	}
	if entries[0].ErrorCode != string(ipc.CodePolicyDenied) {
		t.Errorf("entry error code = %q", entries[0].ErrorCode)
	}
	if entries[0].ExitCode != nil {
		t.Error("denial entry has an exit code")
	}
}

func TestGovernDenyListSkipsPrompt(t *testing.T) {
	h := newHarness(t, func(tp *policy.TrustPolicy) {
		tp.Deny = []string{"rm *"}
	})

	outcome, err := h.governor.GovernStep(context.Background(), Step{
		Argv:       []string{"rm", "scratch.txt"},
		WorkingDir: h.workspace,
	})
	if err != nil {
		t.Fatalf("GovernStep: %v", err)
	}
	if outcome.Decision != ledger.DecisionDeniedByPolicy {
		t.Errorf("decision = %q", outcome.Decision)
	}
	if outcome.Code != ipc.CodePolicyDenied {
		t.Errorf("code = %q", outcome.Code)
	}
	if len(h.approver.requests) != 0 {
		t.Error("deny-listed step reached the prompt")
	}
}

func TestGovernEditReclassifies(t *testing.T) {
	h := newHarness(t, nil)
	h.approver.answers = []Approval{{Choice: ChoiceEdit, Argv: []string{"echo", "edited"}}}

	outcome, err := h.governor.GovernStep(context.Background(), Step{
		Argv:       []string{"true"},
		WorkingDir: h.workspace,
	})
	if err != nil {
		t.Fatalf("GovernStep: %v", err)
	}

	// The edit produced a low-risk command, so the second pass allows
	// without a second prompt.
	if len(h.approver.requests) != 1 {
		t.Fatalf("approver consulted %d times, want 1", len(h.approver.requests))
	}
	if outcome.Decision != ledger.DecisionAllowed {
		t.Errorf("decision = %q, want allowed after edit", outcome.Decision)
	}
	if got := outcome.Step.Argv; len(got) != 2 || got[0] != "echo" || got[1] != "edited" {
		t.Errorf("outcome argv = %v, want edited argv", got)
	}
	if !outcome.Executed() || outcome.Result.Stdout != "edited\n" {
		t.Fatalf("edited step did not run: %+v", outcome)
	}
	if outcome.Step.Risk != risk.Low {
		t.Errorf("edited step risk = %s, want low after reclassification", outcome.Step.Risk)
	}
}

func TestGovernOnFailureMode(t *testing.T) {
	h := newHarness(t, func(tp *policy.TrustPolicy) {
		tp.Approval = policy.ApproveOnFailure
	})
	h.approver.answers = []Approval{{Choice: ChoiceApprove}}
	ctx := context.Background()
	step := Step{Argv: []string{"false"}, WorkingDir: h.workspace}

	// First run: no prior failure, so on-failure mode asks.
	first, err := h.governor.GovernStep(ctx, step)
	if err != nil {
		t.Fatalf("GovernStep: %v", err)
	}
	if len(h.approver.requests) != 1 {
		t.Fatalf("first run consulted approver %d times, want 1", len(h.approver.requests))
	}
	if first.Code != ipc.CodeExecutionFailed {
		t.Errorf("first code = %q, want execution_failed", first.Code)
	}
	last := h.session.LastFailure()
	if last == nil || last.ExitCode != 1 {
		t.Fatalf("failure not recorded: %+v", last)
	}

	// Second run of the exact step: the recorded failure admits it
	// without a prompt.
	second, err := h.governor.GovernStep(ctx, step)
	if err != nil {
		t.Fatalf("GovernStep: %v", err)
	}
	if len(h.approver.requests) != 1 {
		t.Errorf("retry consulted the approver")
	}
	if second.Decision != ledger.DecisionAllowed {
		t.Errorf("retry decision = %q, want allowed", second.Decision)
	}
	if !strings.Contains(second.Reason, "previously failed") {
		t.Errorf("retry reason = %q", second.Reason)
	}

	// A different step gets no free pass.
	h.approver.answers = []Approval{{Choice: ChoiceDeny}}
	third, err := h.governor.GovernStep(ctx, Step{Argv: []string{"true"}, WorkingDir: h.workspace})
	if err != nil {
		t.Fatalf("GovernStep: %v", err)
	}
	if len(h.approver.requests) != 2 {
		t.Errorf("distinct step skipped the prompt")
	}
	if third.Decision != ledger.DecisionDeniedByUser {
		t.Errorf("third decision = %q", third.Decision)
	}
}

func TestGovernNoLogRecordsPrivateEntries(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.SetNoLog(true); err != nil {
		t.Fatalf("SetNoLog: %v", err)
	}

	outcome, err := h.governor.GovernStep(context.Background(), Step{
		Argv:       []string{"echo", "quiet"},
		WorkingDir: h.workspace,
	})
	if err != nil {
		t.Fatalf("GovernStep: %v", err)
	}
	if outcome.Code != "" {
		t.Fatalf("step failed: %+v", outcome)
	}

	entries := entriesFor(t, h.ledger, outcome.StepID)
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	for _, e := range entries {
		if !e.Private {
			t.Error("entry not marked private in no-log mode")
		}
		if e.Command != "" {
			t.Errorf("private entry kept command %q", e.Command)
		}
		if len(e.CommandHash) != 64 {
			t.Errorf("private entry lost its command hash")
		}
	}
}

func TestGovernPlanStopsAfterFailure(t *testing.T) {
	h := newHarness(t, func(tp *policy.TrustPolicy) {
		tp.Approval = policy.ApproveNever
	})
	plan := &Plan{Steps: []Step{
		{Argv: []string{"false"}, WorkingDir: h.workspace},
		{Argv: []string{"echo", "never-runs"}, WorkingDir: h.workspace},
	}}

	outcomes, err := h.governor.Govern(context.Background(), plan)
	if err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if plan.State != PlanFailed {
		t.Errorf("plan state = %s, want failed", plan.State)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want plan stopped after first failure", len(outcomes))
	}
	if outcomes[0].Code != ipc.CodeExecutionFailed {
		t.Errorf("code = %q", outcomes[0].Code)
	}
}

func TestGovernMalformedStepFailsStepOnly(t *testing.T) {
	h := newHarness(t, nil)
	plan := &Plan{Steps: []Step{{WorkingDir: h.workspace}}}

	outcomes, err := h.governor.Govern(context.Background(), plan)
	if err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if outcomes[0].Code != ipc.CodeInvalidPayload {
		t.Errorf("code = %q, want invalid_payload", outcomes[0].Code)
	}
	if plan.State != PlanDenied {
		t.Errorf("plan state = %s", plan.State)
	}

	// The session survives; the next plan governs normally.
	outcome, err := h.governor.GovernStep(context.Background(), Step{
		Argv:       []string{"echo", "alive"},
		WorkingDir: h.workspace,
	})
	if err != nil {
		t.Fatalf("GovernStep after malformed step: %v", err)
	}
	if outcome.Code != "" {
		t.Errorf("follow-up step failed: %+v", outcome)
	}
}

func TestGovernNoApproverDeniesAskTier(t *testing.T) {
	h := newHarness(t, nil)
	bare, err := New(Config{
		Engine: h.governor.engine,
		Runner: h.governor.runner,
		Ledger: h.ledger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outcome, err := bare.GovernStep(context.Background(), Step{
		Argv:       []string{"true"},
		WorkingDir: h.workspace,
	})
	if err != nil {
		t.Fatalf("GovernStep: %v", err)
	}
	if outcome.Decision != ledger.DecisionDeniedByPolicy {
		t.Errorf("decision = %q", outcome.Decision)
	}
	if !strings.Contains(outcome.Reason, "no prompt") {
		t.Errorf("reason = %q", outcome.Reason)
	}
}

func TestGovernCanceledMidExecution(t *testing.T) {
	h := newHarness(t, func(tp *policy.TrustPolicy) {
		tp.Approval = policy.ApproveNever
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	plan := &Plan{Steps: []Step{{Argv: []string{"sleep", "30"}, WorkingDir: h.workspace}}}
	outcomes, err := h.governor.Govern(ctx, plan)
	if err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation took %s", elapsed)
	}
	if plan.State != PlanFailed {
		t.Errorf("plan state = %s, want failed", plan.State)
	}

	outcome := outcomes[0]
	if outcome.Code != ipc.CodeCanceled {
		t.Errorf("code = %q, want canceled", outcome.Code)
	}
	if outcome.Result == nil || !outcome.Result.Canceled {
		t.Fatalf("result = %+v, want canceled", outcome.Result)
	}

	entries := entriesFor(t, h.ledger, outcome.StepID)
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	done := entries[1]
	if done.ErrorCode != string(ipc.CodeCanceled) {
		t.Errorf("completion error code = %q", done.ErrorCode)
	}
	if done.ExitCode == nil || *done.ExitCode != -1 {
		t.Errorf("completion exit code = %v, want -1", done.ExitCode)
	}
}

func TestGovernRejectsReusedPlan(t *testing.T) {
	h := newHarness(t, func(tp *policy.TrustPolicy) {
		tp.Approval = policy.ApproveNever
	})
	plan := &Plan{Steps: []Step{{Argv: []string{"true"}, WorkingDir: h.workspace}}}
	if _, err := h.governor.Govern(context.Background(), plan); err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if _, err := h.governor.Govern(context.Background(), plan); err == nil {
		t.Fatal("re-governing a completed plan succeeded")
	}
}

func TestCommandLine(t *testing.T) {
	cases := []struct {
		argv []string
		want string
	}{
		{[]string{"echo", "ok"}, "echo ok"},
		{[]string{"sh", "-c", "exit 7"}, `sh -c "exit 7"`},
		{[]string{"grep", ""}, `grep ""`},
		{[]string{"printf", "a\nb"}, `printf "a\nb"`},
	}
	for _, tc := range cases {
		if got := commandLine(tc.argv); got != tc.want {
			t.Errorf("commandLine(%v) = %q, want %q", tc.argv, got, tc.want)
		}
	}
}
