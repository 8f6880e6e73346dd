// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledgercmd

import (
	"strings"
	"testing"
	"time"

	"github.com/docket-project/docket/lib/ledger"
	"github.com/docket-project/docket/lib/risk"
)

func TestBuildFilter(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("zero options give an open filter", func(t *testing.T) {
		filter, err := buildFilter(listOptions{}, now)
		if err != nil {
			t.Fatalf("buildFilter() error: %v", err)
		}
		if filter.Actor != ledger.ActorUnspecified {
			t.Errorf("Actor = %v, want unspecified", filter.Actor)
		}
		if filter.Risk != risk.Unknown {
			t.Errorf("Risk = %v, want unknown", filter.Risk)
		}
		if filter.Since != 0 || filter.ExitCodeNot != nil {
			t.Errorf("filter = %+v, want no time or exit bounds", filter)
		}
	})

	t.Run("actor names map to constants", func(t *testing.T) {
		filter, err := buildFilter(listOptions{actor: "ipc"}, now)
		if err != nil {
			t.Fatalf("buildFilter() error: %v", err)
		}
		if filter.Actor != ledger.ActorIPC {
			t.Errorf("Actor = %v, want ActorIPC", filter.Actor)
		}

		if _, err := buildFilter(listOptions{actor: "remote"}, now); err == nil {
			t.Error("buildFilter(actor=remote) = nil error, want rejection")
		}
	})

	t.Run("risk level parses", func(t *testing.T) {
		filter, err := buildFilter(listOptions{riskLevel: "high"}, now)
		if err != nil {
			t.Fatalf("buildFilter() error: %v", err)
		}
		if filter.Risk != risk.High {
			t.Errorf("Risk = %v, want High", filter.Risk)
		}

		if _, err := buildFilter(listOptions{riskLevel: "severe"}, now); err == nil {
			t.Error("buildFilter(risk=severe) = nil error, want rejection")
		}
	})

	t.Run("since window anchors on now", func(t *testing.T) {
		filter, err := buildFilter(listOptions{since: "2h"}, now)
		if err != nil {
			t.Fatalf("buildFilter() error: %v", err)
		}
		want := now.Add(-2 * time.Hour).UnixMilli()
		if filter.Since != want {
			t.Errorf("Since = %d, want %d", filter.Since, want)
		}

		if _, err := buildFilter(listOptions{since: "yesterday"}, now); err == nil {
			t.Error("buildFilter(since=yesterday) = nil error, want rejection")
		}
	})

	t.Run("failed excludes exit zero", func(t *testing.T) {
		filter, err := buildFilter(listOptions{failed: true}, now)
		if err != nil {
			t.Fatalf("buildFilter() error: %v", err)
		}
		if filter.ExitCodeNot == nil || *filter.ExitCodeNot != 0 {
			t.Errorf("ExitCodeNot = %v, want pointer to 0", filter.ExitCodeNot)
		}
	})

	t.Run("substring and identity filters pass through", func(t *testing.T) {
		filter, err := buildFilter(listOptions{
			requestID: "req-9",
			decision:  ledger.DecisionDeniedByPolicy,
			errorCode: "policy_denied",
			command:   "git push",
			workdir:   "/work",
			limit:     7,
		}, now)
		if err != nil {
			t.Fatalf("buildFilter() error: %v", err)
		}
		if filter.RequestID != "req-9" || filter.Decision != ledger.DecisionDeniedByPolicy ||
			filter.ErrorCode != "policy_denied" || filter.CommandContains != "git push" ||
			filter.WorkingDirContains != "/work" || filter.Limit != 7 {
			t.Errorf("filter = %+v, want pass-through values", filter)
		}
	})
}

func TestRenderTable(t *testing.T) {
	exitZero := 0
	when := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC).UnixMilli()

	entries := []ledger.Entry{
		{
			Sequence:  1,
			Timestamp: when,
			Actor:     ledger.ActorLocal,
			Command:   "go build ./...",
			Risk:      risk.Low,
			Decision:  ledger.DecisionAllowed,
			ExitCode:  &exitZero,
		},
		{
			Sequence:  2,
			Timestamp: when,
			Actor:     ledger.ActorIPC,
			Command:   "ipc:cloud_query",
			Risk:      risk.Medium,
			Decision:  ledger.DecisionDeniedByPolicy,
			ErrorCode: "sanitize_block",
		},
		{
			Sequence:  3,
			Timestamp: when,
			Actor:     ledger.ActorLocal,
			Risk:      risk.High,
			Decision:  ledger.DecisionApproved,
			Private:   true,
		},
	}

	var out strings.Builder
	renderTable(&out, entries)
	rendered := out.String()

	for _, want := range []string{
		"SEQ", "TIME", "ACTOR", "RISK", "DECISION", "EXIT", "COMMAND",
		"go build ./...",
		"allowed",
		"ipc:cloud_query",
		"sanitize_block",
		"[private]",
	} {
		if !strings.Contains(rendered, want) {
			t.Errorf("table missing %q\n\nFull output:\n%s", want, rendered)
		}
	}

	// A denied entry that never ran shows its error code, not an exit
	// code.
	for _, line := range strings.Split(rendered, "\n") {
		if strings.Contains(line, "ipc:cloud_query") && !strings.Contains(line, "sanitize_block") {
			t.Errorf("denied row should carry the error code: %q", line)
		}
	}
}
