package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/sentryclaw/internal/preflight"
	"github.com/nextlevelbuilder/sentryclaw/internal/recorder"
)

func freshEngine() *Engine {
	e := New("/nonexistent/policy.json")
	e.Policies.Reset()
	return e
}

// TestWrap_AllowedToolIsRecordedAndDecorated verifies the happy path: a
// clean exec call runs the underlying tool, records one observation, and
// decorates the result with __prov_ref instead of mutating it.
func TestWrap_AllowedToolIsRecordedAndDecorated(t *testing.T) {
	e := freshEngine()
	e.BeginUserTurn("S1", "hi")

	called := false
	result, err := e.Wrap(context.Background(), "S1", "exec", map[string]any{"command": "echo hi"}, "tc1", preflight.EvaluateOptions{}, func(ctx context.Context, params any) (any, error) {
		called = true
		return map[string]any{"stdout": "hi\n"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("underlying tool was not invoked")
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result not a map: %#v", result)
	}
	ref, _ := m["__prov_ref"].(string)
	if ref == "" {
		t.Fatalf("missing __prov_ref in decorated result: %#v", m)
	}
	if m["stdout"] != "hi\n" {
		t.Fatalf("decorated result lost original field: %#v", m)
	}
}

// TestWrap_PrimitiveResultIsWrapped verifies a non-map tool result is
// wrapped in {value, __prov_ref} instead of being mutated in place.
func TestWrap_PrimitiveResultIsWrapped(t *testing.T) {
	e := freshEngine()
	e.BeginUserTurn("S-prim", "hi")

	result, err := e.Wrap(context.Background(), "S-prim", "exec", map[string]any{"command": "echo hi"}, "tc1", preflight.EvaluateOptions{}, func(ctx context.Context, params any) (any, error) {
		return "plain string result", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result not wrapped in a map: %#v", result)
	}
	if m["value"] != "plain string result" {
		t.Fatalf("got %#v, want wrapped primitive", m)
	}
	if ref, _ := m["__prov_ref"].(string); ref == "" {
		t.Fatal("missing __prov_ref on wrapped primitive")
	}
}

// TestWrap_DeniedToolDoesNotRecordOrInvoke verifies a blocked call neither
// invokes the underlying tool nor records an observation, so the session is
// not tainted by a synthetic entry for a call that never ran.
func TestWrap_DeniedToolDoesNotRecordOrInvoke(t *testing.T) {
	e := freshEngine()
	e.BeginUserTurn("S2", "hi")
	// A prior untrusted observation taints the turn, so the following exec
	// is denied under prov.high_risk_after_untrusted.
	e.Record("S2", recorder.Input{Tool: "read", ToolCallID: "precede", Ok: true, Result: "SECRET"})

	called := false
	_, err := e.Wrap(context.Background(), "S2", "exec", map[string]any{"command": "echo hi"}, "tc2", preflight.EvaluateOptions{}, func(ctx context.Context, params any) (any, error) {
		called = true
		return "should not run", nil
	})
	if err == nil {
		t.Fatal("expected BlockedError, got nil")
	}
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedError, got %#v", err)
	}
	if blocked.Result.RuleID != preflight.RuleHighRiskAfterUntrusted {
		t.Fatalf("got rule %s, want %s", blocked.Result.RuleID, preflight.RuleHighRiskAfterUntrusted)
	}
	if called {
		t.Fatal("underlying tool was invoked despite a deny decision")
	}

	s := e.Registry.Get("S2")
	deniedID := fmt.Sprintf("obs:t%d:exec_tc2", s.Turn)
	if _, found := s.Data[deniedID]; found {
		t.Fatalf("denied call recorded a synthetic observation: %s", deniedID)
	}
}

// TestWrap_FailedToolStillRecordsOnce verifies the underlying tool's own
// failure is still recorded exactly once, with ok=false, and the error is
// propagated to the caller rather than swallowed.
func TestWrap_FailedToolStillRecordsOnce(t *testing.T) {
	e := freshEngine()
	e.BeginUserTurn("S3", "hi")

	toolErr := errors.New("boom")
	_, err := e.Wrap(context.Background(), "S3", "read", map[string]any{"path": "~/sentryclaw-missing-read.txt"}, "tc3", preflight.EvaluateOptions{}, func(ctx context.Context, params any) (any, error) {
		return nil, toolErr
	})
	if !errors.Is(err, toolErr) {
		t.Fatalf("got %v, want underlying tool error propagated", err)
	}

	s := e.Registry.Get("S3")
	wantID := fmt.Sprintf("obs:t%d:read_tc3", s.Turn)
	if _, found := s.Data[wantID]; !found {
		t.Fatalf("expected observation %s to be recorded", wantID)
	}
	if !s.Tainted {
		t.Fatal("a failed read is still an untrusted observation and should taint the turn")
	}
}

// TestWrap_EmptyToolCallIDStillCommitsPendingWrite verifies that a file-write
// call made with no caller-supplied tool-call id still gets its pending write
// committed: the pre-flight synthesizes an id to file the PendingWrite under,
// and Wrap must reuse that same synthesized id for the post-tool record
// rather than the empty string, or the write would never resolve against
// resource_last_write_turn.
func TestWrap_EmptyToolCallIDStillCommitsPendingWrite(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home directory available")
	}
	path := filepath.Join(home, "sentryclaw-test-report.txt")

	e := freshEngine()
	e.BeginUserTurn("S5", "hi")

	result, err := e.Wrap(context.Background(), "S5", "write_file", map[string]any{"path": path}, "", preflight.EvaluateOptions{PathBase: home}, func(ctx context.Context, params any) (any, error) {
		return map[string]any{"bytesWritten": 3}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m, ok := result.(map[string]any); !ok || m["__prov_ref"] == "" {
		t.Fatalf("expected decorated result, got %#v", result)
	}

	s := e.Registry.Get("S5")
	if _, found := s.PendingWrites["" /* never committed under the empty id */]; found {
		t.Fatal("pending write should never be keyed by the empty tool-call id")
	}
	if len(s.PendingWrites) != 0 {
		t.Fatalf("expected the pending write to be committed and removed, got %d remaining", len(s.PendingWrites))
	}
	if turn, wrote := s.ResourceLastWriteTurn["file:"+path]; !wrote || turn != s.Turn {
		t.Fatalf("expected resource_last_write_turn to record turn %d for %s, got %d (wrote=%v)", s.Turn, path, turn, wrote)
	}
}

// TestBeginUserTurn_AdvancesTurnAndClearsTaint exercises the turn-boundary
// contract directly through the Engine handle.
func TestBeginUserTurn_AdvancesTurnAndClearsTaint(t *testing.T) {
	e := freshEngine()
	id1 := e.BeginUserTurn("S4", "first")
	s := e.Registry.Get("S4")
	if s.Turn != 1 {
		t.Fatalf("got turn %d, want 1", s.Turn)
	}
	if id1 != "user:t1:prompt" {
		t.Fatalf("got id %q, want user:t1:prompt", id1)
	}

	e.Record("S4", recorder.Input{Tool: "read", ToolCallID: "x", Ok: true, Result: "tainting"})
	if !s.Tainted {
		t.Fatal("expected taint after untrusted observation")
	}

	e.BeginUserTurn("S4", "second")
	if s.Tainted {
		t.Fatal("expected taint cleared on new turn")
	}
	if s.Turn != 2 {
		t.Fatalf("got turn %d, want 2", s.Turn)
	}
}
