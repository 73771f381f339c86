package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func withDescriptor(t *testing.T, socketPath, token string) {
	t.Helper()
	t.Setenv(EnvSocketPath, socketPath)
	t.Setenv(EnvToken, token)
}

// TestRequest_NoDescriptorDenies verifies the fail-closed contract when the
// approval channel environment variables are unset: no socket to dial means
// confirm must be treated as deny by the caller.
func TestRequest_NoDescriptorDenies(t *testing.T) {
	t.Setenv(EnvSocketPath, "")
	t.Setenv(EnvToken, "")
	b := NewBridge()

	got := b.Request(context.Background(), "prov.high_risk_stale_source", "exec", "reason", nil)
	if got != Deny {
		t.Fatalf("got %s, want deny with no descriptor", got)
	}
}

// TestRequest_ListenerAllowsOnce verifies a well-behaved listener's
// allow-once reply is forwarded to the caller, and that the request it
// receives carries the rule id, tool name, reason, and bearer token.
func TestRequest_ListenerAllowsOnce(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "approval.sock")

	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var gotReq request
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		if scanner.Scan() {
			_ = json.Unmarshal(scanner.Bytes(), &gotReq)
		}
		resp, _ := json.Marshal(response{Result: string(AllowOnce)})
		conn.Write(append(resp, '\n'))
	}()

	withDescriptor(t, sock, "secret-token")
	b := &Bridge{Timeout: 2 * time.Second}

	got := b.Request(context.Background(), "prov.high_risk_non_user_source", "exec", "needs human sign-off", map[string]any{"path": "/work/x"})
	<-done

	if got != AllowOnce {
		t.Fatalf("got %s, want allow-once", got)
	}
	if gotReq.RuleID != "prov.high_risk_non_user_source" {
		t.Fatalf("got rule_id %q in forwarded request", gotReq.RuleID)
	}
	if gotReq.ToolName != "exec" {
		t.Fatalf("got tool_name %q in forwarded request", gotReq.ToolName)
	}
	if gotReq.Reason != "needs human sign-off" {
		t.Fatalf("got reason %q in forwarded request", gotReq.Reason)
	}
	if gotReq.Token != "secret-token" {
		t.Fatalf("got token %q, want the configured bearer token forwarded", gotReq.Token)
	}
}

// TestRequest_MalformedReplyDenies verifies a reply that isn't valid JSON is
// treated as a deny rather than panicking or defaulting to allow.
func TestRequest_MalformedReplyDenies(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "approval.sock")

	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewScanner(conn).Scan()
		conn.Write([]byte("not json\n"))
	}()

	withDescriptor(t, sock, "tok")
	b := &Bridge{Timeout: 2 * time.Second}

	got := b.Request(context.Background(), "prov.ref_unresolved", "exec", "x", nil)
	if got != Deny {
		t.Fatalf("got %s, want deny on malformed reply", got)
	}
}

// TestRequest_UnreachableSocketDenies verifies a descriptor pointing at a
// socket nothing is listening on fails closed rather than hanging or
// allowing.
func TestRequest_UnreachableSocketDenies(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "no-such.sock")
	_ = os.Remove(sock)

	withDescriptor(t, sock, "tok")
	b := &Bridge{Timeout: 500 * time.Millisecond}

	got := b.Request(context.Background(), "prov.ref_unresolved", "exec", "x", nil)
	if got != Deny {
		t.Fatalf("got %s, want deny when nothing is listening", got)
	}
}

// TestRequest_RateLimitedDenies verifies the bridge's own outbound throttle
// fails closed once exhausted, so a runaway high-risk loop cannot flood the
// approval listener.
func TestRequest_RateLimitedDenies(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "approval.sock")

	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				bufio.NewScanner(conn).Scan()
				resp, _ := json.Marshal(response{Result: string(AllowOnce)})
				conn.Write(append(resp, '\n'))
			}()
		}
	}()

	withDescriptor(t, sock, "tok")
	b := NewBridge()
	// Exhaust the limiter's initial burst without consulting the listener.
	for i := 0; i < 5; i++ {
		b.Limiter.Allow()
	}

	got := b.Request(context.Background(), "prov.ref_unresolved", "exec", "x", nil)
	if got != Deny {
		t.Fatalf("got %s, want deny once the outbound rate limit is exhausted", got)
	}
}
