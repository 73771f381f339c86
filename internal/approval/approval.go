// Package approval implements the out-of-process human-in-the-loop bridge:
// a Unix domain socket client speaking one newline-delimited JSON request
// and response per confirm decision.
package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// Result is the approval listener's verdict.
type Result string

const (
	AllowOnce   Result = "allow-once"
	AllowAlways Result = "allow-always"
	Deny        Result = "deny"
)

// Environment variables carrying the approval channel descriptor.
const (
	EnvSocketPath = "OPENCLAW_APPROVAL_SOCKET"
	EnvToken      = "OPENCLAW_APPROVAL_TOKEN"
)

// DefaultTimeout is the spec-mandated approval RPC timeout.
const DefaultTimeout = 30 * time.Second

// request is the wire shape sent to the listener.
type request struct {
	Type     string         `json:"type"`
	RuleID   string         `json:"rule_id"`
	ToolName string         `json:"tool_name,omitempty"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Token    string         `json:"token"`
}

type response struct {
	Result string `json:"result"`
}

// Bridge holds the dial timeout and a rate limiter shared across requests.
type Bridge struct {
	Timeout time.Duration
	Limiter *rate.Limiter
}

// NewBridge returns a Bridge with the default 30s timeout and a limiter
// allowing 30 approval RPCs per minute, burst 5 — confirm decisions are
// rare by design; this guards against a misbehaving harness hammering the
// socket.
func NewBridge() *Bridge {
	return &Bridge{
		Timeout: DefaultTimeout,
		Limiter: rate.NewLimiter(rate.Limit(0.5), 5),
	}
}

func descriptor() (socketPath, token string, ok bool) {
	socketPath = os.Getenv(EnvSocketPath)
	token = os.Getenv(EnvToken)
	return socketPath, token, socketPath != ""
}

// Request forwards a confirm decision to the approval listener and returns
// its verdict. Fail-closed: an absent descriptor, a rate-limit rejection, a
// dial/timeout/I/O error, or a malformed reply all return Deny.
func (b *Bridge) Request(ctx context.Context, ruleID, toolName, reason string, metadata map[string]any) Result {
	socketPath, token, ok := descriptor()
	if !ok {
		return Deny
	}
	if b.Limiter != nil && !b.Limiter.Allow() {
		slog.Warn("approval.rate_limited", "rule_id", ruleID)
		return Deny
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		slog.Warn("approval.dial_failed", "error", err)
		return Deny
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		slog.Warn("approval.deadline_failed", "error", err)
		return Deny
	}

	req := request{
		Type:     "policy.request",
		RuleID:   ruleID,
		ToolName: toolName,
		Reason:   reason,
		Metadata: metadata,
		Token:    token,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		slog.Warn("approval.encode_failed", "error", err)
		return Deny
	}
	if _, err := fmt.Fprintf(conn, "%s\n", payload); err != nil {
		slog.Warn("approval.write_failed", "error", err)
		return Deny
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			slog.Warn("approval.read_failed", "error", err)
		} else {
			slog.Warn("approval.read_eof")
		}
		return Deny
	}

	var resp response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		slog.Warn("approval.malformed_reply", "error", err)
		return Deny
	}

	switch Result(resp.Result) {
	case AllowOnce:
		return AllowOnce
	case AllowAlways:
		return AllowAlways
	default:
		return Deny
	}
}
