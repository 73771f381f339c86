// Package engine exposes the single explicit handle an embedding harness
// creates at program start: it owns the policy store and the provenance
// registry, and its Wrap method is the one pre/post integration point a
// tool invocation passes through. There is no process-wide singleton here —
// callers construct their own Engine and thread it explicitly.
package engine

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/sentryclaw/internal/approval"
	"github.com/nextlevelbuilder/sentryclaw/internal/policystore"
	"github.com/nextlevelbuilder/sentryclaw/internal/preflight"
	"github.com/nextlevelbuilder/sentryclaw/internal/provenance"
	"github.com/nextlevelbuilder/sentryclaw/internal/recorder"
)

// Engine bundles the policy cache, provenance registry, pre-flight
// evaluator, and approval bridge a harness needs to gate tool calls.
type Engine struct {
	Policies   *policystore.Store
	Registry   *provenance.Registry
	Evaluator  *preflight.Evaluator
	Approval   *approval.Bridge
	PolicyPath string
}

// New constructs a fresh Engine. An empty policyPath falls back to
// policystore.DefaultPolicyPath.
func New(policyPath string) *Engine {
	reg := provenance.NewRegistry()
	return &Engine{
		Policies:   policystore.NewStore(),
		Registry:   reg,
		Evaluator:  preflight.NewEvaluator(reg),
		Approval:   approval.NewBridge(),
		PolicyPath: policyPath,
	}
}

// Close releases the policy store's file watcher.
func (e *Engine) Close() error {
	return e.Policies.Close()
}

func (e *Engine) policy() *policystore.Policy {
	return e.Policies.Get(e.PolicyPath)
}

// BeginUserTurn is the turn-boundary contract: it advances the named
// session's turn and returns the new user_prompt node id.
func (e *Engine) BeginUserTurn(sessionID, text string) string {
	s := e.Registry.Get(sessionID)
	return e.Registry.BeginUserTurn(s, text)
}

// Preflight is the pre-flight contract, exposed directly for callers that
// want to evaluate without invoking a tool (e.g. a dry-run CLI).
func (e *Engine) Preflight(sessionID, tool string, params any, toolCallID string, opts preflight.EvaluateOptions) (preflight.Result, any) {
	s := e.Registry.Get(sessionID)
	opts.Policy = e.policy()
	return e.Evaluator.Evaluate(s, tool, params, toolCallID, opts)
}

// Record is the post-tool contract, exposed directly for callers that
// manage tool invocation themselves instead of going through Wrap.
func (e *Engine) Record(sessionID string, in recorder.Input) string {
	s := e.Registry.Get(sessionID)
	return recorder.Record(e.Registry, s, e.policy(), in)
}

// BlockedError is returned by Wrap when the pre-flight decision is deny, or
// confirm followed by an approval-bridge deny.
type BlockedError struct {
	Result preflight.Result
}

func (b *BlockedError) Error() string {
	return fmt.Sprintf("blocked by policy: rule=%s reason=%s", b.Result.RuleID, b.Result.Reason)
}

// ToolFunc is the underlying tool invocation Wrap calls after a successful
// pre-flight, receiving the $ref-resolved parameters.
type ToolFunc func(ctx context.Context, resolvedParams any) (any, error)

// Wrap implements spec.md §4.I: on block it returns a BlockedError without
// recording an observation, avoiding tainting the session with a synthetic
// entry. On success it records via the post-tool recorder and decorates the
// result with __prov_ref; primitive results are wrapped in
// {value, __prov_ref} rather than mutated. On tool failure it still records
// once, with ok=false, then returns the underlying error. This is the only
// integration pattern this package implements — there is no fail-open path.
func (e *Engine) Wrap(ctx context.Context, sessionID, tool string, params any, toolCallID string, opts preflight.EvaluateOptions, fn ToolFunc) (any, error) {
	s := e.Registry.Get(sessionID)
	pol := e.policy()
	opts.Policy = pol

	result, resolvedParams := e.Evaluator.Evaluate(s, tool, params, toolCallID, opts)

	switch result.Decision {
	case preflight.Deny:
		return nil, &BlockedError{Result: result}
	case preflight.Confirm:
		verdict := e.Approval.Request(ctx, result.RuleID, tool, result.Reason, result.Metadata)
		if verdict == approval.Deny {
			return nil, &BlockedError{Result: result}
		}
	}

	// The pre-flight may have synthesised a tool-call id to file a pending
	// write under (when the harness supplied none); reuse that same id here
	// so the post-tool record commits against the entry it actually created,
	// instead of leaving an uncommittable pending write behind.
	effectiveToolCallID := toolCallID
	if result.PendingWriteID != "" {
		effectiveToolCallID = result.PendingWriteID
	}

	value, toolErr := fn(ctx, resolvedParams)
	ok := toolErr == nil

	obsID := recorder.Record(e.Registry, s, pol, recorder.Input{
		Tool:       tool,
		ToolCallID: effectiveToolCallID,
		Ok:         ok,
		Result:     value,
		Params:     resolvedParams,
	})

	if toolErr != nil {
		return nil, toolErr
	}
	return decorate(value, obsID), nil
}

// decorate attaches the observation id as __prov_ref, wrapping primitive
// results instead of mutating them.
func decorate(value any, obsID string) any {
	if m, ok := value.(map[string]any); ok {
		out := make(map[string]any, len(m)+1)
		for k, v := range m {
			out[k] = v
		}
		out["__prov_ref"] = obsID
		return out
	}
	return map[string]any{"value": value, "__prov_ref": obsID}
}
