// Package preflight implements the pre-flight evaluator and the orchestrator
// that composes it with $ref resolution, secret scanning, and the exec/path
// sub-checks into the single decision the tool wrapper consumes.
package preflight

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/sentryclaw/internal/destructive"
	"github.com/nextlevelbuilder/sentryclaw/internal/netallow"
	"github.com/nextlevelbuilder/sentryclaw/internal/pathresolver"
	"github.com/nextlevelbuilder/sentryclaw/internal/policystore"
	"github.com/nextlevelbuilder/sentryclaw/internal/provenance"
	"github.com/nextlevelbuilder/sentryclaw/internal/secretscan"
)

// Decision is one of the three outcomes a PolicyEvaluationResult may carry.
type Decision string

const (
	Allow   Decision = "allow"
	Deny    Decision = "deny"
	Confirm Decision = "confirm"
)

// Rule ids owned by this package (the provenance- and orchestration-level
// ones; path/secret rule ids live in their respective packages).
const (
	RuleRefUnresolved         = "prov.ref_unresolved"
	RuleHighRiskAfterUntrusted = "prov.high_risk_after_untrusted"
	RuleHighRiskStaleSource   = "prov.high_risk_stale_source"
	RuleHighRiskNonUserSource = "prov.high_risk_non_user_source"
	RuleExecShellWrapped      = "exec.shell_wrapped"
	RuleParamsUnrecognized    = "tool.params_unrecognized"
)

// Result is the PolicyEvaluationResult of spec.md's external interface.
type Result struct {
	Decision Decision
	Reason   string
	RuleID   string
	Metadata map[string]any

	// PendingWriteID is the tool-call id a PendingWrite was recorded under
	// for this call, if any — equal to the caller-supplied tool-call id
	// when one was given, or the registry's synthesized id when it was
	// not. The post-tool record for this same call must be made under
	// this id, or the pending write it declared can never be committed.
	PendingWriteID string
}

func allow() Result { return Result{Decision: Allow} }

func deny(ruleID, reason string, metadata map[string]any) Result {
	return Result{Decision: Deny, RuleID: ruleID, Reason: reason, Metadata: metadata}
}

func failClosed(subsystem string) Result {
	slog.Warn("preflight.fail_closed", "subsystem", subsystem)
	return Result{Decision: Deny, Reason: fmt.Sprintf("%s check failed (fail-closed)", subsystem)}
}

// fileWritePathKeys are the fixed shape keys the path-extraction heuristic
// recognises for file-write tools and the non-exec path-access sweep.
var fileWritePathKeys = []string{"path", "filePath", "filename", "target", "dst", "to"}

// Evaluator wraps a provenance Registry with the pure pre-flight algorithm
// of spec.md §4.F and the full orchestrator composition.
type Evaluator struct {
	Registry     *provenance.Registry
	NetLimiter   *netallow.Limiter
}

// NewEvaluator builds an Evaluator around reg, with its own network
// rate limiter (60/min, burst 5).
func NewEvaluator(reg *provenance.Registry) *Evaluator {
	return &Evaluator{
		Registry:   reg,
		NetLimiter: netallow.NewLimiter(60, 5),
	}
}

func toStringSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

// extractPaths pulls declared path values out of params using the fixed
// shape-key heuristic, including patches[].path / patches[].filePath.
func extractPaths(params any, keys []string) []string {
	m, ok := params.(map[string]any)
	if !ok {
		return nil
	}
	var out []string
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	if patches, ok := m["patches"].([]any); ok {
		for _, item := range patches {
			pm, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := pm["path"].(string); ok && v != "" {
				out = append(out, v)
			}
			if v, ok := pm["filePath"].(string); ok && v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// provenancePreflight runs the pure 8-step algorithm of spec.md §4.F over
// raw (unresolved) params, which is all step 4's ref classification needs.
// Every returned Result carries PendingWriteID so the caller's later
// post-tool record lands under the same id the PendingWrite was filed
// under, even when toolCallID was empty and the registry had to synthesize
// one.
func (e *Evaluator) provenancePreflight(s *provenance.Session, toolName string, rawParams any, toolCallID string, pol *policystore.Policy) Result {
	if !pol.Provenance.Enabled {
		return allow()
	}
	e.Registry.AutoBeginTurn(s, pol.Provenance.TurnIdleMs)

	var pendingID string
	writeTools := toStringSet(pol.Provenance.FileWriteTools)
	if writeTools[toolName] {
		paths := extractPaths(rawParams, fileWritePathKeys)
		if len(paths) > 0 {
			pendingID = provenance.RecordPendingWrite(s, toolCallID, paths)
		}
	}
	withPending := func(r Result) Result {
		r.PendingWriteID = pendingID
		return r
	}

	refs := provenance.CollectRefs(rawParams)
	var missing, stale, nonUser bool
	for id := range refs {
		node, found := s.Data[id]
		if !found {
			missing = true
			continue
		}
		if pol.Provenance.CurrentTurnOnly && node.Turn != s.Turn {
			stale = true
		}
		if pol.Provenance.ForbidNonUserData && node.Kind != provenance.KindUserPrompt {
			nonUser = true
		}
	}
	if missing {
		ruleID := RuleRefUnresolved
		decision := Deny
		if pol.Provenance.OnViolation == "confirm" {
			decision = Confirm
		}
		return withPending(Result{Decision: decision, RuleID: ruleID, Reason: "referenced data node not found in this session"})
	}

	highRisk := toStringSet(pol.Provenance.HighRiskTools)[toolName] || toolName == "exec"
	if highRisk {
		switch {
		case pol.Provenance.RequireCleanForHighRisk && s.Tainted:
			return withPending(deny(RuleHighRiskAfterUntrusted, "session tainted by untrusted observation this turn", nil))
		case stale:
			return withPending(deny(RuleHighRiskStaleSource, "referenced data originates from a prior turn", nil))
		case nonUser:
			return withPending(deny(RuleHighRiskNonUserSource, "referenced data does not originate from the user prompt", nil))
		}
	}
	return withPending(allow())
}

var shellWrapPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(bash|sh|zsh|ksh)$`),
	regexp.MustCompile(`(?i)^(cmd|cmd\.exe)$`),
	regexp.MustCompile(`(?i)^(powershell|pwsh)(\.exe)?$`),
}
var shellWrapFlags = map[string]bool{"-c": true, "/c": true, "-command": true, "-encodedcommand": true}

func isShellWrapped(argv []string) bool {
	if len(argv) < 2 {
		return false
	}
	head := argv[0]
	matched := false
	for _, p := range shellWrapPatterns {
		if p.MatchString(head) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, a := range argv[1:] {
		if shellWrapFlags[strings.ToLower(a)] {
			return true
		}
	}
	return false
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(t)
	default:
		return nil
	}
}

// EvaluateOptions carries the per-call context the orchestrator needs beyond
// the policy document itself.
type EvaluateOptions struct {
	Policy      *policystore.Policy
	PathBase    string // base dir for relative path resolution (e.g. process cwd or session workspace root)
	Channel     string // set for tools that send over a network channel
	Destination string // channel destination; when empty, the params' "to" or "url" value is used
}

// Evaluate is the orchestrator entry point for the agent harness: it
// composes the provenance pre-flight, $ref resolution, secret scan, and the
// exec/path sub-checks in strict order, failing closed on any internal
// error. The returned resolvedParams should be what the underlying tool is
// actually invoked with.
func (e *Evaluator) Evaluate(s *provenance.Session, toolName string, rawParams any, toolCallID string, opts EvaluateOptions) (result Result, resolvedParams any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("preflight.panic_recovered", "tool", toolName, "panic", r)
			result = failClosed("preflight")
			resolvedParams = nil
		}
	}()

	pol := opts.Policy
	if pol == nil {
		pol = policystore.Default()
	}
	if !pol.Enabled {
		return allow(), rawParams
	}

	preflightResult := e.provenancePreflight(s, toolName, rawParams, toolCallID, pol)
	if preflightResult.Decision != Allow {
		return preflightResult, nil
	}
	pendingID := preflightResult.PendingWriteID
	withPending := func(r Result) Result {
		r.PendingWriteID = pendingID
		return r
	}

	resolved, err := e.Registry.ResolveRefs(s, rawParams)
	if err != nil {
		return withPending(deny(RuleRefUnresolved, err.Error(), nil)), nil
	}

	scanCfg := secretscan.Config{
		Enabled:       pol.Secrets.Enabled,
		MinLength:     pol.Secrets.MinLength,
		EntropyThresh: pol.Secrets.EntropyThreshold,
		ExceptTools:   toStringSet(pol.Secrets.ExceptionTools),
		ExceptFields:  toStringSet(pol.Secrets.ExceptionFields),
	}
	if hit := secretscan.Scan(scanCfg, toolName, resolved); hit != nil {
		return withPending(deny(secretscan.RuleDetected, fmt.Sprintf("secret-shaped value at %s (%d match(es))", hit.FieldPath, hit.Count), map[string]any{
			"field": hit.FieldPath, "count": hit.Count,
		})), nil
	}

	pathPolicy := pathresolver.Policy{
		AllowedRoots:    pol.AllowedRoots,
		SystemCritical:  pol.RestrictedPaths.SystemCritical,
		HomeDenyFolders: pol.UserSpace.DenyOnAnyAccess,
	}

	if toolName == "exec" {
		m, _ := resolved.(map[string]any)
		var argv []string
		if m != nil {
			if v, ok := m["argv"]; ok {
				argv = toStringSlice(v)
			} else if cmd, ok := m["command"].(string); ok {
				argv = strings.Fields(cmd)
			}
		}
		if isShellWrapped(argv) {
			return withPending(deny(RuleExecShellWrapped, "shell-wrapped command form is not permitted", nil)), nil
		}
		if destructive.NoExplicitTarget(argv) {
			return withPending(deny(destructive.RuleNoTarget, "destructive command with no explicit target", nil)), nil
		}
		if m != nil {
			if cmd, ok := m["command"].(string); ok && destructive.MatchesDenyPattern(cmd) {
				return withPending(deny(destructive.RuleNoTarget, "command matches a deny pattern", nil)), nil
			}
		}
		for _, tok := range argv {
			if tok == "" || strings.HasPrefix(tok, "-") {
				continue
			}
			if looksLikePath(tok) {
				if _, perr := pathresolver.ResolveAndCheck(tok, opts.PathBase, pathPolicy); perr != nil {
					return withPending(pathErrorResult(perr)), nil
				}
			}
		}
		return withPending(allow()), resolved
	}

	// A tool that declares a network Channel is a messaging/send tool, not a
	// filesystem tool: its "to"/"dst" shape keys name a chat id, phone
	// number, or URL, not a path, so the path-access sweep below must not
	// run for it — the network allowlist is what judges that destination.
	if opts.Channel != "" {
		dest := opts.Destination
		if dest == "" {
			if m, ok := resolved.(map[string]any); ok {
				for _, k := range []string{"to", "url"} {
					if v, ok := m[k].(string); ok && v != "" {
						dest = v
						break
					}
				}
			}
		}
		if !netallow.Allowed(netallow.Allowlist(pol.Network.Allowlist), opts.Channel, dest) {
			return withPending(deny(netallow.RuleNotAllowlisted, "destination not in channel allowlist", map[string]any{
				"channel": opts.Channel, "destination": dest,
			})), nil
		}
		if !e.NetLimiter.Allow(opts.Channel) {
			return withPending(deny(netallow.RuleNotAllowlisted, "channel send rate exceeded", map[string]any{
				"channel": opts.Channel,
			})), nil
		}
		return withPending(allow()), resolved
	}

	paths := extractPaths(resolved, fileWritePathKeys)
	if len(paths) == 0 {
		paths = extractPaths(resolved, []string{"src", "from"})
	}
	if len(paths) == 0 {
		return withPending(deny(RuleParamsUnrecognized, "no recognised path shape in tool parameters", nil)), nil
	}
	for _, p := range paths {
		if _, perr := pathresolver.ResolveAndCheck(p, opts.PathBase, pathPolicy); perr != nil {
			return withPending(pathErrorResult(perr)), nil
		}
	}

	return withPending(allow()), resolved
}

func looksLikePath(tok string) bool {
	return strings.HasPrefix(tok, "/") || strings.HasPrefix(tok, "./") || strings.HasPrefix(tok, "../") || strings.HasPrefix(tok, "~")
}

func pathErrorResult(err error) Result {
	if perr, ok := err.(*pathresolver.Error); ok {
		return deny(perr.RuleID, perr.Reason, map[string]any{"path": perr.Path})
	}
	return failClosed("path")
}
