// Package recorder implements the post-tool recorder: the single place a
// completed tool observation updates the provenance registry and the turn
// automaton's taint flag.
package recorder

import (
	"github.com/nextlevelbuilder/sentryclaw/internal/policystore"
	"github.com/nextlevelbuilder/sentryclaw/internal/provenance"
)

// Input is the post-tool contract's payload. Params is the (already
// resolved) call parameters, carried so a file-read tool's declared path
// can be recovered for register_file_content.
type Input struct {
	Tool       string
	ToolCallID string
	Ok         bool
	Result     any
	Params     any
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func readPath(params any) (string, bool) {
	m, ok := params.(map[string]any)
	if !ok {
		return "", false
	}
	for _, key := range []string{"path", "filePath", "filename"} {
		if v, ok := m[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Record runs spec.md §4.G's five steps and returns the new observation
// DataNode's id. If tool is classified as a file-read tool and ok, it also
// registers a file_content node for the declared path (§4.D
// register_file_content), so later high-risk calls can be judged against
// when that file was last written rather than only against the generic
// tool_observation node.
func Record(reg *provenance.Registry, s *provenance.Session, pol *policystore.Policy, in Input) string {
	reg.AutoBeginTurn(s, pol.Provenance.TurnIdleMs)

	trusted := toSet(pol.Provenance.TrustedObservationTools)
	provenance.MarkObservationTaint(s, in.Tool, trusted)

	if in.ToolCallID != "" {
		provenance.CommitPendingWrite(s, in.ToolCallID, in.Ok)
	}

	if in.Ok && toSet(pol.Provenance.FileReadTools)[in.Tool] {
		if path, found := readPath(in.Params); found {
			reg.RegisterFileContent(s, path, in.Result, pol.Provenance.CurrentTurnOnly, pol.Provenance.MaxStoredValueBytes)
		}
	}

	return reg.RegisterObservation(s, in.Tool, in.ToolCallID, in.Ok, in.Result, pol.Provenance.MaxStoredValueBytes)
}
