package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sentryclaw/internal/engine"
	"github.com/nextlevelbuilder/sentryclaw/internal/preflight"
	"github.com/nextlevelbuilder/sentryclaw/internal/recorder"
)

func recordInput(tool, toolCallID string, ok bool, result, params any) recorder.Input {
	return recorder.Input{
		Tool:       tool,
		ToolCallID: toolCallID,
		Ok:         ok,
		Result:     result,
		Params:     params,
	}
}

// step is one line of a replay script: a turn boundary, a pre-flight check,
// or a post-tool record, run against a single Engine in file order so a
// policy author can exercise a scenario without wiring a real harness.
type step struct {
	Op         string          `json:"op"` // "begin_user_turn" | "preflight" | "record"
	Session    string          `json:"session"`
	Text       string          `json:"text,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Ok         *bool           `json:"ok,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	PathBase   string          `json:"path_base,omitempty"`
}

func replayCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Replay a scripted sequence of turns/preflights/records against a fresh engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = resolvePolicyPath()
			}
			return runReplay(args[0], path)
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "policy file path (overrides --config/$OPENCLAW_POLICY)")
	return cmd
}

func decodeAny(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func runReplay(scriptPath, policyPath string) error {
	data, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("read replay script: %w", err)
	}
	var steps []step
	if err := json.Unmarshal(data, &steps); err != nil {
		return fmt.Errorf("parse replay script: %w", err)
	}

	eng := engine.New(policyPath)
	defer eng.Close()

	for i, st := range steps {
		switch st.Op {
		case "begin_user_turn":
			id := eng.BeginUserTurn(st.Session, st.Text)
			fmt.Printf("[%d] begin_user_turn session=%s -> %s\n", i, st.Session, id)

		case "preflight":
			params, err := decodeAny(st.Params)
			if err != nil {
				return fmt.Errorf("step %d: decode params: %w", i, err)
			}
			result, _ := eng.Preflight(st.Session, st.Tool, params, st.ToolCallID, preflight.EvaluateOptions{
				PathBase: st.PathBase,
				Channel:  st.Channel,
			})
			fmt.Printf("[%d] preflight session=%s tool=%s -> decision=%s rule=%s reason=%q\n",
				i, st.Session, st.Tool, result.Decision, result.RuleID, result.Reason)

		case "record":
			result, err := decodeAny(st.Result)
			if err != nil {
				return fmt.Errorf("step %d: decode result: %w", i, err)
			}
			ok := true
			if st.Ok != nil {
				ok = *st.Ok
			}
			params, err := decodeAny(st.Params)
			if err != nil {
				return fmt.Errorf("step %d: decode params: %w", i, err)
			}
			obsID := eng.Record(st.Session, recordInput(st.Tool, st.ToolCallID, ok, result, params))
			fmt.Printf("[%d] record session=%s tool=%s -> %s\n", i, st.Session, st.Tool, obsID)

		default:
			return fmt.Errorf("step %d: unknown op %q", i, st.Op)
		}
	}
	return nil
}
