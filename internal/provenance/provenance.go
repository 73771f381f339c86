// Package provenance implements the per-session data-origin graph and the
// turn automaton layered on top of it: DataNode/PendingWrite storage, $ref
// resolution, and the turn/taint state machine every other component reads.
package provenance

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a DataNode's origin.
type Kind string

const (
	KindUserPrompt      Kind = "user_prompt"
	KindToolObservation Kind = "tool_observation"
	KindFileContent     Kind = "file_content"
	KindModelLiteral    Kind = "model_literal"
	KindUnknown         Kind = "unknown"
)

// DefaultTurnIdle is the idle window after which auto_begin_turn infers a
// fresh user turn.
const DefaultTurnIdle = 15 * time.Second

// DefaultMaxStoredValueBytes is the size cap above which a DataNode's value
// is dropped rather than retained.
const DefaultMaxStoredValueBytes = 32 * 1024

// ErrRefUnresolved is returned by ResolveRefs when a referenced id is absent
// or its value was not retained.
var ErrRefUnresolved = errors.New("provenance: ref unresolved")

// DataNode is one node in a session's provenance graph.
type DataNode struct {
	ID       string
	Kind     Kind
	ToolName string
	Resource string
	Turn     int
	Value    any
	Retained bool
}

// PendingWrite records paths a file-write tool declared, awaiting
// post-tool confirmation before they are committed.
type PendingWrite struct {
	ToolCallID string
	Paths      []string
	Turn       int
	CreatedAt  time.Time
}

// Session is the per-session provenance + turn state. Per spec.md's
// single-writer-per-session discipline, callers must serialise tool calls
// within one session themselves; Session carries no internal lock.
type Session struct {
	ID                     string
	Turn                   int
	Tainted                bool
	LastEventAt            time.Time
	Data                   map[string]*DataNode
	ResourceLastWriteTurn  map[string]int
	PendingWrites          map[string]*PendingWrite
	observationByToolCall  map[string]string
	seq                    int
}

func newSession(id string) *Session {
	return &Session{
		ID:                    id,
		Data:                  make(map[string]*DataNode),
		ResourceLastWriteTurn: make(map[string]int),
		PendingWrites:         make(map[string]*PendingWrite),
		observationByToolCall: make(map[string]string),
	}
}

// Registry owns the process-lifetime map from session id to Session. Only
// map access is synchronised; mutation of a given Session's fields relies
// on the caller's single-writer-per-session guarantee.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. Callers own the instance; there is
// no process-wide singleton.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session for id, creating it lazily on first reference.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s = newSession(id)
	r.sessions[id] = s
	return s
}

// Reset drops all sessions. Test-only entry point.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
}

func retain(value any, maxBytes int) (any, bool) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxStoredValueBytes
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	if len(b) > maxBytes {
		return nil, false
	}
	return value, true
}

// RegisterUserPrompt creates a user_prompt node for the session's current
// turn and returns its id.
func (r *Registry) RegisterUserPrompt(s *Session, text string) string {
	id := fmt.Sprintf("user:t%d:prompt", s.Turn)
	s.Data[id] = &DataNode{
		ID:       id,
		Kind:     KindUserPrompt,
		Turn:     s.Turn,
		Value:    text,
		Retained: true,
	}
	return id
}

// RegisterObservation creates a tool_observation node, idempotent on
// toolCallID: a second call with the same non-empty toolCallID returns the
// id already created and does not insert a duplicate node (invariant 6).
func (r *Registry) RegisterObservation(s *Session, tool, toolCallID string, ok bool, result any, maxBytes int) string {
	if toolCallID != "" {
		if existing, found := s.observationByToolCall[toolCallID]; found {
			return existing
		}
	}
	suffix := toolCallID
	if suffix == "" {
		suffix = uuid.NewString()
	}
	id := fmt.Sprintf("obs:t%d:%s_%s", s.Turn, tool, suffix)
	value, retained := retain(result, maxBytes)
	s.Data[id] = &DataNode{
		ID:       id,
		Kind:     KindToolObservation,
		ToolName: tool,
		Turn:     s.Turn,
		Value:    value,
		Retained: retained,
	}
	if toolCallID != "" {
		s.observationByToolCall[toolCallID] = id
	}
	return id
}

// RegisterFileContent creates a file_content node for path. If
// currentTurnOnly is set and path was not written in the current turn
// (never written, or written in a prior turn), tainted is set — the file's
// on-disk content cannot be trusted to originate from this turn's user data.
func (r *Registry) RegisterFileContent(s *Session, path string, content any, currentTurnOnly bool, maxBytes int) string {
	resource := "file:" + path
	s.seq++
	id := fmt.Sprintf("file:t%d:%d", s.Turn, s.seq)
	value, retained := retain(content, maxBytes)
	s.Data[id] = &DataNode{
		ID:       id,
		Kind:     KindFileContent,
		Resource: resource,
		Turn:     s.Turn,
		Value:    value,
		Retained: retained,
	}
	if currentTurnOnly {
		writeTurn, wrote := s.ResourceLastWriteTurn[resource]
		if !wrote || writeTurn != s.Turn {
			s.Tainted = true
		}
	}
	return id
}

const refKeyPrimary = "$ref"
const refKeyAlias = "ref"

func refID(m map[string]any) (string, bool) {
	if v, ok := m[refKeyPrimary]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	if v, ok := m[refKeyAlias]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// ResolveRefs deep-walks params, replacing any mapping containing a "$ref"
// or "ref" string key with that DataNode's stored value. Substitution is
// one level of indirection: the substituted value itself is not re-walked.
// Fails closed with ErrRefUnresolved if any referenced id is absent or its
// value was not retained. Identity on trees with no $ref/ref keys.
func (r *Registry) ResolveRefs(s *Session, params any) (any, error) {
	switch v := params.(type) {
	case map[string]any:
		if id, ok := refID(v); ok {
			node, found := s.Data[id]
			if !found || !node.Retained {
				return nil, fmt.Errorf("%w: %s", ErrRefUnresolved, id)
			}
			return node.Value, nil
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			resolved, err := r.ResolveRefs(s, child)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			resolved, err := r.ResolveRefs(s, child)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// CollectRefs deep-walks params without resolving, returning the set of
// referenced DataNode ids. Used by the pre-flight evaluator to classify
// refs as missing/stale/non-user before committing to resolution.
func CollectRefs(params any) map[string]bool {
	refs := make(map[string]bool)
	collectRefs(params, refs)
	return refs
}

func collectRefs(node any, refs map[string]bool) {
	switch v := node.(type) {
	case map[string]any:
		if id, ok := refID(v); ok {
			refs[id] = true
			return
		}
		for _, child := range v {
			collectRefs(child, refs)
		}
	case []any:
		for _, child := range v {
			collectRefs(child, refs)
		}
	}
}

// BeginUserTurn advances the turn, clears taint, and registers a fresh
// user_prompt node. Returns the new node's id.
func (r *Registry) BeginUserTurn(s *Session, text string) string {
	s.Turn++
	s.Tainted = false
	id := r.RegisterUserPrompt(s, text)
	s.LastEventAt = time.Now()
	return id
}

// AutoBeginTurn is the idle-inference safety net: if no turn has started yet
// or the idle window has elapsed since the last event, it begins a turn with
// empty text. Always updates last_event_at. Explicit begin_user_turn calls
// from the harness take precedence; a turn inferred from the idle window is
// logged at warn level as a hazard.
func (r *Registry) AutoBeginTurn(s *Session, turnIdleMs int64) {
	idle := DefaultTurnIdle
	if turnIdleMs > 0 {
		idle = time.Duration(turnIdleMs) * time.Millisecond
	}
	if s.Turn == 0 || (!s.LastEventAt.IsZero() && time.Since(s.LastEventAt) > idle) {
		if s.Turn > 0 {
			slog.Warn("provenance.idle_turn_inferred", "session", s.ID, "turn", s.Turn+1, "idle_ms", idle.Milliseconds())
		}
		r.BeginUserTurn(s, "")
		return
	}
	s.LastEventAt = time.Now()
}

// MarkObservationTaint implements turn-automaton record_observation: an
// observation from a tool outside trustedTools taints the current turn.
// Taint is monotonic within a turn (cleared only by BeginUserTurn/AutoBeginTurn).
func MarkObservationTaint(s *Session, tool string, trustedTools map[string]bool) {
	if !trustedTools[tool] {
		s.Tainted = true
	}
}

// CommitPendingWrite commits a PendingWrite's declared paths to
// resource_last_write_turn and removes the entry, idempotently: a second
// call for the same toolCallID after removal is a no-op.
func CommitPendingWrite(s *Session, toolCallID string, ok bool) {
	pw, found := s.PendingWrites[toolCallID]
	if !found {
		return
	}
	if ok {
		for _, p := range pw.Paths {
			s.ResourceLastWriteTurn["file:"+p] = pw.Turn
		}
	}
	delete(s.PendingWrites, toolCallID)
}

// RecordPendingWrite registers the declared paths of a file-write call,
// keyed by toolCallID (synthesised if empty), to be committed or discarded
// by the matching post-tool record.
func RecordPendingWrite(s *Session, toolCallID string, paths []string) string {
	if toolCallID == "" {
		toolCallID = "synth:" + uuid.NewString()
	}
	s.PendingWrites[toolCallID] = &PendingWrite{
		ToolCallID: toolCallID,
		Paths:      paths,
		Turn:       s.Turn,
		CreatedAt:  time.Now(),
	}
	return toolCallID
}
