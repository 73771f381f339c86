// Package policystore loads, normalises, and caches the declarative JSON
// policy document that drives every other component in this engine.
package policystore

import (
	"encoding/json"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
	"golang.org/x/sync/singleflight"
)

// DefaultPolicyPath is the fixed location spec.md designates: ~/.openclaw/policy.json.
const DefaultPolicyPath = "~/.openclaw/policy.json"

// Secrets mirrors policy.secrets.
type Secrets struct {
	Enabled          bool     `json:"enabled"`
	MinLength        int      `json:"minLength"`
	EntropyThreshold float64  `json:"entropyThreshold"`
	ExceptionTools   []string `json:"-"`
	ExceptionFields  []string `json:"-"`
	Exceptions       struct {
		Tools  []string `json:"tools"`
		Fields []string `json:"fields"`
	} `json:"exceptions"`
}

// Provenance mirrors policy.provenance.
type Provenance struct {
	Enabled                 bool     `json:"enabled"`
	CurrentTurnOnly         bool     `json:"currentTurnOnly"`
	ForbidNonUserData       bool     `json:"forbidNonUserData"`
	RequireCleanForHighRisk bool     `json:"requireCleanForHighRisk"`
	OnViolation             string   `json:"onViolation"` // "deny" or "confirm"
	HighRiskTools           []string `json:"highRiskTools"`
	TrustedObservationTools []string `json:"trustedObservationTools"`
	FileWriteTools          []string `json:"fileWriteTools"`
	FileReadTools           []string `json:"fileReadTools"`
	MaxStoredValueBytes     int      `json:"maxStoredValueBytes"`
	TurnIdleMs              int64    `json:"turnIdleMs"`
}

// RestrictedPaths mirrors policy.restrictedPaths.
type RestrictedPaths struct {
	SystemCritical []string `json:"systemCritical"`
}

// UserSpace mirrors policy.userSpace.
type UserSpace struct {
	DenyOnAnyAccess []string `json:"denyOnAnyAccess"`
}

// Network mirrors policy.network.
type Network struct {
	Allowlist map[string][]string `json:"allowlist"`
}

// Policy is the normalised, immutable per-load snapshot.
type Policy struct {
	Version         int             `json:"version"`
	Enabled         bool            `json:"enabled"`
	AllowedRoots    []string        `json:"allowedRoots"`
	RestrictedPaths RestrictedPaths `json:"restrictedPaths"`
	UserSpace       UserSpace       `json:"userSpace"`
	Network         Network         `json:"network"`
	Secrets         Secrets         `json:"secrets"`
	Provenance      Provenance      `json:"provenance"`
}

// Default returns the fully-populated default policy, used whenever the
// policy file is absent, malformed, or missing a field.
func Default() *Policy {
	return &Policy{
		Version: 1,
		Enabled: true,
		AllowedRoots: []string{
			"~/",
		},
		RestrictedPaths: RestrictedPaths{
			SystemCritical: []string{"/etc", "/sys", "/proc", "/boot", "/dev"},
		},
		UserSpace: UserSpace{
			DenyOnAnyAccess: []string{".ssh", ".aws", ".gnupg", ".config/gcloud"},
		},
		Network: Network{
			Allowlist: map[string][]string{},
		},
		Secrets: Secrets{
			Enabled:          true,
			MinLength:        20,
			EntropyThreshold: 3.5,
		},
		Provenance: Provenance{
			Enabled:                 true,
			CurrentTurnOnly:         true,
			ForbidNonUserData:       true,
			RequireCleanForHighRisk: true,
			OnViolation:             "deny",
			HighRiskTools:           []string{"exec", "message", "sessions_send", "gateway"},
			TrustedObservationTools: []string{"sessions_list", "session_status", "memory_get"},
			FileWriteTools:          []string{"write_file", "edit_file", "apply_patch"},
			FileReadTools:           []string{"read_file"},
			MaxStoredValueBytes:     32 * 1024,
			TurnIdleMs:              15000,
		},
	}
}

// normalise fills every missing or zero-valued field of p with the default's
// value, matching spec.md's "never throws; fills defaults" normalisation
// contract.
func normalise(p *Policy) *Policy {
	def := Default()
	if p.Version == 0 {
		p.Version = def.Version
	}
	if len(p.AllowedRoots) == 0 {
		p.AllowedRoots = def.AllowedRoots
	}
	if len(p.RestrictedPaths.SystemCritical) == 0 {
		p.RestrictedPaths.SystemCritical = def.RestrictedPaths.SystemCritical
	}
	if len(p.UserSpace.DenyOnAnyAccess) == 0 {
		p.UserSpace.DenyOnAnyAccess = def.UserSpace.DenyOnAnyAccess
	}
	if p.Network.Allowlist == nil {
		p.Network.Allowlist = def.Network.Allowlist
	}
	if p.Secrets.MinLength == 0 {
		p.Secrets.MinLength = def.Secrets.MinLength
	}
	if p.Secrets.EntropyThreshold == 0 {
		p.Secrets.EntropyThreshold = def.Secrets.EntropyThreshold
	}
	p.Secrets.ExceptionTools = p.Secrets.Exceptions.Tools
	p.Secrets.ExceptionFields = p.Secrets.Exceptions.Fields

	if p.Provenance.OnViolation == "" {
		p.Provenance.OnViolation = def.Provenance.OnViolation
	}
	if len(p.Provenance.HighRiskTools) == 0 {
		p.Provenance.HighRiskTools = def.Provenance.HighRiskTools
	}
	if len(p.Provenance.TrustedObservationTools) == 0 {
		p.Provenance.TrustedObservationTools = def.Provenance.TrustedObservationTools
	}
	if len(p.Provenance.FileWriteTools) == 0 {
		p.Provenance.FileWriteTools = def.Provenance.FileWriteTools
	}
	if len(p.Provenance.FileReadTools) == 0 {
		p.Provenance.FileReadTools = def.Provenance.FileReadTools
	}
	if p.Provenance.MaxStoredValueBytes == 0 {
		p.Provenance.MaxStoredValueBytes = def.Provenance.MaxStoredValueBytes
	}
	if p.Provenance.TurnIdleMs == 0 {
		p.Provenance.TurnIdleMs = def.Provenance.TurnIdleMs
	}
	// Secrets.Enabled / Provenance.Enabled / top-level Enabled: JSON
	// unmarshalling into a struct already seeded with the secure default
	// ("true") means an explicit "false" in the file is preserved and a
	// missing key keeps the default. No further action needed here since
	// load() starts from Default() before unmarshalling.
	return p
}

func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		if u, uerr := user.Current(); uerr == nil {
			home = u.HomeDir
		}
	}
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// load reads and parses the policy document at path. It never returns an
// error: an absent or malformed file yields Default().
func load(path string) *Policy {
	resolved := expandTilde(path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("policystore.read_failed", "path", resolved, "error", err)
		}
		return Default()
	}

	p := Default()
	if err := json5.Unmarshal(data, p); err != nil {
		slog.Warn("policystore.parse_failed", "path", resolved, "error", err)
		return Default()
	}
	if p.Version != 1 {
		slog.Warn("policystore.unsupported_version", "path", resolved, "version", p.Version)
		return Default()
	}
	return normalise(p)
}

// Store caches a normalised Policy per resolved path, reloading on an
// explicit Reset or an fsnotify change event.
type Store struct {
	mu      sync.RWMutex
	cache   map[string]*Policy
	group   singleflight.Group
	watcher *fsnotify.Watcher
	watched map[string]bool
}

// NewStore creates an empty policy cache.
func NewStore() *Store {
	return &Store{
		cache:   make(map[string]*Policy),
		watched: make(map[string]bool),
	}
}

// Get returns the cached normalised policy for path, loading it on first
// access. Concurrent first-accesses for the same path collapse into a
// single file read via singleflight.
func (s *Store) Get(path string) *Policy {
	if path == "" {
		path = DefaultPolicyPath
	}
	resolved := expandTilde(path)

	s.mu.RLock()
	if p, ok := s.cache[resolved]; ok {
		s.mu.RUnlock()
		return p
	}
	s.mu.RUnlock()

	v, _, _ := s.group.Do(resolved, func() (any, error) {
		p := load(path)
		s.mu.Lock()
		s.cache[resolved] = p
		s.mu.Unlock()
		s.watchLocked(resolved)
		return p, nil
	})
	return v.(*Policy)
}

// Reset clears the entire cache. Intended for tests; the fsnotify watch
// loop invalidates only the changed path, through ResetPath.
func (s *Store) Reset() {
	s.mu.Lock()
	s.cache = make(map[string]*Policy)
	s.mu.Unlock()
}

// ResetPath invalidates a single cached path.
func (s *Store) ResetPath(path string) {
	resolved := expandTilde(path)
	s.mu.Lock()
	delete(s.cache, resolved)
	s.mu.Unlock()
}

// watchLocked starts an fsnotify watch on resolved's directory the first
// time that path is loaded. Watch setup failures are logged and otherwise
// ignored — hot-reload is a convenience, not a correctness requirement,
// since Get always re-reads on cache miss and Reset is always available.
func (s *Store) watchLocked(resolved string) {
	s.mu.Lock()
	already := s.watched[resolved]
	s.watched[resolved] = true
	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.mu.Unlock()
			slog.Warn("policystore.watch_unavailable", "error", err)
			return
		}
		s.watcher = w
		go s.watchLoop(w)
	}
	watcher := s.watcher
	s.mu.Unlock()
	if already {
		return
	}
	if err := watcher.Add(filepath.Dir(resolved)); err != nil {
		slog.Warn("policystore.watch_add_failed", "path", resolved, "error", err)
	}
}

func (s *Store) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.ResetPath(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("policystore.watch_error", "error", err)
		}
	}
}

// Close stops the background watcher, if one was started.
func (s *Store) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// MarshalForDisplay renders a policy back to indented JSON, used by the CLI.
func MarshalForDisplay(p *Policy) (string, error) {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
