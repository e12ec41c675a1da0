package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/shellgate/internal/model"
)

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects session IDs that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session id must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session id must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("session id contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Grant pre-approves every command up to MaxRisk for one session.
type Grant struct {
	SessionID string          `json:"session_id"`
	MaxRisk   model.RiskLevel `json:"max_risk"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the grant has passed its deadline.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// Covers reports whether the grant satisfies a confirmation for risk.
// Privileged and Denied commands are never covered.
func (g Grant) Covers(risk model.RiskLevel, now time.Time) bool {
	if risk >= model.Privileged || g.Expired(now) {
		return false
	}
	return risk <= g.MaxRisk
}

// GrantStore holds session grants in memory and, when a directory is set,
// as one JSON file per session so another terminal can grant or revoke.
type GrantStore struct {
	dir string
	mem map[string]Grant
	now func() time.Time
	mu  sync.Mutex
}

// NewGrantStore creates a store backed by dir. Empty dir keeps grants in
// memory only.
func NewGrantStore(dir string) (*GrantStore, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("cannot create grant directory: %w", err)
		}
	}
	return &GrantStore{dir: dir, mem: make(map[string]Grant), now: time.Now}, nil
}

// DefaultGrantDir returns the default grant directory.
func DefaultGrantDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "shellgate-grants")
	}
	return filepath.Join(home, ".shellgate", "grants")
}

// Grant records a grant. Zero duration lasts until revoked or the session
// ends.
func (s *GrantStore) Grant(sessionID string, maxRisk model.RiskLevel, d time.Duration, reason string) (Grant, error) {
	if err := validateKey(sessionID); err != nil {
		return Grant{}, fmt.Errorf("invalid grant: %w", err)
	}
	if maxRisk >= model.Privileged {
		return Grant{}, fmt.Errorf("invalid grant: %s commands cannot be granted", maxRisk.Label())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	g := Grant{SessionID: sessionID, MaxRisk: maxRisk, Reason: reason, CreatedAt: now}
	if d > 0 {
		exp := now.Add(d)
		g.ExpiresAt = &exp
	}
	s.mem[sessionID] = g
	if s.dir != "" {
		if err := s.writeAtomic(s.path(sessionID), g); err != nil {
			return Grant{}, fmt.Errorf("write grant: %w", err)
		}
	}
	return g, nil
}

// Revoke removes a session's grant. Revoking a missing grant is not an error.
func (s *GrantStore) Revoke(sessionID string) error {
	if err := validateKey(sessionID); err != nil {
		return fmt.Errorf("invalid grant: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.mem, sessionID)
	if s.dir != "" {
		if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Check reports whether a live grant covers risk for the session. The file
// store wins over memory so an external revoke takes effect immediately.
func (s *GrantStore) Check(sessionID string, risk model.RiskLevel) bool {
	if validateKey(sessionID) != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.lookup(sessionID)
	return ok && g.Covers(risk, s.now())
}

func (s *GrantStore) lookup(sessionID string) (Grant, bool) {
	if s.dir != "" {
		g, err := s.read(sessionID)
		if err != nil {
			delete(s.mem, sessionID)
			return Grant{}, false
		}
		s.mem[sessionID] = *g
		return *g, true
	}
	g, ok := s.mem[sessionID]
	return g, ok
}

// List returns all known grants, sorted by session.
func (s *GrantStore) List() ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]Grant, len(s.mem))
	for id, g := range s.mem {
		byID[id] = g
	}
	if s.dir != "" {
		entries, err := os.ReadDir(s.dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			g, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
			if err != nil {
				continue
			}
			byID[g.SessionID] = *g
		}
	}

	grants := make([]Grant, 0, len(byID))
	for _, g := range byID {
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].SessionID < grants[j].SessionID })
	return grants, nil
}

// Cleanup removes expired grants and returns how many were removed.
func (s *GrantStore) Cleanup() (int, error) {
	grants, err := s.List()
	if err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	var errs []error
	for _, g := range grants {
		if !g.Expired(now) {
			continue
		}
		if err := s.Revoke(g.SessionID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *GrantStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

func (s *GrantStore) read(sessionID string) (*Grant, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return nil, err
	}

	var g Grant
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *GrantStore) writeAtomic(path string, g Grant) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
