package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

var (
	// ErrNotFound is returned when a user has no saved state.
	ErrNotFound = errors.New("NOT_FOUND")

	// ErrInvalidRoute is returned for routes the dashboard does not serve.
	ErrInvalidRoute = errors.New("INVALID_ROUTE")
)

// Routes the dashboard can be restored to.
var Routes = []string{
	"/dashboard",
	"/activity",
	"/welcome",
	"/manual",
	"/hmi",
	"/planning",
	"/settings",
}

// State is one user's restore point.
type State struct {
	LastRoute string    `yaml:"lastRoute" json:"lastRoute"`
	UpdatedAt time.Time `yaml:"updatedAt" json:"updatedAt"`
}

// Store holds restore state for every user. When path is set every change
// is written through to it.
type Store struct {
	mu     sync.RWMutex
	path   string
	states map[string]State
	now    func() time.Time
}

// NewStore creates an in-memory store.
func NewStore() *Store {
	return &Store{states: make(map[string]State), now: time.Now}
}

// Restore loads the store saved at path. A missing file yields an empty
// store that will be created on the first write.
func Restore(path string) (*Store, error) {
	s := NewStore()
	s.path = path
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.states); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	if s.states == nil {
		s.states = make(map[string]State)
	}
	for user, st := range s.states {
		if !ValidRoute(st.LastRoute) {
			delete(s.states, user)
		}
	}
	return s, nil
}

// ValidRoute reports whether route is a restorable dashboard route.
func ValidRoute(route string) bool {
	for _, r := range Routes {
		if route == r {
			return true
		}
	}
	return false
}

// Get returns the user's state.
func (s *Store) Get(user string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[user]
	if !ok {
		return State{}, ErrNotFound
	}
	return st, nil
}

// Put records the route the user is on.
func (s *Store) Put(user, route string) (State, error) {
	route = strings.TrimSpace(route)
	if !ValidRoute(route) {
		return State{}, fmt.Errorf("%w: %q", ErrInvalidRoute, route)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{LastRoute: route, UpdatedAt: s.now().UTC()}
	s.states[user] = st
	return st, s.saveLocked()
}

// Clear forgets the user's state. Called on sign-out.
func (s *Store) Clear(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[user]; !ok {
		return nil
	}
	delete(s.states, user)
	return s.saveLocked()
}

// saveLocked writes the file through a temp file and rename. Caller must
// hold s.mu.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(s.states)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}
