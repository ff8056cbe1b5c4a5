package replyflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PersistedState is everything the engine cares to survive a restart:
// conversation memory, token records and response budgets. The dedup set
// is deliberately absent (its window is far shorter than any realistic
// restart cadence; the scheduler cooldown covers the gap).
type PersistedState struct {
	Conversations []ConversationRecord `json:"conversations"`
	Tokens        []TokenRecord        `json:"tokens"`
	Budgets       []BudgetSnapshot     `json:"budgets"`
}

// StateBackend stores and recalls the engine snapshot. Implementations
// must tolerate concurrent Save calls.
type StateBackend interface {
	Load() (*PersistedState, error)
	Save(state *PersistedState) error
	Close() error
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *PersistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*PersistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *PersistedState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = clone
	b.mu.Unlock()
	return nil
}

func (b *InMemoryStateBackend) Close() error {
	return nil
}

func cloneState(state *PersistedState) (*PersistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone PersistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// JSONFileStateBackend persists the snapshot with an atomic
// write-tmp-then-rename.
type JSONFileStateBackend struct {
	mu   sync.Mutex
	path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{path: path}
}

func (b *JSONFileStateBackend) Load() (*PersistedState, error) {
	if b == nil || b.path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *JSONFileStateBackend) Save(state *PersistedState) error {
	if b == nil || b.path == "" || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *JSONFileStateBackend) Close() error {
	return nil
}

// BuildStateBackendFromDSN resolves a backend from a DSN scheme. An empty
// DSN yields nil so the caller can fall back to in-memory operation.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStateBackend(path)
	case "mysql", "redis":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Opaque != "" {
		return parsed.Opaque, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimPrefix(raw, parsed.Scheme+"://")
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path in dsn %q", ErrInvalidInput, raw)
	}
	return path, nil
}

// StateBackendFactory lets deployments plug in storage schemes this
// package does not ship (an external cache, a managed document store).
type StateBackendFactory func(dsn string) (StateBackend, error)

var backendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}{factories: map[string]StateBackendFactory{}}

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.factories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	factory, ok := backendRegistry.factories[scheme]
	return factory, ok
}
