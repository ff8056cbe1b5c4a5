package replyflow

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileRuleStore is a rule-storage collaborator backed by a YAML file the
// admin surface owns and rewrites. The engine treats it read-only and
// picks up edits via fsnotify, so disabling a rule takes effect before an
// already-armed send fires.
type FileRuleStore struct {
	path string

	mu       sync.RWMutex
	accounts map[string]string
	rules    []AutomationRule
}

type ruleFile struct {
	// Accounts maps connected account ids to their owning workspace.
	Accounts map[string]string `yaml:"accounts"`
	Rules    []ruleEntry       `yaml:"rules"`
}

type ruleEntry struct {
	ID          string    `yaml:"id"`
	WorkspaceID string    `yaml:"workspaceId"`
	Kind        string    `yaml:"kind"`
	Mode        string    `yaml:"mode"`
	Keywords    []string  `yaml:"keywords"`
	Tone        string    `yaml:"tone"`
	Personality string    `yaml:"personality"`
	Enabled     bool      `yaml:"enabled"`
	CreatedAt   time.Time `yaml:"createdAt"`
}

func NewFileRuleStore(path string) (*FileRuleStore, error) {
	s := &FileRuleStore{path: path, accounts: map[string]string{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileRuleStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var parsed ruleFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse rules %s: %w", s.path, err)
	}
	rules := make([]AutomationRule, 0, len(parsed.Rules))
	for _, entry := range parsed.Rules {
		rules = append(rules, AutomationRule{
			ID:          entry.ID,
			WorkspaceID: entry.WorkspaceID,
			Kind:        EventKind(entry.Kind),
			Mode:        MatchMode(entry.Mode),
			Keywords:    entry.Keywords,
			Tone:        entry.Tone,
			Personality: entry.Personality,
			Enabled:     entry.Enabled,
			CreatedAt:   entry.CreatedAt,
		})
	}
	accounts := parsed.Accounts
	if accounts == nil {
		accounts = map[string]string{}
	}
	s.mu.Lock()
	s.accounts = accounts
	s.rules = rules
	s.mu.Unlock()
	return nil
}

// Watch reloads on file rewrites. Returns a stop function.
func (s *FileRuleStore) Watch() (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(s.path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					log.Printf("rule store reload failed, keeping previous rules: %v", err)
					continue
				}
				log.Printf("rule store reloaded from %s", s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("rule store watcher error: %v", err)
			}
		}
	}()
	return watcher.Close, nil
}

func (s *FileRuleStore) ActiveRules(ctx context.Context, workspaceID string, kind EventKind) ([]AutomationRule, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AutomationRule
	for _, rule := range s.rules {
		if rule.Enabled && rule.WorkspaceID == workspaceID && rule.Kind == kind {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (s *FileRuleStore) RuleEnabled(ctx context.Context, ruleID string) bool {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rule := range s.rules {
		if rule.ID == ruleID {
			return rule.Enabled
		}
	}
	return false
}

func (s *FileRuleStore) WorkspaceForAccount(ctx context.Context, accountID string) (string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[accountID], nil
}
