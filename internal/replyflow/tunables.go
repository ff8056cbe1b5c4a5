package replyflow

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SchedulerTunables names every probability and delay band the anti-spam
// scheduler uses. They are explicit configuration, not inline constants,
// so tests can force each branch and operators can tune pacing without a
// rebuild.
type SchedulerTunables struct {
	// SkipProbability is the chance an otherwise sendable reply is
	// dropped outright to avoid answering everything.
	SkipProbability float64 `yaml:"skipProbability"`
	// NaturalBreakProbability extends the delay into the break band,
	// imitating the operator stepping away for a few minutes.
	NaturalBreakProbability float64 `yaml:"naturalBreakProbability"`

	LowercaseProbability    float64 `yaml:"lowercaseProbability"`
	EmojiStripProbability   float64 `yaml:"emojiStripProbability"`
	AbbreviationProbability float64 `yaml:"abbreviationProbability"`
	TypoProbability         float64 `yaml:"typoProbability"`

	DailyCap            int           `yaml:"dailyCap"`
	CounterpartCooldown time.Duration `yaml:"counterpartCooldown"`
	// BusyThreshold forces the busy delay band when the account answered
	// within this window, regardless of reply length.
	BusyThreshold time.Duration `yaml:"busyThreshold"`

	ShortReplyChars int           `yaml:"shortReplyChars"`
	ShortDelayMin   time.Duration `yaml:"shortDelayMin"`
	ShortDelayMax   time.Duration `yaml:"shortDelayMax"`
	LongDelayMin    time.Duration `yaml:"longDelayMin"`
	LongDelayMax    time.Duration `yaml:"longDelayMax"`
	BusyDelayMin    time.Duration `yaml:"busyDelayMin"`
	BusyDelayMax    time.Duration `yaml:"busyDelayMax"`
	BreakDelayMin   time.Duration `yaml:"breakDelayMin"`
	BreakDelayMax   time.Duration `yaml:"breakDelayMax"`
}

func DefaultTunables() SchedulerTunables {
	return SchedulerTunables{
		SkipProbability:         0.3,
		NaturalBreakProbability: 0.05,
		LowercaseProbability:    0.4,
		EmojiStripProbability:   0.3,
		AbbreviationProbability: 0.25,
		TypoProbability:         0.03,
		DailyCap:                50,
		CounterpartCooldown:     10 * time.Second,
		BusyThreshold:           2 * time.Minute,
		ShortReplyChars:         60,
		ShortDelayMin:           15 * time.Second,
		ShortDelayMax:           45 * time.Second,
		LongDelayMin:            30 * time.Second,
		LongDelayMax:            90 * time.Second,
		BusyDelayMin:            60 * time.Second,
		BusyDelayMax:            180 * time.Second,
		BreakDelayMin:           3 * time.Minute,
		BreakDelayMax:           8 * time.Minute,
	}
}

// LoadTunables reads a YAML tunables file, layering it over the defaults.
func LoadTunables(path string) (SchedulerTunables, error) {
	tunables := DefaultTunables()
	data, err := os.ReadFile(path)
	if err != nil {
		return tunables, err
	}
	if err := yaml.Unmarshal(data, &tunables); err != nil {
		return DefaultTunables(), fmt.Errorf("parse tunables %s: %w", path, err)
	}
	return tunables, nil
}

// WatchTunables reloads the tunables file whenever it is rewritten and
// hands the result to apply. A parse failure keeps the previous values.
// Returns a stop function.
func WatchTunables(path string, apply func(SchedulerTunables)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors often replace the file wholesale,
	// which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)
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
				tunables, err := LoadTunables(path)
				if err != nil {
					log.Printf("tunables reload failed, keeping previous values: %v", err)
					continue
				}
				apply(tunables)
				log.Printf("tunables reloaded from %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("tunables watcher error: %v", err)
			}
		}
	}()
	return watcher.Close, nil
}
