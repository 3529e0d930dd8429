// Package triggers scans each running instance's console log for
// known patterns — cloud-init completion, kernel panics, login
// prompts — and emits events to the coordination store, the same
// poll-and-react idiom the teacher used for container health checks
// (interval, retries, a Result per pass) retargeted from liveness
// probing to text pattern matching.
package triggers

import (
	"bufio"
	"context"
	"os"
	"regexp"
	"time"

	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/rs/zerolog"
)

// Pattern is one known console line to watch for.
type Pattern struct {
	Name    string
	Regexp  *regexp.Regexp
	Verb    string
	Message string
}

// DefaultPatterns are the patterns every instance is scanned for
// unless a caller supplies its own set.
var DefaultPatterns = []Pattern{
	{
		Name:    "cloud-init-finished",
		Regexp:  regexp.MustCompile(`Cloud-init .* finished`),
		Verb:    "cloud-init-finished",
		Message: "cloud-init reported completion",
	},
	{
		Name:    "login-prompt",
		Regexp:  regexp.MustCompile(`(?i)login:\s*$`),
		Verb:    "login-prompt",
		Message: "guest console reached a login prompt",
	},
	{
		Name:    "kernel-panic",
		Regexp:  regexp.MustCompile(`(?i)kernel panic`),
		Verb:    "kernel-panic",
		Message: "guest console reported a kernel panic",
	},
}

const pollInterval = 2 * time.Second

// Watcher tails a single instance's console log, matching each new
// line against a pattern set and recording one Event per distinct
// pattern the first time it fires.
type Watcher struct {
	instanceUUID string
	consolePath  string
	patterns     []Pattern
	store        *store.Store
	logger       zerolog.Logger
	seen         map[string]bool
	stopCh       chan struct{}
}

// NewWatcher creates a Watcher for instanceUUID's console log at
// consolePath (conventionally <rundir>/<uuid>/console.log, written by
// the guest's QEMU -chardev file backend; QEMUDriver does not create it).
func NewWatcher(instanceUUID, consolePath string, st *store.Store) *Watcher {
	return &Watcher{
		instanceUUID: instanceUUID,
		consolePath:  consolePath,
		patterns:     DefaultPatterns,
		store:        st,
		logger:       log.WithComponent("triggers").With().Str("instance_uuid", instanceUUID).Logger(),
		seen:         map[string]bool{},
		stopCh:       make(chan struct{}),
	}
}

// Start begins tailing the console log in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop ends the tail loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var offset int64

	for {
		select {
		case <-ticker.C:
			next, err := w.scanFrom(offset)
			if err != nil {
				w.logger.Debug().Err(err).Msg("console scan failed")
				continue
			}
			offset = next
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

// scanFrom reads consolePath starting at offset, matching each new
// line against the pattern set, and returns the new end offset.
func (w *Watcher) scanFrom(offset int64) (int64, error) {
	f, err := os.Open(w.consolePath)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return offset, err
	}

	scanner := bufio.NewScanner(f)
	var read int64
	for scanner.Scan() {
		line := scanner.Text()
		read += int64(len(line)) + 1
		w.matchLine(line)
	}

	return offset + read, scanner.Err()
}

func (w *Watcher) matchLine(line string) {
	for _, p := range w.patterns {
		if w.seen[p.Name] {
			continue
		}
		if !p.Regexp.MatchString(line) {
			continue
		}
		w.seen[p.Name] = true

		ev := &types.Event{
			ObjectType: "instance",
			ObjectUUID: w.instanceUUID,
			Timestamp:  time.Now(),
			Source:     "triggers",
			Verb:       p.Verb,
			Message:    p.Message,
		}
		if err := w.store.PutEvent(w.instanceUUID, ev); err != nil {
			w.logger.Error().Err(err).Str("pattern", p.Name).Msg("failed recording trigger event")
			continue
		}
		w.logger.Info().Str("pattern", p.Name).Msg("console trigger matched")
	}
}
