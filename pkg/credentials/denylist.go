package credentials

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/schoolworks/aegis/pkg/observability"
)

// Denylist holds common passwords that are rejected by the policy.
// Matching is case-insensitive substring: a candidate containing any
// denylisted word fails validation.
type Denylist struct {
	mu    sync.RWMutex
	words []string
	path  string
}

// defaultDenyWords seeds the denylist when no file is configured
var defaultDenyWords = []string{
	"password",
	"123456",
	"qwerty",
	"letmein",
	"welcome",
	"admin",
	"iloveyou",
}

// NewDenylist creates a denylist. With an empty path the built-in default
// word set is used; otherwise the file is loaded immediately.
func NewDenylist(path string) (*Denylist, error) {
	d := &Denylist{path: path}
	if path == "" {
		d.words = append([]string(nil), defaultDenyWords...)
		return d, nil
	}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Match returns the first denylisted word contained in the candidate, or
// the empty string when the candidate is clean.
func (d *Denylist) Match(candidate string) string {
	lowered := normalize(candidate)

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, w := range d.words {
		if strings.Contains(lowered, w) {
			return w
		}
	}
	return ""
}

// Len returns the number of loaded denylist words
func (d *Denylist) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.words)
}

func (d *Denylist) reload() error {
	f, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("failed to open denylist file: %w", err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, normalize(line))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read denylist file: %w", err)
	}

	d.mu.Lock()
	d.words = words
	d.mu.Unlock()
	return nil
}

// Watch reloads the denylist whenever the backing file changes. It blocks
// until the context is cancelled, so callers run it in a goroutine. A failed
// reload keeps the previous word set.
func (d *Denylist) Watch(ctx context.Context, logger *observability.Logger) error {
	if d.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create denylist watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.path); err != nil {
		return fmt.Errorf("failed to watch denylist file: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := d.reload(); err != nil {
				logger.WithError(err).Warn("denylist reload failed, keeping previous word set")
				continue
			}
			logger.WithField("words", d.Len()).Info("denylist reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("denylist watcher error")
		}
	}
}
