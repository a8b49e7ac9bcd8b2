package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 300 * time.Millisecond

type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// Loader reads workspace policy files (.rego and .json) and watches them
// for changes. Parsed files are cached until their size or mtime changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// Load reads every policy file under paths. Directories are walked
// recursively and files are returned in lexical order.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var files []string
	for _, p := range paths {
		found, err := policyFiles(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", p, err)
		}
		files = append(files, found...)
	}

	policies := make([]Policy, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := l.read(f)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}

	l.logger.Debug().
		Int("policies", len(policies)).
		Strs("paths", paths).
		Msg("Policies read")

	return policies, nil
}

// policyFiles lists the policy files at path. A single file is returned
// as is, whatever its extension.
func policyFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (l *Loader) read(path string) (Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to stat policy: %w", err)
	}

	l.mu.Lock()
	c, ok := l.cache[path]
	l.mu.Unlock()
	if ok && c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
		return c.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read file: %w", err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: regoDescription(string(data)),
			Rego:        string(data),
			Enabled:     true,
		}
	case ".json":
		if p, err = decodeJSONPolicy(path, data); err != nil {
			return Policy{}, err
		}
	default:
		return Policy{}, fmt.Errorf("unsupported file type: %s", path)
	}
	p.Source = path
	p.Builtin = false

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy parsed")
	return p, nil
}

// decodeJSONPolicy reads a policy definition. Enabled defaults to true and
// a missing name falls back to the Rego package.
func decodeJSONPolicy(path string, data []byte) (Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	if p.Rego == "" {
		return Policy{}, fmt.Errorf("JSON policy %s has no rego source", path)
	}
	if p.Name == "" {
		p.Name = packageOf(p.Rego)
	}
	if p.Name == "" {
		return Policy{}, fmt.Errorf("JSON policy %s has no name", path)
	}
	return p, nil
}

// regoDescription joins the comment lines that open a Rego module.
func regoDescription(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line != "" && len(parts) > 0 {
				break
			}
			continue
		}
		if c := strings.TrimSpace(strings.TrimLeft(line, "#")); c != "" && !strings.HasPrefix(c, "package") {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

// Watch calls apply with a fresh Load of paths after policy files change.
// It returns once the watcher is set up; watching ends with ctx or
// StopWatching. Errors from a reload are logged and the previous set stays.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, p := range paths {
		if err := addTree(w, p); err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to watch policy path")
		}
	}

	l.watchMu.Lock()
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	l.watcher = w
	l.watchMu.Unlock()

	go l.watchLoop(ctx, w, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

// addTree watches path and, for a directory, every directory below it.
func addTree(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer w.Close()

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(w, ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", ev.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !isPolicyFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			l.forget(ev.Name)
			timer.Reset(reloadDelay)

		case <-timer.C:
			policies, err := l.Load(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching stops a running Watch.
func (l *Loader) StopWatching() error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// ClearCache drops every parsed policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedPolicy)
	l.mu.Unlock()
}
