package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/bnema/agentloop/internal/observability"
	"github.com/bnema/agentloop/internal/ports"
)

// DefaultIgnorePatterns are skipped in every workspace.
var DefaultIgnorePatterns = []string{
	".git",
	"node_modules",
	"vendor",
	"__pycache__",
	".cache",
	".next",
	"dist",
	"target",
	".idea",
	".vscode",
	".DS_Store",
}

type Options struct {
	// Ignore adds patterns on top of DefaultIgnorePatterns and .gitignore.
	Ignore []string
	Logger *slog.Logger
}

// Watcher counts filesystem changes under a working directory so the loop
// can tell whether an iteration touched the workspace.
type Watcher struct {
	opts   Options
	logger *slog.Logger
}

var _ ports.ChangeWatcher = (*Watcher)(nil)

func NewWatcher(opts Options) *Watcher {
	return &Watcher{opts: opts, logger: observability.OrDiscard(opts.Logger)}
}

func (w *Watcher) Watch(ctx context.Context, dir string) (ports.ChangeTracker, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	patterns := append([]string{}, DefaultIgnorePatterns...)
	patterns = append(patterns, w.opts.Ignore...)
	patterns = append(patterns, loadGitignorePatterns(root)...)

	watchCtx, cancel := context.WithCancel(ctx)
	t := &tracker{
		root:    root,
		watcher: fsw,
		ignore:  gitignore.CompileIgnoreLines(patterns...),
		logger:  w.logger.With("path", root),
		changed: make(map[string]struct{}),
		cancel:  cancel,
	}

	if err := t.addTree(root); err != nil {
		cancel()
		return nil, errors.Join(err, fsw.Close())
	}

	t.wg.Add(1)
	go t.eventLoop(watchCtx)

	return t, nil
}

type tracker struct {
	root    string
	watcher *fsnotify.Watcher
	ignore  gitignore.IgnoreParser
	logger  *slog.Logger

	mu      sync.Mutex
	changed map[string]struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// TakeChanges returns the number of distinct paths changed since the
// previous call.
func (t *tracker) TakeChanges() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := len(t.changed)
	t.changed = make(map[string]struct{})
	return count
}

func (t *tracker) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
		t.closeErr = t.watcher.Close()
	})
	return t.closeErr
}

func (t *tracker) eventLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("workspace watcher error", "error", err)
		}
	}
}

func (t *tracker) handleEvent(event fsnotify.Event) {
	rel, ok := t.relative(event.Name)
	if !ok || t.ignore.MatchesPath(rel) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := t.addTree(event.Name); err != nil {
				t.logger.Warn("watch new directory", "dir", event.Name, "error", err)
			}
			return
		}
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		t.mu.Lock()
		t.changed[rel] = struct{}{}
		t.mu.Unlock()
	}
}

// addTree watches dir and every non-ignored directory below it.
func (t *tracker) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := t.relative(path); ok && rel != "." && t.ignore.MatchesPath(rel) {
			return filepath.SkipDir
		}
		if err := t.watcher.Add(path); err != nil {
			if path == t.root {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			t.logger.Warn("watch directory", "dir", path, "error", err)
		}
		return nil
	})
}

func (t *tracker) relative(path string) (string, bool) {
	rel, err := filepath.Rel(t.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func loadGitignorePatterns(root string) []string {
	file, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}
