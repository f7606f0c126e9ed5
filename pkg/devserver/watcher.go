package devserver

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/workergraph/pkg/domain"
)

// DefaultDebounce is used when WatcherOptions.Debounce is zero.
const DefaultDebounce = 100 * time.Millisecond

var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// manifestFiles at the root change what node_modules resolves to.
var manifestFiles = map[string]bool{
	"package.json":      true,
	"package-lock.json": true,
	"pnpm-lock.yaml":    true,
	"yarn.lock":         true,
	"bun.lockb":         true,
}

// Reloader is the part of Server the watcher drives.
type Reloader interface {
	Reload(ctx context.Context) error
	InvalidateModule(path string) []domain.EnvironmentName
	InvalidateDependencies()
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Document is the configuration document. Changes to it trigger a reload.
	Document string
	// Root is watched recursively. Changes under it invalidate modules;
	// manifest and node_modules changes at the root drop pre-bundled
	// dependencies.
	Root     string
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher reloads the server when the document changes and invalidates
// cached modules when source files change.
type Watcher struct {
	document string
	root     string
	debounce time.Duration
	target   Reloader
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher for target. Call Start to begin watching.
func NewWatcher(target Reloader, opts WatcherOptions) (*Watcher, error) {
	document, err := filepath.Abs(opts.Document)
	if err != nil {
		return nil, err
	}
	root := opts.Root
	if root == "" {
		root = filepath.Dir(document)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		document: document,
		root:     root,
		debounce: debounce,
		target:   target,
		watcher:  fw,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start adds the watched directories and begins processing events.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// The document directory is watched rather than the file because editors
	// often replace files by rename.
	if err := w.watcher.Add(filepath.Dir(w.document)); err != nil {
		w.setStopped()
		return err
	}
	if err := w.addTree(w.root); err != nil {
		w.setStopped()
		return err
	}

	w.logger.Info("Watcher started", "document", w.document, "root", w.root)
	go w.loop(ctx)
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	return err
}

// IsRunning reports whether the watcher is running.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watcher) setStopped() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories may disappear between the event and the walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	reloads := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.handle(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})

		case <-reloads:
			w.reload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-w.stopCh:
			w.logger.Info("Watcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("Watcher context cancelled")
			return
		}
	}
}

// handle processes one event and reports whether it should trigger a reload.
func (w *Watcher) handle(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}

	path, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if path == w.document {
		w.logger.Debug("Document event", "event", event.Op.String(), "file", path)
		return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
	}
	if !w.underRoot(path) {
		return false
	}
	if w.isDependencyChange(path) {
		w.logger.Debug("Dependencies changed", "event", event.Op.String(), "file", path)
		w.target.InvalidateDependencies()
		return false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if skippedDirs[info.Name()] {
				return false
			}
			if err := w.addTree(path); err != nil {
				w.logger.Warn("Failed to watch new directory", "dir", path, "error", err)
			}
			return false
		}
	}

	w.target.InvalidateModule(path)
	return false
}

// isDependencyChange reports a root manifest or the root node_modules
// directory itself. Files inside node_modules are never watched.
func (w *Watcher) isDependencyChange(path string) bool {
	if filepath.Dir(path) != w.root {
		return false
	}
	name := filepath.Base(path)
	return manifestFiles[name] || name == "node_modules"
}

func (w *Watcher) underRoot(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	return len(rel) < 3 || rel[:3] != ".."+string(filepath.Separator)
}

func (w *Watcher) reload(ctx context.Context) {
	w.logger.Info("Document changed, reloading", "document", w.document)
	start := time.Now()
	if err := w.target.Reload(ctx); err != nil {
		w.logger.Error("Reload failed", "error", err, "duration", time.Since(start))
		return
	}
	w.logger.Info("Reload completed", "duration", time.Since(start))
}
