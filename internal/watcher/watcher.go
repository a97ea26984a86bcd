// Package watcher implements the File Watcher Hook: two operations
// privileged callers (typically plugins) can invoke directly
// — reload and announce — plus an fsnotify-driven automatic reload path
// so a trace file rewritten by the simulator that produced it is picked
// up without a caller having to poll.
//
// An fsnotify.Watcher feeds a debouncer that coalesces bursts of events
// per path before acting, with github.com/bmatcuk/doublestar/v4 used
// for glob matching which on-disk changes are worth reacting to.
// Narrowed from generic create/write/remove/rename handling down to
// this package's one real concern: has a tracked file's content changed
// on disk, answered by internal/registry.Registry.ContentChanged rather
// than re-reading file metadata here.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/novywave/waveengine/internal/fileentry"
	"github.com/novywave/waveengine/internal/registry"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// Logger is the same minimal injection seam used across the engine.
type Logger interface {
	Log(level, message string)
}

type noopLogger struct{}

func (noopLogger) Log(string, string) {}

// watchedExtensions are the trace file suffixes the auto-reload path
// reacts to; announce/reload called directly by a privileged caller are
// not filtered by extension.
var watchedExtensions = []string{"*.vcd", "*.vcd.gz", "*.fst", "*.ghw"}

// Hook is the File Watcher Hook. Zero value is not usable; construct
// with New.
type Hook struct {
	registry *registry.Registry
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   Logger

	mu          sync.Mutex
	watchedDirs map[string]bool
	timers      map[string]*time.Timer // canonical path -> pending debounce timer
	cancel      context.CancelFunc
}

// New constructs a Hook wired to reg. debounce bounds how long a burst
// of write events on one file is coalesced before a reload is issued; a
// non-positive value means no debouncing.
func New(reg *registry.Registry, debounce time.Duration, logger Logger) (*Hook, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Hook{
		registry:    reg,
		fsw:         fsw,
		debounce:    debounce,
		logger:      logger,
		watchedDirs: make(map[string]bool),
		timers:      make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the directories of every currently tracked file
// and keeps the watch set in sync as the registry's tracked files
// change, until ctx is done.
func (h *Hook) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.syncWatchedDirs(h.registry.List())
	registryEvents := h.registry.Subscribe(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snapshot, ok := <-registryEvents:
				if !ok {
					return
				}
				h.syncWatchedDirs(snapshot)
			}
		}
	}()

	go h.processEvents(ctx)
}

// Close stops watching and releases the underlying fsnotify watcher.
func (h *Hook) Close() error {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()
	return h.fsw.Close()
}

// syncWatchedDirs adds an fsnotify watch for every directory holding a
// currently tracked file that isn't already watched. Directories stay
// in the watch set even after their last tracked file is removed;
// events for untracked paths are filtered out in handleEvent.
func (h *Hook) syncWatchedDirs(files []fileentry.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range files {
		dir := filepath.Dir(f.CanonicalPath)
		if h.watchedDirs[dir] {
			continue
		}
		if err := h.fsw.Add(dir); err != nil {
			h.logger.Log("warn", "failed to watch directory "+dir+": "+err.Error())
			continue
		}
		h.watchedDirs[dir] = true
	}
}

func (h *Hook) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.fsw.Events:
			if !ok {
				return
			}
			h.handleEvent(ctx, ev)
		case err, ok := <-h.fsw.Errors:
			if !ok {
				return
			}
			h.logger.Log("warn", "file watcher error: "+err.Error())
		}
	}
}

func (h *Hook) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if !matchesWatchedExtension(ev.Name) {
		return
	}
	id, ok := h.registry.PathToID(ev.Name)
	if !ok {
		return
	}
	h.debounceReload(ctx, ev.Name, id)
}

func (h *Hook) debounceReload(ctx context.Context, path string, id wavetypes.FileID) {
	fire := func() {
		if !h.registry.ContentChanged(id) {
			return
		}
		h.logger.Log("debug", "auto-reloading "+path+" after on-disk change")
		h.registry.Reload(ctx, []wavetypes.FileID{id})
	}
	if h.debounce <= 0 {
		fire()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, exists := h.timers[path]; exists {
		t.Stop()
	}
	h.timers[path] = time.AfterFunc(h.debounce, fire)
}

func matchesWatchedExtension(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range watchedExtensions {
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Reload is the privileged reload(paths) operation: equivalent to
// ReloadFiles for the listed canonical paths that are
// currently tracked; paths outside the registry are silently ignored.
func (h *Hook) Reload(ctx context.Context, paths []string) {
	var ids []wavetypes.FileID
	for _, p := range paths {
		if id, ok := h.registry.PathToID(p); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		h.registry.Reload(ctx, ids)
	}
}

// Announce is the privileged announce(paths) operation: equivalent to
// LoadFiles, tracking any path not already in the registry.
func (h *Hook) Announce(ctx context.Context, paths []string) ([]wavetypes.FileID, error) {
	return h.registry.Insert(ctx, paths)
}
