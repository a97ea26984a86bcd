// Package registry implements the Tracked Files Registry: the ordered,
// mutex-guarded collection of FileEntry records that is the source of
// truth for "what is loaded". A mutex-guarded map plus an id index,
// with mutation methods that recompute derived state (smart labels)
// after every change and publish a fresh snapshot to subscribers.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/novywave/waveengine/internal/fileentry"
	"github.com/novywave/waveengine/internal/parser"
	"github.com/novywave/waveengine/internal/waveerr"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// Logger is a minimal injected logging seam, kept dependency-free so
// this package never reaches for a global logger singleton.
type Logger interface {
	Log(level, message string)
}

type noopLogger struct{}

func (noopLogger) Log(string, string) {}

// trackedFile pairs a FileEntry with registry-only bookkeeping (the
// content fingerprint, a per-entry cancellation scope for outstanding
// load work).
type trackedFile struct {
	entry       *fileentry.Entry
	fingerprint uint64
	cancel      context.CancelFunc // cancels the entry's in-flight load work
	stopWatch   context.CancelFunc // stops the entry's state-change publisher
}

// Registry is the Tracked Files Registry. Zero value is not usable;
// construct with New.
type Registry struct {
	mu         sync.Mutex
	order      []wavetypes.FileID // insertion order, preserved across remove
	byID       map[wavetypes.FileID]*trackedFile
	byPath     map[string]wavetypes.FileID
	nextID     int64
	logger     Logger
	invalidate []func(wavetypes.FileID)
	subsMu     sync.Mutex
	subs       map[int64]chan []fileentry.Snapshot
	nextSub    int64
}

// New constructs an empty Registry.
func New(logger Logger) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registry{
		byID:   make(map[wavetypes.FileID]*trackedFile),
		byPath: make(map[string]wavetypes.FileID),
		subs:   make(map[int64]chan []fileentry.Snapshot),
		logger: logger,
	}
}

// Subscribe returns a channel that receives a full registry snapshot
// after every mutation. Cancel via ctx to stop receiving and release
// the channel.
func (r *Registry) Subscribe(ctx context.Context) <-chan []fileentry.Snapshot {
	ch := make(chan []fileentry.Snapshot, 4)
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subsMu.Lock()
		delete(r.subs, id)
		close(ch)
		r.subsMu.Unlock()
	}()
	return ch
}

// OnInvalidate registers fn to be called with a file id whenever that
// entry's prior parse results become stale (the entry is removed or
// reloaded). The query engine hooks its body and range caches here so a
// rewritten file can never serve decimations computed from its old
// content. Must be called before the registry is shared across
// goroutines.
func (r *Registry) OnInvalidate(fn func(wavetypes.FileID)) {
	r.invalidate = append(r.invalidate, fn)
}

func (r *Registry) notifyInvalidate(ids []wavetypes.FileID) {
	for _, fn := range r.invalidate {
		for _, id := range ids {
			fn(id)
		}
	}
}

func (r *Registry) publish(snapshot []fileentry.Snapshot) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- snapshot:
		default:
			// Drop the oldest pending snapshot rather than block the
			// registry's mutation path on a slow subscriber; the next
			// mutation's snapshot supersedes it anyway.
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}

// Insert canonicalises and deduplicates paths against the current
// registry, assigns new file ids to the genuinely new ones, and spawns
// header loads for them. Returns the file id for every input path in
// order, including existing entries — inserting an already-tracked path
// is idempotent.
func (r *Registry) Insert(ctx context.Context, paths []string) ([]wavetypes.FileID, error) {
	// Canonicalisation and fingerprinting touch the filesystem, so both
	// happen before the registry lock is taken.
	canon := make([]string, len(paths))
	prints := make([]uint64, len(paths))
	for i, p := range paths {
		cp, err := canonicalise(p)
		if err != nil {
			return nil, waveerr.Wrap(waveerr.KindPathInaccessible, fmt.Sprintf("canonicalising %s", p), err)
		}
		canon[i] = cp
		prints[i] = fingerprintOf(cp)
	}

	r.mu.Lock()
	ids := make([]wavetypes.FileID, len(paths))
	var fresh []*trackedFile
	for i := range paths {
		if id, ok := r.byPath[canon[i]]; ok {
			ids[i] = id
			continue
		}
		id := r.allocateID()
		tf := &trackedFile{entry: fileentry.New(id, canon[i]), fingerprint: prints[i]}
		r.byID[id] = tf
		r.byPath[canon[i]] = id
		r.order = append(r.order, id)
		ids[i] = id
		fresh = append(fresh, tf)
	}
	r.recomputeLabelsLocked()
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(snapshot)
	for _, tf := range fresh {
		r.watchEntryStates(tf)
		r.spawnHeaderLoad(ctx, tf)
	}
	return ids, nil
}

// watchEntryStates publishes a fresh registry snapshot on every state
// transition of tf's entry — including the body-load and eviction
// transitions that happen outside any registry mutation — so the change
// stream carries the entry's full state-machine path, monotonic per
// entry. The watcher lives until the entry is removed, independent of
// whichever request context inserted it.
func (r *Registry) watchEntryStates(tf *trackedFile) {
	wctx, cancel := context.WithCancel(context.Background())
	tf.stopWatch = cancel
	go func() {
		snap := tf.entry.Snapshot()
		for {
			next, err := tf.entry.AwaitChange(wctx, snap.Version)
			if err != nil {
				return
			}
			r.publish(r.List())
			snap = next
		}
	}()
}

// Remove cancels outstanding work for each entry, drops its body and
// header, and destroys it, preserving the order of the remaining
// entries.
func (r *Registry) Remove(fileIDs []wavetypes.FileID) {
	r.mu.Lock()
	remove := make(map[wavetypes.FileID]bool, len(fileIDs))
	for _, id := range fileIDs {
		remove[id] = true
		if tf, ok := r.byID[id]; ok {
			if tf.cancel != nil {
				tf.cancel()
			}
			if tf.stopWatch != nil {
				tf.stopWatch()
			}
			delete(r.byID, id)
			delete(r.byPath, tf.entry.CanonicalPath)
		}
	}
	kept := r.order[:0:0]
	for _, id := range r.order {
		if !remove[id] {
			kept = append(kept, id)
		}
	}
	r.order = kept
	r.recomputeLabelsLocked()
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.notifyInvalidate(fileIDs)
	r.publish(snapshot)
}

// Reload transitions the named entries back through HeaderLoading
// without removing them from the registry's order.
func (r *Registry) Reload(ctx context.Context, fileIDs []wavetypes.FileID) {
	r.mu.Lock()
	var targets []*trackedFile
	for _, id := range fileIDs {
		if tf, ok := r.byID[id]; ok {
			if tf.cancel != nil {
				tf.cancel()
			}
			tf.entry.ResetForReload()
			targets = append(targets, tf)
		}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	// Re-fingerprint off-lock; the fingerprint is advisory (it only
	// gates the watcher's auto-reload) so a query racing this window
	// reads either the old or the new value, never a torn one.
	for _, tf := range targets {
		fp := fingerprintOf(tf.entry.CanonicalPath)
		r.mu.Lock()
		tf.fingerprint = fp
		r.mu.Unlock()
	}

	r.notifyInvalidate(fileIDs)
	r.publish(snapshot)
	for _, tf := range targets {
		r.spawnHeaderLoad(ctx, tf)
	}
}

// List returns a snapshot of every tracked entry in registry order.
func (r *Registry) List() []fileentry.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Entry returns the underlying FileEntry for id, used by the Signal
// Query Engine to drive EnsureBody. The second return is false if id is
// not currently tracked.
func (r *Registry) Entry(id wavetypes.FileID) (*fileentry.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tf, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return tf.entry, true
}

// ContentChanged reports whether the on-disk content fingerprint of id
// differs from what was recorded at the last insert/reload, the signal
// the File Watcher Hook uses to decide whether a reload is warranted.
func (r *Registry) ContentChanged(id wavetypes.FileID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	tf, ok := r.byID[id]
	if !ok {
		return false
	}
	return fingerprintOf(tf.entry.CanonicalPath) != tf.fingerprint
}

// PathToID resolves a canonical path to its file id, if tracked.
func (r *Registry) PathToID(path string) (wavetypes.FileID, bool) {
	canon, err := canonicalise(path)
	if err != nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPath[canon]
	return id, ok
}

func (r *Registry) allocateID() wavetypes.FileID {
	n := atomic.AddInt64(&r.nextID, 1)
	return wavetypes.FileID(fmt.Sprintf("f%d", n))
}

func (r *Registry) snapshotLocked() []fileentry.Snapshot {
	out := make([]fileentry.Snapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].entry.Snapshot())
	}
	return out
}

// recomputeLabelsLocked reassigns every entry's DisplayLabel using the
// smart-label rule. Callers must hold r.mu.
func (r *Registry) recomputeLabelsLocked() {
	paths := make([]string, len(r.order))
	for i, id := range r.order {
		paths[i] = r.byID[id].entry.CanonicalPath
	}
	labels := smartLabels(paths)
	for i, id := range r.order {
		r.byID[id].entry.DisplayLabel = labels[i]
	}
}

func (r *Registry) spawnHeaderLoad(ctx context.Context, tf *trackedFile) {
	loadCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	tf.cancel = cancel
	r.mu.Unlock()

	go func() {
		tf.entry.LoadHeader(loadCtx, func(ctx context.Context) (*wavetypes.Header, error) {
			h, err := parser.ParseHeader(tf.entry.FileID, tf.entry.CanonicalPath, wavetypes.FormatUnknown)
			if err != nil {
				return nil, err
			}
			return h.Public(), nil
		})
		r.logger.Log("debug", fmt.Sprintf("header load finished for %s: %s", tf.entry.CanonicalPath, tf.entry.Snapshot().State))
	}()
}

// LoadBody is the BodyLoadFunc adapter the query engine passes to
// fileentry.Entry.EnsureBody for an entry obtained from this registry;
// it re-parses the header to get back a parser.Header capable of
// LoadBody and then performs the (slow) body parse.
func LoadBody(fileID wavetypes.FileID, canonicalPath string, hint wavetypes.Format) fileentry.BodyLoadFunc {
	return func(ctx context.Context) (wavetypes.Body, error) {
		h, err := parser.ParseHeader(fileID, canonicalPath, hint)
		if err != nil {
			return nil, err
		}
		return parser.LoadBody(h)
	}
}

func canonicalise(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// fingerprintOf hashes the first 64KiB of path plus its size, a cheap
// "did this change on disk" signal; an open/stat failure yields 0,
// which ContentChanged compares like any other fingerprint (a file
// that becomes unreadable therefore reports as changed).
func fingerprintOf(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	buf := make([]byte, 64*1024)
	n, _ := f.Read(buf)
	h := xxhash.New()
	h.Write(buf[:n])
	fmt.Fprintf(h, "|%d", info.Size())
	return h.Sum64()
}

// smartLabels implements a deterministic disambiguation rule as a pure
// function of the current path set: start every label at its basename,
// and for as long as two labels collide, extend
// every entry in the colliding group by one more parent directory
// segment, until all labels are pairwise distinct.
func smartLabels(paths []string) []string {
	n := len(paths)
	segs := make([][]string, n)
	for i, p := range paths {
		segs[i] = reversedSegments(p)
	}
	depth := make([]int, n)
	for i := range depth {
		depth[i] = 1
	}

	for {
		labels := make([]string, n)
		for i := range labels {
			labels[i] = labelAtDepth(segs[i], depth[i])
		}
		groups := make(map[string][]int)
		for i, l := range labels {
			groups[l] = append(groups[l], i)
		}
		changed := false
		for _, idxs := range groups {
			if len(idxs) <= 1 {
				continue
			}
			sort.Slice(idxs, func(a, b int) bool { return paths[idxs[a]] < paths[idxs[b]] })
			for _, i := range idxs {
				if depth[i] < len(segs[i]) {
					depth[i]++
					changed = true
				}
			}
		}
		if !changed {
			return labels
		}
	}
}

func reversedSegments(path string) []string {
	slash := filepath.ToSlash(path)
	parts := strings.Split(slash, "/")
	out := make([]string, 0, len(parts))
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "" {
			continue
		}
		out = append(out, parts[i])
	}
	return out
}

func labelAtDepth(reversed []string, depth int) string {
	if depth > len(reversed) {
		depth = len(reversed)
	}
	segs := make([]string, depth)
	for i := 0; i < depth; i++ {
		segs[depth-1-i] = reversed[i]
	}
	return strings.Join(segs, "/")
}
