// Package coordinator implements the Workspace Coordinator: the request
// router sitting in front of the Tracked Files Registry, the Signal
// Query Engine and the Config Bridge. It accepts correlation-stamped
// requests from one or more Sessions, dispatches the blocking ones onto
// goroutines that observe cancellation at their next suspension point,
// and fans out state-change events to every subscribed session while
// routing query responses only to their requester.
//
// It follows a thin-struct shape: references to the services it
// coordinates (registry, query engine, config bridge) with one bound
// method per external operation, rather than a generic message-bus
// dispatcher, since no transport is mandated here — only the message
// vocabulary. The per-session correlation-id cancellation bookkeeping
// follows a context.CancelFunc-per-outstanding-operation pattern,
// invoked by an explicit cancel call.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/novywave/waveengine/internal/config"
	"github.com/novywave/waveengine/internal/fileentry"
	"github.com/novywave/waveengine/internal/query"
	"github.com/novywave/waveengine/internal/registry"
	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/wavefmt"
	"github.com/novywave/waveengine/internal/waveerr"
	"github.com/novywave/waveengine/internal/watcher"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// Logger is the same minimal injected seam used across the engine.
type Logger interface {
	Log(level, message string)
}

type noopLogger struct{}

func (noopLogger) Log(string, string) {}

// defaultFormat is the VariableFormat a variable is assigned the first
// time it is queried or selected without an explicit format.
const defaultFormat = wavetypes.Hexadecimal

// Coordinator owns the Tracked Files Registry and the SelectedVariables
// ordered list, and wires every other engine component a Session's
// requests touch.
type Coordinator struct {
	registry *registry.Registry
	queries  *query.Engine
	bridge   *config.Bridge
	watcher  *watcher.Hook
	logger   Logger

	mu                sync.Mutex
	selectedVariables []wavetypes.SelectedVariable
	variableFormats   map[wavetypes.VariableID]wavetypes.VariableFormat
}

// New constructs a Coordinator wired to the given services. watcher may
// be nil if no privileged File Watcher Hook caller is configured.
func New(reg *registry.Registry, queries *query.Engine, bridge *config.Bridge, hook *watcher.Hook, logger Logger) *Coordinator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Coordinator{
		registry:        reg,
		queries:         queries,
		bridge:          bridge,
		watcher:         hook,
		logger:          logger,
		variableFormats: make(map[wavetypes.VariableID]wavetypes.VariableFormat),
	}
}

// NewSession registers a new subscriber (handling the Subscribe request
// kind) and starts fanning out registry and config change events
// to it until ctx is done.
func (c *Coordinator) NewSession(ctx context.Context) *Session {
	s := newSession()

	registryEvents := c.registry.Subscribe(ctx)
	configEvents := c.bridge.Subscribe(ctx)

	go func() {
		defer s.close()
		for {
			select {
			case <-ctx.Done():
				return
			case snapshot, ok := <-registryEvents:
				if !ok {
					return
				}
				s.emit(Event{Kind: FilesChanged, Files: snapshot})
				for _, f := range snapshot {
					s.emit(Event{Kind: FileStateChanged, FileID: f.FileID, State: f.State})
					if f.Header != nil {
						s.emit(Event{Kind: HeaderAvailable, FileID: f.FileID, Header: f.Header})
					}
					if f.State == fileentry.Failed {
						s.emit(fileErrorEvent(f))
					}
				}
			case ev, ok := <-configEvents:
				if !ok {
					return
				}
				s.emit(Event{Kind: ConfigChanged, Config: ev.Workspace})
			}
		}
	}()

	return s
}

// LoadFiles tracks paths, assigning file ids and kicking off header
// loads; the resulting FilesChanged/HeaderAvailable
// events reach every session through the registry subscription, not just
// the requester.
func (c *Coordinator) LoadFiles(ctx context.Context, paths []string) ([]wavetypes.FileID, error) {
	ids, err := c.registry.Insert(ctx, paths)
	if err != nil {
		return nil, err
	}
	c.syncOpenedFiles()
	return ids, nil
}

// syncOpenedFiles mirrors the registry's current membership into the
// persisted document's opened_files list after every membership
// mutation, so the next session reopens the same set.
func (c *Coordinator) syncOpenedFiles() {
	snaps := c.registry.List()
	paths := make([]string, len(snaps))
	for i, s := range snaps {
		paths[i] = s.CanonicalPath
	}
	c.bridge.SetOpenedFiles(paths)
}

// ReloadFiles re-runs the load pipeline for already-tracked files.
func (c *Coordinator) ReloadFiles(ctx context.Context, fileIDs []wavetypes.FileID) {
	c.registry.Reload(ctx, fileIDs)
}

// RemoveFiles untracks files, evicting their cached bodies and headers.
func (c *Coordinator) RemoveFiles(fileIDs []wavetypes.FileID) {
	c.registry.Remove(fileIDs)
	c.mu.Lock()
	kept := c.selectedVariables[:0:0]
	removed := make(map[wavetypes.FileID]bool, len(fileIDs))
	for _, id := range fileIDs {
		removed[id] = true
	}
	for _, sv := range c.selectedVariables {
		if !removed[wavetypes.FileOf(string(sv.ID))] {
			kept = append(kept, sv)
		}
	}
	c.selectedVariables = kept
	c.mu.Unlock()
	c.syncOpenedFiles()
	c.persistSelectedVariables()
}

// formatFor resolves the VariableFormat applied to id's point-query
// results: the format recorded by SetVariableFormat or
// AddSelectedVariable, otherwise defaultFormat.
func (c *Coordinator) formatFor(id wavetypes.VariableID) wavetypes.VariableFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.variableFormats[id]; ok {
		return f
	}
	return defaultFormat
}

// QueryPoint answers a QueryPoint request, applying the Value Formatter
// to each raw result before dispatch and publishing
// PointResult or QueryError to sess only — never broadcast. Cancellation
// is observed both before the query engine call and, via ctx, during it.
func (c *Coordinator) QueryPoint(ctx context.Context, sess *Session, corID uint64, fileID wavetypes.FileID, variables []wavetypes.VariableID, at timemodel.AbsoluteTime) {
	taskCtx, cancel := context.WithCancel(ctx)
	if !sess.begin(corID, cancel) {
		return
	}
	defer sess.end(corID)

	result, err := c.queries.QueryPoint(taskCtx, query.PointRequest{FileID: fileID, Variables: variables, At: at})
	if sess.isCancelled(corID) {
		return
	}
	if err != nil {
		c.logger.Log("debug", fmt.Sprintf("point query %d failed: %v", corID, err))
		sess.emitBlocking(taskCtx, c.queryErrorEvent(corID, fileID, err))
		return
	}

	values := make([]PointResultValue, len(result.Values))
	for i, v := range result.Values {
		if v.Missing {
			values[i] = PointResultValue{Variable: v.Variable, Missing: true}
			continue
		}
		format := c.formatFor(v.Variable)
		formatted, ferr := wavefmt.Format(v.Bits, format)
		if ferr != nil {
			// A numeric format rejecting X/Z content fails the query
			// with the typed kind; the caller picks another format and
			// re-requests.
			sess.emitBlocking(taskCtx, Event{
				Kind: QueryError, CorID: corID, FileID: fileID,
				ErrKind:    waveerr.KindNonNumeric,
				ErrMessage: fmt.Sprintf("formatting %s as %s: %v", v.Variable, format, ferr),
			})
			return
		}
		values[i] = PointResultValue{Variable: v.Variable, Formatted: formatted, Format: format}
	}
	sess.emitBlocking(taskCtx, Event{Kind: PointResult, CorID: corID, FileID: fileID, PointValues: values})
}

// QueryRange answers a QueryRange request: the raw (possibly
// decimated) transition list plus edge values — formatting a
// range's bits is left to the caller, since a renderer typically wants
// raw bits for its own drawing, not a formatted string per sample.
func (c *Coordinator) QueryRange(ctx context.Context, sess *Session, corID uint64, fileID wavetypes.FileID, variable wavetypes.VariableID, tLo, tHi timemodel.AbsoluteTime, maxTransitions uint32) {
	taskCtx, cancel := context.WithCancel(ctx)
	if !sess.begin(corID, cancel) {
		return
	}
	defer sess.end(corID)

	result, err := c.queries.QueryRange(taskCtx, query.RangeRequest{
		FileID: fileID, Variable: variable, TLo: tLo, THi: tHi, MaxTransitions: maxTransitions,
	})
	if sess.isCancelled(corID) {
		return
	}
	if err != nil {
		sess.emitBlocking(taskCtx, c.queryErrorEvent(corID, fileID, err))
		return
	}
	sess.emitBlocking(taskCtx, Event{Kind: RangeResult, CorID: corID, FileID: fileID, Variable: variable, Range: result})
}

func (c *Coordinator) queryErrorEvent(corID uint64, fileID wavetypes.FileID, err error) Event {
	kind, ok := waveerr.Of(err)
	if !ok {
		kind = waveerr.KindInternal
	}
	return Event{Kind: QueryError, CorID: corID, FileID: fileID, ErrKind: kind, ErrMessage: err.Error()}
}

// Cancel retracts corID on sess, per the `Subscribe / Cancel { cor_id }`
// request shape and the cancellation-safety invariant it guarantees.
func (c *Coordinator) Cancel(sess *Session, corID uint64) {
	sess.Cancel(corID)
}

// SetVariableFormat applies a SetVariableFormat request to future
// Point query formatting of the named variable.
func (c *Coordinator) SetVariableFormat(variable wavetypes.VariableID, format wavetypes.VariableFormat) {
	c.mu.Lock()
	c.variableFormats[variable] = format
	for i, sv := range c.selectedVariables {
		if sv.ID == variable {
			c.selectedVariables[i].Format = format
		}
	}
	c.mu.Unlock()
	c.persistSelectedVariables()
}

// AddSelectedVariable appends variable to the ordered SelectedVariables
// list this Coordinator owns, defaulting its format if unseen.
func (c *Coordinator) AddSelectedVariable(variable wavetypes.VariableID) {
	c.mu.Lock()
	for _, sv := range c.selectedVariables {
		if sv.ID == variable {
			c.mu.Unlock()
			return
		}
	}
	format := defaultFormat
	if f, ok := c.variableFormats[variable]; ok {
		format = f
	} else {
		c.variableFormats[variable] = format
	}
	c.selectedVariables = append(c.selectedVariables, wavetypes.SelectedVariable{ID: variable, Format: format})
	c.mu.Unlock()
	c.persistSelectedVariables()
}

// RemoveSelectedVariable drops variable from the SelectedVariables list.
func (c *Coordinator) RemoveSelectedVariable(variable wavetypes.VariableID) {
	c.mu.Lock()
	kept := c.selectedVariables[:0:0]
	for _, sv := range c.selectedVariables {
		if sv.ID != variable {
			kept = append(kept, sv)
		}
	}
	c.selectedVariables = kept
	c.mu.Unlock()
	c.persistSelectedVariables()
}

// SelectedVariables returns the current ordered selection.
func (c *Coordinator) SelectedVariables() []wavetypes.SelectedVariable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wavetypes.SelectedVariable(nil), c.selectedVariables...)
}

func (c *Coordinator) persistSelectedVariables() {
	c.mu.Lock()
	docs := make([]config.SelectedVariableDoc, len(c.selectedVariables))
	for i, sv := range c.selectedVariables {
		docs[i] = config.SelectedVariableDoc{UniqueID: string(sv.ID), Formatter: sv.Format.String()}
	}
	c.mu.Unlock()
	c.bridge.SetSelectedVariables(docs)
}

// SetCursor forwards a SetCursor request to the Config Bridge.
func (c *Coordinator) SetCursor(at timemodel.AbsoluteTime) {
	c.bridge.SetCursor(at)
}

// SetVisibleRange forwards a SetVisibleRange request to the Config
// Bridge.
func (c *Coordinator) SetVisibleRange(lo, hi timemodel.AbsoluteTime) {
	c.bridge.SetVisibleRange(lo, hi)
}

// Announce exposes the File Watcher Hook's privileged announce(paths)
// operation to a plugin runtime, equivalent to LoadFiles.
func (c *Coordinator) Announce(ctx context.Context, paths []string) ([]wavetypes.FileID, error) {
	if c.watcher == nil {
		return c.LoadFiles(ctx, paths)
	}
	ids, err := c.watcher.Announce(ctx, paths)
	if err != nil {
		return nil, err
	}
	c.syncOpenedFiles()
	return ids, nil
}

// ReloadPaths exposes the File Watcher Hook's privileged reload(paths)
// operation: equivalent to ReloadFiles for paths currently tracked,
// silently ignoring the rest.
func (c *Coordinator) ReloadPaths(ctx context.Context, paths []string) {
	if c.watcher == nil {
		var ids []wavetypes.FileID
		for _, p := range paths {
			if id, ok := c.registry.PathToID(p); ok {
				ids = append(ids, id)
			}
		}
		c.ReloadFiles(ctx, ids)
		return
	}
	c.watcher.Reload(ctx, paths)
}

// fileErrorEvent builds a FileError event from an entry's failed
// snapshot, used when translating registry state for a session that
// wants per-file diagnostics rather than just the FilesChanged summary.
func fileErrorEvent(snap fileentry.Snapshot) Event {
	ev := Event{Kind: FileError, FileID: snap.FileID}
	if snap.Error != nil {
		ev.ErrKind = snap.Error.Kind()
		ev.ErrMessage = snap.Error.Error()
	} else {
		ev.ErrKind = waveerr.KindInternal
		ev.ErrMessage = fmt.Sprintf("file %s failed with no recorded diagnostic", snap.FileID)
	}
	return ev
}
