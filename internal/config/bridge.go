// Package config implements the Config Bridge: a read/observe interface
// over a persisted workspace document. It follows a "defaults overlay"
// shape — start from documented defaults, let on-disk values overwrite
// only the keys actually present — using a direct
// github.com/pelletier/go-toml/v2 struct unmarshal (TOML), since
// go-toml/v2 already gives partial-decode-onto-defaults semantics for
// free.
//
// Configuration file persistence beyond the engine's read/observe
// interface is out of scope here: this package reads the document once
// at startup and reacts to externally-supplied rewrites, but never owns
// the on-disk write path itself. Every mutation is handed to an
// injected Persister upcall rather than reaching for a global.
package config

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/waveerr"
)

// Persister is the request_persist upcall target: an external
// component (the host process, typically debouncing writes at the
// boundary) that actually writes the rendered document to disk. The
// Bridge hands it an already-merged TOML document — known fields from
// Workspace overlaid onto whatever unrecognised keys the on-disk file
// carried — so the persister itself stays a dumb byte sink.
type Persister interface {
	Persist(data []byte) error
}

// Logger is the same minimal injection seam used across the engine.
type Logger interface {
	Log(level, message string)
}

type noopLogger struct{}

func (noopLogger) Log(string, string) {}

type noopPersister struct{}

func (noopPersister) Persist([]byte) error { return nil }

// Bridge is the Config Bridge. Zero value is not usable; construct with
// New.
type Bridge struct {
	mu        sync.Mutex
	ws        Workspace
	raw       map[string]any
	cursor    *timemodel.AbsoluteTime
	visibleLo *timemodel.AbsoluteTime
	visibleHi *timemodel.AbsoluteTime

	persister Persister
	logger    Logger

	subsMu  sync.Mutex
	subs    map[int64]chan Event
	nextSub int64
}

// New constructs a Bridge seeded with documented defaults. Call Load to
// read an actual on-disk document before relying on Snapshot.
func New(persister Persister, logger Logger) *Bridge {
	if persister == nil {
		persister = noopPersister{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bridge{
		ws:        defaultWorkspace(),
		raw:       make(map[string]any),
		persister: persister,
		logger:    logger,
		subs:      make(map[int64]chan Event),
	}
}

// Load reads and parses the workspace document at path, overlaying its
// present keys onto the documented defaults. A missing file is not an
// error: the Bridge simply keeps its defaults, and missing required
// keys in a present file also fall back to documented defaults.
//
// The document is decoded twice: once onto the typed Workspace the rest
// of the engine reads through Snapshot, and once into a generic
// map[string]any kept as raw. Any key the typed struct doesn't model
// lives only in raw, and persist merges it back in on the next write so
// round-tripping the document never loses a key this engine doesn't
// understand.
func (b *Bridge) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return waveerr.Wrap(waveerr.KindPathInaccessible, "reading workspace document", err)
	}
	ws, raw, err := decodeDocument(data)
	if err != nil {
		return waveerr.Wrap(waveerr.KindInternal, "parsing workspace document", err)
	}
	b.mu.Lock()
	b.ws = ws
	b.raw = raw
	b.mu.Unlock()
	return nil
}

// ApplyExternalWrite re-parses a document observed from an external
// persister (e.g. another session, or the host's file watcher noticing
// a hand edit) and publishes a ConfigReloaded event. This is the
// observe-subsequent-writes half of the interface; the Bridge does not
// watch the file itself.
func (b *Bridge) ApplyExternalWrite(data []byte) error {
	ws, raw, err := decodeDocument(data)
	if err != nil {
		return waveerr.Wrap(waveerr.KindInternal, "parsing externally-written workspace document", err)
	}
	b.mu.Lock()
	b.ws = ws
	b.raw = raw
	b.mu.Unlock()
	b.publish(Event{Kind: ConfigReloaded, Workspace: ws})
	return nil
}

// decodeDocument parses data both onto the documented defaults and into
// a generic map, so the caller can keep whatever raw shows that ws
// can't represent.
func decodeDocument(data []byte) (Workspace, map[string]any, error) {
	ws := defaultWorkspace()
	if err := toml.Unmarshal(data, &ws); err != nil {
		return Workspace{}, nil, err
	}
	raw := make(map[string]any)
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Workspace{}, nil, err
	}
	return ws, raw, nil
}

// Snapshot returns the current persisted-document state.
func (b *Bridge) Snapshot() Workspace {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ws
}

// Cursor returns the session's current cursor instant, if one has been
// set. The cursor is not part of the persisted document grammar, so it
// lives only in the Bridge's in-memory session state.
func (b *Bridge) Cursor() (timemodel.AbsoluteTime, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cursor == nil {
		return timemodel.AbsoluteTime{}, false
	}
	return *b.cursor, true
}

// VisibleRange returns the session's current visible time window, if one
// has been set.
func (b *Bridge) VisibleRange() (lo, hi timemodel.AbsoluteTime, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.visibleLo == nil || b.visibleHi == nil {
		return timemodel.AbsoluteTime{}, timemodel.AbsoluteTime{}, false
	}
	return *b.visibleLo, *b.visibleHi, true
}

// Subscribe returns a channel that receives every Event published after
// a mutation, until ctx is done.
func (b *Bridge) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 8)
	b.subsMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		b.subsMu.Lock()
		delete(b.subs, id)
		close(ch)
		b.subsMu.Unlock()
	}()
	return ch
}

func (b *Bridge) publish(ev Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}

// persist hands the merged document to the injected Persister: a
// request_persist(data) upcall the Bridge calls unconditionally after
// every user-facing mutation. Debouncing, if any, is the persister's
// responsibility.
func (b *Bridge) persist(ws Workspace) {
	b.mu.Lock()
	raw := b.raw
	b.mu.Unlock()

	data, err := mergeDocument(raw, ws)
	if err != nil {
		b.logger.Log("warn", "rendering workspace document failed: "+err.Error())
		return
	}
	if err := b.persister.Persist(data); err != nil {
		b.logger.Log("warn", "request_persist failed: "+err.Error())
	}
}

// mergeDocument overlays ws's known fields onto raw, the last document
// this Bridge observed decoded generically, and renders the result back
// to TOML. Any key raw carries that ws has no field for — a newer
// document version's key, a hand-added comment-adjacent table, anything
// this engine build doesn't recognise — passes through untouched.
func mergeDocument(raw map[string]any, ws Workspace) ([]byte, error) {
	overlayData, err := toml.Marshal(ws)
	if err != nil {
		return nil, err
	}
	overlay := make(map[string]any)
	if err := toml.Unmarshal(overlayData, &overlay); err != nil {
		return nil, err
	}
	merged := mergeMaps(raw, overlay)
	return toml.Marshal(merged)
}

// mergeMaps returns a new map holding base's keys overlaid by every key
// in overlay. A key present in both whose values are themselves
// map[string]any is merged recursively, so an unknown key nested inside
// a known table (e.g. an extra key under [workspace]) survives
// alongside the known ones; any other conflicting value is taken from
// overlay.
func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if baseVal, ok := out[k]; ok {
			if baseMap, ok := baseVal.(map[string]any); ok {
				if overlayMap, ok := v.(map[string]any); ok {
					out[k] = mergeMaps(baseMap, overlayMap)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

// SetOpenedFiles updates the tracked canonical file paths, mirroring a
// LoadFiles/RemoveFiles mutation back into the persisted document.
func (b *Bridge) SetOpenedFiles(paths []string) {
	b.mu.Lock()
	b.ws.Workspace.OpenedFiles = append([]string(nil), paths...)
	ws := b.ws
	b.mu.Unlock()
	b.publish(Event{Kind: FilesChanged, Workspace: ws})
	b.persist(ws)
}

// SetSelectedVariables replaces the `[[workspace.selected_variables]]`
// array of tables.
func (b *Bridge) SetSelectedVariables(vars []SelectedVariableDoc) {
	b.mu.Lock()
	b.ws.Workspace.SelectedVariables = append([]SelectedVariableDoc(nil), vars...)
	ws := b.ws
	b.mu.Unlock()
	b.publish(Event{Kind: SelectedVariablesChanged, Workspace: ws})
	b.persist(ws)
}

// SetExpandedScopes updates which hierarchy scopes are expanded in the
// (out-of-scope) UI, persisted so a later session restores the same
// tree state.
func (b *Bridge) SetExpandedScopes(scopeIDs []string) {
	b.mu.Lock()
	b.ws.Workspace.ExpandedScopes = append([]string(nil), scopeIDs...)
	ws := b.ws
	b.mu.Unlock()
	b.publish(Event{Kind: ScopeChanged, Workspace: ws})
	b.persist(ws)
}

// SetSelectedScope updates the currently selected hierarchy scope.
func (b *Bridge) SetSelectedScope(scopeID string) {
	b.mu.Lock()
	b.ws.Workspace.SelectedScopeID = scopeID
	ws := b.ws
	b.mu.Unlock()
	b.publish(Event{Kind: ScopeChanged, Workspace: ws})
	b.persist(ws)
}

// SetDockMode updates the docked-panel orientation.
func (b *Bridge) SetDockMode(mode string) {
	b.mu.Lock()
	b.ws.Workspace.DockMode = mode
	ws := b.ws
	b.mu.Unlock()
	b.publish(Event{Kind: DockChanged, Workspace: ws})
	b.persist(ws)
}

// SetDockedDimensions updates both docked-panel size tables together,
// since a panel resize typically touches only the one currently docked
// but the document always carries both.
func (b *Bridge) SetDockedDimensions(right, bottom Dimensions) {
	b.mu.Lock()
	b.ws.Workspace.DockedRightDimensions = right
	b.ws.Workspace.DockedBottomDimensions = bottom
	ws := b.ws
	b.mu.Unlock()
	b.publish(Event{Kind: DockChanged, Workspace: ws})
	b.persist(ws)
}

// SetLoadFilesUI updates the file-picker's remembered expanded
// directories and scroll position.
func (b *Bridge) SetLoadFilesUI(expandedDirectories []string, scrollPosition int) {
	b.mu.Lock()
	b.ws.Workspace.LoadFilesExpandedDirectories = append([]string(nil), expandedDirectories...)
	b.ws.Workspace.LoadFilesScrollPosition = scrollPosition
	ws := b.ws
	b.mu.Unlock()
	b.publish(Event{Kind: LoadFilesUIChanged, Workspace: ws})
	b.persist(ws)
}

// SetCursor records the session's current cursor instant and publishes
// CursorChanged. Not part of the persisted document grammar; still
// routed through request_persist since that upcall fires unconditionally
// after every user-facing mutation.
func (b *Bridge) SetCursor(at timemodel.AbsoluteTime) {
	b.mu.Lock()
	b.cursor = &at
	ws := b.ws
	b.mu.Unlock()
	b.publish(Event{Kind: CursorChanged, Workspace: ws})
	b.persist(ws)
}

// SetVisibleRange records the session's current visible time window and
// publishes VisibleRangeChanged.
func (b *Bridge) SetVisibleRange(lo, hi timemodel.AbsoluteTime) {
	b.mu.Lock()
	b.visibleLo = &lo
	b.visibleHi = &hi
	ws := b.ws
	b.mu.Unlock()
	b.publish(Event{Kind: VisibleRangeChanged, Workspace: ws})
	b.persist(ws)
}
