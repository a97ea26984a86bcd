// Package fileentry implements the per-file load state machine
// (Queued -> HeaderLoading -> Headered -> BodyLoading -> Ready/Failed).
// State is guarded by a mutex held only across non-blocking critical
// sections, and transitions are published on a version counter with a
// broadcast condition: bump a generation counter, broadcast a
// sync.Cond, let waiters re-check under the lock. Body loading is
// gated by a singleflight.Group so concurrent callers re-entering the
// same path collapse onto one parse.
package fileentry

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/novywave/waveengine/internal/waveerr"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// asWaveErr normalises an arbitrary error into the waveerr taxonomy,
// preserving an already-typed error's kind rather than flattening it to
// KindInternal.
func asWaveErr(err error, fallback waveerr.Kind, message string) *waveerr.Error {
	var e *waveerr.Error
	if errors.As(err, &e) {
		return e
	}
	return waveerr.Wrap(fallback, message, err)
}

// State is one node of the §4.3 state machine.
type State int

const (
	Queued State = iota
	HeaderLoading
	Headered
	BodyLoading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "Queued"
	case HeaderLoading:
		return "HeaderLoading"
	case Headered:
		return "Headered"
	case BodyLoading:
		return "BodyLoading"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// HeaderLoadFunc parses a file's header. Supplied by the caller
// (the registry, which knows the format hint) so this package has no
// dependency on internal/parser.
type HeaderLoadFunc func(ctx context.Context) (*wavetypes.Header, error)

// BodyLoadFunc parses a file's full body from its already-parsed
// header.
type BodyLoadFunc func(ctx context.Context) (wavetypes.Body, error)

// Entry is one FileEntry: identity, canonical path, current lifecycle
// state, and the header/body/error it has accumulated so far. A nil
// Body does not imply Headered/Ready; always consult State.
type Entry struct {
	FileID        wavetypes.FileID
	CanonicalPath string
	DisplayLabel  string // maintained by the registry, not this package

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	version  uint64 // incremented on every state transition
	header   *wavetypes.Header
	body     wavetypes.Body
	lastErr  *waveerr.Error
	bodyGate singleflight.Group
}

// New constructs an Entry in the Queued state.
func New(fileID wavetypes.FileID, canonicalPath string) *Entry {
	e := &Entry{FileID: fileID, CanonicalPath: canonicalPath, state: Queued}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Snapshot is an immutable copy of an Entry's publicly observable
// state, safe to read without holding any lock.
type Snapshot struct {
	FileID        wavetypes.FileID
	CanonicalPath string
	DisplayLabel  string
	Format        wavetypes.Format
	State         State
	Version       uint64
	Header        *wavetypes.Header
	Error         *waveerr.Error
}

// Snapshot returns the entry's current state under lock.
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Entry) snapshotLocked() Snapshot {
	s := Snapshot{
		FileID:        e.FileID,
		CanonicalPath: e.CanonicalPath,
		DisplayLabel:  e.DisplayLabel,
		State:         e.state,
		Version:       e.version,
		Header:        e.header,
		Error:         e.lastErr,
	}
	if e.header != nil {
		s.Format = e.header.Format
	}
	return s
}

// transition moves the entry to a new state and wakes any waiter
// blocked in Await. Callers must hold e.mu.
func (e *Entry) transitionLocked(to State) {
	e.state = to
	e.version++
	e.cond.Broadcast()
}

// LoadHeader runs fn under the HeaderLoading state and records its
// outcome. It is the registry's job to call this at most once per
// Queued/Failed(header) entry; LoadHeader itself does not re-enter if
// called concurrently, since the registry serialises inserts per file.
func (e *Entry) LoadHeader(ctx context.Context, fn HeaderLoadFunc) {
	e.mu.Lock()
	if e.state != Queued && e.state != Failed {
		e.mu.Unlock()
		return
	}
	e.transitionLocked(HeaderLoading)
	e.mu.Unlock()

	header, err := fn(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lastErr = asWaveErr(err, waveerr.KindHeaderCorrupt, "header load failed")
		e.transitionLocked(Failed)
		return
	}
	e.header = header
	e.lastErr = nil
	e.transitionLocked(Headered)
}

// EnsureBody guarantees the entry reaches Ready (or returns an error),
// triggering a body load through the single-flight gate if the entry is
// Headered, and suspending (via Await) if a load is already in flight.
// ctx cancellation aborts waiting, not necessarily the underlying load:
// a load started for another caller is not aborted just because this
// caller gave up.
func (e *Entry) EnsureBody(ctx context.Context, fn BodyLoadFunc) (wavetypes.Body, error) {
	for {
		e.mu.Lock()
		switch e.state {
		case Ready:
			body := e.body
			e.mu.Unlock()
			return body, nil
		case Failed:
			err := e.lastErr
			e.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, waveerr.New(waveerr.KindBodyUnavailable, "file entry failed")
		case Headered:
			e.mu.Unlock()
			e.loadBodyOnce(ctx, fn)
		default: // HeaderLoading or BodyLoading: wait for the next transition
			version := e.version
			e.mu.Unlock()
			if err := e.awaitVersionChange(ctx, version); err != nil {
				return nil, err
			}
		}
	}
}

// loadBodyOnce runs a single body load through the single-flight gate.
// Multiple goroutines calling this concurrently for the same entry
// collapse onto one fn invocation.
func (e *Entry) loadBodyOnce(ctx context.Context, fn BodyLoadFunc) {
	e.mu.Lock()
	if e.state != Headered {
		e.mu.Unlock()
		return
	}
	e.transitionLocked(BodyLoading)
	e.mu.Unlock()

	_, _, _ = e.bodyGate.Do(string(e.FileID), func() (interface{}, error) {
		body, err := fn(ctx)
		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			e.lastErr = asWaveErr(err, waveerr.KindBodyCorrupt, "body load failed")
			e.transitionLocked(Failed)
			return nil, err
		}
		e.body = body
		e.lastErr = nil
		e.transitionLocked(Ready)
		return body, nil
	})
}

// Evict resets a Ready entry back to Headered and releases its body
// handle; the transition happens atomically. It is a no-op for any
// other state.
func (e *Entry) Evict() {
	e.mu.Lock()
	if e.state != Ready {
		e.mu.Unlock()
		return
	}
	body := e.body
	e.body = nil
	e.transitionLocked(Headered)
	e.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
}

// MarkFailed forces the entry into Failed with the given diagnostic,
// used by the registry when an operation outside the normal load path
// (e.g. a watcher-triggered reload whose file vanished) needs to report
// a failure.
func (e *Entry) MarkFailed(err *waveerr.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
	e.transitionLocked(Failed)
}

// ResetForReload transitions a Failed or Ready entry back toward
// HeaderLoading (clearing any stale header/body) so the registry's
// reload operation can restart the load from scratch.
func (e *Entry) ResetForReload() {
	e.mu.Lock()
	body := e.body
	e.header = nil
	e.body = nil
	e.lastErr = nil
	e.transitionLocked(Queued)
	e.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
}

// AwaitChange blocks until the entry's version counter advances past
// from (or ctx ends) and returns the fresh snapshot, for observers that
// mirror this entry's state transitions outward (the registry's
// change-stream publisher).
func (e *Entry) AwaitChange(ctx context.Context, from uint64) (Snapshot, error) {
	if err := e.awaitVersionChange(ctx, from); err != nil {
		return Snapshot{}, err
	}
	return e.Snapshot(), nil
}

// awaitVersionChange blocks until the entry's version counter advances
// past from, or ctx is done. It is the suspension point EnsureBody
// parks callers on while a header or body load is in flight elsewhere.
func (e *Entry) awaitVersionChange(ctx context.Context, from uint64) error {
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.version == from {
		if ctx.Err() != nil {
			return waveerr.New(waveerr.KindCancelled, "cancelled while awaiting file entry state")
		}
		e.cond.Wait()
	}
	return nil
}
