package coordinator

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Session is one connected frontend: an event stream plus the
// bookkeeping needed to cancel its own in-flight correlation ids.
// Multiple frontends may be subscribed simultaneously, and the caller
// may retract a correlation id at any time.
//
// Session identity is a uuid.New() id minted per record.
// The down-stream has two publish disciplines: broadcast snapshot
// events (FilesChanged, FileStateChanged, ConfigChanged and the like)
// are coalescable, so a slow subscriber only ever sees the latest one
// and emit drops the oldest queued entry rather than stalling the
// coordinator's dispatch loop; a correlation id's query response
// (PointResult, RangeResult, QueryError) is neither repeatable nor
// coalescable, so emitBlocking suspends the caller instead of
// discarding it, unblocking only on delivery or on the query's own
// context being cancelled.
type Session struct {
	ID uuid.UUID

	// Broadcast snapshots and correlation-id responses travel on
	// separate channels so the coalescing discipline of the former can
	// never discard one of the latter. Neither channel is ever closed.
	events    chan Event
	responses chan Event
	done      chan struct{} // closed when the session disconnects

	mu        sync.Mutex
	cancelled map[uint64]bool
	cancelFns map[uint64]context.CancelFunc
}

func newSession() *Session {
	return &Session{
		ID:        uuid.New(),
		events:    make(chan Event, 64),
		responses: make(chan Event, 16),
		done:      make(chan struct{}),
		cancelled: make(map[uint64]bool),
		cancelFns: make(map[uint64]context.CancelFunc),
	}
}

// Events returns the session's broadcast stream (FilesChanged,
// FileStateChanged, HeaderAvailable, FileError, ConfigChanged). It is
// never closed; consumers select against Done to learn the session has
// ended.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Responses returns the session's query-response stream (PointResult,
// RangeResult, QueryError). Responses for one correlation id arrive in
// issue order and are never dropped.
func (s *Session) Responses() <-chan Event {
	return s.responses
}

// Done is closed once the session's owning context ends and no further
// events will be delivered.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// emit delivers ev, dropping the oldest queued event rather than blocking
// the coordinator on a slow subscriber. Reserved for coalescable
// broadcast snapshots (FilesChanged, FileStateChanged, HeaderAvailable,
// FileError, ConfigChanged), where losing a stale copy to a fresher one
// is harmless.
func (s *Session) emit(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}
}

// emitBlocking delivers a correlation-id response, suspending the
// caller when the channel is full instead of discarding anything: each
// response is produced once and never retried, so dropping it would
// silently break the "responses arrive in issue order" guarantee a
// subscriber relies on. ctx is the query's own task context, so a
// cancelled or retracted query stops waiting on a subscriber that will
// never catch up rather than leaking the goroutine.
func (s *Session) emitBlocking(ctx context.Context, ev Event) {
	select {
	case s.responses <- ev:
	case <-ctx.Done():
	case <-s.done:
	}
}

// begin registers corID as in flight under cancelFn and reports whether
// the caller should proceed; it refuses to start work for a corID that
// was retracted before it began.
func (s *Session) begin(corID uint64, cancelFn context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled[corID] {
		cancelFn()
		delete(s.cancelled, corID)
		return false
	}
	s.cancelFns[corID] = cancelFn
	return true
}

// end clears corID's bookkeeping once its task has produced a response or
// exited on cancellation.
func (s *Session) end(corID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelFns, corID)
	delete(s.cancelled, corID)
}

// isCancelled reports whether corID was retracted, the check a task makes
// at its next suspension point before publishing a response.
func (s *Session) isCancelled(corID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[corID]
}

// Cancel retracts corID: any in-flight task for it is cancelled, and if
// no task has registered yet, the retraction is remembered so the task
// aborts as soon as it calls begin. No response for corID is emitted
// after this returns.
func (s *Session) Cancel(corID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[corID] = true
	if cancel, ok := s.cancelFns[corID]; ok {
		cancel()
		delete(s.cancelFns, corID)
	}
}

// close marks the session ended. Called once the owning context is
// done. The events channel itself is left open so an in-flight query
// goroutine racing against disconnect can never hit a closed-channel
// send; it parks on done instead.
func (s *Session) close() {
	close(s.done)
}
