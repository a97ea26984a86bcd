package wavetypes

import "github.com/novywave/waveengine/internal/timemodel"

// Header is the lightweight metadata produced by header parsing:
// format, timescale, hierarchy, and the raw (native-tick) time bounds.
// Producing a Header must never read a file's full body.
type Header struct {
	Format        Format
	Timescale     timemodel.Timescale
	Hierarchy     *Hierarchy
	RawTimeBounds [2]uint64 // (min, max) native ticks
}

// NativeTransition is one value change in a variable's native-tick
// timeline, as produced by full body parsing.
type NativeTransition struct {
	Tick  uint64
	Value Bits
}

// Body is the time-indexed signal database produced by parsing a
// file's full contents. The format readers (internal/parser/vcd,
// internal/parser/fst, internal/parser/ghw) all return a
// tracebody.MemoryBody, which answers both query shapes the Signal
// Query Engine needs: value-at-tick and transition-iteration over a
// tick window.
type Body interface {
	// ValueAt returns the most recent transition at or before tick for
	// the named variable. ok is false if the variable never transitions
	// at or before tick (e.g. tick precedes the file's first sample).
	ValueAt(id VariableID, tick uint64) (Bits, bool)

	// LastTransitionBefore returns the full (tick, value) pair of the
	// most recent transition at or before tick, used by the Signal Query
	// Engine to establish a range query's left/right edge values without
	// losing the transition's own native tick.
	LastTransitionBefore(id VariableID, tick uint64) (NativeTransition, bool)

	// TransitionCount reports how many native transitions of id fall
	// within [tickLo, tickHi], used by the Signal Query Engine to decide
	// whether a range query needs decimation.
	TransitionCount(id VariableID, tickLo, tickHi uint64) (int, error)

	// Transitions returns every native transition of id within
	// [tickLo, tickHi], in ascending tick order.
	Transitions(id VariableID, tickLo, tickHi uint64) ([]NativeTransition, error)

	// Close releases any resources (open file handles, decompression
	// buffers) the body holds. Safe to call multiple times.
	Close() error
}
