// Package tracebody provides a format-agnostic in-memory implementation
// of wavetypes.Body: a sorted, per-variable transition list with binary
// search for value-at-tick and range lookups. All three format readers
// (internal/parser/vcd, fst, ghw) build one of these once body parsing
// finishes decoding a file's value-change section, since range
// decimation operates identically regardless of which binary/text
// format produced the transitions.
package tracebody

import (
	"fmt"
	"sort"

	"github.com/novywave/waveengine/internal/wavetypes"
)

// MemoryBody holds every variable's full transition list sorted by
// tick. Trace files from real test benches comfortably fit this in
// memory; the body cache's eviction policy is what bounds how many
// bodies are resident at once, not how a single body is stored.
type MemoryBody struct {
	signals map[wavetypes.VariableID][]wavetypes.NativeTransition
}

// NewMemoryBody wraps pre-decoded, per-variable transition lists. Each
// list must already be sorted ascending by Tick; Builder (below) is the
// usual way to satisfy that.
func NewMemoryBody(signals map[wavetypes.VariableID][]wavetypes.NativeTransition) *MemoryBody {
	return &MemoryBody{signals: signals}
}

func (b *MemoryBody) transitionsFor(id wavetypes.VariableID) []wavetypes.NativeTransition {
	return b.signals[id]
}

// ValueAt implements wavetypes.Body.
func (b *MemoryBody) ValueAt(id wavetypes.VariableID, tick uint64) (wavetypes.Bits, bool) {
	ts := b.transitionsFor(id)
	if len(ts) == 0 {
		return wavetypes.Bits{}, false
	}
	// Find the last transition with Tick <= tick.
	i := sort.Search(len(ts), func(i int) bool { return ts[i].Tick > tick })
	if i == 0 {
		return wavetypes.Bits{}, false
	}
	return ts[i-1].Value, true
}

// LastTransitionBefore implements wavetypes.Body.
func (b *MemoryBody) LastTransitionBefore(id wavetypes.VariableID, tick uint64) (wavetypes.NativeTransition, bool) {
	ts := b.transitionsFor(id)
	if len(ts) == 0 {
		return wavetypes.NativeTransition{}, false
	}
	i := sort.Search(len(ts), func(i int) bool { return ts[i].Tick > tick })
	if i == 0 {
		return wavetypes.NativeTransition{}, false
	}
	return ts[i-1], true
}

// TransitionCount implements wavetypes.Body.
func (b *MemoryBody) TransitionCount(id wavetypes.VariableID, tickLo, tickHi uint64) (int, error) {
	if tickLo > tickHi {
		return 0, fmt.Errorf("tracebody: invalid window [%d, %d]", tickLo, tickHi)
	}
	ts := b.transitionsFor(id)
	lo := sort.Search(len(ts), func(i int) bool { return ts[i].Tick >= tickLo })
	hi := sort.Search(len(ts), func(i int) bool { return ts[i].Tick > tickHi })
	if hi < lo {
		return 0, nil
	}
	return hi - lo, nil
}

// Transitions implements wavetypes.Body.
func (b *MemoryBody) Transitions(id wavetypes.VariableID, tickLo, tickHi uint64) ([]wavetypes.NativeTransition, error) {
	if tickLo > tickHi {
		return nil, fmt.Errorf("tracebody: invalid window [%d, %d]", tickLo, tickHi)
	}
	ts := b.transitionsFor(id)
	lo := sort.Search(len(ts), func(i int) bool { return ts[i].Tick >= tickLo })
	hi := sort.Search(len(ts), func(i int) bool { return ts[i].Tick > tickHi })
	if hi < lo {
		return nil, nil
	}
	out := make([]wavetypes.NativeTransition, hi-lo)
	copy(out, ts[lo:hi])
	return out, nil
}

// Close implements wavetypes.Body. MemoryBody holds no external
// resources once constructed, so Close is a no-op.
func (b *MemoryBody) Close() error { return nil }

// Builder accumulates transitions per variable during body decoding and
// finalises them into a sorted MemoryBody. Decoders append transitions
// in file order (which for VCD/FST/GHW value-change sections is already
// time-ascending per variable), but Build sorts defensively so a decoder
// bug in ordering can't corrupt query results.
type Builder struct {
	signals map[wavetypes.VariableID][]wavetypes.NativeTransition
}

func NewBuilder() *Builder {
	return &Builder{signals: make(map[wavetypes.VariableID][]wavetypes.NativeTransition)}
}

func (bld *Builder) Append(id wavetypes.VariableID, tick uint64, value wavetypes.Bits) {
	bld.signals[id] = append(bld.signals[id], wavetypes.NativeTransition{Tick: tick, Value: value})
}

// Build compresses any densified runs a format reader may have produced
// into transitions by dropping consecutive same-value samples, then
// returns the finished body.
func (bld *Builder) Build() *MemoryBody {
	for id, ts := range bld.signals {
		sort.SliceStable(ts, func(i, j int) bool { return ts[i].Tick < ts[j].Tick })
		bld.signals[id] = compress(ts)
	}
	return NewMemoryBody(bld.signals)
}

func compress(ts []wavetypes.NativeTransition) []wavetypes.NativeTransition {
	if len(ts) == 0 {
		return ts
	}
	out := ts[:1]
	for _, t := range ts[1:] {
		prev := out[len(out)-1]
		if bitsEqual(prev.Value, t.Value) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func bitsEqual(a, b wavetypes.Bits) bool {
	if len(a.States) != len(b.States) {
		return false
	}
	for i := range a.States {
		if a.States[i] != b.States[i] {
			return false
		}
	}
	return true
}
