package tracebody

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novywave/waveengine/internal/wavetypes"
)

func bit(v wavetypes.BitState) wavetypes.Bits {
	return wavetypes.Bits{States: []wavetypes.BitState{v}}
}

func buildSingle(id wavetypes.VariableID, ticks []uint64, states []wavetypes.BitState) *MemoryBody {
	b := NewBuilder()
	for i, tick := range ticks {
		b.Append(id, tick, bit(states[i]))
	}
	return b.Build()
}

func TestValueAtReturnsLastTransitionAtOrBefore(t *testing.T) {
	id := wavetypes.VariableID("f1|top|a")
	body := buildSingle(id, []uint64{0, 10, 20}, []wavetypes.BitState{wavetypes.Bit0, wavetypes.Bit1, wavetypes.Bit0})

	v, ok := body.ValueAt(id, 10)
	require.True(t, ok)
	assert.Equal(t, wavetypes.Bit1, v.States[0])

	v, ok = body.ValueAt(id, 15)
	require.True(t, ok)
	assert.Equal(t, wavetypes.Bit1, v.States[0])

	// Past the last transition the final value is held.
	v, ok = body.ValueAt(id, 1_000_000)
	require.True(t, ok)
	assert.Equal(t, wavetypes.Bit0, v.States[0])
}

func TestValueAtBeforeFirstTransitionIsAbsent(t *testing.T) {
	id := wavetypes.VariableID("f1|top|a")
	body := buildSingle(id, []uint64{10}, []wavetypes.BitState{wavetypes.Bit1})
	_, ok := body.ValueAt(id, 9)
	assert.False(t, ok)
}

func TestValueAtUnknownVariableIsAbsent(t *testing.T) {
	body := NewBuilder().Build()
	_, ok := body.ValueAt("f1|top|nope", 0)
	assert.False(t, ok)
}

func TestTransitionsRestrictToWindow(t *testing.T) {
	id := wavetypes.VariableID("f1|top|a")
	body := buildSingle(id,
		[]uint64{0, 10, 20, 30},
		[]wavetypes.BitState{wavetypes.Bit0, wavetypes.Bit1, wavetypes.Bit0, wavetypes.Bit1})

	ts, err := body.Transitions(id, 10, 20)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, uint64(10), ts[0].Tick)
	assert.Equal(t, uint64(20), ts[1].Tick)

	count, err := body.TransitionCount(id, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTransitionsRejectInvertedWindow(t *testing.T) {
	body := NewBuilder().Build()
	_, err := body.Transitions("f1|top|a", 20, 10)
	assert.Error(t, err)
}

func TestBuildCompressesDensifiedSamplesToTransitions(t *testing.T) {
	// A reader that records the (unchanged) value at every sampled time
	// point must come out of Build as a true transition stream.
	id := wavetypes.VariableID("f1|top|a")
	b := NewBuilder()
	b.Append(id, 0, bit(wavetypes.Bit0))
	b.Append(id, 5, bit(wavetypes.Bit0))
	b.Append(id, 10, bit(wavetypes.Bit0))
	b.Append(id, 15, bit(wavetypes.Bit1))
	b.Append(id, 20, bit(wavetypes.Bit1))
	body := b.Build()

	count, err := body.TransitionCount(id, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ts, _ := body.Transitions(id, 0, 100)
	assert.Equal(t, uint64(0), ts[0].Tick)
	assert.Equal(t, uint64(15), ts[1].Tick)
}

func TestBuildSortsOutOfOrderAppends(t *testing.T) {
	id := wavetypes.VariableID("f1|top|a")
	b := NewBuilder()
	b.Append(id, 20, bit(wavetypes.Bit0))
	b.Append(id, 0, bit(wavetypes.Bit1))
	b.Append(id, 10, bit(wavetypes.Bit0))
	body := b.Build()

	ts, err := body.Transitions(id, 0, 100)
	require.NoError(t, err)
	for i := 1; i < len(ts); i++ {
		assert.Less(t, ts[i-1].Tick, ts[i].Tick)
	}
}

func TestLastTransitionBeforeCarriesTick(t *testing.T) {
	id := wavetypes.VariableID("f1|top|a")
	body := buildSingle(id, []uint64{5, 15}, []wavetypes.BitState{wavetypes.Bit1, wavetypes.Bit0})

	tr, ok := body.LastTransitionBefore(id, 12)
	require.True(t, ok)
	assert.Equal(t, uint64(5), tr.Tick)
	assert.Equal(t, wavetypes.Bit1, tr.Value.States[0])
}
