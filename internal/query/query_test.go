package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/tracebody"
	"github.com/novywave/waveengine/internal/wavetypes"
)

var nsTimescale = timemodel.Timescale{Factor: 1, Unit: timemodel.Nanoseconds}

func bit(v byte) wavetypes.Bits {
	s := wavetypes.Bit0
	if v == 1 {
		s = wavetypes.Bit1
	}
	return wavetypes.Bits{States: []wavetypes.BitState{s}}
}

func buildBody(signal wavetypes.VariableID, ticks []uint64, values []byte) wavetypes.Body {
	b := tracebody.NewBuilder()
	for i, tick := range ticks {
		b.Append(signal, tick, bit(values[i]))
	}
	return b.Build()
}

func TestComputeRangeWithinLimitReturnsAllNativeTransitions(t *testing.T) {
	e := &Engine{}
	signal := wavetypes.VariableID("f1|a")
	body := buildBody(signal, []uint64{0, 5, 10, 15}, []byte{0, 1, 0, 1})

	result, err := e.computeRange(signal, body, nsTimescale, 4, 12, 10)
	require.NoError(t, err)
	assert.False(t, result.Decimated)
	// Window [4,12] covers native ticks 5 and 10; tick 0 precedes the
	// window and becomes the ghost left edge since it isn't already
	// the first entry.
	require.Len(t, result.Transitions, 3)
	assert.True(t, result.Transitions[0].Ghost)
	assert.Equal(t, uint64(0), tickOf(t, result.Transitions[0].At))
	assert.Equal(t, uint64(5), tickOf(t, result.Transitions[1].At))
	assert.Equal(t, uint64(10), tickOf(t, result.Transitions[2].At))
	assert.True(t, result.LeftValueOK)
	assert.True(t, result.RightValueOK)
}

func TestComputeRangeOmitsGhostWhenTransitionAlreadyAtWindowStart(t *testing.T) {
	e := &Engine{}
	signal := wavetypes.VariableID("f1|a")
	body := buildBody(signal, []uint64{0, 5, 10}, []byte{0, 1, 0})

	result, err := e.computeRange(signal, body, nsTimescale, 5, 10, 10)
	require.NoError(t, err)
	require.Len(t, result.Transitions, 2)
	assert.False(t, result.Transitions[0].Ghost)
	assert.Equal(t, uint64(5), tickOf(t, result.Transitions[0].At))
}

func TestComputeRangeDecimatesWhenOverLimit(t *testing.T) {
	e := &Engine{}
	signal := wavetypes.VariableID("f1|a")
	ticks := make([]uint64, 0, 100)
	values := make([]byte, 0, 100)
	for i := uint64(0); i < 100; i++ {
		ticks = append(ticks, i)
		values = append(values, byte(i%2))
	}
	body := buildBody(signal, ticks, values)

	result, err := e.computeRange(signal, body, nsTimescale, 0, 99, 10)
	require.NoError(t, err)
	assert.True(t, result.Decimated)
	assert.LessOrEqual(t, len(result.Transitions), 10)
	assert.Equal(t, 100, result.NativeCount)

	// Output ticks must be strictly increasing.
	for i := 1; i < len(result.Transitions); i++ {
		assert.Less(t, tickOf(t, result.Transitions[i-1].At), tickOf(t, result.Transitions[i].At))
	}
}

func TestDecimateKeepsLastTransitionPerBucket(t *testing.T) {
	native := []wavetypes.NativeTransition{
		{Tick: 0, Value: bit(0)},
		{Tick: 1, Value: bit(1)},
		{Tick: 2, Value: bit(0)},
		{Tick: 10, Value: bit(1)},
	}
	out := decimate(native, 0, 11, 2)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(2), out[0].Tick) // last transition in bucket [0,5]
	assert.Equal(t, uint64(10), out[1].Tick)
}

func TestRangeKeyQuantisesNearbyWindowsToSameKey(t *testing.T) {
	reqA := RangeRequest{
		FileID: "f1", Variable: "f1|a",
		TLo: timemodel.FromFemtoseconds(1000), THi: timemodel.FromFemtoseconds(2000),
		MaxTransitions: 10,
	}
	reqB := RangeRequest{
		FileID: "f1", Variable: "f1|a",
		TLo: timemodel.FromFemtoseconds(1005), THi: timemodel.FromFemtoseconds(1995),
		MaxTransitions: 10,
	}
	keyA, err := rangeKey(reqA)
	require.NoError(t, err)
	keyB, err := rangeKey(reqB)
	require.NoError(t, err)
	assert.Equal(t, keyA, keyB)
}

func TestRangeKeyDistinguishesDifferentWindows(t *testing.T) {
	reqA := RangeRequest{FileID: "f1", Variable: "f1|a", TLo: timemodel.FromFemtoseconds(0), THi: timemodel.FromFemtoseconds(1000), MaxTransitions: 10}
	reqB := RangeRequest{FileID: "f1", Variable: "f1|a", TLo: timemodel.FromFemtoseconds(0), THi: timemodel.FromFemtoseconds(5000), MaxTransitions: 10}
	keyA, err := rangeKey(reqA)
	require.NoError(t, err)
	keyB, err := rangeKey(reqB)
	require.NoError(t, err)
	assert.NotEqual(t, keyA, keyB)
}

func tickOf(t *testing.T, at timemodel.AbsoluteTime) uint64 {
	t.Helper()
	tick, err := at.ToTicksFloor(nsTimescale)
	require.NoError(t, err)
	return tick
}
