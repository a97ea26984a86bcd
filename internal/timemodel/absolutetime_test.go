package timemodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fs(v uint64) AbsoluteTime { return FromFemtoseconds(v) }

func TestFromTicksScalesByTimescale(t *testing.T) {
	ns := Timescale{Factor: 1, Unit: Nanoseconds}
	at, err := FromTicks(100, ns)
	require.NoError(t, err)
	got, ok := at.Femtoseconds()
	require.True(t, ok)
	assert.Equal(t, uint64(100_000_000), got)

	// 10ps per tick.
	ps10 := Timescale{Factor: 10, Unit: Picoseconds}
	at, err = FromTicks(3, ps10)
	require.NoError(t, err)
	got, _ = at.Femtoseconds()
	assert.Equal(t, uint64(30_000), got)
}

func TestCrossTimescaleInstantsShareOneAxis(t *testing.T) {
	// The same physical instant reached through two different native
	// timescales (1ns ticks vs 1ps ticks) must compare equal.
	ns := Timescale{Factor: 1, Unit: Nanoseconds}
	ps := Timescale{Factor: 1, Unit: Picoseconds}

	a, err := FromTicks(5, ns)
	require.NoError(t, err)
	b, err := FromTicks(5000, ps)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestToUnitWideningIsExact(t *testing.T) {
	at := fs(3_000_000) // 3ns
	got, err := at.ToUnit(Nanoseconds)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got)

	got, err = at.ToUnit(Picoseconds)
	require.NoError(t, err)
	assert.Equal(t, uint64(3000), got)
}

func TestToUnitNarrowingRoundsTiesToEven(t *testing.T) {
	// 1500fs is exactly half way between 1ps and 2ps: ties to even
	// picks 2. 2500fs is half way between 2ps and 3ps: picks 2.
	got, err := fs(1500).ToUnit(Picoseconds)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)

	got, err = fs(2500).ToUnit(Picoseconds)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)

	// Below the tie rounds down, above rounds up.
	got, err = fs(1499).ToUnit(Picoseconds)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)
	got, err = fs(1501).ToUnit(Picoseconds)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)
}

func TestCompareConsistentWithSubSign(t *testing.T) {
	pairs := [][2]AbsoluteTime{
		{fs(0), fs(0)},
		{fs(1), fs(2)},
		{fs(2), fs(1)},
		{fs(1 << 40), fs(1 << 20)},
	}
	for _, p := range pairs {
		assert.Equal(t, p[0].Compare(p[1]), p[0].Sub(p[1]).Sign())
	}
}

func TestAddOverflowFailsRatherThanWrapping(t *testing.T) {
	span := MaxAbsoluteTime.Sub(Zero)
	_, err := MaxAbsoluteTime.Add(span)
	require.Error(t, err)
	assert.True(t, IsOverflow(err))
}

func TestAddNegativeDurationBelowZeroFails(t *testing.T) {
	d := fs(0).Sub(fs(100)) // -100fs
	require.Equal(t, -1, d.Sign())
	_, err := fs(50).Add(d)
	require.Error(t, err)
	assert.True(t, IsOverflow(err))
}

func TestFromSecondsRoundTripsThroughAsSeconds(t *testing.T) {
	at, err := FromSeconds(12, 345_678)
	require.NoError(t, err)
	sec, sub := at.AsSeconds()
	assert.Equal(t, uint64(12), sec)
	assert.Equal(t, uint64(345_678), sub)
}

func TestLerpBucketEdges(t *testing.T) {
	lo, hi := fs(0), fs(1000)
	for i, want := range []uint64{0, 250, 500, 750, 1000} {
		at, err := Lerp(lo, hi, uint64(i), 4)
		require.NoError(t, err)
		got, _ := at.Femtoseconds()
		assert.Equal(t, want, got)
	}
}

func TestToTicksFloorAndCeil(t *testing.T) {
	ns := Timescale{Factor: 1, Unit: Nanoseconds}
	at := fs(1_500_000) // 1.5ns

	floor, err := at.ToTicksFloor(ns)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), floor)

	ceil, err := at.ToTicksCeil(ns)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ceil)

	// An exact tick floors and ceils to itself.
	exact := fs(2_000_000)
	floor, _ = exact.ToTicksFloor(ns)
	ceil, _ = exact.ToTicksCeil(ns)
	assert.Equal(t, floor, ceil)
}

func TestParseUnitSpellings(t *testing.T) {
	for spelling, want := range map[string]Unit{
		"fs": Femtoseconds, "ps": Picoseconds, "ns": Nanoseconds,
		"us": Microseconds, "μs": Microseconds, "ms": Milliseconds, "s": Seconds,
	} {
		got, err := ParseUnit(spelling)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseUnit("ks")
	assert.Error(t, err)
}

func TestTimescaleZeroFactorRejected(t *testing.T) {
	_, err := Timescale{Factor: 0, Unit: Nanoseconds}.FemtosecondsPerTick()
	assert.Error(t, err)
}
