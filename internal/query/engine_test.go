package query

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novywave/waveengine/internal/cache"
	"github.com/novywave/waveengine/internal/fileentry"
	"github.com/novywave/waveengine/internal/registry"
	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/waveerr"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// writeToggleVCD writes a fixture whose single wire toggles every
// period native ticks, n times, under the given $timescale declaration.
func writeToggleVCD(t *testing.T, dir, name, timescale string, period uint64, n int) string {
	t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "$timescale %s $end\n$scope module top $end\n$var wire 1 ! sig $end\n$upscope $end\n$enddefinitions $end\n", timescale)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "#%d\n%d!\n", uint64(i)*period, i%2)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, *cache.RangeCache[RangeResult]) {
	t.Helper()
	reg := registry.New(nil)
	bodies := cache.NewBodyCache(8, nil)
	ranges := cache.NewRangeCache[RangeResult](64, nil)
	return New(reg, bodies, ranges, 4, nil), reg, ranges
}

func loadAndAwait(t *testing.T, reg *registry.Registry, path string) wavetypes.FileID {
	t.Helper()
	ids, err := reg.Insert(context.Background(), []string{path})
	require.NoError(t, err)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, ok := reg.Entry(ids[0])
		require.True(t, ok)
		snap := entry.Snapshot()
		if snap.State == fileentry.Headered || snap.State == fileentry.Ready {
			return ids[0]
		}
		if snap.State == fileentry.Failed {
			t.Fatalf("fixture failed to load: %v", snap.Error)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for header load")
	return ""
}

func TestQueryRangeDecimationBoundAndCacheHit(t *testing.T) {
	// Scenario S2 shape: a dense toggle stream decimated to at most 100
	// representatives; repeating the query returns an equal, cached
	// result.
	dir := t.TempDir()
	path := writeToggleVCD(t, dir, "dense.vcd", "1 ns", 100, 10_000)
	e, reg, ranges := newTestEngine(t)
	id := loadAndAwait(t, reg, path)

	lo := timemodel.Zero
	hi, err := timemodel.FromTicks(10_000*100, timemodel.Timescale{Factor: 1, Unit: timemodel.Nanoseconds})
	require.NoError(t, err)
	req := RangeRequest{
		FileID: id, Variable: wavetypes.NewVariableID(id, "top", "sig"),
		TLo: lo, THi: hi, MaxTransitions: 100,
	}

	first, err := e.QueryRange(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Decimated)
	assert.LessOrEqual(t, len(first.Transitions), 100)
	for i := 1; i < len(first.Transitions); i++ {
		assert.Less(t, first.Transitions[i-1].At.Compare(first.Transitions[i].At), 0)
	}

	key, err := rangeKey(req)
	require.NoError(t, err)
	_, cached := ranges.Get(key)
	assert.True(t, cached, "first query must have populated the range cache")

	second, err := e.QueryRange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Transitions, second.Transitions)
	assert.Equal(t, first.LeftValue, second.LeftValue)
	assert.Equal(t, first.RightValue, second.RightValue)
}

func TestReloadDropsStaleRangeCacheEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeToggleVCD(t, dir, "dense.vcd", "1 ns", 100, 1000)
	e, reg, ranges := newTestEngine(t)
	id := loadAndAwait(t, reg, path)

	hi, err := timemodel.FromTicks(1000*100, timemodel.Timescale{Factor: 1, Unit: timemodel.Nanoseconds})
	require.NoError(t, err)
	req := RangeRequest{
		FileID: id, Variable: wavetypes.NewVariableID(id, "top", "sig"),
		TLo: timemodel.Zero, THi: hi, MaxTransitions: 50,
	}
	_, err = e.QueryRange(context.Background(), req)
	require.NoError(t, err)

	key, err := rangeKey(req)
	require.NoError(t, err)
	_, cached := ranges.Get(key)
	require.True(t, cached)

	reg.Reload(context.Background(), []wavetypes.FileID{id})
	_, cached = ranges.Get(key)
	assert.False(t, cached, "a reload must drop decimations computed from the file's old content")
}

func TestQueryRangeCrossTimescaleFilesShareOneAxis(t *testing.T) {
	// Scenario S3 shape: a ns-scale file and a ps-scale file queried
	// over the same absolute window answer on the same axis, with every
	// transition inside the window.
	dir := t.TempDir()
	nsPath := writeToggleVCD(t, dir, "coarse.vcd", "1 ns", 10, 50)   // toggles every 10ns
	psPath := writeToggleVCD(t, dir, "fine.vcd", "1 ps", 10_000, 50) // toggles every 10ns too

	e, reg, _ := newTestEngine(t)
	nsID := loadAndAwait(t, reg, nsPath)
	psID := loadAndAwait(t, reg, psPath)

	lo := timemodel.Zero
	hi := timemodel.FromFemtoseconds(490 * 1_000_000) // 490ns

	collect := func(id wavetypes.FileID) []timemodel.AbsoluteTime {
		res, err := e.QueryRange(context.Background(), RangeRequest{
			FileID: id, Variable: wavetypes.NewVariableID(id, "top", "sig"),
			TLo: lo, THi: hi, MaxTransitions: 1000,
		})
		require.NoError(t, err)
		out := make([]timemodel.AbsoluteTime, len(res.Transitions))
		for i, tr := range res.Transitions {
			require.True(t, tr.At.Compare(hi) <= 0, "transition outside window")
			out[i] = tr.At
		}
		return out
	}

	nsTimes := collect(nsID)
	psTimes := collect(psID)
	assert.Equal(t, nsTimes, psTimes, "identical waveforms under different native timescales must land on identical absolute instants")
}

func TestQueryPointBeforeFileStartIsMissing(t *testing.T) {
	dir := t.TempDir()
	var sb strings.Builder
	sb.WriteString("$timescale 1 ns $end\n$scope module top $end\n$var wire 1 ! sig $end\n$upscope $end\n$enddefinitions $end\n#100\n1!\n#200\n0!\n")
	path := filepath.Join(dir, "late.vcd")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))

	e, reg, _ := newTestEngine(t)
	id := loadAndAwait(t, reg, path)
	sig := wavetypes.NewVariableID(id, "top", "sig")

	at50, err := timemodel.FromTicks(50, timemodel.Timescale{Factor: 1, Unit: timemodel.Nanoseconds})
	require.NoError(t, err)
	res, err := e.QueryPoint(context.Background(), PointRequest{FileID: id, Variables: []wavetypes.VariableID{sig}, At: at50})
	require.NoError(t, err)
	require.Len(t, res.Values, 1)
	assert.True(t, res.Values[0].Missing, "an instant before the variable's first transition reports Missing")
}

func TestQueryUnknownVariableIsTyped(t *testing.T) {
	dir := t.TempDir()
	path := writeToggleVCD(t, dir, "small.vcd", "1 ns", 10, 4)
	e, reg, _ := newTestEngine(t)
	id := loadAndAwait(t, reg, path)

	_, err := e.QueryPoint(context.Background(), PointRequest{
		FileID:    id,
		Variables: []wavetypes.VariableID{wavetypes.NewVariableID(id, "top", "no_such")},
		At:        timemodel.Zero,
	})
	require.Error(t, err)
	kind, ok := waveerr.Of(err)
	require.True(t, ok)
	assert.Equal(t, waveerr.KindUnknownVariable, kind)
}

func TestQueryUntrackedFileIsTyped(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.QueryPoint(context.Background(), PointRequest{FileID: "f99", At: timemodel.Zero})
	require.Error(t, err)
	kind, ok := waveerr.Of(err)
	require.True(t, ok)
	assert.Equal(t, waveerr.KindBodyUnavailable, kind)
}
