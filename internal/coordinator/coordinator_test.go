package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novywave/waveengine/internal/cache"
	"github.com/novywave/waveengine/internal/config"
	"github.com/novywave/waveengine/internal/fileentry"
	"github.com/novywave/waveengine/internal/query"
	"github.com/novywave/waveengine/internal/registry"
	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/waveerr"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// writeSimpleVCD builds a minimal fixture: an 8-bit signal A under
// scope simple_tb.s, 0xC at t=0 and 0x0 at t=150 native ticks,
// timescale 1ns.
func writeSimpleVCD(t *testing.T, path string) {
	t.Helper()
	content := `$timescale 1 ns $end
$scope module simple_tb $end
$scope module s $end
$var wire 8 ! A $end
$var wire 8 " B $end
$upscope $end
$upscope $end
$enddefinitions $end
#0
b00001100 !
b00000000 "
#150
b00000000 !
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestCoordinator(t *testing.T) (*Coordinator, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	bodies := cache.NewBodyCache(8, nil)
	ranges := cache.NewRangeCache[query.RangeResult](64, nil)
	engine := query.New(reg, bodies, ranges, 4, nil)
	bridge := config.New(nil, nil)
	c := New(reg, engine, bridge, nil, nil)
	return c, reg
}

func awaitReady(t *testing.T, reg *registry.Registry, id wavetypes.FileID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, ok := reg.Entry(id)
		require.True(t, ok)
		snap := entry.Snapshot()
		if snap.Header != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for header load")
}

// awaitEvent drains both of sess's streams until an event of the
// wanted kind arrives, skipping interleaved broadcast snapshots
// (FilesChanged and friends fire on every file state transition,
// including query-triggered body loads).
func awaitEvent(t *testing.T, sess *Session, want EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sess.Events():
			if ev.Kind == want {
				return ev
			}
		case ev := <-sess.Responses():
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s event", want)
			return Event{}
		}
	}
}

func TestQueryPointMatchesS1Scenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "simple.vcd")
	writeSimpleVCD(t, path)

	c, reg := newTestCoordinator(t)
	ctx := context.Background()
	ids, err := c.LoadFiles(ctx, []string{path})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	awaitReady(t, reg, ids[0])

	entry, _ := reg.Entry(ids[0])
	header := entry.Snapshot().Header
	require.NotNil(t, header)
	variable := wavetypes.NewVariableID(ids[0], "simple_tb|s", "A")
	_, ok := header.Hierarchy.Variable(variable)
	require.True(t, ok)

	sess := c.NewSession(ctx)

	at100, err := timemodel.FromTicks(100, header.Timescale)
	require.NoError(t, err)

	c.QueryPoint(ctx, sess, 1, ids[0], []wavetypes.VariableID{variable}, at100)
	ev := awaitEvent(t, sess, PointResult)
	require.Len(t, ev.PointValues, 1)
	assert.Equal(t, "C", ev.PointValues[0].Formatted)
	assert.False(t, ev.PointValues[0].Missing)

	at200, err := timemodel.FromTicks(200, header.Timescale)
	require.NoError(t, err)
	c.QueryPoint(ctx, sess, 2, ids[0], []wavetypes.VariableID{variable}, at200)
	ev = awaitEvent(t, sess, PointResult)
	require.Len(t, ev.PointValues, 1)
	assert.Equal(t, "0", ev.PointValues[0].Formatted)
}

func TestCancelSuppressesLateResponse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "simple.vcd")
	writeSimpleVCD(t, path)

	c, reg := newTestCoordinator(t)
	ctx := context.Background()
	ids, err := c.LoadFiles(ctx, []string{path})
	require.NoError(t, err)
	awaitReady(t, reg, ids[0])

	sess := c.NewSession(ctx)
	sess.Cancel(42)

	variable := wavetypes.NewVariableID(ids[0], "simple_tb|s", "A")
	at, err := timemodel.FromSeconds(0, 0)
	require.NoError(t, err)
	c.QueryPoint(ctx, sess, 42, ids[0], []wavetypes.VariableID{variable}, at)

	// Broadcast snapshots may still arrive; no query response for the
	// retracted correlation id may.
	select {
	case ev := <-sess.Responses():
		t.Fatalf("expected no response for a pre-cancelled correlation id, got %v", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	// Scenario S5: a corrupt file fails header parse and reports a
	// typed FileError, while queries against the healthy file are
	// unaffected.
	dir := t.TempDir()
	good := filepath.Join(dir, "good.vcd")
	writeSimpleVCD(t, good)
	corrupt := filepath.Join(dir, "corrupt.fst")
	require.NoError(t, os.WriteFile(corrupt, []byte{0x00, 0x01}, 0o644))

	c, reg := newTestCoordinator(t)
	ctx := context.Background()
	ids, err := c.LoadFiles(ctx, []string{good, corrupt})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	awaitReady(t, reg, ids[0])

	deadline := time.Now().Add(2 * time.Second)
	for {
		entry, ok := reg.Entry(ids[1])
		require.True(t, ok)
		snap := entry.Snapshot()
		if snap.State == fileentry.Failed {
			require.NotNil(t, snap.Error)
			assert.Equal(t, waveerr.KindHeaderCorrupt, snap.Error.Kind())
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("corrupt file never reached Failed")
		}
		time.Sleep(time.Millisecond)
	}

	sess := c.NewSession(ctx)
	variable := wavetypes.NewVariableID(ids[0], "simple_tb|s", "A")
	at, err := timemodel.FromTicks(100, timemodel.Timescale{Factor: 1, Unit: timemodel.Nanoseconds})
	require.NoError(t, err)
	c.QueryPoint(ctx, sess, 7, ids[0], []wavetypes.VariableID{variable}, at)
	ev := awaitEvent(t, sess, PointResult)
	require.Len(t, ev.PointValues, 1)
	assert.False(t, ev.PointValues[0].Missing, "healthy file's query must succeed despite the failed sibling")
}

func TestNonNumericFormatFailureIsTypedQueryError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unknowns.vcd")
	content := `$timescale 1 ns $end
$scope module top $end
$var wire 4 ! d $end
$upscope $end
$enddefinitions $end
#0
b1x0z !
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, reg := newTestCoordinator(t)
	ctx := context.Background()
	ids, err := c.LoadFiles(ctx, []string{path})
	require.NoError(t, err)
	awaitReady(t, reg, ids[0])

	variable := wavetypes.NewVariableID(ids[0], "top", "d")
	c.SetVariableFormat(variable, wavetypes.DecimalUnsigned)

	sess := c.NewSession(ctx)
	c.QueryPoint(ctx, sess, 9, ids[0], []wavetypes.VariableID{variable}, timemodel.Zero)
	ev := awaitEvent(t, sess, QueryError)
	assert.Equal(t, uint64(9), ev.CorID)
	assert.Equal(t, waveerr.KindNonNumeric, ev.ErrKind)
}

func TestAddAndRemoveSelectedVariable(t *testing.T) {
	c, _ := newTestCoordinator(t)
	v := wavetypes.VariableID("f1|top|clk")
	c.AddSelectedVariable(v)
	require.Len(t, c.SelectedVariables(), 1)
	c.AddSelectedVariable(v)
	require.Len(t, c.SelectedVariables(), 1, "adding the same variable twice must not duplicate it")

	c.RemoveSelectedVariable(v)
	assert.Empty(t, c.SelectedVariables())
}
