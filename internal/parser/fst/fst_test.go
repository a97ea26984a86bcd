package fst

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// fixtureWriter assembles a container in the package's documented
// block grammar (see the package doc: this is the engine's simplified
// FST-style layout, not GTKWave's real FST format).
type fixtureWriter struct {
	buf bytes.Buffer
}

func (w *fixtureWriter) block(tag byte, payload []byte) {
	w.buf.WriteByte(tag)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload))+9)
	w.buf.Write(lenBuf[:])
	w.buf.Write(payload)
}

func headerPayload(start, end uint64, exponent int8) []byte {
	var out [17]byte
	binary.BigEndian.PutUint64(out[0:8], start)
	binary.BigEndian.PutUint64(out[8:16], end)
	out[16] = byte(exponent)
	return out[:]
}

type hierBuilder struct {
	buf bytes.Buffer
}

func (h *hierBuilder) scope(name string) {
	h.buf.WriteByte(hierScope)
	h.buf.WriteString(name)
	h.buf.WriteByte(0)
}

func (h *hierBuilder) upscope() { h.buf.WriteByte(hierUpscope) }

func (h *hierBuilder) variable(name string, width, aliasOf uint32) {
	h.buf.WriteByte(hierVar)
	h.buf.WriteString(name)
	h.buf.WriteByte(0)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], width)
	h.buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], aliasOf)
	h.buf.Write(u32[:])
}

func (h *hierBuilder) compressed(t *testing.T) []byte {
	t.Helper()
	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	_, err := zw.Write(h.buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return out.Bytes()
}

type vcChange struct {
	delta  uint64
	handle uint64
	states []wavetypes.BitState
}

func vcDataPayload(changes []vcChange) []byte {
	var out bytes.Buffer
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(len(changes)))
	out.Write(u64[:])
	for _, c := range changes {
		binary.BigEndian.PutUint64(u64[:], c.delta)
		out.Write(u64[:])
		binary.BigEndian.PutUint64(u64[:], c.handle)
		out.Write(u64[:])
		var u32 [4]byte
		binary.BigEndian.PutUint32(u32[:], uint32(len(c.states)))
		out.Write(u32[:])
		for _, s := range c.states {
			out.WriteByte(byte(s))
		}
	}
	return out.Bytes()
}

func writeFixtureFST(t *testing.T) string {
	t.Helper()

	var hier hierBuilder
	hier.scope("dut")
	hier.variable("data", 4, 0) // handle 1
	hier.variable("mirror", 4, 1)
	hier.upscope()

	var w fixtureWriter
	w.block(blockHeader, headerPayload(0, 10_000, -12)) // 1ps per tick
	w.block(blockHierarchy, hier.compressed(t))
	w.block(blockVCData, vcDataPayload([]vcChange{
		{delta: 0, handle: 1, states: fourBits(0b1100)},
		{delta: 5_000, handle: 1, states: fourBits(0b0011)},
	}))

	path := filepath.Join(t.TempDir(), "wave_27.fst")
	require.NoError(t, os.WriteFile(path, w.buf.Bytes(), 0o644))
	return path
}

func fourBits(v int) []wavetypes.BitState {
	out := make([]wavetypes.BitState, 4)
	for i := 0; i < 4; i++ {
		if v&(1<<(3-i)) != 0 {
			out[i] = wavetypes.Bit1
		}
	}
	return out
}

func TestParseHeaderReadsBoundsTimescaleAndHierarchy(t *testing.T) {
	path := writeFixtureFST(t)
	h, err := ParseHeader("f2", path)
	require.NoError(t, err)

	pub := h.Public()
	assert.Equal(t, wavetypes.FormatFST, pub.Format)
	assert.Equal(t, [2]uint64{0, 10_000}, pub.RawTimeBounds)
	assert.Equal(t, timemodel.Timescale{Factor: 1, Unit: timemodel.Picoseconds}, pub.Timescale)

	id := wavetypes.NewVariableID("f2", "dut", "data")
	v, ok := pub.Hierarchy.Variable(id)
	require.True(t, ok)
	assert.Equal(t, uint32(4), v.Width)
}

func TestLoadBodyDecodesAndFansAliasesOut(t *testing.T) {
	path := writeFixtureFST(t)
	h, err := ParseHeader("f2", path)
	require.NoError(t, err)
	body, err := h.LoadBody()
	require.NoError(t, err)
	defer body.Close()

	for _, name := range []string{"data", "mirror"} {
		id := wavetypes.NewVariableID("f2", "dut", name)
		v, ok := body.ValueAt(id, 0)
		require.True(t, ok, name)
		assert.Equal(t, []wavetypes.BitState{wavetypes.Bit1, wavetypes.Bit1, wavetypes.Bit0, wavetypes.Bit0}, v.States)

		v, ok = body.ValueAt(id, 9_999)
		require.True(t, ok)
		assert.Equal(t, []wavetypes.BitState{wavetypes.Bit0, wavetypes.Bit0, wavetypes.Bit1, wavetypes.Bit1}, v.States)
	}
}

func TestParseHeaderMissingHeaderBlockFails(t *testing.T) {
	var hier hierBuilder
	hier.scope("dut")
	hier.upscope()
	var w fixtureWriter
	w.block(blockHierarchy, hier.compressed(t))

	path := filepath.Join(t.TempDir(), "broken.fst")
	require.NoError(t, os.WriteFile(path, w.buf.Bytes(), 0o644))
	_, err := ParseHeader("f2", path)
	assert.Error(t, err)
}

func TestTimescaleFromExponentCoversAllUnits(t *testing.T) {
	cases := map[int8]timemodel.Timescale{
		0:   {Factor: 1, Unit: timemodel.Seconds},
		-3:  {Factor: 1, Unit: timemodel.Milliseconds},
		-5:  {Factor: 10, Unit: timemodel.Microseconds},
		-9:  {Factor: 1, Unit: timemodel.Nanoseconds},
		-12: {Factor: 1, Unit: timemodel.Picoseconds},
		-15: {Factor: 1, Unit: timemodel.Femtoseconds},
	}
	for exp, want := range cases {
		got, err := timescaleFromExponent(exp)
		require.NoError(t, err)
		assert.Equal(t, want, got, "exponent %d", exp)
	}
	_, err := timescaleFromExponent(-16)
	assert.Error(t, err)
}
