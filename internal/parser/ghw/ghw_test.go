package ghw

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

type hierBuilder struct {
	buf bytes.Buffer
}

func (h *hierBuilder) scope(name string) {
	h.buf.WriteByte(hierScope)
	h.buf.WriteString(name)
	h.buf.WriteByte(0)
}

func (h *hierBuilder) upscope() { h.buf.WriteByte(hierUpscope) }

func (h *hierBuilder) variable(name string, width uint32) {
	h.buf.WriteByte(hierVar)
	h.buf.WriteString(name)
	h.buf.WriteByte(0)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], width)
	h.buf.Write(u32[:])
}

// writeFixtureGHW assembles a dump in the package's documented grammar
// (see the package doc: the engine's simplified GHW-style layout, not
// GHDL's real GHW section layout).
func writeFixtureGHW(t *testing.T, start, end uint64, exponent int8) string {
	t.Helper()

	var hier hierBuilder
	hier.scope("bench")
	hier.variable("state", 2) // handle 1
	hier.upscope()

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write(hier.buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var out bytes.Buffer
	out.Write(Magic)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], start)
	out.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], end)
	out.Write(u64[:])
	out.WriteByte(byte(exponent))
	binary.BigEndian.PutUint64(u64[:], uint64(compressed.Len()))
	out.Write(u64[:])
	out.Write(compressed.Bytes())

	// Two value changes: 0b01 at tick 0, 0b10 at tick 400.
	writeChange := func(delta uint64, states []wavetypes.BitState) {
		binary.BigEndian.PutUint64(u64[:], delta)
		out.Write(u64[:])
		binary.BigEndian.PutUint64(u64[:], 1)
		out.Write(u64[:])
		var u32 [4]byte
		binary.BigEndian.PutUint32(u32[:], uint32(len(states)))
		out.Write(u32[:])
		for _, s := range states {
			out.WriteByte(byte(s))
		}
	}
	writeChange(0, []wavetypes.BitState{wavetypes.Bit0, wavetypes.Bit1})
	writeChange(400, []wavetypes.BitState{wavetypes.Bit1, wavetypes.Bit0})

	path := filepath.Join(t.TempDir(), "design.ghw")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	return path
}

func TestParseHeaderReadsPreambleAndHierarchy(t *testing.T) {
	path := writeFixtureGHW(t, 0, 1000, -15)
	h, err := ParseHeader("f3", path)
	require.NoError(t, err)

	pub := h.Public()
	assert.Equal(t, wavetypes.FormatGHW, pub.Format)
	assert.Equal(t, [2]uint64{0, 1000}, pub.RawTimeBounds)
	assert.Equal(t, timemodel.Timescale{Factor: 1, Unit: timemodel.Femtoseconds}, pub.Timescale)

	id := wavetypes.NewVariableID("f3", "bench", "state")
	v, ok := pub.Hierarchy.Variable(id)
	require.True(t, ok)
	assert.Equal(t, uint32(2), v.Width)
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.ghw")
	require.NoError(t, os.WriteFile(path, []byte("this is not a waveform"), 0o644))
	_, err := ParseHeader("f3", path)
	assert.Error(t, err)
}

func TestLoadBodyDecodesValueChangeSection(t *testing.T) {
	path := writeFixtureGHW(t, 0, 1000, -15)
	h, err := ParseHeader("f3", path)
	require.NoError(t, err)
	body, err := h.LoadBody()
	require.NoError(t, err)
	defer body.Close()

	id := wavetypes.NewVariableID("f3", "bench", "state")
	v, ok := body.ValueAt(id, 100)
	require.True(t, ok)
	assert.Equal(t, []wavetypes.BitState{wavetypes.Bit0, wavetypes.Bit1}, v.States)

	v, ok = body.ValueAt(id, 400)
	require.True(t, ok)
	assert.Equal(t, []wavetypes.BitState{wavetypes.Bit1, wavetypes.Bit0}, v.States)

	count, err := body.TransitionCount(id, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
