// Package ghw reads a simplified GHW-style dump: GHDL's fixed magic
// signature followed by a zlib-compressed hierarchy section and a
// value-change data section.
//
// Beyond the magic bytes, the byte grammar here is this engine's own —
// it is NOT compatible with GHDL's actual GHW section layout, whose
// string tables, type records and RLE-encoded signal sections are
// considerably more involved. Real-GHW compatibility is an explicitly
// scoped-down non-goal; the grammar this package does read is fixed by
// its tests. Like internal/parser/fst, the section-at-a-time binary
// reading style (encoding/binary, typed header fields, one section
// read per iteration) is grounded on aclements-go-perf's perffile
// reader, narrowed to a single-hierarchy-section layout where each
// declared variable gets its own sequential handle.
package ghw

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/tracebody"
	"github.com/novywave/waveengine/internal/traceio"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// Magic is the fixed signature every GHW file begins with.
var Magic = []byte("GHDLwave\n")

const (
	hierScope   = 0
	hierUpscope = 1
	hierVar     = 2
)

// Header is the GHW facade's staged parse result.
type Header struct {
	path    string
	pub     *wavetypes.Header
	handles map[uint64][]wavetypes.VariableID
}

func (h *Header) Public() *wavetypes.Header { return h.pub }

// ParseHeader validates the magic, reads the fixed time-range/exponent
// preamble, and decodes the zlib-compressed hierarchy section. It does
// not read the trailing value-change data section.
func ParseHeader(fileID wavetypes.FileID, path string) (*Header, error) {
	rc, err := traceio.Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	br := bufio.NewReader(rc)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("ghw: %s: reading magic: %w", path, err)
	}
	if !bytes.Equal(magic, Magic) {
		return nil, fmt.Errorf("ghw: %s: bad magic signature", path)
	}

	var preamble struct {
		StartTick uint64
		EndTick   uint64
		Exponent  int8
	}
	if err := binary.Read(br, binary.BigEndian, &preamble.StartTick); err != nil {
		return nil, fmt.Errorf("ghw: %s: reading start tick: %w", path, err)
	}
	if err := binary.Read(br, binary.BigEndian, &preamble.EndTick); err != nil {
		return nil, fmt.Errorf("ghw: %s: reading end tick: %w", path, err)
	}
	if err := binary.Read(br, binary.BigEndian, &preamble.Exponent); err != nil {
		return nil, fmt.Errorf("ghw: %s: reading timescale exponent: %w", path, err)
	}

	var hierLen uint64
	if err := binary.Read(br, binary.BigEndian, &hierLen); err != nil {
		return nil, fmt.Errorf("ghw: %s: reading hierarchy length: %w", path, err)
	}
	hierBuf := make([]byte, hierLen)
	if _, err := io.ReadFull(br, hierBuf); err != nil {
		return nil, fmt.Errorf("ghw: %s: reading hierarchy section: %w", path, err)
	}

	roots, handles, err := decodeHierarchy(fileID, hierBuf)
	if err != nil {
		return nil, fmt.Errorf("ghw: %s: %w", path, err)
	}

	ts, err := timescaleFromExponent(preamble.Exponent)
	if err != nil {
		return nil, fmt.Errorf("ghw: %s: %w", path, err)
	}

	pub := &wavetypes.Header{
		Format:        wavetypes.FormatGHW,
		Timescale:     ts,
		Hierarchy:     wavetypes.NewHierarchy(roots),
		RawTimeBounds: [2]uint64{preamble.StartTick, preamble.EndTick},
	}
	return &Header{path: path, pub: pub, handles: handles}, nil
}

// LoadBody skips past the header's fixed preamble and hierarchy section
// and decodes the trailing value-change data section.
func (h *Header) LoadBody() (wavetypes.Body, error) {
	rc, err := traceio.Open(h.path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	br := bufio.NewReader(rc)

	if _, err := io.CopyN(io.Discard, br, int64(len(Magic)+8+8+1)); err != nil {
		return nil, fmt.Errorf("ghw: skipping preamble: %w", err)
	}
	var hierLen uint64
	if err := binary.Read(br, binary.BigEndian, &hierLen); err != nil {
		return nil, fmt.Errorf("ghw: reading hierarchy length: %w", err)
	}
	if _, err := io.CopyN(io.Discard, br, int64(hierLen)); err != nil {
		return nil, fmt.Errorf("ghw: skipping hierarchy section: %w", err)
	}

	bld := tracebody.NewBuilder()
	var tick uint64
	for {
		var delta, handle uint64
		var width uint32
		if err := binary.Read(br, binary.BigEndian, &delta); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("ghw: reading value-change delta: %w", err)
		}
		if err := binary.Read(br, binary.BigEndian, &handle); err != nil {
			return nil, fmt.Errorf("ghw: reading value-change handle: %w", err)
		}
		if err := binary.Read(br, binary.BigEndian, &width); err != nil {
			return nil, fmt.Errorf("ghw: reading value-change width: %w", err)
		}
		raw := make([]byte, width)
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, fmt.Errorf("ghw: reading value-change bits: %w", err)
		}
		tick += delta
		states := make([]wavetypes.BitState, width)
		for i, b := range raw {
			states[i] = wavetypes.BitState(b)
		}
		for _, id := range h.handles[handle] {
			bld.Append(id, tick, wavetypes.Bits{States: states})
		}
	}
	return bld.Build(), nil
}

func decodeHierarchy(fileID wavetypes.FileID, compressed []byte) ([]*wavetypes.Scope, map[uint64][]wavetypes.VariableID, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing hierarchy: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("reading decompressed hierarchy: %w", err)
	}

	var (
		roots   []*wavetypes.Scope
		stack   []*wavetypes.Scope
		handles = make(map[uint64][]wavetypes.VariableID)
		nextVar uint64 = 1
	)

	i := 0
	readCString := func() (string, error) {
		start := i
		for i < len(raw) && raw[i] != 0 {
			i++
		}
		if i >= len(raw) {
			return "", fmt.Errorf("unterminated hierarchy string")
		}
		s := string(raw[start:i])
		i++
		return s, nil
	}
	readU32 := func() (uint32, error) {
		if i+4 > len(raw) {
			return 0, fmt.Errorf("truncated hierarchy record")
		}
		v := binary.BigEndian.Uint32(raw[i : i+4])
		i += 4
		return v, nil
	}
	segs := func() []string {
		out := make([]string, len(stack))
		for j, s := range stack {
			out[j] = s.Name
		}
		return out
	}

	for i < len(raw) {
		tag := raw[i]
		i++
		switch tag {
		case hierScope:
			name, err := readCString()
			if err != nil {
				return nil, nil, err
			}
			full := append(append([]string{}, segs()...), name)
			scope := &wavetypes.Scope{ID: wavetypes.NewScopeID(fileID, full...), Name: name}
			if len(stack) == 0 {
				roots = append(roots, scope)
			} else {
				parent := stack[len(stack)-1]
				parent.Scopes = append(parent.Scopes, scope)
			}
			stack = append(stack, scope)
		case hierUpscope:
			if len(stack) == 0 {
				return nil, nil, fmt.Errorf("upscope with no open scope")
			}
			stack = stack[:len(stack)-1]
		case hierVar:
			name, err := readCString()
			if err != nil {
				return nil, nil, err
			}
			width, err := readU32()
			if err != nil {
				return nil, nil, err
			}
			scopePath := joinPipe(segs())
			varID := wavetypes.NewVariableID(fileID, scopePath, name)
			variable := &wavetypes.Variable{ID: varID, Name: name, Width: width}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Variables = append(parent.Variables, variable)
			}
			handle := nextVar
			nextVar++
			handles[handle] = append(handles[handle], varID)
		default:
			return nil, nil, fmt.Errorf("unknown hierarchy record tag %d", tag)
		}
	}
	return roots, handles, nil
}

func joinPipe(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "|"
		}
		out += s
	}
	return out
}

func timescaleFromExponent(exp int8) (timemodel.Timescale, error) {
	switch {
	case exp >= 0:
		return timemodel.Timescale{Factor: pow10(uint(exp)), Unit: timemodel.Seconds}, nil
	case exp >= -3:
		return timemodel.Timescale{Factor: pow10(uint(int(exp) + 3)), Unit: timemodel.Milliseconds}, nil
	case exp >= -6:
		return timemodel.Timescale{Factor: pow10(uint(int(exp) + 6)), Unit: timemodel.Microseconds}, nil
	case exp >= -9:
		return timemodel.Timescale{Factor: pow10(uint(int(exp) + 9)), Unit: timemodel.Nanoseconds}, nil
	case exp >= -12:
		return timemodel.Timescale{Factor: pow10(uint(int(exp) + 12)), Unit: timemodel.Picoseconds}, nil
	case exp >= -15:
		return timemodel.Timescale{Factor: pow10(uint(int(exp) + 15)), Unit: timemodel.Femtoseconds}, nil
	default:
		return timemodel.Timescale{}, fmt.Errorf("timescale exponent %d below femtosecond resolution", exp)
	}
}

func pow10(n uint) uint64 {
	v := uint64(1)
	for i := uint(0); i < n; i++ {
		v *= 10
	}
	return v
}
