// Package vcd implements a real streaming decoder for the VCD (Value
// Change Dump) trace format: a textual, unit-scaled `$timescale`
// format. The header stage tokenizes only the declarations section
// (everything up to and including `$enddefinitions $end`); the body
// stage makes a second streaming pass over the value-change section.
// Both stages use an incremental-scan streaming reader generalised from
// line-oriented row scanning to VCD tokens.
package vcd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/tracebody"
	"github.com/novywave/waveengine/internal/traceio"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// ident is one `$var` declaration: the short identifier code VCD uses
// in the body, the VariableID it resolves to, and its declared width.
// Two or more variables may share an identifier code (VCD's alias
// convention for signals that are electrically the same net); every
// bound variable receives the same value on each change.
type ident struct {
	id    wavetypes.VariableID
	width uint32
}

// Header is the VCD facade's staged parse result. It satisfies
// parser.Header structurally (Public, LoadBody) without importing that
// package.
type Header struct {
	path   string
	pub    *wavetypes.Header
	idents map[string][]ident
}

func (h *Header) Public() *wavetypes.Header { return h.pub }

// ParseHeader tokenizes path's declarations section; the scan stops at
// `$enddefinitions $end`, and a separate bounded tail read (scanLastTick)
// recovers the dump's final timestamp for the header's time bounds.
// fileID is the stable id the Tracked Files Registry already assigned
// this entry, so every Scope and Variable id this parse produces embeds
// it from the start (ScopeId is `file_id | segment1 | ...`).
func ParseHeader(fileID wavetypes.FileID, path string) (*Header, error) {
	rc, err := traceio.Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sc := newTokenScanner(rc)
	p := &headerParser{sc: sc, idents: make(map[string][]ident), fileID: fileID}
	if err := p.run(); err != nil {
		return nil, fmt.Errorf("vcd: %s: %w", path, err)
	}

	lastTick, err := scanLastTick(path)
	if err != nil {
		return nil, fmt.Errorf("vcd: %s: %w", path, err)
	}

	hierarchy := wavetypes.NewHierarchy(p.roots)
	pub := &wavetypes.Header{
		Format:        wavetypes.FormatVCD,
		Timescale:     p.timescale,
		Hierarchy:     hierarchy,
		RawTimeBounds: [2]uint64{0, lastTick},
	}
	return &Header{path: path, pub: pub, idents: p.idents}, nil
}

// boundsTailBytes is how much of a plain file's tail scanLastTick
// inspects for the final timestamp token. Value changes near the end of
// a dump are dense, so the last `#` is essentially always within the
// final few KiB; the budget is generous anyway.
const boundsTailBytes = 256 * 1024

// scanLastTick finds the final `#<tick>` timestamp of the value-change
// section without parsing the body, so the header can carry real time
// bounds (VCD declares no end time up front, unlike FST/GHW). A plain
// file is read only from its tail; a gzip-compressed file has no random
// access, so it is streamed end to end looking at timestamp tokens
// only. Returns 0 for a body-less dump.
func scanLastTick(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return 0, nil // shorter than two bytes: no body to bound
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		rc, err := traceio.Open(path)
		if err != nil {
			return 0, err
		}
		defer rc.Close()
		return lastTickFromTokens(newTokenScanner(rc), false), nil
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	offset := int64(0)
	if info.Size() > boundsTailBytes {
		offset = info.Size() - boundsTailBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	// When the read starts mid-stream the first token may be a torn
	// fragment; discard it.
	return lastTickFromTokens(newTokenScanner(f), offset > 0), nil
}

func lastTickFromTokens(sc *tokenScanner, dropFirst bool) uint64 {
	if dropFirst {
		if _, ok := sc.Next(); !ok {
			return 0
		}
	}
	var last uint64
	for {
		tok, ok := sc.Next()
		if !ok {
			return last
		}
		if len(tok) < 2 || tok[0] != '#' {
			continue
		}
		if tick, err := strconv.ParseUint(tok[1:], 10, 64); err == nil {
			last = tick
		}
	}
}

// LoadBody re-streams the whole file, this time decoding the
// value-change section into per-variable transition lists.
func (h *Header) LoadBody() (wavetypes.Body, error) {
	rc, err := traceio.Open(h.path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sc := newTokenScanner(rc)
	if err := skipToBodyStart(sc); err != nil {
		return nil, err
	}

	bld := tracebody.NewBuilder()
	var currentTick uint64

	for {
		tok, ok := sc.Next()
		if !ok {
			break
		}
		if tok == "" {
			continue
		}
		switch tok[0] {
		case '#':
			tick, err := strconv.ParseUint(tok[1:], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("vcd: bad timestamp token %q: %w", tok, err)
			}
			currentTick = tick
		case '$':
			switch tok {
			case "$dumpvars", "$dumpon", "$dumpoff", "$dumpall", "$end":
				// Dump blocks wrap ordinary value changes; process their
				// contents as normal and treat the delimiters themselves
				// as no-ops.
			default:
				if err := skipKeyword(sc, tok); err != nil {
					return nil, err
				}
			}
		case 'b', 'B':
			idTok, ok := sc.Next()
			if !ok {
				return nil, fmt.Errorf("vcd: truncated binary value change %q", tok)
			}
			states := parseBitString(tok[1:])
			h.emit(bld, idTok, states, currentTick)
		case 'r', 'R':
			// Real-valued changes are outside the bit-pattern data model
			// this engine specifies (the Bits/VariableFormat contract
			// covers discrete logic signals only); consume and
			// discard the accompanying identifier token.
			if _, ok := sc.Next(); !ok {
				return nil, fmt.Errorf("vcd: truncated real value change %q", tok)
			}
		case '0', '1', 'x', 'X', 'z', 'Z':
			state := scalarState(tok[0])
			h.emit(bld, tok[1:], []wavetypes.BitState{state}, currentTick)
		default:
			// Unrecognised token in the value-change stream; tolerate it
			// the way a permissive VCD reader should rather than aborting
			// the whole body for one stray token.
		}
	}
	return bld.Build(), nil
}

// emit fans a single value-change out to every variable bound to ident
// (VCD's multi-variable alias convention), expanding/truncating the
// parsed bit string to each variable's declared width.
func (h *Header) emit(bld *tracebody.Builder, identCode string, states []wavetypes.BitState, tick uint64) {
	for _, decl := range h.idents[identCode] {
		bld.Append(decl.id, tick, wavetypes.Bits{States: fitWidth(states, decl.width)})
	}
}

// fitWidth left-pads a parsed bit string to the declared width (0 and 1
// extend with 0; an X or Z MSB extends with the same state, matching
// VCD's documented vector-padding rule) or truncates from the left if
// the declared width is narrower than what was parsed.
func fitWidth(states []wavetypes.BitState, width uint32) []wavetypes.BitState {
	n := int(width)
	if n == 0 {
		return states
	}
	if len(states) == n {
		return states
	}
	if len(states) > n {
		return states[len(states)-n:]
	}
	pad := n - len(states)
	out := make([]wavetypes.BitState, n)
	extend := wavetypes.Bit0
	if len(states) > 0 && (states[0] == wavetypes.BitX || states[0] == wavetypes.BitZ) {
		extend = states[0]
	}
	for i := 0; i < pad; i++ {
		out[i] = extend
	}
	copy(out[pad:], states)
	return out
}

func scalarState(c byte) wavetypes.BitState {
	switch c {
	case '1':
		return wavetypes.Bit1
	case 'x', 'X':
		return wavetypes.BitX
	case 'z', 'Z':
		return wavetypes.BitZ
	default:
		return wavetypes.Bit0
	}
}

func parseBitString(s string) []wavetypes.BitState {
	out := make([]wavetypes.BitState, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = scalarState(s[i])
	}
	return out
}

// headerParser walks the declarations section, tracking the current
// scope stack to build the hierarchy tree and the identifier-code table
// the body stage needs.
type headerParser struct {
	sc        *tokenScanner
	idents    map[string][]ident
	roots     []*wavetypes.Scope
	stack     []*wavetypes.Scope
	timescale timemodel.Timescale
	fileID    wavetypes.FileID
}

func (p *headerParser) run() error {
	for {
		tok, ok := p.sc.Next()
		if !ok {
			return fmt.Errorf("vcd: unexpected end of file before $enddefinitions")
		}
		switch tok {
		case "$timescale":
			if err := p.parseTimescale(); err != nil {
				return err
			}
		case "$scope":
			if err := p.parseScope(); err != nil {
				return err
			}
		case "$upscope":
			if len(p.stack) == 0 {
				return fmt.Errorf("vcd: $upscope with no open scope")
			}
			p.stack = p.stack[:len(p.stack)-1]
			if err := expectEnd(p.sc); err != nil {
				return err
			}
		case "$var":
			if err := p.parseVar(); err != nil {
				return err
			}
		case "$enddefinitions":
			return expectEnd(p.sc)
		default:
			if strings.HasPrefix(tok, "$") {
				if err := skipKeyword(p.sc, tok); err != nil {
					return err
				}
			}
		}
	}
}

func (p *headerParser) parseTimescale() error {
	tok, ok := p.sc.Next()
	if !ok {
		return fmt.Errorf("vcd: truncated $timescale")
	}
	if tok == "$end" {
		return fmt.Errorf("vcd: empty $timescale")
	}
	factorDigits, unitStr := splitFactorUnit(tok)
	if unitStr == "" {
		next, ok := p.sc.Next()
		if !ok {
			return fmt.Errorf("vcd: truncated $timescale unit")
		}
		unitStr = next
	}
	factor, err := strconv.ParseUint(factorDigits, 10, 64)
	if err != nil {
		return fmt.Errorf("vcd: bad $timescale factor %q: %w", factorDigits, err)
	}
	unit, err := timemodel.ParseUnit(unitStr)
	if err != nil {
		return fmt.Errorf("vcd: %w", err)
	}
	p.timescale = timemodel.Timescale{Factor: factor, Unit: unit}
	return expectEnd(p.sc)
}

func splitFactorUnit(tok string) (digits, unit string) {
	i := 0
	for i < len(tok) && tok[i] >= '0' && tok[i] <= '9' {
		i++
	}
	return tok[:i], tok[i:]
}

func (p *headerParser) parseScope() error {
	if _, ok := p.sc.Next(); !ok { // scope type (module, task, ...)
		return fmt.Errorf("vcd: truncated $scope")
	}
	name, ok := p.sc.Next()
	if !ok {
		return fmt.Errorf("vcd: truncated $scope name")
	}
	if err := expectEnd(p.sc); err != nil {
		return err
	}
	segments := make([]string, 0, len(p.stack)+1)
	for _, s := range p.stack {
		segments = append(segments, s.Name)
	}
	segments = append(segments, name)
	scope := &wavetypes.Scope{
		ID:   wavetypes.NewScopeID(p.fileID, segments...),
		Name: name,
	}
	if len(p.stack) == 0 {
		p.roots = append(p.roots, scope)
	} else {
		parent := p.stack[len(p.stack)-1]
		parent.Scopes = append(parent.Scopes, scope)
	}
	p.stack = append(p.stack, scope)
	return nil
}

func (p *headerParser) parseVar() error {
	if _, ok := p.sc.Next(); !ok { // var type (wire, reg, ...)
		return fmt.Errorf("vcd: truncated $var")
	}
	widthTok, ok := p.sc.Next()
	if !ok {
		return fmt.Errorf("vcd: truncated $var width")
	}
	width, err := strconv.ParseUint(widthTok, 10, 32)
	if err != nil {
		return fmt.Errorf("vcd: bad $var width %q: %w", widthTok, err)
	}
	identCode, ok := p.sc.Next()
	if !ok {
		return fmt.Errorf("vcd: truncated $var identifier")
	}
	name, ok := p.sc.Next()
	if !ok {
		return fmt.Errorf("vcd: truncated $var name")
	}
	// Optional bit-range suffix, either its own token ("[7:0]") or
	// appended to the name token ("data[7:0]"); either way it carries
	// no information we need since width was already given explicitly.
	for {
		tok, ok := p.sc.Next()
		if !ok {
			return fmt.Errorf("vcd: truncated $var declaration for %q", name)
		}
		if tok == "$end" {
			break
		}
		// tolerate a bracketed range token preceding $end
	}

	segments := make([]string, 0, len(p.stack))
	for _, s := range p.stack {
		segments = append(segments, s.Name)
	}
	scopePath := strings.Join(segments, "|")
	varID := wavetypes.NewVariableID(p.fileID, scopePath, name)
	variable := &wavetypes.Variable{ID: varID, Name: name, Width: uint32(width)}
	if len(p.stack) > 0 {
		parent := p.stack[len(p.stack)-1]
		parent.Variables = append(parent.Variables, variable)
	}
	p.idents[identCode] = append(p.idents[identCode], ident{id: varID, width: uint32(width)})
	return nil
}

func expectEnd(sc *tokenScanner) error {
	tok, ok := sc.Next()
	if !ok {
		return fmt.Errorf("vcd: expected $end, got EOF")
	}
	if tok != "$end" {
		return fmt.Errorf("vcd: expected $end, got %q", tok)
	}
	return nil
}

// skipKeyword consumes tokens until a matching $end, for sections this
// parser doesn't otherwise interpret ($date, $version, $comment).
func skipKeyword(sc *tokenScanner, _ string) error {
	for {
		tok, ok := sc.Next()
		if !ok {
			return fmt.Errorf("vcd: unterminated keyword section")
		}
		if tok == "$end" {
			return nil
		}
	}
}

// skipToBodyStart re-walks the declarations section on the body pass
// without building any state, stopping right after $enddefinitions
// $end.
func skipToBodyStart(sc *tokenScanner) error {
	for {
		tok, ok := sc.Next()
		if !ok {
			return fmt.Errorf("vcd: unexpected end of file before $enddefinitions")
		}
		if tok == "$enddefinitions" {
			return expectEnd(sc)
		}
	}
}

// tokenScanner splits a VCD stream into whitespace-delimited tokens,
// which is sufficient for both the declarations grammar (keyword-led,
// $end-terminated) and the value-change grammar (each change is either
// one token with no internal whitespace, like "1!", or two tokens for
// vector/real changes, like "b0011 !").
type tokenScanner struct {
	sc *bufio.Scanner
}

func newTokenScanner(r io.Reader) *tokenScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	sc.Split(bufio.ScanWords)
	return &tokenScanner{sc: sc}
}

func (t *tokenScanner) Next() (string, bool) {
	if !t.sc.Scan() {
		return "", false
	}
	return t.sc.Text(), true
}
