// Package wavefmt implements the engine's Value Formatter: a pure
// transform from a raw 4-state bit pattern plus a format selector to a
// display string. Formatters keep no state between calls; the grouped,
// ASCII and signed-decimal renderers allocate a scratch copy of the bits
// besides the returned string.
package wavefmt

import (
	"strings"

	"github.com/novywave/waveengine/internal/wavetypes"
)

// Format renders bits under the requested VariableFormat, or returns a
// non-numeric error (see IsNonNumeric) for formats that reject X/Z
// content (DecimalUnsigned, DecimalSigned). Callers map the returned
// error to waveerr.KindNonNumeric.
func Format(bits wavetypes.Bits, format wavetypes.VariableFormat) (string, error) {
	switch format {
	case wavetypes.Binary:
		return formatBinary(bits), nil
	case wavetypes.Octal:
		return formatGrouped(bits, 3, octalDigit), nil
	case wavetypes.Hexadecimal:
		return formatGrouped(bits, 4, hexDigit), nil
	case wavetypes.DecimalUnsigned:
		return formatDecimalUnsigned(bits)
	case wavetypes.DecimalSigned:
		return formatDecimalSigned(bits)
	case wavetypes.ASCII:
		return formatASCII(bits), nil
	case wavetypes.Boolean:
		return formatBoolean(bits), nil
	default:
		return "", errNonNumeric("unrecognised format")
	}
}

func formatBinary(bits wavetypes.Bits) string {
	var sb strings.Builder
	sb.Grow(len(bits.States))
	for _, s := range bits.States {
		sb.WriteByte(s.Char())
	}
	return sb.String()
}

// formatGrouped implements the Octal/Hexadecimal contract: bits are
// split into groups of groupSize starting from the least-significant
// bit (so the most-significant group is padded with leading zero bits
// when the width isn't a multiple of groupSize), and each group is
// rendered by digit. A group containing any X renders as 'X'; containing
// Z (and no X) renders as 'Z'. Leading zero digits are trimmed down to a
// single digit, so an 8-bit 0x0C reads "C" and an all-zero pattern "0";
// a leading X/Z digit is never trimmed.
func formatGrouped(bits wavetypes.Bits, groupSize int, digit func([]wavetypes.BitState) byte) string {
	n := len(bits.States)
	if n == 0 {
		return ""
	}
	// Pad on the left so the total width is a multiple of groupSize.
	pad := (groupSize - n%groupSize) % groupSize
	padded := make([]wavetypes.BitState, pad+n)
	for i := 0; i < pad; i++ {
		padded[i] = wavetypes.Bit0
	}
	copy(padded[pad:], bits.States)

	var sb strings.Builder
	sb.Grow(len(padded) / groupSize)
	for i := 0; i < len(padded); i += groupSize {
		sb.WriteByte(digit(padded[i : i+groupSize]))
	}
	out := sb.String()
	trimmed := strings.TrimLeft(out[:len(out)-1], "0")
	return trimmed + out[len(out)-1:]
}

func groupState(group []wavetypes.BitState) (hasX, hasZ bool) {
	for _, s := range group {
		switch s {
		case wavetypes.BitX:
			hasX = true
		case wavetypes.BitZ:
			hasZ = true
		}
	}
	return
}

func octalDigit(group []wavetypes.BitState) byte {
	if hasX, hasZ := groupState(group); hasX {
		return 'X'
	} else if hasZ {
		return 'Z'
	}
	v := 0
	for _, s := range group {
		v = v<<1 | int(s)
	}
	return "01234567"[v]
}

func hexDigit(group []wavetypes.BitState) byte {
	if hasX, hasZ := groupState(group); hasX {
		return 'X'
	} else if hasZ {
		return 'Z'
	}
	v := 0
	for _, s := range group {
		v = v<<1 | int(s)
	}
	return "0123456789ABCDEF"[v]
}

func formatDecimalUnsigned(bits wavetypes.Bits) (string, error) {
	if bits.HasUnknown() {
		return "", errNonNumeric("decimal-unsigned format requires all bits to be 0 or 1")
	}
	var acc decimalAccum
	for _, s := range bits.States {
		acc.shiftOrAdd(s == wavetypes.Bit1)
	}
	return acc.String(), nil
}

func formatDecimalSigned(bits wavetypes.Bits) (string, error) {
	if bits.HasUnknown() {
		return "", errNonNumeric("decimal-signed format requires all bits to be 0 or 1")
	}
	if len(bits.States) == 0 {
		return "0", nil
	}
	negative := bits.States[0] == wavetypes.Bit1
	if !negative {
		return formatDecimalUnsigned(bits)
	}
	// Two's complement: invert and add one, then render with a sign.
	inverted := make([]wavetypes.BitState, len(bits.States))
	for i, s := range bits.States {
		if s == wavetypes.Bit0 {
			inverted[i] = wavetypes.Bit1
		} else {
			inverted[i] = wavetypes.Bit0
		}
	}
	addOneInPlace(inverted)
	var acc decimalAccum
	for _, s := range inverted {
		acc.shiftOrAdd(s == wavetypes.Bit1)
	}
	return "-" + acc.String(), nil
}

func addOneInPlace(bits []wavetypes.BitState) {
	for i := len(bits) - 1; i >= 0; i-- {
		if bits[i] == wavetypes.Bit0 {
			bits[i] = wavetypes.Bit1
			return
		}
		bits[i] = wavetypes.Bit0
	}
}

// formatASCII interprets contiguous 8-bit octets (most-significant
// octet first, per the declared width) as ASCII, escaping non-printable
// bytes as \xNN and rendering a byte containing X/Z as \x?? per-nibble
// using the same mixed-state markers as Hexadecimal.
func formatASCII(bits wavetypes.Bits) string {
	n := len(bits.States)
	groups := (n + 7) / 8
	pad := groups*8 - n
	padded := make([]wavetypes.BitState, pad+n)
	for i := 0; i < pad; i++ {
		padded[i] = wavetypes.Bit0
	}
	copy(padded[pad:], bits.States)

	var sb strings.Builder
	for i := 0; i < len(padded); i += 8 {
		octet := padded[i : i+8]
		if hasX, hasZ := groupState(octet); hasX || hasZ {
			sb.WriteString(escapedUnknownByte(octet))
			continue
		}
		v := byte(0)
		for _, s := range octet {
			v = v<<1 | byte(s)
		}
		if v >= 0x20 && v < 0x7f {
			sb.WriteByte(v)
		} else {
			sb.WriteString(escapedByte(v))
		}
	}
	return sb.String()
}

func escapedByte(v byte) string {
	const hex = "0123456789ABCDEF"
	return string([]byte{'\\', 'x', hex[v>>4], hex[v&0xf]})
}

func escapedUnknownByte(octet []wavetypes.BitState) string {
	hi := hexDigit(octet[:4])
	lo := hexDigit(octet[4:])
	return string([]byte{'\\', 'x', hi, lo})
}

func formatBoolean(bits wavetypes.Bits) string {
	if len(bits.States) == 0 {
		return "?"
	}
	// Boolean applies to the least-significant bit, per common
	// single-bit-signal usage; multi-bit signals with a non-zero upper
	// range are treated the same way downstream VCD/FST readers treat a
	// width-1 net.
	last := bits.States[len(bits.States)-1]
	switch last {
	case wavetypes.Bit1:
		return "true"
	case wavetypes.Bit0:
		return "false"
	default:
		return "?"
	}
}

// nonNumericError is the error Format returns for numeric formats
// applied to X/Z-bearing bits. Callers that need a typed waveerr.Kind
// wrap it at the call site via IsNonNumeric.
type nonNumericError struct{ msg string }

func (e *nonNumericError) Error() string { return e.msg }

func errNonNumeric(msg string) error { return &nonNumericError{msg: msg} }

// IsNonNumeric reports whether err was produced by a numeric formatter
// rejecting X/Z content.
func IsNonNumeric(err error) bool {
	_, ok := err.(*nonNumericError)
	return ok
}

// decimalAccum accumulates an arbitrary-width unsigned bit string into
// its decimal rendering: the value is kept as a decimal-digit slice and
// doubled-then-added one bit at a time. Handles the widest signals real
// trace files declare (hundreds of bits) without overflowing a
// fixed-width integer.
type decimalAccum struct {
	digits []byte // decimal digits, least-significant first
}

func (a *decimalAccum) shiftOrAdd(bitIsOne bool) {
	carry := 0
	if bitIsOne {
		carry = 1
	}
	for i := range a.digits {
		v := int(a.digits[i])*2 + carry
		a.digits[i] = byte(v % 10)
		carry = v / 10
	}
	for carry > 0 {
		a.digits = append(a.digits, byte(carry%10))
		carry /= 10
	}
	if len(a.digits) == 0 && bitIsOne {
		a.digits = []byte{1}
	}
}

func (a *decimalAccum) String() string {
	if len(a.digits) == 0 {
		return "0"
	}
	var sb strings.Builder
	sb.Grow(len(a.digits))
	for i := len(a.digits) - 1; i >= 0; i-- {
		sb.WriteByte('0' + a.digits[i])
	}
	return sb.String()
}
