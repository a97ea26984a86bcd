package timemodel

import "fmt"

// Duration is a signed femtosecond span, the result of subtracting one
// AbsoluteTime from another.
type Duration struct {
	hi, lo   uint64
	negative bool
}

// IsNegative reports whether the duration is negative.
func (d Duration) IsNegative() bool { return d.negative && (d.hi != 0 || d.lo != 0) }

// Sign returns -1, 0, or 1, consistent with the AbsoluteTime comparison
// that produced this duration.
func (d Duration) Sign() int {
	if d.hi == 0 && d.lo == 0 {
		return 0
	}
	if d.negative {
		return -1
	}
	return 1
}

// Femtoseconds returns the magnitude of the duration in femtoseconds, or
// ok=false if it exceeds a uint64.
func (d Duration) Femtoseconds() (fs uint64, ok bool) {
	if d.hi != 0 {
		return 0, false
	}
	return d.lo, true
}

func (d Duration) String() string {
	sign := ""
	if d.negative {
		sign = "-"
	}
	if fs, ok := d.Femtoseconds(); ok {
		return fmt.Sprintf("%s%dfs", sign, fs)
	}
	return fmt.Sprintf("%s(%d<<64 + %d)fs", sign, d.hi, d.lo)
}
