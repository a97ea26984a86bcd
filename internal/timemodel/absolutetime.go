// Package timemodel implements the engine's unit-aware absolute time
// axis: a femtosecond-precise instant, independent of any file's native
// timescale, with lossless conversion to and from the six supported time
// units and overflow-checked arithmetic.
//
// AbsoluteTime is stored as an unsigned 128-bit femtosecond count (two
// uint64 limbs) rather than a float or a plain uint64, per the data
// model's explicit representation contract: a plain 64-bit femtosecond
// counter only reaches about 5.1 hours of simulated time before
// wrapping, which is far too small for real waveform captures.
package timemodel

import (
	"errors"
	"fmt"
	"math/bits"
)

// AbsoluteTime is a non-negative instant expressed in femtoseconds since
// t=0, represented as hi*2^64 + lo.
type AbsoluteTime struct {
	hi, lo uint64
}

// Zero is the instant t=0.
var Zero = AbsoluteTime{}

// MaxAbsoluteTime is the largest representable instant.
var MaxAbsoluteTime = AbsoluteTime{hi: ^uint64(0), lo: ^uint64(0)}

// FromFemtoseconds builds an AbsoluteTime directly from a femtosecond
// count. It exists for tests and for callers that already have a
// precise fs value; production code normally goes through FromTicks.
func FromFemtoseconds(fs uint64) AbsoluteTime {
	return AbsoluteTime{lo: fs}
}

// FromSeconds builds an AbsoluteTime from a (seconds, subsecond
// femtoseconds) pair, a representation equivalent to the raw
// femtosecond count. subsecondFs must be < 1e15;
// the caller is responsible for normalising overflowing subsecond parts
// before calling.
func FromSeconds(seconds uint64, subsecondFs uint64) (AbsoluteTime, error) {
	secFs := femtosecondsPerUnit[Seconds]
	hi, lo := mul64(seconds, secFs)
	sum, carry := bits.Add64(lo, subsecondFs, 0)
	hi, carry2 := bits.Add64(hi, 0, carry)
	if carry2 != 0 {
		return AbsoluteTime{}, overflow("seconds-pair construction")
	}
	return AbsoluteTime{hi: hi, lo: sum}, nil
}

// FromTicks converts a native tick count recorded under the given
// Timescale into the shared AbsoluteTime axis.
func FromTicks(ticks uint64, ts Timescale) (AbsoluteTime, error) {
	perTick, err := ts.FemtosecondsPerTick()
	if err != nil {
		return AbsoluteTime{}, err
	}
	hi, lo := mul64(ticks, perTick)
	return AbsoluteTime{hi: hi, lo: lo}, nil
}

// AsSeconds returns the (seconds, subsecond_fs) decomposition, an
// equivalent representation of the same femtosecond count.
func (t AbsoluteTime) AsSeconds() (seconds uint64, subsecondFs uint64) {
	secFs := femtosecondsPerUnit[Seconds]
	_, q, r := div128by64(t.hi, t.lo, secFs)
	return q, r
}

// Femtoseconds returns the raw femtosecond count as a uint64, or
// ok=false if the value exceeds what a uint64 can hold (the hi limb is
// non-zero). Most callers operating within one file's time_bounds never
// hit this; it exists for callers needing a plain integer for logging
// or a cache key.
func (t AbsoluteTime) Femtoseconds() (fs uint64, ok bool) {
	if t.hi != 0 {
		return 0, false
	}
	return t.lo, true
}

// ToUnit converts this instant to an integer count of the given unit,
// rounded to nearest, ties to even, per the narrowing-conversion
// contract. Widenings (e.g. to Femtoseconds) are exact whenever the
// result fits a uint64; a value whose widened form does not (extremely
// large absolute times) reports overflow rather than truncating.
func (t AbsoluteTime) ToUnit(u Unit) (uint64, error) {
	per := femtosecondsPerUnit[u]
	qHi, qLo, r := div128by64(t.hi, t.lo, per)
	if qHi != 0 {
		return 0, overflow("AbsoluteTime.ToUnit")
	}
	return roundNearestEven(qLo, r, per), nil
}

// ToTicksFloor converts this instant to the native tick count of ts,
// rounding down to the last tick at or before t. Used by the Signal
// Query Engine to translate an AbsoluteTime window into the native-tick
// window a Body's ValueAt/Transitions methods operate on.
func (t AbsoluteTime) ToTicksFloor(ts Timescale) (uint64, error) {
	per, err := ts.FemtosecondsPerTick()
	if err != nil {
		return 0, err
	}
	qHi, qLo, _ := div128by64(t.hi, t.lo, per)
	if qHi != 0 {
		return 0, overflow("AbsoluteTime.ToTicksFloor")
	}
	return qLo, nil
}

// ToTicksCeil converts this instant to the native tick count of ts,
// rounding up to the first tick at or after t.
func (t AbsoluteTime) ToTicksCeil(ts Timescale) (uint64, error) {
	per, err := ts.FemtosecondsPerTick()
	if err != nil {
		return 0, err
	}
	qHi, qLo, rem := div128by64(t.hi, t.lo, per)
	if rem != 0 {
		qLo++
		if qLo == 0 {
			qHi++
		}
	}
	if qHi != 0 {
		return 0, overflow("AbsoluteTime.ToTicksCeil")
	}
	return qLo, nil
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater
// than other. Comparison is total.
func (t AbsoluteTime) Compare(other AbsoluteTime) int {
	switch {
	case t.hi < other.hi:
		return -1
	case t.hi > other.hi:
		return 1
	case t.lo < other.lo:
		return -1
	case t.lo > other.lo:
		return 1
	default:
		return 0
	}
}

func (t AbsoluteTime) Before(other AbsoluteTime) bool { return t.Compare(other) < 0 }
func (t AbsoluteTime) After(other AbsoluteTime) bool  { return t.Compare(other) > 0 }
func (t AbsoluteTime) Equal(other AbsoluteTime) bool  { return t.Compare(other) == 0 }

// Add returns t + d, erroring with a wrapped overflow if the sum would
// exceed the representable range.
func (t AbsoluteTime) Add(d Duration) (AbsoluteTime, error) {
	if !d.negative {
		lo, c1 := bits.Add64(t.lo, d.lo, 0)
		hi, c2 := bits.Add64(t.hi, d.hi, c1)
		if c2 != 0 {
			return AbsoluteTime{}, overflow("AbsoluteTime.Add")
		}
		return AbsoluteTime{hi: hi, lo: lo}, nil
	}
	if d.hi > t.hi || (d.hi == t.hi && d.lo > t.lo) {
		return AbsoluteTime{}, overflow("AbsoluteTime.Add: negative duration exceeds t")
	}
	lo, b1 := bits.Sub64(t.lo, d.lo, 0)
	hi, _ := bits.Sub64(t.hi, d.hi, b1)
	return AbsoluteTime{hi: hi, lo: lo}, nil
}

// Sub returns the signed duration t - other.
func (t AbsoluteTime) Sub(other AbsoluteTime) Duration {
	if t.Compare(other) >= 0 {
		lo, b1 := bits.Sub64(t.lo, other.lo, 0)
		hi, _ := bits.Sub64(t.hi, other.hi, b1)
		return Duration{hi: hi, lo: lo, negative: false}
	}
	lo, b1 := bits.Sub64(other.lo, t.lo, 0)
	hi, _ := bits.Sub64(other.hi, t.hi, b1)
	return Duration{hi: hi, lo: lo, negative: true}
}

// Lerp linearly interpolates between t and other at fraction
// num/den (0 <= num <= den), e.g. to place evenly spaced bucket edges
// across a window. den must be non-zero.
func Lerp(t, other AbsoluteTime, num, den uint64) (AbsoluteTime, error) {
	if den == 0 {
		return AbsoluteTime{}, fmt.Errorf("timemodel: Lerp with zero denominator")
	}
	span := other.Sub(t) // non-negative by construction when other >= t
	if span.negative {
		// Callers always pass t <= other; tolerate the reverse by
		// swapping rather than erroring.
		out, err := Lerp(other, t, den-num, den)
		return out, err
	}
	w2, w1, w0, err := mul128by64(span.hi, span.lo, num)
	if err != nil {
		return AbsoluteTime{}, err
	}
	qHi, qLo, err := div192by64(w2, w1, w0, den)
	if err != nil {
		return AbsoluteTime{}, err
	}
	return t.Add(Duration{hi: qHi, lo: qLo})
}

func overflow(where string) error {
	return fmt.Errorf("timemodel: %s: %w", where, errTimeOverflowSentinel)
}

var errTimeOverflowSentinel = errors.New("time value exceeds representable femtosecond range")

// IsOverflow reports whether err originated from a timemodel overflow
// check, for callers that want to map it to waveerr.KindTimeOverflow
// without importing the sentinel directly.
func IsOverflow(err error) bool {
	return errors.Is(err, errTimeOverflowSentinel)
}

func (t AbsoluteTime) String() string {
	fs, ok := t.Femtoseconds()
	if ok {
		return fmt.Sprintf("%dfs", fs)
	}
	sec, sub := t.AsSeconds()
	return fmt.Sprintf("%ds+%dfs", sec, sub)
}
