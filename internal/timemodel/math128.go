package timemodel

import (
	"fmt"
	"math/bits"
)

// mul64 multiplies two uint64 values and returns the full 128-bit
// product as (hi, lo).
func mul64(a, b uint64) (hi, lo uint64) {
	hi, lo = bits.Mul64(a, b)
	return hi, lo
}

// div128by64 divides the 128-bit unsigned value (hi:lo) by a non-zero
// 64-bit divisor, returning the full 128-bit quotient as (qHi, qLo) and
// the remainder. It never panics: bits.Div64 requires its high input to
// be strictly less than the divisor, which the staged algorithm below
// guarantees at each step.
func div128by64(hi, lo, divisor uint64) (qHi, qLo, rem uint64) {
	q1, r1 := bits.Div64(0, hi, divisor)
	q2, r2 := bits.Div64(r1, lo, divisor)
	return q1, q2, r2
}

// roundNearestEven rounds the division result (quotient q, remainder r,
// divisor d) to the nearest integer, ties to even — the rule narrowing
// conversions must follow.
func roundNearestEven(q, r, d uint64) uint64 {
	if r == 0 {
		return q
	}
	twice := r * 2
	switch {
	case twice < d:
		return q
	case twice > d:
		return q + 1
	default: // exact tie
		if q%2 == 0 {
			return q
		}
		return q + 1
	}
}

// mul128by64 multiplies the 128-bit unsigned value (hi:lo) by a 64-bit
// multiplier, returning the full (up to 192-bit) product as three
// 64-bit limbs (w2, w1, w0), most-significant first.
func mul128by64(hi, lo, m uint64) (w2, w1, w0 uint64, err error) {
	c1, p0 := bits.Mul64(lo, m)
	c2, p1 := bits.Mul64(hi, m)
	sum1, carry := bits.Add64(p1, c1, 0)
	sum2, carry2 := bits.Add64(c2, 0, carry)
	if carry2 != 0 {
		return 0, 0, 0, fmt.Errorf("timemodel: mul128by64 overflow")
	}
	return sum2, sum1, p0, nil
}

// div192by64 divides the (up to) 192-bit unsigned value (w2:w1:w0) by a
// non-zero 64-bit divisor, returning the low 128 bits of the quotient
// as (qHi, qLo). It errors if the true quotient needs more than 128
// bits to represent.
func div192by64(w2, w1, w0, divisor uint64) (qHi, qLo uint64, err error) {
	q2, r2 := bits.Div64(0, w2, divisor)
	if q2 != 0 {
		return 0, 0, fmt.Errorf("timemodel: div192by64 quotient exceeds 128 bits")
	}
	q1, r1 := bits.Div64(r2, w1, divisor)
	q0, _ := bits.Div64(r1, w0, divisor)
	return q1, q0, nil
}
