package query

import (
	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// PointRequest asks for each listed variable's value at a single
// instant.
type PointRequest struct {
	FileID    wavetypes.FileID
	Variables []wavetypes.VariableID
	At        timemodel.AbsoluteTime
}

// PointValue is one variable's answer to a Point query. Missing is true
// when At precedes the file's recorded start or the variable's first
// transition; Bits is the zero value in that case.
type PointValue struct {
	Variable wavetypes.VariableID
	Bits     wavetypes.Bits
	Missing  bool
}

// PointResult is the full answer to a Point query: one PointValue per
// requested variable, in request order.
type PointResult struct {
	Values []PointValue
}

// RangeRequest asks for a variable's transitions within [TLo, THi],
// decimated to at most MaxTransitions representative samples.
type RangeRequest struct {
	FileID         wavetypes.FileID
	Variable       wavetypes.VariableID
	TLo, THi       timemodel.AbsoluteTime
	MaxTransitions uint32
}

// RangeTransition is one returned sample: an absolute instant and the
// value that became current at (or, for the left-edge entry, before)
// that instant.
type RangeTransition struct {
	At    timemodel.AbsoluteTime
	Bits  wavetypes.Bits
	Ghost bool // true for the synthetic left-edge entry copied from the transition before TLo
}

// RangeResult is the full answer to a Range query: the (possibly
// decimated) transition list plus the edge values needed so a caller
// can render the full window without an extra point query.
type RangeResult struct {
	Transitions []RangeTransition
	LeftValue   wavetypes.Bits
	LeftValueOK bool
	RightValue  wavetypes.Bits
	RightValueOK bool
	Decimated   bool
	NativeCount int
}
