package coordinator

import (
	"github.com/novywave/waveengine/internal/config"
	"github.com/novywave/waveengine/internal/fileentry"
	"github.com/novywave/waveengine/internal/query"
	"github.com/novywave/waveengine/internal/waveerr"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// EventKind identifies which down-message of the engine's message
// surface an Event carries.
type EventKind int

const (
	FilesChanged EventKind = iota
	FileStateChanged
	HeaderAvailable
	PointResult
	RangeResult
	QueryError
	FileError
	ConfigChanged
)

func (k EventKind) String() string {
	switch k {
	case FilesChanged:
		return "FilesChanged"
	case FileStateChanged:
		return "FileStateChanged"
	case HeaderAvailable:
		return "HeaderAvailable"
	case PointResult:
		return "PointResult"
	case RangeResult:
		return "RangeResult"
	case QueryError:
		return "QueryError"
	case FileError:
		return "FileError"
	case ConfigChanged:
		return "ConfigChanged"
	default:
		return "Unknown"
	}
}

// PointResultValue is one variable's entry in a PointResult event,
// already passed through the Value Formatter: the Workspace Coordinator
// applies it before dispatch.
type PointResultValue struct {
	Variable  wavetypes.VariableID
	Formatted string
	Format    wavetypes.VariableFormat
	Missing   bool
}

// Event is one entry of a session's down-stream: either a state-change
// notification fanned out to every subscriber, or a query response routed
// only to its requester (identified by CorID).
type Event struct {
	Kind  EventKind
	CorID uint64

	Files  []fileentry.Snapshot // FilesChanged
	FileID wavetypes.FileID     // FileStateChanged, HeaderAvailable, RangeResult, QueryError's owning file, FileError

	State  fileentry.State  // FileStateChanged
	Header *wavetypes.Header // HeaderAvailable

	Variable    wavetypes.VariableID // RangeResult
	PointValues []PointResultValue   // PointResult
	Range       *query.RangeResult   // RangeResult (raw transitions + edge values)

	ErrKind    waveerr.Kind // QueryError, FileError
	ErrMessage string

	Config config.Workspace // ConfigChanged
}
