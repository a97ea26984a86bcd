// wire.go defines the length-prefixed JSON framing this host exposes for
// out-of-process frontends: each message is a uint32 big-endian byte
// count followed by that many bytes of JSON. The engine package itself
// never imports this file's types; only the host does, keeping
// internal/coordinator transport-agnostic.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const maxFrameBytes = 64 << 20

// upMessage is one request from a frontend, a flattened union of every
// request kind the engine accepts. Fields irrelevant to Type are
// omitted by the sender and ignored by the receiver.
type upMessage struct {
	Type  string `json:"type"`
	CorID uint64 `json:"cor_id"`

	Paths   []string `json:"paths,omitempty"`
	FileIDs []string `json:"file_ids,omitempty"`

	FileID    string   `json:"file_id,omitempty"`
	Variable  string   `json:"variable_id,omitempty"`
	Variables []string `json:"variables,omitempty"`

	T              *wireTime `json:"t,omitempty"`
	TLo            *wireTime `json:"t_lo,omitempty"`
	THi            *wireTime `json:"t_hi,omitempty"`
	MaxTransitions uint32    `json:"max_transitions,omitempty"`

	Format string `json:"format,omitempty"`

	TargetCorID uint64 `json:"target_cor_id,omitempty"`
}

// wireTime is AbsoluteTime's wire shape: a lossless (seconds,
// subsecond_fs) decomposition of the femtosecond axis, rather than a
// single uint64 that would overflow for long captures.
type wireTime struct {
	Seconds     uint64 `json:"seconds"`
	SubsecondFs uint64 `json:"subsecond_fs"`
}

// downMessage is one event to a frontend, a flattened union of every
// event kind the engine emits.
type downMessage struct {
	Type  string `json:"type"`
	CorID uint64 `json:"cor_id,omitempty"`

	Files  []wireFileSnapshot `json:"files,omitempty"`
	FileID string             `json:"file_id,omitempty"`

	State string `json:"state,omitempty"`

	Hierarchy  interface{} `json:"hierarchy,omitempty"`
	Timescale  interface{} `json:"timescale,omitempty"`
	TimeBounds [2]uint64   `json:"time_bounds,omitempty"`

	Variable    string           `json:"variable_id,omitempty"`
	Values      []wirePointValue `json:"values,omitempty"`
	Transitions []wireTransition `json:"transitions,omitempty"`

	LeftValue    string `json:"left_value,omitempty"`
	LeftValueOK  bool   `json:"left_value_ok,omitempty"`
	RightValue   string `json:"right_value,omitempty"`
	RightValueOK bool   `json:"right_value_ok,omitempty"`
	Decimated    bool   `json:"decimated,omitempty"`
	NativeCount  int    `json:"native_count,omitempty"`

	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	Config interface{} `json:"config,omitempty"`
}

type wireFileSnapshot struct {
	FileID        string `json:"file_id"`
	CanonicalPath string `json:"canonical_path"`
	DisplayLabel  string `json:"display_label"`
	Format        string `json:"format"`
	State         string `json:"state"`
}

type wirePointValue struct {
	Variable  string `json:"variable_id"`
	Formatted string `json:"formatted,omitempty"`
	Format    string `json:"format,omitempty"`
	Missing   bool   `json:"missing,omitempty"`
}

type wireTransition struct {
	T       wireTime `json:"t"`
	RawBits string   `json:"raw_bits"`
}

// readFrame reads one length-prefixed JSON frame from r and decodes it
// into an upMessage.
func readFrame(r io.Reader) (upMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return upMessage{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return upMessage{}, fmt.Errorf("waveengined: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return upMessage{}, err
	}
	var msg upMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return upMessage{}, fmt.Errorf("waveengined: malformed request: %w", err)
	}
	return msg, nil
}

// writeFrame encodes msg as JSON and writes it to w as one
// length-prefixed frame.
func writeFrame(w io.Writer, msg downMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
