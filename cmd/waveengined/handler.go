package main

import (
	"context"
	"net"

	"github.com/novywave/waveengine/internal/coordinator"
	"github.com/novywave/waveengine/internal/fileentry"
	"github.com/novywave/waveengine/internal/query"
	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// connHandler owns one accepted connection: a Session plus the two
// goroutines that pump it to and from the wire, a read-loop/write-loop
// split for per-connection RPC handling.
type connHandler struct {
	conn   net.Conn
	coord  *coordinator.Coordinator
	sess   *coordinator.Session
	logger Logger
}

func serveConn(ctx context.Context, conn net.Conn, coord *coordinator.Coordinator, logger Logger) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &connHandler{conn: conn, coord: coord, sess: coord.NewSession(ctx), logger: logger}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.pumpEvents()
	}()

	h.readRequests(ctx)
	cancel()
	<-writerDone
}

func (h *connHandler) pumpEvents() {
	for {
		select {
		case ev := <-h.sess.Events():
			if err := writeFrame(h.conn, toDownMessage(ev)); err != nil {
				return
			}
		case ev := <-h.sess.Responses():
			if err := writeFrame(h.conn, toDownMessage(ev)); err != nil {
				return
			}
		case <-h.sess.Done():
			return
		}
	}
}

func (h *connHandler) readRequests(ctx context.Context) {
	for {
		msg, err := readFrame(h.conn)
		if err != nil {
			return
		}
		h.dispatch(ctx, msg)
	}
}

func (h *connHandler) dispatch(ctx context.Context, msg upMessage) {
	switch msg.Type {
	case "LoadFiles":
		if _, err := h.coord.LoadFiles(ctx, msg.Paths); err != nil {
			h.logger.Log("warn", "LoadFiles failed: "+err.Error())
		}
	case "ReloadFiles":
		h.coord.ReloadFiles(ctx, toFileIDs(msg.FileIDs))
	case "RemoveFiles":
		h.coord.RemoveFiles(toFileIDs(msg.FileIDs))
	case "QueryPoint":
		at := fromWireTime(msg.T)
		go h.coord.QueryPoint(ctx, h.sess, msg.CorID, wavetypes.FileID(msg.FileID), toVariableIDs(msg.Variables), at)
	case "QueryRange":
		lo, hi := fromWireTime(msg.TLo), fromWireTime(msg.THi)
		go h.coord.QueryRange(ctx, h.sess, msg.CorID, wavetypes.FileID(msg.FileID), wavetypes.VariableID(msg.Variable), lo, hi, msg.MaxTransitions)
	case "SetVariableFormat":
		if format, ok := wavetypes.ParseVariableFormat(msg.Format); ok {
			h.coord.SetVariableFormat(wavetypes.VariableID(msg.Variable), format)
		}
	case "AddSelectedVariable":
		h.coord.AddSelectedVariable(wavetypes.VariableID(msg.Variable))
	case "RemoveSelectedVariable":
		h.coord.RemoveSelectedVariable(wavetypes.VariableID(msg.Variable))
	case "SetCursor":
		h.coord.SetCursor(fromWireTime(msg.T))
	case "SetVisibleRange":
		h.coord.SetVisibleRange(fromWireTime(msg.TLo), fromWireTime(msg.THi))
	case "Cancel":
		h.coord.Cancel(h.sess, msg.TargetCorID)
	default:
		h.logger.Log("warn", "unrecognised request type: "+msg.Type)
	}
}

func toFileIDs(raw []string) []wavetypes.FileID {
	out := make([]wavetypes.FileID, len(raw))
	for i, s := range raw {
		out[i] = wavetypes.FileID(s)
	}
	return out
}

func toVariableIDs(raw []string) []wavetypes.VariableID {
	out := make([]wavetypes.VariableID, len(raw))
	for i, s := range raw {
		out[i] = wavetypes.VariableID(s)
	}
	return out
}

func fromWireTime(t *wireTime) timemodel.AbsoluteTime {
	if t == nil {
		return timemodel.Zero
	}
	at, err := timemodel.FromSeconds(t.Seconds, t.SubsecondFs)
	if err != nil {
		return timemodel.Zero
	}
	return at
}

func toWireTime(at timemodel.AbsoluteTime) wireTime {
	seconds, subsecondFs := at.AsSeconds()
	return wireTime{Seconds: seconds, SubsecondFs: subsecondFs}
}

func bitsString(b wavetypes.Bits) string {
	out := make([]byte, len(b.States))
	for i, s := range b.States {
		out[i] = s.Char()
	}
	return string(out)
}

// toDownMessage translates an internal coordinator Event into its wire
// shape. Kept as one switch, mirroring the dispatch above, rather than
// a method per EventKind, since every branch here is a pure field
// mapping with no behaviour of its own.
func toDownMessage(ev coordinator.Event) downMessage {
	msg := downMessage{Type: ev.Kind.String(), CorID: ev.CorID}

	switch ev.Kind {
	case coordinator.FilesChanged:
		msg.Files = make([]wireFileSnapshot, len(ev.Files))
		for i, f := range ev.Files {
			msg.Files[i] = wireFileSnapshot{
				FileID:        string(f.FileID),
				CanonicalPath: f.CanonicalPath,
				DisplayLabel:  f.DisplayLabel,
				Format:        f.Format.String(),
				State:         f.State.String(),
			}
		}
	case coordinator.FileStateChanged:
		msg.FileID = string(ev.FileID)
		msg.State = stateString(ev.State)
	case coordinator.HeaderAvailable:
		msg.FileID = string(ev.FileID)
		if ev.Header != nil {
			msg.Hierarchy = ev.Header.Hierarchy
			msg.Timescale = ev.Header.Timescale
			msg.TimeBounds = ev.Header.RawTimeBounds
		}
	case coordinator.PointResult:
		msg.FileID = string(ev.FileID)
		msg.Values = make([]wirePointValue, len(ev.PointValues))
		for i, v := range ev.PointValues {
			msg.Values[i] = wirePointValue{
				Variable:  string(v.Variable),
				Formatted: v.Formatted,
				Format:    v.Format.String(),
				Missing:   v.Missing,
			}
		}
	case coordinator.RangeResult:
		msg.FileID = string(ev.FileID)
		msg.Variable = string(ev.Variable)
		if ev.Range != nil {
			msg.Transitions = rangeTransitions(ev.Range)
			msg.LeftValue, msg.LeftValueOK = rangeEdge(ev.Range.LeftValue, ev.Range.LeftValueOK)
			msg.RightValue, msg.RightValueOK = rangeEdge(ev.Range.RightValue, ev.Range.RightValueOK)
			msg.Decimated = ev.Range.Decimated
			msg.NativeCount = ev.Range.NativeCount
		}
	case coordinator.QueryError, coordinator.FileError:
		msg.FileID = string(ev.FileID)
		msg.Kind = ev.ErrKind.String()
		msg.Message = ev.ErrMessage
	case coordinator.ConfigChanged:
		msg.Config = ev.Config
	}
	return msg
}

func rangeTransitions(r *query.RangeResult) []wireTransition {
	out := make([]wireTransition, len(r.Transitions))
	for i, tr := range r.Transitions {
		out[i] = wireTransition{T: toWireTime(tr.At), RawBits: bitsString(tr.Bits)}
	}
	return out
}

func rangeEdge(bits wavetypes.Bits, ok bool) (string, bool) {
	if !ok {
		return "", false
	}
	return bitsString(bits), true
}

func stateString(s fileentry.State) string {
	return s.String()
}
