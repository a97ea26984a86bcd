// Package parser is the uniform front over the three supported trace
// formats: it detects a file's format, parses its
// lightweight header eagerly, and hands back a Header value whose
// LoadBody method performs the (possibly slow) full body parse on
// demand. Parser errors are always mapped to the internal/waveerr
// taxonomy and never propagate as panics — the ParseHeader/LoadBody
// wrappers here recover any panic raised by a format reader below.
package parser

import (
	"fmt"

	"github.com/novywave/waveengine/internal/parser/fst"
	"github.com/novywave/waveengine/internal/parser/ghw"
	"github.com/novywave/waveengine/internal/parser/vcd"
	"github.com/novywave/waveengine/internal/waveerr"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// Header is the facade's staged parse result: the lightweight metadata
// is already available via Public(); LoadBody performs the full,
// possibly slow, body parse on demand.
//
// Concrete format packages (vcd.Header, fst.Header, ghw.Header) satisfy
// this interface structurally — they do not import this package, which
// keeps the dependency graph one-directional (parser depends on the
// format packages, never the reverse).
type Header interface {
	Public() *wavetypes.Header
	LoadBody() (wavetypes.Body, error)
}

// ParseHeader detects path's format (using hint if non-empty, else
// extension then magic bytes) and parses its header. It never reads the
// file's full body. fileID is the stable id the Tracked Files Registry
// already assigned, threaded through so every Scope/Variable id the
// parse produces carries it from the start.
func ParseHeader(fileID wavetypes.FileID, path string, hint wavetypes.Format) (h Header, err error) {
	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = waveerr.New(waveerr.KindInternal, fmt.Sprintf("panic during header parse of %s: %v", path, r))
		}
	}()

	format := hint
	if format == wavetypes.FormatUnknown {
		format, err = DetectFormat(path)
		if err != nil {
			return nil, err
		}
	}

	switch format {
	case wavetypes.FormatVCD:
		vh, err := vcd.ParseHeader(fileID, path)
		if err != nil {
			return nil, waveerr.Wrap(waveerr.KindHeaderCorrupt, "vcd header parse failed", err)
		}
		return vh, nil
	case wavetypes.FormatFST:
		fh, err := fst.ParseHeader(fileID, path)
		if err != nil {
			return nil, waveerr.Wrap(waveerr.KindHeaderCorrupt, "fst header parse failed", err)
		}
		return fh, nil
	case wavetypes.FormatGHW:
		gh, err := ghw.ParseHeader(fileID, path)
		if err != nil {
			return nil, waveerr.Wrap(waveerr.KindHeaderCorrupt, "ghw header parse failed", err)
		}
		return gh, nil
	default:
		return nil, waveerr.New(waveerr.KindFormatUnrecognised, fmt.Sprintf("%s: unrecognised trace format", path))
	}
}

// LoadBody parses h's full body, recovering from any panic in the
// underlying format reader into a BodyCorrupt waveerr rather than
// letting it escape to the caller as a panic.
func LoadBody(h Header) (body wavetypes.Body, err error) {
	defer func() {
		if r := recover(); r != nil {
			body = nil
			err = waveerr.New(waveerr.KindBodyCorrupt, fmt.Sprintf("panic during body parse: %v", r))
		}
	}()
	body, err = h.LoadBody()
	if err != nil {
		if _, ok := waveerr.Of(err); ok {
			return nil, err
		}
		return nil, waveerr.Wrap(waveerr.KindBodyCorrupt, "body parse failed", err)
	}
	return body, nil
}
