package parser

import (
	"bytes"
	"strings"

	"github.com/novywave/waveengine/internal/traceio"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// ghwMagic is the fixed 9-byte signature every GHW file begins with
// (GHDL's waveform dumper writes it verbatim ahead of the section
// table).
var ghwMagic = []byte("GHDLwave\n")

// DetectFormat classifies path by extension first, then by sniffing its
// (transparently decompressed) leading bytes: it checks for compound
// extensions like `.vcd.gz`, then falls back to magic-byte detection.
func DetectFormat(path string) (wavetypes.Format, error) {
	lower := strings.ToLower(path)
	lower = strings.TrimSuffix(lower, ".gz")
	switch {
	case strings.HasSuffix(lower, ".vcd"):
		return wavetypes.FormatVCD, nil
	case strings.HasSuffix(lower, ".fst"):
		return wavetypes.FormatFST, nil
	case strings.HasSuffix(lower, ".ghw"):
		return wavetypes.FormatGHW, nil
	}

	peek, err := traceio.Peek(path, 16)
	if err != nil {
		return wavetypes.FormatUnknown, err
	}
	if bytes.HasPrefix(peek, ghwMagic) {
		return wavetypes.FormatGHW, nil
	}
	// FST's outer container has no ASCII signature; its first byte is
	// always the HDR block's type tag (0x00), which a VCD or GHW file
	// can never start with (VCD text always starts with '$' or
	// whitespace; GHW starts with its own magic above).
	if len(peek) > 0 && peek[0] == 0x00 {
		return wavetypes.FormatFST, nil
	}
	for _, b := range peek {
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		if b == '$' {
			return wavetypes.FormatVCD, nil
		}
		break
	}
	return wavetypes.FormatUnknown, nil
}
