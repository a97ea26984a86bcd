// Package traceio provides the transparent-decompression file opener
// shared by every format reader: detect-by-magic plus a decompressing
// reader, narrowed from a multi-codec gzip/bzip2/xz dispatch down to
// the gzip-only convention real trace-file pipelines use for
// `.vcd.gz`-style archives.
package traceio

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Open returns a ReadCloser over path's decompressed contents: plain
// passthrough for an uncompressed file, transparent gzip decompression
// when the file's first two bytes are the gzip magic. The file name and
// extension are not consulted.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("traceio: open %s: %w", path, err)
	}
	br := bufio.NewReader(f)
	peek, _ := br.Peek(2)
	if bytes.Equal(peek, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("traceio: gzip header of %s: %w", path, err)
		}
		return &gzipReadCloser{gz: gz, file: f}, nil
	}
	return &plainReadCloser{r: br, file: f}, nil
}

// Peek sniffs the first n decompressed bytes of path without consuming
// a caller-visible reader, used by format detection to inspect magic
// bytes beyond what the extension already tells us.
func Peek(path string, n int) ([]byte, error) {
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(rc, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

type gzipReadCloser struct {
	gz   *gzip.Reader
	file *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	fErr := g.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

type plainReadCloser struct {
	r    *bufio.Reader
	file *os.File
}

func (p *plainReadCloser) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *plainReadCloser) Close() error                { return p.file.Close() }
