// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package tsv implements the TabSeparatedWithNames bulk-load format: a header
// row, tab-delimited fields, newline-terminated rows, \N for NULL and
// backslash escapes for control characters, quotes and backslashes.
package tsv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Null is the on-the-wire marker for a NULL value.
const Null = `\N`

var escaper = strings.NewReplacer(
	"\\", `\\`,
	"\b", `\b`,
	"\r", `\r`,
	"\f", `\f`,
	"\n", `\n`,
	"\t", `\t`,
	"\x00", `\0`,
	"'", `\'`,
)

// Escape returns s with every special character replaced by its escape sequence.
func Escape(s string) string {
	return escaper.Replace(s)
}

// ErrBadEscape is returned when a field ends in a lone backslash.
var ErrBadEscape = errors.New("tsv: dangling escape")

// Unescape reverses Escape. Unknown escape sequences yield the escaped
// character itself.
func Unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", ErrBadEscape
		}
		switch s[i] {
		case 'b':
			b.WriteByte('\b')
		case 'r':
			b.WriteByte('\r')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '0':
			b.WriteByte(0)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}

// Writer encodes rows. Values must already be escaped; use WriteEscaped for
// raw strings.
type Writer struct {
	w       *bufio.Writer
	columns int
}

// NewWriter writes the header row and returns a Writer for len(header) columns.
func NewWriter(w io.Writer, header []string) (*Writer, error) {
	tw := &Writer{w: bufio.NewWriter(w), columns: len(header)}
	escaped := make([]string, len(header))
	for i, h := range header {
		escaped[i] = Escape(h)
	}
	if err := tw.Write(escaped); err != nil {
		return nil, err
	}
	return tw, nil
}

// Write writes one row of pre-escaped values.
func (w *Writer) Write(values []string) error {
	if len(values) != w.columns {
		return fmt.Errorf("tsv: row has %d values, header has %d", len(values), w.columns)
	}
	for i, v := range values {
		if i > 0 {
			if err := w.w.WriteByte('\t'); err != nil {
				return err
			}
		}
		if _, err := w.w.WriteString(v); err != nil {
			return err
		}
	}
	return w.w.WriteByte('\n')
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Reader decodes a TabSeparatedWithNames stream.
type Reader struct {
	s      *bufio.Scanner
	header []string
	line   int
}

// maxLineBytes bounds a single encoded row.
const maxLineBytes = 64 << 20

// NewReader reads and unescapes the header row.
func NewReader(r io.Reader) (*Reader, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	tr := &Reader{s: s}

	if !s.Scan() {
		if err := s.Err(); err != nil {
			return nil, fmt.Errorf("tsv: read header: %w", err)
		}
		return nil, fmt.Errorf("tsv: missing header: %w", io.ErrUnexpectedEOF)
	}
	tr.line = 1
	header := strings.Split(s.Text(), "\t")
	for i, h := range header {
		u, err := Unescape(h)
		if err != nil {
			return nil, fmt.Errorf("tsv: header column %d: %w", i, err)
		}
		header[i] = u
	}
	tr.header = header
	return tr, nil
}

// Header returns the column names.
func (r *Reader) Header() []string {
	return r.header
}

// Read returns the next row. NULL fields are reported through the valid
// slice. Returns io.EOF after the last row.
func (r *Reader) Read() (values []string, valid []bool, err error) {
	if !r.s.Scan() {
		if err := r.s.Err(); err != nil {
			return nil, nil, fmt.Errorf("tsv: line %d: %w", r.line+1, err)
		}
		return nil, nil, io.EOF
	}
	r.line++

	fields := strings.Split(r.s.Text(), "\t")
	if len(fields) != len(r.header) {
		return nil, nil, fmt.Errorf("tsv: line %d has %d fields, header has %d", r.line, len(fields), len(r.header))
	}
	valid = make([]bool, len(fields))
	for i, f := range fields {
		if f == Null {
			fields[i] = ""
			continue
		}
		u, err := Unescape(f)
		if err != nil {
			return nil, nil, fmt.Errorf("tsv: line %d column %q: %w", r.line, r.header[i], err)
		}
		fields[i] = u
		valid[i] = true
	}
	return fields, valid, nil
}
