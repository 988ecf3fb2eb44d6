// Package frame implements the line-oriented wire format spoken between the
// host and the microcontroller: a header line of '|'-separated fields,
// terminated by '\n', followed by zero or more raw trailers for any field
// that couldn't be inlined.
//
// Wire format for (token, field1, ..., fieldN):
//
//	header := token '|' field1 '|' ... '|' fieldN '\n'
//	trailer(i) := rawbytes(i) '\n'   // only for fields encoded as "&N" in header
//
// A field is "clean" if it's non-empty, every byte is in 0x20-0x7E, no byte
// is '|', and it doesn't start with '&'. Anything else is "raw": the header
// carries a placeholder "&<len>" and the actual bytes follow as a trailer.
package frame

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a header line contains an "&" placeholder
// that isn't followed by a valid decimal length.
var ErrMalformed = errors.New("frame: malformed trailer length")

// IsClean reports whether b can be carried inline in a frame header.
func IsClean(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	if b[0] == '&' {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7E || c == '|' {
			return false
		}
	}
	return true
}

// EscapeArg classifies a single field. If the field is clean, it is returned
// as-is with a nil trailer. Otherwise the header placeholder "&<len>" is
// returned along with the raw bytes that must follow as a trailer.
func EscapeArg(b []byte) (header []byte, trailer []byte) {
	if IsClean(b) {
		return b, nil
	}
	return []byte("&" + strconv.Itoa(len(b))), b
}

// Encode writes one frame (token plus fields) to w: one Write for the
// header line, then one Write per trailer and one for its newline. Callers
// that share w across goroutines must serialize calls to Encode themselves
// (see router.Router.Write).
func Encode(w writer, token string, fields ...[]byte) error {
	args := make([][]byte, 0, len(fields)+1)
	args = append(args, []byte(token))
	args = append(args, fields...)

	header := make([]byte, 0, 64)
	var trailers [][]byte

	for i, f := range args {
		h, t := EscapeArg(f)
		if i > 0 {
			header = append(header, '|')
		}
		header = append(header, h...)
		if t != nil {
			trailers = append(trailers, t)
		}
	}
	header = append(header, '\n')

	if _, err := w.Write(header); err != nil {
		return err
	}
	for _, t := range trailers {
		if _, err := w.Write(t); err != nil {
			return err
		}
		if _, err := w.Write(newline); err != nil {
			return err
		}
	}
	return nil
}

var newline = []byte{'\n'}

type writer interface {
	Write(p []byte) (int, error)
}

// Decode reads one frame from r: a header line followed by any raw
// trailers it references. The returned fields include the token as
// fields[0]. Decode returns io.EOF (unwrapped) if the stream ends cleanly
// before a header line is available, and ErrMalformed if a "&" placeholder
// doesn't parse as a non-negative decimal length.
func Decode(r *bufio.Reader) ([][]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if line == "" {
			return nil, err
		}
		return nil, fmt.Errorf("frame: truncated header: %w", err)
	}
	line = line[:len(line)-1] // drop '\n'

	parts := strings.Split(line, "|")
	fields := make([][]byte, len(parts))

	for i, p := range parts {
		if len(p) > 0 && p[0] == '&' {
			n, err := strconv.Atoi(p[1:])
			if err != nil || n < 0 {
				return nil, ErrMalformed
			}
			buf := make([]byte, n+1) // +1 for trailing '\n'
			if _, err := readFull(r, buf); err != nil {
				return nil, fmt.Errorf("frame: truncated trailer: %w", err)
			}
			fields[i] = buf[:n]
		} else {
			fields[i] = []byte(p)
		}
	}
	return fields, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
