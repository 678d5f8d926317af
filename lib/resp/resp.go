// Package resp implements the ASCII-prefixed, CRLF-terminated multibulk
// record format the append-only log is written and replayed in:
//
//	*<argc>\r\n
//	$<len(arg1)>\r\n<arg1 bytes>\r\n
//	...
//
// The Reader tracks the byte offset of the last fully decoded record so a
// corrupted log can be truncated back to a known-good boundary.
package resp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// maxBulkLen caps a single argument, guarding against garbage length
// prefixes allocating unbounded memory
const maxBulkLen = 512 * 1024 * 1024

var (
	// ErrTruncated marks a record cut short by EOF
	ErrTruncated = errors.New("resp: truncated record")
)

// FormatError reports a malformed record with its byte offset
type FormatError struct {
	Offset int64
	Msg    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("resp: %s at offset %d", e.Msg, e.Offset)
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// AppendCommand appends the multibulk encoding of args to dst and returns
// the extended slice
func AppendCommand(dst []byte, args ...[]byte) []byte {
	dst = append(dst, '*')
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, '\r', '\n')
	for _, arg := range args {
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(arg)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, arg...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}

// AppendCommandStrings is AppendCommand for string arguments
func AppendCommandStrings(dst []byte, args ...string) []byte {
	dst = append(dst, '*')
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, '\r', '\n')
	for _, arg := range args {
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(arg)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, arg...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

// Reader decodes records one at a time
type Reader struct {
	br *bufio.Reader

	// consumed counts every byte read so far, valid only the bytes up to
	// the end of the last complete record
	consumed int64
	valid    int64
}

// NewReader wraps r for record decoding
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ValidOffset returns the offset just past the last fully decoded record,
// the boundary a repairing loader truncates to
func (r *Reader) ValidOffset() int64 {
	return r.valid
}

// readLine reads one CRLF-terminated line, without the terminator
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	r.consumed += int64(len(line))
	if err != nil {
		if err == io.EOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, &FormatError{Offset: r.consumed, Msg: "line not CRLF terminated"}
	}
	return line[:len(line)-2], nil
}

// ReadCommand decodes the next record. It returns io.EOF at a clean record
// boundary, ErrTruncated when the input ends mid-record and *FormatError
// for malformed input.
func (r *Reader) ReadCommand() ([][]byte, error) {
	// peek one byte so clean EOF is distinguishable from truncation
	first, err := r.br.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	r.consumed++
	if first != '*' {
		return nil, &FormatError{Offset: r.consumed - 1, Msg: fmt.Sprintf("expected '*', got %q", first)}
	}

	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	argc, convErr := strconv.Atoi(string(line))
	if convErr != nil || argc <= 0 {
		return nil, &FormatError{Offset: r.consumed, Msg: fmt.Sprintf("invalid argument count %q", line)}
	}

	args := make([][]byte, 0, argc)
	for i := 0; i < argc; i++ {
		prefix, err := r.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, ErrTruncated
			}
			return nil, err
		}
		r.consumed++
		if prefix != '$' {
			return nil, &FormatError{Offset: r.consumed - 1, Msg: fmt.Sprintf("expected '$', got %q", prefix)}
		}

		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		bulkLen, convErr := strconv.Atoi(string(line))
		if convErr != nil || bulkLen < 0 || bulkLen > maxBulkLen {
			return nil, &FormatError{Offset: r.consumed, Msg: fmt.Sprintf("invalid bulk length %q", line)}
		}

		buf := make([]byte, bulkLen+2)
		n, err := io.ReadFull(r.br, buf)
		r.consumed += int64(n)
		if err != nil {
			return nil, ErrTruncated
		}
		if buf[bulkLen] != '\r' || buf[bulkLen+1] != '\n' {
			return nil, &FormatError{Offset: r.consumed, Msg: "bulk payload not CRLF terminated"}
		}
		args = append(args, buf[:bulkLen])
	}

	r.valid = r.consumed
	return args, nil
}
