// Package eventstream implements a parser for text/event-stream framing.
//
// A frame accumulates id, event, and data fields from successive lines and
// completes when a blank line arrives. Comment lines (leading ':') are
// heartbeat traffic: they count as stream activity but never disturb a
// frame being accumulated.
package eventstream

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// maxLineSize bounds a single stream line. Notification payloads arrive as
// one data line of JSON, so 1 MiB leaves generous headroom.
const maxLineSize = 1 << 20

// Frame is one complete server-sent event.
type Frame struct {
	ID    string // last id: field seen in the frame, may be empty
	Event string // last event: field seen in the frame, may be empty
	Data  []byte // data: lines joined with '\n', in arrival order
}

// IsEmpty reports whether the frame carries no fields at all.
func (f Frame) IsEmpty() bool {
	return f.ID == "" && f.Event == "" && len(f.Data) == 0
}

// Scanner reads text/event-stream frames from an io.Reader.
// It is not safe for concurrent Next calls, but LastActivity may be polled
// from other goroutines while Next blocks.
type Scanner struct {
	scanner      *bufio.Scanner
	lastActivity atomic.Int64 // unix nanos of the last line received
}

// NewScanner creates a Scanner reading frames from r.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	s := &Scanner{scanner: sc}
	s.touch()
	return s
}

// Next reads the next complete frame. It blocks until a frame terminator
// (blank line) arrives. On stream closure it returns io.EOF; a partial
// frame accumulated before closure is discarded, never emitted.
func (s *Scanner) Next() (Frame, error) {
	var (
		frame     Frame
		dataLines [][]byte
		sawField  bool
	)

	for s.scanner.Scan() {
		s.touch()

		line := s.scanner.Bytes()
		// Tolerate CRLF line endings
		line = bytes.TrimSuffix(line, []byte("\r"))

		if len(line) == 0 {
			// Frame terminator. Empty frames (heartbeats between
			// blank lines) are skipped, not emitted.
			if !sawField {
				continue
			}
			frame.Data = bytes.Join(dataLines, []byte("\n"))
			return frame, nil
		}

		if line[0] == ':' {
			// Comment/heartbeat. Activity was recorded above;
			// accumulation continues untouched.
			continue
		}

		field, value := splitField(line)
		switch field {
		case "id":
			frame.ID = string(value)
			sawField = true
		case "event":
			frame.Event = string(value)
			sawField = true
		case "data":
			// Copy: scanner reuses its backing buffer
			dataLines = append(dataLines, append([]byte(nil), value...))
			sawField = true
		default:
			// Unknown fields are ignored per the protocol
		}
	}

	if err := s.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// LastActivity returns the time the last line (of any kind, including
// heartbeat comments) was received.
func (s *Scanner) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Scanner) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// splitField splits an SSE line into its field name and value. A single
// space after the colon is part of the delimiter and is stripped.
func splitField(line []byte) (string, []byte) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		// A line with no colon is a field with an empty value
		return strings.ToLower(string(line)), nil
	}
	field := strings.ToLower(string(line[:idx]))
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return field, value
}
