package backend

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// sseReader splits a text/event-stream body into events.
type sseReader struct {
	r     *bufio.Reader
	event string
	data  []string
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event. A final event without a trailing blank
// line is still returned before io.EOF.
func (s *sseReader) Next() (sseEvent, error) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return sseEvent{}, err
		}
		eof := err == io.EOF
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if ev, ok := s.flush(); ok {
				return ev, nil
			}
			if eof {
				return sseEvent{}, io.EOF
			}
			continue
		}
		s.field(line)
		if eof {
			if ev, ok := s.flush(); ok {
				return ev, nil
			}
			return sseEvent{}, io.EOF
		}
	}
}

func (s *sseReader) field(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	name, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	switch name {
	case "event":
		s.event = value
	case "data":
		s.data = append(s.data, value)
	}
}

func (s *sseReader) flush() (sseEvent, bool) {
	if len(s.data) == 0 {
		s.event = ""
		return sseEvent{}, false
	}
	ev := sseEvent{Event: s.event, Data: strings.Join(s.data, "\n")}
	s.event = ""
	s.data = s.data[:0]
	return ev, true
}
