package stream

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SSEWriter frames events as text/event-stream and flushes after each one
type SSEWriter struct {
	w       *bufio.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w. If w is an http.Flusher every event is flushed.
func NewSSEWriter(w io.Writer) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{
		w:       bufio.NewWriter(w),
		flusher: flusher,
	}
}

// Retry tells the client how long to wait before reconnecting
func (s *SSEWriter) Retry(d time.Duration) error {
	fmt.Fprintf(s.w, "retry: %d\n\n", d.Milliseconds())
	return s.flush()
}

// WriteEvent writes one event. Payload line breaks (\n, \r\n or a lone \r)
// become separate data lines, which the client joins back with \n.
func (s *SSEWriter) WriteEvent(ev Event) error {
	if ev.ID != "" {
		fmt.Fprintf(s.w, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(s.w, "event: %s\n", ev.Type)
	for _, line := range splitLines(ev.Data) {
		s.w.WriteString("data: ")
		s.w.Write(line)
		s.w.WriteByte('\n')
	}
	s.w.WriteByte('\n')
	return s.flush()
}

// Heartbeat writes a comment line
func (s *SSEWriter) Heartbeat() error {
	s.w.WriteString(": keep-alive\n\n")
	return s.flush()
}

func (s *SSEWriter) flush() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func splitLines(data []byte) [][]byte {
	lines := make([][]byte, 0, 1)
	start := 0
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			lines = append(lines, data[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, data[start:i])
			if i+1 < len(data) && data[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	return append(lines, data[start:])
}
