package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"unicode/utf8"

	"github.com/lei/woodhouse/internal/hub"
	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/internal/output"
)

// OutputSession tails one build's output from a client-supplied offset:
// it replays the backlog, follows live appends, and ends with a single
// end event carrying the build result.
type OutputSession struct {
	hub    *hub.Hub
	build  *hub.Build
	offset int64
	state  State
	opts   Options
}

// NewOutputSession resolves the build. Unknown jobs and builds fail here,
// before anything is written to the client.
func NewOutputSession(h *hub.Hub, jobID string, number int, offset int64, opts Options) (*OutputSession, error) {
	b, err := h.Build(jobID, number)
	if err != nil {
		return nil, err
	}

	return &OutputSession{
		hub:    h,
		build:  b,
		offset: offset,
		state:  StateInit,
		opts:   opts.withDefaults(),
	}, nil
}

// State returns the session's lifecycle position
func (s *OutputSession) State() State {
	return s.state
}

// Offset returns the byte offset delivered so far
func (s *OutputSession) Offset() int64 {
	return s.offset
}

// Run drives the session until the build's end event is written, the offset
// is rejected, or ctx is cancelled. The hub registration is always released
// before Run returns.
func (s *OutputSession) Run(ctx context.Context, w EventWriter) error {
	defer func() { s.state = StateClosed }()

	reg, ctx, err := s.hub.Register(ctx, hub.BuildTarget(s.build.JobID, s.build.Number))
	if err != nil {
		return err
	}
	defer reg.Release()

	log := s.opts.Logger.With("session_id", reg.ID, "job_id", s.build.JobID, "build", s.build.Number)
	buf := s.build.Output

	length := buf.Len()
	switch {
	case s.offset < 0:
		return s.fail(w, output.ErrOffsetInvalid, length)
	case s.offset > length:
		return s.fail(w, output.ErrOffsetOutOfRange, length)
	}

	if finished, result := buf.Finished(); finished && s.offset >= buf.Len() {
		log.Debug("stream: build already finished, nothing to replay", "offset", s.offset)
		return s.end(w, result)
	}

	s.state = StateReplaying
	seen := buf.Len()
	log.Debug("stream: replaying output", "offset", s.offset, "length", seen)
	if err := s.drain(w, buf, seen); err != nil {
		return err
	}

	// Wait past seen rather than the delivered offset: a tail held back at
	// an unsafe cut must not wake the loop until more bytes arrive.
	s.state = StateLive
	for {
		wake, err := waitWithHeartbeat(ctx, s.opts.Heartbeat, w, func(ctx context.Context) (output.Wake, error) {
			return buf.Wait(ctx, seen)
		})
		if err != nil {
			return err
		}

		seen = buf.Len()
		if err := s.drain(w, buf, seen); err != nil {
			return err
		}
		if wake == output.WakeFinished {
			_, result := buf.Finished()
			log.Debug("stream: build finished", "offset", s.offset)
			return s.end(w, result)
		}
	}
}

// drain emits output events up to end, stopping early when the remaining
// bytes cannot be cut without splitting a CRLF pair or a UTF-8 sequence.
func (s *OutputSession) drain(w EventWriter, buf *output.Buffer, end int64) error {
	finished, _ := buf.Finished()
	final := finished && end == buf.Len()

	for s.offset < end {
		ok, err := s.emit(w, buf, end, final)
		if err != nil || !ok {
			return err
		}
	}
	return nil
}

func (s *OutputSession) emit(w EventWriter, buf *output.Buffer, end int64, final bool) (bool, error) {
	data, _, err := buf.Read(s.offset, s.opts.MaxChunk+utf8.UTFMax)
	if err != nil {
		return false, err
	}
	if avail := end - s.offset; int64(len(data)) > avail {
		data = data[:avail]
	}

	n := cutPoint(data, s.opts.MaxChunk, final && s.offset+int64(len(data)) == end)
	if n == 0 {
		return false, nil
	}

	next := s.offset + int64(n)
	if err := s.send(w, Event{
		Type: models.EventTypeOutput,
		ID:   strconv.FormatInt(next, 10),
		Data: data[:n],
	}); err != nil {
		return false, err
	}
	s.offset = next
	return true, nil
}

// cutPoint returns how many bytes of data to send in one event: at most max
// when a safe cut exists there, otherwise the nearest safe cut after it.
// atEnd means data runs to the end of a finished buffer. Zero means no safe
// cut is known yet.
func cutPoint(data []byte, max int, atEnd bool) int {
	if atEnd && len(data) <= max {
		return len(data)
	}
	n := max
	if n > len(data) {
		n = len(data)
	}
	for i := n; i > 0; i-- {
		if safeCut(data, i, atEnd) {
			return i
		}
	}
	for i := n + 1; i <= len(data); i++ {
		if safeCut(data, i, atEnd) {
			return i
		}
	}
	return 0
}

// safeCut reports whether an event may end after data[:n]. Clients split
// lines on CR, LF and CRLF, so a CR must travel with a following LF, and
// EventSource decodes each event as UTF-8 on its own.
func safeCut(data []byte, n int, atEnd bool) bool {
	if n == len(data) && atEnd {
		return true
	}
	if data[n-1] == '\r' && (n == len(data) || data[n] == '\n') {
		return false
	}

	start := n - 1
	for start > 0 && n-start < utf8.UTFMax && !utf8.RuneStart(data[start]) {
		start--
	}
	return utf8.FullRune(data[start:n])
}

func (s *OutputSession) end(w EventWriter, result string) error {
	return s.send(w, Event{
		Type: models.EventTypeEnd,
		ID:   strconv.FormatInt(s.offset, 10),
		Data: []byte(result),
	})
}

// fail reports a rejected offset to the client and returns the cause. The
// event id is the nearest valid offset, so a browser that reconnects on its
// own sends it back as Last-Event-ID instead of repeating the bad offset.
func (s *OutputSession) fail(w EventWriter, cause error, length int64) error {
	code, resume := "offset_out_of_range", length
	if errors.Is(cause, output.ErrOffsetInvalid) {
		code, resume = "offset_invalid", 0
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"error":   code,
		"message": cause.Error(),
		"offset":  s.offset,
		"length":  length,
		"resume":  resume,
	})
	ev := Event{
		Type: models.EventTypeOffsetError,
		ID:   strconv.FormatInt(resume, 10),
		Data: payload,
	}
	if err := s.send(w, ev); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *OutputSession) send(w EventWriter, ev Event) error {
	if err := w.WriteEvent(ev); err != nil {
		return err
	}
	s.opts.Metrics.EventSent(string(ev.Type))
	return nil
}
