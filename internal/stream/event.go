// Package stream turns output buffers and the status table into framed event
// sequences, one session per client connection.
package stream

import (
	"context"
	"time"

	"github.com/lei/woodhouse/internal/metrics"
	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/pkg/logger"
)

// DefaultMaxChunk caps the payload of a single output event
const DefaultMaxChunk = 32 * 1024

// Event is one named message on a stream
type Event struct {
	Type models.EventType
	// ID is the resume token; for output streams it is the byte offset
	// just past this event's payload.
	ID   string
	Data []byte
}

// EventWriter delivers events to a client connection
type EventWriter interface {
	WriteEvent(ev Event) error
	// Heartbeat writes a no-op that keeps idle connections open
	Heartbeat() error
}

// Options configure a session
type Options struct {
	// MaxChunk caps the bytes per output event; <= 0 uses DefaultMaxChunk
	MaxChunk int
	// Heartbeat is the idle interval between keep-alives; <= 0 disables them
	Heartbeat time.Duration

	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxChunk <= 0 {
		o.MaxChunk = DefaultMaxChunk
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	return o
}

// State is a session's lifecycle position
type State int

const (
	StateInit State = iota
	StateReplaying
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// waitWithHeartbeat runs a blocking wait, writing a heartbeat each time the
// connection has been idle for interval.
func waitWithHeartbeat[T any](ctx context.Context, interval time.Duration, w EventWriter, wait func(context.Context) (T, error)) (T, error) {
	if interval <= 0 {
		return wait(ctx)
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, interval)
		v, err := wait(waitCtx)
		cancel()
		if err == nil {
			return v, nil
		}

		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if waitCtx.Err() == nil {
			return zero, err
		}
		if err := w.Heartbeat(); err != nil {
			return zero, err
		}
	}
}
