package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lei/woodhouse/internal/hub"
	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/internal/status"
)

// StatusSession streams the job status board: the full table first, then
// sparse diffs. It only ends when the client goes away or the hub closes.
type StatusSession struct {
	hub   *hub.Hub
	sub   *status.Subscription
	state State
	opts  Options
}

// NewStatusSession subscribes to the hub's status table
func NewStatusSession(h *hub.Hub, opts Options) *StatusSession {
	return &StatusSession{
		hub:   h,
		sub:   h.Statuses().Subscribe(),
		state: StateInit,
		opts:  opts.withDefaults(),
	}
}

// State returns the session's lifecycle position
func (s *StatusSession) State() State {
	return s.state
}

// Version returns the status table version delivered so far
func (s *StatusSession) Version() uint64 {
	return s.sub.Version()
}

// Run writes a jobs event per diff batch until ctx is cancelled
func (s *StatusSession) Run(ctx context.Context, w EventWriter) error {
	defer func() { s.state = StateClosed }()

	reg, ctx, err := s.hub.Register(ctx, hub.StatusTarget())
	if err != nil {
		return err
	}
	defer reg.Release()

	s.state = StateLive
	for {
		diff, err := waitWithHeartbeat(ctx, s.opts.Heartbeat, w, s.sub.Next)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(diff)
		if err != nil {
			return fmt.Errorf("marshal job statuses: %w", err)
		}
		if err := w.WriteEvent(Event{
			Type: models.EventTypeJobs,
			ID:   fmt.Sprintf("%d", s.sub.Version()),
			Data: payload,
		}); err != nil {
			return err
		}
		s.opts.Metrics.EventSent(string(models.EventTypeJobs))
	}
}
