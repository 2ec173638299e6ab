// Package hub owns the live state the stream sessions read from: every
// build's output buffer, the job status table, and the set of sessions
// currently attached to them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lei/woodhouse/internal/metrics"
	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/internal/output"
	"github.com/lei/woodhouse/internal/status"
	"github.com/lei/woodhouse/pkg/logger"
)

var (
	// ErrUnknownJob indicates the job was never registered
	ErrUnknownJob = status.ErrUnknownJob
	// ErrUnknownBuild indicates the job has no build with that number
	ErrUnknownBuild = errors.New("unknown build")
	// ErrClosed indicates the hub no longer accepts sessions
	ErrClosed = errors.New("hub closed")
)

// Target kinds
const (
	KindStatus = "status"
	KindOutput = "output"
)

// Target identifies what a stream session is subscribed to
type Target struct {
	Kind   string
	JobID  string
	Number int
}

// StatusTarget is the job status board
func StatusTarget() Target {
	return Target{Kind: KindStatus}
}

// BuildTarget is the output of one build
func BuildTarget(jobID string, number int) Target {
	return Target{Kind: KindOutput, JobID: jobID, Number: number}
}

func (t Target) String() string {
	if t.Kind == KindStatus {
		return KindStatus
	}
	return fmt.Sprintf("%s:%s/%d", t.Kind, t.JobID, t.Number)
}

// Build is one execution of a job and its output log
type Build struct {
	JobID     string
	Number    int
	CreatedAt time.Time

	// Output has a single writer. A second concurrent writer gets
	// output.ErrWriterConflict back and must report it itself.
	Output *output.Buffer

	mu     sync.RWMutex
	status models.Status
}

// Status returns the build's own status
func (b *Build) Status() models.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Snapshot converts the build to its API representation
func (b *Build) Snapshot() *models.Build {
	finished, result := b.Output.Finished()
	snap := &models.Build{
		JobID:        b.JobID,
		Number:       b.Number,
		Status:       b.Status(),
		Finished:     finished,
		Result:       result,
		OutputLength: b.Output.Len(),
		CreatedAt:    b.CreatedAt,
	}
	if finished {
		at := b.Output.FinishedAt()
		snap.FinishedAt = &at
	}
	return snap
}

type jobBuilds struct {
	next   int
	builds []*Build // ascending by number
}

// Registration is a stream session's claim on a target. Releasing it cancels
// the context handed out by Register.
type Registration struct {
	ID        uuid.UUID
	Target    Target
	StartedAt time.Time

	hub    *Hub
	cancel context.CancelFunc
	once   sync.Once
}

// Release detaches the session. It is safe to call more than once.
func (r *Registration) Release() {
	r.once.Do(func() {
		r.cancel()

		r.hub.mu.Lock()
		delete(r.hub.sessions, r.ID)
		r.hub.mu.Unlock()

		r.hub.metrics.SessionClosed(r.Target.Kind)
		r.hub.logger.Debug("hub: session released",
			"session_id", r.ID,
			"target", r.Target.String(),
			"duration_ms", time.Since(r.StartedAt).Milliseconds())
	})
}

// Hub is the registry of builds, job statuses and attached sessions
type Hub struct {
	mu       sync.RWMutex
	statuses *status.Table
	jobs     map[string]*jobBuilds
	sessions map[uuid.UUID]*Registration
	closed   bool

	metrics *metrics.Metrics
	logger  *logger.Logger
}

// New creates an empty hub. m may be nil.
func New(log *logger.Logger, m *metrics.Metrics) *Hub {
	statuses := status.NewTable()
	statuses.OnChange(func(string, models.Status) {
		m.StatusUpdated()
	})

	return &Hub{
		statuses: statuses,
		jobs:     make(map[string]*jobBuilds),
		sessions: make(map[uuid.UUID]*Registration),
		metrics:  m,
		logger:   log,
	}
}

// Statuses returns the job status table
func (h *Hub) Statuses() *status.Table {
	return h.statuses
}

// RegisterJob makes a job known to the hub with status pending
func (h *Hub) RegisterJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.jobs[jobID]; !ok {
		h.jobs[jobID] = &jobBuilds{next: 1}
	}
	h.statuses.Register(jobID)
}

// CreateBuild allocates the job's next build with an empty output buffer.
// The build and the job both become pending.
func (h *Hub) CreateBuild(jobID string) (*Build, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	jb, ok := h.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}

	b := &Build{
		JobID:     jobID,
		Number:    jb.next,
		CreatedAt: time.Now(),
		Output:    output.NewBuffer(),
		status:    models.StatusPending,
	}
	jb.next++
	jb.builds = append(jb.builds, b)
	h.statuses.Set(jobID, models.StatusPending)

	h.logger.Debug("hub: build created", "job_id", jobID, "build", b.Number)
	return b, nil
}

// Build looks up a build by job and number
func (h *Hub) Build(jobID string, number int) (*Build, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	jb, ok := h.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}

	i := sort.Search(len(jb.builds), func(i int) bool {
		return jb.builds[i].Number >= number
	})
	if i == len(jb.builds) || jb.builds[i].Number != number {
		return nil, ErrUnknownBuild
	}
	return jb.builds[i], nil
}

// LatestBuild returns the job's most recent build
func (h *Hub) LatestBuild(jobID string) (*Build, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	jb, ok := h.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}
	if len(jb.builds) == 0 {
		return nil, ErrUnknownBuild
	}
	return jb.builds[len(jb.builds)-1], nil
}

// Builds returns the job's retained builds, newest first
func (h *Hub) Builds(jobID string) ([]*Build, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	jb, ok := h.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}

	builds := make([]*Build, 0, len(jb.builds))
	for i := len(jb.builds) - 1; i >= 0; i-- {
		builds = append(builds, jb.builds[i])
	}
	return builds, nil
}

// SetBuildStatus records a build's status. The job's board status follows
// only its latest build, so a stale build finishing late cannot overwrite
// the state of a newer one.
func (h *Hub) SetBuildStatus(b *Build, st models.Status) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	b.mu.Lock()
	b.status = st
	b.mu.Unlock()

	jb, ok := h.jobs[b.JobID]
	if !ok || len(jb.builds) == 0 || jb.builds[len(jb.builds)-1] != b {
		return
	}
	h.statuses.Set(b.JobID, st)
}

// Register attaches a stream session to target. The returned context is
// cancelled when the registration is released or the hub closes.
func (h *Hub) Register(ctx context.Context, target Target) (*Registration, context.Context, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	reg := &Registration{
		ID:        uuid.New(),
		Target:    target,
		StartedAt: time.Now(),
		hub:       h,
		cancel:    cancel,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, nil, ErrClosed
	}
	h.sessions[reg.ID] = reg
	h.mu.Unlock()

	h.metrics.SessionOpened(target.Kind)
	h.logger.Debug("hub: session registered", "session_id", reg.ID, "target", target.String())
	return reg, sessionCtx, nil
}

// Sessions returns the number of attached sessions
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// SessionsFor returns the number of sessions attached to target
func (h *Hub) SessionsFor(target Target) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, reg := range h.sessions {
		if reg.Target == target {
			n++
		}
	}
	return n
}

// Sweep forgets finished builds that finished before now-maxAge. The newest
// keep builds of each job and any build with an attached session survive.
// It returns the number of builds removed.
func (h *Hub) Sweep(now time.Time, maxAge time.Duration, keep int) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	watched := make(map[Target]bool, len(h.sessions))
	for _, reg := range h.sessions {
		watched[reg.Target] = true
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for jobID, jb := range h.jobs {
		limit := len(jb.builds) - keep
		kept := jb.builds[:0]
		for i, b := range jb.builds {
			if i < limit && !watched[BuildTarget(jobID, b.Number)] {
				finished, _ := b.Output.Finished()
				if finished && b.Output.FinishedAt().Before(cutoff) {
					removed++
					continue
				}
			}
			kept = append(kept, b)
		}
		for i := len(kept); i < len(jb.builds); i++ {
			jb.builds[i] = nil
		}
		jb.builds = kept
	}

	if removed > 0 {
		h.logger.Info("hub: swept finished builds", "removed", removed)
	}
	return removed
}

// Close stops accepting sessions and releases every attached one
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	regs := make([]*Registration, 0, len(h.sessions))
	for _, reg := range h.sessions {
		regs = append(regs, reg)
	}
	h.mu.Unlock()

	for _, reg := range regs {
		reg.Release()
	}
	h.logger.Info("hub: closed", "released_sessions", len(regs))
}
