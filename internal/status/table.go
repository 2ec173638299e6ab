// Package status keeps the current status of every job and lets any number
// of watchers pull the changes as sparse diffs.
package status

import (
	"context"
	"errors"
	"sync"

	"github.com/lei/woodhouse/internal/models"
)

// ErrUnknownJob indicates the job has no entry in the table
var ErrUnknownJob = errors.New("unknown job")

type entry struct {
	status  models.Status
	version uint64
}

// Table maps job IDs to their current status.
//
// Every Set that changes a value bumps a table-wide version and stamps the
// key with it, which makes the table its own changelog: a subscriber only
// needs the version it last consumed to compute its next diff.
type Table struct {
	mu      sync.RWMutex
	entries map[string]entry
	version uint64
	changed chan struct{}

	// onChange is called after every effective Set, outside the lock
	onChange func(jobID string, st models.Status)
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{
		entries: make(map[string]entry),
		changed: make(chan struct{}),
	}
}

// OnChange installs a hook called after every effective Set
func (t *Table) OnChange(fn func(jobID string, st models.Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Register adds a job as pending if it is not already present
func (t *Table) Register(jobID string) {
	t.mu.Lock()
	if _, ok := t.entries[jobID]; ok {
		t.mu.Unlock()
		return
	}
	t.version++
	t.entries[jobID] = entry{status: models.StatusPending, version: t.version}
	t.broadcastLocked()
	t.mu.Unlock()
}

// Get returns the current status of a job
func (t *Table) Get(jobID string) (models.Status, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[jobID]
	if !ok {
		return "", ErrUnknownJob
	}
	return e.status, nil
}

// GetAll returns a snapshot of every job's status
func (t *Table) GetAll() map[string]models.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]models.Status, len(t.entries))
	for id, e := range t.entries {
		snapshot[id] = e.status
	}
	return snapshot
}

// Set records a job's status. Setting the current value is a no-op.
func (t *Table) Set(jobID string, st models.Status) {
	t.mu.Lock()
	if e, ok := t.entries[jobID]; ok && e.status == st {
		t.mu.Unlock()
		return
	}
	t.version++
	t.entries[jobID] = entry{status: st, version: t.version}
	t.broadcastLocked()
	hook := t.onChange
	t.mu.Unlock()

	if hook != nil {
		hook(jobID, st)
	}
}

// Version returns the version of the most recent change
func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Subscribe starts a diff subscription at the current state of the table
func (t *Table) Subscribe() *Subscription {
	return &Subscription{table: t}
}

func (t *Table) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Subscription yields the table's changes since the previous call to Next.
// It is not safe for concurrent use; each stream session owns one.
type Subscription struct {
	table   *Table
	version uint64
	primed  bool
}

// Next returns the full snapshot on its first call. Later calls block until
// at least one job changed and return only those jobs with their latest
// status.
func (s *Subscription) Next(ctx context.Context) (map[string]models.Status, error) {
	t := s.table
	for {
		t.mu.RLock()
		if !s.primed {
			snapshot := make(map[string]models.Status, len(t.entries))
			for id, e := range t.entries {
				snapshot[id] = e.status
			}
			s.version = t.version
			s.primed = true
			t.mu.RUnlock()
			return snapshot, nil
		}

		if t.version > s.version {
			diff := make(map[string]models.Status)
			for id, e := range t.entries {
				if e.version > s.version {
					diff[id] = e.status
				}
			}
			s.version = t.version
			t.mu.RUnlock()
			return diff, nil
		}

		changed := t.changed
		t.mu.RUnlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Version returns the table version this subscription has consumed up to
func (s *Subscription) Version() uint64 {
	return s.version
}
