// Package output holds the append-only log a build writes its output into.
//
// A Buffer has exactly one writer (the executor running the build) and any
// number of readers tailing it. Readers track their own byte offset, so a
// client that reconnects can resume from the last offset it received.
package output

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Wake reports why Wait returned
type Wake int

const (
	// WakeData means bytes exist past the offset passed to Wait
	WakeData Wake = iota + 1
	// WakeFinished means the buffer is finished and the offset is at its end
	WakeFinished
)

func (w Wake) String() string {
	switch w {
	case WakeData:
		return "data"
	case WakeFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Buffer is a single-writer, multi-reader append-only byte log.
//
// Waiters are woken by closing a channel that is replaced on every append
// and on MarkFinished, so no reader ever polls.
type Buffer struct {
	mu         sync.RWMutex
	data       []byte
	finished   bool
	result     string
	finishedAt time.Time
	changed    chan struct{}

	// writing guards the single-writer contract
	writing atomic.Bool
}

// NewBuffer creates an empty, unfinished buffer
func NewBuffer() *Buffer {
	return &Buffer{
		changed: make(chan struct{}),
	}
}

// Append extends the buffer and wakes every waiter.
func (b *Buffer) Append(p []byte) error {
	if !b.writing.CompareAndSwap(false, true) {
		return ErrWriterConflict
	}
	defer b.writing.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return ErrFinished
	}
	if len(p) == 0 {
		return nil
	}

	b.data = append(b.data, p...)
	b.broadcastLocked()
	return nil
}

// Write implements io.Writer so a build process can write straight into the buffer
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns the bytes starting at from, at most max of them (max <= 0
// means everything available), and the offset just past the returned bytes.
//
// The returned slice aliases the buffer and must not be modified.
func (b *Buffer) Read(from int64, max int) ([]byte, int64, error) {
	if from < 0 {
		return nil, from, ErrOffsetInvalid
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	length := int64(len(b.data))
	if from > length {
		return nil, from, ErrOffsetOutOfRange
	}

	end := length
	if max > 0 && end-from > int64(max) {
		end = from + int64(max)
	}

	// Cap the slice so a caller appending to it can never write into the log.
	return b.data[from:end:end], end, nil
}

// MarkFinished records the build result and wakes every waiter one last time.
// Bytes appended before this call are visible to any reader that observes the
// finished flag.
func (b *Buffer) MarkFinished(result string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return ErrAlreadyFinished
	}

	b.finished = true
	b.result = result
	b.finishedAt = time.Now()
	b.broadcastLocked()
	return nil
}

// Wait blocks until bytes exist past since, the buffer is finished, or ctx is
// done. Pending data is always reported before the finished state, so a
// reader that sees WakeFinished has already been offered every byte.
func (b *Buffer) Wait(ctx context.Context, since int64) (Wake, error) {
	for {
		b.mu.RLock()
		switch {
		case int64(len(b.data)) > since:
			b.mu.RUnlock()
			return WakeData, nil
		case b.finished:
			b.mu.RUnlock()
			return WakeFinished, nil
		}
		changed := b.changed
		b.mu.RUnlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Len returns the current write cursor
func (b *Buffer) Len() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

// Finished reports whether the buffer is finished and, if so, the result text
func (b *Buffer) Finished() (bool, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.finished, b.result
}

// FinishedAt returns when MarkFinished was called, or the zero time
func (b *Buffer) FinishedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.finishedAt
}

func (b *Buffer) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
