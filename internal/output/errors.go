package output

import "errors"

var (
	// ErrOffsetInvalid indicates a negative read offset
	ErrOffsetInvalid = errors.New("offset invalid")

	// ErrOffsetOutOfRange indicates a read offset past the write cursor
	ErrOffsetOutOfRange = errors.New("offset out of range")

	// ErrWriterConflict indicates two writers appended to the same buffer concurrently
	ErrWriterConflict = errors.New("concurrent writer on output buffer")

	// ErrFinished indicates an append after the buffer was marked finished
	ErrFinished = errors.New("output buffer already finished")

	// ErrAlreadyFinished indicates MarkFinished was called more than once
	ErrAlreadyFinished = errors.New("output buffer finished twice")
)
