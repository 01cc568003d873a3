package chat

import "errors"

var (
	// ErrCompactionRunning is returned when a compaction is started for a
	// session that already has one running.
	ErrCompactionRunning = errors.New("compaction already running for session")

	// ErrNothingToCompact is returned when the session history is too short
	// to compact.
	ErrNothingToCompact = errors.New("nothing to compact")

	// ErrPaintNotSupported is returned by adapters without image generation.
	ErrPaintNotSupported = errors.New("model does not support image generation")
)
