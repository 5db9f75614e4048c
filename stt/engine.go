// Package stt provides the live-preview transcription engines. A live
// engine receives the session's audio slices as they arrive and emits
// interim and final text fragments. The preview is explicitly lossy;
// the authoritative transcript comes from the finalization pipeline.
package stt

import (
	"context"
	"time"
)

// Result is one recognition fragment. A partial result supersedes the
// previous partial and carries no durability; a final result will not
// change.
type Result struct {
	SliceIndex int
	Text       string
	IsFinal    bool
}

type Config struct {
	SampleRateHz  int
	Channels      int
	SliceInterval time.Duration
}

// Session is one live recognition stream. SendSlice delivers slices in
// sequence order; Results yields fragments in recognition order. Stop
// flushes any remaining audio, after which Results is closed.
type Session interface {
	SendSlice(sequence int, data []byte) error
	Results() <-chan Result
	Stop() error
}

// Engine starts live recognition sessions. Which engine runs is
// configuration, not architecture.
type Engine interface {
	Start(ctx context.Context, cfg Config) (Session, error)
}
