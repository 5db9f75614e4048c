// Package capture records microphone audio and chops it into
// self-contained Ogg/Opus slices at a fixed interval. One encoder
// instance serves a whole session, so the concatenation of emitted
// slices in sequence order is a valid chained Ogg stream.
package capture

import (
	"context"
	"fmt"
	"time"
)

const (
	SampleRate    = 48000
	Channels      = 1
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate / 50
)

// Slice is one capture interval's worth of encoded audio. Slices are
// never mutated after creation.
type Slice struct {
	Sequence   int
	CapturedAt time.Time
	Data       []byte
}

// Source produces a stream of slices from some audio device. Close
// releases the device; it is idempotent and safe to call on a source
// that was never opened.
type Source interface {
	Open(ctx context.Context) (<-chan Slice, error)
	Close() error
}

type Config struct {
	SliceInterval time.Duration
}

func (c Config) sliceInterval() time.Duration {
	if c.SliceInterval <= 0 {
		return time.Second
	}
	return c.SliceInterval
}

// DeviceError marks failures of the capture device itself: permission
// denied, no microphone, backend unavailable. Callers branch on it
// with errors.As to show recovery instructions instead of a generic
// failure.
type DeviceError struct {
	Reason string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture device: %s", e.Reason)
	}
	return fmt.Sprintf("capture device: %s: %v", e.Reason, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
