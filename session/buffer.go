package session

import (
	"time"

	"github.com/beingfastian/APD-Listener-Tool/capture"
)

// SliceBuffer is the append-only local recording. It is authoritative
// for save: the channel only serves the live preview, so the buffer's
// contents are independent of network health. The full recording is
// the concatenation of the slices in sequence order.
type SliceBuffer struct {
	slices []capture.Slice
	bytes  int
}

func (b *SliceBuffer) Append(slice capture.Slice) {
	b.slices = append(b.slices, slice)
	b.bytes += len(slice.Data)
}

// Concat returns the full recording.
func (b *SliceBuffer) Concat() []byte {
	out := make([]byte, 0, b.bytes)
	for _, slice := range b.slices {
		out = append(out, slice.Data...)
	}
	return out
}

func (b *SliceBuffer) Count() int {
	return len(b.slices)
}

func (b *SliceBuffer) Bytes() int {
	return b.bytes
}

// LastSequence is -1 for an empty buffer.
func (b *SliceBuffer) LastSequence() int {
	if len(b.slices) == 0 {
		return -1
	}
	return b.slices[len(b.slices)-1].Sequence
}

// Duration estimates captured audio length from the slice interval.
func (b *SliceBuffer) Duration(sliceInterval time.Duration) time.Duration {
	return time.Duration(len(b.slices)) * sliceInterval
}

func (b *SliceBuffer) Reset() {
	b.slices = nil
	b.bytes = 0
}
