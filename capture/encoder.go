package capture

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pion/randutil"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// OpusEncoder compresses one PCM frame into buf and reports the number
// of bytes written.
type OpusEncoder interface {
	Encode(pcm []int16, buf []byte) (int, error)
}

// OggMux writes Opus payloads into an Ogg container.
type OggMux interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// MuxFactory opens a fresh Ogg container over w. Each slice gets its
// own container so every slice is decodable on its own.
type MuxFactory func(w io.Writer) (OggMux, error)

func NewOggMux(w io.Writer) (OggMux, error) {
	mux, err := oggwriter.NewWith(w, SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}
	return mux, nil
}

// SliceEncoder turns raw PCM into Ogg/Opus slices. PCM arrives in
// arbitrary run lengths; complete 20 ms frames are encoded as they
// fill up and Flush seals the current container into a Slice. The RTP
// sequence and timestamp run continuously across slices, which keeps
// the concatenated stream's granule positions monotonic.
type SliceEncoder struct {
	enc    OpusEncoder
	newMux MuxFactory
	logger *log.Logger

	ssrc    uint32
	pending []int16
	buf     bytes.Buffer
	mux     OggMux
	frames  uint64
	seq     int
	scratch [1275]byte
}

func NewSliceEncoder(enc OpusEncoder, newMux MuxFactory, logger *log.Logger) *SliceEncoder {
	return &SliceEncoder{
		enc:    enc,
		newMux: newMux,
		logger: logger,
		ssrc:   randutil.NewMathRandomGenerator().Uint32(),
	}
}

// WritePCM buffers samples and encodes every complete frame into the
// current slice.
func (e *SliceEncoder) WritePCM(samples []int16) error {
	e.pending = append(e.pending, samples...)
	for len(e.pending) >= FrameSamples {
		frame := e.pending[:FrameSamples]
		e.pending = e.pending[FrameSamples:]
		if err := e.writeFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// Flush seals the current container and returns it as a slice. The
// second return is false when no frames were written since the last
// flush. Partial trailing PCM stays pending for the next slice.
func (e *SliceEncoder) Flush(capturedAt time.Time) (Slice, bool, error) {
	if e.mux == nil {
		return Slice{}, false, nil
	}
	if err := e.mux.Close(); err != nil {
		return Slice{}, false, fmt.Errorf("close ogg container: %w", err)
	}
	e.mux = nil

	data := make([]byte, e.buf.Len())
	copy(data, e.buf.Bytes())
	e.buf.Reset()

	slice := Slice{
		Sequence:   e.seq,
		CapturedAt: capturedAt,
		Data:       data,
	}
	e.seq++
	e.logger.Debug("slice", "seq", slice.Sequence, "bytes", len(data))
	return slice, true, nil
}

func (e *SliceEncoder) writeFrame(frame []int16) error {
	if e.mux == nil {
		mux, err := e.newMux(&e.buf)
		if err != nil {
			return err
		}
		e.mux = mux
	}

	n, err := e.enc.Encode(frame, e.scratch[:])
	if err != nil {
		return fmt.Errorf("encode opus frame: %w", err)
	}

	e.frames++
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0x78,
			SequenceNumber: uint16(e.frames),
			Timestamp:      uint32(e.frames * FrameSamples),
			SSRC:           e.ssrc,
		},
		Payload: append([]byte(nil), e.scratch[:n]...),
	}
	if err := e.mux.WriteRTP(packet); err != nil {
		return fmt.Errorf("write opus frame: %w", err)
	}
	return nil
}
