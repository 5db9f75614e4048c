package capture

import (
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
)

type MockOpusEncoder struct {
	Frames int
}

func (m *MockOpusEncoder) Encode(pcm []int16, buf []byte) (int, error) {
	m.Frames++
	buf[0] = byte(m.Frames)
	buf[1] = byte(len(pcm))
	return 2, nil
}

type MockOggMux struct {
	writer  io.Writer
	Packets []MockRTPPacket
	Closed  bool
}

type MockRTPPacket struct {
	SequenceNumber uint16
	Timestamp      uint32
	Payload        []byte
}

func (m *MockOggMux) WriteRTP(packet *rtp.Packet) error {
	m.Packets = append(m.Packets, MockRTPPacket{
		SequenceNumber: packet.SequenceNumber,
		Timestamp:      packet.Timestamp,
		Payload:        packet.Payload,
	})
	// One byte per frame so slice payload sizes are observable.
	_, err := m.writer.Write([]byte{byte(packet.SequenceNumber)})
	return err
}

func (m *MockOggMux) Close() error {
	m.Closed = true
	return nil
}

func newTestEncoder() (*SliceEncoder, *MockOpusEncoder, *[]*MockOggMux) {
	opus := &MockOpusEncoder{}
	muxes := &[]*MockOggMux{}
	factory := func(w io.Writer) (OggMux, error) {
		mux := &MockOggMux{writer: w}
		*muxes = append(*muxes, mux)
		return mux, nil
	}
	return NewSliceEncoder(opus, factory, log.Default()), opus, muxes
}

func TestSliceEncoderFramesAndSequence(t *testing.T) {
	enc, opus, muxes := newTestEncoder()

	// Three full frames plus half a frame of PCM.
	pcm := make([]int16, FrameSamples*3+FrameSamples/2)
	if err := enc.WritePCM(pcm); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}

	if opus.Frames != 3 {
		t.Errorf("expected 3 encoded frames, got %d", opus.Frames)
	}

	slice, ok, err := enc.Flush(time.Now())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !ok {
		t.Fatal("expected a slice from Flush")
	}
	if slice.Sequence != 0 {
		t.Errorf("expected first slice sequence 0, got %d", slice.Sequence)
	}
	if len(slice.Data) != 3 {
		t.Errorf("expected 3 frame bytes in slice, got %d", len(slice.Data))
	}
	if !(*muxes)[0].Closed {
		t.Error("container not closed on flush")
	}

	// The pending half frame plus another half frame completes one frame
	// in a fresh container.
	if err := enc.WritePCM(make([]int16, FrameSamples/2)); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	slice, ok, err = enc.Flush(time.Now())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !ok {
		t.Fatal("expected a second slice")
	}
	if slice.Sequence != 1 {
		t.Errorf("expected slice sequence 1, got %d", slice.Sequence)
	}
	if len(*muxes) != 2 {
		t.Fatalf("expected a fresh container per slice, got %d", len(*muxes))
	}

	// RTP sequence keeps counting across slices.
	second := (*muxes)[1].Packets
	if len(second) != 1 || second[0].SequenceNumber != 4 {
		t.Errorf("expected continued frame sequence 4, got %+v", second)
	}
	if second[0].Timestamp != uint32(4*FrameSamples) {
		t.Errorf("expected continued timestamp, got %d", second[0].Timestamp)
	}
}

func TestSliceEncoderFlushEmpty(t *testing.T) {
	enc, _, _ := newTestEncoder()

	_, ok, err := enc.Flush(time.Now())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if ok {
		t.Error("expected no slice when nothing was written")
	}

	// Pending PCM below one frame does not open a container either.
	if err := enc.WritePCM(make([]int16, FrameSamples-1)); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	_, ok, err = enc.Flush(time.Now())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if ok {
		t.Error("expected no slice for a partial frame")
	}
}
