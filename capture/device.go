package capture

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"
	opus "gopkg.in/hraban/opus.v2"
)

// Microphone captures from the default system microphone via malgo.
// Open acquires the device, which may trigger an OS permission prompt;
// a denial surfaces as a DeviceError.
type Microphone struct {
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	pcm     chan []int16
	done    chan struct{}
	closed  bool
	opened  bool
	closeWG sync.WaitGroup
}

func NewMicrophone(cfg Config, logger *log.Logger) *Microphone {
	if logger == nil {
		logger = log.Default()
	}
	return &Microphone{cfg: cfg, logger: logger}
}

func (m *Microphone) Open(ctx context.Context) (<-chan Slice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return nil, &DeviceError{Reason: "device already open"}
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &DeviceError{Reason: "audio backend unavailable", Err: err}
	}

	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, &DeviceError{Reason: "opus encoder", Err: err}
	}

	m.pcm = make(chan []int16, 256)
	m.done = make(chan struct{})

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = Channels
	deviceCfg.SampleRate = SampleRate

	callbacks := malgo.DeviceCallbacks{Data: m.onData}
	device, err := malgo.InitDevice(mctx.Context, deviceCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, &DeviceError{
			Reason: "no capture device or permission denied",
			Err:    err,
		}
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, &DeviceError{Reason: "start capture", Err: err}
	}

	m.mctx = mctx
	m.device = device
	m.opened = true
	m.closed = false

	out := make(chan Slice, 16)
	encoder := NewSliceEncoder(enc, NewOggMux, m.logger)
	m.closeWG.Add(1)
	go m.slicer(ctx, encoder, out)

	m.logger.Info("capture open",
		"rate", SampleRate,
		"interval", m.cfg.sliceInterval())
	return out, nil
}

// slicer drains PCM from the device callback and seals a slice every
// interval. It owns the encoder and the output channel.
func (m *Microphone) slicer(ctx context.Context, enc *SliceEncoder, out chan<- Slice) {
	defer m.closeWG.Done()
	defer close(out)

	ticker := time.NewTicker(m.cfg.sliceInterval())
	defer ticker.Stop()

	flush := func() {
		slice, ok, err := enc.Flush(time.Now())
		if err != nil {
			m.logger.Error("flush slice", "error", err)
			return
		}
		if ok {
			out <- slice
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-m.done:
			// Drain whatever the callback delivered before the device
			// stopped, then emit the trailing partial slice.
			for {
				select {
				case samples := <-m.pcm:
					if err := enc.WritePCM(samples); err != nil {
						m.logger.Error("encode pcm", "error", err)
					}
				default:
					flush()
					return
				}
			}
		case samples := <-m.pcm:
			if err := enc.WritePCM(samples); err != nil {
				m.logger.Error("encode pcm", "error", err)
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close stops the device and releases the audio context. Safe to call
// repeatedly and on a microphone that was never opened.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.opened {
		m.closed = true
		return nil
	}
	m.closed = true

	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	close(m.done)
	m.mu.Unlock()
	m.closeWG.Wait()
	m.mu.Lock()

	if m.mctx != nil {
		_ = m.mctx.Uninit()
		m.mctx.Free()
		m.mctx = nil
	}
	m.opened = false
	m.logger.Info("capture closed")
	return nil
}

// onData runs on the audio thread. It must not block, so a full PCM
// queue drops samples with a warning rather than stalling the device.
func (m *Microphone) onData(_, sample []byte, frameCount uint32) {
	samples := make([]int16, 0, frameCount*Channels)
	for i := 0; i+1 < len(sample); i += 2 {
		samples = append(samples, int16(binary.LittleEndian.Uint16(sample[i:])))
	}
	select {
	case m.pcm <- samples:
	default:
		m.logger.Warn("pcm queue full, dropping frames", "count", frameCount)
	}
}
