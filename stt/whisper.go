package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/beingfastian/APD-Listener-Tool/transcribe"
)

const (
	// A window must hold this much audio before the first interim
	// result; shorter fragments mostly cut words in half.
	whisperMinInterim = time.Second

	// A window this long is transcribed once more and closed as final.
	whisperWindow = 2 * time.Second
)

// WhisperEngine approximates live recognition by re-transcribing an
// accumulating window of slices with a batch transcriber. An open
// window yields a partial for its last slice; a window past the close
// threshold yields a final and starts fresh.
type WhisperEngine struct {
	transcriber transcribe.Transcriber
	logger      *log.Logger
}

func NewWhisperEngine(transcriber transcribe.Transcriber, logger *log.Logger) *WhisperEngine {
	if logger == nil {
		logger = log.Default()
	}
	return &WhisperEngine{transcriber: transcriber, logger: logger}
}

func (e *WhisperEngine) Start(ctx context.Context, cfg Config) (Session, error) {
	interval := cfg.SliceInterval
	if interval <= 0 {
		interval = time.Second
	}
	s := &whisperSession{
		transcriber: e.transcriber,
		logger:      e.logger,
		interval:    interval,
		in:          make(chan inputSlice, 32),
		results:     make(chan Result, 32),
		done:        make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

type inputSlice struct {
	sequence int
	data     []byte
}

type whisperSession struct {
	transcriber transcribe.Transcriber
	logger      *log.Logger
	interval    time.Duration

	in      chan inputSlice
	results chan Result
	done    chan struct{}

	stopOnce sync.Once
	stopped  bool
	mu       sync.Mutex
}

// SendSlice holds mu across the send so Stop cannot close the input
// channel between the stopped check and the send itself.
func (s *whisperSession) SendSlice(sequence int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("recognition session stopped")
	}
	select {
	case s.in <- inputSlice{sequence: sequence, data: data}:
		return nil
	case <-s.done:
		return errors.New("recognition session stopped")
	}
}

func (s *whisperSession) Results() <-chan Result {
	return s.results
}

func (s *whisperSession) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		close(s.in)
		s.mu.Unlock()
	})
	<-s.done
	return nil
}

func (s *whisperSession) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.results)

	var window bytes.Buffer
	var windowDur time.Duration
	lastSeq := -1

	flush := func(isFinal bool) {
		if window.Len() == 0 {
			return
		}
		text, err := s.transcriber.Transcribe(
			ctx,
			fmt.Sprintf("window_%d.ogg", lastSeq),
			bytes.NewReader(window.Bytes()),
		)
		if err != nil {
			// A bad window must not kill the preview stream.
			s.logger.Warn("window transcription failed", "error", err)
			if !isFinal {
				return
			}
			text = ""
		}
		if text != "" || isFinal {
			s.results <- Result{SliceIndex: lastSeq, Text: text, IsFinal: isFinal}
		}
		if isFinal {
			window.Reset()
			windowDur = 0
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case slice, ok := <-s.in:
			if !ok {
				// Stop: whatever is left becomes the closing final.
				flush(true)
				return
			}
			window.Write(slice.data)
			windowDur += s.interval
			lastSeq = slice.sequence

			switch {
			case windowDur >= whisperWindow:
				flush(true)
			case windowDur >= whisperMinInterim:
				flush(false)
			}
		}
	}
}
