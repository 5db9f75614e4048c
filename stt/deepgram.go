package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
)

// DeepgramEngine streams slices to Deepgram's live recognition socket
// and relays its interim and final results.
type DeepgramEngine struct {
	token  string
	logger *log.Logger
}

func NewDeepgramEngine(token string, logger *log.Logger) (*DeepgramEngine, error) {
	if token == "" {
		return nil, fmt.Errorf("deepgram api key is empty")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DeepgramEngine{token: token, logger: logger}, nil
}

func (e *DeepgramEngine) Start(ctx context.Context, cfg Config) (Session, error) {
	cOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          "nova-2",
		Language:       "en-US",
		Punctuate:      true,
		Channels:       cfg.Channels,
		SampleRate:     cfg.SampleRateHz,
		SmartFormat:    true,
		InterimResults: true,
	}

	session := &deepgramSession{
		logger:      e.logger,
		results:     make(chan Result, 32),
		audioBuffer: make(chan []byte, 100),
	}

	client, err := listen.NewWebSocket(ctx, e.token, cOptions, tOptions, session)
	if err != nil {
		return nil, fmt.Errorf("create live recognition connection: %w", err)
	}
	session.client = client

	go session.client.Connect()

	return session, nil
}

type deepgramSession struct {
	client      *listen.LiveClient
	logger      *log.Logger
	results     chan Result
	audioBuffer chan []byte

	lastSequence atomic.Int64
	stopOnce     sync.Once
	closeOnce    sync.Once

	// mu orders channel sends against the closes in Stop and
	// closeResults; results arriving after that are dropped, since
	// both the SDK callbacks and the audio producer outlive Stop.
	mu      sync.Mutex
	stopped bool
}

func (s *deepgramSession) SendSlice(sequence int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("recognition session stopped")
	}
	s.lastSequence.Store(int64(sequence))
	select {
	case s.audioBuffer <- data:
		return nil
	default:
		return fmt.Errorf("audio buffer full")
	}
}

func (s *deepgramSession) Results() <-chan Result {
	return s.results
}

func (s *deepgramSession) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		close(s.audioBuffer)
		s.mu.Unlock()
		if s.client != nil {
			s.client.Stop()
		}
		s.closeResults()
	})
	return nil
}

func (s *deepgramSession) closeResults() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.results)
	})
}

// Open is called by the SDK once the socket is up; audio queued before
// that point starts draining here.
func (s *deepgramSession) Open(ocr *api.OpenResponse) error {
	s.logger.Info("live recognition open", "engine", "deepgram")
	go func() {
		for data := range s.audioBuffer {
			if err := s.client.WriteBinary(data); err != nil {
				s.logger.Error("write audio", "error", err)
			}
		}
	}()
	return nil
}

func (s *deepgramSession) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if len(transcript) == 0 {
		return nil
	}

	result := Result{
		SliceIndex: int(s.lastSequence.Load()),
		Text:       transcript,
		IsFinal:    mr.IsFinal,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	select {
	case s.results <- result:
	default:
		s.logger.Warn("result dropped, consumer behind", "slice", result.SliceIndex)
	}
	return nil
}

func (s *deepgramSession) Close(ocr *api.CloseResponse) error {
	s.logger.Info("live recognition closed", "reason", ocr.Type)
	s.closeResults()
	return nil
}

func (s *deepgramSession) Metadata(md *api.MetadataResponse) error {
	s.logger.Debug("metadata", "request_id", md.RequestID)
	return nil
}

func (s *deepgramSession) SpeechStarted(ssr *api.SpeechStartedResponse) error {
	s.logger.Debug("speech start", "timestamp", ssr.Timestamp)
	return nil
}

func (s *deepgramSession) UtteranceEnd(ur *api.UtteranceEndResponse) error {
	s.logger.Debug("utterance end", "timestamp", ur.LastWordEnd)
	return nil
}

func (s *deepgramSession) Error(er *api.ErrorResponse) error {
	s.logger.Error("live recognition error",
		"type", er.Type, "description", er.Description)
	return nil
}

func (s *deepgramSession) UnhandledEvent(byData []byte) error {
	s.logger.Warn("unhandled event", "data", string(byData))
	return nil
}
