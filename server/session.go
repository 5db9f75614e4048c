package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/beingfastian/APD-Listener-Tool/etc"
	"github.com/beingfastian/APD-Listener-Tool/pipeline"
	"github.com/beingfastian/APD-Listener-Tool/session"
	"github.com/beingfastian/APD-Listener-Tool/stt"
	"github.com/beingfastian/APD-Listener-Tool/wire"
)

const (
	sessionReadLimit  = 1 << 22
	sessionIdleWindow = 5 * time.Minute
)

// liveSession is the server half of one websocket recording session.
// The read loop owns all session state; only writes are shared, behind
// a mutex, because transcription results arrive on their own
// goroutine.
type liveSession struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *log.Logger

	writeMu sync.Mutex

	slices     [][]byte
	audioBytes int
	reconciler session.Reconciler
	recognizer stt.Session
	forwarded  chan struct{}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(sessionReadLimit)

	ls := &liveSession{
		id:     etc.NewFreshID(),
		conn:   conn,
		server: s,
	}
	ls.logger = s.logger.With("session", ls.id)
	ls.run(r.Context())
}

func (ls *liveSession) run(ctx context.Context) {
	cfg, err := ls.awaitConfig()
	if err != nil {
		ls.logger.Warn("session rejected", "error", err)
		ls.sendError(wire.CodeMalformedAudio, "", err.Error())
		return
	}

	if ls.server.live == nil {
		ls.sendError(wire.CodeMissingCredentials, "",
			"no live transcription engine configured")
		return
	}

	recognizer, err := ls.server.live.Start(ctx, cfg)
	if err != nil {
		ls.logger.Error("start live recognition", "error", err)
		ls.sendError(wire.CodeInternal, "", "live transcription unavailable")
		return
	}
	ls.recognizer = recognizer
	ls.forwarded = make(chan struct{})
	go ls.forwardResults()
	defer func() {
		_ = ls.recognizer.Stop()
		<-ls.forwarded
	}()

	if err := ls.send(wire.ConfigAck(ls.id)); err != nil {
		return
	}
	ls.logger.Info("session started",
		"sampleRate", cfg.SampleRateHz, "sliceInterval", cfg.SliceInterval)

	ls.readLoop(ctx)
}

// forwardResults relays recognition fragments to the client and folds
// them into the server-side transcript used as the finalization hint.
func (ls *liveSession) forwardResults() {
	defer close(ls.forwarded)
	for result := range ls.recognizer.Results() {
		ls.reconciler.Apply(result.SliceIndex, result.Text, result.IsFinal)
		if err := ls.send(wire.Transcription(
			result.SliceIndex, result.Text, result.IsFinal)); err != nil {
			ls.logger.Debug("transcription frame not delivered", "error", err)
		}
	}
}

func (ls *liveSession) awaitConfig() (stt.Config, error) {
	if err := ls.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return stt.Config{}, err
	}
	kind, data, err := ls.conn.ReadMessage()
	if err != nil {
		return stt.Config{}, err
	}
	if kind != websocket.TextMessage {
		return stt.Config{}, errors.New("expected a config frame first")
	}
	msg, err := wire.ParseClient(data)
	if err != nil {
		return stt.Config{}, err
	}
	if msg.Type != wire.TypeConfig {
		return stt.Config{}, errors.New("expected a config frame first")
	}
	if msg.SampleRateHz <= 0 || msg.Channels <= 0 || msg.SliceIntervalMs <= 0 {
		return stt.Config{}, errors.New("config frame missing audio parameters")
	}
	return stt.Config{
		SampleRateHz:  msg.SampleRateHz,
		Channels:      msg.Channels,
		SliceInterval: time.Duration(msg.SliceIntervalMs) * time.Millisecond,
	}, nil
}

func (ls *liveSession) readLoop(ctx context.Context) {
	for {
		if err := ls.conn.SetReadDeadline(time.Now().Add(sessionIdleWindow)); err != nil {
			return
		}
		kind, data, err := ls.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ls.logger.Warn("session connection lost", "error", err)
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				ls.sendError(wire.CodeMalformedAudio, "", "empty audio slice")
				continue
			}
			ls.slices = append(ls.slices, data)
			ls.audioBytes += len(data)
			if err := ls.recognizer.SendSlice(len(ls.slices)-1, data); err != nil {
				ls.logger.Warn("live recognition send", "error", err)
			}

		case websocket.TextMessage:
			msg, err := wire.ParseClient(data)
			if err != nil {
				ls.logger.Warn("unparseable frame", "error", err)
				continue
			}
			switch msg.Type {
			case wire.TypeStop:
				ls.handleStop(msg)
			case wire.TypeSave:
				ls.handleSave(ctx)
				return
			case wire.TypeDiscard:
				ls.logger.Info("session discarded",
					"slices", len(ls.slices), "bytes", ls.audioBytes)
				return
			}
		}
	}
}

func (ls *liveSession) handleStop(msg wire.ClientMessage) {
	if got := len(ls.slices) - 1; msg.LastSequence != got {
		ls.logger.Warn("slice sequence mismatch",
			"client", msg.LastSequence, "server", got)
	}
	// Flush the recognizer so every transcription frame precedes the
	// acknowledgment.
	if err := ls.recognizer.Stop(); err != nil {
		ls.logger.Warn("stop live recognition", "error", err)
	}
	<-ls.forwarded
	if err := ls.send(wire.StopAck(len(ls.slices))); err != nil {
		ls.logger.Warn("stop acknowledgment not delivered", "error", err)
	}
}

func (ls *liveSession) handleSave(ctx context.Context) {
	// Save without a preceding stop still flushes the recognizer, so
	// the hint covers the whole recording.
	_ = ls.recognizer.Stop()
	<-ls.forwarded

	audio := make([]byte, 0, ls.audioBytes)
	for _, slice := range ls.slices {
		audio = append(audio, slice...)
	}

	job, err := ls.server.pipeline.Finalize(ctx, audio, ls.reconciler.Transcript())
	if err != nil {
		ls.logger.Error("finalize", "error", err)
		code, stage := finalizeErrorCode(err)
		ls.sendError(code, stage, err.Error())
		return
	}
	ls.logger.Info("job created", "job", job.ID, "instructions", len(job.Instructions))
	if err := ls.send(wire.Completed(job)); err != nil {
		ls.logger.Warn("completion frame not delivered", "job", job.ID, "error", err)
	}
}

func (ls *liveSession) send(msg wire.ServerMessage) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	if err := ls.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return ls.conn.WriteJSON(msg)
}

func (ls *liveSession) sendError(code, stage, message string) {
	_ = ls.send(wire.Error(code, stage, message))
}

func finalizeErrorCode(err error) (code, stage string) {
	stage = string(pipeline.FailingStage(err))
	switch {
	case errors.Is(err, pipeline.ErrEmptyAudio), errors.Is(err, pipeline.ErrNoSpeech):
		return wire.CodeValidation, stage
	case errors.Is(err, context.DeadlineExceeded):
		return wire.CodeTimeout, stage
	case stage == string(pipeline.StagePersistence):
		return wire.CodePersistence, stage
	case stage != "":
		return wire.CodeProcessing, stage
	}
	return wire.CodeInternal, stage
}
