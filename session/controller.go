// Package session holds the live recording state machine. A controller
// ties one capture source to one transcription channel, reconciles the
// live preview, and drives the stop/save/discard decisions. All
// session state is owned by a single run loop consuming an internal
// event queue, one event at a time in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/beingfastian/APD-Listener-Tool/capture"
	"github.com/beingfastian/APD-Listener-Tool/channel"
	"github.com/beingfastian/APD-Listener-Tool/etc"
	"github.com/beingfastian/APD-Listener-Tool/pipeline"
	"github.com/beingfastian/APD-Listener-Tool/store"
	"github.com/beingfastian/APD-Listener-Tool/wire"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateStopping
	StateAwaitingDecision
	StateFinalizing
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateAwaitingDecision:
		return "awaiting-decision"
	case StateFinalizing:
		return "finalizing"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Finalizer submits a complete recording for one-shot processing.
// Cancelling the context means "stop waiting", not "abort the backend
// job".
type Finalizer interface {
	Finalize(ctx context.Context, audio []byte, transcriptHint string) (*store.Job, error)
}

type Config struct {
	SampleRateHz       int
	Channels           int
	SliceInterval      time.Duration
	MinDuration        time.Duration
	MinAudioBytes      int
	MinTranscriptChars int
	StopAckTimeout     time.Duration
	FinalizeTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRateHz == 0 {
		c.SampleRateHz = capture.SampleRate
	}
	if c.Channels == 0 {
		c.Channels = capture.Channels
	}
	if c.SliceInterval <= 0 {
		c.SliceInterval = time.Second
	}
	if c.MinDuration <= 0 {
		c.MinDuration = 1500 * time.Millisecond
	}
	if c.MinTranscriptChars <= 0 {
		c.MinTranscriptChars = 10
	}
	if c.StopAckTimeout <= 0 {
		c.StopAckTimeout = 30 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 300 * time.Second
	}
	return c
}

// Snapshot is a read-only view of the session, safe to hand to a UI.
type Snapshot struct {
	State          State
	SessionID      string
	Transcript     string
	Partial        string
	Degraded       bool
	Unacknowledged bool
	SliceCount     int
	AudioBytes     int
	Err            error
	Job            *store.Job
}

// SourceFactory and ChannelFactory produce one capture device and one
// connection per session; both are single-use and replaced on every
// start.
type (
	SourceFactory  func() capture.Source
	ChannelFactory func() channel.Channel
)

// Controller is not safe for concurrent starts; a second start while
// not idle is rejected with ErrNotIdle.
type Controller struct {
	cfg        Config
	newSource  SourceFactory
	newChannel ChannelFactory
	finalizer  Finalizer
	logger     *log.Logger

	events chan any
	closed chan struct{}
	once   sync.Once

	updates chan Snapshot

	snapMu   sync.Mutex
	lastSnap Snapshot

	// Everything below is owned by the run loop.
	source        capture.Source
	channel       channel.Channel
	state         State
	sessionID     string
	buffer        SliceBuffer
	reconciler    Reconciler
	degraded      bool
	unacked       bool
	err           error
	job           *store.Job
	deviceClosed  bool
	channelClosed bool
	generation    int
	stopTimer     *time.Timer
	finalizeTimer *time.Timer
	pendingStop   chan error
	pendingSave   chan saveResult
	saveCtx       context.Context
}

type saveResult struct {
	job *store.Job
	err error
}

// Internal queue events.
type (
	cmdStart struct {
		ctx   context.Context
		reply chan error
	}
	cmdStop struct {
		reply chan error
	}
	cmdSave struct {
		ctx   context.Context
		reply chan saveResult
	}
	cmdDiscard struct {
		reply chan error
	}
	cmdReset struct {
		reply chan error
	}
	evSlice struct {
		slice capture.Slice
	}
	evCaptureClosed struct {
		generation int
	}
	evChannel struct {
		event channel.Event
	}
	evChannelClosed struct {
		generation int
	}
	evStopTimeout struct {
		generation int
	}
	evFinalizeTimeout struct {
		generation int
	}
	evFinalized struct {
		generation int
		job        *store.Job
		err        error
	}
)

func NewController(
	newSource SourceFactory,
	newChannel ChannelFactory,
	finalizer Finalizer,
	cfg Config,
	logger *log.Logger,
) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	c := &Controller{
		cfg:        cfg.withDefaults(),
		newSource:  newSource,
		newChannel: newChannel,
		finalizer:  finalizer,
		logger:     logger,
		events:     make(chan any, 256),
		closed:     make(chan struct{}),
		updates:    make(chan Snapshot, 16),
		state:      StateIdle,
	}
	go c.run()
	return c
}

// Updates delivers a snapshot after every observable change. Slow
// consumers lose intermediate snapshots, never the latest.
func (c *Controller) Updates() <-chan Snapshot {
	return c.updates
}

func (c *Controller) Snapshot() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.lastSnap
}

func (c *Controller) State() State {
	return c.Snapshot().State
}

// Transcript returns the current reconciled text, finals plus the
// trailing partial.
func (c *Controller) Transcript() string {
	snap := c.Snapshot()
	if snap.Partial != "" {
		if snap.Transcript == "" {
			return snap.Partial
		}
		return snap.Transcript + " " + snap.Partial
	}
	return snap.Transcript
}

func (c *Controller) Job() *store.Job {
	return c.Snapshot().Job
}

func (c *Controller) Err() error {
	return c.Snapshot().Err
}

// Start opens the channel and the capture device concurrently and
// begins streaming. It returns once the session is streaming or has
// failed.
func (c *Controller) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if !c.post(cmdStart{ctx: ctx, reply: reply}) {
		return ErrDiscarded
	}
	return <-reply
}

// Stop ends capture, flushes unsent slices, and waits (bounded) for
// the backend stop acknowledgment. It returns when the session reaches
// awaiting-decision.
func (c *Controller) Stop() error {
	reply := make(chan error, 1)
	if !c.post(cmdStop{reply: reply}) {
		return ErrDiscarded
	}
	return <-reply
}

// Save validates the recording locally and submits it for
// finalization. The raw buffer survives a failed save, so it can be
// retried without re-recording.
func (c *Controller) Save(ctx context.Context) (*store.Job, error) {
	reply := make(chan saveResult, 1)
	if !c.post(cmdSave{ctx: ctx, reply: reply}) {
		return nil, ErrDiscarded
	}
	result := <-reply
	return result.job, result.err
}

// Discard drops the session from any state: best-effort notice to the
// backend, full teardown, buffers cleared.
func (c *Controller) Discard() error {
	reply := make(chan error, 1)
	if !c.post(cmdDiscard{reply: reply}) {
		return nil
	}
	return <-reply
}

// Reset forces the controller back to idle from any state. It always
// succeeds.
func (c *Controller) Reset() {
	reply := make(chan error, 1)
	if c.post(cmdReset{reply: reply}) {
		<-reply
	}
}

// Close resets and shuts the run loop down. The controller is done
// after Close.
func (c *Controller) Close() {
	c.Reset()
	c.once.Do(func() { close(c.closed) })
}

func (c *Controller) post(ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Controller) run() {
	for {
		select {
		case <-c.closed:
			c.teardown()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev any) {
	switch ev := ev.(type) {
	case cmdStart:
		ev.reply <- c.handleStart(ev.ctx)
	case cmdStop:
		c.handleStop(ev.reply)
	case cmdSave:
		c.handleSave(ev.ctx, ev.reply)
	case cmdDiscard:
		c.handleDiscard()
		ev.reply <- nil
	case cmdReset:
		c.handleReset()
		ev.reply <- nil
	case evSlice:
		c.handleSlice(ev.slice)
	case evCaptureClosed:
		if ev.generation == c.generation {
			c.handleCaptureClosed()
		}
	case evChannel:
		c.handleChannelEvent(ev.event)
	case evChannelClosed:
		if ev.generation == c.generation && !c.channelClosed &&
			(c.state == StateStreaming || c.state == StateStopping) {
			c.setDegraded("connection closed")
		}
	case evStopTimeout:
		c.handleStopTimeout(ev.generation)
	case evFinalizeTimeout:
		c.handleFinalizeTimeout(ev.generation)
	case evFinalized:
		c.handleFinalized(ev)
	}
}

func (c *Controller) handleStart(ctx context.Context) error {
	if c.state != StateIdle {
		return ErrNotIdle
	}
	c.setState(StateConnecting)
	c.sessionID = etc.NewFreshID()
	c.generation++
	c.source = c.newSource()
	c.channel = c.newChannel()
	c.deviceClosed = false
	c.channelClosed = false

	type sourceResult struct {
		slices <-chan capture.Slice
		err    error
	}

	var wg sync.WaitGroup
	var chanErr error
	srcResult := sourceResult{}

	wg.Add(2)
	go func() {
		defer wg.Done()
		chanErr = c.channel.Connect(ctx, channel.SessionConfig{
			SampleRateHz:    c.cfg.SampleRateHz,
			Channels:        c.cfg.Channels,
			SliceIntervalMs: int(c.cfg.SliceInterval / time.Millisecond),
		})
	}()
	go func() {
		defer wg.Done()
		slices, err := c.source.Open(ctx)
		srcResult = sourceResult{slices: slices, err: err}
	}()
	wg.Wait()

	if srcResult.err != nil || chanErr != nil {
		// Release whichever side did open.
		c.closeDevice()
		c.closeChannel()
		var cause error
		switch {
		case srcResult.err != nil:
			cause = &SessionError{Kind: KindDevice, Err: srcResult.err}
		default:
			cause = &SessionError{Kind: KindConnect, Err: chanErr}
		}
		c.fail(cause)
		return cause
	}

	generation := c.generation
	serverEvents := c.channel.Events()
	go func() {
		for slice := range srcResult.slices {
			if !c.post(evSlice{slice: slice}) {
				return
			}
		}
		c.post(evCaptureClosed{generation: generation})
	}()
	go func() {
		for event := range serverEvents {
			if !c.post(evChannel{event: event}) {
				return
			}
		}
		c.post(evChannelClosed{generation: generation})
	}()

	c.setState(StateStreaming)
	c.logger.Info("session streaming", "session", c.sessionID)
	return nil
}

func (c *Controller) handleSlice(slice capture.Slice) {
	if c.state != StateStreaming && c.state != StateStopping {
		return
	}
	// The local buffer is authoritative; a slice is kept whether or
	// not the channel accepts it.
	c.buffer.Append(slice)
	if !c.degraded && !c.channelClosed {
		if err := c.channel.SendAudio(slice.Data); err != nil {
			c.setDegraded(err.Error())
		}
	}
	c.notify()
}

func (c *Controller) handleStop(reply chan error) {
	if c.state != StateStreaming {
		reply <- fmt.Errorf("cannot stop in state %s", c.state)
		return
	}
	c.setState(StateStopping)
	c.pendingStop = reply
	// Closing the device flushes the remaining slices through the
	// capture pump before evCaptureClosed arrives, preserving order.
	c.closeDevice()
}

func (c *Controller) handleCaptureClosed() {
	if c.state != StateStopping {
		return
	}
	if c.degraded || c.channelClosed {
		// Nobody to acknowledge the stop; the decision must not wait.
		c.unacked = true
		c.enterAwaitingDecision()
		return
	}
	if err := c.channel.SendControl(wire.Stop(c.buffer.LastSequence())); err != nil {
		c.setDegraded(err.Error())
		c.unacked = true
		c.enterAwaitingDecision()
		return
	}
	generation := c.generation
	c.stopTimer = time.AfterFunc(c.cfg.StopAckTimeout, func() {
		c.post(evStopTimeout{generation: generation})
	})
}

func (c *Controller) handleStopTimeout(generation int) {
	if generation != c.generation || c.state != StateStopping {
		return
	}
	c.logger.Warn("stop acknowledgment timed out", "session", c.sessionID)
	c.unacked = true
	c.enterAwaitingDecision()
}

func (c *Controller) enterAwaitingDecision() {
	c.cancelStopTimer()
	c.setState(StateAwaitingDecision)
	if c.pendingStop != nil {
		c.pendingStop <- nil
		c.pendingStop = nil
	}
}

func (c *Controller) handleChannelEvent(event channel.Event) {
	switch event.Kind {
	case channel.EventTranscription:
		if c.state == StateStreaming || c.state == StateStopping {
			c.reconciler.Apply(event.SliceIndex, event.Text, event.IsFinal)
			c.notify()
		}
	case channel.EventStopAck:
		if c.state == StateStopping {
			if event.SliceCount != c.buffer.Count() {
				c.logger.Warn("backend slice count mismatch",
					"sent", c.buffer.Count(), "received", event.SliceCount)
			}
			c.unacked = false
			c.enterAwaitingDecision()
		}
	case channel.EventCompleted:
		if c.state == StateFinalizing {
			c.cancelFinalizeTimer()
			c.completeSave(event.Job)
		}
	case channel.EventError:
		c.handleChannelError(event)
	case channel.EventDropped:
		c.setDegraded("connection dropped")
		switch c.state {
		case StateStopping:
			c.unacked = true
			c.enterAwaitingDecision()
		case StateFinalizing:
			// A save riding the channel will never get its completed
			// frame now. An armed timer means that is the path we are
			// on; reroute through direct submission instead of letting
			// the caller sit out the full finalize timeout.
			if c.finalizeTimer != nil {
				c.cancelFinalizeTimer()
				c.launchFinalize(c.saveCtx)
			}
		}
	}
}

func (c *Controller) handleChannelError(event channel.Event) {
	if c.state == StateFinalizing {
		c.cancelFinalizeTimer()
		kind := KindProcessing
		switch event.Code {
		case wire.CodeValidation:
			kind = KindValidation
		case wire.CodePersistence:
			kind = KindPersistence
		case wire.CodeTimeout:
			kind = KindTimeout
		}
		c.failSave(&SessionError{
			Kind:  kind,
			Stage: event.Stage,
			Err:   fmt.Errorf("%s (%s)", event.Message, event.Code),
		})
		return
	}
	// Mid-stream server errors degrade the preview but never touch
	// the local buffer.
	c.logger.Error("server error",
		"code", event.Code, "message", event.Message)
	if event.Code == wire.CodeMissingCredentials || event.Code == wire.CodeInternal {
		c.setDegraded(event.Message)
	}
}

func (c *Controller) handleSave(ctx context.Context, reply chan saveResult) {
	// Error is a valid origin too: a failed finalize keeps the buffer,
	// so save can be retried without re-recording.
	if c.state != StateAwaitingDecision && c.state != StateError {
		reply <- saveResult{err: fmt.Errorf("cannot save in state %s", c.state)}
		return
	}
	c.err = nil

	if err := c.validate(); err != nil {
		// Rejected locally: no backend call, buffer retained so the
		// caller can inspect or re-record.
		cause := &SessionError{Kind: KindValidation, Err: err}
		c.fail(cause)
		reply <- saveResult{err: cause}
		return
	}

	c.setState(StateFinalizing)
	c.pendingSave = reply
	c.saveCtx = ctx
	generation := c.generation

	if !c.degraded && !c.unacked && !c.channelClosed {
		// The backend already holds the slices; a save control frame
		// is all it needs.
		if err := c.channel.SendControl(wire.Save()); err == nil {
			c.finalizeTimer = time.AfterFunc(c.cfg.FinalizeTimeout, func() {
				c.post(evFinalizeTimeout{generation: generation})
			})
			return
		}
		c.setDegraded("save control failed")
	}

	c.launchFinalize(ctx)
}

// launchFinalize submits the authoritative local buffer directly,
// bypassing the channel. Used when the channel is degraded at save
// time, or when it drops while a channeled save is in flight.
func (c *Controller) launchFinalize(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	audio := c.buffer.Concat()
	hint := c.reconciler.Transcript()
	generation := c.generation
	go func() {
		fctx, cancel := context.WithTimeout(ctx, c.cfg.FinalizeTimeout)
		defer cancel()
		job, err := c.finalizer.Finalize(fctx, audio, hint)
		c.post(evFinalized{generation: generation, job: job, err: err})
	}()
}

func (c *Controller) validate() error {
	if c.buffer.Count() == 0 {
		return fmt.Errorf("%w: no audio captured", ErrTooShort)
	}
	if d := c.buffer.Duration(c.cfg.SliceInterval); d < c.cfg.MinDuration {
		return fmt.Errorf("%w: %s of audio, need %s",
			ErrTooShort, d, c.cfg.MinDuration)
	}
	if c.cfg.MinAudioBytes > 0 && c.buffer.Bytes() < c.cfg.MinAudioBytes {
		return fmt.Errorf("%w: %d bytes of audio, need %d",
			ErrTooShort, c.buffer.Bytes(), c.cfg.MinAudioBytes)
	}
	if len(c.reconciler.Transcript()) < c.cfg.MinTranscriptChars {
		return fmt.Errorf("%w: transcript below %d characters",
			ErrTooShort, c.cfg.MinTranscriptChars)
	}
	return nil
}

func (c *Controller) handleFinalized(ev evFinalized) {
	if ev.generation != c.generation || c.state != StateFinalizing {
		return
	}
	if ev.err != nil {
		c.failSave(finalizeError(ev.err))
		return
	}
	c.completeSave(ev.job)
}

func (c *Controller) handleFinalizeTimeout(generation int) {
	if generation != c.generation || c.state != StateFinalizing {
		return
	}
	// Stop waiting; the backend job may still finish on its own.
	c.failSave(&SessionError{
		Kind: KindTimeout,
		Err:  fmt.Errorf("no finalization result within %s", c.cfg.FinalizeTimeout),
	})
}

func (c *Controller) completeSave(job *store.Job) {
	c.job = job
	c.closeChannel()
	c.setState(StateComplete)
	c.logger.Info("session complete", "session", c.sessionID, "job", jobID(job))
	if c.pendingSave != nil {
		c.pendingSave <- saveResult{job: job}
		c.pendingSave = nil
	}
}

func (c *Controller) failSave(cause error) {
	// The raw buffer survives so save can be retried without
	// re-recording.
	c.fail(cause)
	if c.pendingSave != nil {
		c.pendingSave <- saveResult{err: cause}
		c.pendingSave = nil
	}
}

func (c *Controller) handleDiscard() {
	if c.state != StateIdle && !c.channelClosed && !c.degraded {
		// Best effort; the backend drops its copy when it hears this.
		if err := c.channel.SendControl(wire.Discard()); err != nil {
			c.logger.Debug("discard notice not delivered", "error", err)
		}
	}
	c.handleReset()
}

func (c *Controller) handleReset() {
	c.teardown()
	c.buffer.Reset()
	c.reconciler.Reset()
	c.source = nil
	c.channel = nil
	c.generation++
	c.degraded = false
	c.unacked = false
	c.err = nil
	c.job = nil
	c.sessionID = ""
	c.deviceClosed = false
	c.channelClosed = false
	c.setState(StateIdle)
}

// teardown releases device and channel and completes any pending
// waits. It never fails.
func (c *Controller) teardown() {
	c.cancelStopTimer()
	c.cancelFinalizeTimer()
	c.closeDevice()
	c.closeChannel()
	if c.pendingStop != nil {
		c.pendingStop <- ErrDiscarded
		c.pendingStop = nil
	}
	if c.pendingSave != nil {
		c.pendingSave <- saveResult{err: ErrDiscarded}
		c.pendingSave = nil
	}
	c.saveCtx = nil
}

func (c *Controller) closeDevice() {
	if c.deviceClosed || c.source == nil {
		return
	}
	c.deviceClosed = true
	if err := c.source.Close(); err != nil {
		c.logger.Error("close capture device", "error", err)
	}
}

func (c *Controller) closeChannel() {
	if c.channelClosed || c.channel == nil {
		return
	}
	c.channelClosed = true
	if err := c.channel.Close(); err != nil {
		c.logger.Error("close channel", "error", err)
	}
}

func (c *Controller) setDegraded(reason string) {
	if c.degraded {
		return
	}
	c.degraded = true
	c.logger.Warn("channel degraded, capture continues locally",
		"session", c.sessionID, "reason", reason)
	c.notify()
}

func (c *Controller) fail(cause error) {
	c.err = cause
	c.cancelStopTimer()
	c.cancelFinalizeTimer()
	c.closeDevice()
	c.closeChannel()
	c.setState(StateError)
	c.logger.Error("session failed", "session", c.sessionID, "error", cause)
}

func (c *Controller) cancelStopTimer() {
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
}

func (c *Controller) cancelFinalizeTimer() {
	if c.finalizeTimer != nil {
		c.finalizeTimer.Stop()
		c.finalizeTimer = nil
	}
}

func (c *Controller) setState(state State) {
	c.state = state
	c.notify()
}

// notify publishes a fresh snapshot. The updates channel keeps the
// newest snapshot when the consumer lags.
func (c *Controller) notify() {
	partial, _ := c.reconciler.Partial()
	snap := Snapshot{
		State:          c.state,
		SessionID:      c.sessionID,
		Transcript:     c.reconciler.FinalTranscript(),
		Partial:        partial,
		Degraded:       c.degraded,
		Unacknowledged: c.unacked,
		SliceCount:     c.buffer.Count(),
		AudioBytes:     c.buffer.Bytes(),
		Err:            c.err,
		Job:            c.job,
	}

	c.snapMu.Lock()
	c.lastSnap = snap
	c.snapMu.Unlock()

	for {
		select {
		case c.updates <- snap:
			return
		default:
			select {
			case <-c.updates:
			default:
			}
		}
	}
}

func finalizeError(err error) error {
	var se *SessionError
	if errors.As(err, &se) {
		return err
	}
	kind := KindConnect
	stage := pipeline.FailingStage(err)
	switch stage {
	case pipeline.StagePersistence:
		kind = KindPersistence
	case pipeline.StageTranscription, pipeline.StageExtraction, pipeline.StageSynthesis:
		kind = KindProcessing
	}
	if errors.Is(err, pipeline.ErrNoSpeech) || errors.Is(err, pipeline.ErrEmptyAudio) {
		kind = KindValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &SessionError{Kind: kind, Stage: string(stage), Err: err}
}

func jobID(job *store.Job) string {
	if job == nil {
		return ""
	}
	return job.ID
}
