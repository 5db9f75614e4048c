package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beingfastian/APD-Listener-Tool/capture"
	"github.com/beingfastian/APD-Listener-Tool/channel"
	"github.com/beingfastian/APD-Listener-Tool/store"
	"github.com/beingfastian/APD-Listener-Tool/wire"
)

type MockSource struct {
	mu      sync.Mutex
	slices  chan capture.Slice
	openErr error
	closes  int
	once    sync.Once
}

func NewMockSource() *MockSource {
	return &MockSource{slices: make(chan capture.Slice, 64)}
}

func (s *MockSource) Open(ctx context.Context) (<-chan capture.Slice, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.slices, nil
}

func (s *MockSource) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() { close(s.slices) })
	return nil
}

func (s *MockSource) Feed(sequence int, data []byte) {
	s.slices <- capture.Slice{Sequence: sequence, CapturedAt: time.Now(), Data: data}
}

func (s *MockSource) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type MockChannel struct {
	mu          sync.Mutex
	events      chan channel.Event
	connectErr  error
	sendErr     error
	audio       [][]byte
	controls    []wire.ClientMessage
	ackStops    bool
	completeJob *store.Job
	closes      int
	once        sync.Once
}

func NewMockChannel() *MockChannel {
	return &MockChannel{events: make(chan channel.Event, 64), ackStops: true}
}

func (c *MockChannel) Connect(ctx context.Context, cfg channel.SessionConfig) error {
	return c.connectErr
}

func (c *MockChannel) SendAudio(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.audio = append(c.audio, data)
	return nil
}

func (c *MockChannel) SendControl(msg wire.ClientMessage) error {
	c.mu.Lock()
	c.controls = append(c.controls, msg)
	received := len(c.audio)
	ack := c.ackStops
	job := c.completeJob
	c.mu.Unlock()

	switch msg.Type {
	case wire.TypeStop:
		if ack {
			c.events <- channel.Event{Kind: channel.EventStopAck, SliceCount: received}
		}
	case wire.TypeSave:
		if job != nil {
			c.events <- channel.Event{Kind: channel.EventCompleted, Job: job}
		}
	}
	return nil
}

func (c *MockChannel) Events() <-chan channel.Event {
	return c.events
}

func (c *MockChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.events) })
	return nil
}

func (c *MockChannel) Emit(event channel.Event) {
	c.events <- event
}

func (c *MockChannel) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *MockChannel) SentAudio() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func (c *MockChannel) Controls() []wire.ClientMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.ClientMessage(nil), c.controls...)
}

func (c *MockChannel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type MockFinalizer struct {
	mu    sync.Mutex
	calls int
	audio []byte
	hint  string
	job   *store.Job
	err   error
}

func (f *MockFinalizer) Finalize(ctx context.Context, audio []byte, hint string) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.audio = append([]byte(nil), audio...)
	f.hint = hint
	return f.job, f.err
}

func (f *MockFinalizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		SliceInterval:      10 * time.Millisecond,
		MinDuration:        20 * time.Millisecond,
		MinTranscriptChars: 5,
		StopAckTimeout:     200 * time.Millisecond,
		FinalizeTimeout:    time.Second,
	}
}

func newTestController(src *MockSource, ch *MockChannel, fin *MockFinalizer) *Controller {
	return NewController(
		func() capture.Source { return src },
		func() channel.Channel { return ch },
		fin,
		testConfig(),
		nil,
	)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestControllerSaveRoundTrip(t *testing.T) {
	src := NewMockSource()
	ch := NewMockChannel()
	ch.completeJob = &store.Job{ID: "job1", Transcription: "Open the valve slowly and check the gauge"}
	fin := &MockFinalizer{}

	c := newTestController(src, ch, fin)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != StateStreaming {
		t.Fatalf("expected streaming, got %s", c.State())
	}

	src.Feed(0, []byte("s0"))
	src.Feed(1, []byte("s1"))
	src.Feed(2, []byte("s2"))
	ch.Emit(channel.Event{Kind: channel.EventTranscription, SliceIndex: 0, Text: "open the", IsFinal: false})
	ch.Emit(channel.Event{Kind: channel.EventTranscription, SliceIndex: 1, Text: "Open the valve slowly", IsFinal: true})
	ch.Emit(channel.Event{Kind: channel.EventTranscription, SliceIndex: 2, Text: "and check the gauge", IsFinal: true})
	waitFor(t, "slices buffered", func() bool { return c.Snapshot().SliceCount == 3 })
	waitFor(t, "transcript reconciled", func() bool {
		return c.Transcript() == "Open the valve slowly and check the gauge"
	})

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap := c.Snapshot()
	if snap.State != StateAwaitingDecision {
		t.Fatalf("expected awaiting-decision, got %s", snap.State)
	}
	if snap.Unacknowledged {
		t.Error("stop was acknowledged, snapshot says otherwise")
	}

	controls := ch.Controls()
	if len(controls) != 1 || controls[0].Type != wire.TypeStop {
		t.Fatalf("expected a single stop control, got %v", controls)
	}
	if controls[0].LastSequence != 2 {
		t.Errorf("expected stop to carry last sequence 2, got %d", controls[0].LastSequence)
	}

	job, err := c.Save(context.Background())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if job == nil || job.ID != "job1" {
		t.Fatalf("expected job1, got %+v", job)
	}
	if c.State() != StateComplete {
		t.Errorf("expected complete, got %s", c.State())
	}
	if fin.Calls() != 0 {
		t.Errorf("healthy save must not use the fallback finalizer, got %d calls", fin.Calls())
	}
	if ch.SentAudio() != 3 {
		t.Errorf("expected 3 audio sends, got %d", ch.SentAudio())
	}
}

func TestControllerDeviceDenied(t *testing.T) {
	src := NewMockSource()
	src.openErr = errors.New("permission denied")
	ch := NewMockChannel()

	c := newTestController(src, ch, &MockFinalizer{})
	defer c.Close()

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if KindOf(err) != KindDevice {
		t.Errorf("expected device error, got %v", err)
	}
	if c.State() != StateError {
		t.Errorf("expected error state, got %s", c.State())
	}
	if ch.Closes() == 0 {
		t.Error("expected the connection to be released after device failure")
	}
}

func TestControllerStartWhileRunning(t *testing.T) {
	src := NewMockSource()
	ch := NewMockChannel()

	c := newTestController(src, ch, &MockFinalizer{})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Errorf("expected ErrNotIdle, got %v", err)
	}
}

func TestControllerDiscardWhileStreaming(t *testing.T) {
	src := NewMockSource()
	ch := NewMockChannel()

	c := newTestController(src, ch, &MockFinalizer{})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.Feed(0, []byte("s0"))
	waitFor(t, "slice buffered", func() bool { return c.Snapshot().SliceCount == 1 })

	if err := c.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle after discard, got %s", c.State())
	}
	if src.Closes() != 1 {
		t.Errorf("expected device closed exactly once, got %d", src.Closes())
	}
	if c.Snapshot().SliceCount != 0 {
		t.Error("expected buffer cleared after discard")
	}

	controls := ch.Controls()
	if len(controls) != 1 || controls[0].Type != wire.TypeDiscard {
		t.Errorf("expected a discard control, got %v", controls)
	}
}

func TestControllerSaveRejectedLocally(t *testing.T) {
	src := NewMockSource()
	ch := NewMockChannel()
	fin := &MockFinalizer{}

	c := newTestController(src, ch, fin)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.Feed(0, []byte("s0"))
	waitFor(t, "slice buffered", func() bool { return c.Snapshot().SliceCount == 1 })

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	_, err := c.Save(context.Background())
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if KindOf(err) != KindValidation {
		t.Errorf("expected validation kind, got %v", KindOf(err))
	}
	if fin.Calls() != 0 {
		t.Errorf("local rejection must not reach the finalizer, got %d calls", fin.Calls())
	}
	if c.Snapshot().SliceCount != 1 {
		t.Error("expected buffer retained after rejected save")
	}
	if c.State() != StateError {
		t.Errorf("expected error state, got %s", c.State())
	}
}

func TestControllerDegradedFallbackSave(t *testing.T) {
	src := NewMockSource()
	ch := NewMockChannel()
	ch.ackStops = false
	fin := &MockFinalizer{job: &store.Job{ID: "job2"}}

	c := newTestController(src, ch, fin)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	src.Feed(0, []byte("s0"))
	ch.Emit(channel.Event{Kind: channel.EventTranscription, SliceIndex: 0, Text: "Open the valve", IsFinal: true})
	waitFor(t, "first slice sent", func() bool { return ch.SentAudio() == 1 })

	// The connection dies mid-session. Capture keeps going.
	ch.SetSendErr(errors.New("broken pipe"))
	src.Feed(1, []byte("s1"))
	src.Feed(2, []byte("s2"))
	waitFor(t, "slices buffered past the failure", func() bool {
		return c.Snapshot().SliceCount == 3
	})
	if !c.Snapshot().Degraded {
		t.Fatal("expected degraded session after send failure")
	}
	if ch.SentAudio() != 1 {
		t.Errorf("expected no further sends after failure, got %d", ch.SentAudio())
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !c.Snapshot().Unacknowledged {
		t.Error("expected unacknowledged stop on a degraded session")
	}

	job, err := c.Save(context.Background())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if job.ID != "job2" {
		t.Errorf("expected fallback job, got %+v", job)
	}
	if fin.Calls() != 1 {
		t.Fatalf("expected one fallback finalize, got %d", fin.Calls())
	}
	if string(fin.audio) != "s0s1s2" {
		t.Errorf("fallback must submit the full local recording, got %q", fin.audio)
	}
	if fin.hint != "Open the valve" {
		t.Errorf("expected transcript hint, got %q", fin.hint)
	}
}

func TestControllerStopAckTimeout(t *testing.T) {
	src := NewMockSource()
	ch := NewMockChannel()
	ch.ackStops = false

	c := newTestController(src, ch, &MockFinalizer{})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.Feed(0, []byte("s0"))
	waitFor(t, "slice sent", func() bool { return ch.SentAudio() == 1 })

	start := time.Now()
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("stop returned before the ack window elapsed (%s)", elapsed)
	}
	snap := c.Snapshot()
	if snap.State != StateAwaitingDecision || !snap.Unacknowledged {
		t.Errorf("expected unacknowledged awaiting-decision, got %s (unacked=%v)",
			snap.State, snap.Unacknowledged)
	}
}

func TestControllerBackendErrorDuringFinalize(t *testing.T) {
	src := NewMockSource()
	ch := NewMockChannel()
	fin := &MockFinalizer{}

	c := newTestController(src, ch, fin)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.Feed(0, []byte("s0"))
	src.Feed(1, []byte("s1"))
	src.Feed(2, []byte("s2"))
	ch.Emit(channel.Event{Kind: channel.EventTranscription, SliceIndex: 2, Text: "Open the valve", IsFinal: true})
	waitFor(t, "slices buffered", func() bool { return c.Snapshot().SliceCount == 3 })

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Save(context.Background())
		done <- err
	}()
	waitFor(t, "finalizing", func() bool { return c.State() == StateFinalizing })
	ch.Emit(channel.Event{
		Kind:    channel.EventError,
		Code:    wire.CodeProcessing,
		Stage:   "extraction",
		Message: "model unavailable",
	})

	err := <-done
	if err == nil {
		t.Fatal("expected save to fail")
	}
	if KindOf(err) != KindProcessing {
		t.Errorf("expected processing kind, got %v", err)
	}
	var se *SessionError
	if !errors.As(err, &se) || se.Stage != "extraction" {
		t.Errorf("expected extraction stage, got %v", err)
	}
	if c.Snapshot().SliceCount != 3 {
		t.Error("expected buffer retained after failed finalize")
	}

	// The buffer survived, so save can be retried without
	// re-recording. The socket is gone, so the retry takes the
	// fallback path.
	fin.mu.Lock()
	fin.job = &store.Job{ID: "retry"}
	fin.mu.Unlock()
	job, err := c.Save(context.Background())
	if err != nil {
		t.Fatalf("retry save: %v", err)
	}
	if job.ID != "retry" {
		t.Errorf("expected retried job, got %+v", job)
	}
	if string(fin.audio) != "s0s1s2" {
		t.Errorf("retry must submit the full local recording, got %q", fin.audio)
	}
}

func TestControllerResetFromError(t *testing.T) {
	src := NewMockSource()
	src.openErr = errors.New("no device")
	ch := NewMockChannel()

	c := newTestController(src, ch, &MockFinalizer{})
	defer c.Close()

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	c.Reset()
	if c.State() != StateIdle {
		t.Errorf("expected idle after reset, got %s", c.State())
	}
	if c.Err() != nil {
		t.Errorf("expected error cleared, got %v", c.Err())
	}
}

func TestControllerConnectionDropWhileStreaming(t *testing.T) {
	src := NewMockSource()
	ch := NewMockChannel()

	c := newTestController(src, ch, &MockFinalizer{})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.Feed(0, []byte("s0"))
	waitFor(t, "slice sent", func() bool { return ch.SentAudio() == 1 })

	ch.Emit(channel.Event{Kind: channel.EventDropped, Err: errors.New("going away")})
	waitFor(t, "degraded", func() bool { return c.Snapshot().Degraded })

	// Capture is unharmed by the drop.
	src.Feed(1, []byte("s1"))
	waitFor(t, "slice buffered", func() bool { return c.Snapshot().SliceCount == 2 })
	if c.State() != StateStreaming {
		t.Errorf("expected still streaming, got %s", c.State())
	}
}

func TestControllerConnectionDropWhileFinalizing(t *testing.T) {
	src := NewMockSource()
	ch := NewMockChannel()
	// The backend accepts the save control frame but never answers.
	ch.completeJob = nil
	fin := &MockFinalizer{job: &store.Job{ID: "job3"}}

	cfg := testConfig()
	cfg.FinalizeTimeout = 30 * time.Second
	c := NewController(
		func() capture.Source { return src },
		func() channel.Channel { return ch },
		fin,
		cfg,
		nil,
	)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.Feed(0, []byte("s0"))
	src.Feed(1, []byte("s1"))
	src.Feed(2, []byte("s2"))
	ch.Emit(channel.Event{Kind: channel.EventTranscription, SliceIndex: 2, Text: "Open the valve", IsFinal: true})
	waitFor(t, "slices sent", func() bool { return ch.SentAudio() == 3 })

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	type saveOutcome struct {
		job *store.Job
		err error
	}
	saved := make(chan saveOutcome, 1)
	go func() {
		job, err := c.Save(context.Background())
		saved <- saveOutcome{job: job, err: err}
	}()
	waitFor(t, "finalizing over the channel", func() bool {
		return c.State() == StateFinalizing
	})
	if fin.Calls() != 0 {
		t.Fatalf("finalizer invoked before the drop: %d calls", fin.Calls())
	}

	// The connection dies while the save rides the channel. The save
	// must be rerouted immediately, not stalled until the timeout.
	ch.Emit(channel.Event{Kind: channel.EventDropped, Err: errors.New("going away")})

	select {
	case outcome := <-saved:
		if outcome.err != nil {
			t.Fatalf("save after drop: %v", outcome.err)
		}
		if outcome.job == nil || outcome.job.ID != "job3" {
			t.Errorf("expected rerouted job, got %+v", outcome.job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("save did not reroute after the connection dropped")
	}
	if fin.Calls() != 1 {
		t.Errorf("expected one direct finalize, got %d", fin.Calls())
	}
	if string(fin.audio) != "s0s1s2" {
		t.Errorf("reroute must submit the full local recording, got %q", fin.audio)
	}
}
