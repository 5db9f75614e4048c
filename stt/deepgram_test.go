package stt

import (
	"io"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
)

func newDeepgramSessionForTest() *deepgramSession {
	return &deepgramSession{
		logger:      log.New(io.Discard),
		results:     make(chan Result, 32),
		audioBuffer: make(chan []byte, 8),
	}
}

func messageResponse(transcript string, isFinal bool) *api.MessageResponse {
	return &api.MessageResponse{
		IsFinal: isFinal,
		Channel: api.Channel{
			Alternatives: []api.Alternative{{Transcript: transcript}},
		},
	}
}

func TestDeepgramSendSliceAfterStop(t *testing.T) {
	session := newDeepgramSessionForTest()

	if err := session.SendSlice(0, []byte("audio")); err != nil {
		t.Fatalf("SendSlice before stop: %v", err)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := session.SendSlice(1, []byte("late")); err == nil {
		t.Error("expected SendSlice after Stop to report a stopped session")
	}
	if err := session.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestDeepgramLateResultAfterStop(t *testing.T) {
	session := newDeepgramSessionForTest()

	if err := session.Message(messageResponse("before", true)); err != nil {
		t.Fatalf("Message before stop: %v", err)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// The SDK delivers callbacks on its own goroutine, so a final can
	// still land after Stop has closed the session.
	if err := session.Message(messageResponse("after", true)); err != nil {
		t.Fatalf("Message after stop: %v", err)
	}

	results := collect(session.Results())
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1: %+v", len(results), results)
	}
	if results[0].Text != "before" || !results[0].IsFinal {
		t.Errorf("unexpected result %+v", results[0])
	}
}

func TestDeepgramConcurrentResultsDuringStop(t *testing.T) {
	session := newDeepgramSessionForTest()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			session.Message(messageResponse("word", i%2 == 0))
		}
	}()
	go func() {
		for range session.Results() {
		}
	}()
	session.Stop()
	wg.Wait()
}
