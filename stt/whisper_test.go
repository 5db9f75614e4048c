package stt

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

type MockTranscriber struct {
	mu      sync.Mutex
	Windows [][]byte
}

func (m *MockTranscriber) Transcribe(
	ctx context.Context,
	filename string,
	audio io.Reader,
) (string, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.Windows = append(m.Windows, data)
	n := len(m.Windows)
	m.mu.Unlock()
	return fmt.Sprintf("text%d", n), nil
}

func startWhisperSession(t *testing.T) (Session, *MockTranscriber) {
	t.Helper()
	transcriber := &MockTranscriber{}
	engine := NewWhisperEngine(transcriber, nil)
	session, err := engine.Start(context.Background(), Config{
		SampleRateHz:  48000,
		Channels:      1,
		SliceInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return session, transcriber
}

func collect(results <-chan Result) []Result {
	var all []Result
	for r := range results {
		all = append(all, r)
	}
	return all
}

func TestWhisperWindowing(t *testing.T) {
	session, transcriber := startWhisperSession(t)

	// Three one-second slices: slice 0 fills the window to the interim
	// threshold (partial), slice 1 closes it (final), slice 2 opens a
	// new window (partial) which stop flushes as the closing final.
	for seq := 0; seq < 3; seq++ {
		if err := session.SendSlice(seq, []byte{byte('a' + seq)}); err != nil {
			t.Fatalf("SendSlice(%d): %v", seq, err)
		}
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	results := collect(session.Results())
	expected := []Result{
		{SliceIndex: 0, Text: "text1", IsFinal: false},
		{SliceIndex: 1, Text: "text2", IsFinal: true},
		{SliceIndex: 2, Text: "text3", IsFinal: false},
		{SliceIndex: 2, Text: "text4", IsFinal: true},
	}
	if len(results) != len(expected) {
		t.Fatalf("expected %d results, got %d: %v", len(expected), len(results), results)
	}
	for i, want := range expected {
		if results[i] != want {
			t.Errorf("result %d = %+v, want %+v", i, results[i], want)
		}
	}

	// The open window accumulates; only a final resets it.
	windows := []string{"a", "ab", "c", "c"}
	if len(transcriber.Windows) != len(windows) {
		t.Fatalf("expected %d windows, got %d", len(windows), len(transcriber.Windows))
	}
	for i, want := range windows {
		if string(transcriber.Windows[i]) != want {
			t.Errorf("window %d = %q, want %q", i, transcriber.Windows[i], want)
		}
	}
}

func TestWhisperStopWithoutAudio(t *testing.T) {
	session, transcriber := startWhisperSession(t)

	if err := session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	results := collect(session.Results())
	if len(results) != 0 {
		t.Errorf("expected no results, got %v", results)
	}
	if len(transcriber.Windows) != 0 {
		t.Errorf("transcriber called with no audio")
	}
}

func TestWhisperSendAfterStop(t *testing.T) {
	session, _ := startWhisperSession(t)
	if err := session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := session.SendSlice(0, []byte("x")); err == nil {
		t.Error("expected error sending after stop")
	}
}
