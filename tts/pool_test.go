package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
)

type MockSpeechGenerator struct {
	mu       sync.Mutex
	Calls    []string
	FailOn   string
	active   atomic.Int32
	MaxSeen  int32
	barriers chan struct{}
}

func (m *MockSpeechGenerator) TextToSpeechStreaming(
	ctx context.Context,
	text string,
	writer io.Writer,
) error {
	n := m.active.Add(1)
	defer m.active.Add(-1)

	m.mu.Lock()
	m.Calls = append(m.Calls, text)
	if n > m.MaxSeen {
		m.MaxSeen = n
	}
	m.mu.Unlock()

	if text == m.FailOn {
		return errors.New("voice unavailable")
	}
	_, err := fmt.Fprintf(writer, "clip:%s", text)
	return err
}

func TestGenerateAllOrder(t *testing.T) {
	gen := &MockSpeechGenerator{}
	texts := []string{"one", "two", "three", "four", "five"}

	clips, err := GenerateAll(context.Background(), gen, texts, 3)
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	if len(clips) != len(texts) {
		t.Fatalf("expected %d clips, got %d", len(texts), len(clips))
	}
	for i, text := range texts {
		expected := "clip:" + text
		if string(clips[i]) != expected {
			t.Errorf("clip %d = %q, expected %q", i, clips[i], expected)
		}
	}
	if gen.MaxSeen > 3 {
		t.Errorf("worker bound exceeded: %d concurrent calls", gen.MaxSeen)
	}
}

func TestGenerateAllFailure(t *testing.T) {
	gen := &MockSpeechGenerator{FailOn: "two"}

	_, err := GenerateAll(context.Background(), gen, []string{"one", "two", "three"}, 1)
	if err == nil {
		t.Fatal("expected batch failure")
	}
	// Serial pool stops after the failing task.
	if len(gen.Calls) > 2 {
		t.Errorf("expected no work after the failure, calls: %v", gen.Calls)
	}
}

func TestGenerateAllEmpty(t *testing.T) {
	gen := &MockSpeechGenerator{}
	clips, err := GenerateAll(context.Background(), gen, nil, 8)
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	if clips != nil {
		t.Errorf("expected nil clips, got %v", clips)
	}
}
