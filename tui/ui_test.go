package tui

import (
	"errors"
	"strings"
	"testing"

	"github.com/beingfastian/APD-Listener-Tool/session"
)

func TestRenderTranscript(t *testing.T) {
	t.Run("Finals And Partial", func(t *testing.T) {
		snap := session.Snapshot{
			State:      session.StateStreaming,
			Transcript: "Open the valve slowly",
			Partial:    "and check the",
		}
		result := renderTranscript(snap)
		if !strings.Contains(result, "Open the valve slowly\n") {
			t.Errorf("expected final text, got %q", result)
		}
		if !strings.Contains(result, "and check the") {
			t.Errorf("expected partial text, got %q", result)
		}
	})

	t.Run("Degraded Notice", func(t *testing.T) {
		snap := session.Snapshot{
			State:      session.StateStreaming,
			Transcript: "Open the valve",
			Degraded:   true,
		}
		result := renderTranscript(snap)
		if !strings.Contains(result, "recording continues locally") {
			t.Errorf("expected degraded notice, got %q", result)
		}
	})

	t.Run("Error Shown", func(t *testing.T) {
		snap := session.Snapshot{
			State: session.StateError,
			Err:   errors.New("recording too short to save"),
		}
		result := renderTranscript(snap)
		if !strings.Contains(result, "recording too short to save") {
			t.Errorf("expected error text, got %q", result)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if result := renderTranscript(session.Snapshot{}); result != "" {
			t.Errorf("expected empty render, got %q", result)
		}
	})
}

func TestHeaderTitle(t *testing.T) {
	cases := []struct {
		snap session.Snapshot
		want string
	}{
		{session.Snapshot{State: session.StateStreaming, SliceCount: 7}, "Recording (7 slices)"},
		{session.Snapshot{State: session.StateAwaitingDecision}, "Save or discard?"},
		{session.Snapshot{State: session.StateAwaitingDecision, Unacknowledged: true},
			"Save or discard? (stop unconfirmed)"},
		{session.Snapshot{State: session.StateComplete}, "Saved"},
	}
	for _, c := range cases {
		if got := headerTitle(c.snap); got != c.want {
			t.Errorf("headerTitle(%v) = %q, want %q", c.snap.State, got, c.want)
		}
	}
}
