package session

import "testing"

func TestReconcilerPartialThenFinal(t *testing.T) {
	var r Reconciler

	r.Apply(0, "open the", false)
	if got := r.Transcript(); got != "open the" {
		t.Errorf("expected partial shown, got %q", got)
	}

	r.Apply(0, "Open the valve slowly", true)
	if got := r.Transcript(); got != "Open the valve slowly" {
		t.Errorf("expected final to replace partial, got %q", got)
	}
	if _, ok := r.Partial(); ok {
		t.Error("expected no pending partial after final")
	}
}

func TestReconcilerPartialReplacement(t *testing.T) {
	var r Reconciler

	r.Apply(0, "open", false)
	r.Apply(0, "open the valve", false)
	if got := r.Transcript(); got != "open the valve" {
		t.Errorf("expected latest partial only, got %q", got)
	}
}

func TestReconcilerFinalsAccumulate(t *testing.T) {
	var r Reconciler

	r.Apply(0, "Open the valve slowly", true)
	r.Apply(1, "and check the", false)
	r.Apply(1, "Then check the gauge.", true)

	want := "Open the valve slowly Then check the gauge."
	if got := r.Transcript(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if got := r.FinalTranscript(); got != want {
		t.Errorf("expected final transcript %q, got %q", want, got)
	}
}

func TestReconcilerEmptyFinalClearsPartial(t *testing.T) {
	var r Reconciler

	r.Apply(0, "uh", false)
	r.Apply(0, "", true)
	if got := r.Transcript(); got != "" {
		t.Errorf("expected empty transcript, got %q", got)
	}
}

func TestReconcilerLaterPartialSurvivesEarlierFinal(t *testing.T) {
	var r Reconciler

	r.Apply(1, "and check", false)
	r.Apply(0, "Open the valve", true)

	got, ok := r.Partial()
	if !ok || got != "and check" {
		t.Errorf("expected partial for slice 1 to survive, got %q (%v)", got, ok)
	}
	if want := "Open the valve and check"; r.Transcript() != want {
		t.Errorf("expected %q, got %q", want, r.Transcript())
	}
}

func TestReconcilerReset(t *testing.T) {
	var r Reconciler
	r.Apply(0, "Open the valve", true)
	r.Apply(1, "and", false)
	r.Reset()
	if got := r.Transcript(); got != "" {
		t.Errorf("expected empty transcript after reset, got %q", got)
	}
}
