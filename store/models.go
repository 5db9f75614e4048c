package store

import "time"

// Job is the persisted result of one finalized recording: the
// authoritative transcription, the instructions extracted from it, and
// references to the synthesized audio artifacts. Jobs are immutable once
// created and deleted as a whole.
type Job struct {
	ID            string        `json:"jobId"`
	Transcription string        `json:"transcription"`
	AudioRef      string        `json:"audioRef,omitempty"`
	Instructions  []Instruction `json:"instructions"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Instruction is one actionable sentence from the transcription, split
// into one or more playback steps.
type Instruction struct {
	Text  string `json:"instructionText"`
	Steps []Step `json:"steps"`
}

// Step is a single unit of step-by-step playback, paired with the
// synthesized reading of its text.
type Step struct {
	Text     string `json:"text"`
	AudioRef string `json:"audioArtifactRef,omitempty"`
}

// JobSummary carries the listing fields only.
type JobSummary struct {
	ID            string    `json:"jobId"`
	Transcription string    `json:"transcription"`
	Instructions  int       `json:"instructionCount"`
	CreatedAt     time.Time `json:"createdAt"`
}
