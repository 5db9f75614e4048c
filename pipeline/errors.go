package pipeline

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step that failed, for user-facing
// diagnostics. Retry semantics differ per stage: a persistence
// failure means the processing itself succeeded.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageExtraction    Stage = "extraction"
	StageSynthesis     Stage = "synthesis"
	StagePersistence   Stage = "persistence"
)

var (
	ErrEmptyAudio = errors.New("no audio submitted")
	ErrNoSpeech   = errors.New("no speech detected")
)

// StageError wraps a failure with the stage it happened in. Any stage
// failure aborts the whole pipeline; there is no partial success.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailingStage reports which stage an error came from, or "" when the
// error did not originate in the pipeline.
func FailingStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
