package session

import (
	"errors"
	"fmt"
)

// ErrorKind sorts session failures by what the user can do about
// them: device problems need a settings fix, network problems allow a
// retried save, validation problems need a re-recording, processing
// and persistence problems name the backend stage.
type ErrorKind string

const (
	KindDevice      ErrorKind = "device"
	KindConnect     ErrorKind = "connect"
	KindValidation  ErrorKind = "validation"
	KindProcessing  ErrorKind = "processing"
	KindPersistence ErrorKind = "persistence"
	KindTimeout     ErrorKind = "timeout"
)

var (
	// ErrNotIdle rejects a second start while a session is running.
	ErrNotIdle = errors.New("a session is already in progress")

	// ErrTooShort rejects a save below the minimum duration, size, or
	// transcript length. No backend call is made for such a save.
	ErrTooShort = errors.New("recording too short to save")

	// ErrDiscarded completes pending waits when the user discards or
	// resets mid-operation.
	ErrDiscarded = errors.New("session discarded")
)

// SessionError is the error type the controller exposes. Stage is set
// for backend failures, naming the pipeline stage that failed.
type SessionError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *SessionError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("session %s error in %s stage: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("session %s error: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from a controller error.
func KindOf(err error) ErrorKind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
