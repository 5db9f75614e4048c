// Package wire defines the control frames exchanged on a live session
// connection. Audio travels as binary frames and is not represented
// here; everything else is a JSON text frame with a "type" tag.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/beingfastian/APD-Listener-Tool/store"
)

// Client to server frame types.
const (
	TypeConfig  = "config"
	TypeStop    = "stop"
	TypeSave    = "save"
	TypeDiscard = "discard"
)

// Server to client frame types.
const (
	TypeConfigAck     = "config_ack"
	TypeTranscription = "transcription"
	TypeStopAck       = "stop_ack"
	TypeCompleted     = "completed"
	TypeError         = "error"
)

// Error codes carried by error frames.
const (
	CodeMissingCredentials = "missing_credentials"
	CodeMalformedAudio     = "malformed_audio"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal"
	CodeValidation         = "validation"
	CodeProcessing         = "processing"
	CodePersistence        = "persistence"
)

type ClientMessage struct {
	Type            string `json:"type"`
	SampleRateHz    int    `json:"sampleRateHz,omitempty"`
	Channels        int    `json:"channels,omitempty"`
	SliceIntervalMs int    `json:"sliceIntervalMs,omitempty"`
	LastSequence    int    `json:"lastSequence,omitempty"`
}

type ServerMessage struct {
	Type       string     `json:"type"`
	SessionID  string     `json:"sessionId,omitempty"`
	SliceIndex int        `json:"sliceIndex,omitempty"`
	Text       string     `json:"text,omitempty"`
	IsFinal    bool       `json:"isFinal,omitempty"`
	SliceCount int        `json:"sliceCount,omitempty"`
	Job        *store.Job `json:"job,omitempty"`
	Code       string     `json:"code,omitempty"`
	Stage      string     `json:"stage,omitempty"`
	Message    string     `json:"message,omitempty"`
}

func Config(sampleRateHz, channels, sliceIntervalMs int) ClientMessage {
	return ClientMessage{
		Type:            TypeConfig,
		SampleRateHz:    sampleRateHz,
		Channels:        channels,
		SliceIntervalMs: sliceIntervalMs,
	}
}

func Stop(lastSequence int) ClientMessage {
	return ClientMessage{Type: TypeStop, LastSequence: lastSequence}
}

func Save() ClientMessage {
	return ClientMessage{Type: TypeSave}
}

func Discard() ClientMessage {
	return ClientMessage{Type: TypeDiscard}
}

func ConfigAck(sessionID string) ServerMessage {
	return ServerMessage{Type: TypeConfigAck, SessionID: sessionID}
}

func Transcription(sliceIndex int, text string, isFinal bool) ServerMessage {
	return ServerMessage{
		Type:       TypeTranscription,
		SliceIndex: sliceIndex,
		Text:       text,
		IsFinal:    isFinal,
	}
}

func StopAck(sliceCount int) ServerMessage {
	return ServerMessage{Type: TypeStopAck, SliceCount: sliceCount}
}

func Completed(job *store.Job) ServerMessage {
	return ServerMessage{Type: TypeCompleted, Job: job}
}

func Error(code, stage, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Stage: stage, Message: message}
}

func ParseClient(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("parse client frame: %w", err)
	}
	switch msg.Type {
	case TypeConfig, TypeStop, TypeSave, TypeDiscard:
		return msg, nil
	}
	return ClientMessage{}, fmt.Errorf("unknown client frame type %q", msg.Type)
}

func ParseServer(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("parse server frame: %w", err)
	}
	switch msg.Type {
	case TypeConfigAck, TypeTranscription, TypeStopAck, TypeCompleted, TypeError:
		return msg, nil
	}
	return ServerMessage{}, fmt.Errorf("unknown server frame type %q", msg.Type)
}
