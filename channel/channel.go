// Package channel is the client side of the live session connection: a
// thin duplex transport that sends audio slices and control frames in
// order and surfaces typed server events. It holds no semantic state;
// reconciliation and buffering belong to the session controller.
package channel

import (
	"context"

	"github.com/beingfastian/APD-Listener-Tool/store"
	"github.com/beingfastian/APD-Listener-Tool/wire"
)

type EventKind int

const (
	EventTranscription EventKind = iota
	EventStopAck
	EventCompleted
	EventError
	// EventDropped reports the connection dying mid-session. The local
	// slice buffer is unaffected; the controller decides what happens.
	EventDropped
)

type Event struct {
	Kind       EventKind
	SliceIndex int
	Text       string
	IsFinal    bool
	SliceCount int
	Job        *store.Job
	Code       string
	Stage      string
	Message    string
	Err        error
}

type SessionConfig struct {
	SampleRateHz    int
	Channels        int
	SliceIntervalMs int
}

// Channel is one live session connection. Binary audio sends and
// control sends share the socket and reach the backend in send order.
type Channel interface {
	Connect(ctx context.Context, cfg SessionConfig) error
	SendAudio(data []byte) error
	SendControl(msg wire.ClientMessage) error
	Events() <-chan Event
	Close() error
}

func eventFromServer(msg wire.ServerMessage) (Event, bool) {
	switch msg.Type {
	case wire.TypeTranscription:
		return Event{
			Kind:       EventTranscription,
			SliceIndex: msg.SliceIndex,
			Text:       msg.Text,
			IsFinal:    msg.IsFinal,
		}, true
	case wire.TypeStopAck:
		return Event{Kind: EventStopAck, SliceCount: msg.SliceCount}, true
	case wire.TypeCompleted:
		return Event{Kind: EventCompleted, Job: msg.Job}, true
	case wire.TypeError:
		return Event{
			Kind:    EventError,
			Code:    msg.Code,
			Stage:   msg.Stage,
			Message: msg.Message,
		}, true
	}
	return Event{}, false
}
