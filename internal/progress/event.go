// Package progress delivers pipeline progress events to live client channels.
package progress

import (
	"encoding/json"
	"errors"
)

var (
	// ErrChannelClosed is returned by Send once the client connection has gone.
	ErrChannelClosed = errors.New("progress channel closed")
	// ErrChannelFull is returned by Send when the client is not draining its queue.
	ErrChannelFull = errors.New("progress channel full")
)

// Event is one progress update. A nil Percent means "keep the last known percent".
type Event struct {
	Percent *int   `json:"percent,omitempty"`
	Message string `json:"message"`
}

// ConnectedMessage is the message of the first frame sent on every new stream.
const ConnectedMessage = "connected"

// Connected returns the greeting event sent when a stream opens.
func Connected() Event {
	return At(0, ConnectedMessage)
}

// At returns an event carrying an absolute percent.
func At(percent int, message string) Event {
	p := percent
	return Event{Percent: &p, Message: message}
}

// Note returns a message-only event.
func Note(message string) Event {
	return Event{Message: message}
}

// HasPercent reports whether the event carries a percent.
func (e Event) HasPercent() bool {
	return e.Percent != nil
}

// PercentOr returns the event percent or def when absent.
func (e Event) PercentOr(def int) int {
	if e.Percent == nil {
		return def
	}
	return *e.Percent
}

// Terminal reports whether the event ends a run: 100 on success, 0 with a
// message on failure. The connected greeting is not terminal.
func (e Event) Terminal() bool {
	p := e.PercentOr(-1)
	return p == 100 || (p == 0 && e.Message != "" && e.Message != ConnectedMessage)
}

// Frame encodes the event as a server-sent-events data frame.
func (e Event) Frame() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// Channel is a live, session-scoped push connection.
type Channel interface {
	// Send enqueues an event. It must not block.
	Send(Event) error
	// Close releases the channel. Further sends fail with ErrChannelClosed.
	Close() error
}
