// Package pubsub defines the continuous event-channel primitive: a
// long-lived subscription addressable by topic family and filter
// parameters, yielding an ordered stream of events until closed.
package pubsub

import (
	"context"

	"github.com/tetherhq/tether/pkg/models"
)

// Filters narrows a channel to events matching the given parameters.
// Empty fields match everything.
type Filters struct {
	UserID    string
	SessionID string
}

// Channel is one live event stream.
type Channel interface {
	// Events yields the ordered event stream. Closed when the channel
	// ends.
	Events() <-chan models.DomainEvent
	// Errors yields channel-level errors. An error terminates the stream.
	Errors() <-chan error
	// Done is closed on graceful server-initiated completion.
	Done() <-chan struct{}
	// Close tears the channel down from the subscriber side.
	Close() error
}

// Opener opens continuous event channels.
type Opener interface {
	Open(ctx context.Context, family models.EventFamily, filters Filters) (Channel, error)
}

// Publisher delivers domain events into the event plane.
type Publisher interface {
	Publish(ctx context.Context, event models.DomainEvent) error
}

func (f Filters) matches(event models.DomainEvent) bool {
	if f.UserID != "" && f.UserID != event.UserID {
		return false
	}
	if f.SessionID != "" && f.SessionID != eventSessionID(event) {
		return false
	}
	return true
}

func eventSessionID(event models.DomainEvent) string {
	switch {
	case event.VoiceSession != nil:
		return event.VoiceSession.SessionID
	case event.ChatMessage != nil:
		return event.ChatMessage.SessionID
	case event.Note != nil:
		return event.Note.NoteID
	default:
		return ""
	}
}
