// Package history persists finalized chat messages and replays a bounded
// window of them to newly joined connections.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned for a message that has no user or does not
// carry exactly one of text and image.
var ErrInvalidMessage = errors.New("invalid message")

// Message is an immutable, persisted chat event: either text or an image.
type Message struct {
	ID        uuid.UUID `json:"id"`
	User      string    `json:"user"`
	Text      string    `json:"msg,omitempty"`
	Image     []byte    `json:"img,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewText builds a text message stamped with at.
func NewText(user, text string, at time.Time) Message {
	return Message{ID: uuid.New(), User: user, Text: text, Timestamp: at.UTC()}
}

// NewImage builds an image message stamped with at. The payload is copied.
func NewImage(user string, image []byte, at time.Time) Message {
	return Message{ID: uuid.New(), User: user, Image: append([]byte(nil), image...), Timestamp: at.UTC()}
}

// IsImage reports whether the message carries an image.
func (m Message) IsImage() bool {
	return len(m.Image) > 0
}

// Validate checks the record shape.
func (m Message) Validate() error {
	switch {
	case m.User == "":
		return fmt.Errorf("%w: missing user", ErrInvalidMessage)
	case m.Text != "" && len(m.Image) > 0:
		return fmt.Errorf("%w: both text and image set", ErrInvalidMessage)
	case m.Text == "" && len(m.Image) == 0:
		return fmt.Errorf("%w: neither text nor image set", ErrInvalidMessage)
	}
	return nil
}
