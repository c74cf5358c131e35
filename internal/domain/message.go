package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an inbound message for routing purposes.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindSticker  Kind = "sticker"
	KindLocation Kind = "location"
	KindButtons  Kind = "buttons"
	KindList     Kind = "list"
	KindContact  Kind = "contact"
	KindUnknown  Kind = "unknown"
)

// Message is one inbound unit as delivered by the transport webhook.
//
// Key identifies the sender and partitions messages into independent
// aggregation groups; messages for the same key are buffered and flushed
// together in arrival order.
type Message struct {
	ID         string
	Key        string
	Kind       Kind
	Body       string
	ReplyTo    string // id of the message this one replies to, if any
	ReceivedAt time.Time
}

// IsReply reports whether the message references another message.
func (m Message) IsReply() bool { return m.ReplyTo != "" }

// NewMessage builds a Message with a generated id and current timestamp.
func NewMessage(key string, kind Kind, body string) Message {
	return Message{
		ID:         uuid.NewString(),
		Key:        key,
		Kind:       kind,
		Body:       body,
		ReceivedAt: time.Now(),
	}
}

// Domain errors shared by the engines.
var (
	ErrNoRecipients  = errors.New("recipient list is empty")
	ErrEmptyPayload  = errors.New("payload is empty")
	ErrEmptyTemplate = errors.New("template has no name")
)
