package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sender says which side of the conversation produced a message.
type Sender string

const (
	SenderMe   Sender = "me"
	SenderPeer Sender = "peer"
)

// ChatMessage is an application message as seen by the local client.
type ChatMessage struct {
	ID        string `json:"id"`
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// WireMessage is what actually travels over the data channel.
// It carries no sender: the receiver stamps that itself.
type WireMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

var ErrEmptyPayload = errors.New("empty message payload")

// NewOutgoing creates a message authored locally.
func NewOutgoing(text string, now time.Time) *ChatMessage {
	return &ChatMessage{
		ID:        uuid.NewString(),
		Sender:    SenderMe,
		Text:      text,
		Timestamp: now.UnixMilli(),
	}
}

// Wire strips the sender for transmission.
func (m *ChatMessage) Wire() WireMessage {
	return WireMessage{ID: m.ID, Text: m.Text, Timestamp: m.Timestamp}
}

func (m *ChatMessage) MarshalWire() ([]byte, error) {
	return json.Marshal(m.Wire())
}

// DecodeIncoming parses a wire payload received from the peer. The id and
// timestamp sent by the peer are discarded; the message gets fresh ones.
func DecodeIncoming(payload []byte, now time.Time) (*ChatMessage, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var wire WireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}

	return &ChatMessage{
		ID:        uuid.NewString(),
		Sender:    SenderPeer,
		Text:      wire.Text,
		Timestamp: now.UnixMilli(),
	}, nil
}
