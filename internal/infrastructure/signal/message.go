package signal

import (
	"encoding/json"
	"fmt"

	"sharechannel/internal/core/domain"
)

// MessageType names a rendezvous frame.
type MessageType string

const (
	// Server to client.
	TypeOpen    MessageType = "OPEN"
	TypeIDTaken MessageType = "ID-TAKEN"
	TypeError   MessageType = "ERROR"
	TypeExpire  MessageType = "EXPIRE"

	// Client to server.
	TypeHeartbeat MessageType = "HEARTBEAT"

	// Forwarded between clients.
	TypeOffer  MessageType = "OFFER"
	TypeAnswer MessageType = "ANSWER"
	TypeLeave  MessageType = "LEAVE"
)

// Message is the envelope every rendezvous frame travels in. Src is stamped
// by the server on forwarded frames.
type Message struct {
	Type    MessageType     `json:"type"`
	Src     domain.PeerID   `json:"src,omitempty"`
	Dst     domain.PeerID   `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Forwarded reports whether the server relays t to another client.
func (t MessageType) Forwarded() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeLeave
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ConnectionPayload carries OFFER and ANSWER bodies. ConnectionID pairs
// answers with their offers.
type ConnectionPayload struct {
	ConnectionID string             `json:"connectionId"`
	Label        string             `json:"label,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	SDP          SessionDescription `json:"sdp"`
}

type LeavePayload struct {
	ConnectionID string `json:"connectionId,omitempty"`
}

type ErrorPayload struct {
	Msg string `json:"msg"`
}

// NewMessage encodes payload into a message. A nil payload is omitted.
func NewMessage(t MessageType, src, dst domain.PeerID, payload interface{}) (Message, error) {
	msg := Message{Type: t, Src: src, Dst: dst}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s without payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

func errorMessage(text string) Message {
	msg, _ := NewMessage(TypeError, "", "", ErrorPayload{Msg: text})
	return msg
}
