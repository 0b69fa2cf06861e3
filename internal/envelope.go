package internal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MsgType discriminates the envelopes exchanged over the transport.
type MsgType string

const (
	// client -> server
	TypeJoin   MsgType = "join"
	TypeLeave  MsgType = "leave"
	TypeSend   MsgType = "send"
	TypeTyping MsgType = "typing"

	// server -> client
	TypeAck       MsgType = "ack"
	TypeReject    MsgType = "reject"
	TypeBroadcast MsgType = "broadcast"
	TypePresence  MsgType = "presence"
)

// MsgKind classifies a chat payload.
type MsgKind string

const (
	KindChat   MsgKind = "chat"
	KindPhoto  MsgKind = "photo"
	KindSystem MsgKind = "system"
)

// Presence event values carried by presence envelopes.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Envelope is the single json frame shared by the client and server. One
// struct covers every type; Validate enforces which fields each type needs.
// A broadcast envelope is immutable once the server accepted it: sequence
// and server_ts are assigned exactly once.
type Envelope struct {
	Type          MsgType  `json:"type"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	RoomID        string   `json:"room_id,omitempty"`
	SenderID      string   `json:"sender_id,omitempty"`
	SenderName    string   `json:"sender_name,omitempty"`
	Kind          MsgKind  `json:"kind,omitempty"`
	Body          string   `json:"body,omitempty"`
	AttachmentID  string   `json:"attachment_id,omitempty"`
	Users         []string `json:"users,omitempty"`
	Event         string   `json:"event,omitempty"`
	Active        bool     `json:"active,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Sequence      int64    `json:"sequence,omitempty"`
	ServerTS      int64    `json:"server_ts,omitempty"`
}

var errMalformed = errors.New("malformed envelope")

// Validate checks the fields required for a client-submitted envelope. The
// server rejects anything that fails here without tearing the connection
// down; repeated failures are handled by the session.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeJoin, TypeLeave:
		if e.RoomID == "" {
			return fmt.Errorf("%w: %s requires room_id", errMalformed, e.Type)
		}
	case TypeSend:
		if e.RoomID == "" || e.CorrelationID == "" {
			return fmt.Errorf("%w: send requires room_id and correlation_id", errMalformed)
		}
		if e.Body == "" && e.AttachmentID == "" {
			return fmt.Errorf("%w: send requires body or attachment_id", errMalformed)
		}
		switch e.Kind {
		case KindChat, KindPhoto, KindSystem, "":
		default:
			return fmt.Errorf("%w: unknown kind %q", errMalformed, e.Kind)
		}
	case TypeTyping:
		if e.RoomID == "" {
			return fmt.Errorf("%w: typing requires room_id", errMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", errMalformed, e.Type)
	}
	return nil
}

// DecodeEnvelope parses a raw frame. Unknown fields are ignored so older
// clients keep working against a newer server.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return env, nil
}

// EncodeEnvelope renders an envelope for the wire.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// RejectEnvelope builds the reject for a failed submission. The correlation
// id lets the sender match it to the queued attempt.
func RejectEnvelope(correlationID, roomID, reason string) Envelope {
	return Envelope{
		Type:          TypeReject,
		CorrelationID: correlationID,
		RoomID:        roomID,
		Reason:        reason,
	}
}
