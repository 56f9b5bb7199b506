package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a WebSocket envelope.
type EventType string

// Server -> agent events.
const (
	EventAuthSuccess         EventType = "auth_success"
	EventAuthFailed          EventType = "auth_failed"
	EventCommandExecute      EventType = "command_execute"
	EventNewVersionAvailable EventType = "new_version_available"
)

// Agent -> server events.
const (
	EventAuthenticate  EventType = "authenticate"
	EventStatusUpdate  EventType = "status_update"
	EventCommandResult EventType = "command_result"
	EventUpdateStatus  EventType = "update_status"
)

// Envelope is the frame carried on the duplex session in both
// directions. Payload shape depends on Type.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// AuthenticateEvent is the message-level auth fallback used when header
// authentication was not accepted at the handshake.
type AuthenticateEvent struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}
