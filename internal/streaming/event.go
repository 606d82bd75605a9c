package streaming

import (
	"encoding/json"
	"time"
)

// Terminal event types close a session's stream.
const (
	TypeComplete = "complete"
	TypeError    = "error"
)

// Event is one entry of a session's stream. ID and Timestamp are assigned by
// the bus on publish.
type Event struct {
	ID        uint64
	SessionID string
	Type      string
	NodeName  string
	Message   string
	Payload   map[string]any
	Timestamp time.Time
}

// Terminal reports whether no event can follow this one.
func (e Event) Terminal() bool { return e.Type == TypeComplete || e.Type == TypeError }

// MarshalJSON flattens the payload into the top-level object so clients see
// {"type": ..., "node_name": ..., <payload keys>, "timestamp": ...}. Payload
// keys never override the envelope fields.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+6)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["id"] = e.ID
	out["session_id"] = e.SessionID
	out["type"] = e.Type
	if e.NodeName != "" {
		out["node_name"] = e.NodeName
	}
	if e.Message != "" {
		out["message"] = e.Message
	}
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

var envelopeKeys = map[string]bool{
	"id": true, "session_id": true, "type": true, "node_name": true, "message": true, "timestamp": true,
}

// UnmarshalJSON is the inverse of MarshalJSON; unknown keys become payload.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var env struct {
		ID        uint64    `json:"id"`
		SessionID string    `json:"session_id"`
		Type      string    `json:"type"`
		NodeName  string    `json:"node_name"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	*e = Event{
		ID:        env.ID,
		SessionID: env.SessionID,
		Type:      env.Type,
		NodeName:  env.NodeName,
		Message:   env.Message,
		Timestamp: env.Timestamp,
	}
	for k, v := range raw {
		if envelopeKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if e.Payload == nil {
			e.Payload = make(map[string]any)
		}
		e.Payload[k] = val
	}
	return nil
}
