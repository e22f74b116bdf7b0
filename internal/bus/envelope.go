// Package bus implements the typed message-bus envelope contract from
// spec § 6 and the publish/subscribe transport over NATS Streaming, the
// same transport the teacher wires up in sessions.go and manager.go's
// ForwardProduce.
package bus

import (
	gojson "encoding/json"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json is configured identically to the teacher's main.go / client.go:
// a drop-in, faster encoding/json replacement.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the wire format for every message on the bus. Per spec § 6,
// envelopes are JSON-encoded; TargetID == "" means broadcast.
type Envelope struct {
	Type          string            `json:"type"`
	SenderID      string            `json:"senderId"`
	TargetID      string            `json:"targetId,omitempty"`
	CorrelationID string            `json:"correlationId"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       int               `json:"version"`
	Payload       gojson.RawMessage `json:"payload"`
}

// EnvelopeVersion is the current wire version stamped on outgoing envelopes.
const EnvelopeVersion = 1

// Encode marshals payload into an Envelope of the given type.
func Encode(msgType, senderID, targetID, correlationID string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:          msgType,
		SenderID:      senderID,
		TargetID:      targetID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Version:       EnvelopeVersion,
		Payload:       raw,
	}, nil
}

// Marshal serializes an Envelope to bytes for transport.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes bytes into an Envelope.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// DecodePayload decodes the envelope's payload into out.
func (e Envelope) DecodePayload(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}
