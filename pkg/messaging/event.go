package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageEvent is the unit of the append-only log: either a visible message
// body or a modifier (correction, reaction, receipt, retraction) that the
// fold engine applies onto the message it targets. Events that need to be
// replayed to restore a conversation's history are stored as MessageEvents;
// ephemeral traffic like chat states never becomes one.
type MessageEvent struct {
	// ID is the local id. Always set; minted by an IDProvider when the wire
	// message carried no id we could resolve to an existing row.
	ID       MessageID
	RemoteID *MessageRemoteID
	ServerID *MessageServerID

	From      string // bare JID for direct chats, occupant JID for group chats
	To        string
	Timestamp time.Time

	// Target is only set on modifier payloads and references the message
	// being modified by its remote or server id.
	Target  *MessageTargetID
	Payload Payload
}

// IsBody reports whether the event creates a visible message when folded.
func (e *MessageEvent) IsBody() bool {
	_, ok := e.Payload.(*BodyPayload)
	return ok
}

// IsTransportError reports whether the event is a synthetic body produced
// from a stanza-level transport error.
func (e *MessageEvent) IsTransportError() bool {
	body, ok := e.Payload.(*BodyPayload)
	return ok && body.IsTransportError
}

// Attachment is a file reference carried by a body or correction.
type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
}

// Payload is the closed set of event payload kinds. The fold engine handles
// every kind exhaustively, which is why this is a tagged variant rather than
// an open interface hierarchy.
type Payload interface {
	payloadType() string
}

type BodyPayload struct {
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// IsTransportError marks bodies synthesized from a stanza error. The
	// live path surfaces these to the user; catchup drops archived echoes.
	IsTransportError bool `json:"is_transport_error,omitempty"`
}

type CorrectionPayload struct {
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ReactionPayload carries the complete current emoji set the sending author
// attaches to the target, not a delta.
type ReactionPayload struct {
	Emojis []string `json:"emojis"`
}

type DeliveryReceiptPayload struct{}

type ReadReceiptPayload struct{}

type RetractionPayload struct{}

const (
	payloadTypeBody            = "message"
	payloadTypeCorrection      = "correction"
	payloadTypeReaction        = "reaction"
	payloadTypeDeliveryReceipt = "delivery-receipt"
	payloadTypeReadReceipt     = "read-receipt"
	payloadTypeRetraction      = "retraction"
)

func (*BodyPayload) payloadType() string            { return payloadTypeBody }
func (*CorrectionPayload) payloadType() string      { return payloadTypeCorrection }
func (*ReactionPayload) payloadType() string        { return payloadTypeReaction }
func (*DeliveryReceiptPayload) payloadType() string { return payloadTypeDeliveryReceipt }
func (*ReadReceiptPayload) payloadType() string     { return payloadTypeReadReceipt }
func (*RetractionPayload) payloadType() string      { return payloadTypeRetraction }

type payloadEnvelope struct {
	Type string `json:"type"`
}

// marshalPayload serializes a payload for storage with a "type" tag.
func marshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("cannot marshal nil payload")
	}
	// Flatten the payload fields next to the tag instead of nesting them.
	inner, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err = json.Unmarshal(inner, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", p.payloadType()))
	return json.Marshal(fields)
}

func unmarshalPayload(data []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse payload envelope: %w", err)
	}
	var payload Payload
	switch env.Type {
	case payloadTypeBody:
		payload = &BodyPayload{}
	case payloadTypeCorrection:
		payload = &CorrectionPayload{}
	case payloadTypeReaction:
		payload = &ReactionPayload{}
	case payloadTypeDeliveryReceipt:
		payload = &DeliveryReceiptPayload{}
	case payloadTypeReadReceipt:
		payload = &ReadReceiptPayload{}
	case payloadTypeRetraction:
		payload = &RetractionPayload{}
	default:
		return nil, fmt.Errorf("unknown payload type %q", env.Type)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", env.Type, err)
	}
	return payload, nil
}
