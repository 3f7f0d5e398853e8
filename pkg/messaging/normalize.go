package messaging

import (
	"fmt"
	"time"

	"go.mau.fi/util/ptr"
)

// Normalizer turns the three wire shapes — live stanza, carbon-forwarded
// stanza, archive-forwarded stanza — into MessageEvents. It is pure: the
// caller supplies the local id (see IdentityResolver) and a fallback
// receipt time for stanzas without a delay wrapper.
type Normalizer struct{}

// NormalizeMessage converts a live stanza. receivedAt is used as the
// timestamp when the stanza carries no delay wrapper, so live messages get
// approximate receipt time while replayed ones keep their send time.
func (Normalizer) NormalizeMessage(id MessageID, s *Stanza, receivedAt time.Time) (*MessageEvent, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: missing message", ErrMalformedStanza)
	}
	if s.From == "" {
		return nil, fmt.Errorf("%w: missing from attribute", ErrMalformedStanza)
	}

	target, payload, err := classifyPayload(s)
	if err != nil {
		return nil, err
	}

	timestamp := receivedAt
	if s.Delay != nil {
		timestamp = *s.Delay
	}

	event := &MessageEvent{
		ID:        id,
		From:      s.From,
		To:        s.To,
		Timestamp: timestamp,
		Target:    target,
		Payload:   payload,
	}
	if s.ID != "" {
		event.RemoteID = ptr.Ptr(MessageRemoteID(s.ID))
	}
	if s.StanzaID != "" {
		event.ServerID = ptr.Ptr(MessageServerID(s.StanzaID))
	}
	return event, nil
}

// NormalizeForwarded converts a forwarded stanza. The forwarding wrapper's
// delay, when present, overrides the inner stanza's timestamp.
func (n Normalizer) NormalizeForwarded(id MessageID, f *Forwarded, receivedAt time.Time) (*MessageEvent, error) {
	if f == nil || f.Stanza == nil {
		return nil, fmt.Errorf("%w: missing forwarded message", ErrMalformedStanza)
	}
	event, err := n.NormalizeMessage(id, f.Stanza, receivedAt)
	if err != nil {
		return nil, err
	}
	if f.Delay != nil {
		event.Timestamp = *f.Delay
	}
	return event, nil
}

// NormalizeCarbon converts a carbon copy of a stanza another of the user's
// own devices sent or received.
func (n Normalizer) NormalizeCarbon(id MessageID, c *Carbon, receivedAt time.Time) (*MessageEvent, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: missing carbon", ErrMalformedStanza)
	}
	return n.NormalizeForwarded(id, &c.Forwarded, receivedAt)
}

// NormalizeArchived converts an archive-replayed item. The archive id wins
// over any stanza-id on the inner stanza: it is the authoritative server id
// for this conversation's archive.
func (n Normalizer) NormalizeArchived(id MessageID, m *ArchivedMessage, receivedAt time.Time) (*MessageEvent, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: missing archived message", ErrMalformedStanza)
	}
	event, err := n.NormalizeForwarded(id, &m.Forwarded, receivedAt)
	if err != nil {
		return nil, err
	}
	event.ServerID = ptr.Ptr(m.ID)
	return event, nil
}

// classifyPayload picks the event payload for a stanza. First match wins,
// mirroring protocol precedence: transport error, reaction, retraction,
// correction, delivery marker, read marker, plain body.
func classifyPayload(s *Stanza) (*MessageTargetID, Payload, error) {
	if s.Error != nil {
		// Surface transport errors as synthetic bodies so the timeline can
		// show that a message bounced instead of losing it entirely.
		return nil, &BodyPayload{
			Body:             s.Error.String(),
			IsTransportError: true,
		}, nil
	}

	isGroupchat := s.Type == StanzaTypeGroupchat

	if s.Reactions != nil {
		return targetForKind(isGroupchat, s.Reactions.TargetID), &ReactionPayload{
			Emojis: s.Reactions.Emojis,
		}, nil
	}

	if s.Fastening != nil && s.Fastening.Retract {
		// Retractions always reference the sender's own message, so the
		// remote id namespace applies regardless of chat type.
		return TargetRemoteID(MessageRemoteID(s.Fastening.TargetID)), &RetractionPayload{}, nil
	}

	attachments := s.Attachments()
	hasBody := s.Body != "" || len(attachments) > 0

	if hasBody && s.ReplaceID != "" {
		return TargetRemoteID(MessageRemoteID(s.ReplaceID)), &CorrectionPayload{
			Body:        s.Body,
			Attachments: attachments,
		}, nil
	}

	if s.ReceivedMarker != "" {
		return targetForKind(isGroupchat, s.ReceivedMarker), &DeliveryReceiptPayload{}, nil
	}

	if s.DisplayedMarker != "" {
		return targetForKind(isGroupchat, s.DisplayedMarker), &ReadReceiptPayload{}, nil
	}

	if hasBody {
		return nil, &BodyPayload{
			Body:        s.Body,
			Attachments: attachments,
		}, nil
	}

	return nil, nil, ErrNoPayload
}

// targetForKind picks the id namespace for targets that reference someone
// else's message: in group chats only the archive-assigned server id is
// stable across participants, in direct chats the sender-assigned id is.
func targetForKind(isGroupchat bool, id string) *MessageTargetID {
	if isGroupchat {
		return TargetServerID(MessageServerID(id))
	}
	return TargetRemoteID(MessageRemoteID(id))
}
