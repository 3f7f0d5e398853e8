package messaging

import (
	"time"
)

// Reaction is one emoji and the senders who currently apply it.
type Reaction struct {
	Emoji string   `json:"emoji"`
	From  []string `json:"from"`
}

// Message is the folded, display-ready view of one logical message after
// all corrections, reactions, receipts and retractions have been applied.
type Message struct {
	ID          MessageID        `json:"id"`
	RemoteID    *MessageRemoteID `json:"remoteId,omitempty"`
	ServerID    *MessageServerID `json:"serverId,omitempty"`
	From        string           `json:"from"`
	Body        string           `json:"body"`
	Timestamp   time.Time        `json:"timestamp"`
	IsEdited    bool             `json:"isEdited"`
	IsDelivered bool             `json:"isDelivered"`
	IsRead      bool             `json:"isRead"`
	IsTransient bool             `json:"isTransient"`
	Reactions   []Reaction       `json:"reactions,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
}

// Fold reduces an ordered event slice into display messages. Events must be
// in ascending timestamp order; the output preserves the insertion order of
// the underlying messages regardless of when modifiers arrived.
//
// Modifiers whose target does not resolve to a folded message are dropped.
// A retracted message leaves no trace in the output, but later modifiers
// addressed to it still resolve (and are then ignored).
func Fold(events []*MessageEvent) []*Message {
	var order []MessageID
	messages := make(map[MessageID]*Message, len(events))
	retracted := make(map[MessageID]bool)
	byRemoteID := make(map[MessageRemoteID]MessageID)
	byServerID := make(map[MessageServerID]MessageID)

	// First pass inserts message bodies so that modifiers which arrived
	// before their target (archive pages replay out of causal order at
	// page boundaries) still find it.
	for _, evt := range events {
		if evt.RemoteID != nil {
			byRemoteID[*evt.RemoteID] = evt.ID
		}
		if evt.ServerID != nil {
			byServerID[*evt.ServerID] = evt.ID
		}
		body, ok := evt.Payload.(*BodyPayload)
		if !ok {
			continue
		}
		if _, exists := messages[evt.ID]; !exists {
			order = append(order, evt.ID)
		}
		messages[evt.ID] = &Message{
			ID:          evt.ID,
			RemoteID:    evt.RemoteID,
			ServerID:    evt.ServerID,
			From:        bareJID(evt.From),
			Body:        body.Body,
			Timestamp:   evt.Timestamp,
			IsTransient: body.IsTransportError,
			Attachments: body.Attachments,
		}
	}

	resolve := func(target *MessageTargetID) (*Message, bool) {
		if target == nil {
			return nil, false
		}
		var id MessageID
		var found bool
		switch {
		case target.RemoteID != "":
			id, found = byRemoteID[target.RemoteID]
		case target.ServerID != "":
			id, found = byServerID[target.ServerID]
		}
		if !found {
			// Events read back from the store carry already-resolved
			// local ids as targets.
			id = MessageID(target.String())
		}
		msg, ok := messages[id]
		return msg, ok
	}

	for _, evt := range events {
		switch payload := evt.Payload.(type) {
		case *CorrectionPayload:
			msg, ok := resolve(evt.Target)
			if !ok || retracted[msg.ID] {
				continue
			}
			msg.Body = payload.Body
			msg.Attachments = payload.Attachments
			msg.IsEdited = true
		case *DeliveryReceiptPayload:
			if msg, ok := resolve(evt.Target); ok {
				msg.IsDelivered = true
			}
		case *ReadReceiptPayload:
			if msg, ok := resolve(evt.Target); ok {
				msg.IsRead = true
			}
		case *ReactionPayload:
			msg, ok := resolve(evt.Target)
			if !ok {
				continue
			}
			applyReactions(msg, bareJID(evt.From), payload.Emojis)
		case *RetractionPayload:
			msg, ok := resolve(evt.Target)
			if !ok {
				continue
			}
			retracted[msg.ID] = true
		}
	}

	result := make([]*Message, 0, len(order))
	for _, id := range order {
		if retracted[id] {
			continue
		}
		result = append(result, messages[id])
	}
	return result
}

// applyReactions reconciles one sender's reaction snapshot against the
// message. The snapshot is authoritative for that sender: emojis missing
// from it are withdrawn, new ones are appended. First-reaction order of the
// emoji list is preserved and emptied entries are removed.
func applyReactions(msg *Message, sender string, emojis []string) {
	snapshot := make(map[string]bool, len(emojis))
	for _, emoji := range emojis {
		snapshot[emoji] = true
	}

	kept := msg.Reactions[:0]
	for _, reaction := range msg.Reactions {
		if snapshot[reaction.Emoji] {
			if !containsString(reaction.From, sender) {
				reaction.From = append(reaction.From, sender)
			}
			delete(snapshot, reaction.Emoji)
		} else {
			reaction.From = removeString(reaction.From, sender)
			if len(reaction.From) == 0 {
				continue
			}
		}
		kept = append(kept, reaction)
	}
	msg.Reactions = kept

	for _, emoji := range emojis {
		if snapshot[emoji] {
			msg.Reactions = append(msg.Reactions, Reaction{Emoji: emoji, From: []string{sender}})
		}
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func removeString(haystack []string, needle string) []string {
	out := haystack[:0]
	for _, s := range haystack {
		if s != needle {
			out = append(out, s)
		}
	}
	return out
}
