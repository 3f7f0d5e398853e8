package messaging

import (
	"errors"
	"fmt"
	"time"
)

// Errors surfaced by the normalization layer.
//
// ErrNoPayload means the stanza carried none of the recognized payload
// shapes. It is recovered locally: the item is silently dropped and never
// reported to the caller as a failure.
//
// ErrMalformedStanza means the wire data was structurally invalid. Callers
// log it and continue with the next item.
var (
	ErrNoPayload       = errors.New("no payload in message")
	ErrMalformedStanza = errors.New("malformed stanza")
)

// StanzaType is the XMPP message type attribute.
type StanzaType string

const (
	StanzaTypeChat      StanzaType = "chat"
	StanzaTypeGroupchat StanzaType = "groupchat"
	StanzaTypeNormal    StanzaType = "normal"
	StanzaTypeError     StanzaType = "error"
)

// Stanza is a decoded message stanza as handed over by the transport layer.
// Decoding XML and transport-level dedup are the transport's job; this core
// only classifies and normalizes the already-structured shape.
type Stanza struct {
	// ID is the sender-assigned id attribute ("" when absent).
	ID string
	// StanzaID is the archive id the server stamped onto the stanza
	// ("" when absent).
	StanzaID string

	Type StanzaType
	From string
	To   string

	Body string

	// Delay is the authoritative send time from an embedded delay wrapper.
	Delay *time.Time

	Error           *StanzaError
	Reactions       *Reactions
	Fastening       *Fastening
	ReplaceID       string // id of the message this stanza corrects
	ReceivedMarker  string // id of the message marked as delivered
	DisplayedMarker string // id of the message marked as read

	MediaShares []MediaShare
	OOB         []OOBAttachment
}

// StanzaError is a stanza-level transport error child.
type StanzaError struct {
	Kind string // e.g. "cancel", "wait"
	Text string
}

func (e *StanzaError) String() string {
	if e.Text == "" {
		return fmt.Sprintf("error (%s)", e.Kind)
	}
	return e.Text
}

// Reactions is a reaction element: the complete emoji set the sender
// currently attaches to the referenced message.
type Reactions struct {
	TargetID string
	Emojis   []string
}

// Fastening is an apply-to element; only retractions are recognized.
type Fastening struct {
	TargetID string
	Retract  bool
}

// MediaShare is a modern out-of-band file reference.
type MediaShare struct {
	URL       string
	MediaType string
	FileName  string
}

// OOBAttachment is a legacy inline-URL attachment.
type OOBAttachment struct {
	URL         string
	Description string
}

// Attachments returns the stanza's unique attachments: media shares first,
// then legacy OOB URLs, deduplicated by target URL.
func (s *Stanza) Attachments() []Attachment {
	var attachments []Attachment
	seen := make(map[string]bool, len(s.MediaShares)+len(s.OOB))
	for _, share := range s.MediaShares {
		if share.URL == "" || seen[share.URL] {
			continue
		}
		seen[share.URL] = true
		attachments = append(attachments, Attachment{
			URL:       share.URL,
			MediaType: share.MediaType,
			FileName:  share.FileName,
		})
	}
	for _, oob := range s.OOB {
		if oob.URL == "" || seen[oob.URL] {
			continue
		}
		seen[oob.URL] = true
		attachments = append(attachments, Attachment{
			URL:      oob.URL,
			FileName: oob.Description,
		})
	}
	return attachments
}

// Forwarded wraps a stanza that was re-delivered inside another stanza
// (carbon or archive replay), optionally with its original send time.
type Forwarded struct {
	Delay  *time.Time
	Stanza *Stanza
}

// Carbon is a copy of a stanza sent to or from another of the user's own
// connected devices.
type Carbon struct {
	// Sent is true for copies of stanzas another of our devices sent,
	// false for copies of stanzas it received.
	Sent      bool
	Forwarded Forwarded
}

// ArchivedMessage is one item replayed from the server-side archive.
type ArchivedMessage struct {
	// ID is the archive id of the item, also used as the pagination cursor.
	ID        MessageServerID
	Forwarded Forwarded
}

// ArchivePage is one page of archive results.
type ArchivePage struct {
	Messages []ArchivedMessage
	IsLast   bool
}

// Cursor returns the archive id of the last item on the page, used to
// request the next page without re-fetching boundary-timestamp duplicates.
func (p *ArchivePage) Cursor() MessageServerID {
	if len(p.Messages) == 0 {
		return ""
	}
	return p.Messages[len(p.Messages)-1].ID
}
