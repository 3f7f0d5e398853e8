package messaging

import (
	"strings"

	"github.com/google/uuid"
)

// AccountID is the bare JID of the signed-in account. All store operations
// are scoped by it so that multiple accounts can share one database file.
type AccountID string

// RoomID identifies one conversation (a bare user JID for direct chats or a
// bare room JID for group chats).
type RoomID string

// MessageID is the id this client assigns to a message when persisting it.
// It is the only id that is guaranteed to exist on every stored event and it
// is never sent over the wire — treat it as synthetic, not authoritative.
type MessageID string

// MessageRemoteID is the id the sending client put on the stanza. It is
// stable across that client's own retransmissions (corrections reference it)
// but means nothing coming from anyone else's stanzas.
type MessageRemoteID string

// MessageServerID is the archive id the server assigned when it stored the
// message. Stable and orderable within one conversation's archive.
type MessageServerID string

func (id AccountID) String() string       { return string(id) }
func (id RoomID) String() string          { return string(id) }
func (id MessageID) String() string       { return string(id) }
func (id MessageRemoteID) String() string { return string(id) }
func (id MessageServerID) String() string { return string(id) }

// MessageTargetID references another message by one of the two wire-visible
// id namespaces. Exactly one of the fields is set.
type MessageTargetID struct {
	RemoteID MessageRemoteID
	ServerID MessageServerID
}

// TargetRemoteID builds a target reference in the sender-assigned namespace.
func TargetRemoteID(id MessageRemoteID) *MessageTargetID {
	return &MessageTargetID{RemoteID: id}
}

// TargetServerID builds a target reference in the archive namespace.
func TargetServerID(id MessageServerID) *MessageTargetID {
	return &MessageTargetID{ServerID: id}
}

func (t *MessageTargetID) String() string {
	if t == nil {
		return ""
	}
	if t.ServerID != "" {
		return string(t.ServerID)
	}
	return string(t.RemoteID)
}

// IDProvider mints fresh local message ids. Injected so tests can supply
// deterministic ids instead of relying on global randomness.
type IDProvider interface {
	NewMessageID() MessageID
}

// UUIDProvider is the production IDProvider.
type UUIDProvider struct{}

func (UUIDProvider) NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

// bareJID strips the resource part from a JID ("a@b/res" -> "a@b").
func bareJID(jid string) string {
	if idx := strings.IndexByte(jid, '/'); idx >= 0 {
		return jid[:idx]
	}
	return jid
}
