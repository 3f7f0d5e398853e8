package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePlainBody(t *testing.T) {
	var n Normalizer
	evt, err := n.NormalizeMessage("local-1", &Stanza{
		ID:   "remote-1",
		Type: StanzaTypeChat,
		From: "bob@prose.org/phone",
		To:   "alice@prose.org",
		Body: "hello",
	}, baseTime)
	require.NoError(t, err)

	assert.Equal(t, MessageID("local-1"), evt.ID)
	require.NotNil(t, evt.RemoteID)
	assert.Equal(t, MessageRemoteID("remote-1"), *evt.RemoteID)
	assert.Nil(t, evt.ServerID)
	assert.Nil(t, evt.Target)
	assert.Equal(t, baseTime, evt.Timestamp)
	require.IsType(t, &BodyPayload{}, evt.Payload)
	assert.Equal(t, "hello", evt.Payload.(*BodyPayload).Body)
}

func TestNormalizeDelayOverridesReceiptTime(t *testing.T) {
	var n Normalizer
	sent := baseTime.Add(-2 * time.Hour)
	evt, err := n.NormalizeMessage("local-1", &Stanza{
		From:  "bob@prose.org",
		Body:  "old news",
		Delay: &sent,
	}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, sent, evt.Timestamp)
}

func TestNormalizeErrorBeatsEverything(t *testing.T) {
	var n Normalizer
	evt, err := n.NormalizeMessage("local-1", &Stanza{
		Type:      StanzaTypeError,
		From:      "bob@prose.org",
		Body:      "original body",
		Reactions: &Reactions{TargetID: "x", Emojis: []string{"👍"}},
		Error:     &StanzaError{Kind: "cancel"},
	}, baseTime)
	require.NoError(t, err)

	require.IsType(t, &BodyPayload{}, evt.Payload)
	body := evt.Payload.(*BodyPayload)
	assert.True(t, body.IsTransportError)
	assert.Equal(t, "error (cancel)", body.Body)
	assert.True(t, evt.IsTransportError())
}

func TestNormalizeReactionTargetNamespace(t *testing.T) {
	var n Normalizer

	direct, err := n.NormalizeMessage("local-1", &Stanza{
		Type:      StanzaTypeChat,
		From:      "bob@prose.org",
		Reactions: &Reactions{TargetID: "msg-1", Emojis: []string{"🎉"}},
	}, baseTime)
	require.NoError(t, err)
	require.NotNil(t, direct.Target)
	assert.Equal(t, MessageRemoteID("msg-1"), direct.Target.RemoteID)
	assert.Empty(t, direct.Target.ServerID)

	group, err := n.NormalizeMessage("local-2", &Stanza{
		Type:      StanzaTypeGroupchat,
		From:      "room@muc.prose.org/bob",
		Reactions: &Reactions{TargetID: "arch-1", Emojis: []string{"🎉"}},
	}, baseTime)
	require.NoError(t, err)
	require.NotNil(t, group.Target)
	assert.Equal(t, MessageServerID("arch-1"), group.Target.ServerID)
	assert.Empty(t, group.Target.RemoteID)
}

func TestNormalizeRetractionAlwaysUsesRemoteID(t *testing.T) {
	var n Normalizer
	evt, err := n.NormalizeMessage("local-1", &Stanza{
		Type:      StanzaTypeGroupchat,
		From:      "room@muc.prose.org/bob",
		Fastening: &Fastening{TargetID: "msg-1", Retract: true},
	}, baseTime)
	require.NoError(t, err)
	require.IsType(t, &RetractionPayload{}, evt.Payload)
	require.NotNil(t, evt.Target)
	assert.Equal(t, MessageRemoteID("msg-1"), evt.Target.RemoteID)
}

func TestNormalizeCorrection(t *testing.T) {
	var n Normalizer
	evt, err := n.NormalizeMessage("local-1", &Stanza{
		From:      "bob@prose.org",
		Body:      "fixed",
		ReplaceID: "msg-1",
	}, baseTime)
	require.NoError(t, err)
	require.IsType(t, &CorrectionPayload{}, evt.Payload)
	assert.Equal(t, "fixed", evt.Payload.(*CorrectionPayload).Body)
	assert.Equal(t, MessageRemoteID("msg-1"), evt.Target.RemoteID)
}

func TestNormalizeMarkers(t *testing.T) {
	var n Normalizer

	delivered, err := n.NormalizeMessage("local-1", &Stanza{
		From:           "bob@prose.org",
		ReceivedMarker: "msg-1",
	}, baseTime)
	require.NoError(t, err)
	assert.IsType(t, &DeliveryReceiptPayload{}, delivered.Payload)

	read, err := n.NormalizeMessage("local-2", &Stanza{
		From:            "bob@prose.org",
		DisplayedMarker: "msg-1",
	}, baseTime)
	require.NoError(t, err)
	assert.IsType(t, &ReadReceiptPayload{}, read.Payload)
}

func TestNormalizeAttachmentsDedupedByURL(t *testing.T) {
	var n Normalizer
	evt, err := n.NormalizeMessage("local-1", &Stanza{
		From: "bob@prose.org",
		MediaShares: []MediaShare{
			{URL: "https://files.prose.org/a.png", MediaType: "image/png", FileName: "a.png"},
		},
		OOB: []OOBAttachment{
			{URL: "https://files.prose.org/a.png", Description: "duplicate"},
			{URL: "https://files.prose.org/b.pdf", Description: "b.pdf"},
		},
	}, baseTime)
	require.NoError(t, err)

	body := evt.Payload.(*BodyPayload)
	require.Len(t, body.Attachments, 2)
	assert.Equal(t, "https://files.prose.org/a.png", body.Attachments[0].URL)
	assert.Equal(t, "image/png", body.Attachments[0].MediaType)
	assert.Equal(t, "https://files.prose.org/b.pdf", body.Attachments[1].URL)
}

func TestNormalizeNoPayload(t *testing.T) {
	var n Normalizer
	_, err := n.NormalizeMessage("local-1", &Stanza{From: "bob@prose.org"}, baseTime)
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestNormalizeMalformed(t *testing.T) {
	var n Normalizer
	_, err := n.NormalizeMessage("local-1", nil, baseTime)
	assert.ErrorIs(t, err, ErrMalformedStanza)

	_, err = n.NormalizeMessage("local-1", &Stanza{Body: "no sender"}, baseTime)
	assert.ErrorIs(t, err, ErrMalformedStanza)
}

func TestNormalizeForwardedDelayWins(t *testing.T) {
	var n Normalizer
	innerDelay := baseTime.Add(-time.Hour)
	outerDelay := baseTime.Add(-30 * time.Minute)
	evt, err := n.NormalizeForwarded("local-1", &Forwarded{
		Delay: &outerDelay,
		Stanza: &Stanza{
			From:  "bob@prose.org",
			Body:  "hi",
			Delay: &innerDelay,
		},
	}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, outerDelay, evt.Timestamp)
}

func TestNormalizeArchivedServerIDWins(t *testing.T) {
	var n Normalizer
	evt, err := n.NormalizeArchived("local-1", &ArchivedMessage{
		ID: "archive-42",
		Forwarded: Forwarded{
			Stanza: &Stanza{
				From:     "bob@prose.org",
				Body:     "hi",
				StanzaID: "stale-id",
			},
		},
	}, baseTime)
	require.NoError(t, err)
	require.NotNil(t, evt.ServerID)
	assert.Equal(t, MessageServerID("archive-42"), *evt.ServerID)
}
