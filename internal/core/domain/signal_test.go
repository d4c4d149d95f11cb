package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalEnvelopeValidate(t *testing.T) {
	valid := SignalEnvelope{
		Type: SignalOffer,
		From: "viewer-1",
		To:   BroadcasterAlias,
		Data: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	assert.NoError(t, valid.Validate())

	badType := valid
	badType.Type = "renegotiate"
	assert.ErrorIs(t, badType.Validate(), ErrMalformedPayload)

	noFrom := valid
	noFrom.From = ""
	assert.ErrorIs(t, noFrom.Validate(), ErrMalformedPayload)

	noTo := valid
	noTo.To = ""
	assert.ErrorIs(t, noTo.Validate(), ErrMalformedPayload)
}

func TestSignalEnvelopeAddressing(t *testing.T) {
	env := SignalEnvelope{Type: SignalAnswer, From: "viewer-1", To: "key-abc"}

	assert.True(t, env.AddressedTo("key-abc", RoleViewer))
	assert.False(t, env.AddressedTo("key-other", RoleViewer))

	// Viewers address the single broadcaster by alias, never by key.
	aliased := SignalEnvelope{Type: SignalOffer, From: "viewer-1", To: BroadcasterAlias}
	assert.True(t, aliased.AddressedTo("key-broadcaster", RoleBroadcaster))
	assert.False(t, aliased.AddressedTo("key-viewer", RoleViewer))
}

func TestPresenceEntryValidate(t *testing.T) {
	entry := PresenceEntry{
		Key:           "key-1",
		Role:          RoleViewer,
		ParticipantID: "participant-1",
		DisplayName:   "Ada",
	}
	assert.NoError(t, entry.Validate())

	noKey := entry
	noKey.Key = ""
	assert.ErrorIs(t, noKey.Validate(), ErrMalformedPayload)

	noParticipant := entry
	noParticipant.ParticipantID = ""
	assert.ErrorIs(t, noParticipant.Validate(), ErrMalformedPayload)

	badRole := entry
	badRole.Role = "moderator"
	assert.ErrorIs(t, badRole.Validate(), ErrMalformedPayload)
}

func TestChannelEventValidate(t *testing.T) {
	presence := &PresenceEntry{Key: "key-1", Role: RoleViewer, ParticipantID: "p-1"}

	cases := []struct {
		name  string
		event ChannelEvent
		valid bool
	}{
		{"join with presence", ChannelEvent{Kind: EventPresenceJoin, Presence: presence}, true},
		{"join without presence", ChannelEvent{Kind: EventPresenceJoin}, false},
		{"leave with presence", ChannelEvent{Kind: EventPresenceLeave, Presence: presence}, true},
		{"sync with entries", ChannelEvent{Kind: EventPresenceSync, Entries: []PresenceEntry{*presence}}, true},
		{"sync with malformed entry", ChannelEvent{Kind: EventPresenceSync, Entries: []PresenceEntry{{Key: "x"}}}, false},
		{"signal without envelope", ChannelEvent{Kind: EventSignal}, false},
		{"signal with envelope", ChannelEvent{Kind: EventSignal, Signal: &SignalEnvelope{Type: SignalCandidate, From: "a", To: "b"}}, true},
		{"comment", ChannelEvent{Kind: EventComment, Raw: json.RawMessage(`"hi"`)}, true},
		{"session ended", ChannelEvent{Kind: EventSessionEnded}, true},
		{"unknown kind", ChannelEvent{Kind: "broadcast:poke"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedPayload)
			}
		})
	}
}

func TestSegmentPath(t *testing.T) {
	assert.Equal(t, "sessions/s-1/part-00000", SegmentPath("s-1", 0))
	assert.Equal(t, "sessions/s-1/part-00042", SegmentPath("s-1", 42))
	assert.Equal(t, "sessions/s-1", SessionPrefix("s-1"))
}

func TestRecoverManifest(t *testing.T) {
	m := RecoverManifest("s-1", "webm", "vp8", 7, 7168)

	assert.True(t, m.Recovered)
	assert.Equal(t, 7, m.TotalParts)
	assert.Equal(t, int64(7168), m.TotalBytes)
	assert.Equal(t, 35.0, m.DurationSeconds)
}
