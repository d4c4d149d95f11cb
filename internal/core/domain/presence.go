package domain

import "time"

// PresenceKey is the transport-level identifier of a channel participant.
// It may differ from the participant's logical id, so consumers keep a
// derived index from participant id to current presence key.
type PresenceKey string

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

type PresenceEntry struct {
	Key           PresenceKey   `json:"key"`
	Role          Role          `json:"role"`
	ParticipantID ParticipantID `json:"participant_id"`
	DisplayName   string        `json:"display_name"`
	JoinedAt      time.Time     `json:"joined_at"`
}

// Validate rejects untrusted presence payloads at the channel boundary.
// Malformed entries are dropped, not trusted.
func (p *PresenceEntry) Validate() error {
	if p.Key == "" || p.ParticipantID == "" {
		return ErrMalformedPayload
	}
	if p.Role != RoleBroadcaster && p.Role != RoleViewer {
		return ErrMalformedPayload
	}
	return nil
}
