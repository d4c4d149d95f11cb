package domain

import "time"

type SessionID string

type ParticipantID string

// UserID identifies the owning principal of a session. Sessions created from
// an invite link may have no owner; such sessions are anonymous and may still
// be issued read credentials.
type UserID string

type SessionStatus string

const (
	SessionLive      SessionStatus = "live"
	SessionCompleted SessionStatus = "completed"
)

// BroadcasterAlias is the literal address viewers use for signaling messages.
// There is exactly one broadcaster per session, so viewers never need to
// learn its presence key.
const BroadcasterAlias = "broadcaster"

type Session struct {
	ID         SessionID     `json:"id"`
	TestLinkID string        `json:"test_link_id"`
	OwnerID    UserID        `json:"owner_id,omitempty"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}
