package domain

import "time"

// RecoveredPartDuration is the per-part duration assumed when synthesizing a
// manifest for a session whose authoritative manifest is missing. Recovered
// manifests are an approximation and are flagged as such.
const RecoveredPartDuration = 5 * time.Second

// Manifest is the finalized descriptor of a complete recording. Immutable
// once written.
type Manifest struct {
	SessionID       SessionID `json:"session_id"`
	Container       string    `json:"container"`
	Codec           string    `json:"codec"`
	TotalParts      int       `json:"total_parts"`
	TotalBytes      int64     `json:"total_bytes"`
	DurationSeconds float64   `json:"duration_seconds"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	CreatedAt       time.Time `json:"created_at"`

	// Recovered marks a manifest synthesized after the fact, with duration
	// estimated from part count. Lower confidence than an authoritative one.
	Recovered bool `json:"recovered,omitempty"`
}

// RecoverManifest synthesizes a lower-confidence manifest for a session whose
// authoritative manifest was never written.
func RecoverManifest(sessionID SessionID, container, codec string, totalParts int, totalBytes int64) *Manifest {
	return &Manifest{
		SessionID:       sessionID,
		Container:       container,
		Codec:           codec,
		TotalParts:      totalParts,
		TotalBytes:      totalBytes,
		DurationSeconds: (time.Duration(totalParts) * RecoveredPartDuration).Seconds(),
		CreatedAt:       time.Now(),
		Recovered:       true,
	}
}
