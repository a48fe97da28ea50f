package models

import "time"

// DefaultGroup is assigned to participants registered without a study arm.
const DefaultGroup = "control"

// Participant is a registered study participant.
type Participant struct {
	ID        string
	Group     string
	CreatedAt time.Time
}

// Session binds an opaque token to a participant for a bounded period and
// carries the session's smoothing accumulator.
type Session struct {
	Token         string
	ParticipantID string
	StartedAt     time.Time
	ExpiresAt     time.Time
	EMAHigh       float64
}

// Expired reports whether the session is no longer valid at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
