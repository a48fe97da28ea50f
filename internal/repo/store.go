package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/stressloop/internal/models"
)

// DefaultSessionTTL is how long a session token stays valid.
const DefaultSessionTTL = 12 * time.Hour

var (
	// ErrSessionNotFound signals an unknown session token.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired signals a token past its expiry.
	ErrSessionExpired = errors.New("session expired")
)

// SessionStore persists participants, sessions and each session's smoothing
// accumulator.
type SessionStore interface {
	RegisterParticipant(ctx context.Context, participantID, group string) (models.Participant, error)
	CreateSession(ctx context.Context, participantID string) (models.Session, error)
	LookupSession(ctx context.Context, token string) (models.Session, error)
	UpdateEMAHigh(ctx context.Context, token string, value float64) error
	Close() error
}

// Options are shared by the SessionStore implementations.
type Options struct {
	SessionTTL time.Duration
	Now        func() time.Time
}

func (o Options) normalised() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// NewParticipantID returns "P_" followed by eight hex characters.
func NewParticipantID() string {
	return "P_" + hexUUID()[:8]
}

// NewSessionToken returns a random 32-character hex token.
func NewSessionToken() string {
	return hexUUID()
}

func hexUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newParticipant(participantID, group string, now time.Time) models.Participant {
	if participantID == "" {
		participantID = NewParticipantID()
	}
	if group == "" {
		group = models.DefaultGroup
	}
	return models.Participant{ID: participantID, Group: group, CreatedAt: now.UTC()}
}

func newSession(participantID string, opts Options) models.Session {
	now := opts.Now().UTC()
	return models.Session{
		Token:         NewSessionToken(),
		ParticipantID: participantID,
		StartedAt:     now,
		ExpiresAt:     now.Add(opts.SessionTTL),
	}
}
