package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/miradorstack/stressloop/internal/cache"
	"github.com/miradorstack/stressloop/internal/models"
)

const (
	sessionKeyPrefix     = "stressloop:session:"
	participantKeyPrefix = "stressloop:participant:"
)

// ValkeyStore keeps sessions as JSON documents in Valkey. Session keys expire
// with the session; ema updates keep the remaining TTL.
type ValkeyStore struct {
	cache cache.Provider
	opts  Options
}

type sessionDocument struct {
	Token         string    `json:"token"`
	ParticipantID string    `json:"participant_id"`
	StartedAt     time.Time `json:"started_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	EMAHigh       float64   `json:"ema_high"`
}

type participantDocument struct {
	ID        string    `json:"participant_id"`
	Group     string    `json:"group"`
	CreatedAt time.Time `json:"created_at"`
}

// NewValkeyStore constructs a store on top of provider.
func NewValkeyStore(provider cache.Provider, opts Options) *ValkeyStore {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &ValkeyStore{cache: provider, opts: opts.normalised()}
}

// RegisterParticipant returns the existing participant or creates it.
func (s *ValkeyStore) RegisterParticipant(ctx context.Context, participantID, group string) (models.Participant, error) {
	p := newParticipant(participantID, group, s.opts.Now())
	body, err := json.Marshal(participantDocument{ID: p.ID, Group: p.Group, CreatedAt: p.CreatedAt})
	if err != nil {
		return models.Participant{}, err
	}

	created, err := s.cache.SetNX(ctx, participantKeyPrefix+p.ID, body, 0)
	if err != nil {
		return models.Participant{}, fmt.Errorf("register participant %s: %w", p.ID, err)
	}
	if created {
		return p, nil
	}

	raw, err := s.cache.Get(ctx, participantKeyPrefix+p.ID)
	if err != nil {
		return models.Participant{}, fmt.Errorf("load participant %s: %w", p.ID, err)
	}
	var doc participantDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Participant{}, fmt.Errorf("decode participant %s: %w", p.ID, err)
	}
	return models.Participant{ID: doc.ID, Group: doc.Group, CreatedAt: doc.CreatedAt}, nil
}

// CreateSession issues a new token for participantID with ema_high 0.
func (s *ValkeyStore) CreateSession(ctx context.Context, participantID string) (models.Session, error) {
	if participantID == "" {
		return models.Session{}, errors.New("participant id is required")
	}
	sess := newSession(participantID, s.opts)
	body, err := json.Marshal(toDocument(sess))
	if err != nil {
		return models.Session{}, err
	}
	if err := s.cache.Set(ctx, sessionKeyPrefix+sess.Token, body, s.opts.SessionTTL); err != nil {
		return models.Session{}, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// LookupSession returns the session for token.
func (s *ValkeyStore) LookupSession(ctx context.Context, token string) (models.Session, error) {
	raw, err := s.cache.Get(ctx, sessionKeyPrefix+token)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("load session: %w", err)
	}
	var doc sessionDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Session{}, fmt.Errorf("decode session: %w", err)
	}
	sess := fromDocument(doc)
	if sess.Expired(s.opts.Now()) {
		return models.Session{}, ErrSessionExpired
	}
	return sess, nil
}

// UpdateEMAHigh rewrites the session document with the new accumulator.
func (s *ValkeyStore) UpdateEMAHigh(ctx context.Context, token string, value float64) error {
	raw, err := s.cache.Get(ctx, sessionKeyPrefix+token)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	var doc sessionDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	doc.EMAHigh = value

	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	replaced, err := s.cache.Replace(ctx, sessionKeyPrefix+token, body)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if !replaced {
		return ErrSessionNotFound
	}
	return nil
}

// Close closes the underlying provider.
func (s *ValkeyStore) Close() error { return s.cache.Close() }

func toDocument(sess models.Session) sessionDocument {
	return sessionDocument{
		Token:         sess.Token,
		ParticipantID: sess.ParticipantID,
		StartedAt:     sess.StartedAt,
		ExpiresAt:     sess.ExpiresAt,
		EMAHigh:       sess.EMAHigh,
	}
}

func fromDocument(doc sessionDocument) models.Session {
	return models.Session{
		Token:         doc.Token,
		ParticipantID: doc.ParticipantID,
		StartedAt:     doc.StartedAt,
		ExpiresAt:     doc.ExpiresAt,
		EMAHigh:       doc.EMAHigh,
	}
}
