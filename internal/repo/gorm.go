package repo

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/miradorstack/stressloop/internal/models"
)

// JSONDocument stores an arbitrary JSON object in a jsonb column.
type JSONDocument map[string]any

// Value implements driver.Valuer.
func (d JSONDocument) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *JSONDocument) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONDocument", value)
	}
	if len(raw) == 0 {
		*d = nil
		return nil
	}
	return json.Unmarshal(raw, d)
}

// ParticipantRecord is the participants table.
type ParticipantRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Group     string    `gorm:"column:assignment_group;size:32;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName implements gorm's tabler.
func (ParticipantRecord) TableName() string { return "participants" }

// SessionRecord is the sessions table.
type SessionRecord struct {
	Token         string    `gorm:"primaryKey;size:64"`
	ParticipantID string    `gorm:"size:64;not null;index"`
	StartedAt     time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"not null;index"`
	EMAHigh       float64   `gorm:"column:ema_high;not null;default:0"`
}

// TableName implements gorm's tabler.
func (SessionRecord) TableName() string { return "sessions" }

// StressLogRecord is one row of the stress_logs table.
type StressLogRecord struct {
	ID            uint         `gorm:"primaryKey"`
	ParticipantID string       `gorm:"size:64;not null;index"`
	SessionToken  string       `gorm:"size:64;index"`
	RecordedAt    time.Time    `gorm:"not null;index"`
	Label         int          `gorm:"not null"`
	ProbaLow      float64      `gorm:"not null"`
	ProbaMedium   float64      `gorm:"not null"`
	ProbaHigh     float64      `gorm:"not null"`
	Source        string       `gorm:"size:16"`
	EMAHigh       float64      `gorm:"column:ema_high;not null"`
	SmoothedLabel int          `gorm:"not null"`
	Difficulty    int          `gorm:"not null"`
	Features      JSONDocument `gorm:"type:jsonb"`
}

// TableName implements gorm's tabler.
func (StressLogRecord) TableName() string { return "stress_logs" }

// TaskLogRecord is one row of the task_logs table.
type TaskLogRecord struct {
	ID             uint         `gorm:"primaryKey"`
	ParticipantID  string       `gorm:"size:64;not null;index"`
	SessionToken   string       `gorm:"size:64;index"`
	RecordedAt     time.Time    `gorm:"not null;index"`
	Task           string       `gorm:"size:64"`
	Trial          int
	Event          string       `gorm:"size:64"`
	Correct        *bool
	ReactionTimeMS *float64     `gorm:"column:reaction_time_ms"`
	Extra          JSONDocument `gorm:"type:jsonb"`
}

// TableName implements gorm's tabler.
func (TaskLogRecord) TableName() string { return "task_logs" }

// GormStore persists sessions and the event log in PostgreSQL.
type GormStore struct {
	db   *gorm.DB
	opts Options
}

// OpenPostgres connects to dsn and tunes the pool. Query logging goes to log.
func OpenPostgres(dsn string, maxOpen int, log *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpen <= 0 {
		maxOpen = 20
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen / 2)
	return db, nil
}

// NewGormStore wraps db. Call Migrate before first use on an empty database.
func NewGormStore(db *gorm.DB, opts Options) *GormStore {
	return &GormStore{db: db, opts: opts.normalised()}
}

// Migrate creates or updates the tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&ParticipantRecord{}, &SessionRecord{}, &StressLogRecord{}, &TaskLogRecord{})
}

// RegisterParticipant returns the existing participant or creates it.
func (s *GormStore) RegisterParticipant(ctx context.Context, participantID, group string) (models.Participant, error) {
	p := newParticipant(participantID, group, s.opts.Now())
	rec := ParticipantRecord{}
	err := s.db.WithContext(ctx).
		Where(ParticipantRecord{ID: p.ID}).
		Attrs(ParticipantRecord{Group: p.Group, CreatedAt: p.CreatedAt}).
		FirstOrCreate(&rec).Error
	if err != nil {
		return models.Participant{}, fmt.Errorf("register participant %s: %w", p.ID, err)
	}
	return models.Participant{ID: rec.ID, Group: rec.Group, CreatedAt: rec.CreatedAt}, nil
}

// CreateSession issues a new token for participantID with ema_high 0.
func (s *GormStore) CreateSession(ctx context.Context, participantID string) (models.Session, error) {
	if participantID == "" {
		return models.Session{}, errors.New("participant id is required")
	}
	sess := newSession(participantID, s.opts)
	rec := sessionRecord(sess)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return models.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// LookupSession returns the session for token.
func (s *GormStore) LookupSession(ctx context.Context, token string) (models.Session, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("load session: %w", err)
	}
	sess := rec.model()
	if sess.Expired(s.opts.Now()) {
		return models.Session{}, ErrSessionExpired
	}
	return sess, nil
}

// UpdateEMAHigh stores the session's accumulator.
func (s *GormStore) UpdateEMAHigh(ctx context.Context, token string, value float64) error {
	res := s.db.WithContext(ctx).Model(&SessionRecord{}).Where("token = ?", token).Update("ema_high", value)
	if res.Error != nil {
		return fmt.Errorf("update ema: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// WriteEvent implements EventWriter.
func (s *GormStore) WriteEvent(ctx context.Context, event models.Event) error {
	db := s.db.WithContext(ctx)
	switch {
	case event.Stress != nil:
		rec := stressLogRecord(event)
		return db.Create(&rec).Error
	case event.Task != nil:
		rec := taskLogRecord(event)
		return db.Create(&rec).Error
	default:
		return fmt.Errorf("event %q has no payload", event.Kind)
	}
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func sessionRecord(sess models.Session) SessionRecord {
	return SessionRecord{
		Token:         sess.Token,
		ParticipantID: sess.ParticipantID,
		StartedAt:     sess.StartedAt,
		ExpiresAt:     sess.ExpiresAt,
		EMAHigh:       sess.EMAHigh,
	}
}

func (r SessionRecord) model() models.Session {
	return models.Session{
		Token:         r.Token,
		ParticipantID: r.ParticipantID,
		StartedAt:     r.StartedAt,
		ExpiresAt:     r.ExpiresAt,
		EMAHigh:       r.EMAHigh,
	}
}

func stressLogRecord(event models.Event) StressLogRecord {
	st := event.Stress
	var feats JSONDocument
	if len(st.Features) > 0 {
		feats = make(JSONDocument, len(st.Features))
		for k, v := range st.Features {
			if v == nil {
				feats[k] = nil
				continue
			}
			feats[k] = *v
		}
	}
	return StressLogRecord{
		ParticipantID: event.ParticipantID,
		SessionToken:  event.SessionToken,
		RecordedAt:    event.Time,
		Label:         st.Label,
		ProbaLow:      st.Proba[0],
		ProbaMedium:   st.Proba[1],
		ProbaHigh:     st.Proba[2],
		Source:        st.Source,
		EMAHigh:       st.EMAHigh,
		SmoothedLabel: st.SmoothedLabel,
		Difficulty:    st.Difficulty,
		Features:      feats,
	}
}

func taskLogRecord(event models.Event) TaskLogRecord {
	task := event.Task
	return TaskLogRecord{
		ParticipantID:  event.ParticipantID,
		SessionToken:   event.SessionToken,
		RecordedAt:     event.Time,
		Task:           task.Task,
		Trial:          task.Trial,
		Event:          task.Event,
		Correct:        task.Correct,
		ReactionTimeMS: task.ReactionTimeMS,
		Extra:          JSONDocument(task.Extra),
	}
}
