package models

import "time"

// EventKind distinguishes event log records.
type EventKind string

const (
	EventStress EventKind = "stress"
	EventTask   EventKind = "task"
)

// Event is one append-only log record. Exactly one of Stress or Task is set.
type Event struct {
	Kind          EventKind
	ParticipantID string
	SessionToken  string
	Time          time.Time
	Stress        *StressRecord
	Task          *TaskRecord
}

// StressRecord captures one smoothed classification cycle.
type StressRecord struct {
	Label         int
	Proba         [3]float64
	Source        string
	EMAHigh       float64
	SmoothedLabel int
	Difficulty    int
	Features      map[string]*float64
}

// TaskRecord captures one behavioural task event reported by the client.
type TaskRecord struct {
	Task           string
	Trial          int
	Event          string
	Correct        *bool
	ReactionTimeMS *float64
	Extra          map[string]any
}
