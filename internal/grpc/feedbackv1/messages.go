package feedbackv1

import (
	"encoding/json"
	"time"
)

// RegisterRequest registers a participant; an empty id is generated.
type RegisterRequest struct {
	ParticipantID string `json:"participant_id,omitempty"`
	Group         string `json:"group,omitempty"`
}

// RegisterResponse returns the registered participant.
type RegisterResponse struct {
	ParticipantID string `json:"participant_id"`
	Group         string `json:"group"`
}

// StartSessionRequest opens a session for a participant.
type StartSessionRequest struct {
	ParticipantID string `json:"participant_id"`
}

// StartSessionResponse carries the opaque session token.
type StartSessionResponse struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	Difficulty int       `json:"difficulty"`
}

// StressRequest is one RR interval sample.
type StressRequest struct {
	RRIntervalsMS []float64 `json:"rr_intervals_ms"`
	SessionToken  string    `json:"session_token,omitempty"`
}

// Features mirrors the HRV feature vector; null means undefined.
type Features struct {
	RMSSD  *float64 `json:"rmssd"`
	SDNN   *float64 `json:"sdnn"`
	MeanRR *float64 `json:"mean_rr"`
	MeanHR *float64 `json:"mean_hr"`
}

// Smoothed is set only when the sample was bound to a valid session.
type Smoothed struct {
	EMAHigh float64 `json:"ema_high"`
	Label   int     `json:"label"`
}

// StressResponse is the outcome of one sample.
type StressResponse struct {
	ParticipantID string     `json:"participant_id,omitempty"`
	Features      Features   `json:"features"`
	Label         int        `json:"label"`
	Proba         [3]float64 `json:"proba"`
	Source        string     `json:"source"`
	Smoothed      *Smoothed  `json:"smoothed,omitempty"`
	Difficulty    *int       `json:"difficulty,omitempty"`
}

// StateRequest asks for a participant's controller state.
type StateRequest struct {
	ParticipantID string `json:"participant_id"`
}

// StateResponse reports the in-process controller state.
type StateResponse struct {
	ParticipantID string    `json:"participant_id"`
	HasController bool      `json:"has_controller"`
	Difficulty    int       `json:"difficulty"`
	Integral      float64   `json:"integral"`
	PrevError     float64   `json:"prev_error"`
	Steps         int       `json:"steps"`
	LastStep      time.Time `json:"last_step,omitempty"`
}

// TaskEventRequest is one behavioural task event.
type TaskEventRequest struct {
	ParticipantID  string         `json:"participant_id"`
	SessionToken   string         `json:"session_token,omitempty"`
	Task           string         `json:"task"`
	Trial          int            `json:"trial"`
	Event          string         `json:"event"`
	Correct        *bool          `json:"correct,omitempty"`
	ReactionTimeMS *float64       `json:"reaction_time_ms,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// TaskEventResponse acknowledges a task event.
type TaskEventResponse struct {
	Accepted bool `json:"accepted"`
}

// WatchRequest subscribes to a participant's updates. No topics means all.
type WatchRequest struct {
	ParticipantID string   `json:"participant_id"`
	Topics        []string `json:"topics,omitempty"`
}

// Update is one streamed notification.
type Update struct {
	ParticipantID string          `json:"participant_id"`
	Topic         string          `json:"topic"`
	Time          time.Time       `json:"time"`
	Payload       json.RawMessage `json:"payload"`
}
