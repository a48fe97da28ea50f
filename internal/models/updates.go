package models

import "time"

// Notification topics.
const (
	TopicStress     = "stress_update"
	TopicDifficulty = "difficulty_update"
)

// Update is one message fanned out to the subscribers of a participant.
type Update struct {
	ParticipantID string    `json:"participant_id"`
	Topic         string    `json:"topic"`
	Time          time.Time `json:"time"`
	Payload       any       `json:"payload"`
}

// StressUpdate is the payload published on TopicStress.
type StressUpdate struct {
	EMAHigh       float64    `json:"ema_high"`
	SmoothedLabel int        `json:"smoothed_label"`
	Proba         [3]float64 `json:"proba"`
	Label         int        `json:"label"`
}

// DifficultyUpdate is the payload published on TopicDifficulty.
type DifficultyUpdate struct {
	Difficulty int `json:"difficulty"`
}
