package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/stressloop/internal/engine"
	"github.com/miradorstack/stressloop/internal/features"
	feedbackv1 "github.com/miradorstack/stressloop/internal/grpc/feedbackv1"
	"github.com/miradorstack/stressloop/internal/models"
	"github.com/miradorstack/stressloop/internal/registry"
)

// FromProtoStressRequest converts a stress sample into a pipeline request.
// An explicit bearer token takes precedence over the body token.
func FromProtoStressRequest(req *feedbackv1.StressRequest, bearer string) engine.Request {
	token := strings.TrimSpace(bearer)
	if token == "" {
		token = strings.TrimSpace(req.SessionToken)
	}
	return engine.Request{Intervals: req.RRIntervalsMS, Token: token}
}

// ToProtoStressResponse converts a pipeline response.
func ToProtoStressResponse(resp engine.Response) *feedbackv1.StressResponse {
	out := &feedbackv1.StressResponse{
		ParticipantID: resp.ParticipantID,
		Features:      ToProtoFeatures(resp.Features),
		Label:         resp.Classification.Label,
		Proba:         resp.Classification.Proba,
		Source:        resp.Classification.Source,
	}
	if resp.Smoothed != nil {
		out.Smoothed = &feedbackv1.Smoothed{EMAHigh: resp.Smoothed.EMAHigh, Label: resp.Smoothed.Label}
	}
	if resp.Difficulty != nil {
		d := *resp.Difficulty
		out.Difficulty = &d
	}
	return out
}

// ToProtoFeatures copies the feature vector; undefined entries stay nil.
func ToProtoFeatures(vec features.Vector) feedbackv1.Features {
	return feedbackv1.Features{
		RMSSD:  vec.RMSSD,
		SDNN:   vec.SDNN,
		MeanRR: vec.MeanInterval,
		MeanHR: vec.DerivedRate,
	}
}

// ToProtoParticipant converts a registered participant.
func ToProtoParticipant(p models.Participant) *feedbackv1.RegisterResponse {
	return &feedbackv1.RegisterResponse{ParticipantID: p.ID, Group: p.Group}
}

// ToProtoSession converts a freshly started session.
func ToProtoSession(sess models.Session, difficulty int) *feedbackv1.StartSessionResponse {
	return &feedbackv1.StartSessionResponse{
		Token:      sess.Token,
		ExpiresAt:  sess.ExpiresAt,
		Difficulty: difficulty,
	}
}

// ToProtoState converts a registry snapshot. ok=false reports a participant
// with no in-process controller yet.
func ToProtoState(participantID string, snap registry.Snapshot, ok bool) *feedbackv1.StateResponse {
	if !ok {
		return &feedbackv1.StateResponse{ParticipantID: participantID, Difficulty: snap.Difficulty}
	}
	return &feedbackv1.StateResponse{
		ParticipantID: participantID,
		HasController: true,
		Difficulty:    snap.Difficulty,
		Integral:      snap.Controller.Integral,
		PrevError:     snap.Controller.PrevError,
		Steps:         snap.Controller.Steps,
		LastStep:      snap.Controller.LastStep,
	}
}

// ToProtoUpdate converts a hub update; the payload is encoded once here.
func ToProtoUpdate(update models.Update) (*feedbackv1.Update, error) {
	payload, err := json.Marshal(update.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", update.Topic, err)
	}
	return &feedbackv1.Update{
		ParticipantID: update.ParticipantID,
		Topic:         update.Topic,
		Time:          update.Time,
		Payload:       payload,
	}, nil
}

// FromProtoTaskEvent validates and converts a task event.
func FromProtoTaskEvent(req *feedbackv1.TaskEventRequest, now time.Time) (models.Event, error) {
	if strings.TrimSpace(req.ParticipantID) == "" {
		return models.Event{}, fmt.Errorf("participant_id is required")
	}
	if strings.TrimSpace(req.Task) == "" {
		return models.Event{}, fmt.Errorf("task is required")
	}
	if strings.TrimSpace(req.Event) == "" {
		return models.Event{}, fmt.Errorf("event is required")
	}
	if req.Trial < 0 {
		return models.Event{}, fmt.Errorf("trial must be non-negative")
	}
	if rt := req.ReactionTimeMS; rt != nil && *rt < 0 {
		return models.Event{}, fmt.Errorf("reaction_time_ms must be non-negative")
	}

	return models.Event{
		Kind:          models.EventTask,
		ParticipantID: req.ParticipantID,
		SessionToken:  req.SessionToken,
		Time:          now.UTC(),
		Task: &models.TaskRecord{
			Task:           req.Task,
			Trial:          req.Trial,
			Event:          req.Event,
			Correct:        req.Correct,
			ReactionTimeMS: req.ReactionTimeMS,
			Extra:          req.Extra,
		},
	}, nil
}
