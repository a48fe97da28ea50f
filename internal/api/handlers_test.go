package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/miradorstack/stressloop/internal/classifier"
	"github.com/miradorstack/stressloop/internal/controller"
	"github.com/miradorstack/stressloop/internal/engine"
	"github.com/miradorstack/stressloop/internal/features"
	feedbackv1 "github.com/miradorstack/stressloop/internal/grpc/feedbackv1"
	"github.com/miradorstack/stressloop/internal/models"
	"github.com/miradorstack/stressloop/internal/registry"
)

func TestFromProtoStressRequestPrefersBearer(t *testing.T) {
	req := &feedbackv1.StressRequest{RRIntervalsMS: []float64{800, 810}, SessionToken: "body"}

	if got := FromProtoStressRequest(req, "header").Token; got != "header" {
		t.Fatalf("expected bearer token, got %q", got)
	}
	if got := FromProtoStressRequest(req, "").Token; got != "body" {
		t.Fatalf("expected body token, got %q", got)
	}
}

func TestToProtoStressResponseUnbound(t *testing.T) {
	resp := ToProtoStressResponse(engine.Response{
		Features:       features.Extract([]float64{800}),
		Classification: classifier.FallbackResult(),
	})
	if resp.Smoothed != nil || resp.Difficulty != nil {
		t.Fatalf("expected no smoothing for unbound sample: %+v", resp)
	}
	if resp.Features.RMSSD != nil {
		t.Fatalf("expected undefined rmssd for a single interval")
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["smoothed"]; ok {
		t.Fatalf("smoothed field should be omitted: %s", raw)
	}
}

func TestToProtoStressResponseBound(t *testing.T) {
	difficulty := 3
	resp := ToProtoStressResponse(engine.Response{
		ParticipantID:  "P_1",
		Classification: classifier.Result{Label: 2, Proba: [3]float64{0.1, 0.2, 0.7}, Source: classifier.SourceModel},
		Smoothed:       &engine.Smoothed{EMAHigh: 0.52, Label: 2},
		Difficulty:     &difficulty,
	})
	if resp.Smoothed == nil || resp.Smoothed.EMAHigh != 0.52 {
		t.Fatalf("unexpected smoothed: %+v", resp.Smoothed)
	}
	difficulty = 5
	if *resp.Difficulty != 3 {
		t.Fatalf("difficulty must be copied, got %d", *resp.Difficulty)
	}
}

func TestToProtoState(t *testing.T) {
	last := time.Unix(1_700_000_000, 0)
	snap := registry.Snapshot{
		ParticipantID: "P_1",
		Difficulty:    4,
		Controller:    controller.State{Integral: -0.3, PrevError: -0.1, Steps: 7, LastStep: last},
	}
	resp := ToProtoState("P_1", snap, true)
	if !resp.HasController || resp.Steps != 7 || resp.Integral != -0.3 || !resp.LastStep.Equal(last) {
		t.Fatalf("unexpected state: %+v", resp)
	}

	missing := ToProtoState("P_2", registry.Snapshot{Difficulty: 2}, false)
	if missing.HasController || missing.Difficulty != 2 {
		t.Fatalf("unexpected state for unknown participant: %+v", missing)
	}
}

func TestToProtoUpdateEncodesPayload(t *testing.T) {
	msg, err := ToProtoUpdate(models.Update{
		ParticipantID: "P_1",
		Topic:         models.TopicDifficulty,
		Payload:       models.DifficultyUpdate{Difficulty: 4},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg.Payload) != `{"difficulty":4}` {
		t.Fatalf("unexpected payload: %s", msg.Payload)
	}

	if _, err := ToProtoUpdate(models.Update{Topic: "bad", Payload: make(chan int)}); err == nil {
		t.Fatalf("expected encode error")
	}
}

func TestFromProtoTaskEvent(t *testing.T) {
	now := time.Now()
	cases := map[string]*feedbackv1.TaskEventRequest{
		"missing participant": {Task: "stroop", Event: "response"},
		"missing task":        {ParticipantID: "P_1", Event: "response"},
		"missing event":       {ParticipantID: "P_1", Task: "stroop"},
		"negative trial":      {ParticipantID: "P_1", Task: "stroop", Event: "response", Trial: -1},
	}
	for name, req := range cases {
		if _, err := FromProtoTaskEvent(req, now); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	event, err := FromProtoTaskEvent(&feedbackv1.TaskEventRequest{
		ParticipantID: "P_1",
		Task:          "stroop",
		Trial:         2,
		Event:         "stimulus",
		Extra:         map[string]any{"color": "red"},
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Kind != models.EventTask || event.Task == nil || event.Task.Extra["color"] != "red" {
		t.Fatalf("unexpected event: %+v", event)
	}
}
