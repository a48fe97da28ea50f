package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/stressloop/internal/api"
	"github.com/miradorstack/stressloop/internal/engine"
	feedbackv1 "github.com/miradorstack/stressloop/internal/grpc/feedbackv1"
	"github.com/miradorstack/stressloop/internal/notify"
	"github.com/miradorstack/stressloop/internal/registry"
	"github.com/miradorstack/stressloop/internal/repo"
	"github.com/miradorstack/stressloop/internal/utils"
)

// FeedbackService implements the gRPC Feedback service.
type FeedbackService struct {
	feedbackv1.UnimplementedFeedbackServer

	logger    *slog.Logger
	store     repo.SessionStore
	registry  *registry.Registry
	pipeline  *engine.Pipeline
	hub       *notify.Hub
	events    engine.EventSink
	latencies *utils.LatencyTracker
	now       func() time.Time
}

// NewFeedbackService constructs the service facade. hub and events may be nil.
func NewFeedbackService(
	logger *slog.Logger,
	store repo.SessionStore,
	reg *registry.Registry,
	pipeline *engine.Pipeline,
	hub *notify.Hub,
	events engine.EventSink,
) *FeedbackService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedbackService{
		logger:    logger,
		store:     store,
		registry:  reg,
		pipeline:  pipeline,
		hub:       hub,
		events:    events,
		latencies: utils.NewLatencyTracker(1024),
		now:       time.Now,
	}
}

// RegisterParticipant registers (or returns) a participant.
func (s *FeedbackService) RegisterParticipant(ctx context.Context, req *feedbackv1.RegisterRequest) (*feedbackv1.RegisterResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.store == nil {
		return nil, status.Error(codes.FailedPrecondition, "session store not configured")
	}

	participant, err := s.store.RegisterParticipant(ctx, strings.TrimSpace(req.ParticipantID), strings.TrimSpace(req.Group))
	if err != nil {
		s.logger.Error("register participant failed", slog.Any("error", err))
		return nil, status.Error(codes.Unavailable, "failed to register participant")
	}
	s.logger.Info("participant registered", slog.String("participant_id", participant.ID), slog.String("group", participant.Group))
	return api.ToProtoParticipant(participant), nil
}

// StartSession opens a session and resets the participant's controller.
func (s *FeedbackService) StartSession(ctx context.Context, req *feedbackv1.StartSessionRequest) (*feedbackv1.StartSessionResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	participantID := strings.TrimSpace(req.ParticipantID)
	if participantID == "" {
		return nil, status.Error(codes.InvalidArgument, "participant_id is required")
	}
	if s.store == nil || s.registry == nil {
		return nil, status.Error(codes.FailedPrecondition, "session store not configured")
	}

	sess, err := s.store.CreateSession(ctx, participantID)
	if err != nil {
		s.logger.Error("create session failed", slog.String("participant_id", participantID), slog.Any("error", err))
		return nil, status.Error(codes.Unavailable, "failed to create session")
	}
	snap := s.registry.Reset(participantID)
	s.logger.Info("session started", slog.String("participant_id", participantID), slog.Time("expires_at", sess.ExpiresAt))
	return api.ToProtoSession(sess, snap.Difficulty), nil
}

// SubmitStress runs one interval sample through the pipeline.
func (s *FeedbackService) SubmitStress(ctx context.Context, req *feedbackv1.StressRequest) (*feedbackv1.StressResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "pipeline not configured")
	}

	start := time.Now()
	resp, err := s.pipeline.Process(ctx, api.FromProtoStressRequest(req, ""))
	if err != nil {
		return nil, stressStatus(err)
	}
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 100 && count%100 == 0 {
		s.logger.Info("stress latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return api.ToProtoStressResponse(resp), nil
}

// GetState reports the participant's in-process controller state.
func (s *FeedbackService) GetState(_ context.Context, req *feedbackv1.StateRequest) (*feedbackv1.StateResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if req.ParticipantID == "" {
		return nil, status.Error(codes.InvalidArgument, "participant_id is required")
	}
	if s.registry == nil {
		return nil, status.Error(codes.FailedPrecondition, "registry not configured")
	}
	snap, ok := s.registry.Snapshot(req.ParticipantID)
	return api.ToProtoState(req.ParticipantID, snap, ok), nil
}

// LogTaskEvent appends a behavioural task event to the event log.
func (s *FeedbackService) LogTaskEvent(_ context.Context, req *feedbackv1.TaskEventRequest) (*feedbackv1.TaskEventResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	event, err := api.FromProtoTaskEvent(req, s.now())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if s.events == nil {
		return &feedbackv1.TaskEventResponse{Accepted: false}, nil
	}
	s.events.Append(event)
	return &feedbackv1.TaskEventResponse{Accepted: true}, nil
}

// Watch streams the participant's notifications until the client goes away.
func (s *FeedbackService) Watch(req *feedbackv1.WatchRequest, stream feedbackv1.WatchServer) error {
	if req == nil || req.ParticipantID == "" {
		return status.Error(codes.InvalidArgument, "participant_id is required")
	}
	if s.hub == nil {
		return status.Error(codes.FailedPrecondition, "notification hub not configured")
	}

	sub := s.hub.Subscribe(req.ParticipantID, req.Topics...)
	defer sub.Close()
	s.logger.Debug("watch opened", slog.String("participant_id", req.ParticipantID), slog.Any("topics", req.Topics))

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			msg, err := api.ToProtoUpdate(update)
			if err != nil {
				s.logger.Warn("dropping unencodable update", slog.Any("error", err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// Stats exposes pipeline latency for the REST surface.
func (s *FeedbackService) Stats() engine.Stats {
	if s.pipeline == nil {
		return engine.Stats{}
	}
	return s.pipeline.Stats()
}

func stressStatus(err error) error {
	switch {
	case errors.Is(err, engine.ErrMalformedInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, engine.ErrPersistence):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "stress sample failed")
	}
}
