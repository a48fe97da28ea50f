package services

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/miradorstack/stressloop/internal/api"
	"github.com/miradorstack/stressloop/internal/classifier"
	"github.com/miradorstack/stressloop/internal/config"
	"github.com/miradorstack/stressloop/internal/controller"
	"github.com/miradorstack/stressloop/internal/engine"
	feedbackv1 "github.com/miradorstack/stressloop/internal/grpc/feedbackv1"
	"github.com/miradorstack/stressloop/internal/models"
	"github.com/miradorstack/stressloop/internal/notify"
	"github.com/miradorstack/stressloop/internal/registry"
	"github.com/miradorstack/stressloop/internal/repo"
)

type recordingEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingEvents) Append(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEvents) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

type brokenStore struct {
	*repo.MemoryStore
}

func (brokenStore) UpdateEMAHigh(context.Context, string, float64) error {
	return errors.New("connection reset")
}

type fixture struct {
	store    repo.SessionStore
	registry *registry.Registry
	hub      *notify.Hub
	notifier *notify.Notifier
	events   *recordingEvents
	service  *FeedbackService
}

func newFixture(t *testing.T, store repo.SessionStore) *fixture {
	t.Helper()
	if store == nil {
		store = repo.NewMemoryStore(repo.Options{})
	}
	f := &fixture{
		store:    store,
		registry: registry.New(registry.Options{Gains: controller.DefaultGains()}),
		hub:      notify.NewHub(16),
		events:   &recordingEvents{},
	}
	f.notifier = notify.NewNotifier(notify.Options{QueueSize: 64}, f.hub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.notifier.Close(ctx)
	})
	pipeline := engine.NewPipeline(engine.Config{}, nil, classifier.Fallback{}, store, f.registry, f.notifier, f.events)
	f.service = NewFeedbackService(nil, store, f.registry, pipeline, f.hub, f.events)
	return f
}

// dial serves the fixture over an in-memory listener and returns a client.
func (f *fixture) dial(t *testing.T) (*feedbackv1.FeedbackClient, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := api.NewServerOn(lis, config.ServerConfig{GracefulTimeout: time.Second}, f.service)
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return feedbackv1.NewFeedbackClient(conn), conn
}

func TestEndToEndFallbackSampleOverGRPC(t *testing.T) {
	f := newFixture(t, nil)
	client, _ := f.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg, err := client.RegisterParticipant(ctx, &feedbackv1.RegisterRequest{})
	require.NoError(t, err)
	assert.Regexp(t, `^P_[0-9a-f]{8}$`, reg.ParticipantID)
	assert.Equal(t, models.DefaultGroup, reg.Group)

	sess, err := client.StartSession(ctx, &feedbackv1.StartSessionRequest{ParticipantID: reg.ParticipantID})
	require.NoError(t, err)
	assert.Len(t, sess.Token, 32)
	assert.Equal(t, 2, sess.Difficulty)

	watch, err := client.Watch(ctx, &feedbackv1.WatchRequest{ParticipantID: reg.ParticipantID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.hub.Subscribers(reg.ParticipantID) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := client.SubmitStress(ctx, &feedbackv1.StressRequest{
		RRIntervalsMS: []float64{800, 810, 790, 805},
		SessionToken:  sess.Token,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Label)
	assert.Equal(t, [3]float64{1, 0, 0}, resp.Proba)
	assert.Equal(t, classifier.SourceFallback, resp.Source)
	require.NotNil(t, resp.Features.RMSSD)
	require.NotNil(t, resp.Smoothed)
	assert.Equal(t, 0.0, resp.Smoothed.EMAHigh)
	assert.Equal(t, 0, resp.Smoothed.Label)
	require.NotNil(t, resp.Difficulty)
	assert.Equal(t, 2, *resp.Difficulty)

	first, err := watch.Recv()
	require.NoError(t, err)
	assert.Equal(t, models.TopicStress, first.Topic)
	var stress models.StressUpdate
	require.NoError(t, json.Unmarshal(first.Payload, &stress))
	assert.Equal(t, 0.0, stress.EMAHigh)

	second, err := watch.Recv()
	require.NoError(t, err)
	assert.Equal(t, models.TopicDifficulty, second.Topic)
	var diff models.DifficultyUpdate
	require.NoError(t, json.Unmarshal(second.Payload, &diff))
	assert.Equal(t, 2, diff.Difficulty)

	state, err := client.GetState(ctx, &feedbackv1.StateRequest{ParticipantID: reg.ParticipantID})
	require.NoError(t, err)
	assert.True(t, state.HasController)
	assert.Equal(t, 1, state.Steps)
	assert.Len(t, f.events.all(), 1)
}

func TestHealthServiceReportsServing(t *testing.T) {
	f := newFixture(t, nil)
	_, conn := f.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: feedbackv1.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestSubmitStressWithoutSessionOmitsSmoothing(t *testing.T) {
	f := newFixture(t, nil)
	client, _ := f.dial(t)

	resp, err := client.SubmitStress(context.Background(), &feedbackv1.StressRequest{
		RRIntervalsMS: []float64{800, 810, 790, 805},
		SessionToken:  "does-not-exist",
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Smoothed)
	assert.Nil(t, resp.Difficulty)
	assert.Empty(t, f.events.all())
}

func TestSubmitStressMalformedIsInvalidArgument(t *testing.T) {
	f := newFixture(t, nil)
	client, _ := f.dial(t)

	_, err := client.SubmitStress(context.Background(), &feedbackv1.StressRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSubmitStressPersistenceFailureIsUnavailable(t *testing.T) {
	mem := repo.NewMemoryStore(repo.Options{})
	f := newFixture(t, brokenStore{mem})
	ctx := context.Background()

	sess, err := f.service.StartSession(ctx, &feedbackv1.StartSessionRequest{ParticipantID: "P_broken"})
	require.NoError(t, err)

	_, err = f.service.SubmitStress(ctx, &feedbackv1.StressRequest{
		RRIntervalsMS: []float64{800, 810, 790, 805},
		SessionToken:  sess.Token,
	})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	snap, ok := f.registry.Snapshot("P_broken")
	require.True(t, ok)
	assert.Equal(t, 0, snap.Controller.Steps)
}

func TestStartSessionResetsController(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.service.StartSession(ctx, &feedbackv1.StartSessionRequest{ParticipantID: "P_1"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.service.SubmitStress(ctx, &feedbackv1.StressRequest{RRIntervalsMS: []float64{800, 700, 900}, SessionToken: first.Token})
		require.NoError(t, err)
	}
	before, _ := f.registry.Snapshot("P_1")
	require.Equal(t, 3, before.Controller.Steps)

	_, err = f.service.StartSession(ctx, &feedbackv1.StartSessionRequest{ParticipantID: "P_1"})
	require.NoError(t, err)
	after, _ := f.registry.Snapshot("P_1")
	assert.Equal(t, 0, after.Controller.Steps)
	assert.Equal(t, 2, after.Difficulty)
}

func TestStartSessionRequiresParticipant(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.StartSession(context.Background(), &feedbackv1.StartSessionRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetStateUnknownParticipant(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.service.GetState(context.Background(), &feedbackv1.StateRequest{ParticipantID: "ghost"})
	require.NoError(t, err)
	assert.False(t, resp.HasController)
	assert.Equal(t, 2, resp.Difficulty)
	assert.Equal(t, 0, f.registry.Len())
}

func TestLogTaskEvent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.service.LogTaskEvent(ctx, &feedbackv1.TaskEventRequest{ParticipantID: "P_1", Event: "response"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	correct := true
	rt := 512.0
	resp, err := f.service.LogTaskEvent(ctx, &feedbackv1.TaskEventRequest{
		ParticipantID:  "P_1",
		Task:           "nback",
		Trial:          4,
		Event:          "response",
		Correct:        &correct,
		ReactionTimeMS: &rt,
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTask, events[0].Kind)
	require.NotNil(t, events[0].Task)
	assert.Equal(t, "nback", events[0].Task.Task)
	assert.Equal(t, 4, events[0].Task.Trial)
}

func TestNilRequests(t *testing.T) {
	svc := NewFeedbackService(nil, nil, nil, nil, nil, nil)
	_, err := svc.RegisterParticipant(context.Background(), nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = svc.SubmitStress(context.Background(), &feedbackv1.StressRequest{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
