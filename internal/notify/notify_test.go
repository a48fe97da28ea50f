package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/miradorstack/stressloop/internal/models"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []models.Update
	block   chan struct{}
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, u models.Update) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return s.err
}

func (s *recordingSink) snapshot() []models.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Update(nil), s.updates...)
}

func TestNotifierDeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(Options{QueueSize: 8}, sink)

	n.Publish("P_1", models.TopicStress, models.StressUpdate{EMAHigh: 0.3})
	n.Publish("P_1", models.TopicDifficulty, models.DifficultyUpdate{Difficulty: 3})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.Close(ctx))

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, models.TopicStress, got[0].Topic)
	assert.Equal(t, models.TopicDifficulty, got[1].Topic)
	assert.Equal(t, models.DifficultyUpdate{Difficulty: 3}, got[1].Payload)
}

func TestNotifierNeverBlocksWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	n := NewNotifier(Options{QueueSize: 1}, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Publish("P_1", models.TopicStress, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full queue")
	}
	close(sink.block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.Close(ctx))
	assert.Less(t, len(sink.snapshot()), 100)
}

func TestNotifierSwallowsSinkErrors(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down")}
	healthy := &recordingSink{}
	n := NewNotifier(Options{}, failing, healthy)

	n.Publish("P_1", models.TopicStress, nil)
	require.NoError(t, n.Close(context.Background()))
	assert.Len(t, healthy.snapshot(), 1)
}

func TestNotifierPublishAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(Options{}, sink)
	require.NoError(t, n.Close(context.Background()))

	assert.NotPanics(t, func() { n.Publish("P_1", models.TopicStress, nil) })
	assert.Empty(t, sink.snapshot())
}

func TestHubRoutesByParticipantAndTopic(t *testing.T) {
	hub := NewHub(4)
	all := hub.Subscribe("P_1")
	difficultyOnly := hub.Subscribe("P_1", models.TopicDifficulty)
	other := hub.Subscribe("P_2")
	defer all.Close()
	defer difficultyOnly.Close()
	defer other.Close()

	ctx := context.Background()
	require.NoError(t, hub.Deliver(ctx, models.Update{ParticipantID: "P_1", Topic: models.TopicStress}))
	require.NoError(t, hub.Deliver(ctx, models.Update{ParticipantID: "P_1", Topic: models.TopicDifficulty}))

	assert.Len(t, all.Updates(), 2)
	assert.Len(t, difficultyOnly.Updates(), 1)
	assert.Len(t, other.Updates(), 0)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe("P_1")
	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Deliver(context.Background(), models.Update{ParticipantID: "P_1", Topic: models.TopicStress}))
	}
	assert.Len(t, sub.Updates(), 1)

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers("P_1"))
	_, open := <-drain(sub.Updates())
	assert.False(t, open)
}

func drain(ch <-chan models.Update) <-chan models.Update {
	for len(ch) > 0 {
		<-ch
	}
	return ch
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTT struct {
	topics   []string
	payloads [][]byte
	qos      byte
	err      error
	pending  bool
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload.([]byte))
	f.qos = qos
	if f.pending {
		return &fakeToken{done: make(chan struct{})}
	}
	return newFakeToken(f.err)
}

func TestMQTTSinkPublishesJSON(t *testing.T) {
	client := &fakeMQTT{}
	sink := NewMQTTSink(client, "/stressloop/", 1)

	err := sink.Deliver(context.Background(), models.Update{
		ParticipantID: "P_ab12cd34",
		Topic:         models.TopicStress,
		Payload:       models.StressUpdate{EMAHigh: 0.52, SmoothedLabel: 2, Proba: [3]float64{0.1, 0.1, 0.8}, Label: 2},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"stressloop/P_ab12cd34/stress_update"}, client.topics)
	assert.Equal(t, byte(1), client.qos)

	var decoded struct {
		Topic   string              `json:"topic"`
		Payload models.StressUpdate `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(client.payloads[0], &decoded))
	assert.Equal(t, 0.52, decoded.Payload.EMAHigh)
	assert.Equal(t, 2, decoded.Payload.SmoothedLabel)
}

func TestMQTTSinkErrors(t *testing.T) {
	sink := NewMQTTSink(&fakeMQTT{err: errors.New("not connected")}, "", 0)
	assert.Error(t, sink.Deliver(context.Background(), models.Update{ParticipantID: "P_1", Topic: models.TopicDifficulty}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	sink = NewMQTTSink(&fakeMQTT{pending: true}, "", 0)
	assert.ErrorIs(t, sink.Deliver(ctx, models.Update{ParticipantID: "P_1"}), context.DeadlineExceeded)
	assert.Equal(t, "P_1/difficulty_update", sink.Topic("P_1", models.TopicDifficulty))
}
