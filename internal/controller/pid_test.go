package controller

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestFirstStepIsNeutral(t *testing.T) {
	for _, measured := range []float64{0, 0.35, 0.9, 1} {
		clock := newFakeClock()
		pid := NewPID(DefaultGains()).WithClock(clock.Now)

		out := pid.Step(measured)
		assert.Equal(t, 0.0, out, "measured=%v", measured)

		state := pid.State()
		assert.Equal(t, 0.0, state.Integral)
		assert.InDelta(t, 0.35-measured, state.PrevError, 1e-12)
		assert.Equal(t, clock.Now(), state.LastStep)
	}
}

func TestHighStressPushesOutputNegative(t *testing.T) {
	clock := newFakeClock()
	pid := NewPID(Gains{Target: 0.35, Kp: 1.2, Ki: 0.05, Kd: 0.2}).WithClock(clock.Now)

	require.Equal(t, 0.0, pid.Step(0.9))
	clock.Advance(5 * time.Second)
	out := pid.Step(0.9)

	// error=-0.55, integral=-2.75, derivative=0
	assert.InDelta(t, 1.2*-0.55+0.05*-2.75, out, 1e-9)
	assert.Less(t, out, 0.0)
}

func TestLowStressPushesOutputPositive(t *testing.T) {
	clock := newFakeClock()
	pid := NewPID(DefaultGains()).WithClock(clock.Now)

	pid.Step(0)
	clock.Advance(2 * time.Second)
	assert.Greater(t, pid.Step(0), 0.0)
}

func TestStepFloorsElapsedTime(t *testing.T) {
	clock := newFakeClock()
	pid := NewPID(Gains{Target: 0.35, Kp: 0, Ki: 1, Kd: 0}).WithClock(clock.Now)

	pid.Step(0.35)
	pid.Step(0.85) // no clock advance: dt floored to 1ms

	assert.InDelta(t, -0.5*MinStep.Seconds(), pid.State().Integral, 1e-12)
}

func TestDerivativeUsesPreviousError(t *testing.T) {
	clock := newFakeClock()
	pid := NewPID(Gains{Target: 0.35, Kd: 1}).WithClock(clock.Now)

	pid.Step(0.35)
	clock.Advance(time.Second)
	out := pid.Step(0.55)

	assert.InDelta(t, -0.2, out, 1e-12)
}

func TestDifficultyStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	bounds := DefaultBounds()
	clock := newFakeClock()
	pid := NewPID(Gains{Target: 0.35, Kp: 8, Ki: 2, Kd: 3}).WithClock(clock.Now)

	level := 2
	for i := 0; i < 500; i++ {
		clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
		level = bounds.NextDifficulty(level, pid.Step(rng.Float64()))
		if level < 1 || level > 5 {
			t.Fatalf("difficulty %d out of range at step %d", level, i)
		}
	}
}

func TestNextDifficulty(t *testing.T) {
	b := DefaultBounds()
	cases := []struct {
		current int
		output  float64
		want    int
	}{
		{2, 0, 2},
		{2, 0.49, 2},
		{2, 0.5, 3},
		{2, -0.6, 1},
		{2, -40, 1},
		{4, 12, 5},
		{3, math.Inf(1), 5},
		{3, math.Inf(-1), 1},
		{3, math.NaN(), 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, b.NextDifficulty(tc.current, tc.output), "current=%d output=%v", tc.current, tc.output)
	}
}
