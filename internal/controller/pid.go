// Package controller adjusts task difficulty from the smoothed stress signal
// with a per-participant PID loop.
package controller

import (
	"math"
	"time"
)

// MinStep is the floor applied to the elapsed time between two steps.
const MinStep = time.Millisecond

// Gains configures a PID controller.
type Gains struct {
	Target float64
	Kp     float64
	Ki     float64
	Kd     float64
}

// DefaultGains steer the smoothed high-stress probability toward 0.35.
func DefaultGains() Gains {
	return Gains{Target: 0.35, Kp: 1.2, Ki: 0.05, Kd: 0.2}
}

// State is a read-only copy of the controller bookkeeping.
type State struct {
	Gains     Gains
	Integral  float64
	PrevError float64
	LastStep  time.Time
	Steps     int
}

// PID is a proportional-integral-derivative controller. It is not safe for
// concurrent use; callers serialise access per participant.
type PID struct {
	gains     Gains
	integral  float64
	prevError float64
	lastStep  time.Time
	steps     int
	now       func() time.Time
}

// NewPID returns a controller with no step history.
func NewPID(gains Gains) *PID {
	return &PID{gains: gains, now: time.Now}
}

// WithClock replaces the wall clock used to measure dt.
func (p *PID) WithClock(now func() time.Time) *PID {
	if now != nil {
		p.now = now
	}
	return p
}

// Step feeds one measurement and returns the unclamped control output.
// The first step only records the timestamp and error and returns 0.
func (p *PID) Step(measured float64) float64 {
	now := p.now()
	err := p.gains.Target - measured
	p.steps++

	if p.lastStep.IsZero() {
		p.lastStep = now
		p.prevError = err
		return 0
	}

	elapsed := now.Sub(p.lastStep)
	if elapsed < MinStep {
		elapsed = MinStep
	}
	dt := elapsed.Seconds()

	p.integral += err * dt
	derivative := (err - p.prevError) / dt
	p.prevError = err
	p.lastStep = now

	return p.gains.Kp*err + p.gains.Ki*p.integral + p.gains.Kd*derivative
}

// State returns a copy of the controller bookkeeping.
func (p *PID) State() State {
	return State{
		Gains:     p.gains,
		Integral:  p.integral,
		PrevError: p.prevError,
		LastStep:  p.lastStep,
		Steps:     p.steps,
	}
}

// Bounds is the inclusive difficulty range.
type Bounds struct {
	Min int
	Max int
}

// DefaultBounds is the 1..5 difficulty scale.
func DefaultBounds() Bounds {
	return Bounds{Min: 1, Max: 5}
}

// Clamp limits level to the bounds.
func (b Bounds) Clamp(level int) int {
	if level < b.Min {
		return b.Min
	}
	if level > b.Max {
		return b.Max
	}
	return level
}

// NextDifficulty applies clamp(round(current+output)) within the bounds.
func (b Bounds) NextDifficulty(current int, output float64) int {
	next := float64(current) + output
	if math.IsNaN(next) {
		return b.Clamp(current)
	}
	if next > float64(b.Max) {
		return b.Max
	}
	if next < float64(b.Min) {
		return b.Min
	}
	return b.Clamp(int(math.Round(next)))
}
