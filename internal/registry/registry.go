// Package registry owns the in-process controller state for every participant.
//
// Each participant has one entry holding a PID controller and the current
// difficulty level. Work on an entry runs under that entry's own mutex, so
// concurrent requests for the same participant are serialised while different
// participants proceed independently.
package registry

import (
	"sync"

	"github.com/miradorstack/stressloop/internal/controller"
)

// Entry is the mutable per-participant state. It is only handed out while its
// lock is held (see Registry.Do).
type Entry struct {
	mu          sync.Mutex
	participant string
	pid         *controller.PID
	difficulty  int
	bounds      controller.Bounds
	// dead marks an entry Remove has unlinked; holders must look it up again.
	dead bool
}

// Controller returns the participant's PID controller.
func (e *Entry) Controller() *controller.PID { return e.pid }

// Difficulty returns the current difficulty level.
func (e *Entry) Difficulty() int { return e.difficulty }

// SetDifficulty stores a clamped difficulty level.
func (e *Entry) SetDifficulty(level int) { e.difficulty = e.bounds.Clamp(level) }

// Participant returns the participant id the entry belongs to.
func (e *Entry) Participant() string { return e.participant }

// Snapshot is a consistent copy of an entry.
type Snapshot struct {
	ParticipantID string
	Difficulty    int
	Controller    controller.State
}

// Options configure new entries.
type Options struct {
	Gains             controller.Gains
	Bounds            controller.Bounds
	InitialDifficulty int
	// NewController overrides controller construction (tests inject clocks here).
	NewController func(controller.Gains) *controller.PID
}

// Registry maps participant ids to controller entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	opts    Options
}

// New constructs an empty registry.
func New(opts Options) *Registry {
	if opts.Bounds.Min == 0 && opts.Bounds.Max == 0 {
		opts.Bounds = controller.DefaultBounds()
	}
	if opts.InitialDifficulty == 0 {
		opts.InitialDifficulty = 2
	}
	opts.InitialDifficulty = opts.Bounds.Clamp(opts.InitialDifficulty)
	if opts.NewController == nil {
		opts.NewController = controller.NewPID
	}
	return &Registry{entries: make(map[string]*Entry), opts: opts}
}

// Reset discards any controller history for the participant and starts over
// at the initial difficulty. It is called whenever a new session begins.
func (r *Registry) Reset(participantID string) Snapshot {
	e := r.lock(participantID)
	defer e.mu.Unlock()
	e.pid = r.opts.NewController(r.opts.Gains)
	e.difficulty = r.opts.InitialDifficulty
	return snapshotOf(e)
}

// GetOrCreate returns the participant's state, creating a fresh entry if none exists.
func (r *Registry) GetOrCreate(participantID string) Snapshot {
	e := r.lock(participantID)
	defer e.mu.Unlock()
	return snapshotOf(e)
}

// Snapshot returns the participant's state without creating an entry. An
// unknown participant reports false with the initial difficulty.
func (r *Registry) Snapshot(participantID string) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.entries[participantID]
	r.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.dead {
			return snapshotOf(e), true
		}
	}
	return Snapshot{
		ParticipantID: participantID,
		Difficulty:    r.opts.InitialDifficulty,
		Controller:    controller.State{Gains: r.opts.Gains},
	}, false
}

// SetDifficulty overwrites the participant's difficulty (clamped to bounds).
func (r *Registry) SetDifficulty(participantID string, level int) {
	e := r.lock(participantID)
	e.SetDifficulty(level)
	e.mu.Unlock()
}

// Do runs fn with exclusive access to the participant's entry.
func (r *Registry) Do(participantID string, fn func(*Entry) error) error {
	e := r.lock(participantID)
	defer e.mu.Unlock()
	return fn(e)
}

// Remove drops the participant's entry. It waits for any in-flight Do on the
// entry to finish; callers blocked on the old entry move to a fresh one.
func (r *Registry) Remove(participantID string) {
	r.mu.RLock()
	e, ok := r.entries[participantID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	// Lock order is entry then map; entry() never holds the map lock while
	// waiting on an entry.
	e.mu.Lock()
	e.dead = true
	r.mu.Lock()
	if r.entries[participantID] == e {
		delete(r.entries, participantID)
	}
	r.mu.Unlock()
	e.mu.Unlock()
}

// Len returns the number of tracked participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// lock returns the participant's live entry with its mutex held.
func (r *Registry) lock(participantID string) *Entry {
	for {
		e := r.entry(participantID)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

func (r *Registry) entry(participantID string) *Entry {
	r.mu.RLock()
	e, ok := r.entries[participantID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[participantID]; ok {
		return e
	}
	e = &Entry{
		participant: participantID,
		pid:         r.opts.NewController(r.opts.Gains),
		difficulty:  r.opts.InitialDifficulty,
		bounds:      r.opts.Bounds,
	}
	r.entries[participantID] = e
	return e
}

func snapshotOf(e *Entry) Snapshot {
	return Snapshot{
		ParticipantID: e.participant,
		Difficulty:    e.difficulty,
		Controller:    e.pid.State(),
	}
}
