// Package engine owns the entity state machines: every status change goes
// through a transition guard and a compare-and-set write, with side effects
// attached to specific edges and an event appended in the same transaction.
package engine

import (
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"opsdrill/internal/config"
	"opsdrill/internal/events"
	"opsdrill/internal/repo"
)

var (
	// ErrInvalidTransition marks an illegal status edge. Local-only: callers
	// treat it as a no-op, never as a system fault.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStaleState marks a lost compare-and-set: the entity moved under the
	// caller, who should retry from a fresh read.
	ErrStaleState = errors.New("stale state")
	// ErrInvariant marks a defensive check failure. Fatal to the operation.
	ErrInvariant = errors.New("invariant violation")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	// Rand is the single source of randomness in the core (change outcome
	// draws). Injectable so tests can force both branches.
	Rand func() float64

	locks *keyedLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Rand:   rand.Float64,
		locks:  newKeyedLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) NowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// EventLog returns the event writer stamped with the engine clock. Entity
// rows and their events must agree on time or window guards misread
// in-window activity as expired.
func (e Engine) EventLog() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) rand() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64()
}

// lockEntity serializes transitions per entity id. The lock covers only the
// local read-guard-write; external calls never happen under it.
func (e Engine) lockEntity(id string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock("entity:" + id)
}

// LockTeam serializes whole agent cycles for one team.
func (e Engine) LockTeam(teamID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock("team:" + teamID)
}

func (e Engine) durationMinutes() int {
	if e.Config != nil && e.Config.Session.DurationMinutes > 0 {
		return e.Config.Session.DurationMinutes
	}
	return 60
}
