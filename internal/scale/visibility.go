package scale

import (
	"time"

	"entity-scale/server/internal/world"
)

// State tracks how far one connection is through the carrier transition
// for one entity.
type State uint8

const (
	// NeedsTransition is also what a missing pair means. A pair is missing
	// either because the connection never saw the entity or because it was
	// forgotten; both restart the transition.
	NeedsTransition State = iota
	Transitioning
	Transitioned
)

func (s State) String() string {
	switch s {
	case NeedsTransition:
		return "needs_transition"
	case Transitioning:
		return "transitioning"
	case Transitioned:
		return "transitioned"
	default:
		return "unknown"
	}
}

// DueFunc runs when a pair's transition timer fires. The pair may have been
// reset, restarted or its entity destroyed in the meantime; generation
// identifies the transition the timer was started for.
type DueFunc func(entity world.EntityID, conn world.ConnectionID, generation uint64)

type pair struct {
	state      State
	generation uint64
}

// Visibility is the per (entity, connection) transition table.
type Visibility struct {
	sched      Scheduler
	duration   time.Duration
	onDue      DueFunc
	pairs      map[world.EntityID]map[world.ConnectionID]pair
	generation uint64
}

func NewVisibility(s Scheduler, duration time.Duration, onDue DueFunc) *Visibility {
	return &Visibility{
		sched:    s,
		duration: duration,
		onDue:    onDue,
		pairs:    make(map[world.EntityID]map[world.ConnectionID]pair),
	}
}

// State returns the recorded state, NeedsTransition when absent.
func (v *Visibility) State(entity world.EntityID, conn world.ConnectionID) State {
	return v.pairs[entity][conn].state
}

// Generation returns the transition generation of a pair, zero when absent
// or seeded without a timer.
func (v *Visibility) Generation(entity world.EntityID, conn world.ConnectionID) uint64 {
	return v.pairs[entity][conn].generation
}

func (v *Visibility) states(entity world.EntityID) map[world.ConnectionID]pair {
	states, ok := v.pairs[entity]
	if !ok {
		states = make(map[world.ConnectionID]pair)
		v.pairs[entity] = states
	}
	return states
}

// Resolve reports whether conn should get the rewritten view of entity.
// The first query for a pair moves it to Transitioning and starts its
// timer; started reports that this call did so.
func (v *Visibility) Resolve(entity world.EntityID, conn world.ConnectionID) (transitioned, started bool) {
	states := v.states(entity)
	switch p, ok := states[conn]; {
	case !ok || p.state == NeedsTransition:
		v.generation++
		generation := v.generation
		states[conn] = pair{state: Transitioning, generation: generation}
		if v.sched != nil && v.onDue != nil {
			v.sched.After(v.duration, func() { v.onDue(entity, conn, generation) })
		}
		return false, true
	case p.state == Transitioned:
		return true, false
	default:
		return false, false
	}
}

// Complete moves a Transitioning pair to Transitioned. Any other state,
// including a forgotten pair, is left alone and reported as false.
func (v *Visibility) Complete(entity world.EntityID, conn world.ConnectionID) bool {
	return v.complete(entity, conn, 0)
}

// CompleteGeneration is Complete for a timer: it only advances the pair if
// it is still in the transition started under generation.
func (v *Visibility) CompleteGeneration(entity world.EntityID, conn world.ConnectionID, generation uint64) bool {
	if generation == 0 {
		return false
	}
	return v.complete(entity, conn, generation)
}

func (v *Visibility) complete(entity world.EntityID, conn world.ConnectionID, generation uint64) bool {
	states, ok := v.pairs[entity]
	if !ok {
		return false
	}
	p, ok := states[conn]
	if !ok || p.state != Transitioning {
		return false
	}
	if generation != 0 && p.generation != generation {
		return false
	}
	states[conn] = pair{state: Transitioned, generation: p.generation}
	return true
}

// InitTransitioned marks a pair as done without a timer. Used on restore
// for observers that already hold the finished view.
func (v *Visibility) InitTransitioned(entity world.EntityID, conn world.ConnectionID) {
	v.states(entity)[conn] = pair{state: Transitioned}
}

// Forget resets one pair.
func (v *Visibility) Forget(entity world.EntityID, conn world.ConnectionID) {
	states, ok := v.pairs[entity]
	if !ok {
		return
	}
	delete(states, conn)
	if len(states) == 0 {
		delete(v.pairs, entity)
	}
}

// ForgetConnection resets every pair of conn.
func (v *Visibility) ForgetConnection(conn world.ConnectionID) {
	for entity, states := range v.pairs {
		delete(states, conn)
		if len(states) == 0 {
			delete(v.pairs, entity)
		}
	}
}

// ForgetEntity resets every pair of entity.
func (v *Visibility) ForgetEntity(entity world.EntityID) {
	delete(v.pairs, entity)
}

func (v *Visibility) Clear() {
	v.pairs = make(map[world.EntityID]map[world.ConnectionID]pair)
}

// Len counts recorded pairs.
func (v *Visibility) Len() int {
	n := 0
	for _, states := range v.pairs {
		n += len(states)
	}
	return n
}
