package profilecache

import (
	"sync"
	"sync/atomic"
	"time"
)

// subjectState is the per-subject synchronization point. mutex orders cache
// writes and deletes for one subject and may be held across backend calls;
// the remaining fields belong to subjectRegistry.mutex.
type subjectState struct {
	mutex       sync.Mutex
	refs        int
	inFlight    uint64
	invalidated uint64
}

type invalidationMark struct {
	subjectID string
	epoch     uint64
	recorded  time.Time
}

// subjectRegistry hands out subjectStates and tracks running fetches and
// invalidations that raced them. Its own mutex only guards map bookkeeping and
// is never held while the cache backend is called.
type subjectRegistry struct {
	mutex  sync.Mutex
	epoch  atomic.Uint64
	states map[string]*subjectState
	marks  []invalidationMark
	now    func() time.Time
}

func newSubjectRegistry(now func() time.Time) *subjectRegistry {
	return &subjectRegistry{
		states: make(map[string]*subjectState),
		now:    now,
	}
}

func (registry *subjectRegistry) nextEpoch() uint64 {
	return registry.epoch.Add(1)
}

// lock takes the subject's mutex. Callers must pass the result to unlock.
func (registry *subjectRegistry) lock(subjectID string) *subjectState {
	registry.mutex.Lock()
	state := registry.stateLocked(subjectID)
	state.refs++
	registry.mutex.Unlock()

	state.mutex.Lock()
	return state
}

func (registry *subjectRegistry) unlock(subjectID string, state *subjectState) {
	state.mutex.Unlock()

	registry.mutex.Lock()
	state.refs--
	registry.releaseLocked(subjectID, state)
	registry.mutex.Unlock()
}

// invalidationEpoch returns the epoch of the latest invalidation that raced a
// running fetch for subjectID, or zero.
func (registry *subjectRegistry) invalidationEpoch(subjectID string) uint64 {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if state, ok := registry.states[subjectID]; ok {
		return state.invalidated
	}
	return 0
}

func (registry *subjectRegistry) beginFlight(subjectID string) uint64 {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	registry.pruneLocked()
	startEpoch := registry.nextEpoch()
	registry.stateLocked(subjectID).inFlight = startEpoch
	return startEpoch
}

func (registry *subjectRegistry) endFlight(subjectID string, startEpoch uint64) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	state, ok := registry.states[subjectID]
	if !ok {
		return
	}
	if state.inFlight == startEpoch {
		state.inFlight = 0
	}
	if state.invalidated != 0 && state.invalidated < startEpoch {
		state.invalidated = 0
	}
	registry.releaseLocked(subjectID, state)
}

// invalidatedAfter reports whether subjectID was invalidated after the fetch
// that began at startEpoch.
func (registry *subjectRegistry) invalidatedAfter(state *subjectState, startEpoch uint64) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return state.invalidated > startEpoch
}

// markInvalidated records an invalidation only while a fetch for the subject
// is running; later fetches start after it by construction. The caller holds
// state.mutex.
func (registry *subjectRegistry) markInvalidated(subjectID string, state *subjectState) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if state.inFlight == 0 {
		return
	}
	epoch := registry.nextEpoch()
	state.invalidated = epoch
	registry.marks = append(registry.marks, invalidationMark{subjectID: subjectID, epoch: epoch, recorded: registry.now()})
}

func (registry *subjectRegistry) stateLocked(subjectID string) *subjectState {
	state, ok := registry.states[subjectID]
	if !ok {
		state = &subjectState{}
		registry.states[subjectID] = state
	}
	return state
}

func (registry *subjectRegistry) releaseLocked(subjectID string, state *subjectState) {
	if state.refs == 0 && state.inFlight == 0 && state.invalidated == 0 {
		delete(registry.states, subjectID)
	}
}

// pruneLocked forgets invalidation marks older than invalidationGrace whose
// subject has no fetch running. Marks are appended in time order.
func (registry *subjectRegistry) pruneLocked() {
	cutoff := registry.now().Add(-invalidationGrace)
	var kept []invalidationMark
	index := 0
	for ; index < len(registry.marks) && registry.marks[index].recorded.Before(cutoff); index++ {
		mark := registry.marks[index]
		state, ok := registry.states[mark.subjectID]
		if !ok || state.invalidated != mark.epoch {
			continue
		}
		if state.inFlight != 0 {
			kept = append(kept, mark)
			continue
		}
		state.invalidated = 0
		registry.releaseLocked(mark.subjectID, state)
	}
	if index > 0 {
		registry.marks = append(kept, registry.marks[index:]...)
	}
}

// tracked returns how many subjects currently hold state.
func (registry *subjectRegistry) tracked() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.states)
}
