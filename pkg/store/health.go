package store

import (
	"sync/atomic"
	"time"
)

// State is the reachability of the coordination store
type State int32

const (
	StateHealthy State = iota
	StateDegraded
)

func (s State) String() string {
	if s == StateDegraded {
		return "degraded"
	}
	return "healthy"
}

// Health is the process-wide store health handle. It is shared by every
// component that talks to the store. Writes are last-write-wins.
type Health struct {
	state     atomic.Int32
	changedAt atomic.Int64
	lastTry   atomic.Int64
	onChange  func(State)
}

// NewHealth returns a handle in the healthy state. onChange, if set, is called
// after every transition.
func NewHealth(onChange func(State)) *Health {
	h := &Health{onChange: onChange}
	h.changedAt.Store(time.Now().UnixNano())
	return h
}

// State returns the current state
func (h *Health) State() State {
	return State(h.state.Load())
}

// Degraded reports whether the store is considered unreachable
func (h *Health) Degraded() bool {
	return h.State() == StateDegraded
}

// Since returns when the state last changed
func (h *Health) Since() time.Time {
	return time.Unix(0, h.changedAt.Load())
}

// MarkDegraded flips the handle to degraded. It reports whether this call
// caused the transition.
func (h *Health) MarkDegraded() bool {
	h.lastTry.Store(time.Now().UnixNano())
	return h.set(StateDegraded)
}

// MarkHealthy flips the handle to healthy. It reports whether this call caused
// the transition.
func (h *Health) MarkHealthy() bool {
	return h.set(StateHealthy)
}

func (h *Health) set(s State) bool {
	if State(h.state.Swap(int32(s))) == s {
		return false
	}
	h.changedAt.Store(time.Now().UnixNano())
	if h.onChange != nil {
		h.onChange(s)
	}
	return true
}

// shouldAttempt reports whether a call may reach the store now. Healthy stores
// are always attempted; degraded stores at most once per retry interval across
// all callers.
func (h *Health) shouldAttempt(now time.Time, retryInterval time.Duration) bool {
	if !h.Degraded() || retryInterval <= 0 {
		return true
	}
	last := h.lastTry.Load()
	if now.UnixNano()-last < int64(retryInterval) {
		return false
	}
	return h.lastTry.CompareAndSwap(last, now.UnixNano())
}
