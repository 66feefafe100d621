// Package client implements the reconnecting gateway client: a pure
// reconnection state machine and a WebSocket client driven by it.
package client

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection status reported to the application.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateFailed       State = "failed"
	StateCircuitOpen  State = "circuit-open"
)

// Options tunes the reconnection schedule and the circuit breaker.
type Options struct {
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	Jitter                  time.Duration // upper bound, exclusive; zero disables
	MaxAttempts             int
	CircuitBreakerThreshold int
	CircuitCooldown         time.Duration
}

// DefaultOptions returns the browser client's defaults.
func DefaultOptions() Options {
	return Options{
		BaseDelay:               time.Second,
		MaxDelay:                30 * time.Second,
		Jitter:                  time.Second,
		MaxAttempts:             10,
		CircuitBreakerThreshold: 5,
		CircuitCooldown:         time.Minute,
	}
}

// Delay returns the un-jittered backoff for attempt k (1-based):
// min(BaseDelay * 2^(k-1), MaxDelay).
func (o Options) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := o.BaseDelay
	for i := 1; i < k; i++ {
		if d >= o.MaxDelay || d > o.MaxDelay/2 {
			return o.MaxDelay
		}
		d *= 2
	}
	if d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}

// Scheduler runs fn once after d. The returned func cancels a pending run.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
}

type timerScheduler struct{}

func (timerScheduler) After(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// TimerScheduler schedules on the runtime timers.
func TimerScheduler() Scheduler {
	return timerScheduler{}
}

// Snapshot is a consistent view of the machine.
type Snapshot struct {
	State       State
	Attempts    int
	Failures    int
	CircuitOpen bool
}

// Machine is the reconnection state machine. It never dials itself: when a
// connection attempt is due it calls the attempt func given to NewMachine.
type Machine struct {
	mu          sync.Mutex
	state       State
	attempts    int
	failures    int
	circuitOpen bool
	requested   bool // Disconnect was called
	generation  int
	cancelTimer func()

	opts      Options
	scheduler Scheduler
	attempt   func()
	listeners []func(from, to State)
	jitter    func(max time.Duration) time.Duration
}

// NewMachine builds a machine in the disconnected state.
func NewMachine(opts Options, scheduler Scheduler, attempt func()) *Machine {
	if scheduler == nil {
		scheduler = TimerScheduler()
	}
	return &Machine{
		state:     StateDisconnected,
		opts:      opts,
		scheduler: scheduler,
		attempt:   attempt,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// OnStateChange registers a listener called after every transition.
func (m *Machine) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns state and counters together.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, Attempts: m.attempts, Failures: m.failures, CircuitOpen: m.circuitOpen}
}

type transition struct{ from, to State }

// effects collects what must run once the lock is released.
type effects struct {
	transitions []transition
	dial        bool
}

func (m *Machine) setLocked(fx *effects, to State) {
	if m.state == to {
		return
	}
	fx.transitions = append(fx.transitions, transition{m.state, to})
	m.state = to
}

func (m *Machine) apply(fx *effects) {
	m.mu.Lock()
	listeners := append([]func(from, to State){}, m.listeners...)
	m.mu.Unlock()

	for _, t := range fx.transitions {
		for _, fn := range listeners {
			fn(t.from, t.to)
		}
	}
	if fx.dial && m.attempt != nil {
		m.attempt()
	}
}

// Connect starts a connection from disconnected or failed. A manual connect
// after failed resets the attempt counter; consecutive failures persist
// until a connection succeeds.
func (m *Machine) Connect() {
	var fx effects
	m.mu.Lock()
	if m.state != StateDisconnected && m.state != StateFailed {
		m.mu.Unlock()
		return
	}
	m.requested = false
	m.attempts = 0
	m.stopTimerLocked()
	m.setLocked(&fx, StateConnecting)
	fx.dial = true
	m.mu.Unlock()
	m.apply(&fx)
}

// Opened reports a successful handshake.
func (m *Machine) Opened() {
	var fx effects
	m.mu.Lock()
	if m.requested {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.failures = 0
	m.circuitOpen = false
	m.stopTimerLocked()
	m.setLocked(&fx, StateConnected)
	m.mu.Unlock()
	m.apply(&fx)
}

// Closed reports the close code of the current socket. Normal closure,
// policy violation and a requested disconnect end in disconnected with no
// retry; anything else counts as a failure.
func (m *Machine) Closed(code int) {
	var fx effects
	m.mu.Lock()
	if m.requested || code == websocket.CloseNormalClosure || code == websocket.ClosePolicyViolation {
		m.stopTimerLocked()
		m.setLocked(&fx, StateDisconnected)
		m.mu.Unlock()
		m.apply(&fx)
		return
	}
	m.failLocked(&fx)
	m.mu.Unlock()
	m.apply(&fx)
}

// DialFailed reports a connection attempt that never opened.
func (m *Machine) DialFailed(err error) {
	var fx effects
	m.mu.Lock()
	if m.requested {
		m.mu.Unlock()
		return
	}
	m.setLocked(&fx, StateError)
	m.failLocked(&fx)
	m.mu.Unlock()
	m.apply(&fx)
}

// HeartbeatTimeout reports a missing heartbeat acknowledgment. It is handled
// exactly like an abnormal close.
func (m *Machine) HeartbeatTimeout() {
	m.Closed(websocket.CloseAbnormalClosure)
}

// Disconnect is the client-initiated close. Pending retries are cancelled.
func (m *Machine) Disconnect() {
	var fx effects
	m.mu.Lock()
	m.requested = true
	m.stopTimerLocked()
	m.setLocked(&fx, StateDisconnected)
	m.mu.Unlock()
	m.apply(&fx)
}

func (m *Machine) failLocked(fx *effects) {
	// Only an attempt in flight or an open socket can fail.
	if m.state != StateConnecting && m.state != StateConnected && m.state != StateError {
		return
	}

	m.attempts++
	m.failures++

	switch {
	case m.opts.CircuitBreakerThreshold > 0 && m.failures >= m.opts.CircuitBreakerThreshold:
		m.circuitOpen = true
		m.setLocked(fx, StateCircuitOpen)
		m.scheduleLocked(m.opts.CircuitCooldown, m.cooldownExpired)
	case m.opts.MaxAttempts > 0 && m.attempts > m.opts.MaxAttempts:
		m.setLocked(fx, StateFailed)
	default:
		m.setLocked(fx, StateReconnecting)
		m.scheduleLocked(m.opts.Delay(m.attempts)+m.jitter(m.opts.Jitter), m.retryDue)
	}
}

func (m *Machine) scheduleLocked(d time.Duration, fn func(generation int)) {
	m.stopTimerLocked()
	m.generation++
	gen := m.generation
	m.cancelTimer = m.scheduler.After(d, func() { fn(gen) })
}

func (m *Machine) stopTimerLocked() {
	m.generation++
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
}

func (m *Machine) retryDue(generation int) {
	var fx effects
	m.mu.Lock()
	if generation != m.generation || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.cancelTimer = nil
	m.setLocked(&fx, StateConnecting)
	fx.dial = true
	m.mu.Unlock()
	m.apply(&fx)
}

// cooldownExpired is the half-open retry: exactly one attempt. If it fails
// the failure counter is still at or above the threshold and the circuit
// opens again.
func (m *Machine) cooldownExpired(generation int) {
	var fx effects
	m.mu.Lock()
	if generation != m.generation || m.state != StateCircuitOpen {
		m.mu.Unlock()
		return
	}
	m.cancelTimer = nil
	m.setLocked(&fx, StateReconnecting)
	m.setLocked(&fx, StateConnecting)
	fx.dial = true
	m.mu.Unlock()
	m.apply(&fx)
}
