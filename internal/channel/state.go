package channel

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	klog "github.com/stjordanis/loopchain/internal/log"
)

// State is a channel lifecycle state.
type State int

const (
	StateBoot State = iota
	StateEvaluateNetwork
	StateSubscribeNetwork
	StateBlockSync
	StateConsensusLeader
	StateConsensusFollower
	StateLeaderComplain
	StateShuttingDown
)

var stateNames = [...]string{
	StateBoot:              "Boot",
	StateEvaluateNetwork:   "EvaluateNetwork",
	StateSubscribeNetwork:  "SubscribeNetwork",
	StateBlockSync:         "BlockSync",
	StateConsensusLeader:   "ConsensusLeader",
	StateConsensusFollower: "ConsensusFollower",
	StateLeaderComplain:    "LeaderComplain",
	StateShuttingDown:      "ShuttingDown",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// IsConsensus reports whether s is one of the steady consensus states.
func (s State) IsConsensus() bool {
	return s == StateConsensusLeader || s == StateConsensusFollower || s == StateLeaderComplain
}

// transitions lists the allowed targets of each state. ShuttingDown is
// reachable from every state and is handled separately.
var transitions = map[State][]State{
	StateBoot:             {StateEvaluateNetwork},
	StateEvaluateNetwork:  {StateConsensusLeader, StateSubscribeNetwork, StateBlockSync},
	StateSubscribeNetwork: {StateConsensusLeader, StateConsensusFollower},
	StateBlockSync:        {StateConsensusLeader, StateConsensusFollower, StateSubscribeNetwork},
	StateConsensusLeader: {
		StateLeaderComplain,
		StateConsensusFollower,
		StateConsensusLeader,
	},
	StateConsensusFollower: {
		StateLeaderComplain,
		StateSubscribeNetwork,
		StateConsensusLeader,
		StateConsensusFollower,
	},
	StateLeaderComplain: {StateConsensusLeader, StateConsensusFollower},
}

// StateMachine tracks the channel state and runs enter hooks. Hooks run
// without the lock held and may transition again.
type StateMachine struct {
	mu        sync.RWMutex
	state     State
	enter     map[State]func(from State)
	observers []func(from, to State)

	metrics *Metrics
	logger  zerolog.Logger
}

// NewStateMachine creates a machine in StateBoot. metrics may be nil.
func NewStateMachine(channel string, metrics *Metrics) *StateMachine {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &StateMachine{
		state:   StateBoot,
		enter:   make(map[State]func(State)),
		metrics: metrics,
		logger:  klog.WithChannel("state", channel),
	}
}

// OnEnter sets the hook run after entering s.
func (m *StateMachine) OnEnter(s State, fn func(from State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enter[s] = fn
}

// Observe registers fn to be called on every transition, before the
// enter hook.
func (m *StateMachine) Observe(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CanTransition reports whether moving to the target is allowed from
// the current state.
func (m *StateMachine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return allowed(m.state, to)
}

func allowed(from, to State) bool {
	if from == StateShuttingDown {
		return false
	}
	if to == StateShuttingDown {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves to the target state and runs its enter hook.
func (m *StateMachine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	hook := m.enter[to]
	observers := append([]func(State, State){}, m.observers...)
	m.mu.Unlock()

	m.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("State transition")
	m.metrics.Transitions.With("from", from.String(), "to", to.String()).Add(1)

	for _, fn := range observers {
		fn(from, to)
	}
	if hook != nil {
		hook(from)
	}
	return nil
}
