// Package timer provides keyed one-shot and repeating timers for a
// channel. Scheduling under an existing key replaces the old timer, and
// callbacks are handed to a dispatcher so they run on the owner's loop.
package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	klog "github.com/stjordanis/loopchain/internal/log"
)

// Well-known timer keys.
const (
	KeySubscribe      = "subscribe"
	KeyShutdown       = "shutdown"
	KeyFreshness      = "freshness"
	KeyLeaderComplain = "leader_complain"
	KeyBlockGenerate  = "block_generate"
	KeyHeartbeat      = "heartbeat"
	KeyConnectRS      = "connect_radiostation"
)

// Dispatcher runs a fired callback. A channel passes its loop's Post.
type Dispatcher func(fn func())

// Inline runs callbacks on the clock's goroutine.
func Inline(fn func()) { fn() }

type entry struct {
	t        *clock.Timer
	gen      uint64
	duration time.Duration
	repeat   bool
	fn       func()
}

// Service owns every timer of one channel.
type Service struct {
	mu       sync.Mutex
	clock    clock.Clock
	dispatch Dispatcher
	timers   map[string]*entry
	gen      uint64
	stopped  bool
	logger   zerolog.Logger
}

// New creates a timer service. A nil clock uses the wall clock, a nil
// dispatcher runs callbacks inline.
func New(channel string, clk clock.Clock, dispatch Dispatcher) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if dispatch == nil {
		dispatch = Inline
	}
	return &Service{
		clock:    clk,
		dispatch: dispatch,
		timers:   make(map[string]*entry),
		logger:   klog.WithChannel("timer", channel),
	}
}

// Clock returns the clock the service runs on.
func (s *Service) Clock() clock.Clock { return s.clock }

// Schedule arms the timer under key, replacing any timer already there.
// A repeating timer re-arms itself after each fire until cancelled.
// Does nothing once the service is stopped.
func (s *Service) Schedule(key string, d time.Duration, repeat bool, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.t.Stop()
	}
	e := &entry{duration: d, repeat: repeat, fn: fn}
	s.arm(key, e)
	s.timers[key] = e

	s.logger.Trace().Str("key", key).Dur("after", d).Bool("repeat", repeat).Msg("Timer scheduled")
}

// arm must be called with mu held.
func (s *Service) arm(key string, e *entry) {
	s.gen++
	gen := s.gen
	e.gen = gen
	e.t = s.clock.AfterFunc(e.duration, func() { s.fire(key, gen) })
}

func (s *Service) fire(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.timers[key]
	if !ok || e.gen != gen || s.stopped {
		// Replaced or cancelled after the clock already committed to firing.
		s.mu.Unlock()
		return
	}
	if e.repeat {
		s.arm(key, e)
	} else {
		delete(s.timers, key)
	}
	fn := e.fn
	s.mu.Unlock()

	s.logger.Trace().Str("key", key).Msg("Timer fired")
	s.dispatch(fn)
}

// Cancel disarms the timer under key. Returns false if none was armed.
func (s *Service) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(s.timers, key)
	return true
}

// Reset restarts the countdown of an armed timer. Returns false if none was armed.
func (s *Service) Reset(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok || s.stopped {
		return false
	}
	e.t.Stop()
	s.arm(key, e)
	return true
}

// Active reports whether a timer is armed under key.
func (s *Service) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Keys returns the armed timer keys, sorted.
func (s *Service) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.timers))
	for k := range s.timers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop disarms every timer. Later Schedule calls are ignored. Safe to call twice.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for key, e := range s.timers {
		e.t.Stop()
		delete(s.timers, key)
	}
	s.logger.Debug().Msg("Timers stopped")
}
