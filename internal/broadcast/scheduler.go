// Package broadcast fans channel messages out to the subscribed audience.
// A Scheduler serializes audience changes and broadcasts on one worker;
// the Transport decides how a message reaches the audience.
package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	klog "github.com/stjordanis/loopchain/internal/log"
)

// ErrStopped is returned when scheduling on a stopped scheduler.
var ErrStopped = errors.New("broadcast scheduler stopped")

// Broadcast methods.
const (
	MethodAnnounceConfirmedBlock = "node_AnnounceConfirmedBlock"
	MethodAnnounceNewLeader      = "node_AnnounceNewLeader"
	MethodAnnounceNewPeer        = "node_AnnounceNewPeer"
	MethodComplainLeader         = "node_ComplainLeader"
	MethodHeartbeat              = "node_Heartbeat"
	MethodSubscribe              = "node_Subscribe"
	MethodDeletePeer             = "node_DeletePeer"
	MethodAddTx                  = "node_AddTx"
)

// Message is one broadcast: a JSON-RPC method and its params.
type Message struct {
	Method string
	Params interface{}
}

// Transport delivers a message to an audience.
type Transport interface {
	Deliver(ctx context.Context, audience []string, msg Message) error
	Close() error
}

type jobKind int

const (
	jobSubscribe jobKind = iota
	jobUnsubscribe
	jobBroadcast
)

type job struct {
	kind   jobKind
	target string
	msg    Message
}

// Options tune the scheduler.
type Options struct {
	QueueSize int
}

// Scheduler owns a channel's broadcast audience and queue.
type Scheduler struct {
	transport Transport
	metrics   *Metrics
	logger    zerolog.Logger

	jobs chan job

	mu       sync.RWMutex
	audience map[string]struct{}
	stopped  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a scheduler. metrics may be nil.
func New(channel string, transport Transport, opts Options, metrics *Metrics) *Scheduler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		transport: transport,
		metrics:   metrics,
		logger:    klog.WithChannel("broadcast", channel),
		jobs:      make(chan job, opts.QueueSize),
		audience:  make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// ScheduleSubscribe adds target to the audience.
func (s *Scheduler) ScheduleSubscribe(target string) error {
	return s.enqueue(job{kind: jobSubscribe, target: target})
}

// ScheduleUnsubscribe removes target from the audience.
func (s *Scheduler) ScheduleUnsubscribe(target string) error {
	return s.enqueue(job{kind: jobUnsubscribe, target: target})
}

// ScheduleBroadcast queues a message for the audience as it stands when
// the job runs.
func (s *Scheduler) ScheduleBroadcast(method string, params interface{}) error {
	return s.enqueue(job{kind: jobBroadcast, msg: Message{Method: method, Params: params}})
}

func (s *Scheduler) enqueue(j job) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	select {
	case s.jobs <- j:
		s.metrics.QueueDepth.Set(float64(len(s.jobs)))
		return nil
	case <-s.ctx.Done():
		return ErrStopped
	}
}

// Audience returns the subscribed targets, sorted.
func (s *Scheduler) Audience() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.audience))
	for t := range s.audience {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Stop rejects new jobs and tells the worker to exit. Queued jobs that
// have not started are dropped. Safe to call twice.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.cancel()
	})
}

// Wait blocks until the worker has exited, then closes the transport.
func (s *Scheduler) Wait() error {
	s.wg.Wait()
	return s.transport.Close()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.jobs:
			s.metrics.QueueDepth.Set(float64(len(s.jobs)))
			s.handle(j)
		}
	}
}

func (s *Scheduler) handle(j job) {
	switch j.kind {
	case jobSubscribe:
		s.mu.Lock()
		s.audience[j.target] = struct{}{}
		n := len(s.audience)
		s.mu.Unlock()
		s.metrics.Audience.Set(float64(n))
		s.logger.Debug().Str("target", j.target).Int("audience", n).Msg("Audience added")

	case jobUnsubscribe:
		s.mu.Lock()
		delete(s.audience, j.target)
		n := len(s.audience)
		s.mu.Unlock()
		s.metrics.Audience.Set(float64(n))
		s.logger.Debug().Str("target", j.target).Int("audience", n).Msg("Audience removed")

	case jobBroadcast:
		audience := s.Audience()
		if len(audience) == 0 {
			return
		}
		err := s.transport.Deliver(s.ctx, audience, j.msg)
		result := "ok"
		if err != nil {
			result = "error"
			s.logger.Warn().Err(err).Str("method", j.msg.Method).Int("audience", len(audience)).Msg("Broadcast incomplete")
		}
		s.metrics.Messages.With("method", j.msg.Method, "result", result).Add(1)
	}
}
