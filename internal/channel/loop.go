package channel

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	klog "github.com/stjordanis/loopchain/internal/log"
)

// Loop runs a channel's tasks one at a time on a single goroutine. Post
// never blocks, so inbound handlers can hand work over without waiting.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool

	logger zerolog.Logger
}

// NewLoop creates an idle loop.
func NewLoop(channel string) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: klog.WithChannel("loop", channel),
	}
}

// Start launches the loop goroutine. Does nothing after Stop.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			return
		}
		l.started = true
		go l.run()
	})
}

// Post queues fn. Returns ErrStopped once the loop is stopped.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call posts fn and waits for its result, for ctx, or for the loop to
// stop. Must not be called from a loop task.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if err := l.Post(func() { errc <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Stop rejects new tasks and ends the loop after the running task.
// Queued tasks are dropped. Safe to call twice.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		started := l.started
		l.mu.Unlock()
		close(l.quit)
		if !started {
			close(l.done)
		}
	})
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Wait blocks until the loop has exited. Returns at once if it never ran.
func (l *Loop) Wait() {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started {
		<-l.done
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
		for {
			select {
			case <-l.quit:
				return
			default:
			}
			fn := l.pop()
			if fn == nil {
				break
			}
			l.runTask(fn)
		}
	}
}

func (l *Loop) pop() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("Loop task panicked")
		}
	}()
	fn()
}
