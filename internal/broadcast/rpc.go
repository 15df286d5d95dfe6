package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stjordanis/loopchain/internal/rpcclient"
)

// Notifier sends a one-way JSON-RPC message to one target.
type Notifier interface {
	Notify(ctx context.Context, method string, params interface{}) error
	Close()
}

// RPCOptions tune the RPC transport.
type RPCOptions struct {
	Workers    int     // concurrent sends per broadcast
	Rate       float64 // messages per second across all targets, 0 = unlimited
	RetryTimes int     // attempts per target on unreachable errors
}

// RPCTransport sends each message to every target over JSON-RPC.
type RPCTransport struct {
	dial    func(target string) Notifier
	opts    RPCOptions
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[string]Notifier
}

// NewRPCTransport creates a transport that dials targets with dial.
func NewRPCTransport(dial func(target string) Notifier, opts RPCOptions) *RPCTransport {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.RetryTimes <= 0 {
		opts.RetryTimes = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		burst := int(opts.Rate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return &RPCTransport{
		dial:    dial,
		opts:    opts,
		limiter: limiter,
		clients: make(map[string]Notifier),
	}
}

// NewPeerRPCTransport creates an RPC transport over rpcclient peer clients.
func NewPeerRPCTransport(dialer rpcclient.Dialer, opts RPCOptions) *RPCTransport {
	return NewRPCTransport(func(target string) Notifier { return dialer.Dial(target) }, opts)
}

func (t *RPCTransport) client(target string) Notifier {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[target]
	if !ok {
		c = t.dial(target)
		t.clients[target] = c
	}
	return c
}

// Deliver sends msg to every target. Errors from individual targets are
// aggregated; one failing target does not stop the others.
func (t *RPCTransport) Deliver(ctx context.Context, audience []string, msg Message) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		merr *multierror.Error
	)
	g.SetLimit(t.opts.Workers)

	for _, target := range audience {
		target := target
		g.Go(func() error {
			if err := t.send(ctx, target, msg); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", target, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return merr.ErrorOrNil()
}

func (t *RPCTransport) send(ctx context.Context, target string, msg Message) error {
	c := t.client(target)
	var err error
	for attempt := 0; attempt < t.opts.RetryTimes; attempt++ {
		if werr := t.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = c.Notify(ctx, msg.Method, msg.Params)
		if err == nil || !errors.Is(err, rpcclient.ErrUnreachable) {
			return err
		}
	}
	return err
}

// Close releases every cached client.
func (t *RPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for target, c := range t.clients {
		c.Close()
		delete(t.clients, target)
	}
	return nil
}
