package protocol

import (
	"context"
	"sync"
	"time"
)

// Call is one command waiting for its device response.
type Call struct {
	IMEI     string
	Code     string
	Data     []string
	Deadline time.Time

	once     sync.Once
	done     chan struct{}
	response *CommandResponse
	err      error
}

func newCall(imei, code string, data []string, deadline time.Time) *Call {
	return &Call{IMEI: imei, Code: code, Data: data, Deadline: deadline, done: make(chan struct{})}
}

func (c *Call) complete(resp *CommandResponse, err error) {
	c.once.Do(func() {
		c.response, c.err = resp, err
		close(c.done)
	})
}

// Done is closed once the call has a response or timed out.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the response, or ErrCorrelationTimeout. It must only be
// called after Done is closed.
func (c *Call) Result() (*CommandResponse, error) {
	return c.response, c.err
}

// Wait blocks until the call completes or ctx ends.
func (c *Call) Wait(ctx context.Context) (*CommandResponse, error) {
	select {
	case <-c.done:
		return c.response, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type callKey struct {
	imei string
	code string
}

// Pending correlates outbound commands with inbound responses by
// (imei, code). Calls older than the TTL are evicted by Sweep.
type Pending struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	calls map[callKey][]*Call
}

// NewPending creates a correlator whose calls expire after ttl.
func NewPending(ttl time.Duration) *Pending {
	return &Pending{ttl: ttl, now: time.Now, calls: make(map[callKey][]*Call)}
}

// Add registers a command and returns its call.
func (p *Pending) Add(imei, code string, data []string) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := newCall(imei, code, data, p.now().Add(p.ttl))
	key := callKey{imei, code}
	p.calls[key] = append(p.calls[key], call)
	return call
}

// Resolve completes the oldest call waiting on (imei, code).
func (p *Pending) Resolve(imei, code string, resp *CommandResponse) (*Call, bool) {
	p.mu.Lock()
	key := callKey{imei, code}
	queue := p.calls[key]
	if len(queue) == 0 {
		p.mu.Unlock()
		return nil, false
	}
	call := queue[0]
	if len(queue) == 1 {
		delete(p.calls, key)
	} else {
		p.calls[key] = queue[1:]
	}
	p.mu.Unlock()

	resp.Call = call
	call.complete(resp, nil)
	return call, true
}

// Peek returns the oldest call waiting on (imei, code) without resolving it.
func (p *Pending) Peek(imei, code string) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	if queue := p.calls[callKey{imei, code}]; len(queue) > 0 {
		return queue[0]
	}
	return nil
}

// Sweep expires every call past its deadline and returns how many it evicted.
func (p *Pending) Sweep() int {
	now := p.now()
	var expired []*Call

	p.mu.Lock()
	for key, queue := range p.calls {
		kept := queue[:0]
		for _, call := range queue {
			if now.After(call.Deadline) {
				expired = append(expired, call)
			} else {
				kept = append(kept, call)
			}
		}
		if len(kept) == 0 {
			delete(p.calls, key)
		} else {
			p.calls[key] = kept
		}
	}
	p.mu.Unlock()

	for _, call := range expired {
		call.complete(nil, ErrCorrelationTimeout)
	}
	return len(expired)
}

// Len returns the number of calls still waiting.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, queue := range p.calls {
		n += len(queue)
	}
	return n
}

// Run sweeps every interval until ctx is cancelled. onExpire, if set, is
// given the number of evicted calls after each non-empty sweep.
func (p *Pending) Run(ctx context.Context, interval time.Duration, onExpire func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 && onExpire != nil {
				onExpire(n)
			}
		}
	}
}
