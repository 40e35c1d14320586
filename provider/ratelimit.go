package provider

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a simple AIMD-style adaptive token bucket in front of
// a Client: requests wait for capacity proportional to the request's
// estimated token cost, the budget halves on a rate_limited response, and
// recovers by a fixed step on every successful call. Process-local only;
// the teacher's cluster-replicated variant (Pulse rmap) is not needed at
// this module's single-process scope.
type RateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewRateLimiter constructs a RateLimiter with an initial and maximum
// tokens-per-minute budget. maxTPM is clamped up to initialTPM if lower.
func NewRateLimiter(initialTPM, maxTPM float64) *RateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &RateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// limitedClient wraps a Client so every Complete call passes through the
// owning RateLimiter first.
type limitedClient struct {
	next    Client
	limiter *RateLimiter
}

// Wrap returns a Client that enforces l in front of next.
func (l *RateLimiter) Wrap(next Client) Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

func (c *limitedClient) Name() string { return c.next.Name() }

func (c *limitedClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *RateLimiter) wait(ctx context.Context, req Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *RateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	var provErr *Error
	if errors.As(err, &provErr) && provErr.Kind == ErrorKindRateLimited {
		l.backoff()
	}
}

func (l *RateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *RateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// CurrentTPM reports the limiter's current effective tokens-per-minute
// budget, mostly useful for diagnostics and tests.
func (l *RateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens computes a cheap heuristic for the token cost of req:
// roughly one token per three characters of message content plus a fixed
// buffer for system-prompt and provider framing overhead.
func estimateTokens(req Request) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
