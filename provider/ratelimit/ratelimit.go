// Package ratelimit provides an adaptive tokens-per-minute middleware for
// model.Client, used to keep the executor's provider calls inside whatever
// budget the embedding project configures, and to back off automatically
// when the provider starts rate-limiting.
//
// This is a process-local limiter: the spec's scheduling model mandates a
// single logical driver per project, so there is no cluster coordination
// layer here (unlike the teacher's Pulse-backed cluster map).
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kulesh/waypoints/model"
)

// Limiter applies an AIMD-style adaptive token bucket on top of a
// model.Client: it estimates the token cost of each request, blocks the
// caller until capacity is available, halves its budget when the provider
// reports rate limiting, and otherwise creeps the budget back up.
type Limiter struct {
	mu sync.Mutex

	bucket *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// New constructs a Limiter with an initial and maximum tokens-per-minute
// budget. When maxTPM is zero or less than initialTPM, it is clamped to
// initialTPM.
func New(initialTPM, maxTPM float64) *Limiter {
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
	return &Limiter{
		bucket:       rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns a model.Client that enforces the limiter before delegating
// every Stream call to next.
func (l *Limiter) Wrap(next model.Client) model.Client {
	if next == nil {
		return nil
	}
	return &limited{next: next, limiter: l}
}

type limited struct {
	next    model.Client
	limiter *Limiter
}

func (c *limited) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return stream, err
}

func (l *Limiter) wait(ctx context.Context, req *model.Request) error {
	n := estimateTokens(req)
	if burst := l.bucket.Burst(); n > burst {
		n = burst
	}
	return l.bucket.WaitN(ctx, n)
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if pe, ok := model.AsProviderError(err); ok && pe.Kind() == model.ProviderErrorKindRateLimited {
		l.backoff()
	}
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setLocked(newTPM)
}

func (l *Limiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setLocked(newTPM)
}

func (l *Limiter) setLocked(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.bucket.SetLimit(rate.Limit(tpm / 60.0))
	l.bucket.SetBurst(int(tpm))
}

// CurrentTPM returns the limiter's current effective tokens-per-minute
// budget, for diagnostics and telemetry.
func (l *Limiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens computes a cheap heuristic for the number of tokens in the
// request transcript: characters in text and tool-result content converted
// at a fixed ratio, plus a fixed buffer for framing and system prompts.
func estimateTokens(req *model.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				charCount += len(v.Text)
			case model.ToolResultPart:
				charCount += len(v.Content)
			}
		}
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
