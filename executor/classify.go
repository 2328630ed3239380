package executor

import (
	"sync"

	"github.com/kulesh/waypoints/intervention"
	"github.com/kulesh/waypoints/model"
)

// failureClass is the deterministic classification of a provider stream
// error, driving the retry-vs-intervene decision.
type failureClass string

const (
	classRateLimited      failureClass = "rate_limited"
	classAPIUnavailable   failureClass = "api_unavailable"
	classBudgetExceeded   failureClass = "budget_exceeded"
	classQuotaExhausted   failureClass = "quota_exhausted"
	classTransientNetwork failureClass = "transient_network"
	classOther            failureClass = "other"
)

func classifyProviderErr(err error) failureClass {
	pe, ok := model.AsProviderError(err)
	if !ok {
		return classOther
	}
	switch pe.Kind() {
	case model.ProviderErrorKindRateLimited:
		return classRateLimited
	case model.ProviderErrorKindUnavailable:
		return classAPIUnavailable
	case model.ProviderErrorKindBudgetExceeded:
		return classBudgetExceeded
	case model.ProviderErrorKindQuotaExhausted:
		return classQuotaExhausted
	case model.ProviderErrorKindAuth, model.ProviderErrorKindInvalidRequest:
		return classOther
	default:
		if pe.Retryable() {
			return classTransientNetwork
		}
		return classOther
	}
}

// retryable reports whether a class may be retried by the executor's own
// bounded backoff, provided no text has been yielded yet this iteration.
func (c failureClass) retryable() bool {
	switch c {
	case classRateLimited, classAPIUnavailable, classTransientNetwork:
		return true
	default:
		return false
	}
}

// interventionKind maps a failure class onto the operator-facing taxonomy.
func (c failureClass) interventionKind() intervention.Kind {
	switch c {
	case classRateLimited:
		return intervention.KindRateLimited
	case classAPIUnavailable, classTransientNetwork:
		return intervention.KindAPIUnavailable
	case classBudgetExceeded, classQuotaExhausted:
		return intervention.KindBudgetExceeded
	default:
		return intervention.KindExecutionError
	}
}

// Budget is the per-project cost counter. Exceeding MaxUSD makes the next
// provider call fail with a budget_exceeded ProviderError rather than
// interrupting an in-flight stream.
type Budget struct {
	mu     sync.Mutex
	max    float64
	spent  float64
}

// NewBudget constructs a Budget capped at maxUSD; maxUSD <= 0 means
// unlimited.
func NewBudget(maxUSD float64) *Budget {
	return &Budget{max: maxUSD}
}

// Charge adds cost to the counter.
func (b *Budget) Charge(cost float64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.spent += cost
	b.mu.Unlock()
}

// Exceeded reports whether the configured max has been hit.
func (b *Budget) Exceeded() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max > 0 && b.spent >= b.max
}

// Spent returns the accumulated cost.
func (b *Budget) Spent() float64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Max returns the configured ceiling, zero when unlimited.
func (b *Budget) Max() float64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max
}
