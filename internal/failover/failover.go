// Package failover implements the Resilience Layer's ordered provider
// failover chain: given a fixed, non-cyclic list of providers, it tries
// each in turn through its budget guard and circuit breaker, returning
// the first success or an aggregated error describing every skip.
package failover

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/aurora/internal/budget"
	"github.com/oriys/aurora/internal/circuitbreaker"
	"github.com/oriys/aurora/internal/metrics"
	"github.com/oriys/aurora/internal/observability"
)

// Call is a provider invocation. result is opaque to the chain; callers
// type-assert it back on the caller side.
type Call func(ctx context.Context) (result any, err error)

// Provider is one entry in the failover chain.
type Provider struct {
	Name          string
	EstimatedCost float64
	DailyCeiling  float64
	Call          Call
}

// Chain is an ordered, non-cyclic list of providers tried in sequence.
type Chain struct {
	providers []Provider
	budget    *budget.Guard
	breakers  *circuitbreaker.Registry
	breakerCfg circuitbreaker.Config
}

// New builds a Chain. breakerCfg is applied uniformly to every provider's
// breaker the first time it is looked up in the registry.
func New(providers []Provider, guard *budget.Guard, breakers *circuitbreaker.Registry, breakerCfg circuitbreaker.Config) *Chain {
	return &Chain{providers: providers, budget: guard, breakers: breakers, breakerCfg: breakerCfg}
}

// skipReason explains why a provider was passed over, for the aggregated
// error raised when every provider fails.
type skipReason struct {
	provider string
	reason   string
}

func (s skipReason) String() string { return fmt.Sprintf("%s: %s", s.provider, s.reason) }

// Run tries each provider in order. check_budget failures and breaker
// rejections skip the provider without attempting a call, and their
// reasons are kept for the aggregated error; any other error
// from the call itself is recorded against the breaker and also skips to
// the next provider. On success it returns the result and the provider
// name that produced it.
func (c *Chain) Run(ctx context.Context) (any, string, error) {
	ctx, span := observability.StartSpan(ctx, "failover.Run")
	defer span.End()

	var skips []skipReason

	for _, p := range c.providers {
		attemptCtx, attemptSpan := observability.StartSpan(ctx, "failover.attempt", observability.AttrProvider.String(p.Name))

		if err := c.budget.CheckBudget(attemptCtx, p.Name, p.EstimatedCost); err != nil {
			metrics.RecordFailoverAttempt(p.Name, "budget_skip")
			skips = append(skips, skipReason{p.Name, fmt.Sprintf("budget: %v", err)})
			observability.SetSpanError(attemptSpan, err)
			attemptSpan.End()
			continue
		}

		breaker := c.breakers.Get(p.Name, c.breakerCfg)
		if !breaker.Allow() {
			err := errors.New("circuit breaker open")
			metrics.RecordFailoverAttempt(p.Name, "breaker_skip")
			skips = append(skips, skipReason{p.Name, "circuit breaker open"})
			observability.SetSpanError(attemptSpan, err)
			attemptSpan.End()
			continue
		}

		result, err := p.Call(attemptCtx)
		if err != nil {
			breaker.RecordFailure()
			metrics.RecordFailoverAttempt(p.Name, "error_skip")
			skips = append(skips, skipReason{p.Name, fmt.Sprintf("call failed: %v", err)})
			observability.SetSpanError(attemptSpan, err)
			attemptSpan.End()
			continue
		}

		breaker.RecordSuccess()
		metrics.RecordFailoverAttempt(p.Name, "success")
		observability.SetSpanOK(attemptSpan)
		attemptSpan.End()
		observability.SetSpanOK(span)
		return result, p.Name, nil
	}

	err := aggregateSkips(skips)
	observability.SetSpanError(span, err)
	return nil, "", err
}

func aggregateSkips(skips []skipReason) error {
	if len(skips) == 0 {
		return errors.New("failover: no providers configured")
	}
	errs := make([]error, len(skips))
	for i, s := range skips {
		errs[i] = errors.New(s.String())
	}
	return fmt.Errorf("failover: all providers exhausted: %w", errors.Join(errs...))
}
