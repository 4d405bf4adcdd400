package docapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gbear605/manifold/internal/jsonrpc"
)

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

func (s cbState) String() string {
	switch s {
	case cbClosed:
		return "closed"
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// HalfOpenMaxRequests is both the number of trial calls allowed at once
	// after RecoveryTimeout and the number of successes that close the circuit
	HalfOpenMaxRequests int
}

// StatusError is a non-200 answer from the document API
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}

// CircuitBreaker guards calls to the document API. FailureThreshold
// consecutive outages open it; while open, calls fail with ErrCircuitOpen
// until RecoveryTimeout has passed and trial calls are let through.
//
// Only outages count: transport errors, client timeouts, HTTP 5xx and 429,
// undecodable responses and JSON-RPC server errors. A rejected request or a
// caller that gave up leaves the breaker as it was.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	// onChange is called outside the lock after every state transition
	onChange func(from, to cbState, cause error)

	mu        sync.Mutex
	state     cbState
	failures  int
	openUntil time.Time
	trials    int
	successes int
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 2
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the circuit is open and records its outcome
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.cfg.Enabled {
		return fn(ctx)
	}
	trial, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(trial, isOutage(ctx, err), err)
	return err
}

// acquire admits a call, reporting whether it is a half-open trial
func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == cbOpen {
		if cb.now().Before(cb.openUntil) {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = cbHalfOpen
		cb.trials = 0
		cb.successes = 0
	}
	if cb.state == cbHalfOpen {
		if cb.trials >= cb.cfg.HalfOpenMaxRequests {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.trials++
	}
	to := cb.state
	cb.mu.Unlock()

	cb.changed(from, to, nil)
	return to == cbHalfOpen, nil
}

// record applies one finished call. A call that neither succeeded nor hit an
// outage only frees its trial slot.
func (cb *CircuitBreaker) record(trial, outage bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if trial && cb.state == cbHalfOpen {
		cb.trials--
	}

	switch {
	case outage:
		cb.failures++
		if cb.state == cbHalfOpen || (cb.state == cbClosed && cb.failures >= cb.cfg.FailureThreshold) {
			cb.state = cbOpen
			cb.openUntil = cb.now().Add(cb.cfg.RecoveryTimeout)
		}
	case err == nil:
		cb.failures = 0
		if cb.state == cbHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenMaxRequests {
				cb.state = cbClosed
			}
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.changed(from, to, err)
}

func (cb *CircuitBreaker) changed(from, to cbState, cause error) {
	if from != to && cb.onChange != nil {
		cb.onChange(from, to, cause)
	}
}

// State returns the current state name
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// isOutage reports whether err means the document API is unhealthy rather
// than that this request was refused or abandoned
func isOutage(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= http.StatusInternalServerError || status.Code == http.StatusTooManyRequests
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.IsServerError()
	}
	return true
}
