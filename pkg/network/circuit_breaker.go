package network

import "time"

// CircuitBreaker trips after a run of consecutive task timeouts on one
// session. Any answered task ends the run. It belongs to the goroutine that
// owns the connection and is not safe for concurrent use.
type CircuitBreaker struct {
	limit int
	run   int
	open  bool
	stats BreakerStats
}

// BreakerStats accumulate over the life of a connection, across sessions.
type BreakerStats struct {
	Answered    int64
	Timeouts    int64
	Trips       int64
	LastTimeout time.Time
}

// NewCircuitBreaker trips after limit consecutive timeouts. A limit below
// one falls back to three.
func NewCircuitBreaker(limit int) *CircuitBreaker {
	if limit <= 0 {
		limit = 3
	}
	return &CircuitBreaker{limit: limit}
}

func (cb *CircuitBreaker) Answered() {
	cb.stats.Answered++
	if !cb.open {
		cb.run = 0
	}
}

// TimedOut records a timeout and reports whether it tripped the breaker.
// Only the tripping timeout reports true.
func (cb *CircuitBreaker) TimedOut(now time.Time) bool {
	cb.stats.Timeouts++
	cb.stats.LastTimeout = now
	cb.run++
	if cb.open || cb.run < cb.limit {
		return false
	}
	cb.open = true
	cb.stats.Trips++
	return true
}

func (cb *CircuitBreaker) Open() bool { return cb.open }

// Reset closes the breaker for a new session.
func (cb *CircuitBreaker) Reset() {
	cb.open = false
	cb.run = 0
}

func (cb *CircuitBreaker) Stats() BreakerStats { return cb.stats }
