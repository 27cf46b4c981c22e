// Package coordinator is the single authority over a ceremony. It validates every participant
// action against the ledger, drives chunk storage and commits the result.
package coordinator

import (
	"sync"
	"time"

	"Ceremony/internal/chunkstore"
	"Ceremony/internal/ledger"
	"Ceremony/internal/locks"
)

// Metrics observes coordinator operations.
type Metrics interface {
	LockAttempt(granted bool)
	Contribution(role string)
	StorageFailure(op string)
	LocksReclaimed(n int)
	Commit(d time.Duration, err error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLease enables lock expiry after the given duration.
func WithLease(d time.Duration) Option {
	return func(c *Coordinator) {
		c.locks = locks.New(d)
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator composes the ledger, the lock manager and chunk storage.
type Coordinator struct {
	ledger  *ledger.Ledger   // ledger is the authoritative ceremony state
	store   chunkstore.Store // store holds contribution payloads
	locks   *locks.Manager   // locks decides lock eligibility
	metrics Metrics          // metrics observes operations
	now     func() time.Time // now is the time source

	stopReaper chan struct{} // stopReaper signals the reaper loop to stop
	wg         sync.WaitGroup
}

// New creates a coordinator over an opened ledger and chunk store.
func New(l *ledger.Ledger, store chunkstore.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:  l,
		store:   store,
		locks:   locks.New(0),
		metrics: nopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Store returns the chunk store.
func (c *Coordinator) Store() chunkstore.Store {
	return c.store
}

// Lease returns the configured lock lease (0 = disabled).
func (c *Coordinator) Lease() time.Duration {
	return c.locks.Lease
}

// commit runs a ledger commit and records its latency.
func (c *Coordinator) commit(mutate ledger.Mutation) error {
	start := time.Now()
	_, err := c.ledger.Commit(mutate)
	c.metrics.Commit(time.Since(start), err)

	return err
}

type nopMetrics struct{}

func (nopMetrics) LockAttempt(bool) {}
func (nopMetrics) Contribution(string) {}
func (nopMetrics) StorageFailure(string) {}
func (nopMetrics) LocksReclaimed(int) {}
func (nopMetrics) Commit(time.Duration, error) {}
