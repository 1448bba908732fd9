package backends

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Flaky wraps any Backend and fails a configured fraction of operations
// with ErrBackend. This is useful for testing that the manager's
// disable-and-fall-back behavior keeps a build working when a backend
// misbehaves.
type Flaky struct {
	backend     Backend
	failureRate float64 // Fraction of operations that should fail (0.0 to 1.0)

	rng   *rand.Rand
	rngMu sync.Mutex // Protects rng access (rand.Rand is not thread-safe)

	getFailures atomic.Int64
	putFailures atomic.Int64
}

// NewFlaky creates a new failure-injecting wrapper around an existing
// backend. failureRate is clamped to [0.0, 1.0].
func NewFlaky(backend Backend, failureRate float64) *Flaky {
	if failureRate < 0.0 {
		failureRate = 0.0
	}
	if failureRate > 1.0 {
		failureRate = 1.0
	}

	return &Flaky{
		backend:     backend,
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// shouldFail returns true if this operation should fail based on the
// failure rate. This method is thread-safe.
func (f *Flaky) shouldFail() bool {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return f.rng.Float64() < f.failureRate
}

// Name returns the wrapped backend's identifier.
func (f *Flaky) Name() string { return f.backend.Name() }

// Priority returns the wrapped backend's priority.
func (f *Flaky) Priority() int { return f.backend.Priority() }

// Get retrieves an archive, potentially returning a simulated failure.
func (f *Flaky) Get(ctx context.Context, filename string) (string, bool, error) {
	if f.shouldFail() {
		f.getFailures.Add(1)
		return "", false, Backendf("simulated get failure (failure rate: %.2f%%)", f.failureRate*100)
	}
	return f.backend.Get(ctx, filename)
}

// Put stores an archive, potentially returning a simulated failure.
func (f *Flaky) Put(ctx context.Context, filename string, r io.Reader) error {
	if f.shouldFail() {
		f.putFailures.Add(1)
		return Backendf("simulated put failure (failure rate: %.2f%%)", f.failureRate*100)
	}
	return f.backend.Put(ctx, filename, r)
}

// Close closes the wrapped backend. Close is never failure-injected;
// cleanup should always run.
func (f *Flaky) Close() error {
	return f.backend.Close()
}

// Stats returns the number of failures injected for each operation
// type. This method is thread-safe.
func (f *Flaky) Stats() (getFailures, putFailures int64) {
	return f.getFailures.Load(), f.putFailures.Load()
}
