// Package clock supplies the consensus timestamp used for auction deadlines.
//
// Every participant validating a transaction must see the same "now", so the
// auction program never reads the wall clock itself: the service asks an
// Oracle once per transaction and passes the value in explicitly.
package clock

import (
	"context"
	"sync"
	"time"
)

// Oracle reports the ledger time in unix seconds. Successive calls never go
// backwards.
type Oracle interface {
	Now(ctx context.Context) (int64, error)
}

// Ledger is the host ledger's clock: wall time plus a fixed offset, ratcheted
// so it is monotonically non-decreasing even if the system clock steps back.
type Ledger struct {
	source func() time.Time
	offset time.Duration

	mu   sync.Mutex
	last int64
}

// NewLedger creates a ledger clock over the system time.
func NewLedger(offset time.Duration) *Ledger {
	return &Ledger{source: time.Now, offset: offset}
}

// Now returns the current ledger timestamp.
func (l *Ledger) Now(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ts := l.source().Add(l.offset).Unix()

	l.mu.Lock()
	defer l.mu.Unlock()
	if ts < l.last {
		ts = l.last
	}
	l.last = ts
	return ts, nil
}

// Manual is a test clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual creates a manual clock starting at start.
func NewManual(start int64) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now, nil
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	m.now += int64(d / time.Second)
	m.mu.Unlock()
}

// Set jumps to ts if it is not in the past.
func (m *Manual) Set(ts int64) {
	m.mu.Lock()
	if ts > m.now {
		m.now = ts
	}
	m.mu.Unlock()
}
