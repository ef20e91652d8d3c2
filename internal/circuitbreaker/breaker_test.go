package circuitbreaker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualBreaker returns a breaker on a clock the test moves by hand.
func manualBreaker(t *testing.T, threshold int, open time.Duration) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(t.Name(), threshold, open)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := manualBreaker(t, 3, time.Minute)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
	assert.Equal(t, t.Name(), b.Name())
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := manualBreaker(t, 3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow(), "below threshold")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(cbState.WithLabelValues(t.Name())))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := manualBreaker(t, 3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "failures must be consecutive")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := manualBreaker(t, 1, 10*time.Second)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(9 * time.Second)
	assert.False(t, b.Allow(), "still cooling down")

	*now = now.Add(time.Second)
	assert.True(t, b.Allow(), "one probe admitted")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe at a time")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, now := manualBreaker(t, 1, 10*time.Second)

	b.RecordFailure()
	*now = now.Add(10 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "cool-down restarts from the failed probe")

	before := testutil.ToFloat64(cbStateTransitions.WithLabelValues(t.Name(), "half_open", "open"))
	assert.Equal(t, float64(1), before)
}

func TestBreaker_Defaults(t *testing.T) {
	b := New("defaults", 0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.openDuration)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
