package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests drive the breaker's view of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, reset time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := New("github", threshold, reset)
	b.now = clock.now
	return b, clock
}

func TestOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 5*time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen(), "below threshold stays closed")

	b.RecordFailure()
	assert.True(t, b.IsOpen(), "third failure opens")
}

func TestCooldownAdmitsProbeThenCloses(t *testing.T) {
	b, clock := newTestBreaker(3, 5*time.Minute)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clock.advance(100 * time.Second)
	assert.True(t, b.IsOpen(), "rejected before cooldown")

	clock.advance(205 * time.Second) // past 300s total
	assert.False(t, b.IsOpen(), "half-open admits one probe")
	assert.Equal(t, HalfOpen, b.Snapshot().State)

	b.RecordSuccess()
	st := b.Snapshot()
	assert.Equal(t, Closed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFails)
}

func TestProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(3, 5*time.Minute)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(6 * time.Minute)
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	assert.True(t, b.IsOpen(), "failed probe reopens immediately")
}

func TestSuccessResetsCounterMidStreak(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen(), "counter must reset on success")
}

func TestRegistryLazyCreation(t *testing.T) {
	r := NewRegistry(3, time.Minute)
	b1 := r.Get("github")
	b2 := r.Get("github")
	assert.Same(t, b1, b2)

	// Unknown providers pass through closed.
	assert.False(t, r.Get("never-seen").IsOpen())
	assert.Len(t, r.Snapshots(), 2)
}
