package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestQuarantineTripsAtThreshold(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := NewQuarantine(DefaultQuarantineConfig(), WithClock(clk))

	for i := 0; i < 4; i++ {
		q.RecordFailure(3)
		assert.False(t, q.Blocked(3), "failure %d must not trip", i+1)
	}
	q.RecordFailure(3)
	assert.True(t, q.Blocked(3))

	// Other slaves continue normally.
	assert.False(t, q.Blocked(4))
}

func TestQuarantineExpiresAfterLockout(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := NewQuarantine(DefaultQuarantineConfig(), WithClock(clk))

	for i := 0; i < 5; i++ {
		q.RecordFailure(2)
	}
	assert.True(t, q.Blocked(2))

	clk.Advance(5*time.Minute + time.Second)
	assert.False(t, q.Blocked(2))
}

func TestQuarantineWindowForgetsOldFailures(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := NewQuarantine(DefaultQuarantineConfig(), WithClock(clk))

	for i := 0; i < 4; i++ {
		q.RecordFailure(1)
	}
	// Old failures age out of the window before the fifth arrives.
	clk.Advance(6 * time.Minute)
	q.RecordFailure(1)
	assert.False(t, q.Blocked(1))
}

func TestQuarantineSuccessClears(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := NewQuarantine(DefaultQuarantineConfig(), WithClock(clk))

	for i := 0; i < 5; i++ {
		q.RecordFailure(7)
	}
	assert.True(t, q.Blocked(7))

	q.RecordSuccess(7)
	assert.False(t, q.Blocked(7))

	st := q.Snapshot()[7]
	assert.False(t, st.Quarantined)
	assert.Equal(t, 0, st.RecentFailures)
}
