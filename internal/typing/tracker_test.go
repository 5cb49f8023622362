package typing

import (
	"testing"
	"time"

	"github.com/lalith-99/portalchat/internal/clock"
	"github.com/stretchr/testify/assert"
)

func newTracker() (*Tracker, *clock.Fake) {
	c := clock.NewFake(time.Unix(1000, 0))
	return NewTracker(c, DefaultQuiet), c
}

func TestTracker_ExpiresAfterQuietPeriod(t *testing.T) {
	tr, c := newTracker()
	tr.Start("u1", "C1")

	c.Advance(2999 * time.Millisecond)
	assert.Equal(t, []string{"u1"}, tr.InChannel("C1"), "must not expire before the quiet period")

	c.Advance(time.Millisecond)
	assert.Empty(t, tr.InChannel("C1"))
}

func TestTracker_EmptyAfter3100ms(t *testing.T) {
	tr, c := newTracker()
	tr.Start("u1", "C1")
	c.Advance(3100 * time.Millisecond)
	assert.Empty(t, tr.InChannel("C1"))
}

func TestTracker_RefreshRearmsTimer(t *testing.T) {
	tr, c := newTracker()
	tr.Start("u1", "C1")
	c.Advance(2 * time.Second)
	tr.Start("u1", "C1")
	c.Advance(2 * time.Second)

	assert.Equal(t, []string{"u1"}, tr.InChannel("C1"))
	c.Advance(time.Second)
	assert.Empty(t, tr.InChannel("C1"))
	assert.Equal(t, 0, c.Pending())
}

func TestTracker_ExplicitStop(t *testing.T) {
	tr, c := newTracker()
	tr.Start("u1", "C1")
	tr.Start("u2", "C1")
	tr.Stop("u1")

	assert.Equal(t, []string{"u2"}, tr.InChannel("C1"))
	assert.Equal(t, 1, c.Pending())
}

func TestTracker_ChannelSwitchMovesUser(t *testing.T) {
	tr, _ := newTracker()
	tr.Start("u1", "C1")
	tr.Start("u1", "C2")

	assert.Empty(t, tr.InChannel("C1"))
	assert.Equal(t, []string{"u1"}, tr.InChannel("C2"))
}

func TestTracker_ClearCancelsTimers(t *testing.T) {
	tr, c := newTracker()
	tr.Start("u1", "C1")
	tr.Start("u2", "C2")
	tr.Clear()

	assert.Empty(t, tr.InChannel("C1"))
	assert.Equal(t, 0, c.Pending())
}

func TestTracker_OnChangeFiresOnExpiry(t *testing.T) {
	tr, c := newTracker()
	calls := 0
	tr.OnChange(func() { calls++ })

	tr.Start("u1", "C1")
	c.Advance(DefaultQuiet)
	assert.Equal(t, 2, calls)

	tr.Stop("u1")
	assert.Equal(t, 2, calls, "stopping an absent user is silent")
}
