package systems

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
)

func queueResources(n int) []*resources.Resource {
	symbols := core.NewSymbolTable()
	out := make([]*resources.Resource, n)
	for i := range out {
		key := string(rune('a'+i)) + ".tst"
		id := resources.Identity{Type: 1, Key: symbols.Intern(key)}
		out[i] = resources.NewResource(id, key, "Thing", resources.PriorityMedium, time.Unix(0, 0))
	}
	return out
}

func TestEstimatePriority(t *testing.T) {
	for _, tc := range []struct {
		base   resources.Priority
		waited time.Duration
		aging  time.Duration
		want   resources.Priority
	}{
		{resources.PriorityLow, 0, time.Second, resources.PriorityLow},
		{resources.PriorityLow, 999 * time.Millisecond, time.Second, resources.PriorityLow},
		{resources.PriorityLow, 2500 * time.Millisecond, time.Second, resources.PriorityHigh},
		{resources.PriorityMedium, time.Hour, time.Second, resources.PriorityCritical},
		{resources.PriorityVeryLow, time.Hour, 0, resources.PriorityVeryLow},
		{resources.Priority(42), 0, time.Second, resources.PriorityCritical},
	} {
		assert.Equal(t, tc.want, EstimatePriority(tc.base, tc.waited, tc.aging), "%s after %s", tc.base, tc.waited)
	}
}

func TestLoadingQueueMergesRequests(t *testing.T) {
	q := newLoadingQueue(time.Second)
	r := queueResources(1)[0]
	t0 := time.Unix(100, 0)

	q.push(r, resources.PriorityLow, t0, 1)
	e := q.push(r, resources.PriorityHigh, t0.Add(time.Second), 3)
	q.push(r, resources.PriorityVeryLow, t0.Add(2*time.Second), 2)

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, resources.PriorityHigh, e.base)
	assert.Equal(t, t0, e.Due, "earliest request wins")
	assert.Equal(t, uint8(3), e.Quality)
	assert.True(t, e.Priority >= resources.PriorityHigh)

	got, ok := q.get(r.Identity())
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.True(t, q.remove(r.Identity()))
	assert.False(t, q.remove(r.Identity()))
	assert.Nil(t, q.pop())
}

func TestLoadingQueueOrder(t *testing.T) {
	q := newLoadingQueue(time.Minute)
	rs := queueResources(4)
	t0 := time.Unix(100, 0)

	q.push(rs[0], resources.PriorityLow, t0, 1)
	q.push(rs[1], resources.PriorityHigh, t0.Add(2*time.Second), 1)
	q.push(rs[2], resources.PriorityHigh, t0.Add(time.Second), 1)
	q.push(rs[3], resources.PriorityHigh, t0.Add(time.Second), 1)

	snap := q.snapshot()
	require.Len(t, snap, 4)
	want := []resources.Identity{rs[2].Identity(), rs[3].Identity(), rs[1].Identity(), rs[0].Identity()}
	for i, e := range snap {
		assert.Equal(t, want[i], e.ID, "position %d", i)
	}

	for _, id := range want {
		e := q.pop()
		require.NotNil(t, e)
		assert.Equal(t, id, e.ID)
	}
	assert.Equal(t, 0, q.Len())
}

func TestLoadingQueueAging(t *testing.T) {
	q := newLoadingQueue(time.Second)
	rs := queueResources(2)
	t0 := time.Unix(100, 0)

	q.push(rs[0], resources.PriorityVeryLow, t0, 1)
	q.push(rs[1], resources.PriorityMedium, t0.Add(3*time.Second), 1)
	assert.Equal(t, rs[1].Identity(), q.snapshot()[0].ID)

	// after four intervals the old request overtakes the newer, more urgent one
	q.age(1, t0.Add(4*time.Second))
	snap := q.snapshot()
	assert.Equal(t, rs[0].Identity(), snap[0].ID)
	assert.Equal(t, resources.PriorityVeryHigh, snap[0].Priority)
	assert.Equal(t, resources.PriorityHigh, snap[1].Priority)
}

func TestLoadingQueueAgesAFractionPerCall(t *testing.T) {
	q := newLoadingQueue(time.Second)
	rs := queueResources(4)
	t0 := time.Unix(100, 0)
	for _, r := range rs {
		q.push(r, resources.PriorityLow, t0, 1)
	}

	now := t0.Add(2 * time.Second)
	q.age(0.5, now)
	assert.Equal(t, resources.PriorityHigh, q.entries[0].Priority)
	assert.Equal(t, resources.PriorityHigh, q.entries[1].Priority)
	assert.Equal(t, resources.PriorityLow, q.entries[2].Priority)
	assert.Equal(t, resources.PriorityLow, q.entries[3].Priority)

	q.age(0.5, now)
	for _, e := range q.entries {
		assert.Equal(t, resources.PriorityHigh, e.Priority)
	}

	q.age(0, now.Add(time.Hour))
	assert.Equal(t, resources.PriorityHigh, q.entries[0].Priority, "a zero fraction ages nothing")
}

func TestLoadingQueueReprioritize(t *testing.T) {
	q := newLoadingQueue(time.Second)
	rs := queueResources(2)
	t0 := time.Unix(100, 0)
	q.push(rs[0], resources.PriorityMedium, t0, 1)
	q.push(rs[1], resources.PriorityMedium, t0, 1)

	q.reprioritize(rs[1].Identity(), resources.PriorityCritical, t0)
	assert.Equal(t, rs[1].Identity(), q.snapshot()[0].ID)

	// unknown ids are ignored
	q.reprioritize(resources.Identity{Type: 3, Key: 99}, resources.PriorityCritical, t0)

	drained := q.drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.Len())
	_, ok := q.get(rs[0].Identity())
	assert.False(t, ok)
}
