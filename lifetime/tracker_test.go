package lifetime_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/lifetime"
)

type completion struct {
	seq       lifetime.Seq
	confirmed bool
}

func (c completion) CompletedSeq() (lifetime.Seq, bool) {
	return c.seq, c.confirmed
}

func requireInvariantPanic(t *testing.T, fn func()) {
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")

		err, isErr := r.(error)
		require.True(t, isErr)
		require.True(t, errors.Is(err, driver.ErrInvariantViolation))
	}()

	fn()
}

func TestIDKinds(t *testing.T) {
	resource := lifetime.NewID(lifetime.KindResource)
	object := lifetime.NewID(lifetime.KindObject)

	require.NotEqual(t, resource, object)
	require.Equal(t, lifetime.KindResource, resource.Kind())
	require.Equal(t, lifetime.KindObject, object.Kind())
	require.Contains(t, resource.String(), "Resource#")
	require.Contains(t, object.String(), "Object#")

	set := lifetime.NewID(lifetime.KindDescriptorSet)
	require.Equal(t, lifetime.KindDescriptorSet, set.Kind())
	require.Contains(t, set.String(), "DescriptorSet#")
}

func TestRetireAfterCompletion(t *testing.T) {
	tracker := lifetime.NewTracker()
	a := lifetime.NewID(lifetime.KindResource)
	b := lifetime.NewID(lifetime.KindResource)

	tracker.Record(lifetime.Submission{Seq: 1, Slot: 0, IDs: []lifetime.ID{a}})
	tracker.Record(lifetime.Submission{Seq: 2, Slot: 1, IDs: []lifetime.ID{b}})
	require.Equal(t, 2, tracker.Pending())
	require.True(t, tracker.InUse(a))
	require.True(t, tracker.InUse(b))

	// Nothing has completed yet
	require.Empty(t, tracker.RetireCompleted(completion{seq: 0, confirmed: true}))
	require.Equal(t, lifetime.StateInUse, tracker.State(a))

	retired := tracker.RetireCompleted(completion{seq: 1, confirmed: true})
	require.Equal(t, []lifetime.ID{a}, retired)
	require.Equal(t, lifetime.StateRetireable, tracker.State(a))
	require.Equal(t, lifetime.StateInUse, tracker.State(b))
	require.Equal(t, 1, tracker.Pending())
	require.Equal(t, lifetime.Seq(1), tracker.Completed())

	tracker.MarkReleased(a)
	require.Equal(t, lifetime.StateReleased, tracker.State(a))

	retired = tracker.RetireCompleted(completion{seq: 2, confirmed: true})
	require.Equal(t, []lifetime.ID{b}, retired)
	require.Equal(t, 0, tracker.Pending())
}

func TestRetireWaitsForLastUse(t *testing.T) {
	tracker := lifetime.NewTracker()
	shared := lifetime.NewID(lifetime.KindObject)
	other := lifetime.NewID(lifetime.KindResource)

	tracker.Record(lifetime.Submission{Seq: 1, Slot: 0, IDs: []lifetime.ID{shared, other}})
	tracker.Record(lifetime.Submission{Seq: 2, Slot: 1, IDs: []lifetime.ID{shared}})

	// The first submission completing is not enough for an id the second also references
	retired := tracker.RetireCompleted(completion{seq: 1, confirmed: true})
	require.Equal(t, []lifetime.ID{other}, retired)
	require.True(t, tracker.InUse(shared))

	requireInvariantPanic(t, func() {
		tracker.MarkReleased(shared)
	})

	retired = tracker.RetireCompleted(completion{seq: 2, confirmed: true})
	require.Equal(t, []lifetime.ID{shared}, retired)
}

func TestRetireReportsEachIDOnce(t *testing.T) {
	tracker := lifetime.NewTracker()
	id := lifetime.NewID(lifetime.KindObject)

	tracker.Record(lifetime.Submission{Seq: 1, IDs: []lifetime.ID{id, id}})
	tracker.Record(lifetime.Submission{Seq: 2, IDs: []lifetime.ID{id}})

	retired := tracker.RetireCompleted(completion{seq: 2, confirmed: true})
	require.Equal(t, []lifetime.ID{id}, retired)

	// A stale completion never moves the high-water mark backwards
	require.Empty(t, tracker.RetireCompleted(completion{seq: 1, confirmed: true}))
	require.Equal(t, lifetime.Seq(2), tracker.Completed())
}

func TestReuseAfterRelease(t *testing.T) {
	tracker := lifetime.NewTracker()
	id := lifetime.NewID(lifetime.KindObject)

	tracker.Record(lifetime.Submission{Seq: 1, IDs: []lifetime.ID{id}})
	require.Equal(t, []lifetime.ID{id}, tracker.RetireCompleted(completion{seq: 1, confirmed: true}))
	tracker.MarkReleased(id)

	tracker.Record(lifetime.Submission{Seq: 2, IDs: []lifetime.ID{id}})
	require.True(t, tracker.InUse(id))
	require.Equal(t, []lifetime.ID{id}, tracker.RetireCompleted(completion{seq: 2, confirmed: true}))
}

func TestSequenceMustIncrease(t *testing.T) {
	tracker := lifetime.NewTracker()
	tracker.Record(lifetime.Submission{Seq: 3})

	requireInvariantPanic(t, func() {
		tracker.Record(lifetime.Submission{Seq: 3})
	})
	requireInvariantPanic(t, func() {
		tracker.Record(lifetime.Submission{Seq: 2})
	})
	requireInvariantPanic(t, func() {
		tracker.Record(lifetime.Submission{Seq: 0})
	})

	tracker.Record(lifetime.Submission{Seq: 4})
	require.Equal(t, 2, tracker.Pending())
}

func TestRetireRequiresConfirmedFence(t *testing.T) {
	tracker := lifetime.NewTracker()
	id := lifetime.NewID(lifetime.KindResource)
	tracker.Record(lifetime.Submission{Seq: 1, IDs: []lifetime.ID{id}})

	requireInvariantPanic(t, func() {
		tracker.RetireCompleted(completion{seq: 1, confirmed: false})
	})
	require.True(t, tracker.InUse(id))

	requireInvariantPanic(t, func() {
		tracker.RetireCompleted(completion{seq: 5, confirmed: true})
	})
	require.True(t, tracker.InUse(id))
}

func TestUnknownIDIsReleased(t *testing.T) {
	tracker := lifetime.NewTracker()
	id := lifetime.NewID(lifetime.KindResource)

	require.Equal(t, lifetime.StateReleased, tracker.State(id))
	require.False(t, tracker.InUse(id))
	tracker.MarkReleased(id)
	require.Equal(t, "Released", tracker.State(id).String())
}
