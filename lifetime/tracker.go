package lifetime

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/foundry/driver"
)

type State int

const (
	// StateReleased is the state of every id with no pending or unconsumed references, including
	// ids the tracker has never seen
	StateReleased State = iota
	// StateInUse ids are referenced by a submission the device may still be executing
	StateInUse
	// StateRetireable ids were reported by RetireCompleted and wait for their owner to
	// release them
	StateRetireable
)

var stateMapping = map[State]string{
	StateReleased:   "Released",
	StateInUse:      "InUse",
	StateRetireable: "Retireable",
}

func (s State) String() string {
	return stateMapping[s]
}

// CompletionSource reports the highest sequence number known to have completed. ok is false
// when completion has not been confirmed by waiting on a fence.
type CompletionSource interface {
	CompletedSeq() (seq Seq, ok bool)
}

type entry struct {
	state   State
	lastUse Seq
}

// Tracker is the retirement queue. Submissions enter it in sequence order through Record and
// leave it in the same order through RetireCompleted.
type Tracker struct {
	mutex     sync.Mutex
	lastSeq   Seq
	completed Seq
	queue     []Submission
	entries   *swiss.Map[ID, entry]
}

func NewTracker() *Tracker {
	return &Tracker{
		entries: swiss.NewMap[ID, entry](42),
	}
}

// Record adds a submission to the retirement queue and marks its ids InUse. It panics if the
// submission's sequence number does not follow the previous one.
func (t *Tracker) Record(submission Submission) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if submission.Seq <= t.lastSeq {
		panic(driver.Invariantf("submission sequence %d recorded after sequence %d", submission.Seq, t.lastSeq))
	}
	t.lastSeq = submission.Seq

	for _, id := range submission.IDs {
		t.entries.Put(id, entry{state: StateInUse, lastUse: submission.Seq})
	}

	t.queue = append(t.queue, submission)
}

// RetireCompleted advances the completed high-water mark to the one confirmed by source and
// returns every id that moved from InUse to Retireable, in submission order. It panics if the
// source has not confirmed completion.
func (t *Tracker) RetireCompleted(source CompletionSource) []ID {
	seq, ok := source.CompletedSeq()
	if !ok {
		panic(driver.Invariantf("retiring submissions whose fence was not confirmed signaled"))
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if seq > t.lastSeq {
		panic(driver.Invariantf("sequence %d confirmed complete, but only %d submissions were recorded", seq, t.lastSeq))
	}
	if seq > t.completed {
		t.completed = seq
	}

	var retired []ID
	popped := 0
	for _, submission := range t.queue {
		if submission.Seq > t.completed {
			break
		}
		popped++

		for _, id := range submission.IDs {
			e, ok := t.entries.Get(id)
			if !ok || e.state != StateInUse || e.lastUse > t.completed {
				continue
			}

			e.state = StateRetireable
			t.entries.Put(id, e)
			retired = append(retired, id)
		}
	}

	t.queue = append(t.queue[:0], t.queue[popped:]...)
	return retired
}

// MarkReleased is called by an id's owner once it has acted on the id's retirement. It panics
// if the id is still referenced by a pending submission.
func (t *Tracker) MarkReleased(id ID) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, ok := t.entries.Get(id)
	if !ok {
		return
	}
	if e.state == StateInUse {
		panic(driver.Invariantf("%s released while sequence %d may still reference it", id, e.lastUse))
	}

	t.entries.Delete(id)
}

func (t *Tracker) InUse(id ID) bool {
	return t.State(id) == StateInUse
}

func (t *Tracker) State(id ID) State {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, ok := t.entries.Get(id)
	if !ok {
		return StateReleased
	}
	return e.state
}

// Pending is the number of submissions that have not been retired
func (t *Tracker) Pending() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return len(t.queue)
}

// Completed is the highest sequence number confirmed complete
func (t *Tracker) Completed() Seq {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.completed
}
