package flowstore

import (
	"github.com/R3E-Network/interceptorhub/internal/eventbus"
	"github.com/R3E-Network/interceptorhub/internal/flow"
)

// Subscription carries the three event streams spec.md §4.3 names. Added
// and Updated deliver the flow as it stood at emission time; Cleared is a
// bare signal.
type Subscription struct {
	Added   <-chan *flow.Flow
	Updated <-chan *flow.Flow
	Cleared <-chan struct{}

	added   *eventbus.Subscription[*flow.Flow]
	updated *eventbus.Subscription[*flow.Flow]
	cleared *eventbus.Subscription[struct{}]
}

// Cancel detaches the subscription from its broker. Safe to call more
// than once.
func (s *Subscription) Cancel() {
	s.added.Cancel()
	s.updated.Cancel()
	s.cleared.Cancel()
}

// broker fans out Added/Updated/Cleared events to all live subscribers.
// Producers emit outside the Store's critical section to avoid
// re-entrancy (spec.md §5 "Shared-resource policy").
type broker struct {
	added   *eventbus.Broker[*flow.Flow]
	updated *eventbus.Broker[*flow.Flow]
	cleared *eventbus.Broker[struct{}]
}

func newBroker() *broker {
	return &broker{
		added:   eventbus.New[*flow.Flow](0),
		updated: eventbus.New[*flow.Flow](0),
		cleared: eventbus.New[struct{}](0),
	}
}

func (b *broker) subscribe() *Subscription {
	addedSub := b.added.Subscribe()
	updatedSub := b.updated.Subscribe()
	clearedSub := b.cleared.Subscribe()
	return &Subscription{
		Added:   addedSub.C,
		Updated: updatedSub.C,
		Cleared: clearedSub.C,
		added:   addedSub,
		updated: updatedSub,
		cleared: clearedSub,
	}
}

func (b *broker) publishAdded(f *flow.Flow)   { b.added.Publish(f) }
func (b *broker) publishUpdated(f *flow.Flow) { b.updated.Publish(f) }
func (b *broker) publishCleared()             { b.cleared.Publish(struct{}{}) }
