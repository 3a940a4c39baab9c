package rulestore

import "github.com/R3E-Network/interceptorhub/internal/eventbus"

// Subscription carries the four reactive streams spec.md §6 names for the
// Rule Store's GUI collaborator interface.
type Subscription struct {
	RuleAdded         <-chan Rule
	RuleRemoved       <-chan Rule
	CollectionAdded   <-chan Collection
	CollectionRemoved <-chan Collection

	ruleAdded         *eventbus.Subscription[Rule]
	ruleRemoved       *eventbus.Subscription[Rule]
	collectionAdded   *eventbus.Subscription[Collection]
	collectionRemoved *eventbus.Subscription[Collection]
}

// Cancel detaches the subscription from its broker. Safe to call more
// than once.
func (s *Subscription) Cancel() {
	s.ruleAdded.Cancel()
	s.ruleRemoved.Cancel()
	s.collectionAdded.Cancel()
	s.collectionRemoved.Cancel()
}

type broker struct {
	ruleAdded         *eventbus.Broker[Rule]
	ruleRemoved       *eventbus.Broker[Rule]
	collectionAdded   *eventbus.Broker[Collection]
	collectionRemoved *eventbus.Broker[Collection]
}

func newBroker() *broker {
	return &broker{
		ruleAdded:         eventbus.New[Rule](0),
		ruleRemoved:       eventbus.New[Rule](0),
		collectionAdded:   eventbus.New[Collection](0),
		collectionRemoved: eventbus.New[Collection](0),
	}
}

func (b *broker) subscribe() *Subscription {
	ra := b.ruleAdded.Subscribe()
	rr := b.ruleRemoved.Subscribe()
	ca := b.collectionAdded.Subscribe()
	cr := b.collectionRemoved.Subscribe()
	return &Subscription{
		RuleAdded:         ra.C,
		RuleRemoved:       rr.C,
		CollectionAdded:   ca.C,
		CollectionRemoved: cr.C,
		ruleAdded:         ra,
		ruleRemoved:       rr,
		collectionAdded:   ca,
		collectionRemoved: cr,
	}
}

func (b *broker) publishRuleAdded(r Rule)             { b.ruleAdded.Publish(r) }
func (b *broker) publishRuleRemoved(r Rule)           { b.ruleRemoved.Publish(r) }
func (b *broker) publishCollectionAdded(c Collection)   { b.collectionAdded.Publish(c) }
func (b *broker) publishCollectionRemoved(c Collection) { b.collectionRemoved.Publish(c) }
