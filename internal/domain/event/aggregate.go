package event

import "time"

// Root holds the identity, version and uncommitted event buffer of an aggregate. Aggregates
// embed it and call Record from their behaviour methods.
type Root struct {
	id          string
	version     int
	uncommitted []Event
	now         func() time.Time
}

// NewRoot constructs a root for an aggregate currently at version.
func NewRoot(id string, version int) Root {
	return Root{id: id, version: version}
}

// ID returns the aggregate identifier.
func (r *Root) ID() string { return r.id }

// Version returns the version of the latest recorded event.
func (r *Root) Version() int { return r.version }

// Record bumps the aggregate version and buffers an event carrying payload.
func (r *Root) Record(payload Payload, opts ...Option) (Event, error) {
	next := r.version + 1
	if r.now != nil {
		opts = append([]Option{WithOccurredAt(r.now())}, opts...)
	}
	evt, err := New(r.id, next, payload, opts...)
	if err != nil {
		return Event{}, err
	}
	r.version = next
	r.uncommitted = append(r.uncommitted, evt)
	return evt, nil
}

// UncommittedEvents returns a copy of the buffered events in recording order.
func (r *Root) UncommittedEvents() []Event {
	if len(r.uncommitted) == 0 {
		return nil
	}
	out := make([]Event, len(r.uncommitted))
	copy(out, r.uncommitted)
	return out
}

// MarkCommitted clears the buffer after the events were persisted.
func (r *Root) MarkCommitted() {
	r.uncommitted = nil
}

// SetClock overrides the time source used for recorded events.
func (r *Root) SetClock(now func() time.Time) {
	r.now = now
}
