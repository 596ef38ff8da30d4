package audit

import "time"

// Event is one structured audit record. Delivery is best-effort; the
// core never waits on it.
type Event struct {
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	ActorID     string    `json:"actor_id,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	OldValue    any       `json:"old_value,omitempty"`
	NewValue    any       `json:"new_value,omitempty"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
}

// Notification is a user-facing message handed to the delivery layer.
type Notification struct {
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	RelatedEntity string    `json:"related_entity,omitempty"`
	At            time.Time `json:"at"`
}

// Emitter is the sink the core writes events to. Implementations must
// never block the caller and must swallow delivery failures.
type Emitter interface {
	Audit(ev Event)
	Notify(n Notification)
}

// Nop discards everything, used in tests.
type Nop struct{}

func (Nop) Audit(Event)         {}
func (Nop) Notify(Notification) {}
