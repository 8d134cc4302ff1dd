package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/mgo/v3/bson"
)

// TicketStatus is the lifecycle position of a ticket in the queue.
type TicketStatus string

const (
	StatusWaiting   TicketStatus = "waiting"
	StatusInService TicketStatus = "in_service"
	StatusCompleted TicketStatus = "completed"
)

// statusTransitions lists the statuses each status may move to. The empty
// status belongs to legacy records that were never backfilled.
var statusTransitions = map[TicketStatus][]TicketStatus{
	"":              {StatusWaiting},
	StatusWaiting:   {StatusInService},
	StatusInService: {StatusCompleted},
}

// CanTransitionTo reports whether moving from s to next is a forward step.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Ticket is one entity's journey through the queue.
type Ticket struct {
	ID           string       `json:"id"`
	ExternalCode string       `json:"booking_id"`
	Name         string       `json:"name,omitempty"`
	Category     string       `json:"department,omitempty"`
	Status       TicketStatus `json:"status,omitempty"`
	CreatedAt    *time.Time   `json:"created_at,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can hand tickets out of a store
// without sharing the timestamp pointers.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.CreatedAt = cloneTime(t.CreatedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// IsActive reports whether the ticket still occupies its external code.
func (t *Ticket) IsActive() bool {
	return t.Status != StatusCompleted
}

// ServiceMinutes is the expected service duration for the ticket's category.
func (t *Ticket) ServiceMinutes() int {
	return ServiceMinutes(t.Category)
}

// OrderKey returns the FIFO ordering time: created_at when present, else the
// creation time encoded in the identifier. Records with neither sort as now,
// behind every dated record.
func (t *Ticket) OrderKey(now time.Time) time.Time {
	if t.CreatedAt != nil && !t.CreatedAt.IsZero() {
		return t.CreatedAt.UTC()
	}
	if ts, ok := IDTime(t.ID); ok {
		return ts
	}
	return now.UTC()
}

// CompareFIFO orders tickets by (OrderKey, ID). The ID tie-break makes the
// order total.
func CompareFIFO(a, b *Ticket, now time.Time) int {
	ka, kb := a.OrderKey(now), b.OrderKey(now)
	if c := ka.Compare(kb); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// IDTime extracts the creation instant embedded in a ticket identifier.
// UUIDv7 ids carry a millisecond timestamp; Mongo ObjectIds carry seconds.
func IDTime(id string) (time.Time, bool) {
	if u, err := uuid.Parse(id); err == nil {
		if u.Version() != 7 {
			return time.Time{}, false
		}
		sec, nsec := u.Time().UnixTime()
		return time.Unix(sec, nsec).UTC(), true
	}
	if bson.IsObjectIdHex(id) {
		return bson.ObjectIdHex(id).Time().UTC(), true
	}
	return time.Time{}, false
}

// NewTicketID returns a time-ordered identifier for a new ticket.
func NewTicketID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
