package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goatkit/queueflow/internal/models"
)

var (
	// ErrTicketNotFound is returned when a lookup matches no record.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrInvalidID is returned when an identifier is malformed for the backend.
	ErrInvalidID = errors.New("invalid ticket id")
	// ErrDuplicateCode is returned when an active ticket already holds the code.
	ErrDuplicateCode = errors.New("active ticket with this code already exists")
	// ErrInvalidTransition is returned when an update would move a status backwards
	// or change it without guarding on the current one.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TicketFilter is the expected state a conditional update must match, in
// addition to the id. Zero value matches any ticket.
type TicketFilter struct {
	Status           models.TicketStatus // "" matches any status
	StatusMissing    bool
	CreatedAtMissing bool
}

// Matches reports whether t satisfies the filter.
func (f TicketFilter) Matches(t *models.Ticket) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.StatusMissing && t.Status != "" {
		return false
	}
	if f.CreatedAtMissing && t.CreatedAt != nil {
		return false
	}
	return true
}

// TicketChanges lists the fields a conditional update sets. Empty or nil
// fields are left untouched.
type TicketChanges struct {
	Status      models.TicketStatus
	CreatedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// IsEmpty reports whether the update would set nothing.
func (c TicketChanges) IsEmpty() bool {
	return c.Status == "" && c.CreatedAt == nil && c.StartedAt == nil && c.CompletedAt == nil
}

// checkUpdate rejects empty updates and status changes that are not a forward
// step from the status expect guards on.
func checkUpdate(expect TicketFilter, changes TicketChanges) error {
	if changes.IsEmpty() {
		return errors.New("update sets no fields")
	}
	if changes.Status == "" {
		return nil
	}
	if expect.Status == "" && !expect.StatusMissing {
		return fmt.Errorf("unguarded change to %s: %w", changes.Status, ErrInvalidTransition)
	}
	if !expect.Status.CanTransitionTo(changes.Status) {
		return fmt.Errorf("%q to %s: %w", expect.Status, changes.Status, ErrInvalidTransition)
	}
	return nil
}

// Apply writes the changes onto t.
func (c TicketChanges) Apply(t *models.Ticket) {
	if c.Status != "" {
		t.Status = c.Status
	}
	if c.CreatedAt != nil {
		v := c.CreatedAt.UTC()
		t.CreatedAt = &v
	}
	if c.StartedAt != nil {
		v := c.StartedAt.UTC()
		t.StartedAt = &v
	}
	if c.CompletedAt != nil {
		v := c.CompletedAt.UTC()
		t.CompletedAt = &v
	}
}

// TicketRepository is the record store the queue engine runs against. Every
// write is a single-record conditional update; there are no transactions.
type TicketRepository interface {
	Create(ctx context.Context, t *models.Ticket) error
	// FindByExternalCode prefers an active ticket when several share a code.
	FindByExternalCode(ctx context.Context, code string) (*models.Ticket, error)
	FindByID(ctx context.Context, id string) (*models.Ticket, error)
	ListByStatus(ctx context.Context, status models.TicketStatus) ([]*models.Ticket, error)
	List(ctx context.Context) ([]*models.Ticket, error)
	CountByStatus(ctx context.Context, status models.TicketStatus) (int, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int, error)
	// UpdateOne applies changes to the ticket with id if it still matches
	// expect, and returns the number of matched records (0 or 1).
	UpdateOne(ctx context.Context, id string, expect TicketFilter, changes TicketChanges) (int64, error)
	Ping(ctx context.Context) error
}

// ChangeMarkerRepository stores the timestamps of the change signal.
type ChangeMarkerRepository interface {
	InsertMarker(ctx context.Context, at time.Time) error
	// LatestMarker returns the newest instant and false when none exists.
	LatestMarker(ctx context.Context) (time.Time, bool, error)
	// PruneMarkers removes markers strictly older than before.
	PruneMarkers(ctx context.Context, before time.Time) (int64, error)
}

// preferActive picks the ticket FindByExternalCode should return: an active
// one if any, otherwise the most recently created.
func preferActive(candidates []*models.Ticket) *models.Ticket {
	var best *models.Ticket
	for _, t := range candidates {
		switch {
		case best == nil:
			best = t
		case t.IsActive() && !best.IsActive():
			best = t
		case t.IsActive() == best.IsActive() && models.CompareFIFO(t, best, time.Now()) > 0:
			best = t
		}
	}
	return best
}
