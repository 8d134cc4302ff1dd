package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goatkit/queueflow/internal/models"
)

// MemoryTicketRepository keeps tickets in process memory. The mutex makes each
// call atomic, which is all the queue engine asks of a store.
type MemoryTicketRepository struct {
	mu      sync.RWMutex
	tickets map[string]*models.Ticket
}

// NewMemoryTicketRepository creates an empty in-memory ticket store.
func NewMemoryTicketRepository() *MemoryTicketRepository {
	return &MemoryTicketRepository{tickets: make(map[string]*models.Ticket)}
}

// Create stores a copy of t, assigning an id when it has none.
func (r *MemoryTicketRepository) Create(_ context.Context, t *models.Ticket) error {
	if t == nil {
		return errors.New("ticket is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t.ID == "" {
		t.ID = models.NewTicketID()
	}
	if _, exists := r.tickets[t.ID]; exists {
		return fmt.Errorf("ticket %s already exists", t.ID)
	}
	if t.IsActive() {
		for _, existing := range r.tickets {
			if existing.ExternalCode == t.ExternalCode && existing.IsActive() {
				return ErrDuplicateCode
			}
		}
	}

	r.tickets[t.ID] = t.Clone()
	return nil
}

// FindByExternalCode returns the ticket registered under code.
func (r *MemoryTicketRepository) FindByExternalCode(_ context.Context, code string) (*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*models.Ticket
	for _, t := range r.tickets {
		if t.ExternalCode == code {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 {
		return nil, ErrTicketNotFound
	}
	return preferActive(matches).Clone(), nil
}

// FindByID returns the ticket with id.
func (r *MemoryTicketRepository) FindByID(_ context.Context, id string) (*models.Ticket, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	return t.Clone(), nil
}

// ListByStatus returns every ticket in status, in no particular order.
func (r *MemoryTicketRepository) ListByStatus(_ context.Context, status models.TicketStatus) ([]*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Ticket, 0)
	for _, t := range r.tickets {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// List returns every stored ticket ordered by id.
func (r *MemoryTicketRepository) List(_ context.Context) ([]*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Ticket) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// CountByStatus counts tickets in status.
func (r *MemoryTicketRepository) CountByStatus(_ context.Context, status models.TicketStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.tickets {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

// CountCompletedSince counts completed tickets with completed_at >= since.
func (r *MemoryTicketRepository) CountCompletedSince(_ context.Context, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.tickets {
		if t.Status == models.StatusCompleted && t.CompletedAt != nil && !t.CompletedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// UpdateOne applies changes if the ticket still matches expect.
func (r *MemoryTicketRepository) UpdateOne(_ context.Context, id string, expect TicketFilter, changes TicketChanges) (int64, error) {
	if id == "" {
		return 0, ErrInvalidID
	}
	if err := checkUpdate(expect, changes); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok || !expect.Matches(t) {
		return 0, nil
	}
	changes.Apply(t)
	return 1, nil
}

// Ping always succeeds for the in-memory store.
func (r *MemoryTicketRepository) Ping(context.Context) error {
	return nil
}

// MemoryChangeMarkerRepository keeps change markers in process memory.
type MemoryChangeMarkerRepository struct {
	mu      sync.RWMutex
	markers []time.Time
}

// NewMemoryChangeMarkerRepository creates an empty marker store.
func NewMemoryChangeMarkerRepository() *MemoryChangeMarkerRepository {
	return &MemoryChangeMarkerRepository{}
}

// InsertMarker records at.
func (r *MemoryChangeMarkerRepository) InsertMarker(_ context.Context, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers = append(r.markers, at.UTC())
	return nil
}

// LatestMarker returns the newest recorded instant.
func (r *MemoryChangeMarkerRepository) LatestMarker(context.Context) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.markers) == 0 {
		return time.Time{}, false, nil
	}
	return slices.MaxFunc(r.markers, func(a, b time.Time) int { return a.Compare(b) }), true, nil
}

// PruneMarkers drops markers older than before.
func (r *MemoryChangeMarkerRepository) PruneMarkers(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.markers[:0]
	var removed int64
	for _, m := range r.markers {
		if m.Before(before) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	r.markers = kept
	return removed, nil
}

// Len returns the number of stored markers.
func (r *MemoryChangeMarkerRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markers)
}
