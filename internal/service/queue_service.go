package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/goatkit/queueflow/internal/models"
	"github.com/goatkit/queueflow/internal/repository"
)

// maxPromotionAttempts bounds how often promotion retries after losing a
// candidate to a concurrent writer.
const maxPromotionAttempts = 3

// ChangeSignal is the change marker the engine advances after every mutation.
type ChangeSignal interface {
	Advance(ctx context.Context)
	LatestInstant(ctx context.Context) (time.Time, error)
}

// RegisterInput describes a ticket created through Register.
type RegisterInput struct {
	ExternalCode string `json:"booking_id"`
	Name         string `json:"name"`
	Category     string `json:"department"`
}

// QueueService runs the single-server queue: admission, completion and
// statistics over a ticket repository. Every write is a conditional update in
// the store; promoteMu only serializes promotion within this process.
type QueueService struct {
	repo    repository.TicketRepository
	signal  ChangeSignal
	logger  *slog.Logger
	now     func() time.Time
	metrics *queueMetrics

	promoteMu sync.Mutex
}

// Option is a functional option for QueueService.
type Option func(*QueueService)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *QueueService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *QueueService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewQueueService creates a queue service.
func NewQueueService(repo repository.TicketRepository, signal ChangeSignal, opts ...Option) *QueueService {
	s := &QueueService{
		repo:    repo,
		signal:  signal,
		logger:  slog.Default(),
		now:     time.Now,
		metrics: globalQueueMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeCode trims and upper-cases an external code.
func NormalizeCode(raw string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(raw))
}

// AdmitOrResume looks up the ticket holding code, repairs missing fields,
// starts service for the next waiting ticket if the server is idle and
// returns the looked-up ticket's id. The change signal is advanced whenever
// the lookup succeeds, even if nothing changed.
func (s *QueueService) AdmitOrResume(ctx context.Context, code string) (string, error) {
	code = NormalizeCode(code)
	if code == "" {
		return "", fmt.Errorf("booking id required: %w", ErrInvalidInput)
	}

	ticket, err := s.repo.FindByExternalCode(ctx, code)
	if errors.Is(err, repository.ErrTicketNotFound) {
		return "", fmt.Errorf("booking %q: %w", code, ErrNotFound)
	}
	if err != nil {
		return "", storeErr("find ticket", err)
	}
	defer s.advance(ctx)

	if err := s.backfill(ctx, ticket); err != nil {
		return "", err
	}
	if err := s.promoteNext(ctx); err != nil {
		return "", err
	}
	return ticket.ID, nil
}

// backfill sets status and created_at on records that lack them. Each field is
// guarded on still being missing, so concurrent repairs do not overwrite.
func (s *QueueService) backfill(ctx context.Context, t *models.Ticket) error {
	if t.Status == "" {
		matched, err := s.repo.UpdateOne(ctx, t.ID,
			repository.TicketFilter{StatusMissing: true},
			repository.TicketChanges{Status: models.StatusWaiting})
		if err != nil {
			return storeErr("backfill status", err)
		}
		if matched == 1 {
			s.logger.Info("queue: backfilled status", "ticket", t.ID)
		}
	}
	if t.CreatedAt == nil {
		now := s.now().UTC()
		matched, err := s.repo.UpdateOne(ctx, t.ID,
			repository.TicketFilter{CreatedAtMissing: true},
			repository.TicketChanges{CreatedAt: &now})
		if err != nil {
			return storeErr("backfill created_at", err)
		}
		if matched == 1 {
			s.logger.Info("queue: backfilled created_at", "ticket", t.ID)
		}
	}
	return nil
}

// promoteNext moves the FIFO-earliest waiting ticket into service when no
// ticket is in service. The write is conditioned on the candidate still
// waiting; a lost race re-checks and tries the next candidate.
func (s *QueueService) promoteNext(ctx context.Context) error {
	s.promoteMu.Lock()
	defer s.promoteMu.Unlock()

	for attempt := 0; attempt < maxPromotionAttempts; attempt++ {
		busy, err := s.repo.CountByStatus(ctx, models.StatusInService)
		if err != nil {
			return storeErr("count in service", err)
		}
		if busy > 0 {
			return nil
		}

		waiting, err := s.repo.ListByStatus(ctx, models.StatusWaiting)
		if err != nil {
			return storeErr("list waiting", err)
		}
		if len(waiting) == 0 {
			return nil
		}
		now := s.now().UTC()
		sortFIFO(waiting, now)

		next := waiting[0]
		matched, err := s.repo.UpdateOne(ctx, next.ID,
			repository.TicketFilter{Status: models.StatusWaiting},
			repository.TicketChanges{Status: models.StatusInService, StartedAt: &now})
		if err != nil {
			return storeErr("promote ticket", err)
		}
		if matched == 1 {
			s.metrics.recordTransition(models.StatusInService)
			s.logger.Info("queue: ticket in service", "ticket", next.ID, "booking_id", next.ExternalCode)
			return nil
		}
	}
	s.logger.Warn("queue: promotion gave up after concurrent updates", "attempts", maxPromotionAttempts)
	return nil
}

// CompleteCurrent completes the in-service ticket id, promotes the next
// waiting ticket and returns fresh statistics.
func (s *QueueService) CompleteCurrent(ctx context.Context, id string) (models.AggregateStats, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.AggregateStats{}, fmt.Errorf("ticket id required: %w", ErrInvalidInput)
	}

	now := s.now().UTC()
	matched, err := s.repo.UpdateOne(ctx, id,
		repository.TicketFilter{Status: models.StatusInService},
		repository.TicketChanges{Status: models.StatusCompleted, CompletedAt: &now})
	if err != nil {
		return models.AggregateStats{}, storeErr("complete ticket", err)
	}
	if matched == 0 {
		return models.AggregateStats{}, fmt.Errorf("no ticket in service with id %s: %w", id, ErrNotFound)
	}
	s.metrics.recordTransition(models.StatusCompleted)
	s.logger.Info("queue: ticket completed", "ticket", id)

	// The completion is already stored, so a failed promotion is only logged.
	// The next admission or completion retries it.
	if err := s.promoteNext(ctx); err != nil {
		s.logger.Warn("queue: promotion after completion failed", "ticket", id, "error", err)
	}
	s.advance(ctx)
	return s.ComputeStats(ctx)
}

// Register creates a waiting ticket for code. It fails with ErrConflict when
// an active ticket already holds the code.
func (s *QueueService) Register(ctx context.Context, in RegisterInput) (*models.Ticket, error) {
	code := NormalizeCode(in.ExternalCode)
	if code == "" {
		return nil, fmt.Errorf("booking id required: %w", ErrInvalidInput)
	}

	existing, err := s.repo.FindByExternalCode(ctx, code)
	switch {
	case err == nil && existing.IsActive():
		return nil, fmt.Errorf("booking %q is already queued: %w", code, ErrConflict)
	case err != nil && !errors.Is(err, repository.ErrTicketNotFound):
		return nil, storeErr("find ticket", err)
	}

	now := s.now().UTC()
	ticket := &models.Ticket{
		ExternalCode: code,
		Name:         strings.TrimSpace(in.Name),
		Category:     strings.TrimSpace(in.Category),
		Status:       models.StatusWaiting,
		CreatedAt:    &now,
	}
	if err := s.repo.Create(ctx, ticket); err != nil {
		if errors.Is(err, repository.ErrDuplicateCode) {
			return nil, fmt.Errorf("booking %q is already queued: %w", code, ErrConflict)
		}
		return nil, storeErr("create ticket", err)
	}
	s.metrics.recordTransition(models.StatusWaiting)
	s.logger.Info("queue: ticket registered", "ticket", ticket.ID, "booking_id", code)
	s.advance(ctx)
	return ticket, nil
}

// advance records a change. It runs after the mutation is stored, so it must
// not be cut short by the caller going away.
func (s *QueueService) advance(ctx context.Context) {
	s.signal.Advance(context.WithoutCancel(ctx))
}

// ComputeStats builds a snapshot of the queue. It never writes.
func (s *QueueService) ComputeStats(ctx context.Context) (models.AggregateStats, error) {
	now := s.now().UTC()

	waiting, err := s.repo.ListByStatus(ctx, models.StatusWaiting)
	if err != nil {
		return models.AggregateStats{}, storeErr("list waiting", err)
	}
	sortFIFO(waiting, now)

	inService, err := s.repo.ListByStatus(ctx, models.StatusInService)
	if err != nil {
		return models.AggregateStats{}, storeErr("list in service", err)
	}
	if len(inService) > 1 {
		s.logger.Warn("queue: more than one ticket in service", "count", len(inService))
		sortFIFO(inService, now)
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	completedToday, err := s.repo.CountCompletedSince(ctx, dayStart)
	if err != nil {
		return models.AggregateStats{}, storeErr("count completed", err)
	}

	stats := models.AggregateStats{
		QueueLength:    len(waiting),
		CompletedToday: completedToday,
		Waiting:        make([]models.WaitingEntry, 0, len(waiting)),
		ServiceTimeMap: models.ServiceTimes(),
		LatestUpdate:   s.latestUpdate(ctx),
	}
	if len(inService) > 0 {
		current := inService[0]
		entry := models.NewQueueEntry(current)
		stats.InProgress = &entry
		stats.EstimatedWaitMinutes += current.ServiceMinutes()
	}
	for i, t := range waiting {
		stats.Waiting = append(stats.Waiting, models.WaitingEntry{Sno: i + 1, QueueEntry: models.NewQueueEntry(t)})
		stats.EstimatedWaitMinutes += t.ServiceMinutes()
	}

	s.metrics.observe(stats)
	return stats, nil
}

// latestUpdate reads the change signal; a failed read reports the epoch
// rather than failing the whole snapshot.
func (s *QueueService) latestUpdate(ctx context.Context) time.Time {
	at, err := s.signal.LatestInstant(ctx)
	if err != nil {
		s.logger.Warn("queue: failed to read change signal", "error", err)
		return time.Unix(0, 0).UTC()
	}
	return at
}

// Snapshot returns ComputeStats plus every stored record.
func (s *QueueService) Snapshot(ctx context.Context) (models.StatsDump, error) {
	stats, err := s.ComputeStats(ctx)
	if err != nil {
		return models.StatsDump{}, err
	}
	all, err := s.repo.List(ctx)
	if err != nil {
		return models.StatsDump{}, storeErr("list tickets", err)
	}
	return models.StatsDump{AggregateStats: stats, AllDocs: all}, nil
}

// Ping checks that the record store is reachable.
func (s *QueueService) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func sortFIFO(tickets []*models.Ticket, now time.Time) {
	slices.SortFunc(tickets, func(a, b *models.Ticket) int {
		return models.CompareFIFO(a, b, now)
	})
}
