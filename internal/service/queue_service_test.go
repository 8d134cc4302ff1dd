package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/queueflow/internal/changesignal"
	"github.com/goatkit/queueflow/internal/models"
	"github.com/goatkit/queueflow/internal/repository"
)

// stepClock returns a strictly increasing time on every call.
type stepClock struct {
	base  time.Time
	ticks atomic.Int64
}

func newStepClock() *stepClock {
	return &stepClock{base: time.Now().UTC().Truncate(time.Hour)}
}

func (c *stepClock) Now() time.Time {
	return c.base.Add(time.Duration(c.ticks.Add(1)) * time.Second)
}

type countingSignal struct {
	advances atomic.Int64
	latest   time.Time
}

func (s *countingSignal) Advance(context.Context) { s.advances.Add(1) }

func (s *countingSignal) LatestInstant(context.Context) (time.Time, error) { return s.latest, nil }

type testEnv struct {
	svc    *QueueService
	repo   *repository.MemoryTicketRepository
	signal *countingSignal
	clock  *stepClock
}

func newTestEnv() *testEnv {
	repo := repository.NewMemoryTicketRepository()
	sig := &countingSignal{}
	clock := newStepClock()
	return &testEnv{
		svc:    NewQueueService(repo, sig, WithClock(clock.Now)),
		repo:   repo,
		signal: sig,
		clock:  clock,
	}
}

func (e *testEnv) register(t *testing.T, code, category string) *models.Ticket {
	t.Helper()
	ticket, err := e.svc.Register(context.Background(), RegisterInput{ExternalCode: code, Name: "patient " + code, Category: category})
	require.NoError(t, err)
	return ticket
}

func (e *testEnv) status(t *testing.T, id string) models.TicketStatus {
	t.Helper()
	ticket, err := e.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return ticket.Status
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "BK-12", NormalizeCode("  bk-12 "))
	assert.Equal(t, "STRASSE", NormalizeCode("straße"))
	assert.Equal(t, "", NormalizeCode(" \t"))
}

func TestAdmitOrResume(t *testing.T) {
	ctx := context.Background()

	t.Run("three General tickets", func(t *testing.T) {
		env := newTestEnv()
		t1 := env.register(t, "T1", "General")
		t2 := env.register(t, "T2", "General")
		t3 := env.register(t, "T3", "General")

		id, err := env.svc.AdmitOrResume(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, t1.ID, id)

		stats, err := env.svc.ComputeStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 30, stats.EstimatedWaitMinutes)
		assert.Equal(t, 2, stats.QueueLength)
		require.NotNil(t, stats.InProgress)
		assert.Equal(t, t1.ID, stats.InProgress.ID)
		require.Len(t, stats.Waiting, 2)
		assert.Equal(t, 1, stats.Waiting[0].Sno)
		assert.Equal(t, t2.ID, stats.Waiting[0].ID)
		assert.Equal(t, 2, stats.Waiting[1].Sno)
		assert.Equal(t, t3.ID, stats.Waiting[1].ID)
	})

	t.Run("unknown code leaves state and signal untouched", func(t *testing.T) {
		env := newTestEnv()

		_, err := env.svc.AdmitOrResume(ctx, "unknown")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, env.signal.advances.Load())

		all, err := env.repo.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("empty code is invalid", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.svc.AdmitOrResume(ctx, "   ")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("always advances the signal after a successful lookup", func(t *testing.T) {
		env := newTestEnv()
		env.register(t, "A", "Fever")
		before := env.signal.advances.Load()

		_, err := env.svc.AdmitOrResume(ctx, "A")
		require.NoError(t, err)
		_, err = env.svc.AdmitOrResume(ctx, "A")
		require.NoError(t, err)

		assert.Equal(t, before+2, env.signal.advances.Load())
	})

	t.Run("returns the searched ticket, not the promoted one", func(t *testing.T) {
		env := newTestEnv()
		first := env.register(t, "FIRST", "")
		second := env.register(t, "SECOND", "")

		id, err := env.svc.AdmitOrResume(ctx, "SECOND")
		require.NoError(t, err)
		assert.Equal(t, second.ID, id)
		assert.Equal(t, models.StatusInService, env.status(t, first.ID))
		assert.Equal(t, models.StatusWaiting, env.status(t, second.ID))
	})

	t.Run("backfills legacy records once", func(t *testing.T) {
		env := newTestEnv()
		require.NoError(t, env.repo.Create(ctx, &models.Ticket{ID: "legacy", ExternalCode: "OLD"}))

		id, err := env.svc.AdmitOrResume(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, "legacy", id)

		ticket, err := env.repo.FindByID(ctx, "legacy")
		require.NoError(t, err)
		// Backfilled to waiting, then promoted since the server was idle.
		assert.Equal(t, models.StatusInService, ticket.Status)
		require.NotNil(t, ticket.CreatedAt)
		require.NotNil(t, ticket.StartedAt)
		created := *ticket.CreatedAt

		_, err = env.svc.AdmitOrResume(ctx, "OLD")
		require.NoError(t, err)
		again, err := env.repo.FindByID(ctx, "legacy")
		require.NoError(t, err)
		assert.Equal(t, created, *again.CreatedAt)
		assert.Equal(t, *ticket.StartedAt, *again.StartedAt)
	})

	t.Run("logs a backfill only when it changed the record", func(t *testing.T) {
		repo := repository.NewMemoryTicketRepository()
		created := time.Now().UTC()
		require.NoError(t, repo.Create(ctx, &models.Ticket{ID: "seen", ExternalCode: "SEEN", Status: models.StatusWaiting, CreatedAt: &created}))

		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, nil))
		svc := NewQueueService(&staleReadRepo{MemoryTicketRepository: repo}, &countingSignal{}, WithLogger(logger))

		_, err := svc.AdmitOrResume(ctx, "SEEN")
		require.NoError(t, err)
		assert.NotContains(t, logs.String(), "backfilled")

		ticket, err := repo.FindByID(ctx, "seen")
		require.NoError(t, err)
		assert.Equal(t, created, *ticket.CreatedAt)
	})
}

// staleReadRepo returns lookups as they looked before another engine repaired
// the record.
type staleReadRepo struct {
	*repository.MemoryTicketRepository
}

func (r *staleReadRepo) FindByExternalCode(ctx context.Context, code string) (*models.Ticket, error) {
	t, err := r.MemoryTicketRepository.FindByExternalCode(ctx, code)
	if err != nil {
		return nil, err
	}
	t.Status = ""
	t.CreatedAt = nil
	return t, nil
}

func TestCompleteCurrent(t *testing.T) {
	ctx := context.Background()

	t.Run("completes and promotes the next ticket", func(t *testing.T) {
		env := newTestEnv()
		t1 := env.register(t, "T1", "General")
		t2 := env.register(t, "T2", "General")
		env.register(t, "T3", "General")
		_, err := env.svc.AdmitOrResume(ctx, "T1")
		require.NoError(t, err)

		before, err := env.svc.ComputeStats(ctx)
		require.NoError(t, err)

		stats, err := env.svc.CompleteCurrent(ctx, t1.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, env.status(t, t1.ID))
		assert.Equal(t, models.StatusInService, env.status(t, t2.ID))
		assert.Equal(t, before.CompletedToday+1, stats.CompletedToday)
		require.NotNil(t, stats.InProgress)
		assert.Equal(t, t2.ID, stats.InProgress.ID)
		assert.Equal(t, 1, stats.QueueLength)
	})

	t.Run("second completion is NotFound", func(t *testing.T) {
		env := newTestEnv()
		t1 := env.register(t, "T1", "")
		_, err := env.svc.AdmitOrResume(ctx, "T1")
		require.NoError(t, err)

		_, err = env.svc.CompleteCurrent(ctx, t1.ID)
		require.NoError(t, err)
		_, err = env.svc.CompleteCurrent(ctx, t1.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("waiting ticket cannot be completed", func(t *testing.T) {
		env := newTestEnv()
		t1 := env.register(t, "T1", "")

		_, err := env.svc.CompleteCurrent(ctx, t1.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, models.StatusWaiting, env.status(t, t1.ID))
	})

	t.Run("empty id is invalid", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.svc.CompleteCurrent(ctx, " ")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("concurrent completers race on one id", func(t *testing.T) {
		env := newTestEnv()
		t1 := env.register(t, "T1", "")
		env.register(t, "T2", "")
		_, err := env.svc.AdmitOrResume(ctx, "T1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var wins, misses atomic.Int64
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.svc.CompleteCurrent(ctx, t1.ID)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrNotFound):
					misses.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), wins.Load())
		assert.Equal(t, int64(7), misses.Load())
	})
}

func TestCompleteCurrent_PromotionFailureKeepsCompletion(t *testing.T) {
	ctx := context.Background()
	repo := &promoteFailRepo{MemoryTicketRepository: repository.NewMemoryTicketRepository()}
	started := time.Now().UTC()
	created := started.Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, &models.Ticket{ID: "cur", ExternalCode: "CUR", Status: models.StatusInService, CreatedAt: &created, StartedAt: &started}))
	require.NoError(t, repo.Create(ctx, &models.Ticket{ID: "next", ExternalCode: "NEXT", Status: models.StatusWaiting, CreatedAt: &created}))

	sig := &countingSignal{}
	svc := NewQueueService(repo, sig)

	stats, err := svc.CompleteCurrent(ctx, "cur")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CompletedToday)
	assert.Nil(t, stats.InProgress)
	assert.Equal(t, 1, stats.QueueLength)
	assert.Equal(t, int64(1), sig.advances.Load())

	_, err = svc.CompleteCurrent(ctx, "cur")
	assert.ErrorIs(t, err, ErrNotFound)
}

// promoteFailRepo fails every write that would start service.
type promoteFailRepo struct {
	*repository.MemoryTicketRepository
}

func (r *promoteFailRepo) UpdateOne(ctx context.Context, id string, expect repository.TicketFilter, changes repository.TicketChanges) (int64, error) {
	if changes.Status == models.StatusInService {
		return 0, errors.New("primary stepped down")
	}
	return r.MemoryTicketRepository.UpdateOne(ctx, id, expect, changes)
}

// ctxSignal records whether the context handed to Advance was still live.
type ctxSignal struct {
	mu   sync.Mutex
	errs []error
}

func (s *ctxSignal) Advance(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, ctx.Err())
}

func (s *ctxSignal) LatestInstant(context.Context) (time.Time, error) { return time.Unix(0, 0), nil }

func TestSignalSurvivesCancelledRequest(t *testing.T) {
	sig := &ctxSignal{}
	svc := NewQueueService(repository.NewMemoryTicketRepository(), sig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ticket, err := svc.Register(ctx, RegisterInput{ExternalCode: "GONE", Category: "General"})
	require.NoError(t, err)
	_, err = svc.AdmitOrResume(ctx, "gone")
	require.NoError(t, err)
	_, err = svc.CompleteCurrent(ctx, ticket.ID)
	require.NoError(t, err)

	require.Len(t, sig.errs, 3)
	for _, err := range sig.errs {
		assert.NoError(t, err)
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	ticket := env.register(t, " bk-7 ", "Cardiology")
	assert.Equal(t, "BK-7", ticket.ExternalCode)
	assert.Equal(t, models.StatusWaiting, ticket.Status)
	require.NotNil(t, ticket.CreatedAt)

	_, err := env.svc.Register(ctx, RegisterInput{ExternalCode: "BK-7"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = env.svc.Register(ctx, RegisterInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestComputeStats(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue", func(t *testing.T) {
		env := newTestEnv()
		stats, err := env.svc.ComputeStats(ctx)
		require.NoError(t, err)
		assert.NotNil(t, stats.Waiting)
		assert.Empty(t, stats.Waiting)
		assert.Nil(t, stats.InProgress)
		assert.Zero(t, stats.EstimatedWaitMinutes)
		assert.Equal(t, models.ServiceTimes(), stats.ServiceTimeMap)
	})

	t.Run("mixed categories", func(t *testing.T) {
		env := newTestEnv()
		env.register(t, "A", "Emergency")
		env.register(t, "B", "Cardiology")
		env.register(t, "C", "Unknown")
		env.register(t, "D", "")
		_, err := env.svc.AdmitOrResume(ctx, "A")
		require.NoError(t, err)

		stats, err := env.svc.ComputeStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3+15+10+10, stats.EstimatedWaitMinutes)
	})

	t.Run("completions before today are not counted", func(t *testing.T) {
		env := newTestEnv()
		yesterday := env.clock.base.Add(-48 * time.Hour)
		require.NoError(t, env.repo.Create(ctx, &models.Ticket{
			ID: "old", ExternalCode: "OLD", Status: models.StatusCompleted, CompletedAt: &yesterday,
		}))

		stats, err := env.svc.ComputeStats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.CompletedToday)
	})

	t.Run("orders by id time when created_at is missing", func(t *testing.T) {
		env := newTestEnv()
		older := models.NewTicketID()
		time.Sleep(2 * time.Millisecond)
		newer := models.NewTicketID()
		require.NoError(t, env.repo.Create(ctx, &models.Ticket{ID: newer, ExternalCode: "N", Status: models.StatusWaiting}))
		require.NoError(t, env.repo.Create(ctx, &models.Ticket{ID: older, ExternalCode: "O", Status: models.StatusWaiting}))

		stats, err := env.svc.ComputeStats(ctx)
		require.NoError(t, err)
		require.Len(t, stats.Waiting, 2)
		assert.Equal(t, older, stats.Waiting[0].ID)
	})

	t.Run("reports the latest change instant", func(t *testing.T) {
		env := newTestEnv()
		env.signal.latest = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

		stats, err := env.svc.ComputeStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, env.signal.latest, stats.LatestUpdate)
	})
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv()
	env.register(t, "A", "")
	env.register(t, "B", "")

	dump, err := env.svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, dump.AllDocs, 2)
	assert.Equal(t, 2, dump.QueueLength)
}

// TestQueueProperties drives random admissions and completions from several
// goroutines and checks the single-server, FIFO and forward-only properties.
func TestQueueProperties(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	const n = 30
	order := make([]string, 0, n)
	for i := 0; i < n; i++ {
		order = append(order, env.register(t, fmt.Sprintf("P%02d", i), "").ID)
	}

	var (
		mu        sync.Mutex
		startedIn []string
		violation atomic.Bool
	)
	observe := func() {
		count, err := env.repo.CountByStatus(ctx, models.StatusInService)
		if err == nil && count > 1 {
			violation.Store(true)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				_, _ = env.svc.AdmitOrResume(ctx, fmt.Sprintf("P%02d", (i*7+w)%n))
				observe()

				current, err := env.repo.ListByStatus(ctx, models.StatusInService)
				if err != nil || len(current) == 0 {
					continue
				}
				if _, err := env.svc.CompleteCurrent(ctx, current[0].ID); err == nil {
					mu.Lock()
					startedIn = append(startedIn, current[0].ID)
					mu.Unlock()
				}
				observe()
			}
		}(w)
	}
	wg.Wait()

	assert.False(t, violation.Load(), "more than one ticket in service")

	// Every completed ticket was served, and tickets were served in
	// registration order.
	all, err := env.repo.List(ctx)
	require.NoError(t, err)
	var startTimes []time.Time
	byID := make(map[string]*models.Ticket, len(all))
	for _, ticket := range all {
		byID[ticket.ID] = ticket
		if ticket.Status == models.StatusCompleted {
			require.NotNil(t, ticket.StartedAt, "completed ticket skipped in_service")
			require.NotNil(t, ticket.CompletedAt)
			assert.False(t, ticket.CompletedAt.Before(*ticket.StartedAt))
		}
	}
	for _, id := range order {
		if started := byID[id].StartedAt; started != nil {
			startTimes = append(startTimes, *started)
		}
	}
	for i := 1; i < len(startTimes); i++ {
		assert.True(t, startTimes[i].After(startTimes[i-1]), "ticket %d started before an earlier ticket", i)
	}
	assert.NotEmpty(t, startedIn)
}

type brokenRepo struct {
	repository.MemoryTicketRepository
}

func (b *brokenRepo) FindByExternalCode(context.Context, string) (*models.Ticket, error) {
	return nil, errors.New("connection refused")
}

func (b *brokenRepo) ListByStatus(context.Context, models.TicketStatus) ([]*models.Ticket, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	svc := NewQueueService(&brokenRepo{}, changesignal.New(repository.NewMemoryChangeMarkerRepository()))

	_, err := svc.AdmitOrResume(ctx, "A")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "connection refused")

	_, err = svc.ComputeStats(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCompleteCurrent_InvalidIDForBackend(t *testing.T) {
	svc := NewQueueService(&invalidIDRepo{}, &countingSignal{})
	_, err := svc.CompleteCurrent(context.Background(), "zzz")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}

type invalidIDRepo struct {
	repository.MemoryTicketRepository
}

func (r *invalidIDRepo) UpdateOne(context.Context, string, repository.TicketFilter, repository.TicketChanges) (int64, error) {
	return 0, repository.ErrInvalidID
}
