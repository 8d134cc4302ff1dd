package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/goatkit/queueflow/internal/database"
	"github.com/goatkit/queueflow/internal/models"
)

const ticketColumns = "id, external_code, holder_name, category, status, created_at, started_at, completed_at"

// ticketRow mirrors the tickets table; every column except the key may be
// NULL on records written outside this service.
type ticketRow struct {
	ID           string         `db:"id"`
	ExternalCode string         `db:"external_code"`
	HolderName   sql.NullString `db:"holder_name"`
	Category     sql.NullString `db:"category"`
	Status       sql.NullString `db:"status"`
	CreatedAt    sql.NullTime   `db:"created_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func (row ticketRow) toModel() *models.Ticket {
	return &models.Ticket{
		ID:           row.ID,
		ExternalCode: row.ExternalCode,
		Name:         row.HolderName.String,
		Category:     row.Category.String,
		Status:       models.TicketStatus(row.Status.String),
		CreatedAt:    nullTimePtr(row.CreatedAt),
		StartedAt:    nullTimePtr(row.StartedAt),
		CompletedAt:  nullTimePtr(row.CompletedAt),
	}
}

// TicketSQLRepository stores tickets in the tickets table of a postgres,
// mysql or sqlite database.
type TicketSQLRepository struct {
	db *sqlx.DB
}

// NewTicketSQLRepository creates a SQL-backed ticket repository.
func NewTicketSQLRepository(db *sqlx.DB) *TicketSQLRepository {
	return &TicketSQLRepository{db: db}
}

func (r *TicketSQLRepository) rebind(query string) string {
	return database.ConvertPlaceholders(r.db.DriverName(), query)
}

// Create inserts a new ticket, assigning a UUIDv7 id when it has none.
func (r *TicketSQLRepository) Create(ctx context.Context, t *models.Ticket) error {
	if t == nil {
		return errors.New("ticket is required")
	}
	if t.ID == "" {
		t.ID = models.NewTicketID()
	}

	query := r.rebind(`
		INSERT INTO tickets (` + ticketColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		t.ID,
		t.ExternalCode,
		nullString(t.Name),
		nullString(t.Category),
		nullString(string(t.Status)),
		timeArg(t.CreatedAt),
		timeArg(t.StartedAt),
		timeArg(t.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

// FindByExternalCode returns the active ticket for code, or the newest one.
func (r *TicketSQLRepository) FindByExternalCode(ctx context.Context, code string) (*models.Ticket, error) {
	query := r.rebind(`
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE external_code = ?`)

	var rows []ticketRow
	if err := r.db.SelectContext(ctx, &rows, query, code); err != nil {
		return nil, fmt.Errorf("failed to query ticket by code: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrTicketNotFound
	}

	candidates := make([]*models.Ticket, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, row.toModel())
	}
	return preferActive(candidates), nil
}

// FindByID returns the ticket with id.
func (r *TicketSQLRepository) FindByID(ctx context.Context, id string) (*models.Ticket, error) {
	if err := validateUUID(id); err != nil {
		return nil, err
	}

	query := r.rebind(`SELECT ` + ticketColumns + ` FROM tickets WHERE id = ?`)

	var row ticketRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to query ticket: %w", err)
	}
	return row.toModel(), nil
}

// ListByStatus returns every ticket in status.
func (r *TicketSQLRepository) ListByStatus(ctx context.Context, status models.TicketStatus) ([]*models.Ticket, error) {
	query := r.rebind(`
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE status = ?
		ORDER BY created_at ASC, id ASC`)
	return r.selectTickets(ctx, query, string(status))
}

// List returns every ticket ordered by id.
func (r *TicketSQLRepository) List(ctx context.Context) ([]*models.Ticket, error) {
	return r.selectTickets(ctx, `SELECT `+ticketColumns+` FROM tickets ORDER BY id ASC`)
}

func (r *TicketSQLRepository) selectTickets(ctx context.Context, query string, args ...any) ([]*models.Ticket, error) {
	var rows []ticketRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	out := make([]*models.Ticket, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// CountByStatus counts tickets in status.
func (r *TicketSQLRepository) CountByStatus(ctx context.Context, status models.TicketStatus) (int, error) {
	query := r.rebind(`SELECT COUNT(*) FROM tickets WHERE status = ?`)

	var n int
	if err := r.db.GetContext(ctx, &n, query, string(status)); err != nil {
		return 0, fmt.Errorf("failed to count tickets: %w", err)
	}
	return n, nil
}

// CountCompletedSince counts completed tickets with completed_at >= since.
func (r *TicketSQLRepository) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	query := r.rebind(`
		SELECT COUNT(*)
		FROM tickets
		WHERE status = ? AND completed_at >= ?`)

	var n int
	if err := r.db.GetContext(ctx, &n, query, string(models.StatusCompleted), since.UTC()); err != nil {
		return 0, fmt.Errorf("failed to count completed tickets: %w", err)
	}
	return n, nil
}

// UpdateOne applies changes in a single UPDATE guarded by id and expect.
func (r *TicketSQLRepository) UpdateOne(ctx context.Context, id string, expect TicketFilter, changes TicketChanges) (int64, error) {
	if err := validateUUID(id); err != nil {
		return 0, err
	}
	if err := checkUpdate(expect, changes); err != nil {
		return 0, err
	}

	var sets []string
	var args []any
	if changes.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(changes.Status))
	}
	if changes.CreatedAt != nil {
		sets = append(sets, "created_at = ?")
		args = append(args, changes.CreatedAt.UTC())
	}
	if changes.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, changes.StartedAt.UTC())
	}
	if changes.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, changes.CompletedAt.UTC())
	}

	where := []string{"id = ?"}
	args = append(args, id)
	if expect.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(expect.Status))
	}
	if expect.StatusMissing {
		where = append(where, "(status IS NULL OR status = '')")
	}
	if expect.CreatedAtMissing {
		where = append(where, "created_at IS NULL")
	}

	query := r.rebind(fmt.Sprintf("UPDATE tickets SET %s WHERE %s",
		strings.Join(sets, ", "), strings.Join(where, " AND ")))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update ticket: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rowsAffected, nil
}

// Ping checks the database connection.
func (r *TicketSQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ChangeMarkerSQLRepository stores change markers in the ticket_updates table.
type ChangeMarkerSQLRepository struct {
	db *sqlx.DB
}

// NewChangeMarkerSQLRepository creates a SQL-backed marker repository.
func NewChangeMarkerSQLRepository(db *sqlx.DB) *ChangeMarkerSQLRepository {
	return &ChangeMarkerSQLRepository{db: db}
}

// InsertMarker records at.
func (r *ChangeMarkerSQLRepository) InsertMarker(ctx context.Context, at time.Time) error {
	query := database.ConvertPlaceholders(r.db.DriverName(), `INSERT INTO ticket_updates (ts) VALUES (?)`)
	if _, err := r.db.ExecContext(ctx, query, at.UTC()); err != nil {
		return fmt.Errorf("failed to insert change marker: %w", err)
	}
	return nil
}

// LatestMarker returns the newest recorded instant.
func (r *ChangeMarkerSQLRepository) LatestMarker(ctx context.Context) (time.Time, bool, error) {
	var ts time.Time
	err := r.db.GetContext(ctx, &ts, `SELECT ts FROM ticket_updates ORDER BY ts DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest change marker: %w", err)
	}
	return ts.UTC(), true, nil
}

// PruneMarkers deletes markers older than before.
func (r *ChangeMarkerSQLRepository) PruneMarkers(ctx context.Context, before time.Time) (int64, error) {
	query := database.ConvertPlaceholders(r.db.DriverName(), `DELETE FROM ticket_updates WHERE ts < ?`)
	result, err := r.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune change markers: %w", err)
	}
	return result.RowsAffected()
}

func validateUUID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// isUniqueViolation recognizes the duplicate-key error of each driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timeArg(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}
