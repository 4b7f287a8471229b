package notes

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to databaseURL and applies pending migrations.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		s.logger.Info("applied migration", "version", res.Source.Version, "duration", res.Duration)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) RecordNote(ctx context.Context, n Note) (Note, error) {
	if err := n.validate(); err != nil {
		return Note{}, err
	}
	n.ID = uuid.New().String()
	const q = `
		INSERT INTO doctor_notes (id, session_id, patient_name, category, priority, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	if err := s.pool.QueryRow(ctx, q, n.ID, n.SessionID, n.PatientName, n.Category, n.Priority, n.Body).Scan(&n.CreatedAt); err != nil {
		return Note{}, fmt.Errorf("insert doctor note: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) RecordConfirmation(ctx context.Context, c Confirmation) (Confirmation, error) {
	if strings.TrimSpace(c.PatientName) == "" {
		return Confirmation{}, fmt.Errorf("%w: patient name is required", ErrInvalid)
	}
	c.ID = uuid.New().String()
	const q = `
		INSERT INTO appointment_confirmations (id, session_id, patient_name, appointment_date, appointment_time, confirmed)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	if err := s.pool.QueryRow(ctx, q, c.ID, c.SessionID, c.PatientName, c.AppointmentDate, c.AppointmentTime, c.Confirmed).Scan(&c.CreatedAt); err != nil {
		return Confirmation{}, fmt.Errorf("insert confirmation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) RecordReschedule(ctx context.Context, r Reschedule) (Reschedule, error) {
	if err := r.validate(); err != nil {
		return Reschedule{}, err
	}
	r.ID = uuid.New().String()
	const q = `
		INSERT INTO appointment_reschedules (id, session_id, new_date, new_time)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`
	if err := s.pool.QueryRow(ctx, q, r.ID, r.SessionID, r.Date, r.Time).Scan(&r.CreatedAt); err != nil {
		return Reschedule{}, fmt.Errorf("insert reschedule: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, patientName string) ([]Note, error) {
	q := `SELECT id, session_id, patient_name, category, priority, body, created_at FROM doctor_notes`
	args := []any{}
	if name := strings.TrimSpace(patientName); name != "" {
		q += ` WHERE lower(patient_name) = lower($1)`
		args = append(args, name)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query doctor notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		var id uuid.UUID
		var created time.Time
		if err := rows.Scan(&id, &n.SessionID, &n.PatientName, &n.Category, &n.Priority, &n.Body, &created); err != nil {
			return nil, fmt.Errorf("scan doctor note: %w", err)
		}
		n.ID = id.String()
		n.CreatedAt = created
		out = append(out, n)
	}
	return out, rows.Err()
}
