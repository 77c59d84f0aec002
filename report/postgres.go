package report

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"

	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS simulation_runs (
	id              BIGSERIAL PRIMARY KEY,
	policy          TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	steps           INTEGER NOT NULL,
	total_emissions DOUBLE PRECISION NOT NULL,
	on_steps        INTEGER NOT NULL,
	duty_cycle      DOUBLE PRECISION NOT NULL,
	min_temp        DOUBLE PRECISION NOT NULL,
	max_temp        DOUBLE PRECISION NOT NULL,
	mean_temp       DOUBLE PRECISION NOT NULL,
	stddev_temp     DOUBLE PRECISION NOT NULL,
	violations      INTEGER NOT NULL,
	solver_calls    INTEGER NOT NULL,
	duration_ms     BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS simulation_records (
	run_id          BIGINT NOT NULL REFERENCES simulation_runs(id) ON DELETE CASCADE,
	step            INTEGER NOT NULL,
	elapsed_minutes DOUBLE PRECISION NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL,
	fridge_temp     DOUBLE PRECISION NOT NULL,
	fridge_on       BOOLEAN NOT NULL,
	moer            DOUBLE PRECISION NOT NULL,
	lbs_co2         DOUBLE PRECISION NOT NULL,
	historical_avg  DOUBLE PRECISION,
	PRIMARY KEY (run_id, step)
);
`

// PostgresSink buffers the records of each run and stores the run with its
// records in one transaction when the summary arrives.
type PostgresSink struct {
	db      *sql.DB
	ownsDB  bool
	logger  *log.Logger
	mu      sync.Mutex
	pending map[string][]Record
}

// OpenPostgresSink connects to the database and makes sure the tables exist.
func OpenPostgresSink(ctx context.Context, connString string, logger *log.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := NewPostgresSink(db, logger)
	s.ownsDB = true
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink wraps an existing connection pool. The caller keeps
// ownership of db.
func NewPostgresSink(db *sql.DB, logger *log.Logger) *PostgresSink {
	if logger == nil {
		logger = log.Default()
	}
	return &PostgresSink{
		db:      db,
		logger:  logger,
		pending: make(map[string][]Record),
	}
}

// EnsureSchema creates the run and record tables if they are missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// WriteRecord buffers a record until its run finishes.
func (s *PostgresSink) WriteRecord(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[r.Policy] = append(s.pending[r.Policy], r)
	return nil
}

// WriteSummary persists the run and its buffered records.
func (s *PostgresSink) WriteSummary(ctx context.Context, sum Summary) error {
	s.mu.Lock()
	records := s.pending[sum.Policy]
	delete(s.pending, sum.Policy)
	s.mu.Unlock()

	id, err := s.saveRun(ctx, sum, records)
	if err != nil {
		return err
	}
	s.logger.Printf("Saved run %d (%s) with %d records to database", id, sum.Policy, len(records))
	return nil
}

func (s *PostgresSink) saveRun(ctx context.Context, sum Summary, records []Record) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO simulation_runs (
			policy,
			started_at,
			steps,
			total_emissions,
			on_steps,
			duty_cycle,
			min_temp,
			max_temp,
			mean_temp,
			stddev_temp,
			violations,
			solver_calls,
			duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		sum.Policy,
		sum.StartedAt,
		sum.Steps,
		sum.TotalEmissions,
		sum.OnSteps,
		sum.DutyCycle,
		sum.MinTemp,
		sum.MaxTemp,
		sum.MeanTemp,
		sum.StdDevTemp,
		sum.Violations,
		sum.SolverCalls,
		sum.Duration.Milliseconds(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("simulation_records",
		"run_id",
		"step",
		"elapsed_minutes",
		"timestamp",
		"fridge_temp",
		"fridge_on",
		"moer",
		"lbs_co2",
		"historical_avg",
	))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		historical := sql.NullFloat64{Float64: r.HistoricalAverage, Valid: r.HistoricalKnown}
		_, err := stmt.ExecContext(ctx,
			id,
			r.Step,
			r.ElapsedMinutes,
			r.Timestamp,
			r.Temperature,
			r.On,
			r.Value,
			r.Emissions,
			historical,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to copy record %d: %w", r.Step, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return 0, fmt.Errorf("failed to flush records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// LoadRecords returns the stored records of a run ordered by step.
func (s *PostgresSink) LoadRecords(ctx context.Context, runID int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			r.policy,
			c.step,
			c.elapsed_minutes,
			c.timestamp,
			c.fridge_temp,
			c.fridge_on,
			c.moer,
			c.lbs_co2,
			c.historical_avg
		FROM simulation_records c
		JOIN simulation_runs r ON r.id = c.run_id
		WHERE c.run_id = $1
		ORDER BY c.step ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var historical sql.NullFloat64
		err := rows.Scan(
			&r.Policy,
			&r.Step,
			&r.ElapsedMinutes,
			&r.Timestamp,
			&r.Temperature,
			&r.On,
			&r.Value,
			&r.Emissions,
			&historical,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if historical.Valid {
			r.HistoricalAverage = historical.Float64
			r.HistoricalKnown = true
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// LatestRunID returns the id of the most recent run of a policy.
func (s *PostgresSink) LatestRunID(ctx context.Context, policy string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM simulation_runs WHERE policy = $1 ORDER BY id DESC LIMIT 1`, policy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to find run for %s: %w", policy, err)
	}
	return id, nil
}

// Close releases the connection pool if the sink opened it.
func (s *PostgresSink) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
