// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the database-backed audit sink. It supports the same
// three backends as the rest of the toolchain: SQLite (pure Go driver),
// PostgreSQL (pgx) and MySQL. Records are hash-chained so an operator can
// detect after-the-fact tampering with the log.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/go-sql-driver/mysql"     // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib"     // PostgreSQL driver
	_ "modernc.org/sqlite"                 // Pure Go SQLite driver

	"github.com/toeirei/taskmaster/internal/logging"
	"github.com/toeirei/taskmaster/internal/model"
)

// recordModel is the bun mapping for persisted audit records.
type recordModel struct {
	bun.BaseModel `bun:"table:audit_records"`

	Seq       int64     `bun:"seq,pk,autoincrement"`
	ID        string    `bun:"id,notnull"`
	Timestamp time.Time `bun:"ts,notnull"`
	UserID    string    `bun:"user_id,notnull"`
	SessionID string    `bun:"session_id"`
	PlanID    string    `bun:"plan_id"`
	StepIndex *int      `bun:"step_index"`
	Action    string    `bun:"action,notnull"`
	Outcome   string    `bun:"outcome,notnull"`
	Detail    string    `bun:"detail"`
	PrevHash  string    `bun:"prev_hash"`
	Hash      string    `bun:"hash,notnull"`
}

// Store is the database-backed Sink. Emission is serialized so the hash
// chain stays causal; the core emits under its own locks anyway, so this is
// not a throughput concern.
type Store struct {
	db *bun.DB

	mu       sync.Mutex
	lastHash string
}

// NewStore opens the audit database for the given backend type and DSN and
// runs migrations.
func NewStore(dbType, dsn string) (*Store, error) {
	var (
		sqldb *sql.DB
		bdb   *bun.DB
		err   error
	)
	switch dbType {
	case "sqlite":
		sqldb, err = sql.Open("sqlite", dsn)
		if err == nil {
			bdb = bun.NewDB(sqldb, sqlitedialect.New())
		}
	case "postgres":
		sqldb, err = sql.Open("pgx", dsn)
		if err == nil {
			bdb = bun.NewDB(sqldb, pgdialect.New())
		}
	case "mysql":
		sqldb, err = sql.Open("mysql", dsn)
		if err == nil {
			bdb = bun.NewDB(sqldb, mysqldialect.New())
		}
	default:
		return nil, fmt.Errorf("unsupported audit database type: %q", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := sqldb.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	s := &Store{db: bdb}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("audit database migration failed: %w", err)
	}
	if err := s.loadChainHead(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.NewCreateTable().Model((*recordModel)(nil)).IfNotExists().Exec(ctx)
	return err
}

// loadChainHead seeds lastHash from the newest persisted record so chains
// survive restarts.
func (s *Store) loadChainHead(ctx context.Context) error {
	var m recordModel
	err := s.db.NewSelect().Model(&m).Order("seq DESC").Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("failed to load audit chain head: %w", err)
	}
	s.lastHash = m.Hash
	return nil
}

// Emit implements Sink. Persistence failures are logged and swallowed; the
// audit sink must never take the control plane down with it.
func (s *Store) Emit(rec model.AuditRecord) {
	rec = Stamp(rec, time.Now().UTC())
	// The sqlite and postgres timestamp columns keep microseconds; hashing the
	// truncated value makes the hash match what Verify reads back.
	rec.Timestamp = rec.Timestamp.Truncate(time.Microsecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := ComputeRecordHash(rec, s.lastHash)
	if err != nil {
		logging.Errorf("audit: failed to hash record %s: %v", rec.ID, err)
		return
	}
	m := &recordModel{
		ID:        rec.ID,
		Timestamp: rec.Timestamp,
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		PlanID:    rec.PlanID,
		StepIndex: rec.StepIndex,
		Action:    string(rec.Action),
		Outcome:   string(rec.Outcome),
		Detail:    rec.Detail,
		PrevHash:  s.lastHash,
		Hash:      hash,
	}
	if _, err := s.db.NewInsert().Model(m).Exec(context.Background()); err != nil {
		logging.Errorf("audit: failed to persist record %s: %v", rec.ID, err)
		return
	}
	s.lastHash = hash
}

// Records returns up to limit persisted records in emission order (0 means
// all).
func (s *Store) Records(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	var ms []recordModel
	q := s.db.NewSelect().Model(&ms).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	out := make([]model.AuditRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, model.AuditRecord{
			ID:        m.ID,
			Timestamp: m.Timestamp,
			UserID:    m.UserID,
			SessionID: m.SessionID,
			PlanID:    m.PlanID,
			StepIndex: m.StepIndex,
			Action:    model.AuditAction(m.Action),
			Outcome:   model.AuditOutcome(m.Outcome),
			Detail:    m.Detail,
		})
	}
	return out, nil
}

// Verify walks the persisted chain and reports the first record whose stored
// hash does not match its recomputed value.
func (s *Store) Verify(ctx context.Context) error {
	var ms []recordModel
	if err := s.db.NewSelect().Model(&ms).Order("seq ASC").Scan(ctx); err != nil {
		return fmt.Errorf("failed to load audit records: %w", err)
	}
	prev := ""
	for _, m := range ms {
		rec := model.AuditRecord{
			ID:        m.ID,
			Timestamp: m.Timestamp,
			UserID:    m.UserID,
			SessionID: m.SessionID,
			PlanID:    m.PlanID,
			StepIndex: m.StepIndex,
			Action:    model.AuditAction(m.Action),
			Outcome:   model.AuditOutcome(m.Outcome),
			Detail:    m.Detail,
		}
		if m.PrevHash != prev {
			return fmt.Errorf("audit chain broken at seq %d: prev_hash mismatch", m.Seq)
		}
		want, err := ComputeRecordHash(rec, prev)
		if err != nil {
			return err
		}
		if want != m.Hash {
			return fmt.Errorf("audit chain broken at seq %d: hash mismatch", m.Seq)
		}
		prev = m.Hash
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
