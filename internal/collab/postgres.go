package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresOplogTableName      = "collab_oplog"
	postgresCheckpointTableName = "collab_checkpoints"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresOperationLog keeps the append-only operation log in a single
// table keyed by (session_id, seq). Appends serialize per session through
// an advisory transaction lock, so concurrent coordinators cannot mint the
// same sequence number even without session-affine routing.
type PostgresOperationLog struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresOperationLog(dsn string) (OperationLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresOperationLog{
		dsn:       dsn,
		tableName: postgresOplogTableName,
		openDB:    sql.Open,
	}, nil
}

func (l *PostgresOperationLog) ensureReady() error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				session_id TEXT NOT NULL,
				seq BIGINT NOT NULL,
				client_op_id TEXT NOT NULL,
				participant_id TEXT NOT NULL,
				base_version BIGINT NOT NULL,
				op_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				appended_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (session_id, seq)
			)`, postgresQuoteIdentifier(l.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}

func (l *PostgresOperationLog) Append(ctx context.Context, op Operation) (int64, error) {
	if op.SessionID == "" {
		return 0, ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return 0, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(opCtx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresSessionLockKey(l.tableName, op.SessionID)
	if _, err := tx.ExecContext(opCtx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return 0, err
	}
	tailQuery := fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE session_id = $1", postgresQuoteIdentifier(l.tableName))
	var tail int64
	if err := tx.QueryRowContext(opCtx, tailQuery, op.SessionID).Scan(&tail); err != nil {
		return 0, err
	}
	seq := tail + 1
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (session_id, seq, client_op_id, participant_id, base_version, op_type, payload, appended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`, postgresQuoteIdentifier(l.tableName))
	if _, err := tx.ExecContext(opCtx, insertQuery,
		op.SessionID, seq, op.ClientOpID, op.ParticipantID, op.BaseVersion, op.Type, string(op.Payload)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return seq, nil
}

func (l *PostgresOperationLog) ReadFrom(ctx context.Context, sessionID string, seq int64, limit int) ([]Operation, error) {
	if err := l.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 256
	}
	if seq < 1 {
		seq = 1
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT seq, client_op_id, participant_id, base_version, op_type, payload, appended_at
		FROM %s
		WHERE session_id = $1 AND seq >= $2
		ORDER BY seq ASC
		LIMIT $3`, postgresQuoteIdentifier(l.tableName))
	rows, err := l.db.QueryContext(opCtx, query, sessionID, seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]Operation, 0, limit)
	for rows.Next() {
		op := Operation{SessionID: sessionID}
		var payload string
		if err := rows.Scan(&op.Seq, &op.ClientOpID, &op.ParticipantID, &op.BaseVersion, &op.Type, &payload, &op.AppendedAt); err != nil {
			return nil, err
		}
		op.Payload = []byte(payload)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (l *PostgresOperationLog) TailSeq(ctx context.Context, sessionID string) (int64, error) {
	if err := l.ensureReady(); err != nil {
		return 0, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE session_id = $1", postgresQuoteIdentifier(l.tableName))
	var tail int64
	if err := l.db.QueryRowContext(opCtx, query, sessionID).Scan(&tail); err != nil {
		return 0, err
	}
	return tail, nil
}

func (l *PostgresOperationLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// PostgresCheckpointStore keeps one checkpoint row per session, replaced
// by upsert on every save.
type PostgresCheckpointStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCheckpointStore(dsn string) (CheckpointStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCheckpointStore{
		dsn:       dsn,
		tableName: postgresCheckpointTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresCheckpointStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				session_id TEXT PRIMARY KEY,
				state_type TEXT NOT NULL,
				state TEXT NOT NULL,
				seq BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresCheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	if cp.SessionID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, state_type, state, seq, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET state_type = EXCLUDED.state_type, state = EXCLUDED.state, seq = EXCLUDED.seq, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(opCtx, query, cp.SessionID, cp.State.Type, string(cp.State.Data), cp.Seq)
	return err
}

func (s *PostgresCheckpointStore) LoadLatest(ctx context.Context, sessionID string) (Checkpoint, bool, error) {
	if err := s.ensureReady(); err != nil {
		return Checkpoint{}, false, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT state_type, state, seq, updated_at FROM %s WHERE session_id = $1", postgresQuoteIdentifier(s.tableName))
	cp := Checkpoint{SessionID: sessionID}
	var stateData string
	err := s.db.QueryRowContext(opCtx, query, sessionID).Scan(&cp.State.Type, &stateData, &cp.Seq, &cp.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	cp.State.Data = []byte(stateData)
	return cp, true, nil
}

func (s *PostgresCheckpointStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresSessionLockKey(tableName, sessionID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(sessionID)))
	return int64(hasher.Sum64())
}
