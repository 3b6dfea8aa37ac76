package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/model"
)

// sqliteTime is a fixed-width layout so text ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// SQLiteStore is a SQLite-backed Store. Write transactions start with
// BEGIN IMMEDIATE, taking the database write lock up front; waits are
// bounded by the busy timeout.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (and creates, if needed) a SQLite database.
func OpenSQLite(cfg SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_txlock=immediate", cfg.Path, busy.Milliseconds())
	if cfg.Path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if cfg.Path == ":memory:" || maxOpen <= 0 {
		// every connection to :memory: is a separate database
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established", zap.String("path", cfg.Path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle. For testing.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Migrate applies pending schema migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&count); err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			s.logger.Debug("skipping applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
			continue
		}
		s.logger.Info("applying migration", zap.Int("version", m.Version), zap.String("name", m.Name))
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapSQLiteError("commit transaction", err)
	}
	return nil
}

// InTx runs fn inside an immediate transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
			return mapSQLiteError("transaction", err)
		}
		return nil
	})
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteInstance(ctx context.Context, q queryer, instanceID string) (model.ProcessInstance, error) {
	row := q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE id = ?`, instanceID)
	inst, err := scanSQLiteInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessInstance{}, instanceNotFound(instanceID)
	}
	if err != nil {
		return model.ProcessInstance{}, mapSQLiteError("query process instance", err)
	}
	return inst, nil
}

// GetInstance reads a committed instance.
func (s *SQLiteStore) GetInstance(ctx context.Context, instanceID string) (model.ProcessInstance, error) {
	return getSQLiteInstance(ctx, s.db, instanceID)
}

// FindInstances lists committed instances newest first.
func (s *SQLiteStore) FindInstances(ctx context.Context, f InstanceFilter) ([]model.ProcessInstance, int, error) {
	var where []string
	var args []any
	if f.TypeID != "" {
		where = append(where, "type_id = ?")
		args = append(args, f.TypeID)
	}
	if len(f.PhaseIDs) > 0 {
		where = append(where, "phase_id IN ("+placeholders(len(f.PhaseIDs))+")")
		for _, id := range f.PhaseIDs {
			args = append(args, id)
		}
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		where = append(where, "(number LIKE ? OR data LIKE ?)")
		like := "%" + search + "%"
		args = append(args, like, like)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM process_instances`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count process instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM process_instances` + clause + ` ORDER BY created_at DESC, number DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query process instances: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessInstance
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan process instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, total, rows.Err()
}

// History returns events newest first.
func (s *SQLiteStore) History(ctx context.Context, instanceID string, kinds ...model.EventKind) ([]model.AuditEvent, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE instance_id = ?`
	args := []any{instanceID}
	if len(kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetEvent reads a single audit event.
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (model.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id = ?`, eventID)
	ev, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuditEvent{}, model.NewNotFoundError(fmt.Sprintf("audit event %q not found", eventID))
	}
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("query audit event: %w", err)
	}
	return ev, nil
}

// UpdateEvent always fails. The audit_events triggers reject the same
// statement at the database level.
func (s *SQLiteStore) UpdateEvent(_ context.Context, event model.AuditEvent) error {
	return model.NewAppendOnlyError(event.ID, "updated")
}

// DeleteEvent always fails. The audit_events triggers reject the same
// statement at the database level.
func (s *SQLiteStore) DeleteEvent(_ context.Context, eventID string) error {
	return model.NewAppendOnlyError(eventID, "deleted")
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing database connection")
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

// LockInstance reads the instance; the immediate transaction already holds
// the database write lock, which covers every row.
func (t *sqliteTx) LockInstance(ctx context.Context, instanceID string) (model.ProcessInstance, error) {
	return getSQLiteInstance(ctx, t.tx, instanceID)
}

func (t *sqliteTx) CreateInstance(ctx context.Context, inst model.ProcessInstance) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO process_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TypeID, inst.PhaseID, inst.Number, string(dataJSON),
		inst.OwnerID, inst.CreatorID, inst.Origin, inst.Version,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
	)
	if err != nil {
		return mapSQLiteError("insert process instance", err)
	}
	return nil
}

func (t *sqliteTx) UpdateInstance(ctx context.Context, inst model.ProcessInstance) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE process_instances SET
			phase_id = ?,
			data = ?,
			owner_id = ?,
			version = ?,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		inst.PhaseID, string(dataJSON), inst.OwnerID, inst.Version+1, formatTime(inst.UpdatedAt),
		inst.ID, inst.Version,
	)
	if err != nil {
		return mapSQLiteError("update process instance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update process instance: %w", err)
	}
	if n == 0 {
		return model.NewConflictError(
			fmt.Sprintf("process instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

func (t *sqliteTx) AppendEvent(ctx context.Context, ev model.AuditEvent) error {
	snapJSON, err := json.Marshal(snapshotOrEmpty(ev.Snapshot))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.InstanceID, string(ev.Kind), ev.FromPhaseID, ev.ToPhaseID,
		ev.ActorID, ev.Notes, string(snapJSON), formatTime(ev.CreatedAt),
	)
	if err != nil {
		return mapSQLiteError("insert audit event", err)
	}
	return nil
}

func (t *sqliteTx) NextSequence(ctx context.Context, typeID string, seed func(ctx context.Context) (int, error)) (int, error) {
	var next int
	err := t.tx.QueryRowContext(ctx,
		`UPDATE process_sequences SET last_value = last_value + 1 WHERE type_id = ? RETURNING last_value`,
		typeID,
	).Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapSQLiteError("increment sequence", err)
	}

	last, err := seed(ctx)
	if err != nil {
		return 0, err
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO process_sequences (type_id, last_value) VALUES (?, ?)
		ON CONFLICT (type_id) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value`,
		typeID, last+1,
	).Scan(&next)
	if err != nil {
		return 0, mapSQLiteError("seed sequence", err)
	}
	return next, nil
}

func (t *sqliteTx) MaxInstanceSequence(ctx context.Context, typeID string) (int, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT number FROM process_instances WHERE type_id = ?`, typeID)
	if err != nil {
		return 0, mapSQLiteError("query instance numbers", err)
	}
	defer rows.Close()

	highest := 0
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return 0, mapSQLiteError("scan instance number", err)
		}
		highest = max(highest, ParseSequence(number))
	}
	if err := rows.Err(); err != nil {
		return 0, mapSQLiteError("iterate instance numbers", err)
	}
	return highest, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteInstance(row scanner) (model.ProcessInstance, error) {
	var inst model.ProcessInstance
	var dataJSON, created, updated string
	var owner, creator sql.NullString
	err := row.Scan(
		&inst.ID, &inst.TypeID, &inst.PhaseID, &inst.Number, &dataJSON,
		&owner, &creator, &inst.Origin, &inst.Version,
		&created, &updated,
	)
	if err != nil {
		return model.ProcessInstance{}, err
	}
	inst.OwnerID = nullable(owner)
	inst.CreatorID = nullable(creator)
	inst.Data = model.Data{}
	if err := json.Unmarshal([]byte(dataJSON), &inst.Data); err != nil {
		return model.ProcessInstance{}, fmt.Errorf("unmarshal data: %w", err)
	}
	if inst.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
		return model.ProcessInstance{}, err
	}
	if inst.UpdatedAt, err = time.Parse(sqliteTime, updated); err != nil {
		return model.ProcessInstance{}, err
	}
	return inst, nil
}

func scanSQLiteEvent(row scanner) (model.AuditEvent, error) {
	var ev model.AuditEvent
	var kind, snapJSON, created string
	var from, to, actor sql.NullString
	err := row.Scan(&ev.ID, &ev.InstanceID, &kind, &from, &to, &actor, &ev.Notes, &snapJSON, &created)
	if err != nil {
		return model.AuditEvent{}, err
	}
	ev.Kind = model.EventKind(kind)
	ev.FromPhaseID = nullable(from)
	ev.ToPhaseID = nullable(to)
	ev.ActorID = nullable(actor)
	if err := json.Unmarshal([]byte(snapJSON), &ev.Snapshot); err != nil {
		return model.AuditEvent{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if ev.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
		return model.AuditEvent{}, err
	}
	return ev, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// mapSQLiteError turns busy/locked databases and unique violations into
// CONFLICT. Envelopes pass through untouched.
func mapSQLiteError(op string, err error) error {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return err
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch {
		case sqErr.Code == sqlite3.ErrBusy, sqErr.Code == sqlite3.ErrLocked:
			return model.WrapConflictError(fmt.Sprintf("%s: database is locked", op), err)
		case sqErr.ExtendedCode == sqlite3.ErrConstraintUnique, sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return model.WrapConflictError(fmt.Sprintf("%s: duplicate key", op), err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
