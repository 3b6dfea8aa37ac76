package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/model"
)

// PostgreSQL error codes treated as retryable conflicts.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Transactions run at
// SERIALIZABLE isolation with a bounded lock_timeout.
type PgStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	logger      *zap.Logger
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool, lockTimeout time.Duration, logger *zap.Logger) *PgStore {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgStore{pool: pool, lockTimeout: lockTimeout, logger: logger}
}

// Migrate applies pending schema migrations.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if applied {
			s.logger.Debug("skipping applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
			continue
		}
		s.logger.Info("applying migration", zap.Int("version", m.Version), zap.String("name", m.Name))
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// InTx runs fn inside a SERIALIZABLE transaction.
func (s *PgStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapPgError("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		_ = tx.Rollback(ctx)
		return mapPgError("set lock timeout", err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Error("failed to roll back transaction", zap.Error(rbErr))
		}
		return mapPgError("transaction", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError("commit transaction", err)
	}
	return nil
}

const instanceColumns = `id, type_id, phase_id, number, data, owner_id, creator_id, origin, version, created_at, updated_at`

// GetInstance reads a committed instance.
func (s *PgStore) GetInstance(ctx context.Context, instanceID string) (model.ProcessInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE id = $1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessInstance{}, instanceNotFound(instanceID)
	}
	if err != nil {
		return model.ProcessInstance{}, fmt.Errorf("query process instance: %w", err)
	}
	return inst, nil
}

// FindInstances lists committed instances newest first.
func (s *PgStore) FindInstances(ctx context.Context, f InstanceFilter) ([]model.ProcessInstance, int, error) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.TypeID != "" {
		add("type_id = $%d", f.TypeID)
	}
	if len(f.PhaseIDs) > 0 {
		add("phase_id = ANY($%d)", f.PhaseIDs)
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		args = append(args, "%"+search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(number ILIKE $%d OR data::text ILIKE $%d)", n, n))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM process_instances`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count process instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM process_instances` + clause + ` ORDER BY created_at DESC, number DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query process instances: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan process instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, total, rows.Err()
}

const eventColumns = `id, instance_id, kind, from_phase_id, to_phase_id, actor_id, notes, snapshot, created_at`

// History returns events newest first.
func (s *PgStore) History(ctx context.Context, instanceID string, kinds ...model.EventKind) ([]model.AuditEvent, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE instance_id = $1`
	args := []any{instanceID}
	if len(kinds) > 0 {
		query += ` AND kind = ANY($2)`
		args = append(args, kindStrings(kinds))
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetEvent reads a single audit event.
func (s *PgStore) GetEvent(ctx context.Context, eventID string) (model.AuditEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id = $1`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AuditEvent{}, model.NewNotFoundError(fmt.Sprintf("audit event %q not found", eventID))
	}
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("query audit event: %w", err)
	}
	return ev, nil
}

// UpdateEvent always fails. The audit_events triggers reject the same
// statement at the database level.
func (s *PgStore) UpdateEvent(_ context.Context, event model.AuditEvent) error {
	return model.NewAppendOnlyError(event.ID, "updated")
}

// DeleteEvent always fails. The audit_events triggers reject the same
// statement at the database level.
func (s *PgStore) DeleteEvent(_ context.Context, eventID string) error {
	return model.NewAppendOnlyError(eventID, "deleted")
}

// Ping checks database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockInstance(ctx context.Context, instanceID string) (model.ProcessInstance, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE id = $1 FOR UPDATE`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessInstance{}, instanceNotFound(instanceID)
	}
	if err != nil {
		return model.ProcessInstance{}, mapPgError("lock process instance", err)
	}
	return inst, nil
}

func (t *pgTx) CreateInstance(ctx context.Context, inst model.ProcessInstance) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO process_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID, inst.TypeID, inst.PhaseID, inst.Number, dataJSON,
		inst.OwnerID, inst.CreatorID, inst.Origin, inst.Version,
		inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return mapPgError("insert process instance", err)
	}
	return nil
}

func (t *pgTx) UpdateInstance(ctx context.Context, inst model.ProcessInstance) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE process_instances SET
			phase_id = $1,
			data = $2,
			owner_id = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		inst.PhaseID, dataJSON, inst.OwnerID, inst.Version+1, inst.UpdatedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return mapPgError("update process instance", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("process instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, ev model.AuditEvent) error {
	snapJSON, err := json.Marshal(snapshotOrEmpty(ev.Snapshot))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO audit_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.InstanceID, string(ev.Kind), ev.FromPhaseID, ev.ToPhaseID,
		ev.ActorID, ev.Notes, snapJSON, ev.CreatedAt,
	)
	if err != nil {
		return mapPgError("insert audit event", err)
	}
	return nil
}

func (t *pgTx) NextSequence(ctx context.Context, typeID string, seed func(ctx context.Context) (int, error)) (int, error) {
	var next int
	err := t.tx.QueryRow(ctx,
		`UPDATE process_sequences SET last_value = last_value + 1 WHERE type_id = $1 RETURNING last_value`,
		typeID,
	).Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, mapPgError("increment sequence", err)
	}

	last, err := seed(ctx)
	if err != nil {
		return 0, err
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO process_sequences (type_id, last_value) VALUES ($1, $2)
		ON CONFLICT (type_id) DO UPDATE SET last_value = process_sequences.last_value + 1
		RETURNING last_value`,
		typeID, last+1,
	).Scan(&next)
	if err != nil {
		return 0, mapPgError("seed sequence", err)
	}
	return next, nil
}

// MaxInstanceSequence scans every number of the type. It only runs when a
// type's counter row is first created.
func (t *pgTx) MaxInstanceSequence(ctx context.Context, typeID string) (int, error) {
	rows, err := t.tx.Query(ctx, `SELECT number FROM process_instances WHERE type_id = $1`, typeID)
	if err != nil {
		return 0, mapPgError("query instance numbers", err)
	}
	defer rows.Close()

	highest := 0
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return 0, mapPgError("scan instance number", err)
		}
		highest = max(highest, ParseSequence(number))
	}
	if err := rows.Err(); err != nil {
		return 0, mapPgError("iterate instance numbers", err)
	}
	return highest, nil
}

func scanInstance(row pgx.Row) (model.ProcessInstance, error) {
	var inst model.ProcessInstance
	var dataJSON []byte
	err := row.Scan(
		&inst.ID, &inst.TypeID, &inst.PhaseID, &inst.Number, &dataJSON,
		&inst.OwnerID, &inst.CreatorID, &inst.Origin, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return model.ProcessInstance{}, err
	}
	inst.Data = model.Data{}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
			return model.ProcessInstance{}, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return inst, nil
}

func scanEvent(row pgx.Row) (model.AuditEvent, error) {
	var ev model.AuditEvent
	var kind string
	var snapJSON []byte
	err := row.Scan(
		&ev.ID, &ev.InstanceID, &kind, &ev.FromPhaseID, &ev.ToPhaseID,
		&ev.ActorID, &ev.Notes, &snapJSON, &ev.CreatedAt,
	)
	if err != nil {
		return model.AuditEvent{}, err
	}
	ev.Kind = model.EventKind(kind)
	if len(snapJSON) > 0 {
		if err := json.Unmarshal(snapJSON, &ev.Snapshot); err != nil {
			return model.AuditEvent{}, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

// mapPgError turns lock timeouts, serialization failures, deadlocks and
// unique violations into CONFLICT so the engine can retry. Envelopes pass
// through untouched.
func mapPgError(op string, err error) error {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgUniqueViolation:
			return model.WrapConflictError(fmt.Sprintf("%s: %s", op, pgErr.Message), err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func snapshotOrEmpty(s map[string]any) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s
}
