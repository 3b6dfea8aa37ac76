// Package workflow is the process workflow engine. Each mutating operation
// runs as one store transaction in which the instance change and its audit
// event commit together; write conflicts are retried with bounded backoff.
package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/internal/audit"
	"github.com/Yaduri/workflow-system/internal/authz"
	"github.com/Yaduri/workflow-system/internal/definition"
	"github.com/Yaduri/workflow-system/internal/directory"
	"github.com/Yaduri/workflow-system/internal/observability"
	"github.com/Yaduri/workflow-system/internal/sequence"
	"github.com/Yaduri/workflow-system/internal/store"
	"github.com/Yaduri/workflow-system/model"
)

// Operation names used for metrics, spans and retry errors.
const (
	OpCreateInstance  = "create_instance"
	OpTransitionPhase = "transition_phase"
	OpAssignOwner     = "assign_owner"
	OpEditData        = "edit_data"
	OpAddComment      = "add_comment"
)

// RetryPolicy bounds how often a conflicting transaction is re-run.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy matches the engine section of the default config.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Initial: 20 * time.Millisecond, Max: 500 * time.Millisecond}
}

// Engine manages the lifecycle of process instances.
type Engine struct {
	registry  *definition.Registry
	store     store.Store
	checker   *authz.Checker
	numbers   *sequence.Allocator
	recorder  *audit.Recorder
	trail     *audit.Trail
	retry     RetryPolicy
	logger    *zap.Logger
	metrics   *observability.Metrics
	sensitive []string
	now       func() time.Time
	newID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetryPolicy overrides the conflict retry bounds.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithClock replaces the wall clock used for timestamps and instance
// numbers.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSensitiveFields adds data field names that are redacted in logs.
func WithSensitiveFields(names []string) Option {
	return func(e *Engine) { e.sensitive = names }
}

// NewEngine creates a workflow engine over the given definitions, store and
// user directory.
func NewEngine(registry *definition.Registry, st store.Store, users directory.Directory, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		store:    st,
		checker:  authz.NewChecker(users),
		retry:    DefaultRetryPolicy(),
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.retry.MaxAttempts < 1 {
		e.retry.MaxAttempts = 1
	}
	e.numbers = sequence.NewAllocator(e.now)
	e.recorder = audit.NewRecorder(e.now)
	e.trail = audit.NewTrail(st, e.logger)
	return e
}

// Trail exposes the read side of the audit log.
func (e *Engine) Trail() *audit.Trail {
	return e.trail
}

// Registry returns the definitions the engine works against.
func (e *Engine) Registry() *definition.Registry {
	return e.registry
}

// inTx runs fn in a store transaction, re-running it while the store
// reports CONFLICT. fn must derive everything it writes from what it reads
// inside the transaction, since it may run more than once.
func (e *Engine) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retry.Initial
	if e.retry.Max > 0 {
		b.MaxInterval = e.retry.Max
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.retry.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		attempts++
		err := e.store.InTx(ctx, fn)
		if err != nil && !model.IsCode(err, model.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		e.metrics.RecordConflictRetry(op)
		observability.RequestLogger(ctx, e.logger).Debug("transaction conflict, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil && model.IsCode(err, model.ErrConflict) {
		e.metrics.RecordRetryExhausted(op)
		observability.RequestLogger(ctx, e.logger).Warn("retries exhausted",
			zap.String("operation", op),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return model.NewRetryExhaustedError(op, attempts, err)
	}
	return err
}

// begin opens the span for an engine operation.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	attrs = append(attrs, observability.AttrOperation.String(op))
	ctx, span := observability.StartSpan(ctx, "workflow."+op, attrs...)
	return ctx, span, time.Now()
}

// finish records the outcome of an operation on its span and in metrics.
func (e *Engine) finish(span trace.Span, op string, start time.Time, res model.Result, err error) {
	outcome := observability.OutcomeOK
	switch {
	case err != nil:
		outcome = observability.OutcomeError
	case !res.OK:
		outcome = observability.OutcomeRejected
		e.metrics.RecordRejection(op, string(res.Reason))
		span.SetAttributes(observability.AttrReason.String(string(res.Reason)))
	}
	span.SetAttributes(observability.AttrOutcome.String(outcome))
	e.metrics.RecordOperation(op, outcome, time.Since(start))
	observability.EndSpanWithError(span, err)
}

// committed records the metrics of an audit event that is now durable.
func (e *Engine) committed(ev model.AuditEvent) {
	e.metrics.RecordAuditEvent(string(ev.Kind))
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}
