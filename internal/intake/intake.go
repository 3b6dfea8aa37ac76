// Package intake accepts submissions from token-addressed public forms and
// turns them into new process instances with origin external_form.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/internal/idempotency"
	"github.com/Yaduri/workflow-system/internal/observability"
	"github.com/Yaduri/workflow-system/internal/schema"
	"github.com/Yaduri/workflow-system/internal/workflow"
	"github.com/Yaduri/workflow-system/model"
)

// Submission outcomes recorded in metrics.
const (
	OutcomeCreated  = "created"
	OutcomeReplayed = "replayed"
	OutcomeInvalid  = "invalid"
	OutcomeInactive = "inactive"
	OutcomeError    = "error"
)

const defaultSuccessMessage = "Your request has been received"

// Forms resolves intake forms and the fields they expose.
type Forms interface {
	IntakeByToken(token string) (model.IntakeForm, model.ProcessType, bool)
	Fields(typeID string) []model.FieldDefinition
}

// Creator opens new instances.
type Creator interface {
	CreateInstance(ctx context.Context, req workflow.CreateRequest) (model.ProcessInstance, error)
}

// Meta carries request details that are not form values.
type Meta struct {
	RemoteAddr     string
	IdempotencyKey string
}

// Receipt is returned to the submitter.
type Receipt struct {
	InstanceID string `json:"instance_id"`
	Number     string `json:"number"`
	Message    string `json:"message"`
	Replayed   bool   `json:"replayed,omitempty"`
}

// View is what a public form renders: its settings and the externally
// visible fields in display order.
type View struct {
	Form   model.IntakeForm        `json:"form"`
	Type   model.ProcessType       `json:"process_type"`
	Fields []model.FieldDefinition `json:"fields"`
}

// Service handles intake submissions.
type Service struct {
	forms   Forms
	creator Creator
	idem    idempotency.Store
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithIdempotency deduplicates submissions that carry an idempotency key.
func WithIdempotency(s idempotency.Store, ttl time.Duration) Option {
	return func(svc *Service) {
		svc.idem = s
		svc.ttl = ttl
	}
}

// WithMetrics enables submission metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// NewService creates an intake service.
func NewService(forms Forms, creator Creator, opts ...Option) *Service {
	svc := &Service{
		forms:   forms,
		creator: creator,
		ttl:     24 * time.Hour,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Describe returns the form behind token for rendering. Inactive forms are
// reported as INACTIVE so callers can show a closed-form page.
func (s *Service) Describe(token string) (View, error) {
	form, pt, err := s.resolve(token)
	if err != nil {
		return View{}, err
	}
	var visible []model.FieldDefinition
	for _, f := range s.forms.Fields(pt.ID) {
		if f.VisibleExternally() {
			visible = append(visible, f)
		}
	}
	return View{Form: form, Type: pt, Fields: visible}, nil
}

func (s *Service) resolve(token string) (model.IntakeForm, model.ProcessType, error) {
	form, pt, ok := s.forms.IntakeByToken(token)
	if !ok {
		return model.IntakeForm{}, model.ProcessType{}, model.NewNotFoundError("intake form not found")
	}
	if !form.Active || !pt.Active {
		return form, pt, model.NewInactiveError(fmt.Sprintf("the %s form is not accepting submissions", pt.Name))
	}
	return form, pt, nil
}

// Submit validates values against the form's externally visible fields and
// creates an instance with no creator. Values of hidden or unknown fields
// are ignored.
func (s *Service) Submit(ctx context.Context, token string, values map[string]string, meta Meta) (Receipt, error) {
	logger := observability.RequestLogger(ctx, s.logger)

	form, pt, err := s.resolve(token)
	if err != nil {
		if model.IsCode(err, model.ErrInactive) {
			s.metrics.RecordIntakeSubmission(pt.ID, OutcomeInactive)
		}
		return Receipt{}, err
	}

	var key, hash string
	if s.idem != nil && meta.IdempotencyKey != "" {
		key = idempotency.FormatKey(token, meta.IdempotencyKey)
		hash = idempotency.HashInput(values)
		entry, found, err := s.idem.Check(ctx, key, hash)
		if err != nil {
			s.metrics.RecordIntakeSubmission(pt.ID, OutcomeError)
			return Receipt{}, err
		}
		if found {
			s.metrics.RecordIdempotentReplay()
			s.metrics.RecordIntakeSubmission(pt.ID, OutcomeReplayed)
			logger.Debug("intake submission replayed", zap.String("number", entry.Number))
			return Receipt{
				InstanceID: entry.InstanceID,
				Number:     entry.Number,
				Message:    successMessage(form),
				Replayed:   true,
			}, nil
		}
	}

	data, errs := schema.CoerceForm(s.forms.Fields(pt.ID), values, model.FieldDefinition.VisibleExternally)
	if len(errs) > 0 {
		s.metrics.RecordIntakeSubmission(pt.ID, OutcomeInvalid)
		return Receipt{}, model.NewValidationError(errs)
	}

	inst, err := s.creator.CreateInstance(ctx, workflow.CreateRequest{
		TypeID: pt.ID,
		Data:   data,
		Origin: model.OriginExternalForm,
		Notes:  notesFor(meta.RemoteAddr),
	})
	if err != nil {
		s.metrics.RecordIntakeSubmission(pt.ID, OutcomeError)
		return Receipt{}, err
	}
	s.metrics.RecordIntakeSubmission(pt.ID, OutcomeCreated)

	if key != "" {
		entry := idempotency.Entry{InputHash: hash, InstanceID: inst.ID, Number: inst.Number, CreatedAt: s.now().UTC()}
		if err := s.idem.Save(ctx, key, entry, s.ttl); err != nil {
			// The instance exists; a failed save only weakens dedup.
			logger.Error("failed to record idempotency key", zap.String("number", inst.Number), zap.Error(err))
		}
	}

	logger.Info("intake submission accepted",
		zap.String("type_id", pt.ID),
		zap.String("number", inst.Number),
		zap.String("remote_addr", meta.RemoteAddr),
	)
	return Receipt{InstanceID: inst.ID, Number: inst.Number, Message: successMessage(form)}, nil
}

func notesFor(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "unknown"
	}
	return fmt.Sprintf("Instance created via external form (IP: %s)", addr)
}

func successMessage(form model.IntakeForm) string {
	if form.SuccessMessage != "" {
		return form.SuccessMessage
	}
	return defaultSuccessMessage
}
