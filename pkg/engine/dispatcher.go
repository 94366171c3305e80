package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultTTL is how long a dispatched deployment lives without being refreshed.
const DefaultTTL = 300 * time.Second

// DispatchMessage requests a deployment for one user.
type DispatchMessage struct {
	DeploymentID string `json:"depID" validate:"required"`
	LabID        string `json:"labID" validate:"required"`
	Email        string `json:"email" validate:"required"`
	Petname      string `json:"petname" validate:"required"`
}

// QueueMessage is one message of a queue delivery batch.
type QueueMessage struct {
	MessageID string `json:"messageId,omitempty"`
	Body      string `json:"body"`
}

// QueueBatch is a queue delivery batch whose bodies are DispatchMessages.
type QueueBatch struct {
	Records []QueueMessage `json:"Records"`
}

// DispatchOutcome tells whether dispatch created a record or refreshed one.
type DispatchOutcome string

const (
	DispatchCreated  DispatchOutcome = "created"
	DispatchExtended DispatchOutcome = "extended"
)

// DispatchResult is the result of dispatching one message.
type DispatchResult struct {
	DeploymentID string          `json:"depID"`
	Outcome      DispatchOutcome `json:"outcome"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Repository DeploymentRepository
	Labs       LabSource
	Reviewer   AdmissionReviewer
	Publisher  EventPublisher
	Recorder   Recorder
	Logger     zerolog.Logger

	// Handler, when set, receives the INSERT event of every created record.
	Handler *Handler

	TTL time.Duration
	Now func() time.Time
}

// Dispatcher creates deployment records from queue messages and keeps their TTL fresh.
type Dispatcher struct {
	repo      DeploymentRepository
	labs      LabSource
	reviewer  AdmissionReviewer
	publisher EventPublisher
	recorder  Recorder
	handler   *Handler
	logger    zerolog.Logger
	validate  *validator.Validate
	ttl       time.Duration
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		repo:      opts.Repository,
		labs:      opts.Labs,
		reviewer:  opts.Reviewer,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		handler:   opts.Handler,
		logger:    opts.Logger.With().Str("component", "dispatcher").Logger(),
		validate:  validator.New(),
		ttl:       opts.TTL,
		now:       opts.Now,
	}
	if d.publisher == nil {
		d.publisher = nopPublisher{}
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	if d.ttl <= 0 {
		d.ttl = DefaultTTL
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Dispatch inserts a new PENDING deployment, or extends the TTL of an existing one.
func (d *Dispatcher) Dispatch(ctx context.Context, msg DispatchMessage) (*DispatchResult, error) {
	res, err := d.dispatch(ctx, msg)
	d.recorder.RecordDispatch(dispatchLabel(res, err))
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, msg DispatchMessage) (*DispatchResult, error) {
	if err := d.validateMessage(msg); err != nil {
		return nil, err
	}
	logger := d.logger.With().Str("deployment_id", msg.DeploymentID).Logger()
	expiresAt := d.now().Add(d.ttl)

	_, err := d.repo.GetRecord(ctx, msg.DeploymentID)
	switch {
	case err == nil:
		return d.extend(ctx, msg.DeploymentID, expiresAt, logger)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	record := &DeploymentRecord{
		DeploymentID:     msg.DeploymentID,
		LabID:            msg.LabID,
		Email:            msg.Email,
		Petname:          msg.Petname,
		DeploymentStatus: WorkflowStatusPending,
		ExpiresAt:        expiresAt,
	}

	if err := d.admit(ctx, record); err != nil {
		return nil, err
	}

	if err := d.repo.CreateDeployment(ctx, record); err != nil {
		// A concurrent dispatch inserted it first.
		if HasCode(err, ErrCodeAlreadyExists) {
			return d.extend(ctx, msg.DeploymentID, expiresAt, logger)
		}
		return nil, err
	}
	logger.Info().Str("lab_id", msg.LabID).Time("expires_at", expiresAt).Msg("Inserted new deployment")

	publish(ctx, d.publisher, logger, &Event{
		Type:         EventTypeDeploymentDispatched,
		DeploymentID: record.DeploymentID,
		Status:       string(WorkflowStatusPending),
		Data:         map[string]interface{}{"lab_id": record.LabID, "expires_at": expiresAt},
	})

	result := &DispatchResult{DeploymentID: msg.DeploymentID, Outcome: DispatchCreated, ExpiresAt: expiresAt}
	if d.handler != nil {
		if err := d.handler.Handle(ctx, NewInsertEvent(record)); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (d *Dispatcher) extend(ctx context.Context, depID string, expiresAt time.Time, logger zerolog.Logger) (*DispatchResult, error) {
	if err := d.repo.ExtendTTL(ctx, depID, expiresAt); err != nil {
		return nil, err
	}
	logger.Info().Time("expires_at", expiresAt).Msg("Extended deployment TTL")
	return &DispatchResult{DeploymentID: depID, Outcome: DispatchExtended, ExpiresAt: expiresAt}, nil
}

// DispatchBatch processes every message of a queue batch and joins the failures.
func (d *Dispatcher) DispatchBatch(ctx context.Context, batch *QueueBatch) ([]*DispatchResult, error) {
	var (
		results []*DispatchResult
		errs    []error
	)
	for i, m := range batch.Records {
		var msg DispatchMessage
		if err := json.Unmarshal([]byte(m.Body), &msg); err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", i, NewValidationError(fmt.Sprintf("invalid message body: %v", err))))
			continue
		}
		res, err := d.Dispatch(ctx, msg)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("message %d (%s): %w", i, msg.DeploymentID, err))
		}
	}
	return results, errors.Join(errs...)
}

func (d *Dispatcher) validateMessage(msg DispatchMessage) error {
	err := d.validate.Struct(msg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError(err.Error())
	}
	fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return jsonFieldName(fe.Field())
	})
	return NewValidationError(fmt.Sprintf("missing required fields in message: %s", strings.Join(fields, ", ")))
}

// admit runs the admission reviewer. Without a reviewer only lab existence is checked.
func (d *Dispatcher) admit(ctx context.Context, record *DeploymentRecord) error {
	var lab *LabConfiguration
	if d.labs != nil {
		l, err := d.labs.GetLab(ctx, record.LabID)
		switch {
		case err == nil:
			lab = l
		case !errors.Is(err, ErrNotFound):
			return err
		}
	}

	if d.reviewer == nil {
		if lab == nil {
			return NewConfigurationError(fmt.Sprintf("lab %q is not configured", record.LabID), nil)
		}
		return nil
	}

	reasons, err := d.reviewer.Review(ctx, record, lab)
	if err != nil {
		return fmt.Errorf("failed to review deployment: %w", err)
	}
	if len(reasons) > 0 {
		return (&EngineError{
			Class:    ErrorClassPermanent,
			Code:     ErrCodeAdmissionDenied,
			Message:  fmt.Sprintf("deployment denied: %s", strings.Join(reasons, "; ")),
			Resource: record.DeploymentID,
		}).WithDetail("reasons", reasons)
	}
	return nil
}

func jsonFieldName(field string) string {
	switch field {
	case "DeploymentID":
		return "depID"
	case "LabID":
		return "labID"
	default:
		return strings.ToLower(field)
	}
}

func dispatchLabel(res *DispatchResult, err error) string {
	switch {
	case err != nil && res == nil:
		return "rejected"
	case err != nil:
		return "provision_failed"
	default:
		return string(res.Outcome)
	}
}
