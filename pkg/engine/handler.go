package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/rs/zerolog"
)

// Stream event names.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// AttributeValue is a stream attribute. It decodes both the typed form
// ({"S": "x"}, {"N": "1"}, {"BOOL": true}) and plain JSON scalars.
type AttributeValue struct {
	S    string `json:"S,omitempty"`
	N    string `json:"N,omitempty"`
	BOOL *bool  `json:"BOOL,omitempty"`
}

// StringAttr returns a typed string attribute.
func StringAttr(s string) AttributeValue {
	return AttributeValue{S: s}
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *AttributeValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = AttributeValue{}
		return nil
	}
	switch data[0] {
	case '{':
		type typed AttributeValue
		var t typed
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		*a = AttributeValue(t)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = AttributeValue{S: s}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*a = AttributeValue{BOOL: &b}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*a = AttributeValue{N: n.String()}
	}
	return nil
}

// String returns the attribute as text.
func (a AttributeValue) String() string {
	switch {
	case a.S != "":
		return a.S
	case a.N != "":
		return a.N
	case a.BOOL != nil:
		return strconv.FormatBool(*a.BOOL)
	}
	return ""
}

// StreamImage carries the item images and keys of a stream record.
type StreamImage struct {
	Keys     map[string]AttributeValue `json:"Keys,omitempty"`
	NewImage map[string]AttributeValue `json:"NewImage,omitempty"`
	OldImage map[string]AttributeValue `json:"OldImage,omitempty"`
}

// StreamRecord is one change event for a deployment record.
type StreamRecord struct {
	EventID   string      `json:"eventID,omitempty"`
	EventName string      `json:"eventName"`
	DynamoDB  StreamImage `json:"dynamodb"`
}

// StreamBatch is a batch of change events delivered together.
type StreamBatch struct {
	Records []StreamRecord `json:"Records"`
}

// ParseStreamBatch decodes a batch. A single record without the Records
// envelope is accepted as a batch of one.
func ParseStreamBatch(data []byte) (*StreamBatch, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, NewValidationError(fmt.Sprintf("invalid event payload: %v", err))
	}
	if _, ok := probe["Records"]; ok {
		var batch StreamBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, NewValidationError(fmt.Sprintf("invalid event batch: %v", err))
		}
		return &batch, nil
	}
	var rec StreamRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, NewValidationError(fmt.Sprintf("invalid event: %v", err))
	}
	return &StreamBatch{Records: []StreamRecord{rec}}, nil
}

// NewInsertEvent builds the INSERT event for a freshly created record.
func NewInsertEvent(r *DeploymentRecord) StreamRecord {
	return StreamRecord{
		EventName: EventInsert,
		DynamoDB: StreamImage{
			Keys: map[string]AttributeValue{"depID": StringAttr(r.DeploymentID)},
			NewImage: map[string]AttributeValue{
				"depID":   StringAttr(r.DeploymentID),
				"labID":   StringAttr(r.LabID),
				"email":   StringAttr(r.Email),
				"petname": StringAttr(r.Petname),
			},
		},
	}
}

// NewRemoveEvent builds the REMOVE event for an expired or deleted record.
func NewRemoveEvent(depID string) StreamRecord {
	return StreamRecord{
		EventName: EventRemove,
		DynamoDB: StreamImage{
			Keys: map[string]AttributeValue{"depID": StringAttr(depID)},
		},
	}
}

// DeploymentID returns the depID carried by the record's keys or images.
func (r StreamRecord) DeploymentID() string {
	for _, m := range []map[string]AttributeValue{r.DynamoDB.Keys, r.DynamoDB.NewImage, r.DynamoDB.OldImage} {
		if v, ok := m["depID"]; ok && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// insertRecord extracts the deployment fields of an INSERT event.
func (r StreamRecord) insertRecord() (DeploymentRecord, error) {
	img := r.DynamoDB.NewImage
	if img == nil {
		return DeploymentRecord{}, NewValidationError("INSERT event has no NewImage")
	}
	rec := DeploymentRecord{
		DeploymentID: img["depID"].String(),
		LabID:        img["labID"].String(),
		Email:        img["email"].String(),
		Petname:      img["petname"].String(),
	}
	var missing []string
	for name, v := range map[string]string{"depID": rec.DeploymentID, "labID": rec.LabID, "email": rec.Email, "petname": rec.Petname} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return rec, NewValidationError(fmt.Sprintf("INSERT event missing fields: %v", missing))
	}
	return rec, nil
}

// Handler demultiplexes stream events to the two workflows.
type Handler struct {
	provisioner *Provisioner
	teardown    *Teardown
	recorder    Recorder
	logger      zerolog.Logger
}

// NewHandler creates a Handler with its own Provisioner and Teardown.
func NewHandler(opts Options) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		provisioner: NewProvisioner(opts),
		teardown:    NewTeardown(opts),
		recorder:    opts.Recorder,
		logger:      opts.Logger.With().Str("component", "handler").Logger(),
	}
}

// Handle processes one event.
func (h *Handler) Handle(ctx context.Context, rec StreamRecord) error {
	err := h.handle(ctx, rec)
	h.recorder.RecordEvent(rec.EventName, resultLabel(err))
	return err
}

func (h *Handler) handle(ctx context.Context, rec StreamRecord) error {
	switch rec.EventName {
	case EventInsert:
		d, err := rec.insertRecord()
		if err != nil {
			return err
		}
		_, err = h.provisioner.Provision(ctx, d)
		return err

	case EventRemove:
		depID := rec.DeploymentID()
		if depID == "" {
			return NewValidationError("REMOVE event has no depID key")
		}
		return h.teardown.Run(ctx, depID)

	default:
		h.logger.Debug().Str("event_name", rec.EventName).Str("deployment_id", rec.DeploymentID()).
			Msg("Ignoring event")
		return nil
	}
}

// HandleBatch processes events sequentially. Every event is attempted; the
// failures are returned joined so the delivery runtime can redeliver.
func (h *Handler) HandleBatch(ctx context.Context, batch *StreamBatch) error {
	var errs []error
	for i, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
			break
		}
		if err := h.Handle(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("event %d (%s %s): %w", i, rec.EventName, rec.DeploymentID(), err))
		}
	}
	if len(errs) > 0 {
		h.logger.Warn().Int("failed", len(errs)).Int("total", len(batch.Records)).Msg("Batch finished with failures")
	}
	return errors.Join(errs...)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errIsCanceled(err):
		return "canceled"
	case IsRetryable(err):
		return "retryable"
	default:
		return "failed"
	}
}

// errIsCanceled reports context cancellation anywhere in err's chain.
func errIsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
