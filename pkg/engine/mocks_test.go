package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory DeploymentRepository with the same transition
// rules as the SQLite store.
type memStore struct {
	mu      sync.Mutex
	records map[string]*DeploymentRecord
	failOn  map[string]error
	writes  []string
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*DeploymentRecord),
		failOn:  make(map[string]error),
	}
}

func (s *memStore) fail(op string) error {
	if err, ok := s.failOn[op]; ok {
		return err
	}
	return nil
}

func (s *memStore) ensure(depID string) *DeploymentRecord {
	r, ok := s.records[depID]
	if !ok {
		r = &DeploymentRecord{DeploymentID: depID, CreatedAt: time.Now()}
		s.records[depID] = r
	}
	if r.StepStatuses == nil {
		r.StepStatuses = make(map[string]StepStatus)
		r.StepDetails = make(map[string]string)
	}
	r.UpdatedAt = time.Now()
	return r
}

func (s *memStore) UpdateStep(_ context.Context, depID, step string, status StepStatus, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("update_step"); err != nil {
		return err
	}
	r := s.ensure(depID)
	prior := r.StepStatuses[step]
	if !CanStepTransition(step, prior, status) {
		return NewInvalidTransitionError(depID, step, prior, status)
	}
	r.StepStatuses[step] = status
	r.StepDetails[step] = details
	r.Details = details
	s.writes = append(s.writes, step+"="+string(status))
	return nil
}

func (s *memStore) SetWorkflowStatus(_ context.Context, depID string, workflow Workflow, status WorkflowStatus, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("set_workflow_status"); err != nil {
		return err
	}
	r := s.ensure(depID)
	switch workflow {
	case WorkflowDeployment:
		r.DeploymentStatus = status
	case WorkflowCleanup:
		r.CleanupStatus = status
	}
	r.Details = details
	s.writes = append(s.writes, string(workflow)+"="+string(status))
	return nil
}

func (s *memStore) SetFlags(_ context.Context, depID string, createdNamespace, createdUser bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("set_flags"); err != nil {
		return err
	}
	r := s.ensure(depID)
	r.CreatedNamespace = createdNamespace
	r.CreatedUser = createdUser
	return nil
}

func (s *memStore) SetIdentity(_ context.Context, record *DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ensure(record.DeploymentID)
	r.LabID = record.LabID
	r.Email = record.Email
	r.Petname = record.Petname
	r.SSMBasePath = record.SSMBasePath
	return nil
}

func (s *memStore) GetRecord(_ context.Context, depID string) (*DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("get_record"); err != nil {
		return nil, err
	}
	r, ok := s.records[depID]
	if !ok {
		return nil, NewNotFoundError("deployment", depID)
	}
	return cloneRecord(r), nil
}

func (s *memStore) CreateDeployment(_ context.Context, record *DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.DeploymentID]; ok {
		return NewAlreadyExistsError("deployment", record.DeploymentID)
	}
	r := cloneRecord(record)
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	s.records[record.DeploymentID] = r
	return nil
}

func (s *memStore) ExtendTTL(_ context.Context, depID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[depID]
	if !ok {
		return NewNotFoundError("deployment", depID)
	}
	r.ExpiresAt = expiresAt
	return nil
}

func (s *memStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DeploymentRecord
	for _, r := range s.records {
		if r.Expired(now) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) DeleteDeployment(_ context.Context, depID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("delete"); err != nil {
		return err
	}
	delete(s.records, depID)
	return nil
}

func (s *memStore) put(r *DeploymentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.DeploymentID] = cloneRecord(r)
}

func (s *memStore) get(depID string) *DeploymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[depID]; ok {
		return cloneRecord(r)
	}
	return nil
}

func cloneRecord(r *DeploymentRecord) *DeploymentRecord {
	out := *r
	out.StepStatuses = make(map[string]StepStatus, len(r.StepStatuses))
	for k, v := range r.StepStatuses {
		out.StepStatuses[k] = v
	}
	out.StepDetails = make(map[string]string, len(r.StepDetails))
	for k, v := range r.StepDetails {
		out.StepDetails[k] = v
	}
	return &out
}

type invocation struct {
	action  string
	payload map[string]interface{}
}

type response struct {
	result ActionResult
	err    error
}

// scriptedInvoker answers each action from a queue of responses; the last
// response repeats. Unscripted actions answer 200.
type scriptedInvoker struct {
	mu        sync.Mutex
	responses map[string][]response
	calls     []invocation
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{responses: make(map[string][]response)}
}

func (m *scriptedInvoker) script(action string, responses ...response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[action] = responses
}

func (m *scriptedInvoker) Invoke(_ context.Context, name string, payload map[string]interface{}) (ActionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, invocation{action: name, payload: payload})

	queue := m.responses[name]
	if len(queue) == 0 {
		return ActionResult{StatusCode: 200, Body: name + " ok"}, nil
	}
	r := queue[0]
	if len(queue) > 1 {
		m.responses[name] = queue[1:]
	}
	return r.result, r.err
}

func (m *scriptedInvoker) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.calls))
	for i, c := range m.calls {
		names[i] = c.action
	}
	return names
}

func (m *scriptedInvoker) payloadOf(action string) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c.action == action {
			return c.payload
		}
	}
	return nil
}

func (m *scriptedInvoker) count(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.action == action {
			n++
		}
	}
	return n
}

func respond(code int) response {
	return response{result: ActionResult{StatusCode: code, Body: "status"}}
}

type labMap map[string]*LabConfiguration

func (l labMap) GetLab(_ context.Context, labID string) (*LabConfiguration, error) {
	lab, ok := l[labID]
	if !ok {
		return nil, NewNotFoundError("lab", labID)
	}
	return lab, nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockPublisher) Publish(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockPublisher) types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

var testActions = ActionNames{
	CreateNamespace: "create-ns",
	CreateUser:      "create-user",
	RemoveNamespace: "remove-ns",
	RemoveUser:      "remove-user",
}

func testLabs() labMap {
	return labMap{
		"intro": {
			LabID:          "intro",
			SSMBasePath:    "/labs/intro",
			GroupNames:     []string{"students"},
			NamespaceRoles: []NamespaceRole{{Namespace: "shared", Role: "viewer"}},
			UserNamespace:  true,
		},
		"plain": {
			LabID:       "plain",
			SSMBasePath: "/labs/plain",
		},
	}
}

func testOptions(store *memStore, invoker *scriptedInvoker, labs LabSource) Options {
	return Options{
		Invoker:       invoker,
		Store:         store,
		Labs:          labs,
		Actions:       testActions,
		Logger:        zerolog.Nop(),
		ProbeAttempts: 3,
		ProbeWait:     func(context.Context, time.Duration) error { return nil },
	}
}

func testDeployment(depID, labID string) DeploymentRecord {
	return DeploymentRecord{
		DeploymentID: depID,
		LabID:        labID,
		Email:        "ada.lovelace@example.com",
		Petname:      "ada-lab",
	}
}
