// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/coordinator"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/storage"
	"github.com/innovationmech/docflow/pkg/saga/workflows"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (p *capturePublisher) Publish(_ context.Context, env envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *capturePublisher) ofType(msgType string) []envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []envelope.Envelope
	for _, env := range p.envs {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type apiFixture struct {
	orch      *coordinator.Orchestrator
	publisher *capturePublisher
	collector *Collector
	router    *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	collector, err := NewCollector(nil)
	require.NoError(t, err)
	pub := &capturePublisher{}
	orch, err := coordinator.NewOrchestrator(&coordinator.OrchestratorConfig{
		Store:     storage.NewMemoryStore(),
		Publisher: pub,
		Tables:    workflows.Tables(workflows.DefaultOptions()),
		Observers: []coordinator.Observer{collector},
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	srv := NewServer(&ServerConfig{Address: ":0", GinMode: gin.TestMode}, NewSagaAPI(orch, nil), collector, nil, nil)
	return &apiFixture{orch: orch, publisher: pub, collector: collector, router: srv.Router()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case []byte:
			buf.Write(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (f *apiFixture) startGeneration(t *testing.T, id string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, "/api/v1/sagas/generation", StartSagaRequest{
		CorrelationID: id,
		Payload:       map[string]any{"documentProcessName": "contracts", "documentTitle": "MSA"},
	})
}

func TestSagaAPI_StartAndGet(t *testing.T) {
	f := newAPIFixture(t)

	w := f.startGeneration(t, "gen-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	dto := decodeBody[SagaDTO](t, w)
	assert.Equal(t, "gen-1", dto.CorrelationID)
	assert.Equal(t, "generation", dto.Family)
	assert.Equal(t, string(saga.StateInProgress), dto.State)
	assert.Len(t, f.publisher.ofType(envelope.TypeCreateGeneratedDocument), 1)

	w = f.startGeneration(t, "gen-1")
	assert.Equal(t, http.StatusOK, w.Code, "repeated start returns the existing saga")
	assert.Len(t, f.publisher.ofType(envelope.TypeCreateGeneratedDocument), 1)

	w = f.do(t, http.MethodGet, "/api/v1/sagas/gen-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[SagaDTO](t, w)
	assert.Equal(t, int64(2), got.Version, "creation plus outbox acknowledgement")
	assert.Zero(t, got.PendingOutbox)

	w = f.do(t, http.MethodGet, "/api/v1/sagas/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "saga_not_found", decodeBody[ErrorResponse](t, w).Error)
}

func TestSagaAPI_StartValidation(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{
			name:   "unknown_family",
			path:   "/api/v1/sagas/poetry",
			body:   StartSagaRequest{Payload: map[string]any{"x": 1}},
			status: http.StatusNotFound,
			code:   "unknown_family",
		},
		{
			name:   "missing_payload",
			path:   "/api/v1/sagas/generation",
			body:   map[string]any{"correlationId": "gen-2"},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "invalid_trigger_payload",
			path:   "/api/v1/sagas/generation",
			body:   StartSagaRequest{CorrelationID: "gen-3", Payload: map[string]any{"documentTitle": "MSA"}},
			status: http.StatusBadRequest,
			code:   "validation_failed",
		},
		{
			name:   "invalid_correlation_id",
			path:   "/api/v1/sagas/generation",
			body:   StartSagaRequest{CorrelationID: "no spaces", Payload: map[string]any{"documentProcessName": "p", "documentTitle": "t"}},
			status: http.StatusBadRequest,
			code:   "validation_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, w).Error)
		})
	}
}

func TestSagaAPI_GeneratesCorrelationID(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sagas/review", StartSagaRequest{
		Payload: map[string]any{"reviewId": "r-1", "documentRef": "doc-9"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Regexp(t, `^review-[0-9a-f-]{36}$`, decodeBody[SagaDTO](t, w).CorrelationID)
}

func TestSagaAPI_EventsHistoryAndCancel(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusCreated, f.startGeneration(t, "gen-1").Code)

	created := envelope.MustNew(envelope.TypeGeneratedDocumentCreated, "gen-1",
		envelope.GeneratedDocumentCreated{MetadataID: "meta-1"})
	raw, err := envelope.Marshal(created)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/v1/events", raw)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/events", []byte(`{"type":"x"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_envelope", decodeBody[ErrorResponse](t, w).Error)

	cmd, err := envelope.Marshal(envelope.MustNew(envelope.TypeGenerateContentNode, "gen-1",
		envelope.GenerateContentNode{MetadataID: "meta-1"}))
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/api/v1/events", cmd)
	assert.Equal(t, http.StatusBadRequest, w.Code, "commands are not accepted")

	orphan, err := envelope.Marshal(envelope.MustNew(envelope.TypeGeneratedDocumentCreated, "nobody",
		envelope.GeneratedDocumentCreated{MetadataID: "m"}))
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/api/v1/events", orphan)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/sagas/gen-1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decodeBody[HistoryResponse](t, w)
	require.Len(t, history.Transitions, 2)
	assert.Equal(t, envelope.TypeGeneratedDocumentCreated, history.Transitions[1].EventType)

	w = f.do(t, http.MethodPost, "/api/v1/sagas/gen-1/cancel", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/sagas/gen-1/cancel", CancelSagaRequest{Reason: "withdrawn"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dto := decodeBody[SagaDTO](t, w)
	assert.Equal(t, string(saga.StateFailed), dto.State)
	assert.Equal(t, "cancelled: withdrawn", dto.FailureReason)
	assert.Len(t, f.publisher.ofType(envelope.TypeWorkflowFailed), 1)

	w = f.do(t, http.MethodPost, "/api/v1/sagas/missing/cancel", CancelSagaRequest{Reason: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSagaAPI_ListAndStats(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusCreated, f.startGeneration(t, "gen-1").Code)
	require.Equal(t, http.StatusCreated, f.startGeneration(t, "gen-2").Code)
	w := f.do(t, http.MethodPost, "/api/v1/sagas/gen-2/cancel", CancelSagaRequest{Reason: "stop"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/sagas?family=generation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decodeBody[SagaListResponse](t, w).Total)

	w = f.do(t, http.MethodGet, "/api/v1/sagas?state=Failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[SagaListResponse](t, w)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "gen-2", list.Sagas[0].CorrelationID)

	w = f.do(t, http.MethodGet, "/api/v1/sagas?state=Sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/sagas?family=poetry", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody[StatsResponse](t, w)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 1, stats.Counts["generation"]["InProgress"])
	assert.Equal(t, 1, stats.Counts["generation"]["Failed"])
}

func TestServer_MetricsAndHealth(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusCreated, f.startGeneration(t, "gen-1").Code)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "docflow_saga_transitions_total")

	w = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, HealthStatusHealthy, decodeBody[HealthReport](t, w).Status)
}

// mockOrchestrator drives the error paths of the API.
type mockOrchestrator struct {
	mock.Mock
}

func (m *mockOrchestrator) Start(ctx context.Context, trigger envelope.Envelope) (*saga.Instance, error) {
	args := m.Called(ctx, trigger)
	inst, _ := args.Get(0).(*saga.Instance)
	return inst, args.Error(1)
}

func (m *mockOrchestrator) Handle(ctx context.Context, env envelope.Envelope) error {
	return m.Called(ctx, env).Error(0)
}

func (m *mockOrchestrator) Cancel(ctx context.Context, id, reason string) (*saga.Instance, error) {
	args := m.Called(ctx, id, reason)
	inst, _ := args.Get(0).(*saga.Instance)
	return inst, args.Error(1)
}

func (m *mockOrchestrator) Get(ctx context.Context, id string) (*saga.Instance, error) {
	args := m.Called(ctx, id)
	inst, _ := args.Get(0).(*saga.Instance)
	return inst, args.Error(1)
}

func (m *mockOrchestrator) History(ctx context.Context, id string) ([]saga.TransitionRecord, error) {
	args := m.Called(ctx, id)
	log, _ := args.Get(0).([]saga.TransitionRecord)
	return log, args.Error(1)
}

func (m *mockOrchestrator) List(ctx context.Context, filter storage.Filter) ([]*saga.Instance, error) {
	args := m.Called(ctx, filter)
	list, _ := args.Get(0).([]*saga.Instance)
	return list, args.Error(1)
}

func (m *mockOrchestrator) Stats(ctx context.Context) (storage.Counts, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(storage.Counts)
	return counts, args.Error(1)
}

func (m *mockOrchestrator) TriggerFor(family saga.Family) (string, bool) {
	args := m.Called(family)
	return args.String(0), args.Bool(1)
}

func TestSagaAPI_ErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"storage", saga.NewStorageError("load", errors.New("disk on fire")), http.StatusInternalServerError, "internal_error"},
		{"stopped", saga.NewOrchestratorStoppedError(), http.StatusServiceUnavailable, "orchestrator_stopped"},
		{"exhausted", saga.NewRetryExhaustedError("handle", 3, errors.New("conflict")), http.StatusConflict, "concurrent_modification"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &mockOrchestrator{}
			orch.On("Get", mock.Anything, "gen-1").Return(nil, tt.err)

			router := gin.New()
			NewSagaAPI(orch, nil).Register(router.Group("/api/v1"))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sagas/gen-1", nil))

			assert.Equal(t, tt.status, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error)
			orch.AssertExpectations(t)
		})
	}
}

func TestSagaAPI_StartWithPendingOutbox(t *testing.T) {
	gin.SetMode(gin.TestMode)

	inst := saga.NewInstance("gen-1", saga.FamilyGeneration, &saga.GenerationData{}, t0)
	orch := &mockOrchestrator{}
	orch.On("TriggerFor", saga.FamilyGeneration).Return(envelope.TypeGenerateDocumentRequested, true)
	orch.On("Get", mock.Anything, "gen-1").Return(nil, saga.NewSagaNotFoundError("gen-1"))
	orch.On("Start", mock.Anything, mock.MatchedBy(func(env envelope.Envelope) bool {
		return env.Type == envelope.TypeGenerateDocumentRequested && env.Family == "generation"
	})).Return(inst, saga.NewEventPublishError(envelope.TypeCreateGeneratedDocument, errors.New("broker down")))

	router := gin.New()
	NewSagaAPI(orch, nil).Register(router.Group("/api/v1"))

	body, err := json.Marshal(StartSagaRequest{CorrelationID: "gen-1", Payload: map[string]any{"documentProcessName": "p", "documentTitle": "t"}})
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sagas/generation", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	orch.AssertExpectations(t)
}
