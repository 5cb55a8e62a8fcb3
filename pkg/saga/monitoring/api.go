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
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/logger"
	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/storage"
)

// maxEventBody bounds POST /api/v1/events bodies.
const maxEventBody = 1 << 20

// Orchestrator is the part of coordinator.Orchestrator the admin API uses.
type Orchestrator interface {
	Start(ctx context.Context, trigger envelope.Envelope) (*saga.Instance, error)
	Handle(ctx context.Context, env envelope.Envelope) error
	Cancel(ctx context.Context, correlationID, reason string) (*saga.Instance, error)
	Get(ctx context.Context, correlationID string) (*saga.Instance, error)
	History(ctx context.Context, correlationID string) ([]saga.TransitionRecord, error)
	List(ctx context.Context, filter storage.Filter) ([]*saga.Instance, error)
	Stats(ctx context.Context) (storage.Counts, error)
	TriggerFor(family saga.Family) (string, bool)
}

// SagaAPI serves the saga admin endpoints.
type SagaAPI struct {
	orch   Orchestrator
	logger *zap.Logger
}

// NewSagaAPI creates the admin handlers over orch.
func NewSagaAPI(orch Orchestrator, log *zap.Logger) *SagaAPI {
	if log == nil {
		log = zap.NewNop()
	}
	return &SagaAPI{orch: orch, logger: log}
}

// Register mounts the handlers on group. The family of a start request
// arrives as :id because gin allows one wildcard name per path segment.
func (api *SagaAPI) Register(group *gin.RouterGroup) {
	sagas := group.Group("/sagas")
	{
		sagas.GET("", api.ListSagas)
		sagas.POST("/:id", api.StartSaga)
		sagas.GET("/:id", api.GetSaga)
		sagas.GET("/:id/history", api.GetHistory)
		sagas.POST("/:id/cancel", api.CancelSaga)
	}
	group.POST("/events", api.InjectEvent)
	group.GET("/stats", api.GetStats)
}

// StartSaga handles POST /api/v1/sagas/:family.
//
// Request body:
//
//	{
//	  "correlationId": "gen-42",
//	  "payload": {"documentProcessName": "contracts", "documentTitle": "MSA"}
//	}
//
// Responds 201 with the new instance, 200 when the correlation id already
// existed and 202 when the instance was stored but its first commands are
// still waiting in the outbox.
func (api *SagaAPI) StartSaga(c *gin.Context) {
	family := saga.Family(c.Param("id"))
	trigger, ok := api.orch.TriggerFor(family)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "unknown_family",
			Message: "no workflow family named " + sanitizeForLog(string(family)),
		})
		return
	}

	var req StartSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = string(family) + "-" + uuid.NewString()
	}

	env, err := envelope.New(trigger, req.CorrelationID, req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	env.Family = string(family)

	ctx := c.Request.Context()
	existed := false
	if _, err := api.orch.Get(ctx, req.CorrelationID); err == nil {
		existed = true
	}

	inst, err := api.orch.Start(ctx, env)
	switch {
	case err == nil && existed:
		c.JSON(http.StatusOK, FromInstance(inst))
	case err == nil:
		api.logger.Info("saga started via admin api",
			logger.CorrelationID(inst.CorrelationID),
			logger.Family(string(family)))
		c.JSON(http.StatusCreated, FromInstance(inst))
	case inst != nil:
		api.logger.Warn("saga started but commands are pending",
			logger.CorrelationID(inst.CorrelationID),
			zap.Error(err))
		c.JSON(http.StatusAccepted, FromInstance(inst))
	default:
		api.writeError(c, "start", err)
	}
}

// GetSaga handles GET /api/v1/sagas/:id.
func (api *SagaAPI) GetSaga(c *gin.Context) {
	inst, err := api.orch.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.writeError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, FromInstance(inst))
}

// GetHistory handles GET /api/v1/sagas/:id/history.
func (api *SagaAPI) GetHistory(c *gin.Context) {
	id := c.Param("id")
	log, err := api.orch.History(c.Request.Context(), id)
	if err != nil {
		api.writeError(c, "history", err)
		return
	}
	if log == nil {
		log = []saga.TransitionRecord{}
	}
	c.JSON(http.StatusOK, HistoryResponse{CorrelationID: id, Transitions: log})
}

// CancelSaga handles POST /api/v1/sagas/:id/cancel.
//
// Request body:
//
//	{"reason": "User requested cancellation"}
func (api *SagaAPI) CancelSaga(c *gin.Context) {
	id := c.Param("id")

	var req CancelSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}

	inst, err := api.orch.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		api.writeError(c, "cancel", err)
		return
	}
	api.logger.Info("saga cancelled via admin api",
		logger.CorrelationID(id),
		zap.String("reason", sanitizeForLog(req.Reason)),
		zap.String("state", string(inst.State)))
	c.JSON(http.StatusOK, FromInstance(inst))
}

// InjectEvent handles POST /api/v1/events. The body is a complete envelope
// as it would arrive from the transport.
func (api *SagaAPI) InjectEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	env, err := envelope.Unmarshal(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_envelope", Message: err.Error()})
		return
	}
	if !env.Kind().Inbound() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_envelope",
			Message: env.Type + " is not accepted by the orchestrator",
		})
		return
	}

	if err := api.orch.Handle(c.Request.Context(), env); err != nil {
		api.writeError(c, "handle", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":            env.ID,
		"correlationId": env.CorrelationID,
		"type":          env.Type,
	})
}

// ListSagas handles GET /api/v1/sagas?family=&state=&limit=.
func (api *SagaAPI) ListSagas(c *gin.Context) {
	var q struct {
		Family string `form:"family" binding:"omitempty,oneof=generation ingestion review validation"`
		State  string `form:"state"`
		Limit  int    `form:"limit" binding:"omitempty,min=1,max=1000"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_query",
			Message: "Invalid query parameters: " + err.Error(),
		})
		return
	}

	filter := storage.Filter{Family: saga.Family(q.Family), Limit: q.Limit}
	if q.State != "" {
		for _, s := range strings.Split(q.State, ",") {
			state := saga.State(strings.TrimSpace(s))
			if !state.Valid() {
				c.JSON(http.StatusBadRequest, ErrorResponse{
					Error:   "invalid_query",
					Message: "unknown state " + sanitizeForLog(string(state)),
				})
				return
			}
			filter.States = append(filter.States, state)
		}
	}

	list, err := api.orch.List(c.Request.Context(), filter)
	if err != nil {
		api.writeError(c, "list", err)
		return
	}
	resp := SagaListResponse{Sagas: make([]*SagaDTO, len(list)), Total: len(list)}
	for i, inst := range list {
		resp.Sagas[i] = FromInstance(inst)
	}
	c.JSON(http.StatusOK, resp)
}

// GetStats handles GET /api/v1/stats.
func (api *SagaAPI) GetStats(c *gin.Context) {
	counts, err := api.orch.Stats(c.Request.Context())
	if err != nil {
		api.writeError(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, statsFromCounts(counts))
}

func statsFromCounts(counts storage.Counts) StatsResponse {
	resp := StatsResponse{Counts: make(map[string]map[string]int, len(counts))}
	for family, states := range counts {
		m := make(map[string]int, len(states))
		for state, n := range states {
			m[string(state)] = n
			resp.Total += n
			if !state.IsTerminal() {
				resp.InFlight += n
			}
		}
		resp.Counts[string(family)] = m
	}
	return resp
}

// writeError maps orchestrator errors to status codes.
func (api *SagaAPI) writeError(c *gin.Context, op string, err error) {
	status, code := http.StatusInternalServerError, "internal_error"

	var sagaErr *saga.SagaError
	if errors.As(err, &sagaErr) {
		switch sagaErr.Code {
		case saga.ErrCodeSagaNotFound:
			status, code = http.StatusNotFound, "saga_not_found"
		case saga.ErrCodeValidationError:
			status, code = http.StatusBadRequest, "validation_failed"
		case saga.ErrCodeSagaAlreadyExists:
			status, code = http.StatusConflict, "saga_already_exists"
		case saga.ErrCodeOrchestratorStopped:
			status, code = http.StatusServiceUnavailable, "orchestrator_stopped"
		case saga.ErrCodeRetryExhausted, saga.ErrCodeConcurrencyConflict:
			status, code = http.StatusConflict, "concurrent_modification"
		case saga.ErrCodeEventPublishFailed:
			status, code = http.StatusBadGateway, "publish_failed"
		}
	}

	if status >= http.StatusInternalServerError {
		api.logger.Error("admin operation failed",
			zap.String("operation", op),
			zap.String("path", sanitizeForLog(c.Request.URL.Path)),
			zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}
