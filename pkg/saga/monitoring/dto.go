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
	"time"

	"github.com/innovationmech/docflow/pkg/saga"
)

// SagaDTO is the admin view of one saga instance.
type SagaDTO struct {
	CorrelationID string     `json:"correlationId"`
	Family        string     `json:"family"`
	State         string     `json:"state"`
	Phase         string     `json:"phase,omitempty"`
	Version       int64      `json:"version"`
	FailureReason string     `json:"failureReason,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	PendingOutbox int        `json:"pendingOutbox"`
	Data          saga.Data  `json:"data,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// FromInstance converts inst to its admin view.
func FromInstance(inst *saga.Instance) *SagaDTO {
	return &SagaDTO{
		CorrelationID: inst.CorrelationID,
		Family:        string(inst.Family),
		State:         string(inst.State),
		Phase:         inst.Phase,
		Version:       inst.Version,
		FailureReason: inst.FailureReason,
		Deadline:      inst.Deadline,
		PendingOutbox: len(inst.Outbox),
		Data:          inst.Data,
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     inst.UpdatedAt,
	}
}

// SagaListResponse is the body of GET /api/v1/sagas.
type SagaListResponse struct {
	Sagas []*SagaDTO `json:"sagas"`
	Total int        `json:"total"`
}

// HistoryResponse is the body of GET /api/v1/sagas/:id/history.
type HistoryResponse struct {
	CorrelationID string                  `json:"correlationId"`
	Transitions   []saga.TransitionRecord `json:"transitions"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Counts   map[string]map[string]int `json:"counts"`
	InFlight int                       `json:"inFlight"`
	Total    int                       `json:"total"`
}

// StartSagaRequest is the body of POST /api/v1/sagas/:family. Payload is
// the trigger payload of the family; a correlation id is generated when
// none is given.
type StartSagaRequest struct {
	CorrelationID string         `json:"correlationId,omitempty"`
	Payload       map[string]any `json:"payload" binding:"required"`
}

// CancelSagaRequest is the body of POST /api/v1/sagas/:id/cancel.
type CancelSagaRequest struct {
	Reason string `json:"reason" binding:"required,min=1,max=500"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
