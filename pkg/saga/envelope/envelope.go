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

// Package envelope defines the messages exchanged between the saga
// orchestrator and the step executors: the envelope carrying correlation and
// idempotency metadata, the typed payloads of every command and event, and a
// JSON codec that validates both.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Envelope wraps one typed payload.
type Envelope struct {
	// ID identifies this physical message.
	ID string `json:"id" validate:"required"`

	// Type names the payload, e.g. "ContentNodeGenerated".
	Type string `json:"type" validate:"required"`

	// CorrelationID ties the message to one saga instance.
	CorrelationID string `json:"correlationId" validate:"required,max=128,correlation_id"`

	// IdempotencyKey is unique per physical send. Redeliveries keep the key.
	IdempotencyKey string `json:"idempotencyKey" validate:"required,max=256"`

	// CausationID is the id of the message that caused this one, if any.
	CausationID string `json:"causationId,omitempty"`

	// Family is the saga family the message belongs to, when known.
	Family string `json:"family,omitempty"`

	OccurredAt time.Time         `json:"occurredAt"`
	Headers    map[string]string `json:"headers,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
}

var (
	validate      = newValidator()
	correlationRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("correlation_id", func(fl validator.FieldLevel) bool {
		return correlationRe.MatchString(fl.Field().String())
	})
	return v
}

// New builds an envelope for payload. The message id doubles as the
// idempotency key until one is set explicitly.
func New(msgType, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	id := uuid.NewString()
	return Envelope{
		ID:             id,
		Type:           msgType,
		CorrelationID:  correlationID,
		IdempotencyKey: id,
		OccurredAt:     time.Now().UTC(),
		Payload:        raw,
	}, nil
}

// MustNew is New for payloads that are known to marshal.
func MustNew(msgType, correlationID string, payload any) Envelope {
	env, err := New(msgType, correlationID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// WithIdempotencyKey returns a copy carrying key.
func (e Envelope) WithIdempotencyKey(key string) Envelope {
	e.IdempotencyKey = key
	return e
}

// WithCausation returns a copy caused by the message with id causationID.
func (e Envelope) WithCausation(causationID string) Envelope {
	e.CausationID = causationID
	return e
}

// WithHeader returns a copy with header k set to v.
func (e Envelope) WithHeader(k, v string) Envelope {
	h := make(map[string]string, len(e.Headers)+1)
	for key, val := range e.Headers {
		h[key] = val
	}
	h[k] = v
	e.Headers = h
	return e
}

// Kind returns the kind registered for the envelope type.
func (e Envelope) Kind() Kind {
	return KindOf(e.Type)
}

// Validate checks the envelope header fields.
func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}

// Decode unmarshals the payload into v and validates it.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// DerivedKey returns a deterministic idempotency key for the n-th message
// emitted by a transition. Republishing the same transition yields the same
// keys so executors can discard repeats.
func DerivedKey(correlationID string, version int64, n int) string {
	name := fmt.Sprintf("%s/%d/%d", correlationID, version, n)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
