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

package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "type", "correlationId", "idempotencyKey"],
  "properties": {
    "id":             {"type": "string", "minLength": 1},
    "type":           {"type": "string", "minLength": 1},
    "correlationId":  {"type": "string", "minLength": 1, "maxLength": 128},
    "idempotencyKey": {"type": "string", "minLength": 1, "maxLength": 256},
    "causationId":    {"type": "string"},
    "family":         {"type": "string"},
    "occurredAt":     {"type": "string"},
    "headers":        {"type": "object", "additionalProperties": {"type": "string"}},
    "payload":        {}
  }
}`

var compiledSchema = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// Marshal encodes env as JSON after validating its header.
func Marshal(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal decodes and validates a JSON envelope. The document is checked
// against the envelope schema before it is bound, so malformed messages are
// rejected with a schema error rather than a partially filled struct.
func Unmarshal(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Envelope{}, fmt.Errorf("envelope schema: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Topic returns the routing subject for env: <prefix>.<kind>.<type>.
func Topic(prefix string, env Envelope) string {
	return TopicFor(prefix, env.Kind(), env.Type)
}

// TopicFor builds a subject from its parts. An unknown kind maps to "unknown".
func TopicFor(prefix string, kind Kind, msgType string) string {
	k := string(kind)
	if k == "" {
		k = "unknown"
	}
	parts := []string{k, msgType}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, ".")
}
