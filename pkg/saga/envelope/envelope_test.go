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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	env, err := New(TypeContentNodeGenerated, "saga-1", ContentNodeGenerated{NodeID: "n1"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, env.ID, env.IdempotencyKey)
	assert.Equal(t, KindEvent, env.Kind())
	assert.False(t, env.OccurredAt.IsZero())
	assert.NoError(t, env.Validate())

	var p ContentNodeGenerated
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "n1", p.NodeID)
}

func TestDecode_ValidatesPayload(t *testing.T) {
	env := MustNew(TypeContentNodeGenerated, "saga-1", map[string]string{"other": "x"})
	var p ContentNodeGenerated
	assert.Error(t, env.Decode(&p))

	env = MustNew(TypeValidationStepCompleted, "saga-1", ValidationStepCompleted{StepIndex: 0, Status: "perhaps"})
	var v ValidationStepCompleted
	assert.Error(t, env.Decode(&v))

	env.Payload = nil
	assert.Error(t, env.Decode(&v))
}

func TestDecode_IngestionSourceVariants(t *testing.T) {
	valid := IngestDocumentRequested{
		Source:    SourceSpec{Kind: SourceDocumentLibrary, LibraryShortName: "lib"},
		FileName:  "a.pdf",
		SourceRef: "blob://a.pdf",
	}
	var out IngestDocumentRequested
	require.NoError(t, MustNew(TypeIngestDocumentRequested, "s", valid).Decode(&out))
	assert.Equal(t, "lib", out.Source.LibraryShortName)

	missing := valid
	missing.Source = SourceSpec{Kind: SourceDocumentProcess}
	assert.Error(t, MustNew(TypeIngestDocumentRequested, "s", missing).Decode(&out))

	unknown := valid
	unknown.Source = SourceSpec{Kind: "ftp"}
	assert.Error(t, MustNew(TypeIngestDocumentRequested, "s", unknown).Decode(&out))
}

func TestValidate_CorrelationID(t *testing.T) {
	env := MustNew(TypeCancelRequested, "has space", CancelRequested{Reason: "x"})
	assert.Error(t, env.Validate())

	env.CorrelationID = ""
	assert.Error(t, env.Validate())

	env.CorrelationID = "0b6c8a5e-7d0e-4c53-9b8e-1f0a2c3d4e5f"
	assert.NoError(t, env.Validate())
}

func TestMarshalUnmarshal(t *testing.T) {
	env := MustNew(TypeQuestionAnswered, "saga-1", QuestionAnswered{QuestionID: "q1", HasSentiment: true}).
		WithIdempotencyKey("key-1").
		WithCausation("cause").
		WithHeader("trace", "abc")

	data, err := Marshal(env)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.Equal(t, "cause", got.CausationID)
	assert.Equal(t, "abc", got.Headers["trace"])
	assert.True(t, env.OccurredAt.Equal(got.OccurredAt))
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
}

func TestUnmarshal_RejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"missing type":    `{"id":"1","correlationId":"c","idempotencyKey":"k"}`,
		"numeric id":      `{"id":1,"type":"T","correlationId":"c","idempotencyKey":"k"}`,
		"bad header type": `{"id":"1","type":"T","correlationId":"c","idempotencyKey":"k","headers":{"a":1}}`,
		"empty key":       `{"id":"1","type":"T","correlationId":"c","idempotencyKey":""}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestMarshal_RejectsInvalidHeader(t *testing.T) {
	_, err := Marshal(Envelope{Type: "T"})
	assert.Error(t, err)
}

func TestDerivedKey(t *testing.T) {
	a := DerivedKey("saga-1", 3, 0)
	assert.Equal(t, a, DerivedKey("saga-1", 3, 0))
	assert.NotEqual(t, a, DerivedKey("saga-1", 3, 1))
	assert.NotEqual(t, a, DerivedKey("saga-1", 4, 0))
	assert.NotEqual(t, a, DerivedKey("saga-2", 3, 0))
}

func TestTopic(t *testing.T) {
	env := MustNew(TypeGenerateContentNode, "saga-1", GenerateContentNode{})
	assert.Equal(t, "docflow.command.GenerateContentNode", Topic("docflow", env))
	assert.Equal(t, "terminal.WorkflowFailed", TopicFor("", KindTerminal, TypeWorkflowFailed))
	assert.Equal(t, "p.unknown.Mystery", TopicFor("p", KindOf("Mystery"), "Mystery"))
}

func TestKinds(t *testing.T) {
	assert.True(t, KindOf(TypeStartValidationPipeline).Inbound())
	assert.True(t, KindOf(TypeCancelRequested).Inbound())
	assert.False(t, KindOf(TypeRunValidationStep).Inbound())
	assert.False(t, KindOf(TypeWorkflowCompleted).Inbound())
	assert.False(t, KindOf(TypeReviewQuestionAnsweredNotification).Inbound())
	assert.Equal(t, "docflow.notification.ReviewQuestionAnsweredNotification",
		TopicFor("docflow", KindOf(TypeReviewQuestionAnsweredNotification), TypeReviewQuestionAnsweredNotification))

	RegisterKind("CustomEvent", KindEvent)
	assert.Equal(t, KindEvent, KindOf("CustomEvent"))
}

func TestPayloadJSONFieldNames(t *testing.T) {
	raw, err := json.Marshal(RunValidationStep{GeneratedDocumentID: "d", StepType: "A", StepIndex: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"generatedDocumentId":"d","stepType":"A","stepIndex":2}`, string(raw))
}
