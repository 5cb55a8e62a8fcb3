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

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/fanin"
	"github.com/innovationmech/docflow/pkg/saga/sequencer"
)

// commonColumns are shared by every family table, in scan order.
var commonColumns = []string{
	"correlation_id", "current_state", "phase", "row_version", "failure_reason",
	"deadline", "applied_keys", "outbox", "created_at", "updated_at",
}

// familyTable maps the data of one family onto its typed table.
type familyTable struct {
	family  saga.Family
	table   string
	columns []string

	// values returns the column values of data in columns order.
	values func(data saga.Data) ([]any, error)

	// scanner returns scan destinations in columns order and a function
	// building the data once the row has been scanned.
	scanner func() ([]any, func() (saga.Data, error))
}

var familyTables = map[saga.Family]*familyTable{
	saga.FamilyGeneration: generationTable,
	saga.FamilyIngestion:  ingestionTable,
	saga.FamilyReview:     reviewTable,
	saga.FamilyValidation: validationTable,
}

func tableOf(f saga.Family) (*familyTable, error) {
	t, ok := familyTables[f]
	if !ok {
		return nil, fmt.Errorf("%w: unknown family %q", ErrInvalidInstance, f)
	}
	return t, nil
}

func (t *familyTable) allColumns() []string {
	return append(append([]string(nil), commonColumns...), t.columns...)
}

func (t *familyTable) selectSQL() string {
	return "SELECT " + strings.Join(t.allColumns(), ", ") + " FROM " + t.table
}

func (t *familyTable) insertSQL() string {
	cols := t.allColumns()
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.table, strings.Join(cols, ", "), placeholders(len(cols)))
}

// updateSQL sets every column except the key and takes the key and the
// expected version as its last two arguments.
func (t *familyTable) updateSQL() string {
	cols := t.allColumns()[1:]
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE correlation_id = ? AND row_version = ?",
		t.table, strings.Join(sets, ", "))
}

// rowValues returns the values of inst in allColumns order.
func (t *familyTable) rowValues(inst *saga.Instance) ([]any, error) {
	data := inst.Data
	if data == nil {
		var err error
		if data, err = saga.NewData(inst.Family); err != nil {
			return nil, err
		}
	}
	if data.Family() != t.family {
		return nil, fmt.Errorf("%w: %s instance carries %s data", ErrInvalidInstance, t.family, data.Family())
	}

	appliedKeys, err := jsonText(inst.AppliedKeys)
	if err != nil {
		return nil, err
	}
	var outbox sql.NullString
	if len(inst.Outbox) > 0 {
		raw, err := json.Marshal(inst.Outbox)
		if err != nil {
			return nil, fmt.Errorf("encode outbox: %w", err)
		}
		outbox = sql.NullString{String: string(raw), Valid: true}
	}
	var deadline sql.NullTime
	if inst.Deadline != nil {
		deadline = sql.NullTime{Time: inst.Deadline.UTC(), Valid: true}
	}

	values := []any{
		inst.CorrelationID, string(inst.State), inst.Phase, inst.Version, inst.FailureReason,
		deadline, appliedKeys, outbox, inst.CreatedAt.UTC(), inst.UpdatedAt.UTC(),
	}
	own, err := t.values(data)
	if err != nil {
		return nil, err
	}
	return append(values, own...), nil
}

// scanRow reads one row selected with selectSQL.
func (t *familyTable) scanRow(row interface{ Scan(...any) error }) (*saga.Instance, error) {
	var (
		inst        = &saga.Instance{Family: t.family}
		state       string
		deadline    sql.NullTime
		appliedKeys string
		outbox      sql.NullString
	)
	dest := []any{
		&inst.CorrelationID, &state, &inst.Phase, &inst.Version, &inst.FailureReason,
		&deadline, &appliedKeys, &outbox, &inst.CreatedAt, &inst.UpdatedAt,
	}
	own, build := t.scanner()
	if err := row.Scan(append(dest, own...)...); err != nil {
		return nil, err
	}

	inst.State = saga.State(state)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	if deadline.Valid {
		d := deadline.Time.UTC()
		inst.Deadline = &d
	}
	if err := fromJSONText(appliedKeys, &inst.AppliedKeys); err != nil {
		return nil, err
	}
	if outbox.Valid && outbox.String != "" {
		var msgs []envelope.Envelope
		if err := json.Unmarshal([]byte(outbox.String), &msgs); err != nil {
			return nil, fmt.Errorf("decode outbox of %s: %w", inst.CorrelationID, err)
		}
		inst.Outbox = msgs
	}
	data, err := build()
	if err != nil {
		return nil, fmt.Errorf("decode %s data of %s: %w", t.family, inst.CorrelationID, err)
	}
	inst.Data = data
	return inst, nil
}

var generationTable = &familyTable{
	family: saga.FamilyGeneration,
	table:  "generation_sagas",
	columns: []string{
		"document_process_name", "document_title", "author_oid", "metadata_id", "metadata_json",
		"content_nodes_to_generate", "content_nodes_generated", "content_nodes_failed",
		"failure_tolerance", "generated_node_ids", "failed_node_ids", "threshold_reached",
	},
	values: func(data saga.Data) ([]any, error) {
		d := data.(*saga.GenerationData)
		generated, err := jsonText(d.Nodes.Completed)
		if err != nil {
			return nil, err
		}
		failed, err := jsonText(d.Nodes.Failed)
		if err != nil {
			return nil, err
		}
		return []any{
			d.DocumentProcessName, d.DocumentTitle, d.AuthorOID, d.MetadataID, d.MetadataJSON,
			nullTotal(d.Nodes), d.Nodes.CompletedCount(), d.Nodes.FailedCount(),
			d.Nodes.Tolerance, generated, failed, d.Nodes.Reached,
		}, nil
	},
	scanner: func() ([]any, func() (saga.Data, error)) {
		var (
			d                       saga.GenerationData
			total                   sql.NullInt64
			generatedN, failedN     int
			generatedIDs, failedIDs string
		)
		dest := []any{
			&d.DocumentProcessName, &d.DocumentTitle, &d.AuthorOID, &d.MetadataID, &d.MetadataJSON,
			&total, &generatedN, &failedN, &d.Nodes.Tolerance, &generatedIDs, &failedIDs, &d.Nodes.Reached,
		}
		return dest, func() (saga.Data, error) {
			setTotal(&d.Nodes, total)
			if err := fromJSONText(generatedIDs, &d.Nodes.Completed); err != nil {
				return nil, err
			}
			if err := fromJSONText(failedIDs, &d.Nodes.Failed); err != nil {
				return nil, err
			}
			if len(d.Nodes.Completed) != generatedN || len(d.Nodes.Failed) != failedN {
				return nil, fmt.Errorf("content node counters disagree with recorded ids")
			}
			return &d, nil
		}
	},
}

var ingestionTable = &familyTable{
	family: saga.FamilyIngestion,
	table:  "ingestion_sagas",
	columns: []string{
		"source_kind", "document_process_name", "plugin", "document_library_short_name", "document_library_type",
		"file_name", "original_document_url", "source_ref", "uploaded_by_user_oid", "file_hash",
		"document_id", "classification_short_code", "dedup_key",
		"stages", "stage_policy", "current_stage_index", "stage_results", "stages_aborted",
	},
	values: func(data saga.Data) ([]any, error) {
		d := data.(*saga.IngestionData)
		var spec envelope.SourceSpec
		if d.Source != nil {
			spec = d.Source.Spec()
		}
		stages, err := jsonText(d.Stages.Steps)
		if err != nil {
			return nil, err
		}
		results, err := jsonText(d.Stages.Results)
		if err != nil {
			return nil, err
		}
		return []any{
			string(spec.Kind), spec.DocumentProcessName, spec.Plugin, spec.LibraryShortName, spec.LibraryType,
			d.FileName, d.OriginalDocumentURL, d.SourceRef, d.UploadedByUserOID, d.FileHash,
			d.DocumentID, d.ClassificationShortCode, d.DedupKey,
			stages, policyOrDefault(d.Stages.Policy), d.Stages.CurrentStepIndex, results, d.Stages.Aborted,
		}, nil
	},
	scanner: func() ([]any, func() (saga.Data, error)) {
		var (
			d               saga.IngestionData
			kind, policy    string
			spec            envelope.SourceSpec
			stages, results string
		)
		dest := []any{
			&kind, &spec.DocumentProcessName, &spec.Plugin, &spec.LibraryShortName, &spec.LibraryType,
			&d.FileName, &d.OriginalDocumentURL, &d.SourceRef, &d.UploadedByUserOID, &d.FileHash,
			&d.DocumentID, &d.ClassificationShortCode, &d.DedupKey,
			&stages, &policy, &d.Stages.CurrentStepIndex, &results, &d.Stages.Aborted,
		}
		return dest, func() (saga.Data, error) {
			if kind != "" {
				spec.Kind = envelope.SourceKind(kind)
				src, err := saga.SourceFromSpec(spec)
				if err != nil {
					return nil, err
				}
				d.Source = src
			}
			d.Stages.Policy = sequencer.FailurePolicy(policy)
			if err := fromJSONText(stages, &d.Stages.Steps); err != nil {
				return nil, err
			}
			if err := fromJSONText(results, &d.Stages.Results); err != nil {
				return nil, err
			}
			return &d, nil
		}
	},
}

var reviewTable = &familyTable{
	family: saga.FamilyReview,
	table:  "review_sagas",
	columns: []string{
		"review_id", "document_ref", "external_document_link_id", "question_ids",
		"total_number_of_questions", "number_of_questions_answered",
		"number_of_questions_answered_with_sentiment", "number_of_questions_failed",
		"failure_tolerance", "answered_question_ids", "sentiment_question_ids",
		"failed_question_ids", "sentiment_failed_question_ids", "answers_reached", "sentiments_reached",
	},
	values: func(data saga.Data) ([]any, error) {
		d := data.(*saga.ReviewData)
		lists := make([]string, 0, 5)
		for _, ids := range [][]string{d.QuestionIDs, d.Answers.Completed, d.Sentiments.Completed, d.Answers.Failed, d.Sentiments.Failed} {
			s, err := jsonText(ids)
			if err != nil {
				return nil, err
			}
			lists = append(lists, s)
		}
		return []any{
			d.ReviewID, d.DocumentRef, d.ExternalDocumentLinkID, lists[0],
			nullTotal(d.Answers), d.Answers.CompletedCount(),
			d.Sentiments.CompletedCount(), d.Answers.FailedCount(),
			d.Answers.Tolerance, lists[1], lists[2],
			lists[3], lists[4], d.Answers.Reached, d.Sentiments.Reached,
		}, nil
	},
	scanner: func() ([]any, func() (saga.Data, error)) {
		var (
			d                               saga.ReviewData
			total                           sql.NullInt64
			answeredN, sentimentN, failedN  int
			questions, answered, sentiments string
			failed, sentimentFailed         string
		)
		dest := []any{
			&d.ReviewID, &d.DocumentRef, &d.ExternalDocumentLinkID, &questions,
			&total, &answeredN, &sentimentN, &failedN,
			&d.Answers.Tolerance, &answered, &sentiments,
			&failed, &sentimentFailed, &d.Answers.Reached, &d.Sentiments.Reached,
		}
		return dest, func() (saga.Data, error) {
			d.Sentiments.Tolerance = d.Answers.Tolerance
			setTotal(&d.Answers, total)
			setTotal(&d.Sentiments, total)
			for _, p := range []struct {
				raw string
				dst *[]string
			}{
				{questions, &d.QuestionIDs},
				{answered, &d.Answers.Completed},
				{sentiments, &d.Sentiments.Completed},
				{failed, &d.Answers.Failed},
				{sentimentFailed, &d.Sentiments.Failed},
			} {
				if err := fromJSONText(p.raw, p.dst); err != nil {
					return nil, err
				}
			}
			if len(d.Answers.Completed) != answeredN || len(d.Sentiments.Completed) != sentimentN || len(d.Answers.Failed) != failedN {
				return nil, fmt.Errorf("question counters disagree with recorded ids")
			}
			return &d, nil
		}
	},
}

var validationTable = &familyTable{
	family: saga.FamilyValidation,
	table:  "validation_sagas",
	columns: []string{
		"generated_document_id", "pipeline_name", "failure_policy", "ordered_steps",
		"current_step_index", "step_results", "pipeline_aborted",
	},
	values: func(data saga.Data) ([]any, error) {
		d := data.(*saga.ValidationData)
		steps, err := jsonText(d.Steps.Steps)
		if err != nil {
			return nil, err
		}
		results, err := jsonText(d.Steps.Results)
		if err != nil {
			return nil, err
		}
		return []any{
			d.GeneratedDocumentID, d.PipelineName, policyOrDefault(d.Steps.Policy), steps,
			d.Steps.CurrentStepIndex, results, d.Steps.Aborted,
		}, nil
	},
	scanner: func() ([]any, func() (saga.Data, error)) {
		var (
			d                      saga.ValidationData
			policy, steps, results string
		)
		dest := []any{
			&d.GeneratedDocumentID, &d.PipelineName, &policy, &steps,
			&d.Steps.CurrentStepIndex, &results, &d.Steps.Aborted,
		}
		return dest, func() (saga.Data, error) {
			d.Steps.Policy = sequencer.FailurePolicy(policy)
			if err := fromJSONText(steps, &d.Steps.Steps); err != nil {
				return nil, err
			}
			if err := fromJSONText(results, &d.Steps.Results); err != nil {
				return nil, err
			}
			return &d, nil
		}
	},
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTotal(c fanin.Counter) sql.NullInt64 {
	if !c.TotalKnown {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(c.Total), Valid: true}
}

func setTotal(c *fanin.Counter, total sql.NullInt64) {
	if total.Valid {
		c.Total = int(total.Int64)
		c.TotalKnown = true
	}
}

func policyOrDefault(p sequencer.FailurePolicy) string {
	if p == "" {
		return string(sequencer.PolicyAbort)
	}
	return string(p)
}

// jsonText encodes a list column. Nil lists are stored as "[]".
func jsonText[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// fromJSONText decodes a list column, leaving dst nil for empty lists.
func fromJSONText[T any](raw string, dst *[]T) error {
	if raw == "" || raw == "[]" || raw == "null" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
