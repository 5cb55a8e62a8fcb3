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

package workflows

import (
	"context"
	"fmt"
	"slices"

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/sequencer"
)

// PhaseCompensating is the phase of an ingestion discarding its document.
const PhaseCompensating = "compensating"

// Ingestion returns the table of the ingestion family. Stages run one at a
// time; the hash stage claims the file's deduplication key and a failure
// after the document was created discards it before the saga fails.
//
//	Created      --IngestDocumentRequested-->  Sequencing
//	Sequencing   --IngestionCompleted-->       Sequencing | Completed | Compensating | Failed
//	Compensating --IngestionCompensated-->     Failed
func Ingestion(opts Options) *saga.Table {
	opts = opts.withDefaults()
	in := &ingestion{pipeline: sequencer.Pipeline{
		Name:          "ingestion",
		Steps:         slices.Clone(opts.IngestionStages),
		FailurePolicy: sequencer.PolicyAbort,
	}}

	return saga.NewTable(saga.FamilyIngestion, envelope.TypeIngestDocumentRequested).
		OnStart(in.start, saga.StateSequencing, saga.StateCompleted).
		On(saga.StateSequencing, envelope.TypeIngestionCompleted, in.stageCompleted,
			saga.StateSequencing, saga.StateCompleted, saga.StateCompensating, saga.StateFailed).
		On(saga.StateCompensating, envelope.TypeIngestionCompensated, in.compensated,
			saga.StateFailed).
		OnAbort(in.abort, saga.StateCompensating, saga.StateFailed).
		MustBuild()
}

type ingestion struct {
	pipeline sequencer.Pipeline
}

func (in *ingestion) start(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	req, err := saga.Decode[envelope.IngestDocumentRequested](tc)
	if err != nil {
		return "", err
	}
	src, err := saga.SourceFromSpec(req.Source)
	if err != nil {
		return "", saga.WrapProtocolViolation(err, "invalid ingestion source")
	}
	d, err := dataOf[*saga.IngestionData](tc)
	if err != nil {
		return "", err
	}

	d.Source = src
	d.FileName = req.FileName
	d.OriginalDocumentURL = req.OriginalDocumentURL
	d.SourceRef = req.SourceRef
	d.UploadedByUserOID = req.UploadedByUserOID

	progress, decision, err := sequencer.Start(in.pipeline)
	if err != nil {
		return "", saga.WrapError(err, saga.ErrCodeConfigurationError, "invalid ingestion stages", saga.ErrorTypeSystem, false)
	}
	d.Stages = progress
	if decision.Outcome == sequencer.OutcomeCompleted {
		return tc.Complete("no ingestion stages configured"), nil
	}
	in.dispatch(tc, d, decision.Next)
	return saga.StateSequencing, nil
}

func (in *ingestion) stageCompleted(ctx context.Context, tc *saga.TransitionContext) (saga.State, error) {
	ev, err := saga.Decode[envelope.IngestionCompleted](tc)
	if err != nil {
		return "", err
	}
	d, err := dataOf[*saga.IngestionData](tc)
	if err != nil {
		return "", err
	}
	out := ev.Outcome

	if current, ok := d.Stages.Current(); ok && current.Index == out.StageIndex && current.Type != out.Stage {
		return "", saga.NewProtocolViolation("stage %d is %s, got outcome for %s", out.StageIndex, current.Type, out.Stage)
	}

	progress, decision, err := sequencer.Advance(d.Stages, sequencer.Result{
		StepIndex:  out.StageIndex,
		Status:     sequencer.Status(out.Status),
		Detail:     out.Reason,
		RecordedAt: tc.Now,
	})
	if err != nil {
		return "", sequencerError(err)
	}
	d.Stages = progress

	if decision.Outcome == sequencer.OutcomeAborted {
		reason := fmt.Sprintf("stage %s failed", out.Stage)
		if out.Reason != "" {
			reason += ": " + out.Reason
		}
		return in.fail(ctx, tc, d, reason)
	}

	if out.FileHash != "" && d.FileHash == "" {
		d.FileHash = out.FileHash
		key := d.DedupKeyFor(out.FileHash)
		owner, err := tc.Claims.Claim(ctx, key, tc.Instance.CorrelationID)
		if err != nil {
			return "", fmt.Errorf("claim %s: %w", key, err)
		}
		if owner != tc.Instance.CorrelationID {
			return in.fail(ctx, tc, d, "duplicate of "+owner)
		}
		d.DedupKey = key
	}
	if out.DocumentID != "" {
		d.DocumentID = out.DocumentID
	}
	if out.ClassificationShortCode != "" {
		d.ClassificationShortCode = out.ClassificationShortCode
	}

	if decision.Outcome == sequencer.OutcomeCompleted {
		return tc.Complete(fmt.Sprintf("ingested %s as document %s", d.FileName, d.DocumentID)), nil
	}
	in.dispatch(tc, d, decision.Next)
	return saga.StateSequencing, nil
}

func (in *ingestion) compensated(ctx context.Context, tc *saga.TransitionContext) (saga.State, error) {
	if _, err := saga.Decode[envelope.IngestionCompensated](tc); err != nil {
		return "", err
	}
	d, err := dataOf[*saga.IngestionData](tc)
	if err != nil {
		return "", err
	}
	if err := in.release(ctx, tc, d); err != nil {
		return "", err
	}
	return tc.Fail(tc.Instance.FailureReason), nil
}

// abort handles cancellation and expiry. A running ingestion that already
// created its document compensates first; a compensating one gives up.
func (in *ingestion) abort(ctx context.Context, tc *saga.TransitionContext) (saga.State, error) {
	d, err := dataOf[*saga.IngestionData](tc)
	if err != nil {
		return "", err
	}
	reason := saga.AbortReason(tc)
	if tc.Instance.State == saga.StateCompensating {
		if err := in.release(ctx, tc, d); err != nil {
			return "", err
		}
		tc.Instance.FailureReason += "; compensation " + reason
		return tc.Fail(tc.Instance.FailureReason), nil
	}
	return in.fail(ctx, tc, d, reason)
}

func (in *ingestion) fail(ctx context.Context, tc *saga.TransitionContext, d *saga.IngestionData, reason string) (saga.State, error) {
	if d.DocumentCreated() {
		state := tc.Compensate(reason)
		tc.Emit(envelope.TypeDiscardIngestedDocument, envelope.DiscardIngestedDocument{
			DocumentID: d.DocumentID,
			FileHash:   d.FileHash,
			Reason:     reason,
		})
		return state, nil
	}
	if err := in.release(ctx, tc, d); err != nil {
		return "", err
	}
	return tc.Fail(reason), nil
}

// release gives up the deduplication key so the file can be ingested again.
func (in *ingestion) release(ctx context.Context, tc *saga.TransitionContext, d *saga.IngestionData) error {
	if d.DedupKey == "" {
		return nil
	}
	if err := tc.Claims.Release(ctx, d.DedupKey, tc.Instance.CorrelationID); err != nil {
		return fmt.Errorf("release %s: %w", d.DedupKey, err)
	}
	d.DedupKey = ""
	return nil
}

func (in *ingestion) dispatch(tc *saga.TransitionContext, d *saga.IngestionData, step sequencer.Step) {
	tc.SetPhase(step.Type)
	tc.Emit(envelope.TypeIngestFile, envelope.IngestFile{
		SourceRef:  d.SourceRef,
		Stage:      step.Type,
		StageIndex: step.Index,
		FileHash:   d.FileHash,
		DocumentID: d.DocumentID,
		Source:     d.Source.Spec(),
	})
}
