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

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/sequencer"
)

// Validation returns the table of the validation family. The steps come
// from the trigger or from a named pipeline and run strictly in order.
//
//	Created    --StartValidationPipeline-->  Sequencing | Completed
//	Sequencing --ValidationStepCompleted-->  Sequencing | Completed | Failed
func Validation(opts Options) *saga.Table {
	opts = opts.withDefaults()
	v := &validation{pipelines: opts.Pipelines, fallback: opts.DefaultPipeline}

	return saga.NewTable(saga.FamilyValidation, envelope.TypeStartValidationPipeline).
		OnStart(v.start, saga.StateSequencing, saga.StateCompleted).
		On(saga.StateSequencing, envelope.TypeValidationStepCompleted, v.stepCompleted,
			saga.StateSequencing, saga.StateCompleted, saga.StateFailed).
		MustBuild()
}

type validation struct {
	pipelines *sequencer.Registry
	fallback  string
}

// resolve picks the pipeline of a trigger. Explicit steps win over a
// pipeline name; without either the default pipeline must be registered.
func (v *validation) resolve(req envelope.StartValidationPipeline) (sequencer.Pipeline, error) {
	if len(req.Steps) > 0 {
		return sequencer.Pipeline{
			Name:          req.PipelineName,
			Steps:         req.Steps,
			FailurePolicy: sequencer.FailurePolicy(req.FailurePolicy),
		}, nil
	}

	name := req.PipelineName
	if name == "" {
		name = v.fallback
	}
	if name == "" {
		return sequencer.Pipeline{}, saga.NewProtocolViolation("validation trigger names no steps or pipeline and no default is configured")
	}
	p, ok := v.pipelines.Get(name)
	if !ok {
		if req.PipelineName != "" {
			return sequencer.Pipeline{}, saga.NewProtocolViolation("unknown validation pipeline %q", req.PipelineName)
		}
		return sequencer.Pipeline{}, saga.NewProtocolViolation("default validation pipeline %q is not registered", name)
	}
	if req.FailurePolicy != "" {
		p.FailurePolicy = sequencer.FailurePolicy(req.FailurePolicy)
	}
	return p, nil
}

func (v *validation) start(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	req, err := saga.Decode[envelope.StartValidationPipeline](tc)
	if err != nil {
		return "", err
	}
	d, err := dataOf[*saga.ValidationData](tc)
	if err != nil {
		return "", err
	}

	pipeline, err := v.resolve(req)
	if err != nil {
		return "", err
	}
	progress, decision, err := sequencer.Start(pipeline)
	if err != nil {
		return "", saga.WrapProtocolViolation(err, "invalid validation pipeline")
	}

	d.GeneratedDocumentID = req.GeneratedDocumentID
	d.PipelineName = pipeline.Name
	d.Steps = progress

	if decision.Outcome == sequencer.OutcomeCompleted {
		return tc.Complete("validation pipeline has no steps"), nil
	}
	v.dispatch(tc, d, decision.Next)
	return saga.StateSequencing, nil
}

func (v *validation) stepCompleted(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	ev, err := saga.Decode[envelope.ValidationStepCompleted](tc)
	if err != nil {
		return "", err
	}
	d, err := dataOf[*saga.ValidationData](tc)
	if err != nil {
		return "", err
	}

	progress, decision, err := sequencer.Advance(d.Steps, sequencer.Result{
		StepIndex:  ev.StepIndex,
		Status:     sequencer.Status(ev.Status),
		Detail:     ev.Result,
		RecordedAt: tc.Now,
	})
	if err != nil {
		return "", sequencerError(err)
	}
	d.Steps = progress

	switch decision.Outcome {
	case sequencer.OutcomeAborted:
		f := decision.Failure
		reason := fmt.Sprintf("validation step %d (%s) failed", f.StepIndex, f.StepType)
		if f.Detail != "" {
			reason += ": " + f.Detail
		}
		return tc.Fail(reason), nil
	case sequencer.OutcomeCompleted:
		return tc.Complete(validationSummary(d.Steps)), nil
	default:
		v.dispatch(tc, d, decision.Next)
		return saga.StateSequencing, nil
	}
}

func (v *validation) dispatch(tc *saga.TransitionContext, d *saga.ValidationData, step sequencer.Step) {
	tc.SetPhase(step.Type)
	tc.Emit(envelope.TypeRunValidationStep, envelope.RunValidationStep{
		GeneratedDocumentID: d.GeneratedDocumentID,
		StepType:            step.Type,
		StepIndex:           step.Index,
	})
}

func validationSummary(p sequencer.Progress) string {
	failed, skipped := 0, 0
	for _, r := range p.Results {
		switch r.Status {
		case sequencer.StatusFailed:
			failed++
		case sequencer.StatusSkipped:
			skipped++
		}
	}
	return fmt.Sprintf("%d steps run, %d failed, %d skipped", len(p.Results), failed, skipped)
}
