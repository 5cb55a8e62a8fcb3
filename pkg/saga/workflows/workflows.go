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

// Package workflows defines the transition tables of the four document
// workflow families: generation, ingestion, review execution and
// validation. Handlers only mutate the saga snapshot handed to them and
// queue commands; persistence and publication belong to the coordinator.
package workflows

import (
	"errors"
	"fmt"

	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/fanin"
	"github.com/innovationmech/docflow/pkg/saga/sequencer"
)

// DefaultIngestionStages are the ordered ingestion stages.
var DefaultIngestionStages = []string{"hash", "create", "classify", "process", "index"}

// Options tune the family tables.
type Options struct {
	// GenerationFailureTolerance is the number of content nodes that may
	// fail before the generation fails.
	GenerationFailureTolerance int

	// ReviewFailureTolerance is the number of review questions that may
	// fail before the review fails.
	ReviewFailureTolerance int

	// IngestionStages overrides DefaultIngestionStages.
	IngestionStages []string

	// Pipelines resolves validation pipelines by name.
	Pipelines *sequencer.Registry

	// DefaultPipeline is used when a validation trigger names neither
	// steps nor a pipeline.
	DefaultPipeline string
}

// DefaultOptions returns options with zero tolerance and the default stages.
func DefaultOptions() Options {
	return Options{
		IngestionStages: DefaultIngestionStages,
		Pipelines:       sequencer.NewRegistry(),
		DefaultPipeline: "default",
	}
}

func (o Options) withDefaults() Options {
	if len(o.IngestionStages) == 0 {
		o.IngestionStages = DefaultIngestionStages
	}
	if o.Pipelines == nil {
		o.Pipelines = sequencer.NewRegistry()
	}
	if o.GenerationFailureTolerance < 0 {
		o.GenerationFailureTolerance = 0
	}
	if o.ReviewFailureTolerance < 0 {
		o.ReviewFailureTolerance = 0
	}
	return o
}

// Tables returns the built tables of every family.
func Tables(opts Options) []*saga.Table {
	return []*saga.Table{
		Generation(opts),
		Ingestion(opts),
		Review(opts),
		Validation(opts),
	}
}

// dataOf returns the family data of the working copy.
func dataOf[T saga.Data](tc *saga.TransitionContext) (T, error) {
	d, ok := tc.Instance.Data.(T)
	if !ok {
		var zero T
		return zero, saga.NewConfigurationError(fmt.Sprintf("%s instance %s carries %T data",
			tc.Instance.Family, tc.Instance.CorrelationID, tc.Instance.Data))
	}
	return d, nil
}

// faninError maps tracker errors onto saga errors.
func faninError(err error, unit string) error {
	switch {
	case errors.Is(err, fanin.ErrDuplicateUnit), errors.Is(err, fanin.ErrTotalAlreadySet):
		return saga.WrapDuplicateEvent(err, unit+" already recorded")
	default:
		return saga.WrapProtocolViolation(err, "cannot record "+unit)
	}
}

// sequencerError maps sequencer errors onto saga errors.
func sequencerError(err error) error {
	if errors.Is(err, sequencer.ErrDuplicateResult) {
		return saga.WrapDuplicateEvent(err, "step result already recorded")
	}
	return saga.WrapProtocolViolation(err, "cannot record step result")
}
