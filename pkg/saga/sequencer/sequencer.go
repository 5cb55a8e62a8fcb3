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

// Package sequencer drives an ordered pipeline of steps one step at a time.
//
// Progress is a plain value persisted inside the owning saga snapshot. Start
// and Advance are pure functions returning the updated Progress together
// with a Decision telling the caller what to dispatch next.
package sequencer

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrDuplicateResult reports a result for a step that has already been recorded.
	ErrDuplicateResult = errors.New("sequencer: step result already recorded")

	// ErrOutOfOrder reports a result for a step other than the current one.
	ErrOutOfOrder = errors.New("sequencer: step result out of order")

	// ErrHalted reports a result delivered after the pipeline finished or aborted.
	ErrHalted = errors.New("sequencer: pipeline halted")

	// ErrInvalidStatus reports an unknown step status.
	ErrInvalidStatus = errors.New("sequencer: invalid step status")

	// ErrInvalidPipeline reports a malformed pipeline definition.
	ErrInvalidPipeline = errors.New("sequencer: invalid pipeline")
)

// Status is the outcome of a single step.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// FailurePolicy decides what a failed step does to the pipeline.
type FailurePolicy string

const (
	// PolicyAbort stops the pipeline at the first failed step.
	PolicyAbort FailurePolicy = "abort"
	// PolicyContinue records the failure and moves on to the next step.
	PolicyContinue FailurePolicy = "continue"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == PolicyAbort || p == PolicyContinue
}

// Pipeline is an ordered list of step types plus its failure policy.
type Pipeline struct {
	Name          string        `json:"name" yaml:"name"`
	Steps         []string      `json:"steps" yaml:"steps"`
	FailurePolicy FailurePolicy `json:"failurePolicy" yaml:"failure_policy"`
}

// Validate checks the pipeline definition. An empty policy defaults to abort.
func (p *Pipeline) Validate() error {
	if p.FailurePolicy == "" {
		p.FailurePolicy = PolicyAbort
	}
	if !p.FailurePolicy.Valid() {
		return fmt.Errorf("%w: unknown failure policy %q", ErrInvalidPipeline, p.FailurePolicy)
	}
	for i, s := range p.Steps {
		if s == "" {
			return fmt.Errorf("%w: step %d has no type", ErrInvalidPipeline, i)
		}
	}
	return nil
}

// Step identifies one step of a running pipeline.
type Step struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
}

// Result is the reported outcome of one step.
type Result struct {
	StepIndex  int       `json:"stepIndex"`
	StepType   string    `json:"stepType,omitempty"`
	Status     Status    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Progress is the persisted state of a pipeline run.
type Progress struct {
	Steps            []string      `json:"steps"`
	Policy           FailurePolicy `json:"policy"`
	CurrentStepIndex int           `json:"currentStepIndex"`
	Results          []Result      `json:"results,omitempty"`
	Aborted          bool          `json:"aborted,omitempty"`
}

// Done reports whether every step has a recorded result.
func (p Progress) Done() bool {
	return p.CurrentStepIndex >= len(p.Steps)
}

// Current returns the step awaiting a result, if any.
func (p Progress) Current() (Step, bool) {
	if p.Aborted || p.Done() {
		return Step{}, false
	}
	return Step{Index: p.CurrentStepIndex, Type: p.Steps[p.CurrentStepIndex]}, true
}

// Result returns the recorded result for step index i.
func (p Progress) Result(i int) (Result, bool) {
	for _, r := range p.Results {
		if r.StepIndex == i {
			return r, true
		}
	}
	return Result{}, false
}

// Outcome classifies a Decision.
type Outcome int

const (
	// OutcomeNext means the returned step must be dispatched.
	OutcomeNext Outcome = iota
	// OutcomeCompleted means every step has a result.
	OutcomeCompleted
	// OutcomeAborted means a failed step stopped the pipeline.
	OutcomeAborted
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeNext:
		return "next"
	case OutcomeCompleted:
		return "completed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Decision tells the caller what to do after Start or Advance.
type Decision struct {
	Outcome Outcome
	// Next is set for OutcomeNext.
	Next Step
	// Failure is the failed result for OutcomeAborted.
	Failure *Result
}

// Start creates the progress of a new run of pipeline.
func Start(pipeline Pipeline) (Progress, Decision, error) {
	if err := pipeline.Validate(); err != nil {
		return Progress{}, Decision{}, err
	}
	p := Progress{
		Steps:  slices.Clone(pipeline.Steps),
		Policy: pipeline.FailurePolicy,
	}
	return p, p.decide(), nil
}

// Advance records the result of the current step and moves the pointer.
//
// A result for an index below CurrentStepIndex that is already recorded is
// reported as ErrDuplicateResult; any other index mismatch is
// ErrOutOfOrder. In both cases the progress is returned unchanged.
func Advance(p Progress, r Result) (Progress, Decision, error) {
	if !r.Status.Valid() {
		return p, Decision{}, fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	if r.StepIndex >= 0 && r.StepIndex < p.CurrentStepIndex {
		if _, ok := p.Result(r.StepIndex); ok {
			return p, Decision{}, fmt.Errorf("%w: step %d", ErrDuplicateResult, r.StepIndex)
		}
	}
	if p.Aborted || p.Done() {
		return p, Decision{}, fmt.Errorf("%w: result for step %d", ErrHalted, r.StepIndex)
	}
	if r.StepIndex != p.CurrentStepIndex {
		return p, Decision{}, fmt.Errorf("%w: got step %d, expected %d", ErrOutOfOrder, r.StepIndex, p.CurrentStepIndex)
	}

	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	r.StepType = p.Steps[p.CurrentStepIndex]

	p.Steps = slices.Clone(p.Steps)
	p.Results = append(slices.Clone(p.Results), r)
	p.CurrentStepIndex++

	if r.Status == StatusFailed && p.Policy != PolicyContinue {
		p.Aborted = true
		failed := r
		return p, Decision{Outcome: OutcomeAborted, Failure: &failed}, nil
	}
	return p, p.decide(), nil
}

func (p Progress) decide() Decision {
	if step, ok := p.Current(); ok {
		return Decision{Outcome: OutcomeNext, Next: step}
	}
	return Decision{Outcome: OutcomeCompleted}
}
