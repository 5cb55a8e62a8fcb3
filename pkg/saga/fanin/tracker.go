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

// Package fanin tracks the sub-units of work issued during a fan-out phase and
// decides when the phase is complete.
//
// A Counter records unit ids rather than a bare number so that replayed
// completions can be recognised and rejected. All operations are pure: they
// take a Counter by value and return the updated copy, leaving the caller to
// persist it together with the rest of the saga snapshot.
package fanin

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrDuplicateUnit reports a completion or failure for a unit that is already recorded.
	ErrDuplicateUnit = errors.New("fanin: unit already recorded")

	// ErrOverflow reports a completion that would push the settled count past the total.
	ErrOverflow = errors.New("fanin: settled units would exceed total")

	// ErrTotalAlreadySet is returned when SetTotal is called more than once.
	ErrTotalAlreadySet = errors.New("fanin: total already set")

	// ErrInvalidTotal is returned for a negative total.
	ErrInvalidTotal = errors.New("fanin: total must be >= 0")

	// ErrEmptyUnitID is returned when a unit id is empty.
	ErrEmptyUnitID = errors.New("fanin: unit id must not be empty")
)

// Counter is the fan-in state of one parallel phase.
type Counter struct {
	// Total is the number of units issued. Only meaningful once TotalKnown is set.
	Total int `json:"total"`

	// TotalKnown is set exactly once, when the phase fans out.
	TotalKnown bool `json:"totalKnown"`

	// Tolerance is the number of failed units the phase accepts before it fails.
	Tolerance int `json:"tolerance"`

	// Completed holds the ids of units that finished successfully.
	Completed []string `json:"completed,omitempty"`

	// Failed holds the ids of units that reported failure.
	Failed []string `json:"failed,omitempty"`

	// Reached is set once the threshold has been reported.
	Reached bool `json:"reached"`
}

// NewCounter returns an empty counter accepting up to tolerance failed units.
func NewCounter(tolerance int) Counter {
	if tolerance < 0 {
		tolerance = 0
	}
	return Counter{Tolerance: tolerance}
}

// CompletedCount returns the number of successfully completed units.
func (c Counter) CompletedCount() int { return len(c.Completed) }

// FailedCount returns the number of failed units.
func (c Counter) FailedCount() int { return len(c.Failed) }

// Settled returns the number of units that reported either way.
func (c Counter) Settled() int { return len(c.Completed) + len(c.Failed) }

// Outstanding returns the number of units still expected, or -1 while the
// total is unknown.
func (c Counter) Outstanding() int {
	if !c.TotalKnown {
		return -1
	}
	return c.Total - c.Settled()
}

// Has reports whether unitID has already been recorded as completed or failed.
func (c Counter) Has(unitID string) bool {
	return slices.Contains(c.Completed, unitID) || slices.Contains(c.Failed, unitID)
}

// HasCompleted reports whether unitID has been recorded as completed.
func (c Counter) HasCompleted(unitID string) bool {
	return slices.Contains(c.Completed, unitID)
}

// ToleranceExceeded reports whether more units failed than the tolerance allows.
func (c Counter) ToleranceExceeded() bool {
	return len(c.Failed) > c.Tolerance
}

// Complete reports whether every unit has settled within tolerance.
func (c Counter) Complete() bool {
	return c.TotalKnown && c.Settled() == c.Total && !c.ToleranceExceeded()
}

// SetTotal fixes the number of units of the phase. Completions recorded
// before the total was known are kept; if they already satisfy the total the
// threshold is reported here.
func SetTotal(c Counter, total int) (Counter, bool, error) {
	if c.TotalKnown {
		return c, false, ErrTotalAlreadySet
	}
	if total < 0 {
		return c, false, ErrInvalidTotal
	}
	if c.Settled() > total {
		return c, false, fmt.Errorf("%w: %d settled, total %d", ErrOverflow, c.Settled(), total)
	}
	c = c.clone()
	c.Total = total
	c.TotalKnown = true
	return c.markIfReached()
}

// RecordCompletion records a successful unit and reports whether the fan-in
// threshold was newly reached by this call.
func RecordCompletion(c Counter, unitID string) (Counter, bool, error) {
	if err := c.admit(unitID); err != nil {
		return c, false, err
	}
	c = c.clone()
	c.Completed = append(c.Completed, unitID)
	return c.markIfReached()
}

// RecordFailure records a failed unit. thresholdReached is true when the
// phase is complete within tolerance; exceeded is true when this failure
// pushed the phase over its tolerance.
func RecordFailure(c Counter, unitID string) (updated Counter, thresholdReached, exceeded bool, err error) {
	if err := c.admit(unitID); err != nil {
		return c, false, false, err
	}
	c = c.clone()
	c.Failed = append(c.Failed, unitID)
	if c.ToleranceExceeded() {
		return c, false, true, nil
	}
	c, thresholdReached, err = c.markIfReached()
	return c, thresholdReached, false, err
}

func (c Counter) admit(unitID string) error {
	if unitID == "" {
		return ErrEmptyUnitID
	}
	if c.Has(unitID) {
		return fmt.Errorf("%w: %s", ErrDuplicateUnit, unitID)
	}
	if c.TotalKnown && c.Settled()+1 > c.Total {
		return fmt.Errorf("%w: unit %s with %d of %d settled", ErrOverflow, unitID, c.Settled(), c.Total)
	}
	return nil
}

func (c Counter) markIfReached() (Counter, bool, error) {
	if c.Reached || !c.Complete() {
		return c, false, nil
	}
	c.Reached = true
	return c, true, nil
}

func (c Counter) clone() Counter {
	c.Completed = slices.Clone(c.Completed)
	c.Failed = slices.Clone(c.Failed)
	return c
}
