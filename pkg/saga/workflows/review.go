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
	"github.com/innovationmech/docflow/pkg/saga/fanin"
)

// Review phases.
const (
	PhaseIngesting = "ingesting"
	PhaseAnswering = "answering"
	PhaseAnalyzing = "analyzing"
)

// Review returns the table of the review execution family. Answers and
// their sentiment analyses are two fan-in gates over the same questions:
// the saga waits in Completing once every answer is in and completes once
// every sentiment is in.
//
//	Created    --ExecuteReviewRequested-->  InProgress(ingesting)
//	InProgress --ReviewDocumentIngested-->  FanningOut | Completed
//	FanningOut --QuestionAnswered-->        FanningOut | Completing | Completed
//	Completing --QuestionAnswered-->        Completing | Completed
//	FanningOut --ReviewQuestionFailed-->    FanningOut | Completing | Completed | Failed
//	Completing --ReviewQuestionFailed-->    Completing | Completed | Failed
//
// A failed sentiment analysis counts against the sentiment gate only, so a
// question whose answer is in cannot be failed twice.
func Review(opts Options) *saga.Table {
	opts = opts.withDefaults()
	r := &review{tolerance: opts.ReviewFailureTolerance}

	return saga.NewTable(saga.FamilyReview, envelope.TypeExecuteReviewRequested).
		OnStart(r.start, saga.StateInProgress).
		On(saga.StateInProgress, envelope.TypeReviewDocumentIngested, r.documentIngested,
			saga.StateFanningOut, saga.StateCompleted).
		On(saga.StateFanningOut, envelope.TypeQuestionAnswered, r.questionAnswered,
			saga.StateFanningOut, saga.StateCompleting, saga.StateCompleted).
		On(saga.StateCompleting, envelope.TypeQuestionAnswered, r.questionAnswered,
			saga.StateCompleting, saga.StateCompleted).
		On(saga.StateFanningOut, envelope.TypeReviewQuestionFailed, r.questionFailed,
			saga.StateFanningOut, saga.StateCompleting, saga.StateCompleted, saga.StateFailed).
		On(saga.StateCompleting, envelope.TypeReviewQuestionFailed, r.questionFailed,
			saga.StateCompleting, saga.StateCompleted, saga.StateFailed).
		MustBuild()
}

type review struct {
	tolerance int
}

func (r *review) start(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	req, err := saga.Decode[envelope.ExecuteReviewRequested](tc)
	if err != nil {
		return "", err
	}
	d, err := dataOf[*saga.ReviewData](tc)
	if err != nil {
		return "", err
	}

	d.ReviewID = req.ReviewID
	d.DocumentRef = req.DocumentRef
	d.Answers = fanin.NewCounter(r.tolerance)
	d.Sentiments = fanin.NewCounter(r.tolerance)

	tc.SetPhase(PhaseIngesting)
	tc.Emit(envelope.TypeIngestReviewDocument, envelope.IngestReviewDocument{
		ReviewID:    req.ReviewID,
		DocumentRef: req.DocumentRef,
	})
	return saga.StateInProgress, nil
}

func (r *review) documentIngested(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	ev, err := saga.Decode[envelope.ReviewDocumentIngested](tc)
	if err != nil {
		return "", err
	}
	d, err := dataOf[*saga.ReviewData](tc)
	if err != nil {
		return "", err
	}

	questions := slices.Clone(ev.QuestionIDs)
	slices.Sort(questions)
	if len(slices.Compact(questions)) != len(ev.QuestionIDs) {
		return "", saga.NewProtocolViolation("review %s lists a question twice", d.ReviewID)
	}

	answers, reached, err := fanin.SetTotal(d.Answers, len(ev.QuestionIDs))
	if err != nil {
		return "", faninError(err, "question total")
	}
	sentiments, _, err := fanin.SetTotal(d.Sentiments, len(ev.QuestionIDs))
	if err != nil {
		return "", faninError(err, "question total")
	}
	d.Answers, d.Sentiments = answers, sentiments
	d.ExternalDocumentLinkID = ev.ExternalDocumentLinkID
	d.QuestionIDs = slices.Clone(ev.QuestionIDs)

	if reached {
		return tc.Complete("review has no questions"), nil
	}

	tc.SetPhase(PhaseAnswering)
	for _, q := range ev.QuestionIDs {
		tc.Emit(envelope.TypeAnswerReviewQuestion, envelope.AnswerReviewQuestion{
			ExternalDocumentLinkID: ev.ExternalDocumentLinkID,
			QuestionID:             q,
		})
	}
	return saga.StateFanningOut, nil
}

// questionAnswered records an answer, or the sentiment of an answer when
// HasSentiment is set. A sentiment for an unrecorded answer records both.
func (r *review) questionAnswered(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	ev, err := saga.Decode[envelope.QuestionAnswered](tc)
	if err != nil {
		return "", err
	}
	d, err := dataOf[*saga.ReviewData](tc)
	if err != nil {
		return "", err
	}
	if !slices.Contains(d.QuestionIDs, ev.QuestionID) {
		return "", saga.NewProtocolViolation("question %s is not part of review %s", ev.QuestionID, d.ReviewID)
	}

	if !d.Answers.HasCompleted(ev.QuestionID) {
		answers, _, err := fanin.RecordCompletion(d.Answers, ev.QuestionID)
		if err != nil {
			return "", faninError(err, "answer "+ev.QuestionID)
		}
		d.Answers = answers
		if !ev.HasSentiment {
			tc.Emit(envelope.TypeAnalyzeReviewAnswerSentiment, envelope.AnalyzeReviewAnswerSentiment{
				ExternalDocumentLinkID: d.ExternalDocumentLinkID,
				QuestionID:             ev.QuestionID,
			})
		}
	} else if !ev.HasSentiment {
		return "", saga.NewDuplicateEvent("question %s already answered", ev.QuestionID)
	}

	if ev.HasSentiment {
		sentiments, _, err := fanin.RecordCompletion(d.Sentiments, ev.QuestionID)
		if err != nil {
			return "", faninError(err, "sentiment of "+ev.QuestionID)
		}
		d.Sentiments = sentiments

		total, _ := d.TotalQuestions()
		tc.Emit(envelope.TypeReviewQuestionAnsweredNotification, envelope.ReviewQuestionAnsweredNotification{
			ReviewID:               d.ReviewID,
			ExternalDocumentLinkID: d.ExternalDocumentLinkID,
			QuestionID:             ev.QuestionID,
			Answered:               d.AnsweredWithSentiment(),
			Total:                  total,
		})
	}
	return r.next(tc, d), nil
}

func (r *review) questionFailed(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	ev, err := saga.Decode[envelope.ReviewQuestionFailed](tc)
	if err != nil {
		return "", err
	}
	d, err := dataOf[*saga.ReviewData](tc)
	if err != nil {
		return "", err
	}
	if !slices.Contains(d.QuestionIDs, ev.QuestionID) {
		return "", saga.NewProtocolViolation("question %s is not part of review %s", ev.QuestionID, d.ReviewID)
	}

	if ev.Sentiment || d.Answers.HasCompleted(ev.QuestionID) {
		return r.sentimentFailed(tc, d, ev)
	}

	answers, _, exceeded, err := fanin.RecordFailure(d.Answers, ev.QuestionID)
	if err != nil {
		return "", faninError(err, "question "+ev.QuestionID)
	}
	sentiments, _, _, err := fanin.RecordFailure(d.Sentiments, ev.QuestionID)
	if err != nil {
		return "", faninError(err, "question "+ev.QuestionID)
	}
	d.Answers, d.Sentiments = answers, sentiments

	if exceeded {
		return tc.Fail(fmt.Sprintf("question %s failed: %s (%d failed, tolerance %d)",
			ev.QuestionID, ev.Reason, answers.FailedCount(), answers.Tolerance)), nil
	}
	return r.next(tc, d), nil
}

// sentimentFailed settles the sentiment of an answered question as failed.
// An analysis can only fail for an answer that exists, so a missing answer
// is recorded first.
func (r *review) sentimentFailed(tc *saga.TransitionContext, d *saga.ReviewData, ev envelope.ReviewQuestionFailed) (saga.State, error) {
	if !d.Answers.HasCompleted(ev.QuestionID) {
		answers, _, err := fanin.RecordCompletion(d.Answers, ev.QuestionID)
		if err != nil {
			return "", faninError(err, "answer "+ev.QuestionID)
		}
		d.Answers = answers
	}

	sentiments, _, exceeded, err := fanin.RecordFailure(d.Sentiments, ev.QuestionID)
	if err != nil {
		return "", faninError(err, "sentiment of "+ev.QuestionID)
	}
	d.Sentiments = sentiments

	if exceeded {
		return tc.Fail(fmt.Sprintf("sentiment of question %s failed: %s (%d failed, tolerance %d)",
			ev.QuestionID, ev.Reason, sentiments.FailedCount(), sentiments.Tolerance)), nil
	}
	return r.next(tc, d), nil
}

func (r *review) next(tc *saga.TransitionContext, d *saga.ReviewData) saga.State {
	switch {
	case d.Sentiments.Complete():
		total, _ := d.TotalQuestions()
		return tc.Complete(fmt.Sprintf("answered %d of %d questions, %d with sentiment",
			d.Answered(), total, d.AnsweredWithSentiment()))
	case d.Answers.Complete():
		tc.SetPhase(PhaseAnalyzing)
		return saga.StateCompleting
	default:
		return saga.StateFanningOut
	}
}
