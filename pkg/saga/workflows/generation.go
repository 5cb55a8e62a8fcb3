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
	"github.com/innovationmech/docflow/pkg/saga/fanin"
)

// Generation phases.
const (
	PhaseCreating   = "creating"
	PhaseOutlining  = "outlining"
	PhaseGenerating = "generating"
)

// Generation returns the table of the generation family:
//
//	Created    --GenerateDocumentRequested-->  InProgress(creating)
//	InProgress --GeneratedDocumentCreated-->   InProgress(outlining)
//	InProgress --DocumentOutlineGenerated-->   FanningOut | Completed
//	InProgress --DocumentOutlineFailed-->      Failed
//	FanningOut --ContentNodeGenerated-->       FanningOut | Completed
//	FanningOut --ContentNodeFailed-->          FanningOut | Completed | Failed
func Generation(opts Options) *saga.Table {
	opts = opts.withDefaults()
	g := &generation{tolerance: opts.GenerationFailureTolerance}

	return saga.NewTable(saga.FamilyGeneration, envelope.TypeGenerateDocumentRequested).
		OnStart(g.start, saga.StateInProgress).
		On(saga.StateInProgress, envelope.TypeGeneratedDocumentCreated, g.documentCreated,
			saga.StateInProgress).
		On(saga.StateInProgress, envelope.TypeDocumentOutlineGenerated, g.outlineGenerated,
			saga.StateFanningOut, saga.StateCompleted).
		On(saga.StateInProgress, envelope.TypeDocumentOutlineFailed, g.outlineFailed,
			saga.StateFailed).
		On(saga.StateFanningOut, envelope.TypeContentNodeGenerated, g.nodeGenerated,
			saga.StateFanningOut, saga.StateCompleted).
		On(saga.StateFanningOut, envelope.TypeContentNodeFailed, g.nodeFailed,
			saga.StateFanningOut, saga.StateCompleted, saga.StateFailed).
		MustBuild()
}

type generation struct {
	tolerance int
}

func (g *generation) start(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	req, err := saga.Decode[envelope.GenerateDocumentRequested](tc)
	if err != nil {
		return "", err
	}
	d, err := dataOf[*saga.GenerationData](tc)
	if err != nil {
		return "", err
	}

	d.DocumentProcessName = req.DocumentProcessName
	d.DocumentTitle = req.DocumentTitle
	d.AuthorOID = req.AuthorOID
	d.MetadataJSON = req.MetadataJSON
	d.Nodes = fanin.NewCounter(g.tolerance)

	tc.SetPhase(PhaseCreating)
	tc.Emit(envelope.TypeCreateGeneratedDocument, envelope.CreateGeneratedDocument{
		DocumentProcessName: req.DocumentProcessName,
		DocumentTitle:       req.DocumentTitle,
		AuthorOID:           req.AuthorOID,
		MetadataJSON:        req.MetadataJSON,
	})
	return saga.StateInProgress, nil
}

func (g *generation) documentCreated(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	ev, err := saga.Decode[envelope.GeneratedDocumentCreated](tc)
	if err != nil {
		return "", err
	}
	if tc.Instance.Phase != PhaseCreating {
		return "", saga.NewDuplicateEvent("document of %s already created", tc.Instance.CorrelationID)
	}
	d, err := dataOf[*saga.GenerationData](tc)
	if err != nil {
		return "", err
	}

	d.MetadataID = ev.MetadataID
	tc.SetPhase(PhaseOutlining)
	tc.Emit(envelope.TypeGenerateDocumentOutline, envelope.GenerateDocumentOutline{MetadataID: ev.MetadataID})
	return saga.StateInProgress, nil
}

func (g *generation) outlineGenerated(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	ev, err := saga.Decode[envelope.DocumentOutlineGenerated](tc)
	if err != nil {
		return "", err
	}
	if tc.Instance.Phase != PhaseOutlining {
		return "", saga.NewProtocolViolation("outline of %s arrived in phase %q", tc.Instance.CorrelationID, tc.Instance.Phase)
	}
	d, err := dataOf[*saga.GenerationData](tc)
	if err != nil {
		return "", err
	}

	seen := make(map[string]struct{}, len(ev.Nodes))
	for _, n := range ev.Nodes {
		if _, dup := seen[n.NodeID]; dup {
			return "", saga.NewProtocolViolation("outline lists content node %s twice", n.NodeID)
		}
		seen[n.NodeID] = struct{}{}
	}

	nodes, reached, err := fanin.SetTotal(d.Nodes, len(ev.Nodes))
	if err != nil {
		return "", faninError(err, "content node total")
	}
	d.Nodes = nodes
	if reached {
		return tc.Complete("document has no content nodes"), nil
	}

	tc.SetPhase(PhaseGenerating)
	for _, n := range ev.Nodes {
		tc.Emit(envelope.TypeGenerateContentNode, envelope.GenerateContentNode{
			MetadataID: d.MetadataID,
			Node:       n,
		})
	}
	return saga.StateFanningOut, nil
}

func (g *generation) outlineFailed(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	ev, err := saga.Decode[envelope.DocumentOutlineFailed](tc)
	if err != nil {
		return "", err
	}
	if tc.Instance.Phase != PhaseOutlining {
		return "", saga.NewProtocolViolation("outline failure of %s arrived in phase %q", tc.Instance.CorrelationID, tc.Instance.Phase)
	}
	return tc.Fail("outline generation failed: " + ev.Reason), nil
}

func (g *generation) nodeGenerated(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	ev, err := saga.Decode[envelope.ContentNodeGenerated](tc)
	if err != nil {
		return "", err
	}
	d, err := dataOf[*saga.GenerationData](tc)
	if err != nil {
		return "", err
	}

	nodes, reached, err := fanin.RecordCompletion(d.Nodes, ev.NodeID)
	if err != nil {
		return "", faninError(err, "content node "+ev.NodeID)
	}
	d.Nodes = nodes
	if reached {
		return tc.Complete(generationSummary(d)), nil
	}
	return saga.StateFanningOut, nil
}

func (g *generation) nodeFailed(_ context.Context, tc *saga.TransitionContext) (saga.State, error) {
	ev, err := saga.Decode[envelope.ContentNodeFailed](tc)
	if err != nil {
		return "", err
	}
	d, err := dataOf[*saga.GenerationData](tc)
	if err != nil {
		return "", err
	}

	nodes, reached, exceeded, err := fanin.RecordFailure(d.Nodes, ev.NodeID)
	if err != nil {
		return "", faninError(err, "content node "+ev.NodeID)
	}
	d.Nodes = nodes
	switch {
	case exceeded:
		return tc.Fail(fmt.Sprintf("content node %s failed: %s (%d failed, tolerance %d)",
			ev.NodeID, ev.Reason, nodes.FailedCount(), nodes.Tolerance)), nil
	case reached:
		return tc.Complete(generationSummary(d)), nil
	}
	return saga.StateFanningOut, nil
}

func generationSummary(d *saga.GenerationData) string {
	total, _ := d.ToGenerate()
	if failed := d.Nodes.FailedCount(); failed > 0 {
		return fmt.Sprintf("generated %d of %d content nodes, %d failed", d.Generated(), total, failed)
	}
	return fmt.Sprintf("generated %d of %d content nodes", d.Generated(), total)
}
