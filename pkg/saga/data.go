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

package saga

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/fanin"
	"github.com/innovationmech/docflow/pkg/saga/sequencer"
)

// Data is the family specific part of an instance.
type Data interface {
	Family() Family
	Clone() Data
}

// ClaimHolder is implemented by data that owns deduplication claims. The
// orchestrator compares it with the claims a transition took to give back
// the ones that never reached the store.
type ClaimHolder interface {
	HeldClaims() []string
}

// HeldClaims returns the claims recorded in inst, if its data holds any.
func HeldClaims(inst *Instance) []string {
	if inst == nil {
		return nil
	}
	if h, ok := inst.Data.(ClaimHolder); ok {
		return h.HeldClaims()
	}
	return nil
}

// NewData returns an empty data value for family.
func NewData(f Family) (Data, error) {
	switch f {
	case FamilyGeneration:
		return &GenerationData{}, nil
	case FamilyIngestion:
		return &IngestionData{}, nil
	case FamilyReview:
		return &ReviewData{}, nil
	case FamilyValidation:
		return &ValidationData{}, nil
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unknown saga family %q", f))
	}
}

// GenerationData tracks the content nodes of a generated document.
type GenerationData struct {
	DocumentProcessName string        `json:"documentProcessName"`
	DocumentTitle       string        `json:"documentTitle"`
	AuthorOID           string        `json:"authorOid,omitempty"`
	MetadataID          string        `json:"metadataId,omitempty"`
	MetadataJSON        string        `json:"metadataJson,omitempty"`
	Nodes               fanin.Counter `json:"nodes"`
}

func (d *GenerationData) Family() Family { return FamilyGeneration }

func (d *GenerationData) Clone() Data {
	c := *d
	c.Nodes = cloneCounter(d.Nodes)
	return &c
}

// ToGenerate returns the number of content nodes and whether it is known yet.
func (d *GenerationData) ToGenerate() (int, bool) { return d.Nodes.Total, d.Nodes.TotalKnown }

// Generated returns the number of generated content nodes.
func (d *GenerationData) Generated() int { return d.Nodes.CompletedCount() }

// IngestionSource is the tagged union of ingestion variants.
type IngestionSource interface {
	Kind() envelope.SourceKind
	// DedupScope names the namespace inside which file hashes must be unique.
	DedupScope() string
	Spec() envelope.SourceSpec
}

// ProcessSource is a file uploaded to, or pulled by a plugin for, a document process.
type ProcessSource struct {
	DocumentProcessName string
	Plugin              string
}

func (s ProcessSource) Kind() envelope.SourceKind { return envelope.SourceDocumentProcess }

func (s ProcessSource) DedupScope() string {
	return string(envelope.SourceDocumentProcess) + "/" + s.DocumentProcessName
}

func (s ProcessSource) Spec() envelope.SourceSpec {
	return envelope.SourceSpec{Kind: s.Kind(), DocumentProcessName: s.DocumentProcessName, Plugin: s.Plugin}
}

// LibrarySource is a file added to a document library.
type LibrarySource struct {
	LibraryShortName string
	LibraryType      string
}

func (s LibrarySource) Kind() envelope.SourceKind { return envelope.SourceDocumentLibrary }

func (s LibrarySource) DedupScope() string {
	return string(envelope.SourceDocumentLibrary) + "/" + s.LibraryShortName
}

func (s LibrarySource) Spec() envelope.SourceSpec {
	return envelope.SourceSpec{Kind: s.Kind(), LibraryShortName: s.LibraryShortName, LibraryType: s.LibraryType}
}

// SourceFromSpec converts the wire form into a variant.
func SourceFromSpec(spec envelope.SourceSpec) (IngestionSource, error) {
	switch spec.Kind {
	case envelope.SourceDocumentProcess:
		return ProcessSource{DocumentProcessName: spec.DocumentProcessName, Plugin: spec.Plugin}, nil
	case envelope.SourceDocumentLibrary:
		return LibrarySource{LibraryShortName: spec.LibraryShortName, LibraryType: spec.LibraryType}, nil
	default:
		return nil, NewValidationError(fmt.Sprintf("unknown ingestion source kind %q", spec.Kind))
	}
}

// IngestionData tracks one file through the ingestion stages.
type IngestionData struct {
	Source                  IngestionSource    `json:"-"`
	FileName                string             `json:"fileName"`
	OriginalDocumentURL     string             `json:"originalDocumentUrl,omitempty"`
	SourceRef               string             `json:"sourceRef"`
	UploadedByUserOID       string             `json:"uploadedByUserOid,omitempty"`
	FileHash                string             `json:"fileHash,omitempty"`
	DocumentID              string             `json:"documentId,omitempty"`
	ClassificationShortCode string             `json:"classificationShortCode,omitempty"`
	DedupKey                string             `json:"dedupKey,omitempty"`
	Stages                  sequencer.Progress `json:"stages"`
}

func (d *IngestionData) Family() Family { return FamilyIngestion }

func (d *IngestionData) Clone() Data {
	c := *d
	c.Stages = cloneProgress(d.Stages)
	return &c
}

// DocumentCreated reports whether a document record exists that must be
// compensated if the ingestion fails.
func (d *IngestionData) DocumentCreated() bool { return d.DocumentID != "" }

func (d *IngestionData) HeldClaims() []string {
	if d.DedupKey == "" {
		return nil
	}
	return []string{d.DedupKey}
}

// DedupKeyFor returns the deduplication key of hash within the source scope.
func (d *IngestionData) DedupKeyFor(hash string) string {
	if d.Source == nil || hash == "" {
		return ""
	}
	return d.Source.DedupScope() + "#" + hash
}

// MarshalJSON writes the source variant in its wire form.
func (d IngestionData) MarshalJSON() ([]byte, error) {
	type plain IngestionData
	var src *envelope.SourceSpec
	if d.Source != nil {
		s := d.Source.Spec()
		src = &s
	}
	return json.Marshal(struct {
		plain
		Source *envelope.SourceSpec `json:"source,omitempty"`
	}{plain(d), src})
}

// UnmarshalJSON restores the source variant from its discriminator.
func (d *IngestionData) UnmarshalJSON(b []byte) error {
	type plain IngestionData
	var doc struct {
		plain
		Source *envelope.SourceSpec `json:"source,omitempty"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*d = IngestionData(doc.plain)
	if doc.Source != nil {
		src, err := SourceFromSpec(*doc.Source)
		if err != nil {
			return err
		}
		d.Source = src
	}
	return nil
}

// ReviewData tracks answers and sentiment analyses of a review execution.
// Answers and Sentiments are independent fan-in gates over the same
// question ids.
type ReviewData struct {
	ReviewID               string        `json:"reviewId"`
	DocumentRef            string        `json:"documentRef"`
	ExternalDocumentLinkID string        `json:"externalDocumentLinkId,omitempty"`
	QuestionIDs            []string      `json:"questionIds,omitempty"`
	Answers                fanin.Counter `json:"answers"`
	Sentiments             fanin.Counter `json:"sentiments"`
}

func (d *ReviewData) Family() Family { return FamilyReview }

func (d *ReviewData) Clone() Data {
	c := *d
	c.QuestionIDs = slices.Clone(d.QuestionIDs)
	c.Answers = cloneCounter(d.Answers)
	c.Sentiments = cloneCounter(d.Sentiments)
	return &c
}

// TotalQuestions returns the number of questions and whether it is known yet.
func (d *ReviewData) TotalQuestions() (int, bool) { return d.Answers.Total, d.Answers.TotalKnown }

// Answered returns the number of answered questions.
func (d *ReviewData) Answered() int { return d.Answers.CompletedCount() }

// AnsweredWithSentiment returns the number of answers with a sentiment.
func (d *ReviewData) AnsweredWithSentiment() int { return d.Sentiments.CompletedCount() }

// ValidationData tracks a generated document through a validation pipeline.
type ValidationData struct {
	GeneratedDocumentID string             `json:"generatedDocumentId"`
	PipelineName        string             `json:"pipelineName,omitempty"`
	Steps               sequencer.Progress `json:"steps"`
}

func (d *ValidationData) Family() Family { return FamilyValidation }

func (d *ValidationData) Clone() Data {
	c := *d
	c.Steps = cloneProgress(d.Steps)
	return &c
}

func cloneCounter(c fanin.Counter) fanin.Counter {
	c.Completed = slices.Clone(c.Completed)
	c.Failed = slices.Clone(c.Failed)
	return c
}

func cloneProgress(p sequencer.Progress) sequencer.Progress {
	p.Steps = slices.Clone(p.Steps)
	p.Results = slices.Clone(p.Results)
	return p
}
