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
	"sync"
	"time"
)

// Kind classifies message types.
type Kind string

const (
	KindUnknown  Kind = ""
	KindTrigger  Kind = "trigger"
	KindCommand  Kind = "command"
	KindEvent    Kind = "event"
	KindControl  Kind = "control"
	KindTerminal Kind = "terminal"

	KindNotification Kind = "notification"
)

// Triggers create a saga instance.
const (
	TypeGenerateDocumentRequested = "GenerateDocumentRequested"
	TypeIngestDocumentRequested   = "IngestDocumentRequested"
	TypeExecuteReviewRequested    = "ExecuteReviewRequested"
	TypeStartValidationPipeline   = "StartValidationPipeline"
)

// Commands are sent by the orchestrator to step executors.
const (
	TypeCreateGeneratedDocument      = "CreateGeneratedDocument"
	TypeGenerateDocumentOutline      = "GenerateDocumentOutline"
	TypeGenerateContentNode          = "GenerateContentNode"
	TypeIngestFile                   = "IngestFile"
	TypeDiscardIngestedDocument      = "DiscardIngestedDocument"
	TypeIngestReviewDocument         = "IngestReviewDocument"
	TypeAnswerReviewQuestion         = "AnswerReviewQuestion"
	TypeAnalyzeReviewAnswerSentiment = "AnalyzeReviewAnswerSentiment"
	TypeRunValidationStep            = "RunValidationStep"
)

// Events are reported by step executors.
const (
	TypeGeneratedDocumentCreated = "GeneratedDocumentCreated"
	TypeDocumentOutlineGenerated = "DocumentOutlineGenerated"
	TypeDocumentOutlineFailed    = "DocumentOutlineFailed"
	TypeContentNodeGenerated     = "ContentNodeGenerated"
	TypeContentNodeFailed        = "ContentNodeFailed"
	TypeIngestionCompleted       = "IngestionCompleted"
	TypeIngestionCompensated     = "IngestionCompensated"
	TypeReviewDocumentIngested   = "ReviewDocumentIngested"
	TypeQuestionAnswered         = "QuestionAnswered"
	TypeReviewQuestionFailed     = "ReviewQuestionFailed"
	TypeValidationStepCompleted  = "ValidationStepCompleted"
)

// Notifications report progress to the CRUD layer; nothing waits on them.
const (
	TypeReviewQuestionAnsweredNotification = "ReviewQuestionAnsweredNotification"
)

// Control events are accepted in every non-terminal state.
const (
	TypeCancelRequested = "CancelRequested"
	TypeDeadlineExpired = "DeadlineExpired"
)

// Terminal events are consumed by the CRUD layer.
const (
	TypeWorkflowCompleted = "WorkflowCompleted"
	TypeWorkflowFailed    = "WorkflowFailed"
)

var (
	kindsMu sync.RWMutex
	kinds   = map[string]Kind{
		TypeGenerateDocumentRequested: KindTrigger,
		TypeIngestDocumentRequested:   KindTrigger,
		TypeExecuteReviewRequested:    KindTrigger,
		TypeStartValidationPipeline:   KindTrigger,

		TypeCreateGeneratedDocument:      KindCommand,
		TypeGenerateDocumentOutline:      KindCommand,
		TypeGenerateContentNode:          KindCommand,
		TypeIngestFile:                   KindCommand,
		TypeDiscardIngestedDocument:      KindCommand,
		TypeIngestReviewDocument:         KindCommand,
		TypeAnswerReviewQuestion:         KindCommand,
		TypeAnalyzeReviewAnswerSentiment: KindCommand,
		TypeRunValidationStep:            KindCommand,

		TypeGeneratedDocumentCreated: KindEvent,
		TypeDocumentOutlineGenerated: KindEvent,
		TypeDocumentOutlineFailed:    KindEvent,
		TypeContentNodeGenerated:     KindEvent,
		TypeContentNodeFailed:        KindEvent,
		TypeIngestionCompleted:       KindEvent,
		TypeIngestionCompensated:     KindEvent,
		TypeReviewDocumentIngested:   KindEvent,
		TypeQuestionAnswered:         KindEvent,
		TypeReviewQuestionFailed:     KindEvent,
		TypeValidationStepCompleted:  KindEvent,

		TypeCancelRequested: KindControl,
		TypeDeadlineExpired: KindControl,

		TypeWorkflowCompleted: KindTerminal,
		TypeWorkflowFailed:    KindTerminal,

		TypeReviewQuestionAnsweredNotification: KindNotification,
	}
)

// KindOf returns the kind registered for msgType.
func KindOf(msgType string) Kind {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	return kinds[msgType]
}

// RegisterKind registers an additional message type.
func RegisterKind(msgType string, kind Kind) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[msgType] = kind
}

// Inbound reports whether messages of kind k are consumed by the orchestrator.
func (k Kind) Inbound() bool {
	return k == KindTrigger || k == KindEvent || k == KindControl
}

// SourceKind discriminates the ingestion variants.
type SourceKind string

const (
	SourceDocumentProcess SourceKind = "document_process"
	SourceDocumentLibrary SourceKind = "document_library"
)

// SourceSpec describes where an ingested file belongs.
type SourceSpec struct {
	Kind                SourceKind `json:"kind" validate:"required,oneof=document_process document_library"`
	DocumentProcessName string     `json:"documentProcessName,omitempty" validate:"required_if=Kind document_process"`
	Plugin              string     `json:"plugin,omitempty"`
	LibraryShortName    string     `json:"libraryShortName,omitempty" validate:"required_if=Kind document_library"`
	LibraryType         string     `json:"libraryType,omitempty"`
}

// NodeSpec describes one content node to generate.
type NodeSpec struct {
	NodeID   string `json:"nodeId" validate:"required"`
	Title    string `json:"title,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	Order    int    `json:"order"`
	Prompt   string `json:"prompt,omitempty"`
}

// GenerateDocumentRequested starts a generation saga.
type GenerateDocumentRequested struct {
	DocumentProcessName string `json:"documentProcessName" validate:"required"`
	DocumentTitle       string `json:"documentTitle" validate:"required"`
	AuthorOID           string `json:"authorOid,omitempty"`
	MetadataJSON        string `json:"metadataJson,omitempty"`
}

// IngestDocumentRequested starts an ingestion saga.
type IngestDocumentRequested struct {
	Source              SourceSpec `json:"source"`
	FileName            string     `json:"fileName" validate:"required"`
	OriginalDocumentURL string     `json:"originalDocumentUrl,omitempty" validate:"omitempty,url"`
	SourceRef           string     `json:"sourceRef" validate:"required"`
	UploadedByUserOID   string     `json:"uploadedByUserOid,omitempty"`
}

// ExecuteReviewRequested starts a review execution saga.
type ExecuteReviewRequested struct {
	ReviewID    string `json:"reviewId" validate:"required"`
	DocumentRef string `json:"documentRef" validate:"required"`
}

// StartValidationPipeline starts a validation saga. Either PipelineName or
// Steps selects the steps; Steps wins when both are set.
type StartValidationPipeline struct {
	GeneratedDocumentID string   `json:"generatedDocumentId" validate:"required"`
	PipelineName        string   `json:"pipelineName,omitempty"`
	Steps               []string `json:"steps,omitempty" validate:"omitempty,dive,required"`
	FailurePolicy       string   `json:"failurePolicy,omitempty" validate:"omitempty,oneof=abort continue"`
}

// CreateGeneratedDocument asks an executor to create the document record.
type CreateGeneratedDocument struct {
	DocumentProcessName string `json:"documentProcessName"`
	DocumentTitle       string `json:"documentTitle"`
	AuthorOID           string `json:"authorOid,omitempty"`
	MetadataJSON        string `json:"metadataJson,omitempty"`
}

// GenerateDocumentOutline asks an executor to produce the outline.
type GenerateDocumentOutline struct {
	MetadataID string `json:"metadataId"`
}

// GenerateContentNode asks an executor to produce one content node.
type GenerateContentNode struct {
	MetadataID string   `json:"metadataId"`
	Node       NodeSpec `json:"node"`
}

// IngestFile asks an executor to run one ingestion stage.
type IngestFile struct {
	SourceRef  string     `json:"sourceRef"`
	Stage      string     `json:"stage"`
	StageIndex int        `json:"stageIndex"`
	FileHash   string     `json:"fileHash,omitempty"`
	DocumentID string     `json:"documentId,omitempty"`
	Source     SourceSpec `json:"source"`
}

// DiscardIngestedDocument compensates a document created by an ingestion
// that later failed.
type DiscardIngestedDocument struct {
	DocumentID string `json:"documentId"`
	FileHash   string `json:"fileHash,omitempty"`
	Reason     string `json:"reason"`
}

// IngestReviewDocument asks an executor to ingest the reviewed artifact.
type IngestReviewDocument struct {
	ReviewID    string `json:"reviewId"`
	DocumentRef string `json:"documentRef"`
}

// AnswerReviewQuestion asks an executor to answer one review question.
type AnswerReviewQuestion struct {
	ExternalDocumentLinkID string `json:"externalDocumentLinkId"`
	QuestionID             string `json:"questionId"`
}

// AnalyzeReviewAnswerSentiment asks an executor to score one answer.
type AnalyzeReviewAnswerSentiment struct {
	ExternalDocumentLinkID string `json:"externalDocumentLinkId"`
	QuestionID             string `json:"questionId"`
}

// RunValidationStep asks an executor to run one validation step.
type RunValidationStep struct {
	GeneratedDocumentID string `json:"generatedDocumentId"`
	StepType            string `json:"stepType"`
	StepIndex           int    `json:"stepIndex"`
}

// GeneratedDocumentCreated reports the created document record.
type GeneratedDocumentCreated struct {
	MetadataID string `json:"metadataId" validate:"required"`
}

// DocumentOutlineGenerated reports the outline and its content nodes.
type DocumentOutlineGenerated struct {
	Nodes []NodeSpec `json:"nodes" validate:"dive"`
}

// DocumentOutlineFailed reports that no outline could be produced.
type DocumentOutlineFailed struct {
	Reason string `json:"reason" validate:"required"`
}

// ContentNodeGenerated reports one finished content node.
type ContentNodeGenerated struct {
	NodeID string `json:"nodeId" validate:"required"`
}

// ContentNodeFailed reports one content node that could not be generated.
type ContentNodeFailed struct {
	NodeID string `json:"nodeId" validate:"required"`
	Reason string `json:"reason"`
}

// IngestionOutcome is the result of one ingestion stage.
type IngestionOutcome struct {
	Stage                   string `json:"stage" validate:"required"`
	StageIndex              int    `json:"stageIndex" validate:"min=0"`
	Status                  string `json:"status" validate:"required,oneof=succeeded failed skipped"`
	FileHash                string `json:"fileHash,omitempty"`
	DocumentID              string `json:"documentId,omitempty"`
	ClassificationShortCode string `json:"classificationShortCode,omitempty"`
	Reason                  string `json:"reason,omitempty"`
}

// IngestionCompleted reports the outcome of one ingestion stage.
type IngestionCompleted struct {
	Outcome IngestionOutcome `json:"outcome"`
}

// IngestionCompensated reports that a discarded document has been removed.
type IngestionCompensated struct {
	DocumentID string `json:"documentId,omitempty"`
}

// ReviewDocumentIngested reports the ingested review artifact and its questions.
type ReviewDocumentIngested struct {
	ExternalDocumentLinkID string   `json:"externalDocumentLinkId" validate:"required"`
	QuestionIDs            []string `json:"questionIds" validate:"dive,required"`
}

// QuestionAnswered reports an answered question. HasSentiment is set once
// the answer's sentiment has been analysed as well.
type QuestionAnswered struct {
	QuestionID   string `json:"questionId" validate:"required"`
	HasSentiment bool   `json:"hasSentiment"`
}

// ReviewQuestionFailed reports a question that could not be answered, or
// with Sentiment set, an answer whose sentiment could not be analysed.
type ReviewQuestionFailed struct {
	QuestionID string `json:"questionId" validate:"required"`
	Reason     string `json:"reason"`
	Sentiment  bool   `json:"sentiment,omitempty"`
}

// ReviewQuestionAnsweredNotification is published once an answer and its
// sentiment are both recorded.
type ReviewQuestionAnsweredNotification struct {
	ReviewID               string `json:"reviewId"`
	ExternalDocumentLinkID string `json:"externalDocumentLinkId"`
	QuestionID             string `json:"questionId"`
	Answered               int    `json:"answered"`
	Total                  int    `json:"total"`
}

// ValidationStepCompleted reports the result of one validation step.
type ValidationStepCompleted struct {
	StepIndex int    `json:"stepIndex" validate:"min=0"`
	Status    string `json:"status" validate:"required,oneof=succeeded failed skipped"`
	Result    string `json:"result,omitempty"`
}

// CancelRequested cancels a running saga.
type CancelRequested struct {
	Reason string `json:"reason" validate:"required"`
}

// DeadlineExpired is injected when a saga outlives its deadline.
type DeadlineExpired struct {
	Deadline time.Time `json:"deadline"`
}

// WorkflowCompleted is published once a saga completes.
type WorkflowCompleted struct {
	Family  string `json:"family"`
	Summary string `json:"summary"`
}

// WorkflowFailed is published once a saga fails.
type WorkflowFailed struct {
	Family string `json:"family"`
	Reason string `json:"reason"`
}
