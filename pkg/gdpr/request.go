// Package gdpr runs right-to-erasure requests against knowledge bases: it finds the
// documents that mention a data subject, deletes them from object storage, re-syncs the
// vector index and then proves the subject can no longer be retrieved.
package gdpr

import (
	"context"
	"errors"
	"time"

	"github.com/chata/mcp-bedrock-kb/pkg/knowledgebase"
	"github.com/chata/mcp-bedrock-kb/pkg/pii"
	"github.com/chata/mcp-bedrock-kb/pkg/storage"
)

var (
	ErrInvalidRequest   = errors.New("gdpr: invalid deletion request")
	ErrDuplicateRequest = errors.New("gdpr: deletion request already exists")
	ErrRequestNotFound  = errors.New("gdpr: deletion request not found")
	ErrInvalidState     = errors.New("gdpr: deletion request is not pending")
	ErrSyncTimeout      = errors.New("gdpr: data source sync timed out")
)

// ── Collaborators ─────────────────────────────────────────────

// ObjectStore is the document storage the manager deletes from.
type ObjectStore interface {
	ListObjects(ctx context.Context, bucket, prefix string) ([]storage.Object, error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// KnowledgeBases resolves, re-syncs and queries knowledge bases.
type KnowledgeBases interface {
	KnowledgeBaseInfo(ctx context.Context, kbID string) (knowledgebase.Info, error)
	ListDataSources(ctx context.Context, kbID string) ([]knowledgebase.DataSource, error)
	StartIngestionJob(ctx context.Context, kbID, dsID, description string) (string, error)
	IngestionJobStatus(ctx context.Context, kbID, dsID, jobID string) (knowledgebase.JobStatus, error)
	Retrieve(ctx context.Context, kbID, query string, n int) ([]knowledgebase.RetrievalResult, error)
}

// Detector finds and masks PII.
type Detector interface {
	DetectPII(ctx context.Context, text string) []pii.Finding
	MaskPII(ctx context.Context, text string) (string, []pii.Finding)
}

// ── Request types ─────────────────────────────────────────────

// Status is a deletion request's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Verification is the outcome of the post-deletion retrieval check.
type Verification string

const (
	NotVerified        Verification = "not_verified"
	Verified           Verification = "verified"
	VerificationFailed Verification = "failed"
)

// DeletionRequest is one erasure case. SubjectIdentifiers hold raw PII and never leave
// this package unmasked except through GetDeletionStatus.
type DeletionRequest struct {
	RequestID          string       `json:"request_id"`
	SubjectIdentifiers []string     `json:"subject_identifiers"`
	KnowledgeBaseIDs   []string     `json:"knowledge_base_ids"`
	RequestedAt        time.Time    `json:"requested_at"`
	Status             Status       `json:"status"`
	DeletedDocuments   []string     `json:"deleted_documents"`
	DeletionLog        []string     `json:"deletion_log"`
	VerificationStatus Verification `json:"verification_status"`
}

func (r *DeletionRequest) clone() DeletionRequest {
	c := *r
	c.SubjectIdentifiers = append([]string(nil), r.SubjectIdentifiers...)
	c.KnowledgeBaseIDs = append([]string(nil), r.KnowledgeBaseIDs...)
	c.DeletedDocuments = append([]string(nil), r.DeletedDocuments...)
	c.DeletionLog = append([]string(nil), r.DeletionLog...)
	return c
}

// DeletionResult reports one execution. Success equals VerificationPassed.
type DeletionResult struct {
	Success             bool     `json:"success"`
	RequestID           string   `json:"request_id"`
	DeletedDocuments    []string `json:"deleted_documents"`
	DeletedVectors      int      `json:"deleted_vectors"`
	RemainingReferences []string `json:"remaining_references"`
	VerificationPassed  bool     `json:"verification_passed"`
	ErrorMessages       []string `json:"error_messages"`
	DeletionLog         []string `json:"deletion_log"`
}

// affectedDocument is an object that mentions at least one subject identifier.
type affectedDocument struct {
	KnowledgeBaseID string
	Bucket          string
	Key             string
	Size            int64
	LastModified    time.Time
}
