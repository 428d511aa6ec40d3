package gdpr

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chata/mcp-bedrock-kb/pkg/pii"
)

// AuditEntry is the record written after every execution. It never carries raw
// subject identifiers.
type AuditEntry struct {
	Timestamp                time.Time `json:"timestamp"`
	RequestID                string    `json:"request_id"`
	MaskedIdentifiers        []string  `json:"masked_identifiers"`
	KnowledgeBases           []string  `json:"knowledge_bases"`
	Status                   Status    `json:"status"`
	DeletedDocumentsCount    int       `json:"deleted_documents_count"`
	DeletedVectorsCount      int       `json:"deleted_vectors_count"`
	VerificationPassed       bool      `json:"verification_passed"`
	RemainingReferencesCount int       `json:"remaining_references_count"`
}

// auditLog writes entries to the logger and, when set, as JSON lines to writer.
type auditLog struct {
	mu     sync.Mutex
	logger *slog.Logger
	writer io.Writer
}

func (a *auditLog) record(ctx context.Context, entry AuditEntry) {
	a.logger.InfoContext(ctx, "GDPR deletion completed",
		"request_id", entry.RequestID,
		"masked_identifiers", entry.MaskedIdentifiers,
		"knowledge_bases", entry.KnowledgeBases,
		"status", entry.Status,
		"deleted_documents_count", entry.DeletedDocumentsCount,
		"deleted_vectors_count", entry.DeletedVectorsCount,
		"verification_passed", entry.VerificationPassed,
		"remaining_references_count", entry.RemainingReferencesCount,
	)
	if a.writer == nil {
		return
	}

	line, err := json.Marshal(entry)
	if err != nil {
		a.logger.ErrorContext(ctx, "audit entry encoding failed", "request_id", entry.RequestID, "error", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.writer.Write(append(line, '\n')); err != nil {
		a.logger.ErrorContext(ctx, "audit entry write failed", "request_id", entry.RequestID, "error", err)
	}
}

func (m *Manager) auditEntry(ctx context.Context, req DeletionRequest, status Status, result *DeletionResult) AuditEntry {
	masked := make([]string, 0, len(req.SubjectIdentifiers))
	for _, id := range req.SubjectIdentifiers {
		masked = append(masked, m.maskIdentifier(ctx, id))
	}
	return AuditEntry{
		Timestamp:                m.clock().UTC(),
		RequestID:                req.RequestID,
		MaskedIdentifiers:        masked,
		KnowledgeBases:           append([]string(nil), req.KnowledgeBaseIDs...),
		Status:                   status,
		DeletedDocumentsCount:    len(result.DeletedDocuments),
		DeletedVectorsCount:      result.DeletedVectors,
		VerificationPassed:       result.VerificationPassed,
		RemainingReferencesCount: len(result.RemainingReferences),
	}
}

// maskIdentifier returns id with detected PII redacted. When the detector finds
// nothing, or masking is switched off, the whole identifier is replaced.
func (m *Manager) maskIdentifier(ctx context.Context, id string) string {
	masked, findings := m.detector.MaskPII(ctx, id)
	if len(findings) == 0 || masked == id {
		return pii.GenericPlaceholder
	}
	return masked
}
