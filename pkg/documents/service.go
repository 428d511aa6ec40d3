// Package documents writes knowledge base documents to object storage with PII masked
// out of their content, names and metadata.
package documents

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chata/mcp-bedrock-kb/pkg/knowledgebase"
	"github.com/chata/mcp-bedrock-kb/pkg/pii"
	"github.com/chata/mcp-bedrock-kb/pkg/storage"
)

var (
	ErrUnsupportedFormat = errors.New("documents: unsupported format")
	ErrTooLarge          = errors.New("documents: content exceeds size limit")
	ErrNoBucket          = errors.New("documents: no bucket for knowledge base")
	ErrNotFound          = errors.New("documents: document not found")
	ErrInvalidContent    = errors.New("documents: invalid base64 content")
)

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 100

var contentTypes = map[string]string{
	"txt":  "text/plain",
	"md":   "text/markdown",
	"html": "text/html",
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// textFormats are the formats Upload accepts and whose bodies are masked.
var textFormats = map[string]bool{"txt": true, "md": true, "html": true}

// ObjectStore is where documents are written.
type ObjectStore interface {
	ListObjects(ctx context.Context, bucket, prefix string) ([]storage.Object, error)
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error
	HeadObject(ctx context.Context, bucket, key string) (storage.Object, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Locator resolves the bucket behind a knowledge base.
type Locator interface {
	KnowledgeBaseInfo(ctx context.Context, kbID string) (knowledgebase.Info, error)
}

// Privacy masks PII before anything is persisted.
type Privacy interface {
	MaskPII(ctx context.Context, text string) (string, []pii.Finding)
	ProcessMetadataSafely(ctx context.Context, metadata map[string]any) (map[string]any, []string)
	PIIWarning(findings []pii.Finding) string
	LogPIIDetection(ctx context.Context, content string, findings []pii.Finding, where string)
}

// Config controls bucket fallback, key layout and limits.
type Config struct {
	DefaultBucket    string
	UploadPrefix     string
	MaxFileSizeMB    int
	SupportedFormats []string
}

// DefaultConfig returns the standard document settings.
func DefaultConfig() Config {
	return Config{
		UploadPrefix:     "documents/",
		MaxFileSizeMB:    50,
		SupportedFormats: []string{"txt", "md", "html", "pdf", "docx"},
	}
}

// Result describes a written or deleted document. SecurityWarnings lists every PII
// finding that was masked or logged on the way in.
type Result struct {
	Bucket           string         `json:"bucket"`
	Key              string         `json:"key"`
	Size             int            `json:"size"`
	ContentType      string         `json:"content_type,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	SecurityWarnings []string       `json:"security_warnings,omitempty"`
	Message          string         `json:"message"`
}

// Document is one entry returned by List.
type Document struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata"`
	URL          string            `json:"url"`
}

// UploadRequest is a text document to store.
type UploadRequest struct {
	KnowledgeBaseID string
	Name            string
	Content         string
	Format          string // txt, md or html; defaults to txt
	Metadata        map[string]any
	Folder          string // overrides the upload prefix
}

// FileUpload is a base64-encoded file to store.
type FileUpload struct {
	KnowledgeBaseID string
	FileName        string
	ContentBase64   string
	ContentType     string
	Key             string // defaults to upload prefix + file name
	Metadata        map[string]any
}

// Service is the document pipeline.
type Service struct {
	store   ObjectStore
	kbs     Locator
	privacy Privacy
	cfg     Config
	formats map[string]bool
	logger  *slog.Logger
}

// NewService creates a document service. Zero Config fields take their defaults.
func NewService(store ObjectStore, kbs Locator, privacy Privacy, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.UploadPrefix == "" {
		cfg.UploadPrefix = def.UploadPrefix
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = def.MaxFileSizeMB
	}
	if len(cfg.SupportedFormats) == 0 {
		cfg.SupportedFormats = def.SupportedFormats
	}
	formats := make(map[string]bool, len(cfg.SupportedFormats))
	for _, f := range cfg.SupportedFormats {
		formats[strings.ToLower(f)] = true
	}
	return &Service{
		store:   store,
		kbs:     kbs,
		privacy: privacy,
		cfg:     cfg,
		formats: formats,
		logger:  slog.Default().With("component", "documents"),
	}
}

// bucketFor returns the knowledge base's S3 bucket, or the default bucket when it
// cannot be resolved.
func (s *Service) bucketFor(ctx context.Context, kbID string) (string, error) {
	info, err := s.kbs.KnowledgeBaseInfo(ctx, kbID)
	if err == nil && info.Bucket != "" {
		return info.Bucket, nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "knowledge base bucket lookup failed", "knowledge_base_id", kbID, "error", err)
	}
	if s.cfg.DefaultBucket != "" {
		return s.cfg.DefaultBucket, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoBucket, kbID)
}

func (s *Service) checkSize(n int) error {
	limit := s.cfg.MaxFileSizeMB << 20
	if n > limit {
		return fmt.Errorf("%w: %.2f MB exceeds %d MB", ErrTooLarge, float64(n)/(1<<20), s.cfg.MaxFileSizeMB)
	}
	return nil
}

// ── Privacy ───────────────────────────────────────────────────

type sanitized struct {
	warnings []string
}

// body masks content and records a warning when PII was found.
func (p *sanitized) body(ctx context.Context, priv Privacy, content, where string) string {
	masked, findings := priv.MaskPII(ctx, content)
	if len(findings) > 0 {
		p.warnings = append(p.warnings, priv.PIIWarning(findings))
		priv.LogPIIDetection(ctx, content, findings, where)
	}
	return masked
}

// name masks PII in a document name. A masked name is sanitized so placeholders
// do not put brackets into object keys.
func (p *sanitized) name(ctx context.Context, priv Privacy, name string) string {
	masked, findings := priv.MaskPII(ctx, name)
	if len(findings) == 0 || masked == name {
		return name
	}
	p.warnings = append(p.warnings, "PII detected in document name: "+priv.PIIWarning(findings))
	return pii.SanitizeMetadataKey(masked)
}

func (p *sanitized) metadata(ctx context.Context, priv Privacy, metadata map[string]any) map[string]any {
	safe, warnings := priv.ProcessMetadataSafely(ctx, metadata)
	p.warnings = append(p.warnings, warnings...)
	return safe
}

func stringMetadata(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// ── Operations ────────────────────────────────────────────────

// Upload stores a text document under the upload prefix, masking PII in its name,
// body and metadata. PII never fails the upload; it is reported in SecurityWarnings.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*Result, error) {
	format := strings.ToLower(req.Format)
	if format == "" {
		format = "txt"
	}
	if !textFormats[format] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	if err := s.checkSize(len(req.Content)); err != nil {
		return nil, err
	}
	bucket, err := s.bucketFor(ctx, req.KnowledgeBaseID)
	if err != nil {
		return nil, err
	}

	var p sanitized
	name := p.name(ctx, s.privacy, req.Name)
	if !strings.HasSuffix(name, "."+format) {
		name += "." + format
	}
	prefix := req.Folder
	if prefix == "" {
		prefix = s.cfg.UploadPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	key := prefix + name

	body := p.body(ctx, s.privacy, req.Content, "document upload "+key)
	meta := p.metadata(ctx, s.privacy, req.Metadata)
	contentType := contentTypes[format]

	if err := s.store.PutObject(ctx, bucket, key, []byte(body), contentType, stringMetadata(meta)); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.InfoContext(ctx, "document uploaded", "bucket", bucket, "key", key, "warnings", len(p.warnings))
	return &Result{
		Bucket:           bucket,
		Key:              key,
		Size:             len(body),
		ContentType:      contentType,
		Metadata:         meta,
		SecurityWarnings: p.warnings,
		Message:          fmt.Sprintf("Document uploaded successfully to s3://%s/%s", bucket, key),
	}, nil
}

// UploadFile stores a base64-encoded file. Text formats are masked like Upload;
// binary formats are stored as given.
func (s *Service) UploadFile(ctx context.Context, f FileUpload) (*Result, error) {
	data, err := base64.StdEncoding.DecodeString(f.ContentBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if err := s.checkSize(len(data)); err != nil {
		return nil, err
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(f.FileName), "."))
	if !s.formats[ext] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	bucket, err := s.bucketFor(ctx, f.KnowledgeBaseID)
	if err != nil {
		return nil, err
	}

	var p sanitized
	key := f.Key
	if key == "" {
		key = s.cfg.UploadPrefix + p.name(ctx, s.privacy, f.FileName)
	}
	if textFormats[ext] && utf8.Valid(data) {
		data = []byte(p.body(ctx, s.privacy, string(data), "file upload "+key))
	}
	meta := p.metadata(ctx, s.privacy, f.Metadata)
	contentType := f.ContentType
	if contentType == "" {
		contentType = contentTypes[ext]
	}

	if err := s.store.PutObject(ctx, bucket, key, data, contentType, stringMetadata(meta)); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.InfoContext(ctx, "file uploaded", "bucket", bucket, "key", key, "bytes", len(data))
	return &Result{
		Bucket:           bucket,
		Key:              key,
		Size:             len(data),
		ContentType:      contentType,
		Metadata:         meta,
		SecurityWarnings: p.warnings,
		Message:          fmt.Sprintf("File uploaded successfully to s3://%s/%s", bucket, key),
	}, nil
}

// Update replaces an existing document's body and merges new metadata over the
// stored metadata.
func (s *Service) Update(ctx context.Context, kbID, key, content string, metadata map[string]any) (*Result, error) {
	if err := s.checkSize(len(content)); err != nil {
		return nil, err
	}
	bucket, err := s.bucketFor(ctx, kbID)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.HeadObject(ctx, bucket, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", key, err)
	}

	contentType, ok := contentTypes[strings.TrimPrefix(path.Ext(key), ".")]
	if !ok {
		contentType = existing.ContentType
	}
	if contentType == "" {
		contentType = "text/plain"
	}

	var p sanitized
	body := p.body(ctx, s.privacy, content, "document update "+key)
	merged := make(map[string]any, len(existing.Metadata)+len(metadata))
	for k, v := range existing.Metadata {
		merged[k] = v
	}
	for k, v := range p.metadata(ctx, s.privacy, metadata) {
		merged[k] = v
	}

	if err := s.store.PutObject(ctx, bucket, key, []byte(body), contentType, stringMetadata(merged)); err != nil {
		return nil, fmt.Errorf("update %s: %w", key, err)
	}
	s.logger.InfoContext(ctx, "document updated", "bucket", bucket, "key", key, "warnings", len(p.warnings))
	return &Result{
		Bucket:           bucket,
		Key:              key,
		Size:             len(body),
		ContentType:      contentType,
		Metadata:         merged,
		SecurityWarnings: p.warnings,
		Message:          fmt.Sprintf("Document updated successfully: s3://%s/%s", bucket, key),
	}, nil
}

// Delete removes a document.
func (s *Service) Delete(ctx context.Context, kbID, key string) (*Result, error) {
	bucket, err := s.bucketFor(ctx, kbID)
	if err != nil {
		return nil, err
	}
	err = s.store.DeleteObject(ctx, bucket, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", key, err)
	}
	return &Result{
		Bucket:  bucket,
		Key:     key,
		Message: fmt.Sprintf("Document deleted successfully: s3://%s/%s", bucket, key),
	}, nil
}

// List returns up to limit documents under prefix with their stored metadata.
func (s *Service) List(ctx context.Context, kbID, prefix string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	bucket, err := s.bucketFor(ctx, kbID)
	if err != nil {
		return nil, err
	}
	objects, err := s.store.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kbID, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	if len(objects) > limit {
		objects = objects[:limit]
	}

	docs := make([]Document, 0, len(objects))
	for _, obj := range objects {
		meta := map[string]string{}
		if head, err := s.store.HeadObject(ctx, bucket, obj.Key); err == nil && head.Metadata != nil {
			meta = head.Metadata
		}
		docs = append(docs, Document{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			Metadata:     meta,
			URL:          fmt.Sprintf("s3://%s/%s", bucket, obj.Key),
		})
	}
	return docs, nil
}
