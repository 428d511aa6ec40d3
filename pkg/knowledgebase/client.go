// Package knowledgebase wraps the Bedrock knowledge base control and runtime APIs.
package knowledgebase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	agenttypes "github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	runtimetypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
)

var (
	// ErrIngestionInProgress is returned when a data source already has a running job.
	ErrIngestionInProgress = errors.New("knowledgebase: ingestion job already in progress")
	// ErrNotFound is returned for unknown knowledge bases, data sources or jobs.
	ErrNotFound = errors.New("knowledgebase: not found")
	// ErrNoS3DataSource is returned when no data source of a knowledge base reads from S3.
	ErrNoS3DataSource = errors.New("knowledgebase: no S3 data source")
)

// DefaultResults is the retrieval depth used when a caller passes n <= 0.
const DefaultResults = 5

// JobStatus is an ingestion job's state as reported by Bedrock.
type JobStatus string

const (
	JobStarting   JobStatus = "STARTING"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobComplete   JobStatus = "COMPLETE"
	JobFailed     JobStatus = "FAILED"
	JobStopped    JobStatus = "STOPPED"
)

// Terminal reports whether the job will not change state again.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed || s == JobStopped
}

// Info describes a knowledge base and the S3 location its documents live in.
type Info struct {
	ID           string
	Name         string
	Status       string
	Bucket       string
	Prefix       string
	DataSourceID string
}

// DataSource is a summary of one knowledge base data source.
type DataSource struct {
	ID     string
	Name   string
	Status string
}

// RetrievalResult is one vector search hit.
type RetrievalResult struct {
	Text     string
	Score    float64
	Location string
}

// Answer is a generated response grounded on retrieved passages.
type Answer struct {
	Text      string
	SessionID string
	Citations int
}

// AgentAPI is the subset of the bedrockagent client used here.
type AgentAPI interface {
	GetKnowledgeBase(ctx context.Context, in *bedrockagent.GetKnowledgeBaseInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetKnowledgeBaseOutput, error)
	ListDataSources(ctx context.Context, in *bedrockagent.ListDataSourcesInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.ListDataSourcesOutput, error)
	GetDataSource(ctx context.Context, in *bedrockagent.GetDataSourceInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetDataSourceOutput, error)
	StartIngestionJob(ctx context.Context, in *bedrockagent.StartIngestionJobInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.StartIngestionJobOutput, error)
	GetIngestionJob(ctx context.Context, in *bedrockagent.GetIngestionJobInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetIngestionJobOutput, error)
}

// RuntimeAPI is the subset of the bedrockagentruntime client used here.
type RuntimeAPI interface {
	Retrieve(ctx context.Context, in *bedrockagentruntime.RetrieveInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error)
	RetrieveAndGenerate(ctx context.Context, in *bedrockagentruntime.RetrieveAndGenerateInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveAndGenerateOutput, error)
}

// Client talks to Bedrock knowledge bases.
type Client struct {
	agent   AgentAPI
	runtime RuntimeAPI
	logger  *slog.Logger
}

// New wraps already-built API clients.
func New(agent AgentAPI, runtime RuntimeAPI) *Client {
	return &Client{
		agent:   agent,
		runtime: runtime,
		logger:  slog.Default().With("component", "knowledgebase"),
	}
}

// NewFromConfig builds both Bedrock clients from a loaded AWS config.
func NewFromConfig(awsCfg aws.Config) *Client {
	return New(bedrockagent.NewFromConfig(awsCfg), bedrockagentruntime.NewFromConfig(awsCfg))
}

// ── Control plane ─────────────────────────────────────────────

// KnowledgeBaseInfo resolves a knowledge base and the bucket and prefix of its first
// S3 data source.
func (c *Client) KnowledgeBaseInfo(ctx context.Context, kbID string) (Info, error) {
	kb, err := c.agent.GetKnowledgeBase(ctx, &bedrockagent.GetKnowledgeBaseInput{
		KnowledgeBaseId: aws.String(kbID),
	})
	if err != nil {
		return Info{}, fmt.Errorf("get knowledge base %s: %w", kbID, mapError(err))
	}
	info := Info{ID: kbID}
	if kb.KnowledgeBase != nil {
		info.Name = aws.ToString(kb.KnowledgeBase.Name)
		info.Status = string(kb.KnowledgeBase.Status)
	}

	sources, err := c.ListDataSources(ctx, kbID)
	if err != nil {
		return Info{}, err
	}
	for _, ds := range sources {
		out, err := c.agent.GetDataSource(ctx, &bedrockagent.GetDataSourceInput{
			KnowledgeBaseId: aws.String(kbID),
			DataSourceId:    aws.String(ds.ID),
		})
		if err != nil {
			return Info{}, fmt.Errorf("get data source %s/%s: %w", kbID, ds.ID, mapError(err))
		}
		s3cfg := s3Configuration(out.DataSource)
		if s3cfg == nil || aws.ToString(s3cfg.BucketArn) == "" {
			continue
		}
		info.Bucket = BucketFromARN(aws.ToString(s3cfg.BucketArn))
		if len(s3cfg.InclusionPrefixes) > 0 {
			info.Prefix = s3cfg.InclusionPrefixes[0]
		}
		info.DataSourceID = ds.ID
		return info, nil
	}
	return Info{}, fmt.Errorf("knowledge base %s: %w", kbID, ErrNoS3DataSource)
}

func s3Configuration(ds *agenttypes.DataSource) *agenttypes.S3DataSourceConfiguration {
	if ds == nil || ds.DataSourceConfiguration == nil {
		return nil
	}
	return ds.DataSourceConfiguration.S3Configuration
}

// BucketFromARN returns the bucket name of an "arn:aws:s3:::bucket" ARN.
func BucketFromARN(arn string) string {
	if i := strings.LastIndex(arn, ":"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// ListDataSources returns every data source of a knowledge base.
func (c *Client) ListDataSources(ctx context.Context, kbID string) ([]DataSource, error) {
	var out []DataSource
	pages := bedrockagent.NewListDataSourcesPaginator(c.agent, &bedrockagent.ListDataSourcesInput{
		KnowledgeBaseId: aws.String(kbID),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list data sources for %s: %w", kbID, mapError(err))
		}
		for _, s := range page.DataSourceSummaries {
			out = append(out, DataSource{
				ID:     aws.ToString(s.DataSourceId),
				Name:   aws.ToString(s.Name),
				Status: string(s.Status),
			})
		}
	}
	return out, nil
}

// StartIngestionJob starts a sync of one data source and returns the job ID.
func (c *Client) StartIngestionJob(ctx context.Context, kbID, dsID, description string) (string, error) {
	in := &bedrockagent.StartIngestionJobInput{
		KnowledgeBaseId: aws.String(kbID),
		DataSourceId:    aws.String(dsID),
	}
	if description != "" {
		in.Description = aws.String(description)
	}
	out, err := c.agent.StartIngestionJob(ctx, in)
	if err != nil {
		return "", fmt.Errorf("start ingestion %s/%s: %w", kbID, dsID, mapError(err))
	}
	if out.IngestionJob == nil {
		return "", fmt.Errorf("start ingestion %s/%s: empty response", kbID, dsID)
	}
	jobID := aws.ToString(out.IngestionJob.IngestionJobId)
	c.logger.InfoContext(ctx, "ingestion job started", "knowledge_base_id", kbID, "data_source_id", dsID, "job_id", jobID)
	return jobID, nil
}

// IngestionJobStatus reports the state of an ingestion job.
func (c *Client) IngestionJobStatus(ctx context.Context, kbID, dsID, jobID string) (JobStatus, error) {
	out, err := c.agent.GetIngestionJob(ctx, &bedrockagent.GetIngestionJobInput{
		KnowledgeBaseId: aws.String(kbID),
		DataSourceId:    aws.String(dsID),
		IngestionJobId:  aws.String(jobID),
	})
	if err != nil {
		return "", fmt.Errorf("get ingestion job %s: %w", jobID, mapError(err))
	}
	if out.IngestionJob == nil {
		return "", fmt.Errorf("get ingestion job %s: empty response", jobID)
	}
	return JobStatus(out.IngestionJob.Status), nil
}

// ── Runtime ───────────────────────────────────────────────────

// Retrieve runs a vector search and returns up to n hits.
func (c *Client) Retrieve(ctx context.Context, kbID, query string, n int) ([]RetrievalResult, error) {
	if n <= 0 {
		n = DefaultResults
	}
	out, err := c.runtime.Retrieve(ctx, &bedrockagentruntime.RetrieveInput{
		KnowledgeBaseId: aws.String(kbID),
		RetrievalQuery:  &runtimetypes.KnowledgeBaseQuery{Text: aws.String(query)},
		RetrievalConfiguration: &runtimetypes.KnowledgeBaseRetrievalConfiguration{
			VectorSearchConfiguration: &runtimetypes.KnowledgeBaseVectorSearchConfiguration{
				NumberOfResults: aws.Int32(int32(n)),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve from %s: %w", kbID, mapError(err))
	}

	results := make([]RetrievalResult, 0, len(out.RetrievalResults))
	for _, r := range out.RetrievalResults {
		res := RetrievalResult{Score: aws.ToFloat64(r.Score)}
		if r.Content != nil {
			res.Text = aws.ToString(r.Content.Text)
		}
		if r.Location != nil && r.Location.S3Location != nil {
			res.Location = aws.ToString(r.Location.S3Location.Uri)
		}
		results = append(results, res)
	}
	return results, nil
}

// RetrieveAndGenerate answers query with modelARN grounded on the knowledge base.
func (c *Client) RetrieveAndGenerate(ctx context.Context, kbID, modelARN, query string) (Answer, error) {
	out, err := c.runtime.RetrieveAndGenerate(ctx, &bedrockagentruntime.RetrieveAndGenerateInput{
		Input: &runtimetypes.RetrieveAndGenerateInput{Text: aws.String(query)},
		RetrieveAndGenerateConfiguration: &runtimetypes.RetrieveAndGenerateConfiguration{
			Type: runtimetypes.RetrieveAndGenerateTypeKnowledgeBase,
			KnowledgeBaseConfiguration: &runtimetypes.KnowledgeBaseRetrieveAndGenerateConfiguration{
				KnowledgeBaseId: aws.String(kbID),
				ModelArn:        aws.String(modelARN),
			},
		},
	})
	if err != nil {
		return Answer{}, fmt.Errorf("retrieve and generate from %s: %w", kbID, mapError(err))
	}
	a := Answer{SessionID: aws.ToString(out.SessionId), Citations: len(out.Citations)}
	if out.Output != nil {
		a.Text = aws.ToString(out.Output.Text)
	}
	return a, nil
}

func mapError(err error) error {
	var conflict *agenttypes.ConflictException
	if errors.As(err, &conflict) {
		return fmt.Errorf("%w: %v", ErrIngestionInProgress, err)
	}
	var agentMissing *agenttypes.ResourceNotFoundException
	var runtimeMissing *runtimetypes.ResourceNotFoundException
	if errors.As(err, &agentMissing) || errors.As(err, &runtimeMissing) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
