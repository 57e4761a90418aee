// Package athena implements the warehouse executor for AWS Athena.
//
// Athena has no cursor protocol: a query runs server-side to completion and
// its result set is paged afterwards, with the output also materialized as
// CSV under an S3 prefix. The stream pages through results and deletes the
// S3 output on Close so each run cleans up after itself.
package athena

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse"
)

const (
	pollInterval = 500 * time.Millisecond
	// Athena caps GetQueryResults pages at 1000 rows.
	maxResultsPerPage = 1000
)

// Executor executes SQL against AWS Athena.
type Executor struct{}

// NewExecutor creates an Athena executor.
func NewExecutor() *Executor { return &Executor{} }

// Type implements domain.WarehouseExecutor.
func (e *Executor) Type() domain.StorageType { return domain.StorageTypeAthena }

type storageConfig struct {
	Database     string `json:"database"`
	Workgroup    string `json:"workgroup,omitempty"`
	OutputBucket string `json:"outputBucket"`
}

type accessCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Region          string `json:"region"`
}

type clients struct {
	athena *athena.Client
	s3     *s3.Client
}

func parseConfig(raw json.RawMessage) (*storageConfig, error) {
	var cfg storageConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode Athena config: %w", err)
	}
	if cfg.Database == "" || cfg.OutputBucket == "" {
		return nil, fmt.Errorf("Athena config requires database and outputBucket")
	}
	return &cfg, nil
}

func newClients(creds domain.Credentials) (*clients, error) {
	var access accessCredentials
	if err := json.Unmarshal(creds, &access); err != nil {
		return nil, fmt.Errorf("decode Athena credentials: %w", err)
	}
	if access.AccessKeyID == "" || access.Region == "" {
		return nil, fmt.Errorf("Athena credentials require accessKeyId and region")
	}
	awsCfg := aws.Config{
		Region: access.Region,
		Credentials: aws.NewCredentialsCache(
			awscredentials.NewStaticCredentialsProvider(access.AccessKeyID, access.SecretAccessKey, ""),
		),
	}
	return &clients{athena: athena.NewFromConfig(awsCfg), s3: s3.NewFromConfig(awsCfg)}, nil
}

// ExecuteBatches implements domain.WarehouseExecutor.
func (e *Executor) ExecuteBatches(ctx context.Context, creds domain.Credentials, config json.RawMessage, definition domain.Definition, sqlText string, opts domain.ExecuteOptions) (domain.BatchStream, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}
	if sqlText == "" {
		sqlText, err = warehouse.QueryForDefinition(definition, quote)
		if err != nil {
			return nil, err
		}
	}

	cl, err := newClients(creds)
	if err != nil {
		return nil, err
	}

	outputPrefix := fmt.Sprintf("owox-data-marts/%s/", uuid.NewString())
	executionID, err := runToCompletion(ctx, cl.athena, cfg, sqlText, outputPrefix)
	if err != nil {
		// Best effort: a failed query may still have written output files.
		cleanupOutput(context.Background(), cl.s3, cfg.OutputBucket, outputPrefix)
		return nil, err
	}

	maxRows := opts.MaxRowsPerBatch
	if maxRows <= 0 || maxRows > maxResultsPerPage {
		maxRows = maxResultsPerPage
	}
	return &stream{
		clients:      cl,
		bucket:       cfg.OutputBucket,
		outputPrefix: outputPrefix,
		executionID:  executionID,
		maxRows:      maxRows,
	}, nil
}

// CreateView implements domain.WarehouseExecutor.
func (e *Executor) CreateView(ctx context.Context, creds domain.Credentials, config json.RawMessage, viewName, sqlText string) (string, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return "", err
	}
	cl, err := newClients(creds)
	if err != nil {
		return "", err
	}

	fqn := cfg.Database + "." + viewName
	ddl := fmt.Sprintf(`CREATE OR REPLACE VIEW "%s"."%s" AS %s`, cfg.Database, viewName, sqlText)
	outputPrefix := fmt.Sprintf("owox-data-marts/%s/", uuid.NewString())
	defer cleanupOutput(context.Background(), cl.s3, cfg.OutputBucket, outputPrefix)

	if _, err := runToCompletion(ctx, cl.athena, cfg, ddl, outputPrefix); err != nil {
		return "", err
	}
	return fqn, nil
}

// DryRun implements domain.WarehouseExecutor. Athena has no dry-run job type,
// so validation runs the planner via EXPLAIN.
func (e *Executor) DryRun(ctx context.Context, creds domain.Credentials, config json.RawMessage, sqlText string) (*domain.DryRunResult, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}
	cl, err := newClients(creds)
	if err != nil {
		return nil, err
	}

	outputPrefix := fmt.Sprintf("owox-data-marts/%s/", uuid.NewString())
	defer cleanupOutput(context.Background(), cl.s3, cfg.OutputBucket, outputPrefix)

	if _, err := runToCompletion(ctx, cl.athena, cfg, "EXPLAIN "+sqlText, outputPrefix); err != nil {
		var failure *queryFailedError
		if errors.As(err, &failure) {
			return &domain.DryRunResult{Valid: false, Message: failure.reason}, nil
		}
		return nil, err
	}
	return &domain.DryRunResult{Valid: true}, nil
}

type queryFailedError struct {
	executionID string
	reason      string
}

func (e *queryFailedError) Error() string {
	return fmt.Sprintf("query %s failed: %s", e.executionID, e.reason)
}

// runToCompletion starts a query and polls until it reaches a terminal state.
func runToCompletion(ctx context.Context, client *athena.Client, cfg *storageConfig, sqlText, outputPrefix string) (string, error) {
	input := &athena.StartQueryExecutionInput{
		QueryString: aws.String(sqlText),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(cfg.Database),
		},
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(fmt.Sprintf("s3://%s/%s", cfg.OutputBucket, outputPrefix)),
		},
	}
	if cfg.Workgroup != "" {
		input.WorkGroup = aws.String(cfg.Workgroup)
	}

	started, err := client.StartQueryExecution(ctx, input)
	if err != nil {
		return "", fmt.Errorf("start query: %w", err)
	}
	executionID := aws.ToString(started.QueryExecutionId)

	for {
		out, err := client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(executionID),
		})
		if err != nil {
			return "", fmt.Errorf("poll query %s: %w", executionID, err)
		}

		status := out.QueryExecution.Status
		switch status.State {
		case athenatypes.QueryExecutionStateSucceeded:
			return executionID, nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			return "", &queryFailedError{executionID: executionID, reason: aws.ToString(status.StateChangeReason)}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

type stream struct {
	clients      *clients
	bucket       string
	outputPrefix string
	executionID  string
	maxRows      int

	nextToken *string
	started   bool
	done      bool
	closed    bool
}

func (s *stream) Next(ctx context.Context) (*domain.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.done {
		return nil, io.EOF
	}

	out, err := s.clients.athena.GetQueryResults(ctx, &athena.GetQueryResultsInput{
		QueryExecutionId: aws.String(s.executionID),
		MaxResults:       aws.Int32(int32(s.maxRows)),
		NextToken:        s.nextToken,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch results for %s: %w", s.executionID, err)
	}

	columns := columnNames(out.ResultSet.ResultSetMetadata)
	resultRows := out.ResultSet.Rows
	if !s.started {
		s.started = true
		// The first result page repeats the column headers as a data row.
		if len(resultRows) > 0 {
			resultRows = resultRows[1:]
		}
	}

	rows := make([]map[string]interface{}, 0, len(resultRows))
	for _, rr := range resultRows {
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if i < len(rr.Data) && rr.Data[i].VarCharValue != nil {
				row[col] = *rr.Data[i].VarCharValue
			} else {
				row[col] = nil
			}
		}
		rows = append(rows, row)
	}

	s.nextToken = out.NextToken
	if s.nextToken == nil {
		s.done = true
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return &domain.Batch{Columns: columns, Rows: rows}, nil
}

// Close deletes the query's S3 output objects. Idempotent.
func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	cleanupOutput(context.Background(), s.clients.s3, s.bucket, s.outputPrefix)
	return nil
}

func columnNames(meta *athenatypes.ResultSetMetadata) []string {
	if meta == nil {
		return nil
	}
	columns := make([]string, 0, len(meta.ColumnInfo))
	for _, info := range meta.ColumnInfo {
		columns = append(columns, aws.ToString(info.Name))
	}
	return columns
}

// cleanupOutput removes everything under the run's output prefix. Errors are
// swallowed: leftover CSV files cost storage, not correctness.
func cleanupOutput(ctx context.Context, client *s3.Client, bucket, prefix string) {
	listed, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil || len(listed.Contents) == 0 {
		return
	}

	objects := make([]s3types.ObjectIdentifier, 0, len(listed.Contents))
	for _, obj := range listed.Contents {
		objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
	}
	_, _ = client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
}

func quote(ref string) string {
	parts := strings.Split(ref, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}
