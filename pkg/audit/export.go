package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/operonlabs/conductor/pkg/store"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a
	// backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured")
)

// ExportRequest defines what to export.
type ExportRequest struct {
	ExecutionID string    `json:"executionId,omitempty"`
	StartTime   time.Time `json:"startTime,omitempty"`
	EndTime     time.Time `json:"endTime,omitempty"`
}

// ExportResult describes a generated archive.
type ExportResult struct {
	Checksum   string `json:"checksum"`
	EntryCount int    `json:"entryCount"`
	ObjectKey  string `json:"objectKey,omitempty"`
	SizeBytes  int    `json:"sizeBytes"`
}

// objectPutter is the slice of the S3 client the exporter needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter bundles activity entries into a checksummed zip and optionally
// uploads it to S3.
type Exporter struct {
	store  *store.Store
	s3     objectPutter
	bucket string
}

// NewExporter creates an exporter without an upload target.
func NewExporter(s *store.Store) *Exporter {
	return &Exporter{store: s}
}

// WithS3 configures an upload target via the default AWS credential chain.
func (e *Exporter) WithS3(ctx context.Context, bucket, region string) (*Exporter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}
	e.s3 = s3.NewFromConfig(cfg)
	e.bucket = bucket
	return e, nil
}

// withClient injects a client; used by tests.
func (e *Exporter) withClient(c objectPutter, bucket string) *Exporter {
	e.s3 = c
	e.bucket = bucket
	return e
}

// GeneratePack creates a zip containing the matching activity entries plus a
// manifest, uploads it when an S3 target is configured, and returns the
// archive bytes and its description.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, *ExportResult, error) {
	if e.store == nil {
		return nil, nil, ErrStoreNotConfigured
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, nil, ErrInvalidTimeRange
	}

	entries, err := e.store.QueryActivity(ctx, store.ActivityFilter{
		ExecutionID: req.ExecutionID,
		Since:       req.StartTime,
		Until:       req.EndTime,
		Limit:       100000,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("audit: query entries: %w", err)
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, nil, err
	}

	manifest := map[string]any{
		"generated_at": time.Now().UTC(),
		"entry_count":  len(entries),
		"execution_id": req.ExecutionID,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("activity.json")
	if err != nil {
		return nil, nil, err
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, nil, err
	}
	_, _ = f.Write(manifestJSON)

	if err := w.Close(); err != nil {
		return nil, nil, err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	result := &ExportResult{
		Checksum:   hex.EncodeToString(hash[:]),
		EntryCount: len(entries),
		SizeBytes:  len(zipBytes),
	}

	if e.s3 != nil && e.bucket != "" {
		key := fmt.Sprintf("activity-exports/%s.zip", time.Now().UTC().Format("20060102T150405Z"))
		_, err := e.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(e.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(zipBytes),
			ContentType: aws.String("application/zip"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("audit: upload pack: %w", err)
		}
		result.ObjectKey = key
	}

	return zipBytes, result, nil
}
