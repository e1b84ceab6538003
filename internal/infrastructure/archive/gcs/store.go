package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/rezkam/fleetq/internal/domain"
)

// Store is a GCS-based archive. One JSON object per job, keyed by tenant and
// job id.
type Store struct {
	client *storage.Client
	bucket string
}

// NewStore creates a GCS archive. It assumes the client is authenticated
// (e.g. via GOOGLE_APPLICATION_CREDENTIALS).
func NewStore(ctx context.Context, bucketName string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{
		client: client,
		bucket: bucketName,
	}, nil
}

func objectName(tenantID, jobID string) string {
	return fmt.Sprintf("%s/%s.json", tenantID, jobID)
}

// Put implements archive.Store.
func (s *Store) Put(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	w := s.client.Bucket(s.bucket).Object(objectName(job.TenantID, job.ID)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive object: %w", err)
	}
	return nil
}

// Get implements archive.Store.
func (s *Store) Get(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	r, err := s.client.Bucket(s.bucket).Object(objectName(tenantID, jobID)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive object: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// List implements archive.Store.
func (s *Store) List(ctx context.Context, tenantID string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: tenantID + "/"})

	var ids []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list archive objects: %w", err)
		}
		name := strings.TrimPrefix(attrs.Name, tenantID+"/")
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
