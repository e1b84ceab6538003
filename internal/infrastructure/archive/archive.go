// Package archive stores terminal jobs swept out of the queue by the
// retention policy, so a dead-lettered or completed job remains inspectable
// after its row is deleted.
package archive

import (
	"context"

	"github.com/rezkam/fleetq/internal/domain"
)

// Store persists archived jobs. Implementations keep one JSON document per
// job, keyed by tenant and job id.
type Store interface {
	// Put archives the job. Overwrites any prior archive of the same job.
	Put(ctx context.Context, job *domain.Job) error

	// Get retrieves an archived job, or domain.ErrJobNotFound.
	Get(ctx context.Context, tenantID, jobID string) (*domain.Job, error)

	// List returns the archived job ids for a tenant.
	List(ctx context.Context, tenantID string) ([]string, error)
}
