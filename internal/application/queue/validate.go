package queue

import (
	"github.com/rezkam/fleetq/internal/domain"
)

// ValidateSpec runs the submit preconditions shared by every engine
// implementation: spec field validation plus the structural workflow check.
func ValidateSpec(spec *domain.JobSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return domain.ValidateWorkflow(spec.Payload)
}

// ResolveSpecDefaults fills the fields submit expects to be resolved when the
// spec arrives straight from a test or an internal caller rather than the
// dispatcher.
func ResolveSpecDefaults(spec *domain.JobSpec, defaultMaxRetries int) {
	if spec.TenantID == "" {
		spec.TenantID = domain.DefaultTenant
	}
	if spec.Environment == "" {
		spec.Environment = domain.DefaultEnvironment
	}
	if spec.Priority == nil {
		p := domain.NormalPriority
		spec.Priority = &p
	}
	if spec.MaxRetries == nil {
		mr := defaultMaxRetries
		spec.MaxRetries = &mr
	}
}
