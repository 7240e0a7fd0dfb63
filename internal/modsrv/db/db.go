// Package db defines the persistence ports for the module service. The
// orchestrator and catalog manager depend only on these interfaces; adapters
// live in db/postgresql and db/memory. The interfaces are split by concern so
// each can be wrapped (caching the read-mostly catalog is the prime
// candidate) without touching the others.
package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/modforge/modforge-internal/internal/common/apperrors"
	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

// CatalogStore persists immutable module definitions.
type CatalogStore interface {
	// CreateModule inserts a new module definition. Returns
	// dberror.ErrAlreadyExists when the name is taken.
	CreateModule(ctx context.Context, module *models.Module) apperrors.Error
	// GetModule returns the definition for name, or dberror.ErrNotFound.
	GetModule(ctx context.Context, name string) (*models.Module, apperrors.Error)
	// ListModules returns all definitions ordered by name.
	ListModules(ctx context.Context) ([]*models.Module, apperrors.Error)
	// UpdateModuleStatus moves a module from one lifecycle status to another.
	// Returns dberror.ErrNotFound when no such module exists and
	// dberror.ErrStateMismatch when the module is not in the from status.
	// reason is recorded only for transitions to deprecated.
	UpdateModuleStatus(ctx context.Context, name string, from, to models.ModuleStatus, reason string) apperrors.Error
}

// TenantModuleStore persists per-tenant installation state. TransitionStatus
// is the single compare-and-set primitive that enforces the one-in-flight-job
// exclusivity guarantee, so concurrent submissions for the same
// (tenant, module) serialize on it.
type TenantModuleStore interface {
	// GetTenantModule returns the record for (tenantID, moduleName), or
	// dberror.ErrNotFound.
	GetTenantModule(ctx context.Context, tenantID modcommon.TenantId, moduleName string) (*models.TenantModule, apperrors.Error)
	// ListTenantModules returns all records for a tenant ordered by module name.
	ListTenantModules(ctx context.Context, tenantID modcommon.TenantId) ([]*models.TenantModule, apperrors.Error)
	// TransitionStatus atomically moves the record to the given status and
	// job ID, provided its current status is one of from. A missing record
	// counts as not_installed and is created on demand. On success the
	// updated record is returned. When the guard fails the current record is
	// returned together with dberror.ErrStateMismatch so the caller can
	// inspect the in-flight job.
	TransitionStatus(ctx context.Context, tenantID modcommon.TenantId, moduleName string, from []models.TenantModuleStatus, to models.TenantModuleStatus, jobID *uuid.UUID) (*models.TenantModule, apperrors.Error)
}

// TenantTransition is a tenant-module status write applied atomically with a
// step result. Transitions for modules attached to another in-flight job are
// skipped rather than applied, so one job never clobbers another's state.
type TenantTransition struct {
	TenantID         modcommon.TenantId
	ModuleName       string
	To               models.TenantModuleStatus
	SetInstalledAt   bool
	SetConfiguration json.RawMessage
	ClearConfig      bool
	ClearJobID       bool
}

// StepResult records the outcome of one step, optionally finalizing the job
// and transitioning tenant-module records in the same write. Order 0 means
// no step is updated, which lets a job be finalized before any step ran
// (e.g. when the submission could not be queued).
type StepResult struct {
	Order       int
	Status      models.StepStatus
	Error       string
	CompletedAt time.Time

	// JobStatus, when non-nil, moves the job to a terminal status with
	// JobError and CompletedAt.
	JobStatus *models.JobStatus
	JobError  string

	Transitions []TenantTransition
}

// JobStore persists installation jobs and their steps. RecordStepResult must
// apply the step update, the job update and the tenant transitions atomically
// (all or nothing), so a crash mid-step cannot leave job and tenant-module
// state inconsistent with each other.
type JobStore interface {
	// CreateJob inserts a job together with its steps.
	CreateJob(ctx context.Context, job *models.Job) apperrors.Error
	// GetJob returns the job with its steps, or dberror.ErrNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, apperrors.Error)
	// ListJobsByTenant returns a tenant's jobs, newest first.
	ListJobsByTenant(ctx context.Context, tenantID modcommon.TenantId) ([]*models.Job, apperrors.Error)
	// MarkJobRunning moves a pending job to running with the given start time.
	MarkJobRunning(ctx context.Context, jobID uuid.UUID, at time.Time) apperrors.Error
	// MarkStepRunning moves a pending step to running with the given start time.
	MarkStepRunning(ctx context.Context, jobID uuid.UUID, order int, at time.Time) apperrors.Error
	// RecordStepResult applies a step outcome; see StepResult.
	RecordStepResult(ctx context.Context, jobID uuid.UUID, result StepResult) apperrors.Error
}

// Store aggregates the three persistence ports.
type Store interface {
	CatalogStore
	TenantModuleStore
	JobStore

	// Close releases the underlying resources.
	Close(ctx context.Context) error
}
