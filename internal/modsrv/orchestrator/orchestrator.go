// Package orchestrator drives module installation and uninstallation for
// tenants. Submission is synchronous and fast: it validates the request,
// claims the (tenant, module) slot with an atomic status transition, records
// the job, and returns the job ID. Execution is asynchronous on a worker
// pool; outcomes are visible through job queries and the event bus.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modforge/modforge-internal/internal/common/apperrors"
	"github.com/modforge/modforge-internal/internal/common/uuidv7utils"
	"github.com/modforge/modforge-internal/internal/modsrv/catalog"
	"github.com/modforge/modforge-internal/internal/modsrv/config"
	"github.com/modforge/modforge-internal/internal/modsrv/db"
	"github.com/modforge/modforge-internal/internal/modsrv/db/dberror"
	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
	"github.com/modforge/modforge-internal/internal/modsrv/eventbus"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
	"github.com/modforge/modforge-internal/internal/modsrv/moderror"
	"github.com/modforge/modforge-internal/internal/modsrv/resolver"
	"github.com/modforge/modforge-internal/internal/modsrv/steps"
)

type Orchestrator struct {
	store         db.Store
	catalog       *catalog.Manager
	resolver      *resolver.Resolver
	subscriptions SubscriptionValidator
	executors     *steps.Registry
	bus           *eventbus.Bus

	workerCount    int
	publishTimeout time.Duration
	queue          chan *models.Job
	wg             sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// New wires an orchestrator from its collaborators. A nil cfg falls back to
// the loaded global configuration; a nil validator admits every install.
func New(store db.Store, catalogMgr *catalog.Manager, res *resolver.Resolver,
	validator SubscriptionValidator, registry *steps.Registry, bus *eventbus.Bus,
	cfg *config.ConfigParam) *Orchestrator {
	if cfg == nil {
		cfg = config.Config()
	}
	if validator == nil {
		validator = AllowAll{}
	}
	return &Orchestrator{
		store:          store,
		catalog:        catalogMgr,
		resolver:       res,
		subscriptions:  validator,
		executors:      registry,
		bus:            bus,
		workerCount:    cfg.WorkerCount,
		publishTimeout: cfg.PublishTimeout(),
		queue:          make(chan *models.Job, cfg.JobQueueSize),
	}
}

// Install submits an installation job for (tenantID, moduleName) and returns
// its job ID. The call is idempotent while a job is in flight: a second
// submission for the same pair returns the in-flight job ID instead of
// creating another job. Validation failures return synchronously and create
// nothing.
func (o *Orchestrator) Install(ctx context.Context, tenantID modcommon.TenantId, moduleName string, configuration json.RawMessage) (uuid.UUID, apperrors.Error) {
	if !tenantID.IsValid() || moduleName == "" {
		return uuid.Nil, moderror.ErrInvalidRequest.Msg("tenant ID and module name are required")
	}
	return o.submitInstall(ctx, tenantID, moduleName, configuration, nil)
}

func (o *Orchestrator) submitInstall(ctx context.Context, tenantID modcommon.TenantId, moduleName string, configuration json.RawMessage, retryOf *uuid.UUID) (uuid.UUID, apperrors.Error) {
	module, err := o.catalog.Get(ctx, moduleName)
	if err != nil {
		return uuid.Nil, err
	}
	switch module.Status {
	case models.ModuleStatusDeprecated:
		return uuid.Nil, moderror.ErrModuleDeprecated.Msg(moduleName)
	case models.ModuleStatusDraft:
		return uuid.Nil, moderror.ErrModuleNotPublished.Msg(moduleName)
	}

	// Fast-path check. The authoritative serialization is the status CAS
	// below; this gives the common idempotent resubmission a cheap answer.
	priorStatus := models.TenantModuleStatusNotInstalled
	if tm, errTm := o.store.GetTenantModule(ctx, tenantID, moduleName); errTm == nil {
		priorStatus = tm.Status
		if jobID, conflictErr := installConflict(tm, moduleName); conflictErr != nil || jobID != uuid.Nil {
			return jobID, conflictErr
		}
	}

	allowed, errSub := o.subscriptions.CanInstall(ctx, tenantID, moduleName)
	if errSub != nil {
		return uuid.Nil, moderror.ErrSubscriptionCheckFailed.Err(errSub)
	}
	if !allowed {
		return uuid.Nil, moderror.ErrSubscriptionRequired.Msg(moduleName)
	}

	if err := o.catalog.ValidateConfiguration(ctx, module, configuration); err != nil {
		return uuid.Nil, err
	}

	chain, err := o.resolver.Resolve(ctx, moduleName)
	if err != nil {
		return uuid.Nil, err
	}

	// The entitlement covers every subscription-gated module the install
	// will pull in, not just the target.
	for _, m := range chain {
		if m.Name == moduleName || !m.RequiresSubscription {
			continue
		}
		allowed, errSub := o.subscriptions.CanInstall(ctx, tenantID, m.Name)
		if errSub != nil {
			return uuid.Nil, moderror.ErrSubscriptionCheckFailed.Err(errSub)
		}
		if !allowed {
			return uuid.Nil, moderror.ErrSubscriptionRequired.Msg(m.Name)
		}
	}

	jobID := uuidv7utils.UUID7()
	tm, errCas := o.store.TransitionStatus(ctx, tenantID, moduleName,
		[]models.TenantModuleStatus{models.TenantModuleStatusNotInstalled, models.TenantModuleStatusFailed},
		models.TenantModuleStatusInstalling, &jobID)
	if errCas != nil {
		if errors.Is(errCas, dberror.ErrStateMismatch) && tm != nil {
			if existingJobID, conflictErr := installConflict(tm, moduleName); conflictErr != nil || existingJobID != uuid.Nil {
				return existingJobID, conflictErr
			}
		}
		return uuid.Nil, moderror.ErrInternal.Err(errCas)
	}

	jobSteps := o.buildInstallSteps(ctx, tenantID, moduleName, chain)
	job := &models.Job{
		ID:            jobID,
		TenantID:      tenantID,
		ModuleName:    moduleName,
		Type:          models.JobTypeInstall,
		Status:        models.JobStatusPending,
		Steps:         jobSteps,
		RetryOf:       retryOf,
		Configuration: catalog.EffectiveConfig(module, configuration),
	}
	return o.acceptJob(ctx, job, priorStatus)
}

// installConflict maps a tenant-module row that blocks a new install to the
// caller-visible outcome: the in-flight job ID for idempotent resubmission,
// or a conflict error.
func installConflict(tm *models.TenantModule, moduleName string) (uuid.UUID, apperrors.Error) {
	switch tm.Status {
	case models.TenantModuleStatusInstalling:
		if tm.CurrentJobID != nil {
			return *tm.CurrentJobID, nil
		}
		return uuid.Nil, moderror.ErrInvalidStateTransition.Msg("install already in progress for " + moduleName)
	case models.TenantModuleStatusActive:
		return uuid.Nil, moderror.ErrAlreadyInstalled.Msg(moduleName)
	case models.TenantModuleStatusUninstalling:
		return uuid.Nil, moderror.ErrInvalidStateTransition.Msg("uninstall in progress for " + moduleName)
	}
	return uuid.Nil, nil
}

// buildInstallSteps lays out one step per resolved module in order, skipping
// dependencies that are already active for the tenant. The target is always
// last and never skipped.
func (o *Orchestrator) buildInstallSteps(ctx context.Context, tenantID modcommon.TenantId, target string, chain []*models.Module) []models.Step {
	jobSteps := make([]models.Step, 0, len(chain))
	order := 1
	for _, m := range chain {
		if m.Name != target {
			if existing, err := o.store.GetTenantModule(ctx, tenantID, m.Name); err == nil &&
				existing.Status == models.TenantModuleStatusActive {
				continue
			}
		}
		jobSteps = append(jobSteps, models.Step{
			Name:   m.Name,
			Order:  order,
			Status: models.StepStatusPending,
		})
		order++
	}
	return jobSteps
}

// Uninstall submits an uninstallation job. keepData preserves the tenant's
// module configuration and data for a later reinstall. Rejected while other
// active modules of the tenant still require the target.
func (o *Orchestrator) Uninstall(ctx context.Context, tenantID modcommon.TenantId, moduleName string, keepData bool) (uuid.UUID, apperrors.Error) {
	if !tenantID.IsValid() || moduleName == "" {
		return uuid.Nil, moderror.ErrInvalidRequest.Msg("tenant ID and module name are required")
	}
	return o.submitUninstall(ctx, tenantID, moduleName, keepData, nil,
		[]models.TenantModuleStatus{models.TenantModuleStatusActive})
}

func (o *Orchestrator) submitUninstall(ctx context.Context, tenantID modcommon.TenantId, moduleName string, keepData bool, retryOf *uuid.UUID, from []models.TenantModuleStatus) (uuid.UUID, apperrors.Error) {
	if err := o.checkDependents(ctx, tenantID, moduleName); err != nil {
		return uuid.Nil, err
	}

	tm, errTm := o.store.GetTenantModule(ctx, tenantID, moduleName)
	if errTm != nil {
		if errors.Is(errTm, dberror.ErrNotFound) {
			return uuid.Nil, moderror.ErrNotInstalled.Msg(moduleName)
		}
		return uuid.Nil, moderror.ErrInternal.Err(errTm)
	}
	priorStatus := tm.Status
	if tm.Status == models.TenantModuleStatusUninstalling && tm.CurrentJobID != nil {
		return *tm.CurrentJobID, nil
	}

	jobID := uuidv7utils.UUID7()
	tm, errCas := o.store.TransitionStatus(ctx, tenantID, moduleName, from,
		models.TenantModuleStatusUninstalling, &jobID)
	if errCas != nil {
		if errors.Is(errCas, dberror.ErrStateMismatch) && tm != nil {
			if tm.Status == models.TenantModuleStatusUninstalling && tm.CurrentJobID != nil {
				return *tm.CurrentJobID, nil
			}
			return uuid.Nil, moderror.ErrNotInstalled.Msg(
				fmt.Sprintf("%s is %s", moduleName, tm.Status))
		}
		return uuid.Nil, moderror.ErrInternal.Err(errCas)
	}

	job := &models.Job{
		ID:         jobID,
		TenantID:   tenantID,
		ModuleName: moduleName,
		Type:       models.JobTypeUninstall,
		Status:     models.JobStatusPending,
		Steps: []models.Step{{
			Name:   moduleName,
			Order:  1,
			Status: models.StepStatusPending,
		}},
		RetryOf:  retryOf,
		KeepData: keepData,
	}
	return o.acceptJob(ctx, job, priorStatus)
}

// checkDependents rejects an uninstall while another active module of the
// tenant declares a required dependency on the target.
func (o *Orchestrator) checkDependents(ctx context.Context, tenantID modcommon.TenantId, moduleName string) apperrors.Error {
	tenantModules, err := o.store.ListTenantModules(ctx, tenantID)
	if err != nil {
		return moderror.ErrInternal.Err(err)
	}
	var dependents []string
	for _, tm := range tenantModules {
		if tm.ModuleName == moduleName || tm.Status != models.TenantModuleStatusActive {
			continue
		}
		module, errMod := o.catalog.Get(ctx, tm.ModuleName)
		if errMod != nil {
			continue
		}
		for _, dep := range module.Dependencies {
			if dep.Required && dep.Module == moduleName {
				dependents = append(dependents, tm.ModuleName)
				break
			}
		}
	}
	if len(dependents) > 0 {
		return moderror.ErrDependentModulesExist.Msg(
			fmt.Sprintf("%s is required by %s", moduleName, strings.Join(dependents, ", ")))
	}
	return nil
}

// Retry creates a new job for a failed one: same type, fresh resolution,
// retryOf pointing at the original. The original job is never mutated.
func (o *Orchestrator) Retry(ctx context.Context, jobID uuid.UUID) (uuid.UUID, apperrors.Error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return uuid.Nil, moderror.ErrJobNotFound.Msg(jobID.String())
		}
		return uuid.Nil, moderror.ErrInternal.Err(err)
	}
	if job.Status != models.JobStatusFailed {
		return uuid.Nil, moderror.ErrJobNotRetryable.Msg("job is " + string(job.Status))
	}

	if job.Type == models.JobTypeUninstall {
		return o.submitUninstall(ctx, job.TenantID, job.ModuleName, job.KeepData, &job.ID,
			[]models.TenantModuleStatus{models.TenantModuleStatusFailed})
	}
	return o.submitInstall(ctx, job.TenantID, job.ModuleName, job.Configuration, &job.ID)
}

// GetJob returns a job with its steps.
func (o *Orchestrator) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, apperrors.Error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return nil, moderror.ErrJobNotFound.Msg(jobID.String())
		}
		return nil, moderror.ErrInternal.Err(err)
	}
	return job, nil
}

// GetTenantModule returns the installation record of one module for a
// tenant. Modules the tenant never touched have no record.
func (o *Orchestrator) GetTenantModule(ctx context.Context, tenantID modcommon.TenantId, moduleName string) (*models.TenantModule, apperrors.Error) {
	tm, err := o.store.GetTenantModule(ctx, tenantID, moduleName)
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return nil, moderror.ErrTenantModuleNotFound.Msg(moduleName)
		}
		return nil, moderror.ErrInternal.Err(err)
	}
	return tm, nil
}

// ListTenantModules returns a tenant's installation records, ordered by
// module name.
func (o *Orchestrator) ListTenantModules(ctx context.Context, tenantID modcommon.TenantId) ([]*models.TenantModule, apperrors.Error) {
	if !tenantID.IsValid() {
		return nil, moderror.ErrInvalidRequest.Msg("tenant ID is required")
	}
	tenantModules, err := o.store.ListTenantModules(ctx, tenantID)
	if err != nil {
		return nil, moderror.ErrInternal.Err(err)
	}
	return tenantModules, nil
}

// ListJobs returns a tenant's jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, tenantID modcommon.TenantId) ([]*models.Job, apperrors.Error) {
	if !tenantID.IsValid() {
		return nil, moderror.ErrInvalidRequest.Msg("tenant ID is required")
	}
	jobs, err := o.store.ListJobsByTenant(ctx, tenantID)
	if err != nil {
		return nil, moderror.ErrInternal.Err(err)
	}
	return jobs, nil
}

// acceptJob records the job, marks it running and hands it to the worker
// pool. A saturated queue fails the job and rolls the tenant-module status
// back so the slot is not left claimed by a job that will never run.
func (o *Orchestrator) acceptJob(ctx context.Context, job *models.Job, priorStatus models.TenantModuleStatus) (uuid.UUID, apperrors.Error) {
	if err := o.store.CreateJob(ctx, job); err != nil {
		o.releaseSlot(ctx, job, priorStatus)
		return uuid.Nil, moderror.ErrInternal.Err(err)
	}

	if err := o.store.MarkJobRunning(ctx, job.ID, time.Now().UTC()); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("job_id", job.ID.String()).Msg("failed to mark job running")
	}
	job.Status = models.JobStatusRunning

	if !o.enqueue(job) {
		failed := models.JobStatusFailed
		errRec := o.store.RecordStepResult(ctx, job.ID, db.StepResult{
			CompletedAt: time.Now().UTC(),
			JobStatus:   &failed,
			JobError:    "job queue is full",
			Transitions: []db.TenantTransition{{
				TenantID:   job.TenantID,
				ModuleName: job.ModuleName,
				To:         priorStatus,
				ClearJobID: true,
			}},
		})
		if errRec != nil {
			log.Ctx(ctx).Error().Err(errRec).Str("job_id", job.ID.String()).Msg("failed to record queue-full job failure")
		}
		return uuid.Nil, moderror.ErrQueueFull.Msg(job.ModuleName)
	}

	log.Ctx(ctx).Info().
		Str("job_id", job.ID.String()).
		Str("tenant_id", job.TenantID.String()).
		Str("module", job.ModuleName).
		Str("job_type", string(job.Type)).
		Msg("job submitted")
	o.publish(startedTopic(job.Type), job, "", "")
	return job.ID, nil
}

// releaseSlot undoes the submission CAS after a failure before the job could
// be recorded.
func (o *Orchestrator) releaseSlot(ctx context.Context, job *models.Job, priorStatus models.TenantModuleStatus) {
	claimed := models.TenantModuleStatusInstalling
	if job.Type == models.JobTypeUninstall {
		claimed = models.TenantModuleStatusUninstalling
	}
	if _, err := o.store.TransitionStatus(ctx, job.TenantID, job.ModuleName,
		[]models.TenantModuleStatus{claimed}, priorStatus, nil); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("tenant_id", job.TenantID.String()).
			Str("module", job.ModuleName).
			Msg("failed to release tenant module slot")
	}
}
