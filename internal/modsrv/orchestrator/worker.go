package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modforge/modforge-internal/internal/common/apperrors"
	"github.com/modforge/modforge-internal/internal/modsrv/db"
	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
	"github.com/modforge/modforge-internal/internal/modsrv/moderror"
)

// Start launches the worker pool. Safe to call once; subsequent calls are
// no-ops.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.closed {
		return
	}
	o.started = true
	for i := 0; i < o.workerCount; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	log.Ctx(ctx).Info().Int("workers", o.workerCount).Msg("orchestrator started")
}

// Shutdown stops accepting new jobs and waits for in-flight jobs to finish,
// bounded by the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.started || o.closed {
		o.closed = true
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if o.bus != nil {
			o.bus.Shutdown()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) enqueue(job *models.Job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.closed {
		return false
	}
	select {
	case o.queue <- job:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for job := range o.queue {
		o.runJob(job)
	}
}

// runJob executes a dequeued job. Errors here are never returned to the
// submitting caller; they are recorded on the job and surfaced through
// status queries and notifications.
func (o *Orchestrator) runJob(job *models.Job) {
	logger := log.With().
		Str("job_id", job.ID.String()).
		Str("tenant_id", job.TenantID.String()).
		Str("module", job.ModuleName).
		Logger()
	ctx := logger.WithContext(modcommon.WithTenantID(context.Background(), job.TenantID))

	switch job.Type {
	case models.JobTypeUninstall:
		o.runUninstall(ctx, job)
	default:
		o.runInstall(ctx, job)
	}
}

// runInstall executes the steps strictly in order. A later step never starts
// before the prior step's result is durably recorded. On the first failure
// the job stops: later steps stay pending, earlier completed steps are not
// rolled back.
func (o *Orchestrator) runInstall(ctx context.Context, job *models.Job) {
	for i, step := range job.Steps {
		if err := o.store.MarkStepRunning(ctx, job.ID, step.Order, time.Now().UTC()); err != nil {
			o.failJob(ctx, job, step, moderror.ErrStepExecution.MsgErr(step.Name, err))
			return
		}

		if stepErr := o.executeInstallStep(ctx, job, step); stepErr != nil {
			o.failJob(ctx, job, step, stepErr)
			return
		}

		last := i == len(job.Steps)-1
		result := db.StepResult{
			Order:       step.Order,
			Status:      models.StepStatusCompleted,
			CompletedAt: time.Now().UTC(),
		}
		if last {
			completed := models.JobStatusCompleted
			result.JobStatus = &completed
			result.Transitions = []db.TenantTransition{{
				TenantID:         job.TenantID,
				ModuleName:       job.ModuleName,
				To:               models.TenantModuleStatusActive,
				SetInstalledAt:   true,
				SetConfiguration: job.Configuration,
				ClearJobID:       true,
			}}
		} else {
			// A dependency becomes active for the tenant as soon as its own
			// step completes, even if a later step fails the job.
			result.Transitions = []db.TenantTransition{{
				TenantID:       job.TenantID,
				ModuleName:     step.Name,
				To:             models.TenantModuleStatusActive,
				SetInstalledAt: true,
			}}
		}

		if err := o.store.RecordStepResult(ctx, job.ID, result); err != nil {
			log.Ctx(ctx).Error().Err(err).Int("step", step.Order).Msg("failed to record step result")
			return
		}
		if last {
			log.Ctx(ctx).Info().Msg("install job completed")
			o.publish(completedTopic(job.Type), job, "", "")
		}
	}
}

func (o *Orchestrator) executeInstallStep(ctx context.Context, job *models.Job, step models.Step) apperrors.Error {
	executor, ok := o.executors.Lookup(step.Name)
	if !ok {
		return moderror.ErrStepExecution.Err(moderror.ErrExecutorNotFound.Msg(step.Name))
	}
	if err := executor.Install(ctx, job.TenantID, job.Configuration); err != nil {
		return moderror.ErrStepExecution.MsgErr("step "+step.Name+" failed", err)
	}
	return nil
}

func (o *Orchestrator) runUninstall(ctx context.Context, job *models.Job) {
	step := job.Steps[0]
	if err := o.store.MarkStepRunning(ctx, job.ID, step.Order, time.Now().UTC()); err != nil {
		o.failJob(ctx, job, step, moderror.ErrStepExecution.MsgErr(step.Name, err))
		return
	}

	executor, ok := o.executors.Lookup(step.Name)
	if !ok {
		o.failJob(ctx, job, step, moderror.ErrStepExecution.Err(moderror.ErrExecutorNotFound.Msg(step.Name)))
		return
	}
	if err := executor.Uninstall(ctx, job.TenantID, job.KeepData); err != nil {
		o.failJob(ctx, job, step, moderror.ErrStepExecution.MsgErr("step "+step.Name+" failed", err))
		return
	}

	completed := models.JobStatusCompleted
	result := db.StepResult{
		Order:       step.Order,
		Status:      models.StepStatusCompleted,
		CompletedAt: time.Now().UTC(),
		JobStatus:   &completed,
		Transitions: []db.TenantTransition{{
			TenantID:    job.TenantID,
			ModuleName:  job.ModuleName,
			To:          models.TenantModuleStatusNotInstalled,
			ClearConfig: !job.KeepData,
			ClearJobID:  true,
		}},
	}
	if err := o.store.RecordStepResult(ctx, job.ID, result); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to record uninstall result")
		return
	}
	log.Ctx(ctx).Info().Msg("uninstall job completed")
	o.publish(completedTopic(job.Type), job, "", "")
}

// failJob records the failed step, finalizes the job and moves the tenant
// module to failed, all in one write.
func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, step models.Step, stepErr apperrors.Error) {
	failed := models.JobStatusFailed
	result := db.StepResult{
		Order:       step.Order,
		Status:      models.StepStatusFailed,
		Error:       stepErr.ErrorAll(),
		CompletedAt: time.Now().UTC(),
		JobStatus:   &failed,
		JobError:    stepErr.ErrorAll(),
		Transitions: []db.TenantTransition{{
			TenantID:   job.TenantID,
			ModuleName: job.ModuleName,
			To:         models.TenantModuleStatusFailed,
			ClearJobID: true,
		}},
	}
	if err := o.store.RecordStepResult(ctx, job.ID, result); err != nil {
		log.Ctx(ctx).Error().Err(err).Int("step", step.Order).Msg("failed to record job failure")
	}
	log.Ctx(ctx).Error().Str("step", step.Name).Str("error", stepErr.ErrorAll()).Msg("job failed")
	o.publish(failedTopic(job.Type), job, step.Name, stepErr.ErrorAll())
}
