package postgresql

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"

	"github.com/modforge/modforge-internal/internal/common/apperrors"
	"github.com/modforge/modforge-internal/internal/modsrv/db"
	"github.com/modforge/modforge-internal/internal/modsrv/db/dberror"
	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

const jobColumns = `job_id, tenant_id, module_name, job_type, status, error, retry_of, keep_data, configuration, created_at, started_at, completed_at`

// CreateJob inserts a job together with its steps in one transaction.
func (s *pgStore) CreateJob(ctx context.Context, job *models.Job) (err apperrors.Error) {
	tx, errDb := s.db.BeginTx(ctx, &sql.TxOptions{})
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to start transaction")
		return dberror.ErrDatabase.Err(errDb)
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
				log.Ctx(ctx).Error().Err(rollbackErr).Msg("failed to rollback transaction")
			}
		}
	}()

	cfg, errJSON := toJSONB(job.Configuration)
	if errJSON != nil {
		return dberror.ErrInvalidInput.Err(errJSON)
	}

	query := `
		INSERT INTO installation_jobs (job_id, tenant_id, module_name, job_type,
			status, error, retry_of, keep_data, configuration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at;
	`
	errDb = tx.QueryRowContext(ctx, query, job.ID, job.TenantID, job.ModuleName,
		job.Type, job.Status, nullString(job.Error), job.RetryOf, job.KeepData, cfg,
	).Scan(&job.CreatedAt)
	if errDb != nil {
		if isUniqueViolation(errDb) {
			return dberror.ErrAlreadyExists.Msg("job already exists")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("job_id", job.ID.String()).Msg("failed to insert job")
		return dberror.ErrDatabase.Err(errDb)
	}

	stepQuery := `
		INSERT INTO installation_steps (job_id, step_order, module_name, status)
		VALUES ($1, $2, $3, $4);
	`
	for _, step := range job.Steps {
		if _, errDb := tx.ExecContext(ctx, stepQuery, job.ID, step.Order, step.Name, step.Status); errDb != nil {
			log.Ctx(ctx).Error().Err(errDb).Str("job_id", job.ID.String()).Int("step", step.Order).Msg("failed to insert step")
			return dberror.ErrDatabase.Err(errDb)
		}
	}

	if errDb := tx.Commit(); errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to commit transaction")
		return dberror.ErrDatabase.Err(errDb)
	}
	return nil
}

// GetJob returns the job with its steps.
func (s *pgStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, apperrors.Error) {
	query := `
		SELECT ` + jobColumns + `
		FROM installation_jobs
		WHERE job_id = $1;
	`
	row := s.db.QueryRowContext(ctx, query, jobID)
	job, errDb := scanJob(row)
	if errDb != nil {
		if errDb == sql.ErrNoRows {
			return nil, dberror.ErrNotFound.Msg("job not found")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("job_id", jobID.String()).Msg("failed to retrieve job")
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	if err := s.loadSteps(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobsByTenant returns a tenant's jobs, newest first. UUIDv7 job IDs sort
// by creation time, so ordering by job_id is ordering by age.
func (s *pgStore) ListJobsByTenant(ctx context.Context, tenantID modcommon.TenantId) ([]*models.Job, apperrors.Error) {
	query := `
		SELECT ` + jobColumns + `
		FROM installation_jobs
		WHERE tenant_id = $1
		ORDER BY job_id DESC;
	`
	rows, errDb := s.db.QueryContext(ctx, query, tenantID)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID.String()).Msg("failed to list jobs")
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, dberror.ErrDatabase.Err(err)
		}
		jobs = append(jobs, job)
	}
	if errDb := rows.Err(); errDb != nil {
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	for _, job := range jobs {
		if err := s.loadSteps(ctx, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// MarkJobRunning moves a pending job to running.
func (s *pgStore) MarkJobRunning(ctx context.Context, jobID uuid.UUID, at time.Time) apperrors.Error {
	query := `
		UPDATE installation_jobs
		SET status = 'running', started_at = $2
		WHERE job_id = $1 AND status = 'pending'
		RETURNING job_id;
	`
	var updated uuid.UUID
	errDb := s.db.QueryRowContext(ctx, query, jobID, at).Scan(&updated)
	if errDb == sql.ErrNoRows {
		return dberror.ErrStateMismatch.Msg("job is not pending")
	}
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("job_id", jobID.String()).Msg("failed to mark job running")
		return dberror.ErrDatabase.Err(errDb)
	}
	return nil
}

// MarkStepRunning moves a pending step to running.
func (s *pgStore) MarkStepRunning(ctx context.Context, jobID uuid.UUID, order int, at time.Time) apperrors.Error {
	query := `
		UPDATE installation_steps
		SET status = 'running', started_at = $3
		WHERE job_id = $1 AND step_order = $2 AND status = 'pending'
		RETURNING step_order;
	`
	var updated int
	errDb := s.db.QueryRowContext(ctx, query, jobID, order, at).Scan(&updated)
	if errDb == sql.ErrNoRows {
		return dberror.ErrStateMismatch.Msg("step is not pending")
	}
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("job_id", jobID.String()).Int("step", order).Msg("failed to mark step running")
		return dberror.ErrDatabase.Err(errDb)
	}
	return nil
}

// RecordStepResult applies a step outcome, the optional terminal job update
// and the tenant-module transitions in a single transaction.
func (s *pgStore) RecordStepResult(ctx context.Context, jobID uuid.UUID, result db.StepResult) (err apperrors.Error) {
	tx, errDb := s.db.BeginTx(ctx, &sql.TxOptions{})
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to start transaction")
		return dberror.ErrDatabase.Err(errDb)
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
				log.Ctx(ctx).Error().Err(rollbackErr).Msg("failed to rollback transaction")
			}
		}
	}()

	var status models.JobStatus
	errDb = tx.QueryRowContext(ctx,
		`SELECT status FROM installation_jobs WHERE job_id = $1 FOR UPDATE;`, jobID,
	).Scan(&status)
	if errDb == sql.ErrNoRows {
		return dberror.ErrNotFound.Msg("job not found")
	}
	if errDb != nil {
		return dberror.ErrDatabase.Err(errDb)
	}
	if status == models.JobStatusCompleted || status == models.JobStatusFailed {
		return dberror.ErrStateMismatch.Msg("job is " + string(status))
	}

	if result.Order > 0 {
		stepQuery := `
			UPDATE installation_steps
			SET status = $3, error = $4, completed_at = $5
			WHERE job_id = $1 AND step_order = $2
			RETURNING step_order;
		`
		var updated int
		errDb = tx.QueryRowContext(ctx, stepQuery, jobID, result.Order, result.Status,
			nullString(result.Error), result.CompletedAt).Scan(&updated)
		if errDb == sql.ErrNoRows {
			return dberror.ErrNotFound.Msg("step not found")
		}
		if errDb != nil {
			return dberror.ErrDatabase.Err(errDb)
		}
	}

	if result.JobStatus != nil {
		jobQuery := `
			UPDATE installation_jobs
			SET status = $2, error = $3, completed_at = $4
			WHERE job_id = $1;
		`
		if _, errDb := tx.ExecContext(ctx, jobQuery, jobID, *result.JobStatus,
			nullString(result.JobError), result.CompletedAt); errDb != nil {
			return dberror.ErrDatabase.Err(errDb)
		}
	}

	for _, tr := range result.Transitions {
		if errDb := applyTransitionTx(ctx, tx, jobID, tr); errDb != nil {
			log.Ctx(ctx).Error().Err(errDb).Str("job_id", jobID.String()).Str("module", tr.ModuleName).Msg("failed to apply tenant transition")
			return dberror.ErrDatabase.Err(errDb)
		}
	}

	if errDb := tx.Commit(); errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to commit transaction")
		return dberror.ErrDatabase.Err(errDb)
	}
	return nil
}

func (s *pgStore) loadSteps(ctx context.Context, job *models.Job) apperrors.Error {
	query := `
		SELECT module_name, step_order, status, error, started_at, completed_at
		FROM installation_steps
		WHERE job_id = $1
		ORDER BY step_order;
	`
	rows, errDb := s.db.QueryContext(ctx, query, job.ID)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("job_id", job.ID.String()).Msg("failed to load steps")
		return dberror.ErrDatabase.Err(errDb)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step        models.Step
			stepErr     sql.NullString
			startedAt   sql.NullTime
			completedAt sql.NullTime
		)
		if errDb := rows.Scan(&step.Name, &step.Order, &step.Status, &stepErr, &startedAt, &completedAt); errDb != nil {
			return dberror.ErrDatabase.Err(errDb)
		}
		step.Error = stepErr.String
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		job.Steps = append(job.Steps, step)
	}
	if errDb := rows.Err(); errDb != nil {
		return dberror.ErrDatabase.Err(errDb)
	}
	return nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job         models.Job
		jobErr      sql.NullString
		retryOf     uuid.NullUUID
		cfg         pgtype.JSONB
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.TenantID, &job.ModuleName, &job.Type, &job.Status,
		&jobErr, &retryOf, &job.KeepData, &cfg, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	job.Error = jobErr.String
	if retryOf.Valid {
		id := retryOf.UUID
		job.RetryOf = &id
	}
	job.Configuration = fromJSONB(cfg)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
