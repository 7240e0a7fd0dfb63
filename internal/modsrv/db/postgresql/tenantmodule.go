package postgresql

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"

	"github.com/modforge/modforge-internal/internal/common/apperrors"
	"github.com/modforge/modforge-internal/internal/modsrv/db"
	"github.com/modforge/modforge-internal/internal/modsrv/db/dberror"
	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

const tenantModuleColumns = `tenant_id, module_name, status, current_job_id, configuration, installed_at, updated_at`

// GetTenantModule retrieves the installation record for (tenant, module).
func (s *pgStore) GetTenantModule(ctx context.Context, tenantID modcommon.TenantId, moduleName string) (*models.TenantModule, apperrors.Error) {
	query := `
		SELECT ` + tenantModuleColumns + `
		FROM tenant_modules
		WHERE tenant_id = $1 AND module_name = $2;
	`
	row := s.db.QueryRowContext(ctx, query, tenantID, moduleName)
	tm, errDb := scanTenantModule(row)
	if errDb != nil {
		if errDb == sql.ErrNoRows {
			return nil, dberror.ErrNotFound.Msg("tenant module not found")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID.String()).Str("module", moduleName).Msg("failed to retrieve tenant module")
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	return tm, nil
}

// ListTenantModules returns all installation records for a tenant.
func (s *pgStore) ListTenantModules(ctx context.Context, tenantID modcommon.TenantId) ([]*models.TenantModule, apperrors.Error) {
	query := `
		SELECT ` + tenantModuleColumns + `
		FROM tenant_modules
		WHERE tenant_id = $1
		ORDER BY module_name;
	`
	rows, errDb := s.db.QueryContext(ctx, query, tenantID)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Str("tenant_id", tenantID.String()).Msg("failed to list tenant modules")
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	defer rows.Close()

	var out []*models.TenantModule
	for rows.Next() {
		tm, err := scanTenantModule(rows)
		if err != nil {
			return nil, dberror.ErrDatabase.Err(err)
		}
		out = append(out, tm)
	}
	if errDb := rows.Err(); errDb != nil {
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	return out, nil
}

// TransitionStatus is the compare-and-set primitive behind the
// one-in-flight-job exclusivity guarantee. The row is locked for the duration
// of the check-and-set, so concurrent submissions for the same key serialize
// here and all but one observe the winner's state.
func (s *pgStore) TransitionStatus(ctx context.Context, tenantID modcommon.TenantId, moduleName string, from []models.TenantModuleStatus, to models.TenantModuleStatus, jobID *uuid.UUID) (tm *models.TenantModule, err apperrors.Error) {
	tx, errDb := s.db.BeginTx(ctx, &sql.TxOptions{})
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to start transaction")
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
				log.Ctx(ctx).Error().Err(rollbackErr).Msg("failed to rollback transaction")
			}
		}
	}()

	query := `
		SELECT ` + tenantModuleColumns + `
		FROM tenant_modules
		WHERE tenant_id = $1 AND module_name = $2
		FOR UPDATE;
	`
	row := tx.QueryRowContext(ctx, query, tenantID, moduleName)
	existing, errScan := scanTenantModule(row)
	current := models.TenantModuleStatusNotInstalled
	switch {
	case errScan == sql.ErrNoRows:
		existing = nil
	case errScan != nil:
		return nil, dberror.ErrDatabase.Err(errScan)
	default:
		current = existing.Status
	}

	allowed := false
	for _, f := range from {
		if f == current {
			allowed = true
			break
		}
	}
	if !allowed {
		tx.Rollback()
		return existing, dberror.ErrStateMismatch.Msg("tenant module is " + string(current))
	}

	if existing == nil {
		insert := `
			INSERT INTO tenant_modules (tenant_id, module_name, status, current_job_id, updated_at)
			VALUES ($1, $2, $3, $4, now())
			RETURNING ` + tenantModuleColumns + `;
		`
		row = tx.QueryRowContext(ctx, insert, tenantID, moduleName, to, jobID)
	} else {
		update := `
			UPDATE tenant_modules
			SET status = $3, current_job_id = $4, updated_at = now()
			WHERE tenant_id = $1 AND module_name = $2
			RETURNING ` + tenantModuleColumns + `;
		`
		row = tx.QueryRowContext(ctx, update, tenantID, moduleName, to, jobID)
	}
	tm, errScan = scanTenantModule(row)
	if errScan != nil {
		log.Ctx(ctx).Error().Err(errScan).Str("tenant_id", tenantID.String()).Str("module", moduleName).Msg("failed to transition tenant module")
		return nil, dberror.ErrDatabase.Err(errScan)
	}

	if errDb := tx.Commit(); errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to commit transaction")
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	return tm, nil
}

// applyTransitionTx upserts a tenant-module record as part of a step-result
// transaction. A record attached to a different in-flight job is left alone.
func applyTransitionTx(ctx context.Context, tx *sql.Tx, jobID uuid.UUID, tr db.TenantTransition) error {
	query := `
		SELECT ` + tenantModuleColumns + `
		FROM tenant_modules
		WHERE tenant_id = $1 AND module_name = $2
		FOR UPDATE;
	`
	row := tx.QueryRowContext(ctx, query, tr.TenantID, tr.ModuleName)
	existing, errScan := scanTenantModule(row)
	if errScan != nil && errScan != sql.ErrNoRows {
		return errScan
	}
	if existing != nil && existing.CurrentJobID != nil && *existing.CurrentJobID != jobID &&
		(existing.Status == models.TenantModuleStatusInstalling || existing.Status == models.TenantModuleStatusUninstalling) {
		return nil
	}

	cfg, errJSON := toJSONB(tr.SetConfiguration)
	if errJSON != nil {
		return errJSON
	}

	if existing == nil {
		insert := `
			INSERT INTO tenant_modules (tenant_id, module_name, status, configuration,
				installed_at, updated_at)
			VALUES ($1, $2, $3, $4, CASE WHEN $5 THEN now() END, now());
		`
		_, err := tx.ExecContext(ctx, insert, tr.TenantID, tr.ModuleName, tr.To, cfg, tr.SetInstalledAt)
		return err
	}

	update := `
		UPDATE tenant_modules
		SET status = $3,
			installed_at = CASE WHEN $4 THEN now() ELSE installed_at END,
			configuration = CASE WHEN $5 THEN NULL
				WHEN $6::jsonb IS NOT NULL THEN $6::jsonb
				ELSE configuration END,
			current_job_id = CASE WHEN $7 THEN NULL ELSE current_job_id END,
			updated_at = now()
		WHERE tenant_id = $1 AND module_name = $2;
	`
	_, err := tx.ExecContext(ctx, update, tr.TenantID, tr.ModuleName, tr.To,
		tr.SetInstalledAt, tr.ClearConfig, cfg, tr.ClearJobID)
	return err
}

func scanTenantModule(row rowScanner) (*models.TenantModule, error) {
	var (
		tm          models.TenantModule
		jobID       uuid.NullUUID
		cfg         pgtype.JSONB
		installedAt sql.NullTime
	)
	err := row.Scan(&tm.TenantID, &tm.ModuleName, &tm.Status, &jobID, &cfg, &installedAt, &tm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if jobID.Valid {
		id := jobID.UUID
		tm.CurrentJobID = &id
	}
	tm.Configuration = fromJSONB(cfg)
	if installedAt.Valid {
		tm.InstalledAt = &installedAt.Time
	}
	return &tm, nil
}
