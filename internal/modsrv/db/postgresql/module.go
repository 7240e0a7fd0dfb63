package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"

	"github.com/modforge/modforge-internal/internal/common/apperrors"
	"github.com/modforge/modforge-internal/internal/modsrv/db/dberror"
	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
)

// CreateModule inserts a new module definition.
// If the module name already exists, it returns dberror.ErrAlreadyExists.
func (s *pgStore) CreateModule(ctx context.Context, module *models.Module) apperrors.Error {
	deps, errJSON := toJSONB(module.Dependencies)
	if errJSON != nil {
		return dberror.ErrInvalidInput.Err(errJSON)
	}
	schema, errJSON := toJSONB(module.ConfigSchema)
	if errJSON != nil {
		return dberror.ErrInvalidInput.Err(errJSON)
	}
	defaults, errJSON := toJSONB(module.ConfigDefaults)
	if errJSON != nil {
		return dberror.ErrInvalidInput.Err(errJSON)
	}

	query := `
		INSERT INTO modules (name, version, display_name, description, status,
			requires_subscription, dependencies, config_schema, config_defaults)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at;
	`
	errDb := s.db.QueryRowContext(ctx, query,
		module.Name, module.Version, module.DisplayName, module.Description,
		module.Status, module.RequiresSubscription, deps, schema, defaults,
	).Scan(&module.CreatedAt)
	if errDb != nil {
		if isUniqueViolation(errDb) {
			log.Ctx(ctx).Info().Str("name", module.Name).Msg("module already exists")
			return dberror.ErrAlreadyExists.Msg("module already exists")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("name", module.Name).Msg("failed to insert module")
		return dberror.ErrDatabase.Err(errDb)
	}
	return nil
}

// GetModule retrieves a module definition by name.
func (s *pgStore) GetModule(ctx context.Context, name string) (*models.Module, apperrors.Error) {
	query := `
		SELECT name, version, display_name, description, status,
			requires_subscription, dependencies, config_schema, config_defaults,
			deprecation_reason, created_at, published_at, deprecated_at
		FROM modules
		WHERE name = $1;
	`
	row := s.db.QueryRowContext(ctx, query, name)
	module, errDb := scanModule(row)
	if errDb != nil {
		if errDb == sql.ErrNoRows {
			log.Ctx(ctx).Info().Str("name", name).Msg("module not found")
			return nil, dberror.ErrNotFound.Msg("module not found")
		}
		log.Ctx(ctx).Error().Err(errDb).Str("name", name).Msg("failed to retrieve module")
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	return module, nil
}

// ListModules returns all module definitions ordered by name.
func (s *pgStore) ListModules(ctx context.Context) ([]*models.Module, apperrors.Error) {
	query := `
		SELECT name, version, display_name, description, status,
			requires_subscription, dependencies, config_schema, config_defaults,
			deprecation_reason, created_at, published_at, deprecated_at
		FROM modules
		ORDER BY name;
	`
	rows, errDb := s.db.QueryContext(ctx, query)
	if errDb != nil {
		log.Ctx(ctx).Error().Err(errDb).Msg("failed to list modules")
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	defer rows.Close()

	var modules []*models.Module
	for rows.Next() {
		module, err := scanModule(rows)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to scan module")
			return nil, dberror.ErrDatabase.Err(err)
		}
		modules = append(modules, module)
	}
	if errDb := rows.Err(); errDb != nil {
		return nil, dberror.ErrDatabase.Err(errDb)
	}
	return modules, nil
}

// UpdateModuleStatus moves a module between lifecycle states with a guard on
// the current state, so concurrent publishes cannot race past each other.
func (s *pgStore) UpdateModuleStatus(ctx context.Context, name string, from, to models.ModuleStatus, reason string) apperrors.Error {
	query := `
		UPDATE modules
		SET status = $3,
			published_at = CASE WHEN $3 = 'published' THEN now() ELSE published_at END,
			deprecated_at = CASE WHEN $3 = 'deprecated' THEN now() ELSE deprecated_at END,
			deprecation_reason = CASE WHEN $3 = 'deprecated' THEN $4 ELSE deprecation_reason END
		WHERE name = $1 AND status = $2
		RETURNING name;
	`
	var updated string
	errDb := s.db.QueryRowContext(ctx, query, name, from, to, reason).Scan(&updated)
	if errDb == nil {
		return nil
	}
	if errDb != sql.ErrNoRows {
		log.Ctx(ctx).Error().Err(errDb).Str("name", name).Msg("failed to update module status")
		return dberror.ErrDatabase.Err(errDb)
	}

	// Distinguish a missing module from a state-guard failure.
	var status models.ModuleStatus
	errDb = s.db.QueryRowContext(ctx, `SELECT status FROM modules WHERE name = $1;`, name).Scan(&status)
	if errDb == sql.ErrNoRows {
		return dberror.ErrNotFound.Msg("module not found")
	}
	if errDb != nil {
		return dberror.ErrDatabase.Err(errDb)
	}
	return dberror.ErrStateMismatch.Msg("module is " + string(status))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModule(row rowScanner) (*models.Module, error) {
	var (
		module                  models.Module
		displayName             sql.NullString
		description             sql.NullString
		deprecationReason       sql.NullString
		deps, schema, defaults  pgtype.JSONB
		publishedAt, deprecated sql.NullTime
	)
	err := row.Scan(&module.Name, &module.Version, &displayName, &description,
		&module.Status, &module.RequiresSubscription, &deps, &schema, &defaults,
		&deprecationReason, &module.CreatedAt, &publishedAt, &deprecated)
	if err != nil {
		return nil, err
	}
	module.DisplayName = displayName.String
	module.Description = description.String
	module.DeprecationReason = deprecationReason.String
	if raw := fromJSONB(deps); raw != nil {
		if err := json.Unmarshal(raw, &module.Dependencies); err != nil {
			return nil, err
		}
	}
	module.ConfigSchema = fromJSONB(schema)
	module.ConfigDefaults = fromJSONB(defaults)
	if publishedAt.Valid {
		module.PublishedAt = &publishedAt.Time
	}
	if deprecated.Valid {
		module.DeprecatedAt = &deprecated.Time
	}
	return &module, nil
}
