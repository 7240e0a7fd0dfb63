// Package catalog manages the module catalog: registration of module
// definitions, the draft/published/deprecated lifecycle, and validation of
// per-tenant configuration against a module's embedded JSON schema.
package catalog

import (
	"bytes"
	"context"
	gojson "encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/go-playground/validator/v10"
	json "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"sigs.k8s.io/yaml"

	"github.com/modforge/modforge-internal/internal/common/apperrors"
	"github.com/modforge/modforge-internal/internal/modsrv/catalog/schemaerr"
	"github.com/modforge/modforge-internal/internal/modsrv/catalog/schemavalidator"
	"github.com/modforge/modforge-internal/internal/modsrv/db"
	"github.com/modforge/modforge-internal/internal/modsrv/db/dberror"
	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
	"github.com/modforge/modforge-internal/internal/modsrv/moderror"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

// moduleSchema represents the structure of a module definition
type moduleSchema struct {
	Version  string         `json:"version" validate:"required,requireVersionV1"`
	Kind     string         `json:"kind" validate:"required,kindValidator"`
	Metadata moduleMetadata `json:"metadata" validate:"required"`
	Spec     moduleSpec     `json:"spec" validate:"required"`
}

// moduleMetadata contains identity and display attributes of a module
type moduleMetadata struct {
	Name        string `json:"name" validate:"required,moduleNameValidator"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

type moduleSpec struct {
	Version              string             `json:"version" validate:"required,moduleVersionValidator"`
	RequiresSubscription bool               `json:"requiresSubscription"`
	Dependencies         []moduleDependency `json:"dependencies" validate:"omitempty,dive"`
	ConfigSchema         gojson.RawMessage  `json:"configSchema"`
	ConfigDefaults       gojson.RawMessage  `json:"configDefaults"`
}

type moduleDependency struct {
	Module       string `json:"module" validate:"required,moduleNameValidator"`
	VersionRange string `json:"versionRange" validate:"required,versionRangeValidator"`
	Required     bool   `json:"required"`
}

// Validate performs structural validation on the module definition
func (ms *moduleSchema) Validate() schemaerr.ValidationErrors {
	var validationErrors schemaerr.ValidationErrors
	if ms.Kind != modcommon.ModuleKind {
		validationErrors = append(validationErrors, schemaerr.ErrUnsupportedKind("kind"))
	}

	err := schemavalidator.V().Struct(ms)
	if err == nil {
		return validationErrors
	}

	validatorErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return append(validationErrors, schemaerr.ErrInvalidSchema)
	}

	value := reflect.ValueOf(ms).Elem()
	typeOfSchema := value.Type()

	for _, e := range validatorErrors {
		jsonFieldName := schemavalidator.GetJSONFieldPath(value, typeOfSchema, e.StructField())

		switch e.Tag() {
		case "required":
			validationErrors = append(validationErrors, schemaerr.ErrMissingRequiredAttribute(jsonFieldName))
		case "moduleNameValidator":
			val, _ := e.Value().(string)
			validationErrors = append(validationErrors, schemaerr.ErrInvalidNameFormat(jsonFieldName, val))
		case "moduleVersionValidator":
			val, _ := e.Value().(string)
			validationErrors = append(validationErrors, schemaerr.ErrInvalidModuleVersion(jsonFieldName, val))
		case "versionRangeValidator":
			val, _ := e.Value().(string)
			validationErrors = append(validationErrors, schemaerr.ErrInvalidVersionRange(jsonFieldName, val))
		case "kindValidator":
			validationErrors = append(validationErrors, schemaerr.ErrUnsupportedKind(jsonFieldName))
		case "requireVersionV1":
			validationErrors = append(validationErrors, schemaerr.ErrInvalidVersion(jsonFieldName))
		default:
			validationErrors = append(validationErrors, schemaerr.ErrValidationFailed(jsonFieldName))
		}
	}

	return validationErrors
}

// Manager is the catalog service facade over a CatalogStore.
type Manager struct {
	store db.CatalogStore
}

func NewManager(store db.CatalogStore) *Manager {
	return &Manager{store: store}
}

// RegisterYAML registers a module definition supplied as YAML.
func (m *Manager) RegisterYAML(ctx context.Context, doc []byte) (*models.Module, apperrors.Error) {
	jsonDoc, err := yaml.YAMLToJSON(doc)
	if err != nil {
		return nil, moderror.ErrInvalidDefinition.Msg(err.Error())
	}
	return m.RegisterJSON(ctx, jsonDoc)
}

// RegisterJSON validates a module definition and persists it as a draft.
// Module name is the identity: registering an existing name fails with
// ErrModuleAlreadyExists regardless of version.
func (m *Manager) RegisterJSON(ctx context.Context, doc []byte) (*models.Module, apperrors.Error) {
	if len(doc) == 0 {
		return nil, moderror.ErrInvalidDefinition.Msg("empty definition")
	}

	schema := &moduleSchema{}
	if err := json.Unmarshal(doc, schema); err != nil {
		return nil, moderror.ErrInvalidDefinition.Err(err)
	}

	if ves := schema.Validate(); ves != nil {
		return nil, moderror.ErrInvalidDefinition.Err(ves)
	}

	if len(schema.Spec.ConfigSchema) > 0 {
		compiled, err := compileSchema(string(schema.Spec.ConfigSchema))
		if err != nil {
			return nil, moderror.ErrInvalidDefinition.Msg("configSchema: " + err.Error())
		}
		if len(schema.Spec.ConfigDefaults) > 0 {
			if err := validateAgainstSchema(compiled, schema.Spec.ConfigDefaults); err != nil {
				return nil, moderror.ErrInvalidDefinition.Msg("configDefaults: " + err.Error())
			}
		}
	}

	deps := make([]models.Dependency, 0, len(schema.Spec.Dependencies))
	for _, d := range schema.Spec.Dependencies {
		deps = append(deps, models.Dependency{
			Module:       d.Module,
			VersionRange: d.VersionRange,
			Required:     d.Required,
		})
	}

	module := &models.Module{
		Name:                 schema.Metadata.Name,
		Version:              schema.Spec.Version,
		DisplayName:          schema.Metadata.DisplayName,
		Description:          schema.Metadata.Description,
		Status:               models.ModuleStatusDraft,
		RequiresSubscription: schema.Spec.RequiresSubscription,
		Dependencies:         deps,
		ConfigSchema:         schema.Spec.ConfigSchema,
		ConfigDefaults:       schema.Spec.ConfigDefaults,
	}

	if err := m.store.CreateModule(ctx, module); err != nil {
		if errors.Is(err, dberror.ErrAlreadyExists) {
			return nil, moderror.ErrModuleAlreadyExists.Msg(module.Name)
		}
		log.Ctx(ctx).Error().Err(err).Str("module", module.Name).Msg("failed to register module")
		return nil, moderror.ErrInternal.Err(err)
	}

	log.Ctx(ctx).Info().Str("module", module.Name).Str("version", module.Version).Msg("module registered")
	return module, nil
}

// Publish moves a draft module to published.
func (m *Manager) Publish(ctx context.Context, name string) apperrors.Error {
	err := m.store.UpdateModuleStatus(ctx, name, models.ModuleStatusDraft, models.ModuleStatusPublished, "")
	if err == nil {
		log.Ctx(ctx).Info().Str("module", name).Msg("module published")
		return nil
	}
	if errors.Is(err, dberror.ErrNotFound) {
		return moderror.ErrModuleNotFound.Msg(name)
	}
	if errors.Is(err, dberror.ErrStateMismatch) {
		return m.stateTransitionError(ctx, name, models.ModuleStatusPublished)
	}
	return moderror.ErrInternal.Err(err)
}

// Deprecate moves a published module to deprecated and records the reason.
// Already-installed tenant modules are unaffected.
func (m *Manager) Deprecate(ctx context.Context, name string, reason string) apperrors.Error {
	err := m.store.UpdateModuleStatus(ctx, name, models.ModuleStatusPublished, models.ModuleStatusDeprecated, reason)
	if err == nil {
		log.Ctx(ctx).Info().Str("module", name).Str("reason", reason).Msg("module deprecated")
		return nil
	}
	if errors.Is(err, dberror.ErrNotFound) {
		return moderror.ErrModuleNotFound.Msg(name)
	}
	if errors.Is(err, dberror.ErrStateMismatch) {
		return m.stateTransitionError(ctx, name, models.ModuleStatusDeprecated)
	}
	return moderror.ErrInternal.Err(err)
}

func (m *Manager) stateTransitionError(ctx context.Context, name string, to models.ModuleStatus) apperrors.Error {
	module, err := m.store.GetModule(ctx, name)
	if err != nil {
		return moderror.ErrInvalidStateTransition.Msg(name)
	}
	return moderror.ErrInvalidStateTransition.Msg(
		fmt.Sprintf("%s: cannot move %s module to %s", name, module.Status, to))
}

// Get returns the module definition for name.
func (m *Manager) Get(ctx context.Context, name string) (*models.Module, apperrors.Error) {
	module, err := m.store.GetModule(ctx, name)
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return nil, moderror.ErrModuleNotFound.Msg(name)
		}
		return nil, moderror.ErrInternal.Err(err)
	}
	return module, nil
}

// List returns all module definitions ordered by name.
func (m *Manager) List(ctx context.Context) ([]*models.Module, apperrors.Error) {
	modules, err := m.store.ListModules(ctx)
	if err != nil {
		return nil, moderror.ErrInternal.Err(err)
	}
	return modules, nil
}

// ValidateConfiguration checks a caller-supplied configuration against the
// module's embedded JSON schema. The effective configuration (defaults
// overlaid by caller values) is what gets validated, since that is what the
// installation will run with. Modules without a schema accept anything.
func (m *Manager) ValidateConfiguration(ctx context.Context, module *models.Module, configuration gojson.RawMessage) apperrors.Error {
	if len(module.ConfigSchema) == 0 {
		return nil
	}
	effective := EffectiveConfig(module, configuration)
	if len(effective) == 0 {
		effective = gojson.RawMessage(`{}`)
	}
	compiled, err := compileSchema(string(module.ConfigSchema))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("module", module.Name).Msg("stored config schema failed to compile")
		return moderror.ErrInternal.Msg("config schema failed to compile")
	}
	if err := validateAgainstSchema(compiled, effective); err != nil {
		return moderror.ErrInvalidConfiguration.Msg(err.Error())
	}
	return nil
}

// EffectiveConfig overlays caller-supplied values onto the module's defaults.
// The merge is shallow: a top-level key supplied by the caller replaces the
// default wholesale.
func EffectiveConfig(module *models.Module, caller gojson.RawMessage) gojson.RawMessage {
	defaults := module.ConfigDefaults
	if len(defaults) == 0 {
		return caller
	}
	if len(caller) == 0 {
		return defaults
	}
	merged := make([]byte, len(defaults))
	copy(merged, defaults)
	gjson.ParseBytes(caller).ForEach(func(key, value gjson.Result) bool {
		out, err := sjson.SetRawBytes(merged, key.String(), []byte(value.Raw))
		if err != nil {
			return true
		}
		merged = out
		return true
	})
	return merged
}

func validateAgainstSchema(compiled *jsonschema.Schema, doc gojson.RawMessage) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return err
	}
	return compiled.Validate(v)
}

func compileSchema(schema string) (*jsonschema.Schema, error) {
	if !gjson.Valid(schema) {
		return nil, fmt.Errorf("invalid JSON schema")
	}

	compiler := jsonschema.NewCompiler()
	// Allow schemas with $id to refer to themselves
	compiler.LoadURL = func(url string) (io.ReadCloser, error) {
		if url == "inline://schema" {
			return io.NopCloser(bytes.NewReader([]byte(schema))), nil
		}
		return nil, fmt.Errorf("unsupported schema ref: %s", url)
	}
	err := compiler.AddResource("inline://schema", bytes.NewReader([]byte(schema)))
	if err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiledSchema, err := compiler.Compile("inline://schema")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return compiledSchema, nil
}
