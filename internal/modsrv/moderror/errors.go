// Package moderror defines the error taxonomy shared by the catalog,
// resolver and orchestrator. Every error is a descendant of ErrModuleService,
// grouped under one of five category parents, so callers can match broadly
// (errors.Is(err, moderror.ErrConflict)) or precisely
// (errors.Is(err, moderror.ErrAlreadyInstalled)).
package moderror

import (
	"github.com/modforge/modforge-internal/internal/common/apperrors"
)

var ErrModuleService apperrors.Error = apperrors.New("module service error")

// Category parents.
var (
	ErrValidation apperrors.Error = ErrModuleService.New("validation error").SetKind(apperrors.KindValidation)
	ErrConflict   apperrors.Error = ErrModuleService.New("conflict").SetKind(apperrors.KindConflict)
	ErrNotFound   apperrors.Error = ErrModuleService.New("not found").SetKind(apperrors.KindNotFound)
	ErrForbidden  apperrors.Error = ErrModuleService.New("forbidden").SetKind(apperrors.KindForbidden)
	ErrInternal   apperrors.Error = ErrModuleService.New("internal error").SetKind(apperrors.KindInternal)
)

// Validation: malformed input, surfaced synchronously, never retried.
var (
	ErrInvalidDefinition    apperrors.Error = ErrValidation.New("invalid module definition").SetExpandError(true)
	ErrInvalidVersion       apperrors.Error = ErrValidation.New("invalid semantic version")
	ErrInvalidVersionRange  apperrors.Error = ErrValidation.New("invalid version range")
	ErrInvalidConfiguration apperrors.Error = ErrValidation.New("configuration does not conform to module schema").SetExpandError(true)
	ErrInvalidRequest       apperrors.Error = ErrValidation.New("invalid request")
)

// Conflict: the request is well-formed but collides with current state.
var (
	ErrModuleAlreadyExists    apperrors.Error = ErrConflict.New("module already exists")
	ErrCyclicDependency       apperrors.Error = ErrConflict.New("cyclic dependency").SetExpandError(true)
	ErrInvalidStateTransition apperrors.Error = ErrConflict.New("invalid state transition").SetExpandError(true)
	ErrAlreadyInstalled       apperrors.Error = ErrConflict.New("module already installed")
	ErrNotInstalled           apperrors.Error = ErrConflict.New("module not installed")
	ErrDependentModulesExist  apperrors.Error = ErrConflict.New("dependent modules exist").SetExpandError(true)
	ErrVersionConflict        apperrors.Error = ErrConflict.New("version conflict").SetExpandError(true)
	ErrJobNotRetryable        apperrors.Error = ErrConflict.New("job is not retryable")
)

// Not found.
var (
	ErrModuleNotFound       apperrors.Error = ErrNotFound.New("module not found")
	ErrJobNotFound          apperrors.Error = ErrNotFound.New("job not found")
	ErrTenantModuleNotFound apperrors.Error = ErrNotFound.New("tenant module not found")
	ErrMissingDependency    apperrors.Error = ErrNotFound.New("missing dependency").SetExpandError(true)
	ErrExecutorNotFound     apperrors.Error = ErrNotFound.New("no step executor registered")
)

// Forbidden: the tenant may not perform this operation right now.
var (
	ErrSubscriptionRequired apperrors.Error = ErrForbidden.New("subscription required")
	ErrModuleNotPublished   apperrors.Error = ErrForbidden.New("module is not published")
	ErrModuleDeprecated     apperrors.Error = ErrForbidden.New("module is deprecated")
)

// Internal: failures of the service itself or of its collaborators.
var (
	ErrStepExecution           apperrors.Error = ErrInternal.New("step execution failed").SetExpandError(true)
	ErrSubscriptionCheckFailed apperrors.Error = ErrInternal.New("subscription check failed").SetExpandError(true)
	ErrQueueFull               apperrors.Error = ErrInternal.New("job queue is full")
)
