package dberror

import (
	"github.com/modforge/modforge-internal/internal/common/apperrors"
)

var (
	ErrDatabase      apperrors.Error = apperrors.New("db error").SetKind(apperrors.KindInternal)
	ErrAlreadyExists apperrors.Error = ErrDatabase.New("already exists").SetKind(apperrors.KindConflict)
	ErrNotFound      apperrors.Error = ErrDatabase.New("not found").SetKind(apperrors.KindNotFound)
	ErrInvalidInput  apperrors.Error = ErrDatabase.New("invalid input").SetKind(apperrors.KindValidation)
	// ErrStateMismatch is returned by guarded updates when the row exists but
	// is not in any of the expected from-states.
	ErrStateMismatch apperrors.Error = ErrDatabase.New("state mismatch").SetKind(apperrors.KindConflict)
)
