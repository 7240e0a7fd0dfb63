// Package schemaerr collects field-level validation failures for module
// definitions so a caller gets every problem in one response instead of one
// at a time.
package schemaerr

import (
	"fmt"
	"strings"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field  string `json:"field"`
	ErrStr string `json:"error"`
}

func (v ValidationError) Error() string {
	if v.Field == "" {
		return v.ErrStr
	}
	return v.Field + ": " + v.ErrStr
}

// ValidationErrors is the set of failures detected in one validation pass.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

var ErrInvalidSchema = ValidationError{ErrStr: "invalid schema"}

func ErrMissingRequiredAttribute(field string) ValidationError {
	return ValidationError{Field: field, ErrStr: "missing required attribute"}
}

func ErrUnsupportedKind(field string) ValidationError {
	return ValidationError{Field: field, ErrStr: "unsupported kind"}
}

func ErrInvalidVersion(field string) ValidationError {
	return ValidationError{Field: field, ErrStr: "invalid version"}
}

func ErrInvalidNameFormat(field string, value string) ValidationError {
	if value == "" {
		return ValidationError{Field: field, ErrStr: "invalid name format"}
	}
	return ValidationError{Field: field, ErrStr: fmt.Sprintf("invalid name format: %s", value)}
}

func ErrInvalidModuleVersion(field string, value string) ValidationError {
	return ValidationError{Field: field, ErrStr: fmt.Sprintf("invalid semantic version: %s", value)}
}

func ErrInvalidVersionRange(field string, value string) ValidationError {
	return ValidationError{Field: field, ErrStr: fmt.Sprintf("invalid version range: %s", value)}
}

func ErrValidationFailed(field string) ValidationError {
	return ValidationError{Field: field, ErrStr: "validation failed for attribute"}
}
