package apperrors

// Kind classifies an error for callers that need to map it onto a
// transport-specific code without walking the error chain.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal"
)

// Error is a layered application error. Package-level error variables form a
// taxonomy: children created with New satisfy errors.Is against every
// ancestor. Msg, MsgErr and Err derive a new instance rather than mutating
// the receiver, so shared error variables stay immutable under concurrent use.
type Error interface {
	Error() string
	ErrorAll() string
	New(msg string) Error
	Msg(msg string) Error
	MsgErr(msg string, err ...error) Error
	Err(err ...error) Error
	Unwrap() []error
	Is(target error) bool
	SetExpandError(expand bool) Error
	SetKind(k Kind) Error
	Kind() Kind
}
