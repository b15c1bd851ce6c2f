package driver

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory indicates that a device memory request could not be satisfied. It is
	// recoverable: the caller may free memory, trim caches, or fall back to a smaller request.
	ErrOutOfMemory = errors.New("out of device memory")
	// ErrObjectBuildFailure indicates that a pipeline, layout, or sampler could not be built, either
	// because its description was invalid or because the device rejected it
	ErrObjectBuildFailure = errors.New("device object build failed")
	// ErrDeviceLost indicates that the device stopped responding. Nothing created from the device
	// can be used after this error is observed.
	ErrDeviceLost = errors.New("device lost")
	// ErrInvariantViolation marks the panics raised when a caller breaks an ownership or ordering
	// rule, such as freeing an allocation twice
	ErrInvariantViolation = errors.New("invariant violation")
)

// kindError attaches one of the error kinds above to a cause. The cause keeps its message and
// its chain. The kind is found by errors.Is from either the standard library or cockroachdb.
type kindError struct {
	cause error
	kind  error
}

func (e *kindError) Error() string        { return e.cause.Error() }
func (e *kindError) Unwrap() error        { return e.cause }
func (e *kindError) Is(target error) bool { return target == e.kind }

// Mark tags err with kind, which must be one of ErrOutOfMemory, ErrObjectBuildFailure,
// ErrDeviceLost or ErrInvariantViolation. A nil err stays nil.
func Mark(err error, kind error) error {
	if err == nil {
		return nil
	}
	return &kindError{cause: errors.Mark(err, kind), kind: kind}
}

// Invariantf builds the error value used to panic on a programming error. The result is an
// assertion failure marked with ErrInvariantViolation.
func Invariantf(format string, args ...any) error {
	return Mark(errors.AssertionFailedf(format, args...), ErrInvariantViolation)
}

// OutOfMemoryf builds an error marked with ErrOutOfMemory
func OutOfMemoryf(format string, args ...any) error {
	return Mark(errors.Newf(format, args...), ErrOutOfMemory)
}

// DeviceLostf builds an error marked with ErrDeviceLost
func DeviceLostf(format string, args ...any) error {
	return Mark(errors.Newf(format, args...), ErrDeviceLost)
}

// BuildFailuref builds an error marked with ErrObjectBuildFailure
func BuildFailuref(format string, args ...any) error {
	return Mark(errors.Newf(format, args...), ErrObjectBuildFailure)
}
