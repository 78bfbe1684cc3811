package train

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies merge train failures.
type ErrorKind string

const (
	KindLockAcquisitionFailed ErrorKind = "lock_acquisition_failed"
	KindEntryFailed           ErrorKind = "entry_failed"
	KindQualityGateFailed     ErrorKind = "quality_gate_failed"
	KindConflictDetected      ErrorKind = "conflict_detected"
	KindInvalidTransition     ErrorKind = "invalid_transition"
	KindRepository            ErrorKind = "repository_error"
	KindTimeout               ErrorKind = "timeout"
)

// Error is the merge train error type. errors.Is matches on Kind alone, so the
// package-level sentinels can be used to test any error of that kind.
type Error struct {
	Kind      ErrorKind
	Workspace string
	Reason    string
	Gate      string
	Files     []string
	Seconds   int
	Err       error
}

var (
	ErrLockAcquisitionFailed = &Error{Kind: KindLockAcquisitionFailed}
	ErrEntryFailed           = &Error{Kind: KindEntryFailed}
	ErrQualityGateFailed     = &Error{Kind: KindQualityGateFailed}
	ErrConflictDetected      = &Error{Kind: KindConflictDetected}
	ErrInvalidTransition     = &Error{Kind: KindInvalidTransition}
	ErrRepository            = &Error{Kind: KindRepository}
	ErrTimeout               = &Error{Kind: KindTimeout}
)

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindLockAcquisitionFailed:
		msg = "failed to acquire processing lock"
	case KindEntryFailed:
		msg = fmt.Sprintf("entry '%s' failed: %s", e.Workspace, e.Reason)
	case KindQualityGateFailed:
		msg = fmt.Sprintf("quality gate failed for workspace '%s': %s", e.Workspace, e.Gate)
	case KindConflictDetected:
		msg = fmt.Sprintf("conflicts detected in workspace '%s'", e.Workspace)
		if len(e.Files) > 0 {
			msg += ": " + strings.Join(e.Files, ", ")
		}
	case KindInvalidTransition:
		msg = "invalid state transition: " + e.Reason
	case KindRepository:
		msg = "repository error: " + e.Reason
	case KindTimeout:
		msg = fmt.Sprintf("operation timed out after %d seconds", e.Seconds)
	default:
		msg = string(e.Kind)
	}
	switch e.Kind {
	case KindLockAcquisitionFailed, KindEntryFailed, KindQualityGateFailed:
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func LockAcquisitionFailed(cause error) *Error {
	return &Error{Kind: KindLockAcquisitionFailed, Err: cause}
}

func EntryFailed(workspace, reason string, cause error) *Error {
	return &Error{Kind: KindEntryFailed, Workspace: workspace, Reason: reason, Err: cause}
}

func QualityGateFailed(workspace, gate string, cause error) *Error {
	return &Error{Kind: KindQualityGateFailed, Workspace: workspace, Gate: gate, Err: cause}
}

func ConflictDetected(workspace string, files []string) *Error {
	return &Error{Kind: KindConflictDetected, Workspace: workspace, Files: files}
}

func InvalidTransition(cause error) *Error {
	return &Error{Kind: KindInvalidTransition, Reason: strings.TrimPrefix(cause.Error(), "invalid state transition: "), Err: cause}
}

func RepositoryError(op string, cause error) *Error {
	return &Error{Kind: KindRepository, Reason: fmt.Sprintf("%s: %v", op, cause), Err: cause}
}

func Timeout(seconds int, cause error) *Error {
	return &Error{Kind: KindTimeout, Seconds: seconds, Err: cause}
}

// asTimeout converts err into a Timeout when ctx hit its deadline.
func asTimeout(ctx context.Context, seconds int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Timeout(seconds, err)
	}
	return err
}
