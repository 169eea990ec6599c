package engine

import (
	"errors"
	"fmt"

	"capaflow/internal/domain"
	"capaflow/internal/engine/auth"
	"capaflow/internal/repo"
)

// Kind discriminates engine errors for callers and transports.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindInvariant     Kind = "invariant_violation"
	KindStaleStage    Kind = "stale_stage"
	KindNotFound      Kind = "not_found"
	KindAuthorization Kind = "authorization"
	KindDependency    Kind = "dependency"
)

// Error is the discriminated error returned by engine operations.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// StaleStageError reports a lost advance race: the NC was not at the stage
// the caller expected. Callers re-read and retry.
type StaleStageError struct {
	NonConformityID string
	Expected        domain.Stage
	Actual          domain.Stage
}

func (e *StaleStageError) Error() string {
	return fmt.Sprintf("non-conformity %s is at stage %d, expected %d", e.NonConformityID, e.Actual, e.Expected)
}

// AlreadyCompletedError is returned when completing a task that is already
// completed or cancelled.
type AlreadyCompletedError struct {
	TaskID string
	Status domain.TaskStatus
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("task %s is already %s", e.TaskID, e.Status)
}

// KindOf classifies err. Unknown errors return the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var stale *StaleStageError
	if errors.As(err, &stale) {
		return KindStaleStage
	}
	var done *AlreadyCompletedError
	if errors.As(err, &done) {
		return KindInvariant
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return KindAuthorization
	}
	var ct auth.CrossTenantError
	if errors.As(err, &ct) {
		return KindAuthorization
	}
	if errors.Is(err, repo.ErrNotFound) {
		return KindNotFound
	}
	return ""
}

func validationErr(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func invariantErr(op, format string, args ...any) error {
	return &Error{Kind: KindInvariant, Op: op, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(op, what, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %s not found", what, id), Err: repo.ErrNotFound}
}

func authErr(op string, err error) error {
	return &Error{Kind: KindAuthorization, Op: op, Message: err.Error(), Err: err}
}

// storeErr maps a persistence error: ErrNotFound becomes a not-found error
// for the named entity, everything else a dependency error.
func storeErr(op, what, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return notFoundErr(op, what, id)
	}
	return dependencyErr(op, err)
}

func dependencyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return &Error{Kind: KindDependency, Op: op, Message: fmt.Sprintf("%s: storage failure: %v", op, err), Err: err}
}
