package job

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrIDTaken           = errors.New("id already taken")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindFetch   Kind = "fetch"
	KindStorage Kind = "storage"
	KindQueue   Kind = "queue"
	KindBuild   Kind = "build"
)

// Sentinels matched by errors.Is against *Error of the same kind.
var (
	ErrFetch   = &Error{Kind: KindFetch}
	ErrStorage = &Error{Kind: KindStorage}
	ErrQueue   = &Error{Kind: KindQueue}
	ErrBuild   = &Error{Kind: KindBuild}
)

// Error is a pipeline failure for a single job.
type Error struct {
	Kind  Kind
	JobID string
	Err   error
}

func (e *Error) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("job %s: %s failure: %v", e.JobID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrBuild) true for every *Error of KindBuild.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.JobID == "" || t.JobID == e.JobID) && t.Err == nil
}

// NewError wraps err as a failure of kind k for job id.
func NewError(k Kind, id string, err error) error {
	return &Error{Kind: k, JobID: id, Err: err}
}

func invalidRequest(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}
