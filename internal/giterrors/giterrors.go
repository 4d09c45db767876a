// Package giterrors defines the error taxonomy shared by every layer of
// git-meta: UserError (avoidable misuse), ConflictError (three-way
// resolution needed), IOError (adapter passthrough) and InternalError
// (invariant violation, treat as a bug).
package giterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind tags a UserError with a specific reason a command was refused.
type Kind string

const (
	NotClean            Kind = "NotClean"
	Inconsistent         Kind = "Inconsistent"
	NoHead               Kind = "NoHead"
	Misconfigured        Kind = "Misconfigured"
	OperationInProgress  Kind = "OperationInProgress"
	NotARepo             Kind = "NotARepo"
	UnknownRef           Kind = "UnknownRef"
	UrlChangeUnsupported Kind = "UrlChangeUnsupported"
	MetaFileChange       Kind = "MetaFileChange"
	RemoteMissing        Kind = "RemoteMissing"
	BadRange             Kind = "BadRange"
	RemoteFailure        Kind = "RemoteFailure"
)

// UserError is misuse or avoidable state. It maps to CLI exit code 1.
type UserError struct {
	Kind  Kind
	Msg   string
	Names []string // affected submodule/branch names, for CLI highlighting
}

func (e *UserError) Error() string {
	if len(e.Names) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s %v", e.Kind, e.Msg, e.Names)
}

func NewUserError(kind Kind, msg string, names ...string) *UserError {
	return &UserError{Kind: kind, Msg: msg, Names: names}
}

// ConflictError signals that a three-way resolution is required. The
// sequencer is left on disk so the caller can continue or abort.
type ConflictError struct {
	Kind        Kind
	Submodule   string // empty for a meta-level conflict
	Path        string // the submodule's declared checkout path, paired with Submodule
	Sha         string // the target sha the submodule was being advanced to
	OldSha      string // the submodule's sha before this step, what the user resolves from
	NextCommand string // "continue" or "abort"
	Msg         string
}

const (
	MetaConflict      Kind = "MetaConflict"
	SubmoduleConflict Kind = "SubmoduleConflict"
)

func (e *ConflictError) Error() string {
	if e.Submodule != "" {
		return fmt.Sprintf("%s in submodule %q at %s: %s (run %q to resolve)", e.Kind, e.Submodule, e.Sha, e.Msg, e.NextCommand)
	}
	return fmt.Sprintf("%s: %s (run %q to resolve)", e.Kind, e.Msg, e.NextCommand)
}

func NewMetaConflict(msg string) *ConflictError {
	return &ConflictError{Kind: MetaConflict, Msg: msg, NextCommand: "continue"}
}

func NewSubmoduleConflict(name, path, sha, oldSha, msg string) *ConflictError {
	return &ConflictError{Kind: SubmoduleConflict, Submodule: name, Path: path, Sha: sha, OldSha: oldSha, Msg: msg, NextCommand: "continue"}
}

// IOError wraps an adapter-level failure (fetch, push, filesystem). It
// carries a stack trace via pkg/errors so logging has context even though
// the surfaced CLI message stays short.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

func NewIOError(op string, err error) *IOError {
	return &IOError{Op: op, Err: errors.WithStack(err)}
}

// InternalError marks an invariant violation. It is logged with full
// context and mapped to a non-1 exit code; it should never be expected by
// a caller's control flow.
type InternalError struct {
	Msg string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("internal error: %s", e.Msg)
}
func (e *InternalError) Unwrap() error { return e.Err }

func NewInternalError(msg string, err error) *InternalError {
	return &InternalError{Msg: msg, Err: errors.WithStack(err)}
}

// ExitCode maps an error to the process exit code the CLI should return.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue *UserError
	var ce *ConflictError
	if errors.As(err, &ue) || errors.As(err, &ce) {
		return 1
	}
	return 255
}
