// SPDX-License-Identifier: MIT

// Package ansiblecompat provides the shared error taxonomy and constants
// used by the runtime, config and loader packages.
//
// Every error produced by this module carries a process return code so
// that command line consumers can exit with the same codes the upstream
// ansible tooling uses.
package ansiblecompat

import (
	"errors"
	"fmt"
	"strings"
)

// Return codes reported by errors of this module.
const (
	// AnsibleFailureRC is the generic failure return code.
	AnsibleFailureRC = 1
	// AnsibleMissingRC is reported when no working ansible executable is found.
	AnsibleMissingRC = 4
	// InvalidPrerequisitesRC is reported when a required collection, role or
	// configuration prerequisite is missing or unusable.
	InvalidPrerequisitesRC = 10
)

// Error is the base error type for this module. It wraps an optional cause
// and carries the return code a CLI consumer should exit with.
type Error struct {
	Msg   string
	RC    int
	Cause error
}

func (e *Error) Error() string {
	return e.Msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError returns a generic failure with AnsibleFailureRC.
func NewError(msg string) *Error {
	return &Error{Msg: msg, RC: AnsibleFailureRC}
}

// MissingAnsibleError reports that no working ansible executable could be
// found. Proc holds the failed probe invocation when one was attempted.
type MissingAnsibleError struct {
	Msg  string
	Proc *Proc
}

func (e *MissingAnsibleError) Error() string {
	return e.Msg
}

// RC implements the returnCoder contract.
func (e *MissingAnsibleError) RC() int { return AnsibleMissingRC }

// InvalidPrerequisiteError reports missing or unacceptable prerequisites,
// such as an absent collection, a too old version or a broken install.
type InvalidPrerequisiteError struct {
	Msg   string
	Cause error
}

func (e *InvalidPrerequisiteError) Error() string {
	return e.Msg
}

// Unwrap returns the wrapped cause, if any.
func (e *InvalidPrerequisiteError) Unwrap() error {
	return e.Cause
}

// RC implements the returnCoder contract.
func (e *InvalidPrerequisiteError) RC() int { return InvalidPrerequisitesRC }

// CommandError reports a subprocess that exited non-zero.
type CommandError struct {
	Proc *Proc
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("Got %d exit code while running: %s", e.Proc.ExitCode, strings.Join(e.Proc.Args, " "))
}

// RC returns the exit code of the failed process.
func (e *CommandError) RC() int { return e.Proc.ExitCode }

type returnCoder interface {
	RC() int
}

// ReturnCode extracts the return code carried by err. Errors outside this
// module's taxonomy map to AnsibleFailureRC.
func ReturnCode(err error) int {
	if err == nil {
		return 0
	}
	var rc returnCoder
	if errors.As(err, &rc) {
		return rc.RC()
	}
	var base *Error
	if errors.As(err, &base) && base.RC != 0 {
		return base.RC
	}
	return AnsibleFailureRC
}
