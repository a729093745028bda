// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package app

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a pipeline error by stage. The top level (cmd.Execute)
// switches on Kind to pick an exit code; intermediate stages never swallow
// an error, they wrap it with errors.Wrap and let it propagate.
type Kind int

const (
	// KindInput covers malformed input: bad µASM syntax, unsupported ELF,
	// invalid YAML, a policy referring to an unknown register.
	KindInput Kind = iota
	// KindPipeline covers inlining beyond the recursion limit without a
	// guard choice, an unresolvable indirect branch, and similar
	// stage-level failures that are a property of the input + config, not
	// a bug in this program.
	KindPipeline
	// KindEncoding covers a type mismatch or unsupported instruction
	// reaching the SMT encoder: an implementation bug, not a user error.
	KindEncoding
	// KindSolver covers solver spawn failure or protocol errors (not
	// timeout, which is reported as app.ExitUnknown rather than an error).
	KindSolver
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input error"
	case KindPipeline:
		return "pipeline error"
	case KindEncoding:
		return "encoding error"
	case KindSolver:
		return "solver error"
	default:
		return "error"
	}
}

// Error is a structured pipeline error: a Kind plus a human-readable
// message with the wrapped cause preserved for %+v / errors.Cause.
type Error struct {
	Kind  Kind
	Stage string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Stage, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Stage)
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap builds an Error of the given Kind, attributing it to stage, wrapping
// cause with github.com/pkg/errors so its stack trace survives.
func Wrap(kind Kind, stage string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, cause: errors.Wrap(cause, stage)}
}

// Newf builds an Error of the given Kind from a formatted message, with no
// wrapped cause.
func Newf(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, cause: errors.Errorf(format, args...)}
}

// ExitCode maps a pipeline error to its process exit code, distinguishing
// input, pipeline and encoding failures; solver failures share the
// pipeline-error code.
func ExitCode(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindInput:
			return ExitInputError
		case KindPipeline, KindSolver:
			return ExitPipelineError
		case KindEncoding:
			return ExitEncodingError
		}
	}
	return ExitPipelineError
}
