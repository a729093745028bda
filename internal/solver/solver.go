// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package solver spawns an external SMT solver as a child process, pipes
// an SMT-LIB 2 script to its stdin, and normalizes its verdict. It treats
// the solver as a blocking RPC over pipes bounded by a wall-clock
// timeout (context.WithTimeout + exec.CommandContext + buffered
// stdout/stderr capture), generalized here from a single-shot subprocess
// call to one that also reads back a model on a sat verdict.
package solver

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"snicheck/internal/app"
	"snicheck/internal/envcfg"
	"snicheck/internal/smtenc"
)

// Verdict is the normalized result of a solver query, independent of
// which solver produced it or how it capitalized its answer.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictUnsat
	VerdictSat
)

func (v Verdict) String() string {
	switch v {
	case VerdictUnsat:
		return "unsat"
	case VerdictSat:
		return "sat"
	default:
		return "unknown"
	}
}

// DefaultTimeout bounds a solver call when Options.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// Options selects the solver binary and its invocation shape.
type Options struct {
	Solver       string // one of envcfg.SolverZ3/SolverCVC4/SolverYices2
	Timeout      time.Duration
	IncludeModel bool

	// BinaryPath and ExtraArgs override solver resolution entirely when
	// BinaryPath is non-empty, replacing both the resolved binary name
	// and its default arguments. Primarily for tests and for pointing at
	// a wrapper script instead of a bare binary on $PATH.
	BinaryPath string
	ExtraArgs  []string
}

// Result is one solver query's outcome.
type Result struct {
	Verdict   Verdict
	RawOutput string
	Stderr    string
	Duration  time.Duration
	Model     map[string]uint64
	BoolModel map[string]bool
}

// resolveSolver normalizes each solver's command-line shape for reading
// an SMT-LIB 2 script off stdin: z3 wants -in/-smt2, cvc4 wants an
// explicit language flag plus --incremental (it otherwise exits after the
// first check-sat in some builds), yices-smt2 reads SMT-LIB natively.
func resolveSolver(opts Options) (string, []string, error) {
	if opts.BinaryPath != "" {
		return opts.BinaryPath, opts.ExtraArgs, nil
	}
	switch opts.Solver {
	case envcfg.SolverZ3, "":
		return "z3", []string{"-in", "-smt2"}, nil
	case envcfg.SolverCVC4:
		return "cvc4", []string{"--lang=smt2", "--incremental"}, nil
	case envcfg.SolverYices2:
		return "yices-smt2", []string{"--incremental"}, nil
	default:
		return "", nil, app.Newf(app.KindSolver, "solver", "unsupported solver %q", opts.Solver)
	}
}

// Run spawns the configured solver, pipes script.Text to its stdin, and
// parses its stdout. On timeout it returns VerdictUnknown with no error,
// treating an inconclusive run as a normal outcome rather than a
// pipeline failure.
func Run(ctx context.Context, script *smtenc.Script, opts Options) (*Result, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	path, args, err := resolveSolver(opts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, args...) // #nosec G204
	cmd.Stdin = strings.NewReader(script.Text)
	var outbuf, errbuf strings.Builder
	cmd.Stdout = &outbuf
	cmd.Stderr = &errbuf

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return &Result{Verdict: VerdictUnknown, RawOutput: outbuf.String(), Stderr: errbuf.String(), Duration: elapsed}, nil
	}
	if runErr != nil {
		return nil, app.Wrap(app.KindSolver, "solver", errors.Wrapf(runErr, "running %s: %s", path, strings.TrimSpace(errbuf.String())))
	}

	res := &Result{Verdict: parseVerdict(outbuf.String()), RawOutput: outbuf.String(), Stderr: errbuf.String(), Duration: elapsed}
	if res.Verdict == VerdictSat && opts.IncludeModel {
		bits, bools, err := parseModel(outbuf.String())
		if err != nil {
			return nil, app.Wrap(app.KindSolver, "solver", err)
		}
		res.Model = bits
		res.BoolModel = bools
	}
	return res, nil
}
