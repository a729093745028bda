// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package envcfg

// CLIOverrides mirrors the subset of CLI flags that also exist in
// the environment file, as parsed by cobra/pflag. Only fields the caller
// marks Set are applied, implementing the "CLI > env file" half of the
// precedence rule (the "env file > defaults" half is Merge, in config.go).
type CLIOverrides struct {
	Optimization      string
	Solver            string
	Check             string
	Observe           string
	Model             string
	Predictor         string
	RecursionLimit    int
	Unwind            int
	SpeculationWindow int
	UnwindingGuard    string
	ProgramEntry      string
	Debug             bool

	SetOptimization      bool
	SetSolver            bool
	SetCheck             bool
	SetObserve           bool
	SetModel             bool
	SetPredictor         bool
	SetRecursionLimit    bool
	SetUnwind            bool
	SetSpeculationWindow bool
	SetUnwindingGuard    bool
	SetProgramEntry      bool
	SetDebug             bool
}

// ApplyCLI overlays the flags the user actually passed onto env, the
// highest-precedence configuration layer.
func ApplyCLI(env Environment, cli CLIOverrides) Environment {
	if cli.SetOptimization {
		env.Optimization = cli.Optimization
	}
	if cli.SetSolver {
		env.Solver = cli.Solver
	}
	if cli.SetCheck {
		env.Analysis.Check = cli.Check
	}
	if cli.SetObserve {
		env.Analysis.Observe = cli.Observe
	}
	if cli.SetModel {
		env.Analysis.Model = cli.Model
	}
	if cli.SetPredictor {
		env.Analysis.PredictorStrategy = cli.Predictor
	}
	if cli.SetRecursionLimit {
		env.Analysis.RecursionLimit = ptr(cli.RecursionLimit)
	}
	if cli.SetUnwind {
		env.Analysis.Unwind = ptr(cli.Unwind)
	}
	if cli.SetSpeculationWindow {
		env.Architecture.SpeculationWindow = ptr(cli.SpeculationWindow)
	}
	if cli.SetUnwindingGuard {
		env.Analysis.UnwindingGuard = cli.UnwindingGuard
	}
	if cli.SetProgramEntry {
		env.Analysis.ProgramEntry = cli.ProgramEntry
	}
	if cli.SetDebug {
		env.Debug = cli.Debug
	}
	return env
}

// Resolve combines Defaults(), an optional parsed file, and CLI overrides
// into one Environment. No further normalization is done: a pointer field
// that neither layer sets keeps the Defaults() value, or stays nil where
// Defaults() leaves it nil (start_with_empty_cache), and the nil-safe
// accessors below and in config.go read them.
func Resolve(file *Environment, cli CLIOverrides) Environment {
	env := Defaults()
	if file != nil {
		env = Merge(env, *file)
	}
	env = ApplyCLI(env, cli)
	return env
}

// RecursionLimitValue, UnwindValue, SpeculationWindowValue read through the
// pointer fields; a nil pointer (an Environment built outside
// Resolve/Defaults) reads as the Defaults() value: 2, 2 and 10.
func (e Environment) RecursionLimitValue() int {
	if e.Analysis.RecursionLimit == nil {
		return 2
	}
	return *e.Analysis.RecursionLimit
}

func (e Environment) UnwindValue() int {
	if e.Analysis.Unwind == nil {
		return 2
	}
	return *e.Analysis.Unwind
}

func (e Environment) SpeculationWindowValue() int {
	if e.Architecture.SpeculationWindow == nil {
		return 10
	}
	return *e.Architecture.SpeculationWindow
}

// UnwindForLoop returns the per-loop override from analysis.unwind_loop,
// falling back to the global unwind bound.
func (e Environment) UnwindForLoop(loopID string) int {
	if n, ok := e.Analysis.UnwindLoop[loopID]; ok {
		return n
	}
	return e.UnwindValue()
}
