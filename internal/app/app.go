// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package app defines process-wide types and constants shared by the CLI
// and every pipeline stage: the CLI flag names and the
// immutable Context threaded through every pipeline stage.
package app

import (
	"os"
	"path/filepath"
)

// Name is the name of the application executable, used in log files and
// usage text.
var Name = filepath.Base(os.Args[0])

// Context carries the small amount of state every pipeline stage may need:
// where to write dump files, whether debug mode is on, and the version
// string. It is built once per run by the root command's run function and
// passed by reference, so
// every stage shares the same read-only configuration.
type Context struct {
	InputPath string // path to the program under analysis (µASM or ELF)
	EnvPath   string // path to the resolved environment YAML file, if any
	OutputDir string // directory for dump files (--cfg, --mir, --smt, ...); defaults to the input file's directory
	Version   string
	Debug     bool
}

// Flag names, exactly as they appear on the command line.
const (
	FlagDebugName          = "debug"
	FlagAssemblyInfoName   = "assembly-info"
	FlagShowEnvName        = "show-env"
	FlagSkipCexName        = "skip-cex"
	FlagSkipSolvingName    = "skip-solving"
	FlagCheckName          = "check"
	FlagObserveName        = "observe"
	FlagModelName          = "model"
	FlagOptName            = "opt"
	FlagPredictorName      = "predictor"
	FlagSolverName         = "solver"
	FlagEntryName          = "entry"
	FlagRecursionName      = "recursion"
	FlagUnwindName         = "unwind"
	FlagSpecWinName        = "spec-win"
	FlagUnwindingGuardName = "unwinding-guard"
	FlagEnvName            = "env"
	FlagCFGName            = "cfg"
	FlagTransCFGName       = "trans-cfg"
	FlagCallGraphName      = "call-graph"
	FlagLoopTreeName       = "loop-tree"
	FlagMIRName            = "mir"
	FlagLIRName            = "lir"
	FlagSMTName            = "smt"
	FlagCexName            = "cex"
)

// Exit codes.
const (
	ExitVerified      = 0 // UNSAT: no leak within the bounded model
	ExitLeakFound     = 1 // SAT: counterexample written
	ExitUnknown       = 2 // solver timeout or "unknown"
	ExitInputError    = 3 // malformed input, unknown register, bad YAML
	ExitPipelineError = 4 // inlining/unwinding/BTB resolution failure
	ExitEncodingError = 5 // type mismatch or unsupported instruction: implementation bug, abort
)
