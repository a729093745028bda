// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package cmd provides the command line interface for the application.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v2"

	"snicheck/internal/app"
	"snicheck/internal/dotgraph"
	"snicheck/internal/envcfg"
	"snicheck/internal/lir"
	"snicheck/internal/looptree"
	"snicheck/internal/metrics"
	"snicheck/internal/mir"
	"snicheck/internal/optimizer"
	"snicheck/internal/policy"
	"snicheck/internal/progress"
	"snicheck/internal/smtenc"
	"snicheck/internal/solver"
	"snicheck/internal/tcfg"
	"snicheck/internal/util"
)

var gVersion = "0.1.0" // can be overwritten at build time with -ldflags "-X"

// exitCode is set by run before returning a nil error, since a SAT or
// unknown verdict is a normal outcome that still needs a distinguished
// exit code rather than a cobra error.
var exitCode = app.ExitVerified

var rootCmd = &cobra.Command{
	Use:   fmt.Sprintf("%s <file>", app.Name),
	Short: "Bounded model checker for speculative non-interference",
	Long: fmt.Sprintf(`%s decides whether two executions of a program that agree on every
low (attacker-observable) input can be distinguished by an attacker
through microarchitectural side channels induced by transient execution,
within a fixed speculation window and loop-unwinding bound.`, app.Name),
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

var (
	flagDebug        bool
	flagAssemblyInfo bool
	flagShowEnv      bool
	flagSkipCex      bool
	flagSkipSolving  bool

	flagCheck          string
	flagObserve        string
	flagModel          string
	flagOpt            string
	flagPredictor      string
	flagSolver         string
	flagEntry          string
	flagUnwindingGuard string
	flagEnv            string

	flagRecursion int
	flagUnwind    int
	flagSpecWin   int

	flagCFG       bool
	flagTransCFG  bool
	flagCallGraph bool
	flagLoopTree  bool
	flagMIR       bool
	flagLIR       bool
	flagSMT       bool
	flagCex       bool
)

func init() {
	rootCmd.Flags().BoolVar(&flagDebug, app.FlagDebugName, false, "enable debug logging")
	rootCmd.Flags().BoolVar(&flagAssemblyInfo, app.FlagAssemblyInfoName, false, "print function/block/instruction counts for the parsed program")
	rootCmd.Flags().BoolVar(&flagShowEnv, app.FlagShowEnvName, false, "print the fully resolved environment and exit")
	rootCmd.Flags().BoolVar(&flagSkipCex, app.FlagSkipCexName, false, "do not reconstruct or dump a counterexample on a SAT verdict")
	rootCmd.Flags().BoolVar(&flagSkipSolving, app.FlagSkipSolvingName, false, "build the SMT script but do not invoke a solver")

	rootCmd.Flags().StringVar(&flagCheck, app.FlagCheckName, "", "{all|normal|transient}")
	rootCmd.Flags().StringVar(&flagObserve, app.FlagObserveName, "", "{sequential|parallel|full|trace}")
	rootCmd.Flags().StringVar(&flagModel, app.FlagModelName, "", "{components|pc}")
	rootCmd.Flags().StringVar(&flagOpt, app.FlagOptName, "", "{none|basic|full}")
	rootCmd.Flags().StringVar(&flagPredictor, app.FlagPredictorName, "", "{invert|choose}")
	rootCmd.Flags().StringVar(&flagSolver, app.FlagSolverName, "", "{z3|cvc4|yices2}")
	rootCmd.Flags().StringVar(&flagEntry, app.FlagEntryName, "", "entry function name")
	rootCmd.Flags().IntVar(&flagRecursion, app.FlagRecursionName, 0, "inlining recursion limit R")
	rootCmd.Flags().IntVar(&flagUnwind, app.FlagUnwindName, 0, "default loop-unwinding bound k")
	rootCmd.Flags().IntVar(&flagSpecWin, app.FlagSpecWinName, 0, "speculation window W")
	rootCmd.Flags().StringVar(&flagUnwindingGuard, app.FlagUnwindingGuardName, "", "{assumption|assertion}")
	rootCmd.Flags().StringVar(&flagEnv, app.FlagEnvName, "", "path to the environment YAML file")

	rootCmd.Flags().BoolVar(&flagCFG, app.FlagCFGName, false, "dump the control-flow graph as DOT")
	rootCmd.Flags().BoolVar(&flagTransCFG, app.FlagTransCFGName, false, "dump the transient CFG as DOT")
	rootCmd.Flags().BoolVar(&flagCallGraph, app.FlagCallGraphName, false, "dump the call graph as DOT")
	rootCmd.Flags().BoolVar(&flagLoopTree, app.FlagLoopTreeName, false, "dump the natural-loop forest as DOT")
	rootCmd.Flags().BoolVar(&flagMIR, app.FlagMIRName, false, "dump the mid-level IR as text")
	rootCmd.Flags().BoolVar(&flagLIR, app.FlagLIRName, false, "dump the self-composed, optimized low-level IR as text")
	rootCmd.Flags().BoolVar(&flagSMT, app.FlagSMTName, false, "dump the generated SMT-LIB 2 script")
	rootCmd.Flags().BoolVar(&flagCex, app.FlagCexName, false, "dump a found counterexample as DOT")
}

// Execute parses and runs the root command, returning the process exit
// code: app.ExitVerified/ExitLeakFound/ExitUnknown on a normal solver
// outcome, or the code app.ExitCode derives from a returned pipeline
// error.
func Execute() int {
	exitCode = app.ExitVerified
	if err := rootCmd.Execute(); err != nil {
		return app.ExitCode(err)
	}
	return exitCode
}

func cliOverrides(flags *cobra.Command) envcfg.CLIOverrides {
	changed := flags.Flags().Changed
	return envcfg.CLIOverrides{
		Optimization:         flagOpt,
		Solver:               flagSolver,
		Check:                flagCheck,
		Observe:              flagObserve,
		Model:                flagModel,
		Predictor:            flagPredictor,
		RecursionLimit:       flagRecursion,
		Unwind:               flagUnwind,
		SpeculationWindow:    flagSpecWin,
		UnwindingGuard:       flagUnwindingGuard,
		ProgramEntry:         flagEntry,
		Debug:                flagDebug,
		SetOptimization:      changed(app.FlagOptName),
		SetSolver:            changed(app.FlagSolverName),
		SetCheck:             changed(app.FlagCheckName),
		SetObserve:           changed(app.FlagObserveName),
		SetModel:             changed(app.FlagModelName),
		SetPredictor:         changed(app.FlagPredictorName),
		SetRecursionLimit:    changed(app.FlagRecursionName),
		SetUnwind:            changed(app.FlagUnwindName),
		SetSpeculationWindow: changed(app.FlagSpecWinName),
		SetUnwindingGuard:    changed(app.FlagUnwindingGuardName),
		SetProgramEntry:      changed(app.FlagEntryName),
		SetDebug:             changed(app.FlagDebugName),
	}
}

func run(cmd *cobra.Command, args []string) error {
	inputPath, err := util.AbsPath(args[0])
	if err != nil {
		return app.Wrap(app.KindInput, "resolve input path", err)
	}

	envPath, found := envcfg.DiscoverEnvPath(inputPath, flagEnv)
	var filePtr *envcfg.Environment
	if found {
		loaded, err := envcfg.LoadFile(envPath)
		if err != nil {
			return app.Wrap(app.KindInput, "load environment", err)
		}
		filePtr = &loaded
	}
	env := envcfg.Resolve(filePtr, cliOverrides(cmd))

	ctx := &app.Context{
		InputPath: inputPath,
		OutputDir: filepath.Dir(inputPath),
		Version:   gVersion,
		Debug:     env.Debug,
	}
	if found {
		ctx.EnvPath = envPath
	}

	closeLog, err := setupLogging(ctx)
	if err != nil {
		return app.Wrap(app.KindInput, "open log file", err)
	}
	defer closeLog()

	slog.Info("starting up", slog.String("input", inputPath), slog.String("version", gVersion))

	if flagShowEnv {
		text, err := yaml.Marshal(env)
		if err != nil {
			return app.Wrap(app.KindInput, "marshal environment", err)
		}
		fmt.Print(string(text))
		return nil
	}

	prog, err := mir.ParseFile(inputPath, env.Analysis.ProgramEntry)
	if err != nil {
		return app.Wrap(app.KindInput, "parse input", err)
	}

	if flagAssemblyInfo {
		printAssemblyInfo(prog)
	}

	if flagCallGraph {
		// Must render from the freshly parsed program: InlineCalls below
		// returns a new function with call sites already resolved away,
		// but never mutates prog itself.
		if err := writeDump(ctx, "call_graph.dot", dotgraph.CallGraph(prog)); err != nil {
			return app.Wrap(app.KindInput, "write call graph dump", err)
		}
	}

	entryFn, err := looptree.InlineCalls(prog, env.Analysis.ProgramEntry, env.RecursionLimitValue(), env.Analysis.UnwindingGuard, env.Analysis.InlineIgnore)
	if err != nil {
		return app.Wrap(app.KindPipeline, "inline calls", err)
	}

	if flagLoopTree {
		// Must build the forest before UnwindAll, which eliminates one
		// leaf loop per iteration and destroys the original structure.
		forest, err := looptree.BuildForest(entryFn)
		if err != nil {
			return app.Wrap(app.KindPipeline, "build loop forest", err)
		}
		if err := writeDump(ctx, "loop_tree.dot", dotgraph.LoopTree(forest)); err != nil {
			return app.Wrap(app.KindInput, "write loop tree dump", err)
		}
	}

	if err := looptree.UnwindAll(entryFn, env.UnwindForLoop, env.Analysis.UnwindingGuard); err != nil {
		return app.Wrap(app.KindPipeline, "unwind loops", err)
	}

	if flagCFG {
		if err := writeDump(ctx, "cfg.dot", dotgraph.CFG(entryFn)); err != nil {
			return app.Wrap(app.KindInput, "write cfg dump", err)
		}
	}
	if flagMIR {
		if err := writeDump(ctx, "mir.txt", mirText(entryFn)); err != nil {
			return app.Wrap(app.KindInput, "write mir dump", err)
		}
	}

	symbols, err := setupSymbols(env)
	if err != nil {
		return app.Wrap(app.KindInput, "evaluate setup.init_stack", err)
	}

	knownRegisters := mapset.NewSet(lir.CollectRegisters(entryFn)...)
	pol, err := policy.Build(env.Policy, symbols, knownRegisters)
	if err != nil {
		return app.Wrap(app.KindInput, "build policy", err)
	}

	window := env.SpeculationWindowValue()
	if env.Analysis.Check == envcfg.CheckNormal {
		window = 0
	}
	tg, err := tcfg.Build(entryFn, tcfg.Config{
		Predictor:  env.Analysis.PredictorStrategy,
		Window:     window,
		SpectrePHT: env.Analysis.EffectiveSpectrePHT(),
		SpectreSTL: env.Analysis.EffectiveSpectreSTL(),
	})
	if err != nil {
		return app.Wrap(app.KindPipeline, "build transient cfg", err)
	}
	if flagTransCFG {
		if err := writeDump(ctx, "trans_cfg.dot", dotgraph.TransCFG(tg)); err != nil {
			return app.Wrap(app.KindInput, "write transient cfg dump", err)
		}
	}

	lowered, err := lir.Lower(tg, entryFn, env)
	if err != nil {
		return app.Wrap(app.KindEncoding, "lower to lir", err)
	}
	composed := lir.SelfCompose(lowered, pol)
	optimized := optimizer.Optimize(composed, env.Optimization)

	if flagLIR {
		if err := writeDump(ctx, "lir.txt", dotgraph.LIRText(optimized)); err != nil {
			return app.Wrap(app.KindInput, "write lir dump", err)
		}
	}

	script, err := smtenc.Encode(optimized, smtenc.Options{ObserveMode: env.Analysis.Observe, IncludeModel: !flagSkipCex})
	if err != nil {
		return app.Wrap(app.KindEncoding, "encode smt", err)
	}
	if flagSMT {
		if err := writeDump(ctx, "smt2", script.Text); err != nil {
			return app.Wrap(app.KindInput, "write smt dump", err)
		}
	}

	if flagSkipSolving {
		slog.Info("skipping solver invocation", slog.String("reason", "--skip-solving"))
		fmt.Println("solving skipped")
		return nil
	}

	spinner := progress.NewSpinner("solving")
	spinner.Start()
	result, err := solver.Run(context.Background(), script, solver.Options{Solver: env.Solver, IncludeModel: !flagSkipCex})
	spinner.Stop()
	if err != nil {
		return app.Wrap(app.KindSolver, "run solver", err)
	}
	slog.Info("solver returned", slog.String("verdict", result.Verdict.String()), slog.Duration("duration", result.Duration))

	rec := metrics.NewRecorder()
	rec.Observe(result)
	if env.Debug {
		data, err := rec.Gather()
		if err != nil {
			slog.Error("failed to gather metrics", slog.String("error", err.Error()))
		} else if err := writeDump(ctx, "metrics.prom", string(data)); err != nil {
			slog.Error("failed to write metrics dump", slog.String("error", err.Error()))
		}
	}

	switch result.Verdict {
	case solver.VerdictUnsat:
		fmt.Println("verified: no leak found (UNSAT)")
		exitCode = app.ExitVerified
	case solver.VerdictSat:
		fmt.Println("leak found: SAT")
		if !flagSkipCex {
			cex, err := solver.Reconstruct(script, result)
			if err != nil {
				slog.Error("failed to reconstruct counterexample", slog.String("error", err.Error()))
			} else if flagCex {
				if err := writeDump(ctx, "cex.dot", dotgraph.Counterexample(cex)); err != nil {
					slog.Error("failed to write counterexample dump", slog.String("error", err.Error()))
				}
			}
		}
		exitCode = app.ExitLeakFound
	default:
		fmt.Println("unknown: solver timed out or could not decide")
		exitCode = app.ExitUnknown
	}
	return nil
}

// setupLogging opens "<app.Name>.log" in ctx.OutputDir and installs it as
// the default slog handler, mirroring it to stderr when debug mode is on
// so a foreground run shows progress live as well as on disk.
func setupLogging(ctx *app.Context) (func(), error) {
	logPath := filepath.Join(ctx.OutputDir, app.Name+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644) // #nosec G302
	if err != nil {
		return nil, errors.Wrapf(err, "opening log file %s", logPath)
	}

	var out io.Writer = logFile
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if ctx.Debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
		out = io.MultiWriter(logFile, os.Stderr)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, opts)))

	return func() {
		slog.Info("shutting down")
		_ = logFile.Close()
	}, nil
}

// setupSymbols evaluates setup.init_stack, the one setup.* expression
// policy memory ranges may also reference by name, so policy.Build sees
// the same "stack_base" binding internal/lir's environment lowering does.
func setupSymbols(env envcfg.Environment) (map[string]any, error) {
	symbols := map[string]any{}
	if env.Setup.InitStack == "" {
		return symbols, nil
	}
	base, err := policy.EvalExpr(env.Setup.InitStack, symbols)
	if err != nil {
		return nil, err
	}
	symbols["stack_base"] = float64(base)
	return symbols, nil
}

// writeDump writes content to "<input-stem>.<ext>" in ctx.OutputDir, the
// convention every --cfg/--mir/--lir/--smt/... dump flag shares.
func writeDump(ctx *app.Context, ext, content string) error {
	stem := strings.TrimSuffix(filepath.Base(ctx.InputPath), filepath.Ext(ctx.InputPath))
	path := filepath.Join(ctx.OutputDir, stem+"."+ext)
	return errors.Wrapf(os.WriteFile(path, []byte(content), 0644), "writing %s", path) // #nosec G306
}

// mirText renders fn, preceded by a one-line function header, using the
// same renderer internal/dotgraph's DOT labels use so a --mir dump and a
// --cfg node never disagree about how an instruction reads.
func mirText(fn *mir.Function) string {
	var b strings.Builder
	dotgraph.MIRFunctionText(&b, fn)
	return b.String()
}

// printAssemblyInfo prints per-function block/instruction counts with
// locale-formatted thousands separators, the same golang.org/x/text/message
// pattern the corpus uses for human-facing numeric output.
func printAssemblyInfo(prog *mir.Program) {
	p := message.NewPrinter(language.English)
	names := make([]string, 0, len(prog.Functions))
	for name := range prog.Functions {
		names = append(names, name)
	}
	totalBlocks, totalInstrs := 0, 0
	for _, name := range names {
		fn := prog.Functions[name]
		blocks := len(fn.Blocks)
		instrs := 0
		for _, b := range fn.Blocks {
			instrs += len(b.Instrs)
		}
		totalBlocks += blocks
		totalInstrs += instrs
		p.Printf("function %-20s blocks=%d instructions=%d\n", name, blocks, instrs)
	}
	p.Printf("total: functions=%d blocks=%d instructions=%d\n", len(names), totalBlocks, totalInstrs)
}
