// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package envcfg loads and merges the environment file (YAML,
// auto-discovered as "<stem>.yaml" next to the input unless --env is given)
// with CLI flags and built-in defaults, with precedence CLI > env file >
// defaults. Once built, an Environment is immutable and is handed by
// reference to every pipeline stage.
package envcfg

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Check values for analysis.check / --check.
const (
	CheckAll        = "all"
	CheckNormal     = "normal"
	CheckTransient  = "transient"
)

// Observe values for analysis.observe / --observe.
const (
	ObserveSequential = "sequential"
	ObserveParallel   = "parallel"
	ObserveFull       = "full"
	ObserveTrace      = "trace"
)

// Model values for analysis.model / --model.
const (
	ModelComponents = "components"
	ModelPC         = "pc"
)

// Opt values for optimization / --opt.
const (
	OptNone  = "none"
	OptBasic = "basic"
	OptFull  = "full"
)

// Predictor values for analysis.predictor_strategy / --predictor.
const (
	PredictorInvert = "invert"
	PredictorChoose = "choose"
)

// Solver values for solver / --solver.
const (
	SolverZ3     = "z3"
	SolverCVC4   = "cvc4"
	SolverYices2 = "yices2"
)

// UnwindingGuard values for analysis.unwinding_guard / --unwinding-guard.
const (
	GuardAssumption = "assumption"
	GuardAssertion  = "assertion"
)

// Environment is the fully resolved configuration tree.
type Environment struct {
	Optimization string             `yaml:"optimization"`
	Solver       string             `yaml:"solver"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	Architecture ArchitectureConfig `yaml:"architecture"`
	Policy       PolicyConfig       `yaml:"policy"`
	Setup        SetupConfig        `yaml:"setup"`
	Debug        bool               `yaml:"debug"`
}

// AnalysisConfig is the analysis.* subtree. The boolean/int fields are
// pointers so that Merge can tell "absent from this file" apart from
// "explicitly set to the zero value" (an explicit `spectre_pht: false`
// must be able to override a `true` default).
type AnalysisConfig struct {
	SpectrePHT          *bool          `yaml:"spectre_pht"`
	SpectreSTL          *bool          `yaml:"spectre_stl"`
	Check               string         `yaml:"check"`
	PredictorStrategy   string         `yaml:"predictor_strategy"`
	Unwind              *int           `yaml:"unwind"`
	UnwindLoop          map[string]int `yaml:"unwind_loop"`
	UnwindingGuard      string         `yaml:"unwinding_guard"`
	RecursionLimit      *int           `yaml:"recursion_limit"`
	StartWithEmptyCache *bool          `yaml:"start_with_empty_cache"`
	Observe             string         `yaml:"observe"`
	Model               string         `yaml:"model"`
	ProgramEntry        string         `yaml:"program_entry"`
	InlineIgnore        []string       `yaml:"inline_ignore"`
}

// bool dereferences a *bool, defaulting to false when nil.
func (a AnalysisConfig) bool(p *bool) bool {
	return p != nil && *p
}

// EffectiveSpectrePHT/STL/StartWithEmptyCache read through the pointer
// fields for callers outside this package, treating a nil pointer as
// false, so they are safe on a raw parsed file as well as on a resolved
// Environment (where start_with_empty_cache may still be nil).
func (a AnalysisConfig) EffectiveSpectrePHT() bool          { return a.bool(a.SpectrePHT) }
func (a AnalysisConfig) EffectiveSpectreSTL() bool          { return a.bool(a.SpectreSTL) }
func (a AnalysisConfig) EffectiveStartWithEmptyCache() bool { return a.bool(a.StartWithEmptyCache) }

// ArchitectureConfig is the architecture.* subtree, sizing the
// microarchitectural arrays.
type ArchitectureConfig struct {
	Cache             CacheConfig `yaml:"cache"`
	BTB               BTBConfig   `yaml:"btb"`
	PHT               PHTConfig   `yaml:"pht"`
	SpeculationWindow *int        `yaml:"speculation_window"`
}

// CacheConfig describes the abstract cache. It is parsed, defaulted and
// merged, but no pipeline stage reads it: the SMT model's cache is a flat
// `addr -> present` array regardless of these parameters.
type CacheConfig struct {
	Lines         int `yaml:"lines"`
	LineSize      int `yaml:"line_size"`
	Associativity int `yaml:"associativity"`
}

// BTBConfig sizes the branch-target-buffer abstraction.
type BTBConfig struct {
	Entries int `yaml:"entries"`
}

// PHTConfig sizes the pattern-history-table abstraction.
type PHTConfig struct {
	Entries int `yaml:"entries"`
}

// PolicyConfig is the policy.* subtree.
// Registers/Memory each carry a "default" label plus explicit exceptions.
type PolicyConfig struct {
	Registers RegistersPolicyConfig `yaml:"registers"`
	Memory    MemoryPolicyConfig    `yaml:"memory"`
}

// RegistersPolicyConfig: Default applies to every register not named in
// Exceptions.
type RegistersPolicyConfig struct {
	Default    string            `yaml:"default"`
	Exceptions map[string]string `yaml:"exceptions"`
}

// MemoryPolicyConfig: Default applies to every address not covered by a
// half-open range in Ranges.
type MemoryPolicyConfig struct {
	Default string              `yaml:"default"`
	Ranges  []MemoryRangeConfig `yaml:"ranges"`
}

// MemoryRangeConfig is a half-open [Start, End) address range. Start/End
// are arithmetic expression text, e.g. "stack_base + 0x800".
type MemoryRangeConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Label string `yaml:"label"`
}

// SetupConfig is the setup.* subtree: the concrete initial state shared by
// both self-composed executions.
type SetupConfig struct {
	InitStack string            `yaml:"init_stack"`
	Registers map[string]string `yaml:"registers"`
	Flags     map[string]bool   `yaml:"flags"`
	Memory    []SetupMemoryCell `yaml:"memory"`
}

// SetupMemoryCell initializes one memory location to a concrete value.
type SetupMemoryCell struct {
	Address string `yaml:"address"`
	Value   string `yaml:"value"`
	Width   int    `yaml:"width"`
}

// Defaults returns the built-in default Environment, the lowest-precedence
// layer below the env file and CLI flags.
func Defaults() Environment {
	return Environment{
		Optimization: OptFull,
		Solver:       SolverZ3,
		Analysis: AnalysisConfig{
			SpectrePHT:        ptr(true),
			SpectreSTL:        ptr(false),
			Check:             CheckAll,
			PredictorStrategy: PredictorInvert,
			Unwind:            ptr(2),
			UnwindingGuard:    GuardAssumption,
			RecursionLimit:    ptr(2),
			Observe:           ObserveSequential,
			Model:             ModelComponents,
			ProgramEntry:      "main",
		},
		Architecture: ArchitectureConfig{
			Cache:             CacheConfig{Lines: 64, LineSize: 64, Associativity: 8},
			BTB:               BTBConfig{Entries: 64},
			PHT:               PHTConfig{Entries: 64},
			SpeculationWindow: ptr(10),
		},
		Policy: PolicyConfig{
			Registers: RegistersPolicyConfig{Default: "low"},
			Memory:    MemoryPolicyConfig{Default: "low"},
		},
	}
}

func ptr[T any](v T) *T { return &v }

// DiscoverEnvPath implements the auto-discovery rule: a YAML file
// named "<stem>.yaml" next to the input, unless explicitPath is given.
func DiscoverEnvPath(inputPath, explicitPath string) (string, bool) {
	if explicitPath != "" {
		return explicitPath, true
	}
	stem := strings.TrimSuffix(inputPath, filepath.Ext(inputPath))
	candidate := stem + ".yaml"
	if _, err := os.Stat(candidate); err == nil {
		return candidate, true
	}
	return "", false
}

// LoadFile parses a YAML environment file. It does not apply defaults or
// CLI overrides; Resolve combines it with Defaults() and ApplyCLI.
func LoadFile(path string) (Environment, error) {
	var env Environment
	data, err := os.ReadFile(path)
	if err != nil {
		return env, errors.Wrapf(err, "reading environment file %s", path)
	}
	if err := yaml.Unmarshal(data, &env); err != nil {
		return env, errors.Wrapf(err, "parsing environment file %s", path)
	}
	return env, nil
}

// Merge layers override on top of base: every non-zero-value field in
// override replaces the corresponding field in base. This implements the
// "env file > defaults" half of the precedence rule; the "CLI >
// env file" half is applied separately by ApplyCLI in cli.go, since pflag
// tells us which flags were explicitly set.
func Merge(base, override Environment) Environment {
	out := base
	if override.Optimization != "" {
		out.Optimization = override.Optimization
	}
	if override.Solver != "" {
		out.Solver = override.Solver
	}
	out.Debug = out.Debug || override.Debug

	a, ab := &out.Analysis, override.Analysis
	if ab.Check != "" {
		a.Check = ab.Check
	}
	if ab.PredictorStrategy != "" {
		a.PredictorStrategy = ab.PredictorStrategy
	}
	if ab.Unwind != nil {
		a.Unwind = ab.Unwind
	}
	if len(ab.UnwindLoop) > 0 {
		a.UnwindLoop = ab.UnwindLoop
	}
	if ab.UnwindingGuard != "" {
		a.UnwindingGuard = ab.UnwindingGuard
	}
	if ab.RecursionLimit != nil {
		a.RecursionLimit = ab.RecursionLimit
	}
	if ab.StartWithEmptyCache != nil {
		a.StartWithEmptyCache = ab.StartWithEmptyCache
	}
	if ab.SpectreSTL != nil {
		a.SpectreSTL = ab.SpectreSTL
	}
	if ab.SpectrePHT != nil {
		a.SpectrePHT = ab.SpectrePHT
	}
	if ab.Observe != "" {
		a.Observe = ab.Observe
	}
	if ab.Model != "" {
		a.Model = ab.Model
	}
	if ab.ProgramEntry != "" {
		a.ProgramEntry = ab.ProgramEntry
	}
	if len(ab.InlineIgnore) > 0 {
		a.InlineIgnore = ab.InlineIgnore
	}

	arch, arb := &out.Architecture, override.Architecture
	if arb.Cache.Lines != 0 {
		arch.Cache = arb.Cache
	}
	if arb.BTB.Entries != 0 {
		arch.BTB = arb.BTB
	}
	if arb.PHT.Entries != 0 {
		arch.PHT = arb.PHT
	}
	if arb.SpeculationWindow != nil {
		arch.SpeculationWindow = arb.SpeculationWindow
	}

	if override.Policy.Registers.Default != "" {
		out.Policy.Registers = override.Policy.Registers
	}
	if override.Policy.Memory.Default != "" || len(override.Policy.Memory.Ranges) > 0 {
		out.Policy.Memory = override.Policy.Memory
	}

	if override.Setup.InitStack != "" {
		out.Setup.InitStack = override.Setup.InitStack
	}
	if len(override.Setup.Registers) > 0 {
		out.Setup.Registers = override.Setup.Registers
	}
	if len(override.Setup.Flags) > 0 {
		out.Setup.Flags = override.Setup.Flags
	}
	if len(override.Setup.Memory) > 0 {
		out.Setup.Memory = override.Setup.Memory
	}

	return out
}
