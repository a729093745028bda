// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package policy implements the security policy: a total
// function from every register and every memory byte to {low, high},
// encoded as a default label plus explicit exceptions.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/casbin/govaluate"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"snicheck/internal/envcfg"
)

// Label classifies a register or memory byte as attacker-observable (Low)
// or secret (High).
type Label int

const (
	Low Label = iota
	High
)

func (l Label) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

func ParseLabel(s string) (Label, error) {
	switch s {
	case "low", "":
		return Low, nil
	case "high":
		return High, nil
	default:
		return Low, errors.Errorf("invalid security label %q (expected low or high)", s)
	}
}

// MemoryRange is a half-open [Start, End) address range with a label,
// already evaluated to concrete bounds.
type MemoryRange struct {
	Start uint64
	End   uint64
	Label Label
}

func (r MemoryRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Policy is the resolved, queryable security policy.
type Policy struct {
	DefaultRegister Label
	Registers       map[string]Label
	DefaultMemory   Label
	MemoryRanges    []MemoryRange
}

// RegisterLabel returns the label of a register, falling back to the
// policy's default.
func (p *Policy) RegisterLabel(name string) Label {
	if l, ok := p.Registers[name]; ok {
		return l
	}
	return p.DefaultRegister
}

// MemoryLabel returns the label of a memory byte, falling back to the
// policy's default. Ranges are checked in declaration order; the first
// match wins.
func (p *Policy) MemoryLabel(addr uint64) Label {
	for _, r := range p.MemoryRanges {
		if r.Contains(addr) {
			return r.Label
		}
	}
	return p.DefaultMemory
}

// IsAllLow reports whether every register and the entire memory space are
// low — the trivially non-interfering policy for which check=normal must
// always verify UNSAT.
func (p *Policy) IsAllLow() bool {
	if p.DefaultRegister != Low || p.DefaultMemory != Low {
		return false
	}
	for _, l := range p.Registers {
		if l != Low {
			return false
		}
	}
	for _, r := range p.MemoryRanges {
		if r.Label != Low {
			return false
		}
	}
	return true
}

// Build resolves a PolicyConfig (raw YAML text, possibly with arithmetic
// expressions for range bounds) into a Policy, evaluating every bound
// expression with govaluate against the symbol table (e.g. names bound by
// setup.registers), and, when knownRegisters is non-empty, validating that
// every named register exception refers to a register in that set.
func Build(cfg envcfg.PolicyConfig, symbols map[string]any, knownRegisters mapset.Set[string]) (*Policy, error) {
	defReg, err := ParseLabel(cfg.Registers.Default)
	if err != nil {
		return nil, errors.Wrap(err, "policy.registers.default")
	}
	defMem, err := ParseLabel(cfg.Memory.Default)
	if err != nil {
		return nil, errors.Wrap(err, "policy.memory.default")
	}

	registers := make(map[string]Label, len(cfg.Registers.Exceptions))
	// Deterministic iteration so error messages are stable across runs.
	names := make([]string, 0, len(cfg.Registers.Exceptions))
	for name := range cfg.Registers.Exceptions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if knownRegisters != nil && knownRegisters.Cardinality() > 0 && !knownRegisters.Contains(name) {
			return nil, errors.Errorf("policy.registers.exceptions refers to unknown register %q", name)
		}
		label, err := ParseLabel(cfg.Registers.Exceptions[name])
		if err != nil {
			return nil, errors.Wrapf(err, "policy.registers.exceptions[%s]", name)
		}
		registers[name] = label
	}

	ranges := make([]MemoryRange, 0, len(cfg.Memory.Ranges))
	for i, rc := range cfg.Memory.Ranges {
		start, err := evalAddress(rc.Start, symbols)
		if err != nil {
			return nil, errors.Wrapf(err, "policy.memory.ranges[%d].start", i)
		}
		end, err := evalAddress(rc.End, symbols)
		if err != nil {
			return nil, errors.Wrapf(err, "policy.memory.ranges[%d].end", i)
		}
		if end < start {
			return nil, errors.Errorf("policy.memory.ranges[%d]: end (%d) before start (%d)", i, end, start)
		}
		label, err := ParseLabel(rc.Label)
		if err != nil {
			return nil, errors.Wrapf(err, "policy.memory.ranges[%d].label", i)
		}
		ranges = append(ranges, MemoryRange{Start: start, End: end, Label: label})
	}

	return &Policy{
		DefaultRegister: defReg,
		Registers:       registers,
		DefaultMemory:   defMem,
		MemoryRanges:    ranges,
	}, nil
}

// hexLiteral matches 0x-prefixed integer literals; govaluate's own numeric
// lexer only understands decimal, so these are rewritten to decimal text
// before the expression reaches govaluate.
var hexLiteral = regexp.MustCompile(`0[xX][0-9a-fA-F]+`)

// EvalExpr evaluates an arithmetic expression (a decimal/hex literal, or
// an expression over symbols such as "stack_base + 0x800") to a concrete
// uint64. Exported so setup.{registers,memory} initial-value expressions
// can be resolved with the same arithmetic grammar as a policy memory
// range's bounds, rather than duplicating a second evaluator.
func EvalExpr(expr string, symbols map[string]any) (uint64, error) {
	return evalAddress(expr, symbols)
}

// evalAddress evaluates an address expression (a decimal/hex literal or an
// arithmetic expression over symbols, e.g. "stack_base + 0x800") to a
// concrete uint64.
func evalAddress(expr string, symbols map[string]any) (uint64, error) {
	if expr == "" {
		return 0, errors.New("empty address expression")
	}
	expr = hexLiteral.ReplaceAllStringFunc(expr, func(lit string) string {
		n, err := strconv.ParseUint(lit[2:], 16, 64)
		if err != nil {
			return lit
		}
		return strconv.FormatUint(n, 10)
	})
	evaluable, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing expression %q", expr)
	}
	result, err := evaluable.Evaluate(symbols)
	if err != nil {
		return 0, errors.Wrapf(err, "evaluating expression %q", expr)
	}
	switch v := result.(type) {
	case float64:
		if v < 0 {
			return 0, errors.Errorf("expression %q evaluated to negative address %v", expr, v)
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("expression %q did not evaluate to a number, got %T", expr, result)
	}
}
