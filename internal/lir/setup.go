// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package lir

import (
	"sort"

	"github.com/pkg/errors"

	"snicheck/internal/mir"
	"snicheck/internal/policy"
)

// applySetup pins the environment's setup.* initial state onto the
// already-declared ".init" constants: named registers and flags get an
// equality assumption against their evaluated expression, and named
// memory cells get one equality assumption per byte against mem.init.
// Registers/flags the function never reads are silently skipped rather
// than rejected — an environment file is shared across every function a
// run might check, not scoped to one.
//
// init_stack is evaluated first and bound to the "stack_base" symbol so
// later registers/memory expressions (e.g. "stack_base + 0x800") can
// reference it, using the same govaluate grammar internal/policy uses
// for memory range bounds.
func (lw *lowerer) applySetup() error {
	setup := lw.env.Setup
	known := map[string]bool{}
	for _, name := range collectRegisters(lw.fn) {
		known[name] = true
	}

	symbols := map[string]any{}
	if setup.InitStack != "" {
		base, err := policy.EvalExpr(setup.InitStack, symbols)
		if err != nil {
			return errors.Wrap(err, "setup.init_stack")
		}
		symbols["stack_base"] = float64(base)
	}

	regNames := make([]string, 0, len(setup.Registers))
	for name := range setup.Registers {
		regNames = append(regNames, name)
	}
	sort.Strings(regNames)
	for _, name := range regNames {
		val, err := policy.EvalExpr(setup.Registers[name], symbols)
		if err != nil {
			return errors.Wrapf(err, "setup.registers[%s]", name)
		}
		if known[name] {
			lw.pinRegister(name, val)
		}
	}

	flagNames := make([]string, 0, len(setup.Flags))
	for name := range setup.Flags {
		flagNames = append(flagNames, name)
	}
	sort.Strings(flagNames)
	for _, name := range flagNames {
		if !known[name] {
			continue
		}
		val := uint64(0)
		if setup.Flags[name] {
			val = 1
		}
		lw.pinRegister(name, val)
	}

	for i, cell := range setup.Memory {
		addr, err := policy.EvalExpr(cell.Address, symbols)
		if err != nil {
			return errors.Wrapf(err, "setup.memory[%d].address", i)
		}
		val, err := policy.EvalExpr(cell.Value, symbols)
		if err != nil {
			return errors.Wrapf(err, "setup.memory[%d].value", i)
		}
		width := cell.Width
		if width <= 0 {
			width = 8
		}
		for b := 0; b < width; b++ {
			byteVal := (val >> uint(8*b)) & 0xff
			lw.emit(AssumeNode{Expr: CmpExpr{
				Op:    mir.CmpEq,
				Left:  SelectExpr{Array: VarRef{Name: symMem + ".init"}, Index: Const{Value: addr + uint64(b)}},
				Right: Const{Value: byteVal},
			}})
		}
	}
	return nil
}

func (lw *lowerer) pinRegister(name string, value uint64) {
	lw.emit(AssumeNode{Expr: CmpExpr{Op: mir.CmpEq, Left: VarRef{Name: name + ".init"}, Right: Const{Value: value}}})
}
