// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package mir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFunctionValidateRejectsUnknownJumpTarget(t *testing.T) {
	fn := &Function{
		Name:  "main",
		Entry: "b0",
		Order: []string{"b0"},
		Blocks: map[string]*BasicBlock{
			"b0": {Label: "b0", Instrs: []Instr{&JumpInstr{Target: "ghost"}}},
		},
	}
	require.Error(t, fn.Validate())
}

func TestBasicBlockSuccessorsFallthrough(t *testing.T) {
	order := []string{"b0", "b1"}
	b0 := &BasicBlock{Label: "b0", Instrs: []Instr{&AssignInstr{Dest: "x", Src: &ConstExpr{Value: 1}}}}
	require.Equal(t, []string{"b1"}, b0.Successors(order, 0))

	b1 := &BasicBlock{Label: "b1", Instrs: []Instr{&ReturnInstr{}}}
	require.Nil(t, b1.Successors(order, 1))
}

func TestProgramEntryFunctionMissing(t *testing.T) {
	p := &Program{Functions: map[string]*Function{}, Entry: "main"}
	_, err := p.EntryFunction()
	require.Error(t, err)
}
