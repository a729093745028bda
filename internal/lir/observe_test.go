// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package lir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"snicheck/internal/envcfg"
	"snicheck/internal/mir"
	"snicheck/internal/tcfg"
)

func loadFn() *mir.Function {
	return &mir.Function{
		Name:  "f",
		Entry: "entry",
		Order: []string{"entry"},
		Blocks: map[string]*mir.BasicBlock{
			"entry": {Label: "entry", Instrs: []mir.Instr{
				&mir.LoadInstr{Dest: "v", Addr: &mir.RegExpr{Name: "p"}, Width: 8},
				&mir.ReturnInstr{},
			}},
		},
	}
}

func observeChannels(p *Program) []string {
	var out []string
	for _, n := range p.Nodes {
		if o, ok := n.(ObserveNode); ok {
			out = append(out, o.Channel)
		}
	}
	return out
}

func TestObserveSequentialOnlyAtTerminal(t *testing.T) {
	fn := loadFn()
	g, err := tcfg.Build(fn, tcfg.Config{Predictor: envcfg.PredictorInvert, Window: 5})
	require.NoError(t, err)

	env := envcfg.Defaults()
	env.Analysis.Observe = envcfg.ObserveSequential
	p, err := Lower(g, fn, env)
	require.NoError(t, err)

	require.Len(t, observeChannels(p), len(modelChannels(env.Analysis.Model)),
		"sequential mode emits exactly one observation tuple, at the function's single return")
}

func TestObserveParallelEmitsAtEveryNode(t *testing.T) {
	fn := loadFn()
	g, err := tcfg.Build(fn, tcfg.Config{Predictor: envcfg.PredictorInvert, Window: 5})
	require.NoError(t, err)

	env := envcfg.Defaults()
	env.Analysis.Observe = envcfg.ObserveParallel
	p, err := Lower(g, fn, env)
	require.NoError(t, err)

	// Two non-rollback nodes (the load, the return), each contributing one
	// observation per configured channel.
	require.Len(t, observeChannels(p), 2*len(modelChannels(env.Analysis.Model)))
}

func TestObserveFullIgnoresWindowGating(t *testing.T) {
	fn := &mir.Function{
		Name:  "f",
		Entry: "entry",
		Order: []string{"entry", "t2", "f2"},
		Blocks: map[string]*mir.BasicBlock{
			"entry": {Label: "entry", Instrs: []mir.Instr{&mir.BranchInstr{Cond: cond(), TrueTarget: "t2", FalseTarget: "f2"}}},
			"t2": {Label: "t2", Instrs: []mir.Instr{
				&mir.AssignInstr{Dest: "x", Src: &mir.ConstExpr{Value: 1}},
				&mir.AssignInstr{Dest: "y", Src: &mir.ConstExpr{Value: 2}},
				&mir.ReturnInstr{},
			}},
			"f2": {Label: "f2", Instrs: []mir.Instr{&mir.ReturnInstr{}}},
		},
	}
	// The transient CFG itself is built with a generous window (3) so the
	// mis-speculated path into t2 survives long enough to reach all three
	// of its instructions; the LIR-lowering window below (1) is what
	// actually exercises the gate, since depth 2 and 3 then exceed it.
	g, err := tcfg.Build(fn, tcfg.Config{Predictor: envcfg.PredictorChoose, Window: 3, SpectrePHT: true})
	require.NoError(t, err)

	parallelEnv := envcfg.Defaults()
	parallelEnv.Analysis.Observe = envcfg.ObserveParallel
	*parallelEnv.Architecture.SpeculationWindow = 1
	parallel, err := Lower(g, fn, parallelEnv)
	require.NoError(t, err)

	fullEnv := envcfg.Defaults()
	fullEnv.Analysis.Observe = envcfg.ObserveFull
	*fullEnv.Architecture.SpeculationWindow = 1
	full, err := Lower(g, fn, fullEnv)
	require.NoError(t, err)

	require.Greater(t, len(observeChannels(full)), len(observeChannels(parallel)),
		"full must observe at least the transient nodes parallel's window gate drops")
}

func TestModelPCUsesDistinctChannels(t *testing.T) {
	require.ElementsMatch(t, []string{ChannelPC, ChannelLoadAddr}, modelChannels(envcfg.ModelPC))
	require.ElementsMatch(t, []string{ChannelCache, ChannelBTB, ChannelPHT}, modelChannels(envcfg.ModelComponents))
}

func TestCheckTransientDropsArchitecturalObservations(t *testing.T) {
	fn := &mir.Function{
		Name:  "f",
		Entry: "entry",
		Order: []string{"entry", "t2", "f2"},
		Blocks: map[string]*mir.BasicBlock{
			"entry": {Label: "entry", Instrs: []mir.Instr{&mir.BranchInstr{Cond: cond(), TrueTarget: "t2", FalseTarget: "f2"}}},
			"t2":    {Label: "t2", Instrs: []mir.Instr{&mir.ReturnInstr{}}},
			"f2":    {Label: "f2", Instrs: []mir.Instr{&mir.ReturnInstr{}}},
		},
	}
	g, err := tcfg.Build(fn, tcfg.Config{Predictor: envcfg.PredictorChoose, Window: 3, SpectrePHT: true})
	require.NoError(t, err)

	allEnv := envcfg.Defaults()
	allEnv.Analysis.Observe = envcfg.ObserveParallel
	allEnv.Analysis.Check = envcfg.CheckAll
	all, err := Lower(g, fn, allEnv)
	require.NoError(t, err)

	transientEnv := envcfg.Defaults()
	transientEnv.Analysis.Observe = envcfg.ObserveParallel
	transientEnv.Analysis.Check = envcfg.CheckTransient
	transientOnly, err := Lower(g, fn, transientEnv)
	require.NoError(t, err)

	require.Greater(t, len(observeChannels(all)), len(observeChannels(transientOnly)),
		"check=transient must drop the architectural-node observations check=all keeps")
}
