// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package lir

import (
	"snicheck/internal/envcfg"
	"snicheck/internal/mir"
	"snicheck/internal/tcfg"
)

// Observation channel names. "cache" and "load_addr" both record an
// address touched by a memory access — kept as separate channels because
// they belong to different --model selections (components vs pc) rather
// than because the underlying value differs.
const (
	ChannelCache    = "cache"
	ChannelBTB      = "btb"
	ChannelPHT      = "pht"
	ChannelPC       = "pc"
	ChannelLoadAddr = "load_addr"
)

var allObservationChannels = []string{ChannelCache, ChannelBTB, ChannelPHT, ChannelPC, ChannelLoadAddr}

func obsKey(channel string) string { return "obs." + channel }

// modelChannels returns the channels --model actually exposes; the other
// channels' trackers are still threaded (cheap, never read) but never
// turned into ObserveNodes.
func modelChannels(model string) []string {
	if model == envcfg.ModelPC {
		return []string{ChannelPC, ChannelLoadAddr}
	}
	return []string{ChannelCache, ChannelBTB, ChannelPHT}
}

// updateObservationTrackers threads each obs.* pseudo-variable forward:
// its value changes only at the instruction that naturally produces it
// (a load/store touches an address, a branch resolves a PHT bit, an
// indirect call touches the BTB), conditioned on this node actually being
// reached (lw.cond(id)) so an untaken path's instruction never clobbers
// the tracker for the path that was actually taken.
func (lw *lowerer) updateObservationTrackers(id string, node *tcfg.Node, env map[string]Expr) {
	reached := lw.cond(id)
	update := func(channel string, value Expr) {
		v := lw.fresh(obsKey(channel))
		lw.prog.declare(v, SortBitVector)
		lw.emit(AssignNode{Var: v, Expr: IteExpr{Cond: orNil(reached), Then: value, Else: env[obsKey(channel)]}, Sort: SortBitVector})
		env[obsKey(channel)] = VarRef{Name: v}
	}

	pc := Const{Value: uint64(lw.pcIndex[id])}
	update(ChannelPC, pc)

	switch t := node.Instr.(type) {
	case *mir.LoadInstr:
		addr := lw.lowerExprWithEnv(env, t.Addr)
		update(ChannelCache, addr)
		update(ChannelLoadAddr, addr)
	case *mir.StoreInstr:
		addr := lw.lowerExprWithEnv(env, t.Addr)
		update(ChannelCache, addr)
		update(ChannelLoadAddr, addr)
	case *mir.BranchInstr:
		bit := IteExpr{Cond: lw.lowerExprWithEnv(env, t.Cond), Then: Const{Value: 1}, Else: Const{Value: 0}}
		update(ChannelPHT, bit)
	case *mir.CallInstr:
		if t.Indirect {
			update(ChannelBTB, lw.lowerExprWithEnv(env, t.TargetExpr))
		}
	}
}

// emitObservations inserts ObserveNodes per the configured observation
// mode's insertion-point rule. "trace" is indistinguishable from
// "parallel" at this layer — both insert at every node under the same
// depth gate; the difference (a compared tuple vs. an ordered sequence)
// is a property of how the SMT encoder later pairs up the two copies'
// ObserveNodes, not of where they are inserted.
func (lw *lowerer) emitObservations(id string, node *tcfg.Node, env map[string]Expr) {
	if lw.checkMode == envcfg.CheckTransient && node.Kind == tcfg.Architectural {
		return
	}
	channels := modelChannels(lw.obsModel)

	if lw.obsMode == envcfg.ObserveSequential {
		if _, ok := node.Instr.(*mir.ReturnInstr); ok {
			for _, ch := range channels {
				lw.emit(ObserveNode{Expr: env[obsKey(ch)], Channel: ch})
			}
		}
		return
	}

	gated := lw.obsMode != envcfg.ObserveFull && node.Kind == tcfg.Transient && node.Depth > lw.window
	if gated {
		return
	}
	for _, ch := range channels {
		lw.emit(ObserveNode{Expr: env[obsKey(ch)], Channel: ch})
	}
}
