// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package lir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"snicheck/internal/envcfg"
	"snicheck/internal/mir"
	"snicheck/internal/policy"
	"snicheck/internal/tcfg"
)

func lowPolicy(t *testing.T, exceptions map[string]string) *policy.Policy {
	t.Helper()
	p, err := policy.Build(envcfg.PolicyConfig{
		Registers: envcfg.RegistersPolicyConfig{Default: "low", Exceptions: exceptions},
		Memory:    envcfg.MemoryPolicyConfig{Default: "low"},
	}, nil, nil)
	require.NoError(t, err)
	return p
}

func lowerSimple(t *testing.T) *Program {
	t.Helper()
	fn := &mir.Function{
		Name:  "f",
		Entry: "entry",
		Order: []string{"entry"},
		Blocks: map[string]*mir.BasicBlock{
			"entry": {Label: "entry", Instrs: []mir.Instr{
				&mir.AssignInstr{Dest: "secret", Src: &mir.RegExpr{Name: "secret"}},
				&mir.AssignInstr{Dest: "pub", Src: &mir.RegExpr{Name: "pub"}},
				&mir.ReturnInstr{},
			}},
		},
	}
	g, err := tcfg.Build(fn, tcfg.Config{Predictor: envcfg.PredictorInvert, Window: 5})
	require.NoError(t, err)
	p, err := Lower(g, fn, envcfg.Defaults())
	require.NoError(t, err)
	return p
}

func TestSelfComposeNamespacesEveryVariable(t *testing.T) {
	p := lowerSimple(t)
	pol := lowPolicy(t, map[string]string{"secret": "high"})

	out := SelfCompose(p, pol)

	for _, n := range out.Nodes {
		if a, ok := n.(AssignNode); ok {
			require.True(t, hasNamespacePrefix(a.Var), "variable %q not namespaced", a.Var)
		}
	}
}

func hasNamespacePrefix(name string) bool {
	return len(name) > 2 && (name[:2] == "a#" || name[:2] == "b#")
}

func TestSelfComposeEquatesOnlyLowInitialInputs(t *testing.T) {
	p := lowerSimple(t)
	pol := lowPolicy(t, map[string]string{"secret": "high"})

	out := SelfCompose(p, pol)

	var equated []string
	for _, n := range out.Nodes {
		if a, ok := n.(AssumeNode); ok {
			if cmp, ok := a.Expr.(CmpExpr); ok {
				left, lok := cmp.Left.(VarRef)
				if lok {
					equated = append(equated, left.Name)
				}
			}
		}
	}
	require.Contains(t, equated, "a#pub.init")
	require.NotContains(t, equated, "a#secret.init")
}

func TestSelfComposeEquatesWholeMemoryWhenDefaultLow(t *testing.T) {
	p := lowerSimple(t)
	pol := lowPolicy(t, nil)

	out := SelfCompose(p, pol)

	require.Contains(t, out.LowInputs, "mem.init")
	require.True(t, hasMemoryEquality(out), "expected a whole-array mem.init equality assumption")
}

func TestSelfComposeCarvesHighRangeOutOfMemoryEquality(t *testing.T) {
	p := lowerSimple(t)
	pol, err := policy.Build(envcfg.PolicyConfig{
		Registers: envcfg.RegistersPolicyConfig{Default: "low"},
		Memory: envcfg.MemoryPolicyConfig{
			Default: "low",
			Ranges:  []envcfg.MemoryRangeConfig{{Start: "0x100", End: "0x108", Label: "high"}},
		},
	}, nil, nil)
	require.NoError(t, err)

	out := SelfCompose(p, pol)

	require.Contains(t, out.LowInputs, "mem.init")
	var found bool
	for _, n := range out.Nodes {
		a, ok := n.(AssumeNode)
		if !ok {
			continue
		}
		cmp, ok := a.Expr.(CmpExpr)
		if !ok {
			continue
		}
		if _, ok := cmp.Right.(StoreExpr); ok {
			found = true
		}
	}
	require.True(t, found, "expected the high range to be carved out via a masking store")
}

func TestSelfComposeEquatesDeclaredLowRangeWhenDefaultHigh(t *testing.T) {
	p := lowerSimple(t)
	pol, err := policy.Build(envcfg.PolicyConfig{
		Registers: envcfg.RegistersPolicyConfig{Default: "low"},
		Memory: envcfg.MemoryPolicyConfig{
			Default: "high",
			Ranges:  []envcfg.MemoryRangeConfig{{Start: "0x10", End: "0x12", Label: "low"}},
		},
	}, nil, nil)
	require.NoError(t, err)

	out := SelfCompose(p, pol)

	require.Contains(t, out.LowInputs, "mem.init")
	var byteEqs int
	for _, n := range out.Nodes {
		a, ok := n.(AssumeNode)
		if !ok {
			continue
		}
		cmp, ok := a.Expr.(CmpExpr)
		if !ok {
			continue
		}
		if _, ok := cmp.Left.(SelectExpr); ok {
			byteEqs++
		}
	}
	require.Equal(t, 2, byteEqs)
}

func TestSelfComposeLeavesMemoryFreeWhenDefaultHighNoRanges(t *testing.T) {
	p := lowerSimple(t)
	pol, err := policy.Build(envcfg.PolicyConfig{
		Registers: envcfg.RegistersPolicyConfig{Default: "low"},
		Memory:    envcfg.MemoryPolicyConfig{Default: "high"},
	}, nil, nil)
	require.NoError(t, err)

	out := SelfCompose(p, pol)

	require.NotContains(t, out.LowInputs, "mem.init")
	require.False(t, hasMemoryEquality(out))
}

func hasMemoryEquality(p *Program) bool {
	for _, n := range p.Nodes {
		a, ok := n.(AssumeNode)
		if !ok {
			continue
		}
		cmp, ok := a.Expr.(CmpExpr)
		if !ok {
			continue
		}
		if left, ok := cmp.Left.(VarRef); ok && left.Name == "a#mem.init" {
			return true
		}
	}
	return false
}

func TestSelfComposeDuplicatesVarSorts(t *testing.T) {
	p := lowerSimple(t)
	pol := lowPolicy(t, nil)

	out := SelfCompose(p, pol)

	for name := range p.VarSorts {
		_, aOK := out.VarSorts["a#"+name]
		_, bOK := out.VarSorts["b#"+name]
		require.True(t, aOK)
		require.True(t, bOK)
	}
}
