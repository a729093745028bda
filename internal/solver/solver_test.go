// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package solver

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"snicheck/internal/smtenc"
)

func fakeScript() *smtenc.Script {
	return &smtenc.Script{Text: "(set-logic QF_ABV)\n(check-sat)\n"}
}

func TestRunReportsSatFromFakeSolver(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no /bin/sh available in this environment")
	}
	res, err := Run(context.Background(), fakeScript(), Options{
		BinaryPath: "/bin/sh",
		ExtraArgs:  []string{"-c", "cat >/dev/null; echo sat"},
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, VerdictSat, res.Verdict)
}

func TestRunReportsUnsatFromFakeSolver(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no /bin/sh available in this environment")
	}
	res, err := Run(context.Background(), fakeScript(), Options{
		BinaryPath: "/bin/sh",
		ExtraArgs:  []string{"-c", "cat >/dev/null; echo unsat"},
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, VerdictUnsat, res.Verdict)
}

func TestRunTimesOutAsUnknown(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no /bin/sh available in this environment")
	}
	res, err := Run(context.Background(), fakeScript(), Options{
		BinaryPath: "/bin/sh",
		ExtraArgs:  []string{"-c", "sleep 5"},
		Timeout:    50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, VerdictUnknown, res.Verdict)
}

func TestRunSurfacesSpawnFailureAsError(t *testing.T) {
	_, err := Run(context.Background(), fakeScript(), Options{
		BinaryPath: "/no/such/solver-binary-ever",
		Timeout:    time.Second,
	})
	require.Error(t, err)
}

func TestRunRejectsUnknownSolverName(t *testing.T) {
	_, err := Run(context.Background(), fakeScript(), Options{Solver: "not-a-real-solver"})
	require.Error(t, err)
}

func TestRunParsesModelWhenRequested(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no /bin/sh available in this environment")
	}
	script := "printf 'sat\\n(model (define-fun |a#x.init| () (_ BitVec 64) #x0000000000000005))\\n'"
	res, err := Run(context.Background(), fakeScript(), Options{
		BinaryPath:   "/bin/sh",
		ExtraArgs:    []string{"-c", "cat >/dev/null; " + script},
		Timeout:      5 * time.Second,
		IncludeModel: true,
	})
	require.NoError(t, err)
	require.Equal(t, VerdictSat, res.Verdict)
	require.Equal(t, uint64(5), res.Model["a#x.init"])
}
