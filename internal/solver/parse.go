// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package solver

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseVerdict scans output line by line for the first recognized
// check-sat answer, case-insensitively — normalizing the fact that some
// solvers emit sat/unsat/unknown in varying case without needing any
// per-solver special case.
func parseVerdict(output string) Verdict {
	for _, line := range strings.Split(output, "\n") {
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "sat":
			return VerdictSat
		case "unsat":
			return VerdictUnsat
		case "unknown":
			return VerdictUnknown
		}
	}
	return VerdictUnknown
}

// parseModel extracts every zero-arity (define-fun |name| () Sort Value)
// binding from a get-model response. Higher-arity define-funs are
// uninterpreted-function interpretations (a case-split table over the
// function's argument), not variable bindings, and are skipped:
// counterexample reconstruction only needs concrete values for the
// program's named variables, not the solver's internal representation of
// an opaque function.
func parseModel(output string) (map[string]uint64, map[string]bool, error) {
	bits := map[string]uint64{}
	bools := map[string]bool{}

	idx := 0
	for {
		i := strings.Index(output[idx:], "(define-fun")
		if i < 0 {
			break
		}
		start := idx + i
		end, err := matchParen(output, start)
		if err != nil {
			return nil, nil, err
		}
		block := output[start : end+1]
		idx = end + 1

		name, isBool, boolVal, bvVal, ok := parseDefineFun(block)
		if !ok {
			continue
		}
		if isBool {
			bools[name] = boolVal
		} else {
			bits[name] = bvVal
		}
	}
	return bits, bools, nil
}

// matchParen returns the index of the ')' that closes the '(' at s[open].
func matchParen(s string, open int) (int, error) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, errors.New("solver: unbalanced parentheses in model output")
}

// parseDefineFun decomposes one "(define-fun NAME () SORT VALUE)" block.
// ok is false for anything else: a non-zero-arity define-fun, or a value
// this package doesn't know how to read.
func parseDefineFun(block string) (name string, isBool bool, boolVal bool, bvVal uint64, ok bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(block), ")"), "(define-fun"))
	name, rest = takeToken(rest)
	if name == "" {
		return
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "()") {
		return // higher-arity: a function interpretation, not a variable
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "()"))

	var sortTok string
	sortTok, rest = takeSortToken(rest)
	rest = strings.TrimSpace(rest)

	switch sortTok {
	case "Bool":
		switch rest {
		case "true":
			return name, true, true, 0, true
		case "false":
			return name, true, false, 0, true
		default:
			return
		}
	default:
		v, err := parseBVLiteral(rest)
		if err != nil {
			return
		}
		return name, false, false, v, true
	}
}

// takeToken splits off a leading bare or |pipe-quoted| symbol.
func takeToken(s string) (token, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", s
	}
	if s[0] == '|' {
		end := strings.IndexByte(s[1:], '|')
		if end < 0 {
			return "", s
		}
		return s[1 : end+1], s[end+2:]
	}
	i := 0
	for i < len(s) && s[i] != ' ' && s[i] != '(' {
		i++
	}
	return s[:i], s[i:]
}

// takeSortToken splits off a leading sort: either a bare symbol ("Bool")
// or a parenthesized sort expression ("(_ BitVec 64)").
func takeSortToken(s string) (token, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", s
	}
	if s[0] != '(' {
		i := 0
		for i < len(s) && s[i] != ' ' {
			i++
		}
		return s[:i], s[i:]
	}
	end, err := matchParen(s, 0)
	if err != nil {
		return s, ""
	}
	return s[:end+1], s[end+1:]
}

// parseBVLiteral reads a bit-vector literal in any of the three forms
// solvers commonly emit: hex (#x...), binary (#b...), or the
// sort-annotated form (_ bvDECIMAL WIDTH).
func parseBVLiteral(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "#x"):
		return strconv.ParseUint(s[2:], 16, 64)
	case strings.HasPrefix(s, "#b"):
		return strconv.ParseUint(s[2:], 2, 64)
	case strings.HasPrefix(s, "(_ bv"):
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "(_ bv"), ")")
		fields := strings.Fields(inner)
		if len(fields) == 0 {
			return 0, errors.Errorf("solver: malformed bit-vector literal %q", s)
		}
		return strconv.ParseUint(fields[0], 10, 64)
	default:
		return 0, errors.Errorf("solver: unrecognized bit-vector literal %q", s)
	}
}
