// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package mir

import (
	"os"

	"github.com/pkg/errors"
)

// ParseFile reads path and parses it as µASM text. entry names the
// function that statements preceding any "func" header belong to (the
// program's entry point when the input declares no explicit functions).
func ParseFile(path string, entry string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading input file %s", path)
	}
	if LooksLikeELF(data) {
		return nil, errors.Wrapf(ErrUnsupportedInput, "%s", path)
	}
	prog, err := Parse(string(data), entry)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return prog, nil
}
