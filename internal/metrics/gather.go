// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package metrics

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/prometheus/common/expfmt"
)

// Gather renders the recorder's registry as Prometheus exposition text,
// the same format --debug writes next to the other dump files.
func (r *Recorder) Gather() ([]byte, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "gathering metrics")
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, errors.Wrapf(err, "encoding metric family %s", mf.GetName())
		}
	}
	return buf.Bytes(), nil
}
