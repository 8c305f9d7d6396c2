// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustRegisterOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { MustRegister(reg) })
}

func TestCommandsSentCountsByVerb(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	CommandsSent.Reset()
	CommandsSent.WithLabelValues("JOIN").Inc()
	CommandsSent.WithLabelValues("JOIN").Inc()
	CommandsSent.WithLabelValues("SAY").Inc()

	mfs, err := reg.Gather()
	require.NoError(t, err)

	var got *dto.MetricFamily
	for _, mf := range mfs {
		if mf.GetName() == "instantsoup_command_sent_total" {
			got = mf
		}
	}
	require.NotNil(t, got)
	assert.Len(t, got.Metric, 2)
}
