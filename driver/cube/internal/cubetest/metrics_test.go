// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package cubetest

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		require.Equal(t, dto.MetricType_COUNTER, mf.GetType(), mf.GetName())
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			values[key] = m.GetCounter().GetValue()
		}
	}
	return values
}

func TestRegisterMetrics(t *testing.T) {
	c := NewCatalog()
	pg, err := NewServer(c)
	require.NoError(t, err)
	defer pg.Close()
	native, err := NewNativeServer(c)
	require.NoError(t, err)
	defer native.Close()

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg, c, pg, native))

	c.lookup(Request{SQL: "SELECT 1"})
	c.lookup(Request{SQL: "SELECT 2"})

	assert.Equal(t, map[string]float64{
		"cube_fake_requests_total":                    2,
		"cube_fake_cancel_requests_total":             0,
		"cube_fake_sessions_total{protocol=native}":   0,
		"cube_fake_sessions_total{protocol=postgres}": 0,
	}, counterValues(t, reg))

	// a second registration collides with the first
	assert.Error(t, RegisterMetrics(reg, c, pg, nil))
}
