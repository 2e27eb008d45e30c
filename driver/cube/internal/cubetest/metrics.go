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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cube_fake"

// RegisterMetrics exports the counters of c and the servers answering from
// it. native may be nil.
func RegisterMetrics(reg prometheus.Registerer, c *Catalog, pg *Server, native *NativeServer) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Queries executed against the fixture catalog.",
		}, func() float64 { return float64(c.requestCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "sessions_total",
			Help:        "Sessions that completed authentication.",
			ConstLabels: prometheus.Labels{"protocol": "postgres"},
		}, func() float64 { return float64(pg.Sessions()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cancel_requests_total",
			Help:      "Cancel requests that named a live session.",
		}, func() float64 { return float64(pg.CancelRequests()) }),
	}
	if native != nil {
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "sessions_total",
			Help:        "Sessions that completed authentication.",
			ConstLabels: prometheus.Labels{"protocol": "native"},
		}, func() float64 { return float64(native.Sessions()) }))
	}

	var errs []error
	for _, col := range collectors {
		errs = append(errs, reg.Register(col))
	}
	return errors.Join(errs...)
}
