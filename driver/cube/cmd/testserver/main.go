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

// A fake Cube SQL API serving canned results from a fixture file on both
// the Postgres wire and the Arrow Native endpoints, for exercising the
// driver without a Cube deployment.

package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cube-js/adbc-driver-cube/go/adbc/driver/cube/internal/cubetest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		host       = flag.String("host", "localhost", "hostname to bind to")
		port       = flag.Int("port", 4444, "Postgres wire port to bind to")
		nativePort = flag.Int("native-port", 4445, "Arrow Native port to bind to, -1 to disable")
		token      = flag.String("token", cubetest.DefaultToken, "token clients must present; empty accepts any")
		fixtures   = flag.String("fixtures", "", "YAML fixture file with the results to serve")
		metrics    = flag.String("metrics-addr", "", "address to serve Prometheus metrics on, empty to disable")
		verbose    = flag.Bool("v", false, "log every session")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	catalog := cubetest.NewCatalog()
	if *fixtures != "" {
		if err := catalog.LoadFixtureFile(*fixtures); err != nil {
			log.Fatal(err)
		}
	}

	opts := []cubetest.Option{cubetest.WithToken(*token), cubetest.WithLogger(logger)}

	pg, err := cubetest.NewServer(catalog, append(opts, cubetest.WithAddr(net.JoinHostPort(*host, strconv.Itoa(*port))))...)
	if err != nil {
		log.Fatal(err)
	}
	defer pg.Close()
	fmt.Println("Starting fake Cube SQL API (postgres) on", pg.Addr(), "...")

	var native *cubetest.NativeServer
	if *nativePort >= 0 {
		native, err = cubetest.NewNativeServer(catalog, append(opts, cubetest.WithAddr(net.JoinHostPort(*host, strconv.Itoa(*nativePort))))...)
		if err != nil {
			log.Fatal(err)
		}
		defer native.Close()
		fmt.Println("Starting fake Cube SQL API (arrow native) on", native.Addr(), "...")
	}

	if *metrics != "" {
		reg := prometheus.NewRegistry()
		if err := cubetest.RegisterMetrics(reg, catalog, pg, native); err != nil {
			log.Fatal(err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metrics, mux); err != nil {
				logger.Error("metrics endpoint stopped", "error", err)
			}
		}()
		fmt.Println("Serving metrics on", *metrics, "...")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
