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

// Package cube is an ADBC driver for Cube's SQL API.
//
// A connection speaks either the Postgres wire protocol (the default, port
// 4444) or Cube's Arrow Native protocol (port 4445). Results are delivered
// as Arrow record batches regardless of the wire format, which can be
// text, binary, or an Arrow IPC stream; see OptionOutputFormat.
//
// To use with the driver manager:
//
//	drv := cube.NewDriver(memory.DefaultAllocator)
//	db, err := drv.NewDatabase(map[string]string{
//		cube.OptionHost:  "localhost",
//		cube.OptionToken: token,
//	})
package cube

import (
	"context"
	"maps"
	"os"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cube-js/adbc-driver-cube/go/adbc/driver/internal/driverbase"
)

const (
	OptionHost                 = "adbc.cube.host"
	OptionPort                 = "adbc.cube.port"
	OptionToken                = "adbc.cube.token"
	OptionDatabase             = "adbc.cube.database"
	OptionUser                 = "adbc.cube.user"
	OptionPassword             = "adbc.cube.password"
	OptionConnectionMode       = "adbc.cube.connection_mode"
	OptionSSLMode              = "adbc.cube.sslmode"
	OptionApplicationName      = "adbc.cube.application_name"
	OptionTimeoutConnect       = "adbc.cube.timeout_seconds.connect"
	OptionTimeoutQuery         = "adbc.cube.timeout_seconds.query"
	OptionTimeoutFetch         = "adbc.cube.timeout_seconds.fetch"
	OptionTimeoutCancelGrace   = "adbc.cube.timeout_seconds.cancel_grace"
	OptionBatchRows            = "adbc.cube.batch_rows"
	OptionOutputFormat         = "adbc.cube.output_format"
	OptionStatementCacheSize   = "adbc.cube.statement_cache_size"
	OptionStatementBatchRows   = "adbc.cube.statement.batch_rows"
	OptionStatementResultRows  = "adbc.cube.statement.result.rows"
	OptionStatementResultCols  = "adbc.cube.statement.result.columns"
	OptionStatementResultBatch = "adbc.cube.statement.result.batches"

	// OptionValueFormatBest lets the driver pick the best format the
	// server accepts.
	OptionValueFormatBest = formatBest
)

type driverImpl struct {
	driverbase.DriverImplBase
}

// NewDriver creates a new Cube driver using the given Arrow allocator.
func NewDriver(alloc memory.Allocator) adbc.Driver {
	info := driverbase.DefaultDriverInfo("Cube")
	return driverbase.NewDriver(&driverImpl{DriverImplBase: driverbase.NewDriverImplBase(info, alloc)})
}

func (d *driverImpl) NewDatabase(opts map[string]string) (adbc.Database, error) {
	return d.NewDatabaseWithContext(context.Background(), opts)
}

func (d *driverImpl) NewDatabaseWithContext(ctx context.Context, opts map[string]string) (adbc.Database, error) {
	opts = maps.Clone(opts)

	dbBase, err := driverbase.NewDatabaseImplBase(ctx, &d.DriverImplBase)
	if err != nil {
		return nil, err
	}

	db := &databaseImpl{
		DatabaseImplBase: dbBase,
		cfg:              DefaultConfig(),
		getenv:           os.Getenv,
	}

	// the uri goes first so explicit options override its parts
	if uri, ok := opts[adbc.OptionKeyURI]; ok {
		if err := db.SetOption(adbc.OptionKeyURI, uri); err != nil {
			return nil, err
		}
		delete(opts, adbc.OptionKeyURI)
	}
	if err := db.SetOptions(opts); err != nil {
		return nil, err
	}

	return driverbase.NewDatabase(db), nil
}
