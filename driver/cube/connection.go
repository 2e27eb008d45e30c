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

package cube

import (
	"context"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cube-js/adbc-driver-cube/go/adbc/driver/internal/driverbase"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
)

// OptionSessionID is a read-only connection option holding the id the
// session logs and traces under.
const OptionSessionID = "adbc.cube.session_id"

type connectionImpl struct {
	driverbase.ConnectionImplBase

	db         *databaseImpl
	cfg        Config
	session    Session
	negotiator Negotiator
}

func (c *connectionImpl) PrepareDriverInfo(ctx context.Context, infoCodes []adbc.InfoCode) error {
	if v := c.session.ServerVersion(); v != "" {
		if err := c.DriverInfo.RegisterInfoCode(adbc.InfoVendorVersion, v); err != nil {
			return err
		}
	}
	return c.DriverInfo.RegisterInfoCode(adbc.InfoVendorSql, true)
}

func (c *connectionImpl) ListTableTypes(ctx context.Context) ([]string, error) {
	return []string{"TABLE", "VIEW"}, nil
}

func (c *connectionImpl) GetOption(key string) (string, error) {
	switch key {
	case OptionOutputFormat:
		return c.session.Format().String(), nil
	case OptionConnectionMode:
		return string(c.session.Mode()), nil
	case OptionSessionID:
		return c.session.ID(), nil
	}
	return c.ConnectionImplBase.GetOption(key)
}

func (c *connectionImpl) SetOption(key, value string) error {
	switch key {
	case OptionOutputFormat:
		if _, err := c.negotiator.Apply(context.Background(), c.session, value); err != nil {
			return errToAdbc(err)
		}
		return nil
	case OptionSessionID, OptionConnectionMode:
		return c.ErrorHelper.Errorf(adbc.StatusInvalidState, "Option '%s' is read-only", key)
	}
	return c.ConnectionImplBase.SetOption(key, value)
}

// tableRef quotes a possibly schema-qualified table name. The catalog was
// checked against the bound database by the connection wrapper and is not
// part of the name.
func tableRef(dbSchema *string, tableName string) string {
	ident := pgx.Identifier{tableName}
	if dbSchema != nil && *dbSchema != "" {
		ident = pgx.Identifier{*dbSchema, tableName}
	}
	return ident.Sanitize()
}

func (c *connectionImpl) GetTableSchema(ctx context.Context, catalog *string, dbSchema *string, tableName string) (schema *arrow.Schema, err error) {
	ctx, span := c.StartSpan(ctx, "connectionImpl.GetTableSchema")
	defer func() {
		driverbase.EndSpan(span, err)
	}()

	sql := "SELECT * FROM " + tableRef(dbSchema, tableName) + " LIMIT 0"
	span.SetAttributes(
		attribute.String("db.system.name", "cube"),
		attribute.String("db.query.text", sql),
		attribute.String("cube.session_id", c.session.ID()),
	)

	if c.session.Mode() == ModeNative {
		// no describe round trip on this protocol; the empty result
		// still carries the schema
		stream, err := c.session.Execute(ctx, Query{SQL: sql})
		if err != nil {
			return nil, errToAdbc(err)
		}
		schema = stream.Schema()
		if err := stream.Discard(ctx); err != nil {
			return nil, errToAdbc(err)
		}
		return schema, nil
	}

	desc, err := c.session.Describe(ctx, sql)
	if err != nil {
		return nil, errToAdbc(err)
	}
	return desc.Schema, nil
}

func (c *connectionImpl) NewStatement() (adbc.Statement, error) {
	return &statement{
		StatementImplBase: driverbase.NewStatementImplBase(&c.ConnectionImplBase, c.ErrorHelper),
		cnxn:              c,
	}, nil
}

func (c *connectionImpl) Close() error {
	if err := c.session.Close(context.Background()); err != nil {
		return errToAdbc(err)
	}
	return nil
}
