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
package driverbase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	ConnectionMessageOptionUnknown     = "Unknown connection option"
	ConnectionMessageOptionUnsupported = "Unsupported connection option"
	ConnectionMessageCannotCommit      = "Cannot commit when autocommit is enabled"
	ConnectionMessageCannotRollback    = "Cannot rollback when autocommit is enabled"
	ConnectionMessageClosed            = "Connection is closed"
)

// ConnectionImpl is what a driver implements to back a Connection.
type ConnectionImpl interface {
	adbc.Connection
	adbc.GetSetOptions
	Base() *ConnectionImplBase
}

// DriverInfoPreparer may be implemented by a ConnectionImpl to register
// values that are only known once a session exists (the server version)
// before GetInfo reads the DriverInfo.
type DriverInfoPreparer interface {
	PrepareDriverInfo(ctx context.Context, infoCodes []adbc.InfoCode) error
}

// TableTypeLister may be implemented by a ConnectionImpl; GetTableTypes
// then builds its result from the returned names.
type TableTypeLister interface {
	ListTableTypes(ctx context.Context) ([]string, error)
}

// Connection is returned by NewConnection.
type Connection interface {
	adbc.Connection
	adbc.GetSetOptions
}

// ConnectionImplBase holds the resources a connection shares with its
// database plus the state the Connection wrapper manages.
type ConnectionImplBase struct {
	Alloc       memory.Allocator
	ErrorHelper ErrorHelper
	DriverInfo  *DriverInfo
	Logger      *slog.Logger
	Tracer      trace.Tracer

	// Catalog is the database the connection is bound to. Empty means
	// unknown, and any catalog is then accepted.
	Catalog    string
	Autocommit bool
	Closed     bool

	db *DatabaseImplBase
}

func NewConnectionImplBase(database *DatabaseImplBase) ConnectionImplBase {
	return ConnectionImplBase{
		Alloc:       database.Alloc,
		ErrorHelper: database.ErrorHelper,
		DriverInfo:  database.DriverInfo,
		Logger:      database.Logger,
		Tracer:      database.Tracer,
		Autocommit:  true,
		db:          database,
	}
}

func (base *ConnectionImplBase) Base() *ConnectionImplBase {
	return base
}

func (base *ConnectionImplBase) notImplemented(op string) error {
	return base.ErrorHelper.Errorf(adbc.StatusNotImplemented, "%s", op)
}

func (base *ConnectionImplBase) unknownOption(key string) error {
	return base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", ConnectionMessageOptionUnknown, key)
}

func (base *ConnectionImplBase) unsettableOption(key string) error {
	return base.ErrorHelper.Errorf(adbc.StatusNotImplemented, "%s '%s'", ConnectionMessageOptionUnknown, key)
}

// CheckCatalog fails with NotFound when catalog names a database other
// than the one the connection is bound to. Names compare case-insensitively.
func (base *ConnectionImplBase) CheckCatalog(catalog *string) error {
	if catalog == nil || *catalog == "" || base.Catalog == "" || strings.EqualFold(*catalog, base.Catalog) {
		return nil
	}
	return base.ErrorHelper.Errorf(adbc.StatusNotFound, "catalog '%s' is not the connected database '%s'", *catalog, base.Catalog)
}

func (base *ConnectionImplBase) Commit(context.Context) error   { return base.notImplemented("Commit") }
func (base *ConnectionImplBase) Rollback(context.Context) error { return base.notImplemented("Rollback") }
func (base *ConnectionImplBase) Close() error                   { return nil }

func (base *ConnectionImplBase) GetObjects(ctx context.Context, depth adbc.ObjectDepth, catalog *string, dbSchema *string, tableName *string, columnName *string, tableType []string) (array.RecordReader, error) {
	return nil, base.notImplemented("GetObjects")
}

func (base *ConnectionImplBase) GetTableSchema(ctx context.Context, catalog *string, dbSchema *string, tableName string) (*arrow.Schema, error) {
	return nil, base.notImplemented("GetTableSchema")
}

func (base *ConnectionImplBase) GetTableTypes(context.Context) (array.RecordReader, error) {
	return nil, base.notImplemented("GetTableTypes")
}

func (base *ConnectionImplBase) NewStatement() (adbc.Statement, error) {
	return nil, base.notImplemented("NewStatement")
}

func (base *ConnectionImplBase) ReadPartition(ctx context.Context, serializedPartition []byte) (array.RecordReader, error) {
	return nil, base.notImplemented("ReadPartition")
}

func (base *ConnectionImplBase) GetOption(key string) (string, error) {
	return "", base.unknownOption(key)
}

func (base *ConnectionImplBase) GetOptionBytes(key string) ([]byte, error) {
	return nil, base.unknownOption(key)
}

func (base *ConnectionImplBase) GetOptionDouble(key string) (float64, error) {
	return 0, base.unknownOption(key)
}

func (base *ConnectionImplBase) GetOptionInt(key string) (int64, error) {
	return 0, base.unknownOption(key)
}

func (base *ConnectionImplBase) SetOption(key string, val string) error {
	return base.unsettableOption(key)
}

func (base *ConnectionImplBase) SetOptionBytes(key string, val []byte) error {
	return base.unsettableOption(key)
}

func (base *ConnectionImplBase) SetOptionDouble(key string, val float64) error {
	return base.unsettableOption(key)
}

func (base *ConnectionImplBase) SetOptionInt(key string, val int64) error {
	return base.unsettableOption(key)
}

// GetInfo answers from DriverInfo. Codes without a registered value are
// left out of the result.
func (base *ConnectionImplBase) GetInfo(ctx context.Context, infoCodes []adbc.InfoCode) (array.RecordReader, error) {
	if len(infoCodes) == 0 {
		infoCodes = base.DriverInfo.InfoSupportedCodes()
	}

	bldr := array.NewRecordBuilder(base.Alloc, adbc.GetInfoSchema)
	defer bldr.Release()
	bldr.Reserve(len(infoCodes))

	codes := bldr.Field(0).(*array.Uint32Builder)
	values := bldr.Field(1).(*array.DenseUnionBuilder)
	strs := values.Child(int(adbc.InfoValueStringType)).(*array.StringBuilder)
	ints := values.Child(int(adbc.InfoValueInt64Type)).(*array.Int64Builder)
	bools := values.Child(int(adbc.InfoValueBooleanType)).(*array.BooleanBuilder)

	for _, code := range infoCodes {
		value, ok := base.DriverInfo.GetInfoForInfoCode(code)
		if !ok {
			continue
		}
		switch v := value.(type) {
		case nil:
			values.Append(adbc.InfoValueStringType)
			strs.AppendNull()
		case string:
			values.Append(adbc.InfoValueStringType)
			strs.Append(v)
		case int64:
			values.Append(adbc.InfoValueInt64Type)
			ints.Append(v)
		case bool:
			values.Append(adbc.InfoValueBooleanType)
			bools.Append(v)
		default:
			return nil, fmt.Errorf("no defined type code for info_value of type %T", v)
		}
		codes.Append(uint32(code))
	}

	rec := bldr.NewRecord()
	defer rec.Release()
	return array.NewRecordReader(adbc.GetInfoSchema, []arrow.Record{rec})
}

func (base *ConnectionImplBase) GetInitialSpanAttributes() []attribute.KeyValue {
	return base.DriverInfo.SpanAttributes()
}

func (base *ConnectionImplBase) StartSpan(
	ctx context.Context,
	spanName string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	traceParent := ""
	if base.db != nil {
		traceParent = base.db.GetTraceParent()
	}
	ctx = withTraceParent(ctx, traceParent)
	opts = append(opts, trace.WithAttributes(base.GetInitialSpanAttributes()...))
	return base.Tracer.Start(ctx, spanName, opts...)
}

// connection wraps a ConnectionImpl with the behavior every connection
// shares: autocommit-only transactions, the current catalog, a closed
// guard, and the optional helpers the impl implements.
type connection struct {
	ConnectionImpl

	driverInfoPreparer DriverInfoPreparer
	tableTypeLister    TableTypeLister
}

// NewConnection wraps impl. The optional helper interfaces are picked up
// from impl when it implements them.
func NewConnection(impl ConnectionImpl) Connection {
	cnxn := &connection{ConnectionImpl: impl}
	cnxn.driverInfoPreparer, _ = impl.(DriverInfoPreparer)
	cnxn.tableTypeLister, _ = impl.(TableTypeLister)
	return cnxn
}

func (cnxn *connection) checkOpen() error {
	if cnxn.Base().Closed {
		return cnxn.Base().ErrorHelper.Errorf(adbc.StatusInvalidState, ConnectionMessageClosed)
	}
	return nil
}

func (cnxn *connection) GetOption(key string) (string, error) {
	base := cnxn.Base()
	switch key {
	case adbc.OptionKeyAutoCommit:
		if base.Autocommit {
			return adbc.OptionValueEnabled, nil
		}
		return adbc.OptionValueDisabled, nil
	case adbc.OptionKeyCurrentCatalog:
		return base.Catalog, nil
	}
	return cnxn.ConnectionImpl.GetOption(key)
}

func (cnxn *connection) SetOption(key string, val string) error {
	base := cnxn.Base()
	switch key {
	case adbc.OptionKeyAutoCommit:
		switch val {
		case adbc.OptionValueEnabled:
			return nil
		case adbc.OptionValueDisabled:
			return base.ErrorHelper.Errorf(adbc.StatusNotImplemented, "%s '%s'", ConnectionMessageOptionUnsupported, key)
		default:
			return base.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "cannot set value %s for key %s", val, key)
		}
	case adbc.OptionKeyCurrentCatalog:
		if base.CheckCatalog(&val) == nil {
			return nil
		}
		return base.ErrorHelper.Errorf(adbc.StatusNotImplemented, "switching to catalog '%s' needs a new connection", val)
	}
	return cnxn.ConnectionImpl.SetOption(key, val)
}

func (cnxn *connection) GetInfo(ctx context.Context, infoCodes []adbc.InfoCode) (array.RecordReader, error) {
	if err := cnxn.checkOpen(); err != nil {
		return nil, err
	}
	if cnxn.driverInfoPreparer != nil {
		if err := cnxn.driverInfoPreparer.PrepareDriverInfo(ctx, infoCodes); err != nil {
			return nil, err
		}
	}
	return cnxn.Base().GetInfo(ctx, infoCodes)
}

func (cnxn *connection) GetTableTypes(ctx context.Context) (array.RecordReader, error) {
	if err := cnxn.checkOpen(); err != nil {
		return nil, err
	}
	if cnxn.tableTypeLister == nil {
		return cnxn.ConnectionImpl.GetTableTypes(ctx)
	}

	tableTypes, err := cnxn.tableTypeLister.ListTableTypes(ctx)
	if err != nil {
		return nil, err
	}

	bldr := array.NewRecordBuilder(cnxn.Base().Alloc, adbc.TableTypesSchema)
	defer bldr.Release()
	bldr.Field(0).(*array.StringBuilder).AppendValues(tableTypes, nil)
	rec := bldr.NewRecord()
	defer rec.Release()
	return array.NewRecordReader(adbc.TableTypesSchema, []arrow.Record{rec})
}

func (cnxn *connection) GetTableSchema(ctx context.Context, catalog *string, dbSchema *string, tableName string) (*arrow.Schema, error) {
	if err := cnxn.checkOpen(); err != nil {
		return nil, err
	}
	if err := cnxn.Base().CheckCatalog(catalog); err != nil {
		return nil, err
	}
	return cnxn.ConnectionImpl.GetTableSchema(ctx, catalog, dbSchema, tableName)
}

func (cnxn *connection) NewStatement() (adbc.Statement, error) {
	if err := cnxn.checkOpen(); err != nil {
		return nil, err
	}
	return cnxn.ConnectionImpl.NewStatement()
}

func (cnxn *connection) Commit(ctx context.Context) error {
	if cnxn.Base().Autocommit {
		return cnxn.Base().ErrorHelper.Errorf(adbc.StatusInvalidState, ConnectionMessageCannotCommit)
	}
	return cnxn.ConnectionImpl.Commit(ctx)
}

func (cnxn *connection) Rollback(ctx context.Context) error {
	if cnxn.Base().Autocommit {
		return cnxn.Base().ErrorHelper.Errorf(adbc.StatusInvalidState, ConnectionMessageCannotRollback)
	}
	return cnxn.ConnectionImpl.Rollback(ctx)
}

func (cnxn *connection) Close() error {
	if err := cnxn.checkOpen(); err != nil {
		return err
	}
	if err := cnxn.ConnectionImpl.Close(); err != nil {
		return err
	}
	cnxn.Base().Closed = true
	return nil
}

var _ ConnectionImpl = (*ConnectionImplBase)(nil)
