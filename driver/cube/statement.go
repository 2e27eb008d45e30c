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
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cube-js/adbc-driver-cube/go/adbc/driver/internal/driverbase"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type statement struct {
	driverbase.StatementImplBase

	cnxn      *connectionImpl
	query     string
	prepared  *Description
	batchRows int

	bound      arrow.Record
	streamBind array.RecordReader

	current *reader
	stats   *StreamStats
	closed  bool
}

func (st *statement) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := st.StartSpan(ctx, name)
	span.SetAttributes(
		attribute.String("db.system.name", "cube"),
		attribute.String("db.query.text", st.query),
		attribute.String("cube.session_id", st.cnxn.session.ID()),
	)
	return ctx, span
}

func (st *statement) checkOpen() error {
	if st.closed {
		return st.ErrorHelper.Errorf(adbc.StatusInvalidState, "statement is closed")
	}
	return nil
}

func (st *statement) clearBinds() {
	if st.bound != nil {
		st.bound.Release()
		st.bound = nil
	}
	if st.streamBind != nil {
		st.streamBind.Release()
		st.streamBind = nil
	}
}

// invalidateReader ends the stream of a previous execution so the session
// is free for the next one.
func (st *statement) invalidateReader(ctx context.Context) {
	if st.current == nil {
		return
	}
	if err := st.current.invalidate(ctx); err != nil {
		st.cnxn.Logger.WarnContext(ctx, "discarding previous result failed", "error", err)
	}
	st.current = nil
}

func (st *statement) Close() error {
	if st.closed {
		return st.ErrorHelper.Errorf(adbc.StatusInvalidState, "statement already closed")
	}
	st.closed = true
	st.clearBinds()
	st.invalidateReader(context.Background())
	return nil
}

func (st *statement) SetOption(key string, val string) error {
	switch key {
	case OptionStatementBatchRows:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return st.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "Invalid value for statement option '%s': '%s'", key, val)
		}
		return st.SetOptionInt(key, n)
	case OptionStatementResultRows, OptionStatementResultCols, OptionStatementResultBatch:
		return st.ErrorHelper.Errorf(adbc.StatusInvalidState, "Option '%s' is read-only", key)
	}
	return st.StatementImplBase.SetOption(key, val)
}

func (st *statement) SetOptionInt(key string, value int64) error {
	switch key {
	case OptionStatementBatchRows:
		if value <= 0 {
			return st.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "Invalid value for statement option '%s': must be positive, got %d", key, value)
		}
		st.batchRows = int(value)
		return nil
	}
	return st.StatementImplBase.SetOptionInt(key, value)
}

func (st *statement) GetOption(key string) (string, error) {
	switch key {
	case OptionStatementBatchRows, OptionStatementResultRows, OptionStatementResultCols, OptionStatementResultBatch:
		v, err := st.GetOptionInt(key)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(v, 10), nil
	}
	return st.StatementImplBase.GetOption(key)
}

func (st *statement) GetOptionInt(key string) (int64, error) {
	switch key {
	case OptionStatementBatchRows:
		if st.batchRows > 0 {
			return int64(st.batchRows), nil
		}
		return int64(st.cnxn.cfg.BatchRows), nil
	case OptionStatementResultRows, OptionStatementResultCols, OptionStatementResultBatch:
		if st.stats == nil {
			return 0, st.ErrorHelper.Errorf(adbc.StatusInvalidState, "Option '%s' is only available once a result was read to the end", key)
		}
		switch key {
		case OptionStatementResultRows:
			return st.stats.Rows, nil
		case OptionStatementResultCols:
			return int64(st.stats.Columns), nil
		default:
			return st.stats.Batches, nil
		}
	}
	return st.StatementImplBase.GetOptionInt(key)
}

func (st *statement) SetSqlQuery(query string) error {
	if err := st.checkOpen(); err != nil {
		return err
	}
	st.query = query
	st.prepared = nil
	st.clearBinds()
	return nil
}

func (st *statement) SetSubstraitPlan(plan []byte) error {
	return st.ErrorHelper.Errorf(adbc.StatusNotImplemented, "Substrait is not supported")
}

func (st *statement) Prepare(ctx context.Context) (err error) {
	ctx, span := st.startSpan(ctx, "statement.Prepare")
	defer func() {
		driverbase.EndSpan(span, err)
	}()

	if err := st.checkQuery(); err != nil {
		return err
	}
	st.invalidateReader(ctx)
	desc, err := st.cnxn.session.Describe(ctx, st.query)
	if err != nil {
		return errToAdbc(err)
	}
	st.prepared = desc
	return nil
}

func (st *statement) checkQuery() error {
	if err := st.checkOpen(); err != nil {
		return err
	}
	if st.query == "" {
		return st.ErrorHelper.Errorf(adbc.StatusInvalidState, "no query has been set")
	}
	return nil
}

func (st *statement) GetParameterSchema() (*arrow.Schema, error) {
	if st.prepared == nil {
		return nil, st.ErrorHelper.Errorf(adbc.StatusInvalidState, "statement has not been prepared")
	}
	mapper := NewTypeMapper()
	fields := make([]arrow.Field, len(st.prepared.ParamOIDs))
	for i, oid := range st.prepared.ParamOIDs {
		fields[i] = mapper.Field(mapper.Column(fmt.Sprintf("$%d", i+1), oid, -1, textFormat))
	}
	return arrow.NewSchema(fields, nil), nil
}

func (st *statement) Bind(_ context.Context, values arrow.Record) error {
	if err := st.checkOpen(); err != nil {
		return err
	}
	st.clearBinds()
	if values != nil {
		values.Retain()
		st.bound = values
	}
	return nil
}

func (st *statement) BindStream(_ context.Context, stream array.RecordReader) error {
	if err := st.checkOpen(); err != nil {
		return err
	}
	st.clearBinds()
	if stream != nil {
		stream.Retain()
		st.streamBind = stream
	}
	return nil
}

// declareParams reports whether bound values carry their Arrow-derived
// types to the server. Binary results call for binary parameters, which
// need a declared type.
func (st *statement) declareParams() bool {
	return st.cnxn.session.Format() == FormatBinary
}

// forEachParamSet calls fn once per bound row, or once with no parameters
// when nothing is bound.
func (st *statement) forEachParamSet(fn func([]Param) error) error {
	declare := st.declareParams()
	each := func(rec arrow.Record) error {
		for row := 0; row < int(rec.NumRows()); row++ {
			params, err := ParamsFromRecord(rec, row, declare)
			if err != nil {
				return st.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "row %d: %s", row, err.Error())
			}
			if err := fn(params); err != nil {
				return err
			}
		}
		return nil
	}

	switch {
	case st.bound != nil:
		return each(st.bound)
	case st.streamBind != nil:
		for st.streamBind.Next() {
			if err := each(st.streamBind.Record()); err != nil {
				return err
			}
		}
		if err := st.streamBind.Err(); err != nil {
			return st.ErrorHelper.Errorf(adbc.StatusIO, "reading bound parameters: %s", err.Error())
		}
		return nil
	}
	return fn(nil)
}

// singleParamSet returns the parameters of a query that yields a result
// set. Only one row of parameters can be bound.
func (st *statement) singleParamSet() ([]Param, error) {
	var (
		params []Param
		n      int
	)
	err := st.forEachParamSet(func(p []Param) error {
		n++
		if n > 1 {
			return st.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "ExecuteQuery accepts at most one row of bound parameters")
		}
		params = p
		return nil
	})
	return params, err
}

func (st *statement) onDone(stats StreamStats) {
	st.stats = &stats
}

func (st *statement) ExecuteQuery(ctx context.Context) (rdr array.RecordReader, rows int64, err error) {
	ctx, span := st.startSpan(ctx, "statement.ExecuteQuery")
	defer func() {
		driverbase.EndSpan(span, err)
	}()

	if err := st.checkQuery(); err != nil {
		return nil, -1, err
	}
	st.invalidateReader(ctx)
	st.stats = nil

	params, err := st.singleParamSet()
	if err != nil {
		return nil, -1, err
	}
	stream, err := st.cnxn.session.Execute(ctx, Query{SQL: st.query, Params: params, BatchRows: st.batchRows})
	if err != nil {
		return nil, -1, errToAdbc(err)
	}

	r := newReader(context.WithoutCancel(ctx), stream, st.cnxn.Logger, st.onDone)
	st.current = r
	return r, -1, nil
}

func (st *statement) ExecuteUpdate(ctx context.Context) (affected int64, err error) {
	ctx, span := st.startSpan(ctx, "statement.ExecuteUpdate")
	defer func() {
		driverbase.EndSpan(span, err)
		span.SetAttributes(attribute.Int64("db.response.returned_rows", affected))
	}()

	if err := st.checkQuery(); err != nil {
		return -1, err
	}
	st.invalidateReader(ctx)
	st.stats = nil

	err = st.forEachParamSet(func(params []Param) error {
		n, err := st.executeDrained(ctx, Query{SQL: st.query, Params: params, BatchRows: st.batchRows})
		if err != nil {
			return err
		}
		affected += n
		return nil
	})
	if err != nil {
		return -1, err
	}
	return affected, nil
}

// executeDrained runs a query and skips whatever rows it returns.
func (st *statement) executeDrained(ctx context.Context, q Query) (int64, error) {
	stream, err := st.cnxn.session.Execute(ctx, q)
	if err != nil {
		return 0, errToAdbc(err)
	}
	for {
		rec, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, errToAdbc(err)
		}
		rec.Release()
	}
	if stats, ok := stream.Stats(); ok {
		st.onDone(stats)
	}
	return stream.RowsAffected(), nil
}

func (st *statement) ExecuteSchema(ctx context.Context) (schema *arrow.Schema, err error) {
	ctx, span := st.startSpan(ctx, "statement.ExecuteSchema")
	defer func() {
		driverbase.EndSpan(span, err)
	}()

	if err := st.checkQuery(); err != nil {
		return nil, err
	}
	if st.prepared != nil {
		return st.prepared.Schema, nil
	}
	st.invalidateReader(ctx)
	desc, err := st.cnxn.session.Describe(ctx, st.query)
	if err != nil {
		return nil, errToAdbc(err)
	}
	return desc.Schema, nil
}

func (st *statement) ExecutePartitions(context.Context) (*arrow.Schema, adbc.Partitions, int64, error) {
	return nil, adbc.Partitions{}, -1, st.ErrorHelper.Errorf(adbc.StatusNotImplemented, "ExecutePartitions is not supported")
}
