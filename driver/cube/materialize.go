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
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const DefaultBatchRows = 65536

// StreamStats summarizes a result stream that reached its end marker.
type StreamStats struct {
	Rows    int64
	Columns int
	Batches int64
}

// ResultStream is a lazily pulled sequence of Arrow records. Next returns
// io.EOF once the end marker was consumed. Records returned by Next are
// owned by the caller.
//
// A stream borrows its session: no other request can run on the session
// until the stream reached its end, failed, or was discarded. Discard
// releases all resources and may be called at any time, also after the
// end marker.
type ResultStream interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (arrow.Record, error)
	// Stats is only available after the end marker.
	Stats() (StreamStats, bool)
	RowsAffected() int64
	Discard(ctx context.Context) error
}

// rowSource yields the raw cells of one row-oriented result. A nil cell
// is a NULL. Cells are only valid until the next call.
type rowSource interface {
	// track prepares the source for pulling one batch and returns the
	// context to pull it with and a func ending the batch.
	track(ctx context.Context) (context.Context, func())
	nextRow(ctx context.Context) ([][]byte, error)
	rowsAffected() int64
	// discard skips the remaining rows and releases the session.
	discard(ctx context.Context) error
}

var errDiscarded = invalidState("result stream was discarded")

type rowStream struct {
	src       rowSource
	cols      []ColumnType
	schema    *arrow.Schema
	bldr      *array.RecordBuilder
	appenders []cellAppender
	batchRows int

	rows    int64
	batches int64
	done    bool
	err     error
}

func newRowStream(alloc memory.Allocator, mapper *TypeMapper, cols []ColumnType, src rowSource, batchRows int) *rowStream {
	if batchRows <= 0 {
		batchRows = DefaultBatchRows
	}
	schema := mapper.Schema(cols)
	bldr := array.NewRecordBuilder(alloc, schema)
	appenders := make([]cellAppender, len(cols))
	for i, col := range cols {
		appenders[i] = mapper.appender(col, bldr.Field(i))
	}
	return &rowStream{
		src:       src,
		cols:      cols,
		schema:    schema,
		bldr:      bldr,
		appenders: appenders,
		batchRows: batchRows,
	}
}

func (r *rowStream) Schema() *arrow.Schema { return r.schema }

func (r *rowStream) RowsAffected() int64 {
	if n := r.src.rowsAffected(); n >= 0 {
		return n
	}
	return r.rows
}

func (r *rowStream) Stats() (StreamStats, bool) {
	if !r.done || r.err != nil {
		return StreamStats{}, false
	}
	return StreamStats{Rows: r.rows, Columns: len(r.cols), Batches: r.batches}, true
}

func (r *rowStream) Next(ctx context.Context) (arrow.Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.done {
		return nil, io.EOF
	}

	ctx, end := r.src.track(ctx)
	defer end()

	n := 0
	for n < r.batchRows {
		row, err := r.src.nextRow(ctx)
		if err == io.EOF {
			r.done = true
			break
		}
		if err != nil {
			return nil, r.fail(ctx, err, false)
		}

		if len(row) != len(r.cols) {
			err := materializationError(r.batches, r.rows, "",
				fmt.Errorf("row has %d values, result has %d columns", len(row), len(r.cols)))
			return nil, r.fail(ctx, err, true)
		}
		for i, cell := range row {
			if err := r.appenders[i](cell); err != nil {
				return nil, r.fail(ctx, materializationError(r.batches, r.rows, r.cols[i].Name, err), true)
			}
		}
		r.rows++
		n++
	}

	if n == 0 {
		r.release()
		return nil, io.EOF
	}
	rec := r.bldr.NewRecord()
	r.batches++
	if r.done {
		r.release()
	}
	return rec, nil
}

// fail makes err sticky and drops the partially built batch. When the
// failure is local the rest of the result is skipped so the session stays
// usable.
func (r *rowStream) fail(ctx context.Context, err error, local bool) error {
	r.err = err
	if local {
		if derr := r.src.discard(ctx); derr != nil && KindOf(derr) != KindInvalidState {
			r.err = fmt.Errorf("%w (skipping the rest of the result failed: %v)", err, derr)
		}
	}
	r.release()
	return r.err
}

func (r *rowStream) release() {
	if r.bldr != nil {
		r.bldr.Release()
		r.bldr = nil
	}
}

func (r *rowStream) Discard(ctx context.Context) error {
	defer r.release()
	if r.done || r.err != nil {
		return nil
	}
	r.err = errDiscarded
	return r.src.discard(ctx)
}

// emptyStream is the result of a statement without a result set.
type emptyStream struct {
	schema   *arrow.Schema
	affected int64
}

func newEmptyStream(schema *arrow.Schema, affected int64) *emptyStream {
	if schema == nil {
		schema = arrow.NewSchema(nil, nil)
	}
	return &emptyStream{schema: schema, affected: affected}
}

func (e *emptyStream) Schema() *arrow.Schema { return e.schema }

func (e *emptyStream) Next(context.Context) (arrow.Record, error) { return nil, io.EOF }

func (e *emptyStream) Stats() (StreamStats, bool) {
	return StreamStats{Columns: e.schema.NumFields()}, true
}

func (e *emptyStream) RowsAffected() int64 { return e.affected }

func (e *emptyStream) Discard(context.Context) error { return nil }
