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
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
)

// reader exposes a ResultStream as an array.RecordReader. Records are
// pulled on demand with the context of the execution that opened the
// stream.
type reader struct {
	refCount atomic.Int64
	ctx      context.Context
	stream   ResultStream
	schema   *arrow.Schema
	logger   *slog.Logger
	onDone   func(StreamStats)

	rec  arrow.Record
	err  error
	done bool
}

func newReader(ctx context.Context, stream ResultStream, logger *slog.Logger, onDone func(StreamStats)) *reader {
	r := &reader{
		ctx:    ctx,
		stream: stream,
		schema: stream.Schema(),
		logger: logger,
		onDone: onDone,
	}
	r.refCount.Add(1)
	return r
}

func (r *reader) Retain() {
	r.refCount.Add(1)
}

func (r *reader) Release() {
	if r.refCount.Add(-1) != 0 {
		return
	}
	if r.rec != nil {
		r.rec.Release()
		r.rec = nil
	}
	if r.stream != nil {
		// an undrained stream still holds the session
		if err := r.stream.Discard(context.WithoutCancel(r.ctx)); err != nil {
			r.logger.Warn("discarding result stream failed", "error", err)
		}
		r.stream = nil
	}
}

// invalidate ends the stream early, as when its statement runs again.
// The reader stays valid but yields no further records.
func (r *reader) invalidate(ctx context.Context) error {
	if r.stream == nil || r.done {
		return nil
	}
	r.done = true
	err := r.stream.Discard(ctx)
	r.stream = nil
	return err
}

func (r *reader) Schema() *arrow.Schema {
	return r.schema
}

func (r *reader) Next() bool {
	if r.rec != nil {
		r.rec.Release()
		r.rec = nil
	}
	if r.err != nil || r.done || r.stream == nil {
		return false
	}

	rec, err := r.stream.Next(r.ctx)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.err = errToAdbc(err)
			return false
		}
		r.done = true
		if stats, ok := r.stream.Stats(); ok {
			r.logger.DebugContext(r.ctx, "result stream complete",
				"rows", stats.Rows, "columns", stats.Columns, "batches", stats.Batches)
			if r.onDone != nil {
				r.onDone(stats)
			}
		}
		return false
	}
	r.rec = rec
	return true
}

func (r *reader) Record() arrow.Record {
	return r.rec
}

func (r *reader) Err() error {
	return r.err
}
