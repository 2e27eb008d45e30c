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

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// chunkSource yields consecutive pieces of one Arrow IPC stream.
type chunkSource interface {
	track(ctx context.Context) (context.Context, func())
	// nextChunk returns io.EOF at the end marker. A chunk is only valid
	// until the next call.
	nextChunk(ctx context.Context) ([]byte, error)
	rowsAffected() int64
	discard(ctx context.Context) error
}

// chunkReader adapts a chunkSource to the io.Reader the IPC reader
// consumes. The context is the one of the pull in progress.
type chunkReader struct {
	src    chunkSource
	ctx    context.Context
	buf    []byte
	srcErr error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		chunk, err := c.src.nextChunk(c.ctx)
		if err != nil {
			if err != io.EOF {
				c.srcErr = err
			}
			return 0, err
		}
		c.buf = chunk
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

type ipcStream struct {
	chunks *chunkReader
	rdr    *ipc.Reader
	schema *arrow.Schema
	cols   []ColumnType

	rows    int64
	batches int64
	done    bool
	err     error
}

// openIPCStream reads the stream schema. cols is the column description
// announced by the server for the result, or nil when the schema
// message itself is the only description.
func openIPCStream(ctx context.Context, alloc memory.Allocator, mapper *TypeMapper, cols []ColumnType, src chunkSource) (ResultStream, error) {
	tctx, end := src.track(ctx)
	defer end()

	chunks := &chunkReader{src: src, ctx: tctx}
	rdr, err := ipc.NewReader(chunks, ipc.WithAllocator(alloc))
	if err != nil {
		if chunks.srcErr != nil {
			return nil, chunks.srcErr
		}
		if errors.Is(err, io.EOF) && cols != nil {
			// the result ended without a stream; nothing to decode
			return newEmptyStream(mapper.Schema(cols), src.rowsAffected()), nil
		}
		diag := materializationError(0, -1, "", fmt.Errorf("invalid Arrow IPC stream: %w", err))
		_ = src.discard(ctx)
		return nil, diag
	}

	if cols != nil {
		if err := mapper.CheckSchema(rdr.Schema(), cols); err != nil {
			rdr.Release()
			_ = src.discard(ctx)
			return nil, materializationError(0, -1, "", fmt.Errorf("schema mismatch: %w", err))
		}
	}

	return &ipcStream{
		chunks: chunks,
		rdr:    rdr,
		schema: rdr.Schema(),
		cols:   cols,
	}, nil
}

func (s *ipcStream) Schema() *arrow.Schema { return s.schema }

func (s *ipcStream) RowsAffected() int64 {
	if n := s.chunks.src.rowsAffected(); n >= 0 {
		return n
	}
	return s.rows
}

func (s *ipcStream) Stats() (StreamStats, bool) {
	if !s.done || s.err != nil {
		return StreamStats{}, false
	}
	return StreamStats{Rows: s.rows, Columns: s.schema.NumFields(), Batches: s.batches}, true
}

func (s *ipcStream) Next(ctx context.Context) (arrow.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.done {
		return nil, io.EOF
	}

	tctx, end := s.chunks.src.track(ctx)
	defer end()
	s.chunks.ctx = tctx

	if !s.rdr.Next() {
		err := s.rdr.Err()
		switch {
		case s.chunks.srcErr != nil:
			s.err = s.chunks.srcErr
		case err != nil && !errors.Is(err, io.EOF):
			s.err = materializationError(s.batches, s.rows, "", fmt.Errorf("invalid Arrow IPC stream: %w", err))
			_ = s.chunks.src.discard(ctx)
		default:
			s.done = true
			// the IPC end-of-stream marker precedes the end of the result
			if err := s.drain(tctx); err != nil {
				s.done, s.err = false, err
			}
		}
		s.release()
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}

	rec := s.rdr.Record()
	if !rec.Schema().Equal(s.schema) {
		s.err = materializationError(s.batches, s.rows, "", errors.New("record batch schema differs from the stream schema"))
		_ = s.chunks.src.discard(ctx)
		s.release()
		return nil, s.err
	}
	rec.Retain()
	s.rows += rec.NumRows()
	s.batches++
	return rec, nil
}

// drain consumes whatever follows the IPC end-of-stream marker up to the
// end of the result.
func (s *ipcStream) drain(ctx context.Context) error {
	for {
		chunk, err := s.chunks.src.nextChunk(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(chunk) > 0 {
			_ = s.chunks.src.discard(ctx)
			return materializationError(s.batches, s.rows, "", errors.New("data after the end of the Arrow IPC stream"))
		}
	}
}

func (s *ipcStream) release() {
	if s.rdr != nil {
		s.rdr.Release()
		s.rdr = nil
	}
}

func (s *ipcStream) Discard(ctx context.Context) error {
	defer s.release()
	if s.done || s.err != nil {
		return nil
	}
	s.err = errDiscarded
	return s.chunks.src.discard(ctx)
}
