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
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakeRows is a rowSource over canned text cells. A nil cell is NULL.
type fakeRows struct {
	rows     [][][]byte
	pos      int
	affected int64
	// failAt makes nextRow fail with err instead of returning that row.
	failAt int
	err    error

	tracked   int
	discarded int
}

func textRows(rows ...[]any) *fakeRows {
	src := &fakeRows{affected: -1, failAt: -1}
	for _, row := range rows {
		cells := make([][]byte, len(row))
		for i, v := range row {
			if v != nil {
				cells[i] = []byte(v.(string))
			}
		}
		src.rows = append(src.rows, cells)
	}
	return src
}

func (f *fakeRows) track(ctx context.Context) (context.Context, func()) {
	f.tracked++
	return ctx, func() {}
}

func (f *fakeRows) nextRow(context.Context) ([][]byte, error) {
	if f.pos == f.failAt {
		return nil, f.err
	}
	if f.pos >= len(f.rows) {
		return nil, io.EOF
	}
	f.pos++
	return f.rows[f.pos-1], nil
}

func (f *fakeRows) rowsAffected() int64 { return f.affected }

func (f *fakeRows) discard(context.Context) error {
	f.discarded++
	f.pos = len(f.rows)
	return nil
}

type MaterializeSuite struct {
	suite.Suite

	mem    *memory.CheckedAllocator
	mapper *TypeMapper
	ctx    context.Context
	cols   []ColumnType
}

func (s *MaterializeSuite) SetupTest() {
	s.mem = memory.NewCheckedAllocator(memory.DefaultAllocator)
	s.mapper = NewTypeMapper()
	s.ctx = context.Background()
	s.cols = []ColumnType{
		s.mapper.Column("status", pgtype.TextOID, -1, textFormat),
		s.mapper.Column("count", pgtype.Int8OID, -1, textFormat),
	}
}

func (s *MaterializeSuite) TearDownTest() {
	s.mem.AssertSize(s.T(), 0)
}

func (s *MaterializeSuite) drain(stream ResultStream) (batches []int64, err error) {
	for {
		rec, err := stream.Next(s.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return batches, nil
			}
			return batches, err
		}
		batches = append(batches, rec.NumRows())
		rec.Release()
	}
}

func (s *MaterializeSuite) TestBatching() {
	src := textRows(
		[]any{"completed", "12"}, []any{"processing", "3"}, []any{nil, "1"},
		[]any{"shipped", nil}, []any{"returned", "0"},
	)
	stream := newRowStream(s.mem, s.mapper, s.cols, src, 2)
	s.Equal([]string{"status", "count"}, []string{stream.Schema().Field(0).Name, stream.Schema().Field(1).Name})

	_, ok := stream.Stats()
	s.False(ok, "stats before the end marker")

	batches, err := s.drain(stream)
	s.Require().NoError(err)
	s.Equal([]int64{2, 2, 1}, batches)

	stats, ok := stream.Stats()
	s.True(ok)
	s.Equal(StreamStats{Rows: 5, Columns: 2, Batches: 3}, stats)
	s.EqualValues(5, stream.RowsAffected())
	s.Zero(src.discarded)

	// the end is sticky and Discard after it is a no-op
	_, err = stream.Next(s.ctx)
	s.ErrorIs(err, io.EOF)
	s.NoError(stream.Discard(s.ctx))
	s.Zero(src.discarded)
}

func (s *MaterializeSuite) TestExactMultiple() {
	src := textRows([]any{"a", "1"}, []any{"b", "2"}, []any{"c", "3"}, []any{"d", "4"})
	stream := newRowStream(s.mem, s.mapper, s.cols, src, 2)

	batches, err := s.drain(stream)
	s.Require().NoError(err)
	s.Equal([]int64{2, 2}, batches)
	stats, ok := stream.Stats()
	s.True(ok)
	s.EqualValues(2, stats.Batches)
}

func (s *MaterializeSuite) TestValues() {
	src := textRows([]any{"completed", "12"}, []any{nil, nil})
	stream := newRowStream(s.mem, s.mapper, s.cols, src, 0)

	rec, err := stream.Next(s.ctx)
	s.Require().NoError(err)
	defer rec.Release()

	status := rec.Column(0).(*array.String)
	count := rec.Column(1).(*array.Int64)
	s.Equal("completed", status.Value(0))
	s.EqualValues(12, count.Value(0))
	s.True(status.IsNull(1))
	s.True(count.IsNull(1))

	_, err = stream.Next(s.ctx)
	s.ErrorIs(err, io.EOF)
}

func (s *MaterializeSuite) TestEmptyResult() {
	src := textRows()
	src.affected = 0
	stream := newRowStream(s.mem, s.mapper, s.cols, src, 10)

	s.Equal(2, stream.Schema().NumFields())
	_, err := stream.Next(s.ctx)
	s.ErrorIs(err, io.EOF)

	stats, ok := stream.Stats()
	s.True(ok)
	s.Equal(StreamStats{Rows: 0, Columns: 2, Batches: 0}, stats)
	s.Zero(stream.RowsAffected())
}

func (s *MaterializeSuite) TestDecodeFailure() {
	src := textRows([]any{"a", "1"}, []any{"b", "2"}, []any{"c", "three"}, []any{"d", "4"})
	stream := newRowStream(s.mem, s.mapper, s.cols, src, 2)

	rec, err := stream.Next(s.ctx)
	s.Require().NoError(err)
	rec.Release()

	_, err = stream.Next(s.ctx)
	var diag *Diagnostic
	s.Require().ErrorAs(err, &diag)
	s.Equal(KindMaterialization, diag.Kind)
	s.EqualValues(1, diag.Batch)
	s.EqualValues(2, diag.Row)
	s.Equal("count", diag.Column)
	s.Equal(1, src.discarded, "the rest of the result is skipped")

	_, err2 := stream.Next(s.ctx)
	s.Same(err, err2)
	_, ok := stream.Stats()
	s.False(ok)
	s.NoError(stream.Discard(s.ctx))
	s.Equal(1, src.discarded)
}

func (s *MaterializeSuite) TestInvalidUTF8() {
	src := textRows([]any{"a", "1"}, []any{"\xff\xfe", "2"})
	stream := newRowStream(s.mem, s.mapper, s.cols, src, 10)

	_, err := stream.Next(s.ctx)
	var diag *Diagnostic
	s.Require().ErrorAs(err, &diag)
	s.Equal(KindMaterialization, diag.Kind)
	s.EqualValues(1, diag.Row)
	s.Equal("status", diag.Column)
	s.ErrorContains(err, "invalid UTF-8")
	s.NoError(stream.Discard(s.ctx))
}

func (s *MaterializeSuite) TestArityMismatch() {
	src := textRows([]any{"a"})
	stream := newRowStream(s.mem, s.mapper, s.cols, src, 2)

	_, err := stream.Next(s.ctx)
	s.Equal(KindMaterialization, KindOf(err))
	s.ErrorContains(err, "row has 1 values, result has 2 columns")
}

func (s *MaterializeSuite) TestSourceFailure() {
	src := textRows([]any{"a", "1"}, []any{"b", "2"}, []any{"c", "3"})
	src.failAt, src.err = 1, transportError(s.ctx, io.ErrUnexpectedEOF, false)
	stream := newRowStream(s.mem, s.mapper, s.cols, src, 10)

	_, err := stream.Next(s.ctx)
	s.Equal(KindTransport, KindOf(err))
	s.Zero(src.discarded, "a failed source is not skipped")
}

func (s *MaterializeSuite) TestDiscard() {
	src := textRows([]any{"a", "1"}, []any{"b", "2"}, []any{"c", "3"})
	stream := newRowStream(s.mem, s.mapper, s.cols, src, 1)

	rec, err := stream.Next(s.ctx)
	s.Require().NoError(err)
	rec.Release()

	s.NoError(stream.Discard(s.ctx))
	s.Equal(1, src.discarded)

	_, err = stream.Next(s.ctx)
	s.Equal(KindInvalidState, KindOf(err))
	s.NoError(stream.Discard(s.ctx))
	s.Equal(1, src.discarded)
}

func (s *MaterializeSuite) TestRowsAffectedFromTag() {
	src := textRows()
	src.affected = 7
	stream := newEmptyStream(arrow.NewSchema(nil, nil), src.rowsAffected())
	s.EqualValues(7, stream.RowsAffected())
	stats, ok := stream.Stats()
	s.True(ok)
	s.Zero(stats.Rows)
}

// fakeChunks is a chunkSource over pieces of a byte stream.
type fakeChunks struct {
	chunks    [][]byte
	pos       int
	err       error
	discarded int
}

func splitChunks(data []byte, size int) *fakeChunks {
	src := &fakeChunks{}
	for len(data) > 0 {
		n := min(size, len(data))
		src.chunks = append(src.chunks, data[:n])
		data = data[n:]
	}
	return src
}

func (f *fakeChunks) track(ctx context.Context) (context.Context, func()) {
	return ctx, func() {}
}

func (f *fakeChunks) nextChunk(context.Context) ([]byte, error) {
	if f.pos >= len(f.chunks) {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	f.pos++
	return f.chunks[f.pos-1], nil
}

func (f *fakeChunks) rowsAffected() int64 { return -1 }

func (f *fakeChunks) discard(context.Context) error {
	f.discarded++
	f.pos = len(f.chunks)
	return nil
}

func (s *MaterializeSuite) ipcBytes(schema *arrow.Schema, rows ...string) []byte {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(s.mem))
	for _, r := range rows {
		rec, _, err := array.RecordFromJSON(s.mem, schema, strings.NewReader(r))
		s.Require().NoError(err)
		s.Require().NoError(w.Write(rec))
		rec.Release()
	}
	s.Require().NoError(w.Close())
	return buf.Bytes()
}

var ipcSchema = arrow.NewSchema([]arrow.Field{
	{Name: "status", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "count", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
}, nil)

func (s *MaterializeSuite) TestIPCStream() {
	data := s.ipcBytes(ipcSchema,
		`[{"status": "completed", "count": 12}, {"status": null, "count": 1}]`,
		`[{"status": "shipped", "count": null}]`)
	src := splitChunks(data, 7)

	stream, err := openIPCStream(s.ctx, s.mem, s.mapper, s.cols, src)
	s.Require().NoError(err)
	s.True(stream.Schema().Equal(ipcSchema))

	batches, err := s.drain(stream)
	s.Require().NoError(err)
	s.Equal([]int64{2, 1}, batches)
	stats, ok := stream.Stats()
	s.True(ok)
	s.Equal(StreamStats{Rows: 3, Columns: 2, Batches: 2}, stats)
	s.Zero(src.discarded)
}

func (s *MaterializeSuite) TestIPCStreamWithoutColumns() {
	src := splitChunks(s.ipcBytes(ipcSchema, `[{"status": "a", "count": 1}]`), 1<<20)
	stream, err := openIPCStream(s.ctx, s.mem, s.mapper, nil, src)
	s.Require().NoError(err)
	batches, err := s.drain(stream)
	s.Require().NoError(err)
	s.Equal([]int64{1}, batches)
}

func (s *MaterializeSuite) TestIPCSchemaMismatch() {
	other := arrow.NewSchema([]arrow.Field{
		{Name: "status", Type: arrow.BinaryTypes.String},
		{Name: "count", Type: arrow.FixedWidthTypes.Boolean},
	}, nil)
	src := splitChunks(s.ipcBytes(other), 16)

	_, err := openIPCStream(s.ctx, s.mem, s.mapper, s.cols, src)
	s.Equal(KindMaterialization, KindOf(err))
	s.ErrorContains(err, "schema mismatch")
	s.Equal(1, src.discarded)
}

func (s *MaterializeSuite) TestIPCGarbage() {
	// a message header announcing more metadata than follows
	src := splitChunks([]byte{0xff, 0xff, 0xff, 0xff, 16, 0, 0, 0, 1, 2, 3, 4}, 4)
	_, err := openIPCStream(s.ctx, s.mem, s.mapper, s.cols, src)
	s.Equal(KindMaterialization, KindOf(err))
	s.Equal(1, src.discarded)
}

func (s *MaterializeSuite) TestIPCEmptyResult() {
	stream, err := openIPCStream(s.ctx, s.mem, s.mapper, s.cols, &fakeChunks{})
	s.Require().NoError(err)
	s.Equal(2, stream.Schema().NumFields())
	_, err = stream.Next(s.ctx)
	s.ErrorIs(err, io.EOF)
}

func (s *MaterializeSuite) TestIPCTrailingData() {
	data := s.ipcBytes(ipcSchema, `[{"status": "a", "count": 1}]`)
	src := splitChunks(data, 1<<20)
	src.chunks = append(src.chunks, []byte{1, 2, 3})

	stream, err := openIPCStream(s.ctx, s.mem, s.mapper, s.cols, src)
	s.Require().NoError(err)
	_, err = s.drain(stream)
	s.Equal(KindMaterialization, KindOf(err))
	s.ErrorContains(err, "data after the end")
}

func (s *MaterializeSuite) TestIPCSourceFailure() {
	data := s.ipcBytes(ipcSchema, `[{"status": "a", "count": 1}]`, `[{"status": "b", "count": 2}]`)
	// cut the stream in the middle of the second batch
	src := splitChunks(data[:len(data)-40], 1<<20)
	src.err = transportError(s.ctx, io.ErrUnexpectedEOF, false)

	stream, err := openIPCStream(s.ctx, s.mem, s.mapper, s.cols, src)
	s.Require().NoError(err)
	_, err = s.drain(stream)
	s.Equal(KindTransport, KindOf(err))
	_, ok := stream.Stats()
	s.False(ok)
	s.Require().NoError(stream.Discard(s.ctx))
}

func (s *MaterializeSuite) TestIPCDiscard() {
	data := s.ipcBytes(ipcSchema, `[{"status": "a", "count": 1}]`, `[{"status": "b", "count": 2}]`)
	src := splitChunks(data, 1<<20)

	stream, err := openIPCStream(s.ctx, s.mem, s.mapper, s.cols, src)
	s.Require().NoError(err)
	rec, err := stream.Next(s.ctx)
	s.Require().NoError(err)
	rec.Release()

	s.NoError(stream.Discard(s.ctx))
	s.Equal(1, src.discarded)
	_, err = stream.Next(s.ctx)
	s.Equal(KindInvalidState, KindOf(err))
}

func TestMaterialize(t *testing.T) {
	suite.Run(t, new(MaterializeSuite))
}

func TestChunkReader(t *testing.T) {
	src := &fakeChunks{chunks: [][]byte{[]byte("ab"), {}, []byte("cde")}}
	r := &chunkReader{src: src, ctx: context.Background()}
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(got))
	assert.NoError(t, r.srcErr)

	failing := &fakeChunks{chunks: [][]byte{[]byte("ab")}, err: errors.New("reset")}
	r = &chunkReader{src: failing, ctx: context.Background()}
	_, err = io.ReadAll(r)
	assert.EqualError(t, err, "reset")
	assert.EqualError(t, r.srcErr, "reset")
}
