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
	"math"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numericTypmod(precision, scale int32) int32 {
	return ((precision << 16) | scale) + 4
}

// decodeCells runs cells through the appender of col and returns the
// built array, or the first decoding error.
func decodeCells(t *testing.T, m *TypeMapper, col ColumnType, cells ...[]byte) (arrow.Array, error) {
	t.Helper()
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	t.Cleanup(func() { mem.AssertSize(t, 0) })

	bldr := array.NewBuilder(mem, m.ArrowType(col))
	defer bldr.Release()
	appendCell := m.appender(col, bldr)
	for _, c := range cells {
		if err := appendCell(c); err != nil {
			return nil, err
		}
	}
	arr := bldr.NewArray()
	t.Cleanup(arr.Release)
	return arr, nil
}

func binaryCell(t *testing.T, m *TypeMapper, oid uint32, v any) []byte {
	t.Helper()
	cell, err := m.types.Encode(oid, binaryFormat, v, nil)
	require.NoError(t, err)
	return cell
}

func TestCanonical(t *testing.T) {
	m := NewTypeMapper()
	tests := []struct {
		oid  uint32
		want CanonicalType
	}{
		{pgtype.Int2OID, TypeInteger64},
		{pgtype.Int4OID, TypeInteger64},
		{pgtype.Int8OID, TypeInteger64},
		{pgtype.Float4OID, TypeFloat64},
		{pgtype.Float8OID, TypeFloat64},
		{pgtype.TextOID, TypeUTF8},
		{pgtype.VarcharOID, TypeUTF8},
		{pgtype.UUIDOID, TypeUTF8},
		{pgtype.BoolOID, TypeBoolean},
		{pgtype.ByteaOID, TypeBinary},
		{pgtype.TimestampOID, TypeTimestamp},
		{pgtype.TimestamptzOID, TypeTimestamp},
		{pgtype.DateOID, TypeTimestamp},
		{pgtype.NumericOID, TypeDecimal},
		{voidOID, TypeNull},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			got, known := m.Canonical(tt.oid)
			assert.True(t, known)
			assert.Equal(t, tt.want, got)
		})
	}

	got, known := m.Canonical(990001)
	assert.False(t, known)
	assert.Equal(t, TypeBinary, got)

	col := m.Column("blob", 990001, -1, textFormat)
	assert.True(t, col.Opaque)
	assert.Equal(t, TypeBinary, col.Canonical)
}

func TestArrowType(t *testing.T) {
	m := NewTypeMapper()

	dt := m.ArrowType(m.Column("amount", pgtype.NumericOID, numericTypmod(10, 2), textFormat))
	assert.True(t, arrow.TypeEqual(&arrow.Decimal128Type{Precision: 10, Scale: 2}, dt), dt.String())

	// no usable modifier keeps the exact text
	assert.Equal(t, arrow.BinaryTypes.String, m.ArrowType(m.Column("n", pgtype.NumericOID, -1, textFormat)))
	assert.Equal(t, arrow.BinaryTypes.String, m.ArrowType(m.Column("n", pgtype.NumericOID, numericTypmod(50, 2), textFormat)))

	tz := m.ArrowType(m.Column("ts", pgtype.TimestamptzOID, -1, textFormat)).(*arrow.TimestampType)
	assert.Equal(t, arrow.Microsecond, tz.Unit)
	assert.Equal(t, "UTC", tz.TimeZone)
	plain := m.ArrowType(m.Column("ts", pgtype.TimestampOID, -1, textFormat)).(*arrow.TimestampType)
	assert.Empty(t, plain.TimeZone)

	assert.Equal(t, arrow.Null, m.ArrowType(m.Column("v", voidOID, -1, textFormat)))

	f := m.Field(m.Column("id", pgtype.Int8OID, -1, textFormat))
	assert.True(t, f.Nullable)
	oid, ok := f.Metadata.GetValue(MetadataKeyRemoteTypeOID)
	assert.True(t, ok)
	assert.Equal(t, "20", oid)
	canonical, ok := f.Metadata.GetValue(MetadataKeyCanonicalType)
	assert.True(t, ok)
	assert.Equal(t, "integer64", canonical)
}

func TestResultFormat(t *testing.T) {
	m := NewTypeMapper()
	assert.Equal(t, int16(binaryFormat), m.ResultFormat(pgtype.Int8OID))
	assert.Equal(t, int16(binaryFormat), m.ResultFormat(pgtype.NumericOID))
	assert.Equal(t, int16(textFormat), m.ResultFormat(pgtype.JSONOID))
	assert.Equal(t, int16(textFormat), m.ResultFormat(990001))
}

func TestCheckSchema(t *testing.T) {
	m := NewTypeMapper()
	cols := []ColumnType{
		m.Column("id", pgtype.Int4OID, -1, textFormat),
		m.Column("amount", pgtype.NumericOID, -1, textFormat),
		m.Column("blob", 990001, -1, textFormat),
	}

	ok := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "amount", Type: arrow.PrimitiveTypes.Float64},
		{Name: "blob", Type: arrow.BinaryTypes.String},
	}, nil)
	assert.NoError(t, m.CheckSchema(ok, cols))

	nulls := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.Null},
		{Name: "amount", Type: &arrow.Decimal128Type{Precision: 10, Scale: 2}},
		{Name: "blob", Type: arrow.BinaryTypes.Binary},
	}, nil)
	assert.NoError(t, m.CheckSchema(nulls, cols))

	renamed := arrow.NewSchema([]arrow.Field{
		{Name: "key", Type: arrow.PrimitiveTypes.Int64},
		{Name: "amount", Type: arrow.PrimitiveTypes.Float64},
		{Name: "blob", Type: arrow.BinaryTypes.Binary},
	}, nil)
	assert.ErrorContains(t, m.CheckSchema(renamed, cols), `named "key"`)

	retyped := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "amount", Type: arrow.PrimitiveTypes.Float64},
		{Name: "blob", Type: arrow.BinaryTypes.Binary},
	}, nil)
	assert.ErrorContains(t, m.CheckSchema(retyped, cols), `column "id" has type utf8`)

	assert.ErrorContains(t, m.CheckSchema(arrow.NewSchema(nil, nil), cols), "declares 0 columns")
}

func TestDecodeIntegers(t *testing.T) {
	m := NewTypeMapper()

	arr, err := decodeCells(t, m, m.Column("n", pgtype.Int4OID, -1, textFormat),
		[]byte("42"), nil, []byte("-7"))
	require.NoError(t, err)
	ints := arr.(*array.Int64)
	assert.Equal(t, 3, ints.Len())
	assert.Equal(t, int64(42), ints.Value(0))
	assert.True(t, ints.IsNull(1))
	assert.Equal(t, int64(-7), ints.Value(2))

	arr, err = decodeCells(t, m, m.Column("n", pgtype.Int2OID, -1, binaryFormat),
		binaryCell(t, m, pgtype.Int2OID, int16(-3)))
	require.NoError(t, err)
	assert.Equal(t, int64(-3), arr.(*array.Int64).Value(0))

	arr, err = decodeCells(t, m, m.Column("n", pgtype.Int8OID, -1, binaryFormat),
		binaryCell(t, m, pgtype.Int8OID, int64(math.MaxInt64)))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), arr.(*array.Int64).Value(0))

	arr, err = decodeCells(t, m, m.Column("n", pgtype.OIDOID, -1, binaryFormat),
		binaryCell(t, m, pgtype.OIDOID, uint32(math.MaxUint32)))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxUint32), arr.(*array.Int64).Value(0))

	_, err = decodeCells(t, m, m.Column("n", pgtype.Int8OID, -1, textFormat), []byte("twelve"))
	assert.ErrorContains(t, err, `invalid integer "twelve"`)
}

func TestDecodeFloats(t *testing.T) {
	m := NewTypeMapper()

	arr, err := decodeCells(t, m, m.Column("f", pgtype.Float8OID, -1, textFormat),
		[]byte("1.5"), []byte("NaN"), []byte("-Infinity"))
	require.NoError(t, err)
	floats := arr.(*array.Float64)
	assert.Equal(t, 1.5, floats.Value(0))
	assert.True(t, math.IsNaN(floats.Value(1)))
	assert.True(t, math.IsInf(floats.Value(2), -1))

	arr, err = decodeCells(t, m, m.Column("f", pgtype.Float4OID, -1, binaryFormat),
		binaryCell(t, m, pgtype.Float4OID, float32(0.25)))
	require.NoError(t, err)
	assert.Equal(t, 0.25, arr.(*array.Float64).Value(0))
}

func TestDecodeTextAndBool(t *testing.T) {
	m := NewTypeMapper()

	arr, err := decodeCells(t, m, m.Column("s", pgtype.TextOID, -1, binaryFormat),
		[]byte("héllo"), []byte(""), nil)
	require.NoError(t, err)
	strs := arr.(*array.String)
	assert.Equal(t, "héllo", strs.Value(0))
	assert.Equal(t, "", strs.Value(1))
	assert.False(t, strs.IsNull(1))
	assert.True(t, strs.IsNull(2))

	for _, format := range []int16{textFormat, binaryFormat} {
		_, err = decodeCells(t, m, m.Column("s", pgtype.TextOID, -1, format), []byte("ok"), []byte("\xff\xfe"))
		assert.ErrorContains(t, err, "invalid UTF-8")
	}

	id := [16]byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}
	arr, err = decodeCells(t, m, m.Column("u", pgtype.UUIDOID, -1, binaryFormat),
		binaryCell(t, m, pgtype.UUIDOID, pgtype.UUID{Bytes: id, Valid: true}))
	require.NoError(t, err)
	assert.Equal(t, "12345678-9abc-def0-1234-56789abcdef0", arr.(*array.String).Value(0))

	arr, err = decodeCells(t, m, m.Column("b", pgtype.BoolOID, -1, textFormat),
		[]byte("t"), []byte("f"), nil)
	require.NoError(t, err)
	bools := arr.(*array.Boolean)
	assert.True(t, bools.Value(0))
	assert.False(t, bools.Value(1))
	assert.True(t, bools.IsNull(2))

	arr, err = decodeCells(t, m, m.Column("b", pgtype.BoolOID, -1, binaryFormat),
		binaryCell(t, m, pgtype.BoolOID, true))
	require.NoError(t, err)
	assert.True(t, arr.(*array.Boolean).Value(0))

	_, err = decodeCells(t, m, m.Column("b", pgtype.BoolOID, -1, textFormat), []byte("maybe"))
	assert.ErrorContains(t, err, "invalid boolean")
}

func TestDecodeBinary(t *testing.T) {
	m := NewTypeMapper()

	arr, err := decodeCells(t, m, m.Column("b", pgtype.ByteaOID, -1, textFormat), []byte(`\x68656c6c6f`))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), arr.(*array.Binary).Value(0))

	arr, err = decodeCells(t, m, m.Column("b", pgtype.ByteaOID, -1, binaryFormat), []byte{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, arr.(*array.Binary).Value(0))

	// unknown remote types pass through untouched
	arr, err = decodeCells(t, m, m.Column("x", 990001, -1, textFormat), []byte("(1,2)"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("(1,2)"), arr.(*array.Binary).Value(0))
	assert.True(t, arr.IsNull(1))
}

func TestDecodeTimestamps(t *testing.T) {
	m := NewTypeMapper()
	want := time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC)

	arr, err := decodeCells(t, m, m.Column("ts", pgtype.TimestampOID, -1, textFormat),
		[]byte("2024-01-02 03:04:05.123456"), []byte("infinity"), []byte("-infinity"))
	require.NoError(t, err)
	ts := arr.(*array.Timestamp)
	assert.Equal(t, arrow.Timestamp(want.UnixMicro()), ts.Value(0))
	assert.Equal(t, arrow.Timestamp(math.MaxInt64), ts.Value(1))
	assert.Equal(t, arrow.Timestamp(math.MinInt64), ts.Value(2))

	arr, err = decodeCells(t, m, m.Column("ts", pgtype.TimestamptzOID, -1, textFormat),
		[]byte("2024-01-02 05:04:05.123456+02"))
	require.NoError(t, err)
	assert.Equal(t, arrow.Timestamp(want.UnixMicro()), arr.(*array.Timestamp).Value(0))

	arr, err = decodeCells(t, m, m.Column("ts", pgtype.TimestamptzOID, -1, binaryFormat),
		binaryCell(t, m, pgtype.TimestamptzOID, want))
	require.NoError(t, err)
	assert.Equal(t, arrow.Timestamp(want.UnixMicro()), arr.(*array.Timestamp).Value(0))

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	arr, err = decodeCells(t, m, m.Column("d", pgtype.DateOID, -1, textFormat), []byte("2024-01-02"))
	require.NoError(t, err)
	assert.Equal(t, arrow.Timestamp(day.UnixMicro()), arr.(*array.Timestamp).Value(0))

	arr, err = decodeCells(t, m, m.Column("d", pgtype.DateOID, -1, binaryFormat),
		binaryCell(t, m, pgtype.DateOID, pgtype.Date{Time: day, Valid: true}))
	require.NoError(t, err)
	assert.Equal(t, arrow.Timestamp(day.UnixMicro()), arr.(*array.Timestamp).Value(0))

	_, err = decodeCells(t, m, m.Column("ts", pgtype.TimestampOID, -1, textFormat), []byte("yesterday-ish"))
	assert.Error(t, err)
}

func TestDecodeDecimal(t *testing.T) {
	m := NewTypeMapper()
	col := m.Column("amount", pgtype.NumericOID, numericTypmod(10, 2), textFormat)

	arr, err := decodeCells(t, m, col, []byte("123.45"), []byte("-0.5"), []byte("7"), nil)
	require.NoError(t, err)
	dec := arr.(*array.Decimal128)
	assert.Equal(t, decimal128.FromI64(12345), dec.Value(0))
	assert.Equal(t, decimal128.FromI64(-50), dec.Value(1))
	assert.Equal(t, decimal128.FromI64(700), dec.Value(2))
	assert.True(t, dec.IsNull(3))

	_, err = decodeCells(t, m, col, []byte("1.005"))
	assert.ErrorContains(t, err, "more than 2 fractional digits")
	_, err = decodeCells(t, m, col, []byte("123456789012"))
	assert.ErrorContains(t, err, "overflows decimal(10, 2)")
	_, err = decodeCells(t, m, col, []byte("NaN"))
	assert.ErrorContains(t, err, "not representable")

	bin := m.Column("amount", pgtype.NumericOID, numericTypmod(10, 2), binaryFormat)
	var n pgtype.Numeric
	require.NoError(t, n.Scan("98.76"))
	arr, err = decodeCells(t, m, bin, binaryCell(t, m, pgtype.NumericOID, n))
	require.NoError(t, err)
	assert.Equal(t, decimal128.FromI64(9876), arr.(*array.Decimal128).Value(0))

	// unconstrained numerics keep their text
	arr, err = decodeCells(t, m, m.Column("n", pgtype.NumericOID, -1, textFormat),
		[]byte("12345678901234567890123456789012345678901234.5"))
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890123456789012345678901234.5", arr.(*array.String).Value(0))
}

func TestDecodeNull(t *testing.T) {
	m := NewTypeMapper()
	col := m.Column("v", voidOID, -1, textFormat)

	arr, err := decodeCells(t, m, col, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, arr.Len())
	assert.Equal(t, 2, arr.NullN())

	_, err = decodeCells(t, m, col, []byte(""))
	assert.ErrorIs(t, err, errNotNullType)
}

func TestEncodeParam(t *testing.T) {
	m := NewTypeMapper()

	cell, err := m.EncodeParam(pgtype.Int8OID, binaryFormat, int64(258))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, cell)

	cell, err = m.EncodeParam(pgtype.Int8OID, textFormat, int64(258))
	require.NoError(t, err)
	assert.Equal(t, []byte("258"), cell)

	cell, err = m.EncodeParam(0, textFormat, "completed")
	require.NoError(t, err)
	assert.Equal(t, []byte("completed"), cell)

	// textual types carry the value's text even in binary format
	cell, err = m.EncodeParam(pgtype.TextOID, binaryFormat, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("t"), cell)

	cell, err = m.EncodeParam(pgtype.Int8OID, binaryFormat, nil)
	require.NoError(t, err)
	assert.Nil(t, cell)

	assert.Equal(t, uint32(pgtype.Int8OID), inferOID(7))
	assert.Equal(t, uint32(pgtype.Float8OID), inferOID(1.5))
	assert.Equal(t, uint32(pgtype.TimestamptzOID), inferOID(time.Now()))
	assert.Equal(t, uint32(pgtype.TextOID), inferOID(struct{}{}))
}
