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
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
)

// CanonicalType is the closed set of column types every remote type is
// mapped to before it reaches the caller.
type CanonicalType uint8

const (
	TypeInteger64 CanonicalType = iota
	TypeFloat64
	TypeUTF8
	TypeBoolean
	TypeBinary
	TypeTimestamp
	TypeDecimal
	TypeNull
)

func (t CanonicalType) String() string {
	switch t {
	case TypeInteger64:
		return "integer64"
	case TypeFloat64:
		return "float64"
	case TypeUTF8:
		return "utf8"
	case TypeBoolean:
		return "boolean"
	case TypeBinary:
		return "binary"
	case TypeTimestamp:
		return "timestamp"
	case TypeDecimal:
		return "decimal"
	case TypeNull:
		return "null"
	}
	return fmt.Sprintf("CanonicalType(%d)", uint8(t))
}

const (
	// MetadataKeyRemoteTypeOID is set on every result field built from a
	// remote column description.
	MetadataKeyRemoteTypeOID = "cube.remote_type_oid"
	// MetadataKeyCanonicalType names the CanonicalType of a result field.
	MetadataKeyCanonicalType = "cube.canonical_type"
	// MetadataKeyTypeOID on a bound parameter field declares its remote type.
	MetadataKeyTypeOID = "cube.type_oid"

	voidOID = 2278

	textFormat   = pgtype.TextFormatCode
	binaryFormat = pgtype.BinaryFormatCode
)

var canonicalByOID = map[uint32]CanonicalType{
	pgtype.Int2OID:        TypeInteger64,
	pgtype.Int4OID:        TypeInteger64,
	pgtype.Int8OID:        TypeInteger64,
	pgtype.OIDOID:         TypeInteger64,
	pgtype.Float4OID:      TypeFloat64,
	pgtype.Float8OID:      TypeFloat64,
	pgtype.TextOID:        TypeUTF8,
	pgtype.VarcharOID:     TypeUTF8,
	pgtype.BPCharOID:      TypeUTF8,
	pgtype.NameOID:        TypeUTF8,
	pgtype.QCharOID:       TypeUTF8,
	pgtype.UnknownOID:     TypeUTF8,
	pgtype.JSONOID:        TypeUTF8,
	pgtype.JSONBOID:       TypeUTF8,
	pgtype.UUIDOID:        TypeUTF8,
	pgtype.TimeOID:        TypeUTF8,
	pgtype.IntervalOID:    TypeUTF8,
	pgtype.BoolOID:        TypeBoolean,
	pgtype.ByteaOID:       TypeBinary,
	pgtype.TimestampOID:   TypeTimestamp,
	pgtype.TimestamptzOID: TypeTimestamp,
	pgtype.DateOID:        TypeTimestamp,
	pgtype.NumericOID:     TypeDecimal,
	voidOID:               TypeNull,
}

// types whose binary encoding the mapper decodes; everything else is
// requested in text format even when the session is in binary format
var binaryDecodable = map[uint32]bool{
	pgtype.Int2OID:        true,
	pgtype.Int4OID:        true,
	pgtype.Int8OID:        true,
	pgtype.OIDOID:         true,
	pgtype.Float4OID:      true,
	pgtype.Float8OID:      true,
	pgtype.TextOID:        true,
	pgtype.VarcharOID:     true,
	pgtype.BPCharOID:      true,
	pgtype.NameOID:        true,
	pgtype.QCharOID:       true,
	pgtype.UUIDOID:        true,
	pgtype.BoolOID:        true,
	pgtype.ByteaOID:       true,
	pgtype.TimestampOID:   true,
	pgtype.TimestamptzOID: true,
	pgtype.DateOID:        true,
	pgtype.NumericOID:     true,
}

// ColumnType describes one result column as announced by the server.
type ColumnType struct {
	Name         string
	OID          uint32
	TypeModifier int32
	// Format is the wire format code of the column's cells.
	Format    int16
	Canonical CanonicalType
	// Opaque marks a remote type the mapper does not know.
	Opaque bool
}

// TypeMapper canonicalizes remote types and decodes cells. A TypeMapper
// belongs to one session and is not safe for concurrent use.
type TypeMapper struct {
	types *pgtype.Map
}

func NewTypeMapper() *TypeMapper {
	return &TypeMapper{types: pgtype.NewMap()}
}

// Canonical maps a remote type OID. Unknown OIDs are opaque binary.
func (m *TypeMapper) Canonical(oid uint32) (CanonicalType, bool) {
	t, ok := canonicalByOID[oid]
	if !ok {
		return TypeBinary, false
	}
	return t, true
}

func (m *TypeMapper) Column(name string, oid uint32, typmod int32, format int16) ColumnType {
	canonical, known := m.Canonical(oid)
	return ColumnType{
		Name:         name,
		OID:          oid,
		TypeModifier: typmod,
		Format:       format,
		Canonical:    canonical,
		Opaque:       !known,
	}
}

// Columns converts a RowDescription. Field names are copied since the
// message buffer is reused by the next receive.
func (m *TypeMapper) Columns(fields []pgproto3.FieldDescription) []ColumnType {
	cols := make([]ColumnType, len(fields))
	for i, f := range fields {
		cols[i] = m.Column(string(f.Name), f.DataTypeOID, f.TypeModifier, f.Format)
	}
	return cols
}

// ResultFormat is the format code to request for a column when the
// session negotiated binary results.
func (m *TypeMapper) ResultFormat(oid uint32) int16 {
	if binaryDecodable[oid] {
		return binaryFormat
	}
	return textFormat
}

// numericPrecisionScale unpacks a numeric type modifier.
func numericPrecisionScale(typmod int32) (precision, scale int32, ok bool) {
	if typmod < 4 {
		return 0, 0, false
	}
	mod := typmod - 4
	precision, scale = (mod>>16)&0xffff, mod&0xffff
	if precision < 1 || precision > decimal128.MaxPrecision || scale > precision {
		return 0, 0, false
	}
	return precision, scale, true
}

func (m *TypeMapper) ArrowType(col ColumnType) arrow.DataType {
	switch col.Canonical {
	case TypeInteger64:
		return arrow.PrimitiveTypes.Int64
	case TypeFloat64:
		return arrow.PrimitiveTypes.Float64
	case TypeUTF8:
		return arrow.BinaryTypes.String
	case TypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	case TypeBinary:
		return arrow.BinaryTypes.Binary
	case TypeTimestamp:
		if col.OID == pgtype.TimestamptzOID {
			return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
		}
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case TypeDecimal:
		if p, s, ok := numericPrecisionScale(col.TypeModifier); ok {
			return &arrow.Decimal128Type{Precision: p, Scale: s}
		}
		// unconstrained numeric keeps its exact text
		return arrow.BinaryTypes.String
	case TypeNull:
		return arrow.Null
	}
	panic(fmt.Sprintf("cube: unhandled canonical type %s", col.Canonical))
}

func (m *TypeMapper) Field(col ColumnType) arrow.Field {
	md := arrow.NewMetadata(
		[]string{MetadataKeyRemoteTypeOID, MetadataKeyCanonicalType},
		[]string{strconv.FormatUint(uint64(col.OID), 10), col.Canonical.String()},
	)
	return arrow.Field{Name: col.Name, Type: m.ArrowType(col), Nullable: true, Metadata: md}
}

func (m *TypeMapper) Schema(cols []ColumnType) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = m.Field(c)
	}
	return arrow.NewSchema(fields, nil)
}

// canonicalOfArrow maps an Arrow type back onto the canonical enumeration.
func canonicalOfArrow(dt arrow.DataType) (CanonicalType, bool) {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return TypeInteger64, true
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return TypeFloat64, true
	case arrow.STRING, arrow.LARGE_STRING, arrow.STRING_VIEW:
		return TypeUTF8, true
	case arrow.BOOL:
		return TypeBoolean, true
	case arrow.BINARY, arrow.LARGE_BINARY, arrow.BINARY_VIEW, arrow.FIXED_SIZE_BINARY:
		return TypeBinary, true
	case arrow.TIMESTAMP, arrow.DATE32, arrow.DATE64:
		return TypeTimestamp, true
	case arrow.DECIMAL128, arrow.DECIMAL256:
		return TypeDecimal, true
	case arrow.NULL:
		return TypeNull, true
	}
	return TypeBinary, false
}

// AgreesWith reports whether an Arrow field delivered by the columnar
// format is consistent with the remote type announced for the column.
func (m *TypeMapper) AgreesWith(field arrow.Field, col ColumnType) bool {
	if col.Opaque {
		return true
	}
	got, known := canonicalOfArrow(field.Type)
	if !known {
		return false
	}
	switch {
	case got == col.Canonical, got == TypeNull:
		return true
	case col.Canonical == TypeDecimal:
		// numerics may be shipped as floats or exact text
		return got == TypeFloat64 || got == TypeUTF8
	}
	return false
}

// CheckSchema verifies a columnar stream schema against the columns
// established when the stream was opened.
func (m *TypeMapper) CheckSchema(schema *arrow.Schema, cols []ColumnType) error {
	if schema.NumFields() != len(cols) {
		return fmt.Errorf("stream declares %d columns, result has %d", schema.NumFields(), len(cols))
	}
	for i, col := range cols {
		f := schema.Field(i)
		if f.Name != col.Name {
			return fmt.Errorf("column %d is named %q in the stream, %q in the result", i, f.Name, col.Name)
		}
		if !m.AgreesWith(f, col) {
			return fmt.Errorf("column %q has type %s in the stream, remote type is %s", col.Name, f.Type, col.Canonical)
		}
	}
	return nil
}

// cellAppender decodes one cell into the column builder it is bound to.
// A nil cell is NULL.
type cellAppender func(cell []byte) error

var errNotNullType = errors.New("non-null value in a null-only column")

func (m *TypeMapper) appender(col ColumnType, b array.Builder) cellAppender {
	switch col.Canonical {
	case TypeInteger64:
		bldr := b.(*array.Int64Builder)
		return func(cell []byte) error {
			if cell == nil {
				bldr.AppendNull()
				return nil
			}
			v, err := m.decodeInt(col, cell)
			if err != nil {
				return err
			}
			bldr.Append(v)
			return nil
		}
	case TypeFloat64:
		bldr := b.(*array.Float64Builder)
		return func(cell []byte) error {
			if cell == nil {
				bldr.AppendNull()
				return nil
			}
			v, err := m.decodeFloat(col, cell)
			if err != nil {
				return err
			}
			bldr.Append(v)
			return nil
		}
	case TypeUTF8:
		bldr := b.(*array.StringBuilder)
		return func(cell []byte) error {
			if cell == nil {
				bldr.AppendNull()
				return nil
			}
			v, err := m.decodeText(col, cell)
			if err != nil {
				return err
			}
			bldr.Append(v)
			return nil
		}
	case TypeBoolean:
		bldr := b.(*array.BooleanBuilder)
		return func(cell []byte) error {
			if cell == nil {
				bldr.AppendNull()
				return nil
			}
			v, err := m.decodeBool(col, cell)
			if err != nil {
				return err
			}
			bldr.Append(v)
			return nil
		}
	case TypeBinary:
		bldr := b.(*array.BinaryBuilder)
		return func(cell []byte) error {
			if cell == nil {
				bldr.AppendNull()
				return nil
			}
			v, err := m.decodeBytes(col, cell)
			if err != nil {
				return err
			}
			bldr.Append(v)
			return nil
		}
	case TypeTimestamp:
		bldr := b.(*array.TimestampBuilder)
		return func(cell []byte) error {
			if cell == nil {
				bldr.AppendNull()
				return nil
			}
			v, err := m.decodeTimestamp(col, cell)
			if err != nil {
				return err
			}
			bldr.Append(v)
			return nil
		}
	case TypeDecimal:
		if dt, ok := m.ArrowType(col).(*arrow.Decimal128Type); ok {
			bldr := b.(*array.Decimal128Builder)
			return func(cell []byte) error {
				if cell == nil {
					bldr.AppendNull()
					return nil
				}
				v, err := m.decodeDecimal(col, cell, dt.Precision, dt.Scale)
				if err != nil {
					return err
				}
				bldr.Append(v)
				return nil
			}
		}
		bldr := b.(*array.StringBuilder)
		return func(cell []byte) error {
			if cell == nil {
				bldr.AppendNull()
				return nil
			}
			v, err := m.decodeNumericText(col, cell)
			if err != nil {
				return err
			}
			bldr.Append(v)
			return nil
		}
	case TypeNull:
		bldr := b.(*array.NullBuilder)
		return func(cell []byte) error {
			if cell != nil {
				return errNotNullType
			}
			bldr.AppendNull()
			return nil
		}
	}
	panic(fmt.Sprintf("cube: unhandled canonical type %s", col.Canonical))
}

func (m *TypeMapper) decodeInt(col ColumnType, cell []byte) (int64, error) {
	if col.Format == textFormat {
		v, err := strconv.ParseInt(string(cell), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q: %w", cell, err)
		}
		return v, nil
	}

	if col.OID == pgtype.OIDOID {
		var u pgtype.Uint32
		if err := m.types.Scan(col.OID, binaryFormat, cell, &u); err != nil {
			return 0, err
		}
		return int64(u.Uint32), nil
	}
	var v int64
	if err := m.types.Scan(col.OID, binaryFormat, cell, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (m *TypeMapper) decodeFloat(col ColumnType, cell []byte) (float64, error) {
	if col.Format == textFormat {
		// ParseFloat accepts the server's NaN and Infinity spellings
		v, err := strconv.ParseFloat(string(cell), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid float %q: %w", cell, err)
		}
		return v, nil
	}
	var v float64
	if err := m.types.Scan(col.OID, binaryFormat, cell, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (m *TypeMapper) decodeText(col ColumnType, cell []byte) (string, error) {
	if col.Format == binaryFormat && col.OID == pgtype.UUIDOID {
		var u pgtype.UUID
		if err := m.types.Scan(col.OID, binaryFormat, cell, &u); err != nil {
			return "", err
		}
		b := u.Bytes
		return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
	}
	if !utf8.Valid(cell) {
		return "", fmt.Errorf("invalid UTF-8 in %s value %q", col.Name, cell)
	}
	return string(cell), nil
}

func parseBoolText(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t", "true", "1", "y", "yes", "on":
		return true, nil
	case "f", "false", "0", "n", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func (m *TypeMapper) decodeBool(col ColumnType, cell []byte) (bool, error) {
	if col.Format == textFormat {
		return parseBoolText(string(cell))
	}
	var v bool
	if err := m.types.Scan(col.OID, binaryFormat, cell, &v); err != nil {
		return false, err
	}
	return v, nil
}

func (m *TypeMapper) decodeBytes(col ColumnType, cell []byte) ([]byte, error) {
	if col.Opaque || col.Format == binaryFormat {
		return cell, nil
	}
	var v []byte
	if err := m.types.Scan(col.OID, textFormat, cell, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (m *TypeMapper) decodeTimestamp(col ColumnType, cell []byte) (arrow.Timestamp, error) {
	var (
		valid bool
		inf   pgtype.InfinityModifier
		micro int64
	)
	switch col.OID {
	case pgtype.TimestamptzOID:
		var v pgtype.Timestamptz
		if err := m.types.Scan(col.OID, col.Format, cell, &v); err != nil {
			return 0, err
		}
		valid, inf, micro = v.Valid, v.InfinityModifier, v.Time.UnixMicro()
	case pgtype.DateOID:
		var v pgtype.Date
		if err := m.types.Scan(col.OID, col.Format, cell, &v); err != nil {
			return 0, err
		}
		valid, inf, micro = v.Valid, v.InfinityModifier, v.Time.UnixMicro()
	default:
		var v pgtype.Timestamp
		if err := m.types.Scan(pgtype.TimestampOID, col.Format, cell, &v); err != nil {
			return 0, err
		}
		valid, inf, micro = v.Valid, v.InfinityModifier, v.Time.UnixMicro()
	}
	if !valid {
		return 0, fmt.Errorf("invalid timestamp %q", cell)
	}
	switch inf {
	case pgtype.Infinity:
		return arrow.Timestamp(math.MaxInt64), nil
	case pgtype.NegativeInfinity:
		return arrow.Timestamp(math.MinInt64), nil
	}
	return arrow.Timestamp(micro), nil
}

func (m *TypeMapper) scanNumeric(col ColumnType, cell []byte) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if err := m.types.Scan(pgtype.NumericOID, col.Format, cell, &n); err != nil {
		return n, err
	}
	if !n.Valid {
		return n, fmt.Errorf("invalid numeric %q", cell)
	}
	return n, nil
}

var bigTen = big.NewInt(10)

func (m *TypeMapper) decodeDecimal(col ColumnType, cell []byte, precision, scale int32) (decimal128.Num, error) {
	n, err := m.scanNumeric(col, cell)
	if err != nil {
		return decimal128.Num{}, err
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal128.Num{}, fmt.Errorf("numeric %q is not representable as decimal(%d, %d)", cell, precision, scale)
	}

	v := new(big.Int).Set(n.Int)
	switch shift := int64(n.Exp) + int64(scale); {
	case shift > 0:
		v.Mul(v, new(big.Int).Exp(bigTen, big.NewInt(shift), nil))
	case shift < 0:
		var rem big.Int
		v.QuoRem(v, new(big.Int).Exp(bigTen, big.NewInt(-shift), nil), &rem)
		if rem.Sign() != 0 {
			return decimal128.Num{}, fmt.Errorf("numeric %q has more than %d fractional digits", cell, scale)
		}
	}

	num := decimal128.FromBigInt(v)
	if !num.FitsInPrecision(precision) {
		return decimal128.Num{}, fmt.Errorf("numeric %q overflows decimal(%d, %d)", cell, precision, scale)
	}
	return num, nil
}

func (m *TypeMapper) decodeNumericText(col ColumnType, cell []byte) (string, error) {
	if col.Format == textFormat {
		return string(cell), nil
	}
	n, err := m.scanNumeric(col, cell)
	if err != nil {
		return "", err
	}
	v, err := n.Value()
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected numeric value %T", v)
	}
	return s, nil
}
