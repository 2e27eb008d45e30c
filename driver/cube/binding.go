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
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/jackc/pgx/v5/pgtype"
)

// paramOID is the remote type declared for a bound Arrow field. Metadata
// on the field overrides the type derived from the Arrow type; 0 means no
// declaration.
func paramOID(field arrow.Field) (uint32, error) {
	if v, ok := field.Metadata.GetValue(MetadataKeyTypeOID); ok {
		oid, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q on parameter %q", MetadataKeyTypeOID, v, field.Name)
		}
		return uint32(oid), nil
	}
	return arrowParamOID(field.Type), nil
}

func arrowParamOID(dt arrow.DataType) uint32 {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return pgtype.Int8OID
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return pgtype.Float8OID
	case arrow.STRING, arrow.LARGE_STRING, arrow.STRING_VIEW:
		return pgtype.TextOID
	case arrow.BOOL:
		return pgtype.BoolOID
	case arrow.BINARY, arrow.LARGE_BINARY, arrow.BINARY_VIEW, arrow.FIXED_SIZE_BINARY:
		return pgtype.ByteaOID
	case arrow.TIMESTAMP:
		return pgtype.TimestamptzOID
	case arrow.DATE32, arrow.DATE64:
		return pgtype.DateOID
	case arrow.DECIMAL128:
		return pgtype.NumericOID
	}
	return 0
}

// ParamOIDs lists the declared remote types of a bind schema.
func ParamOIDs(schema *arrow.Schema) ([]uint32, error) {
	oids := make([]uint32, schema.NumFields())
	for i, f := range schema.Fields() {
		oid, err := paramOID(f)
		if err != nil {
			return nil, err
		}
		oids[i] = oid
	}
	return oids, nil
}

// ParamsFromRecord converts one row of a bound record into parameters.
// With declare unset the OIDs are left to the server unless field
// metadata names one.
func ParamsFromRecord(rec arrow.Record, row int, declare bool) ([]Param, error) {
	params := make([]Param, rec.NumCols())
	schema := rec.Schema()
	for i := range params {
		field := schema.Field(i)
		oid := uint32(0)
		if _, ok := field.Metadata.GetValue(MetadataKeyTypeOID); ok || declare {
			var err error
			if oid, err = paramOID(field); err != nil {
				return nil, err
			}
		}
		v, err := arrowValue(rec.Column(i), row)
		if err != nil {
			return nil, fmt.Errorf("parameter %d (%s): %w", i+1, field.Name, err)
		}
		params[i] = Param{Value: v, OID: oid}
	}
	return params, nil
}

func arrowValue(arr arrow.Array, i int) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Int8:
		return int64(a.Value(i)), nil
	case *array.Int16:
		return int64(a.Value(i)), nil
	case *array.Int32:
		return int64(a.Value(i)), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint8:
		return int64(a.Value(i)), nil
	case *array.Uint16:
		return int64(a.Value(i)), nil
	case *array.Uint32:
		return int64(a.Value(i)), nil
	case *array.Uint64:
		v := a.Value(i)
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int8", v)
		}
		return int64(v), nil
	case *array.Float16:
		return float64(a.Value(i).Float32()), nil
	case *array.Float32:
		return float64(a.Value(i)), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.StringView:
		return a.Value(i), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Binary:
		return slices.Clone(a.Value(i)), nil
	case *array.LargeBinary:
		return slices.Clone(a.Value(i)), nil
	case *array.BinaryView:
		return slices.Clone(a.Value(i)), nil
	case *array.FixedSizeBinary:
		return slices.Clone(a.Value(i)), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC(), nil
	case *array.Date32:
		return a.Value(i).ToTime(), nil
	case *array.Date64:
		return a.Value(i).ToTime(), nil
	case *array.Decimal128:
		scale := a.DataType().(*arrow.Decimal128Type).Scale
		return pgtype.Numeric{Int: a.Value(i).BigInt(), Exp: -scale, Valid: true}, nil
	}
	return nil, fmt.Errorf("unsupported parameter type %s", arr.DataType())
}

// inferOID picks the remote type a Go value is encoded as when neither
// the caller nor the server named one.
func inferOID(v any) uint32 {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return pgtype.Int8OID
	case float32, float64:
		return pgtype.Float8OID
	case bool:
		return pgtype.BoolOID
	case []byte:
		return pgtype.ByteaOID
	case time.Time:
		return pgtype.TimestamptzOID
	case pgtype.Numeric:
		return pgtype.NumericOID
	case pgtype.Date:
		return pgtype.DateOID
	}
	return pgtype.TextOID
}

func isTextual(oid uint32) bool {
	switch oid {
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.NameOID, pgtype.UnknownOID:
		return true
	}
	return false
}

// EncodeParam serializes v for a parameter of remote type oid. A nil
// result is a NULL.
func (m *TypeMapper) EncodeParam(oid uint32, format int16, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && (format == textFormat || isTextual(oid) || oid == 0) {
		return []byte(s), nil
	}
	if oid == 0 {
		oid = inferOID(v)
	}
	if isTextual(oid) {
		// the binary form of a textual type is its text
		oid, format = inferOID(v), textFormat
	}

	return m.types.Encode(oid, format, v, nil)
}
