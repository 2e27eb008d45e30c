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

package cubetest

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5/pgtype"
)

var endOfStream = []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}

func arrowType(col Column) arrow.DataType {
	switch col.OID {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID, pgtype.OIDOID:
		return arrow.PrimitiveTypes.Int64
	case pgtype.Float4OID, pgtype.Float8OID:
		return arrow.PrimitiveTypes.Float64
	case pgtype.BoolOID:
		return arrow.FixedWidthTypes.Boolean
	case pgtype.ByteaOID:
		return arrow.BinaryTypes.Binary
	case pgtype.TimestampOID:
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case pgtype.TimestamptzOID:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case pgtype.DateOID:
		return arrow.FixedWidthTypes.Date32
	case 2278:
		return arrow.Null
	}
	return arrow.BinaryTypes.String
}

func (r *Result) arrowSchema(renamed bool) *arrow.Schema {
	fields := make([]arrow.Field, len(r.Columns))
	for i, c := range r.Columns {
		name := c.Name
		if renamed {
			name += "_changed"
		}
		fields[i] = arrow.Field{Name: name, Type: arrowType(c), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func toInt64(v any) (int64, error) {
	switch v := v.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("cannot use %v (%T) as an integer", v, v)
}

func appendValue(b array.Builder, col Column, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	v, err := normalizeValue(col.OID, v)
	if err != nil {
		return err
	}
	switch b := b.(type) {
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Float64Builder:
		switch v := v.(type) {
		case float64:
			b.Append(v)
		case float32:
			b.Append(float64(v))
		default:
			n, err := toInt64(v)
			if err != nil {
				return err
			}
			b.Append(float64(n))
		}
	case *array.BooleanBuilder:
		bv, ok := v.(bool)
		if !ok {
			return fmt.Errorf("cannot use %v (%T) as a boolean", v, v)
		}
		b.Append(bv)
	case *array.BinaryBuilder:
		bv, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("cannot use %v (%T) as bytes", v, v)
		}
		b.Append(bv)
	case *array.TimestampBuilder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("cannot use %v (%T) as a timestamp", v, v)
		}
		b.Append(arrow.Timestamp(t.UnixMicro()))
	case *array.Date32Builder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("cannot use %v (%T) as a date", v, v)
		}
		b.Append(arrow.Date32FromTime(t))
	case *array.NullBuilder:
		b.AppendNull()
	case *array.StringBuilder:
		switch v := v.(type) {
		case string:
			b.Append(v)
		case pgtype.Numeric:
			text, err := v.MarshalJSON()
			if err != nil {
				return err
			}
			b.Append(string(text))
		case pgtype.UUID:
			text, err := v.MarshalJSON()
			if err != nil {
				return err
			}
			b.Append(string(bytes.Trim(text, `"`)))
		default:
			b.Append(fmt.Sprint(v))
		}
	default:
		return fmt.Errorf("unhandled builder %T", b)
	}
	return nil
}

// records builds the Arrow records of r, split by BatchRows.
func (r *Result) records(alloc memory.Allocator, renamed bool) (*arrow.Schema, []arrow.Record, error) {
	schema := r.arrowSchema(renamed)
	per := r.BatchRows
	if per <= 0 {
		per = max(len(r.Rows), 1)
	}

	bldr := array.NewRecordBuilder(alloc, schema)
	defer bldr.Release()

	var recs []arrow.Record
	release := func() {
		for _, rec := range recs {
			rec.Release()
		}
	}
	for start := 0; start < len(r.Rows); start += per {
		end := min(start+per, len(r.Rows))
		for _, row := range r.Rows[start:end] {
			for i, col := range r.Columns {
				if err := appendValue(bldr.Field(i), col, row[i]); err != nil {
					release()
					return nil, nil, fmt.Errorf("column %s: %w", col.Name, err)
				}
			}
		}
		recs = append(recs, bldr.NewRecord())
	}
	return schema, recs, nil
}

// encodeIPC splits an Arrow IPC stream into its schema message and one
// message per record. The end-of-stream marker is not included.
func encodeIPC(schema *arrow.Schema, recs []arrow.Record) ([]byte, [][]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Close(); err != nil {
		return nil, nil, err
	}
	header := bytes.Clone(bytes.TrimSuffix(buf.Bytes(), endOfStream))

	batches := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		buf.Reset()
		w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
		if err := w.Write(rec); err != nil {
			return nil, nil, err
		}
		if err := w.Close(); err != nil {
			return nil, nil, err
		}
		out := buf.Bytes()
		if !bytes.HasPrefix(out, header) {
			return nil, nil, errors.New("cubetest: unstable schema message")
		}
		batches = append(batches, bytes.Clone(bytes.TrimSuffix(out[len(header):], endOfStream)))
	}
	return header, batches, nil
}
