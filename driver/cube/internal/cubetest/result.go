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

// Package cubetest provides in-process fakes of Cube's SQL API for tests:
// a Postgres wire server and an Arrow Native server answering from a
// shared catalog of canned results.
package cubetest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Column is one result column of a canned result.
type Column struct {
	Name         string
	OID          uint32
	TypeModifier int32
}

// Col looks a column type up by its Postgres name, e.g. "int8" or
// "timestamptz". It panics on an unknown name.
func Col(name, typeName string) Column {
	oid, ok := OIDByName(typeName)
	if !ok {
		panic(fmt.Sprintf("cubetest: unknown type %q", typeName))
	}
	return Column{Name: name, OID: oid}
}

// NumericCol is a numeric(precision, scale) column.
func NumericCol(name string, precision, scale int32) Column {
	return Column{Name: name, OID: pgtype.NumericOID, TypeModifier: (precision<<16 | scale) + 4}
}

// typeMap caches encode plans and is shared by every connection.
var (
	typeMu  sync.Mutex
	typeMap = pgtype.NewMap()
)

// OIDByName resolves a Postgres type name.
func OIDByName(name string) (uint32, bool) {
	switch strings.ToLower(name) {
	case "void":
		return 2278, true
	case "opaque":
		// a type id no catalog knows about
		return 990001, true
	}
	typeMu.Lock()
	t, ok := typeMap.TypeForName(strings.ToLower(name))
	typeMu.Unlock()
	if !ok {
		return 0, false
	}
	return t.OID, true
}

// ErrorSpec is an error the server reports instead of, or in the middle
// of, a result.
type ErrorSpec struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
}

// Result is the canned answer to one query.
type Result struct {
	Columns []Column
	// Rows hold Go values; nil is NULL. Timestamps and dates may be given
	// as strings.
	Rows [][]any
	// Tag is the command tag of a statement without a result set. It
	// defaults to "SELECT <rows>".
	Tag string
	// ParamOIDs are the parameter types the server resolves on Parse when
	// the client declares none.
	ParamOIDs []uint32

	Error *ErrorSpec
	// FailAfter reports Error after that many rows were sent.
	FailAfter int

	// Delay holds the response back. A cancel request ends the wait.
	Delay time.Duration
	// RowDelay is slept before every row after the first.
	RowDelay time.Duration

	// BatchRows splits Arrow results into records of that many rows.
	BatchRows int
	// SchemaChange makes the Arrow IPC schema disagree with the announced
	// columns.
	SchemaChange bool
}

func (r *Result) tag() string {
	if r.Tag != "" {
		return r.Tag
	}
	return fmt.Sprintf("SELECT %d", len(r.Rows))
}

// Request is a query as the server received it.
type Request struct {
	SQL    string
	Params []any
}

// HandlerFunc computes a result for a request without a registered
// result. Returning nil passes the request on.
type HandlerFunc func(Request) *Result

// Catalog maps query text to canned results. It is safe for concurrent
// use.
type Catalog struct {
	mu       sync.Mutex
	results  map[string]*Result
	handlers []HandlerFunc
	log      []Request
	parses   map[string]int
}

func NewCatalog() *Catalog {
	return &Catalog{results: make(map[string]*Result), parses: make(map[string]int)}
}

func normalizeSQL(sql string) string {
	return strings.TrimRight(strings.TrimSpace(sql), "; \t\n")
}

func (c *Catalog) Register(sql string, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[normalizeSQL(sql)] = r
}

func (c *Catalog) Handle(fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// describe returns the result registered for sql without recording a
// request.
func (c *Catalog) describe(sql string) *Result {
	c.mu.Lock()
	c.parses[normalizeSQL(sql)]++
	r, ok := c.results[normalizeSQL(sql)]
	handlers := c.handlers
	c.mu.Unlock()
	if ok {
		return r
	}
	for _, h := range handlers {
		if r := h(Request{SQL: sql}); r != nil {
			return r
		}
	}
	return nil
}

func (c *Catalog) record(req Request) {
	c.mu.Lock()
	c.log = append(c.log, req)
	c.mu.Unlock()
}

func (c *Catalog) lookup(req Request) *Result {
	c.record(req)
	c.mu.Lock()
	handlers := c.handlers
	r, ok := c.results[normalizeSQL(req.SQL)]
	c.mu.Unlock()

	if ok {
		return r
	}
	for _, h := range handlers {
		if res := h(req); res != nil {
			return res
		}
	}
	return &Result{Error: &ErrorSpec{
		Severity: "ERROR",
		Code:     "42P01",
		Message:  fmt.Sprintf("relation for query %q does not exist", normalizeSQL(req.SQL)),
	}}
}

// Requests returns the queries executed so far, in order.
func (c *Catalog) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.log...)
}

func (c *Catalog) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.log)
}

// Parses counts how often sql was parsed as a named or unnamed statement.
func (c *Catalog) Parses(sql string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parses[normalizeSQL(sql)]
}

// normalizeValue converts fixture-friendly values into what the pgtype
// codecs encode.
func normalizeValue(oid uint32, v any) (any, error) {
	s, isString := v.(string)
	if v == nil || !isString {
		return v, nil
	}
	switch oid {
	case pgtype.TimestampOID, pgtype.TimestamptzOID, pgtype.DateOID:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("cannot parse %q as a timestamp", s)
	case pgtype.NumericOID:
		var n pgtype.Numeric
		if err := n.Scan(s); err != nil {
			return nil, err
		}
		return n, nil
	case pgtype.UUIDOID:
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		return pgtype.UUID{Bytes: u, Valid: true}, nil
	case pgtype.ByteaOID:
		return []byte(s), nil
	}
	return v, nil
}

// encodeCell serializes one value in the given wire format.
func encodeCell(oid uint32, format int16, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	v, err := normalizeValue(oid, v)
	if err != nil {
		return nil, err
	}
	typeMu.Lock()
	defer typeMu.Unlock()
	if _, known := typeMap.TypeForOID(oid); !known || oid == 2278 {
		return []byte(fmt.Sprint(v)), nil
	}
	if s, ok := v.(string); ok && format == pgtype.TextFormatCode {
		return []byte(s), nil
	}
	buf, err := typeMap.Encode(oid, format, v, nil)
	if err != nil {
		return nil, fmt.Errorf("encoding %v (%T) as type %d: %w", v, v, oid, err)
	}
	return buf, nil
}

// decodeParam turns a bound parameter back into a Go value.
func decodeParam(oid uint32, format int16, src []byte) (any, error) {
	if src == nil {
		return nil, nil
	}
	typeMu.Lock()
	defer typeMu.Unlock()
	if oid == 0 || format == pgtype.TextFormatCode {
		if t, ok := typeMap.TypeForOID(oid); ok && oid != pgtype.TextOID && oid != pgtype.VarcharOID {
			return t.Codec.DecodeValue(typeMap, oid, format, src)
		}
		return string(src), nil
	}
	t, ok := typeMap.TypeForOID(oid)
	if !ok {
		return nil, fmt.Errorf("unknown parameter type %d", oid)
	}
	return t.Codec.DecodeValue(typeMap, oid, format, src)
}
