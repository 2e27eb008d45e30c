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
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/cube-js/adbc-driver-cube/go/adbc/driver/cube/internal/arrownative"
	"github.com/jackc/pgx/v5/pgconn"
)

// NativeServer is a fake of Cube's Arrow Native endpoint.
type NativeServer struct {
	*listener
	catalog  *Catalog
	sessions atomic.Int64
}

// NewNativeServer starts an Arrow Native fake answering from c.
func NewNativeServer(c *Catalog, opts ...Option) (*NativeServer, error) {
	s := &NativeServer{catalog: c}
	l, err := listen(newOptions(opts), s.serve)
	if err != nil {
		return nil, err
	}
	s.listener = l
	return s, nil
}

// Sessions counts the sessions that completed authentication.
func (s *NativeServer) Sessions() int64 { return s.sessions.Load() }

func writeError(fc *arrownative.Conn, msg string) error {
	return fc.WriteFrame(arrownative.MsgError, arrownative.AppendString(nil, msg))
}

func (s *NativeServer) serve(ctx context.Context, nc net.Conn) error {
	fc := arrownative.NewConn(nc)

	typ, payload, err := fc.ReadFrame()
	if err != nil {
		return err
	}
	if typ != arrownative.MsgHandshake {
		return writeError(fc, fmt.Sprintf("expected a handshake, got %s", typ))
	}
	p := arrownative.NewPayload(payload)
	if v := p.Uint32(); p.Err() != nil || v != arrownative.ProtocolVersion {
		return writeError(fc, fmt.Sprintf("unsupported protocol version %d", v))
	}
	reply := arrownative.AppendUint32(nil, arrownative.ProtocolVersion)
	reply = arrownative.AppendString(reply, s.opts.serverVersion)
	if err := fc.WriteFrame(arrownative.MsgHandshake, reply); err != nil {
		return err
	}

	typ, payload, err = fc.ReadFrame()
	if err != nil {
		return err
	}
	if typ != arrownative.MsgAuth {
		return writeError(fc, fmt.Sprintf("expected authentication, got %s", typ))
	}
	p = arrownative.NewPayload(payload)
	token := p.String()
	database, _ := p.OptionalString()
	if p.Err() != nil {
		return writeError(fc, "malformed authentication request")
	}
	if s.opts.token != "" && token != s.opts.token {
		return writeError(fc, "authentication failed: invalid token")
	}
	if err := fc.WriteFrame(arrownative.MsgAuth, []byte{1}); err != nil {
		return err
	}
	s.sessions.Add(1)
	s.opts.logger.Debug("fake native session started", "database", database)

	for {
		typ, payload, err := fc.ReadFrame()
		if err != nil {
			return err
		}
		if typ != arrownative.MsgQuery {
			return writeError(fc, fmt.Sprintf("unexpected %s frame", typ))
		}
		p := arrownative.NewPayload(payload)
		sql := p.String()
		if p.Err() != nil {
			return writeError(fc, "malformed query")
		}
		if err := s.answer(ctx, fc, s.catalog.lookup(Request{SQL: sql})); err != nil {
			return err
		}
	}
}

func (s *NativeServer) answer(ctx context.Context, fc *arrownative.Conn, res *Result) error {
	if _, err := sleep(ctx, res.Delay, nil); err != nil {
		return err
	}
	if res.Error != nil && res.FailAfter <= 0 {
		return writeError(fc, res.Error.Message)
	}
	if len(res.Columns) == 0 {
		affected := max(pgconn.NewCommandTag(res.tag()).RowsAffected(), 0)
		return fc.WriteFrame(arrownative.MsgComplete, arrownative.AppendUint64(nil, uint64(affected)))
	}

	schema, recs, err := res.records(s.opts.alloc, false)
	if err != nil {
		return err
	}
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	header, batches, err := encodeIPC(schema, recs)
	if err != nil {
		return err
	}

	if err := fc.WriteFrame(arrownative.MsgSchema, header); err != nil {
		return err
	}
	for i, batch := range batches {
		if res.Error != nil && i == res.FailAfter {
			return writeError(fc, res.Error.Message)
		}
		if i > 0 {
			if _, err := sleep(ctx, res.RowDelay, nil); err != nil {
				return err
			}
		}
		if err := fc.WriteFrame(arrownative.MsgBatch, batch); err != nil {
			return err
		}
		if i == 0 && res.SchemaChange {
			changed, _, err := encodeIPC(res.arrowSchema(true), nil)
			if err != nil {
				return err
			}
			if err := fc.WriteFrame(arrownative.MsgSchema, changed); err != nil {
				return err
			}
		}
	}
	return fc.WriteFrame(arrownative.MsgComplete, arrownative.AppendUint64(nil, uint64(len(res.Rows))))
}
