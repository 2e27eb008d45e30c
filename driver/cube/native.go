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
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cube-js/adbc-driver-cube/go/adbc/driver/cube/internal/arrownative"
)

// nativeSession speaks the Arrow Native protocol. Results always arrive
// as Arrow IPC; there is no parameter binding and no cancel message.
type nativeSession struct {
	id     string
	cfg    Config
	alloc  memory.Allocator
	logger *slog.Logger
	mapper *TypeMapper

	conn net.Conn
	fc   *arrownative.Conn

	serverVersion string

	state       sessionState
	closed      atomic.Bool
	userClosed  atomic.Bool
	interrupted atomic.Bool
	closeOnce   sync.Once
}

func connectNative(ctx context.Context, id string, cfg Config, alloc memory.Allocator, logger *slog.Logger) (*nativeSession, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.port())))
	if err != nil {
		return nil, connectError(ctx, err)
	}

	s := &nativeSession{
		id:     id,
		cfg:    cfg,
		alloc:  alloc,
		logger: logger,
		mapper: NewTypeMapper(),
		conn:   conn,
		fc:     arrownative.NewConn(conn),
	}
	s.state.format = FormatArrowStream

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := s.handshake(); err != nil {
		_ = conn.Close()
		return nil, connectError(ctx, err)
	}
	if err := s.authenticate(); err != nil {
		_ = conn.Close()
		return nil, connectError(ctx, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return s, nil
}

func (s *nativeSession) handshake() error {
	payload := arrownative.AppendUint32(nil, arrownative.ProtocolVersion)
	if err := s.fc.WriteFrame(arrownative.MsgHandshake, payload); err != nil {
		return err
	}
	typ, reply, err := s.fc.ReadFrame()
	if err != nil {
		return err
	}
	switch typ {
	case arrownative.MsgHandshake:
		p := arrownative.NewPayload(reply)
		if v := p.Uint32(); p.Err() == nil && v > arrownative.ProtocolVersion {
			return newDiagnostic(KindConnection, "server speaks Arrow Native protocol version %d, expected %d", v, arrownative.ProtocolVersion)
		}
		if p.Remaining() > 0 {
			s.serverVersion = p.String()
		}
		return nil
	case arrownative.MsgError:
		return fromNativeError(arrownative.ErrorMessage(reply), KindConnection)
	}
	return newDiagnostic(KindConnection, "unexpected %s frame in reply to the handshake", typ)
}

func (s *nativeSession) authenticate() error {
	payload := arrownative.AppendString(nil, s.cfg.password())
	payload = arrownative.AppendOptionalString(payload, s.cfg.Database, s.cfg.Database != "")
	if err := s.fc.WriteFrame(arrownative.MsgAuth, payload); err != nil {
		return err
	}
	typ, reply, err := s.fc.ReadFrame()
	if err != nil {
		return err
	}
	switch typ {
	case arrownative.MsgAuth:
		if len(reply) == 0 || reply[0] == 0 {
			return newDiagnostic(KindAuthentication, "authentication rejected")
		}
		return nil
	case arrownative.MsgError:
		return fromNativeError(arrownative.ErrorMessage(reply), KindAuthentication)
	}
	return newDiagnostic(KindConnection, "unexpected %s frame in reply to authentication", typ)
}

func (s *nativeSession) ID() string            { return s.id }
func (s *nativeSession) Mode() ConnectionMode  { return ModeNative }
func (s *nativeSession) Format() Format        { return FormatArrowStream }
func (s *nativeSession) ServerVersion() string { return s.serverVersion }

func (s *nativeSession) Execute(ctx context.Context, q Query) (ResultStream, error) {
	if err := checkPlaceholders(q); err != nil {
		return nil, err
	}
	if len(q.Params) > 0 {
		return nil, newDiagnostic(KindFormatUnsupported, "the Arrow Native protocol does not support bound parameters")
	}
	if err := s.state.begin(); err != nil {
		return nil, err
	}

	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}
	stop := s.watch(ctx)
	defer stop()

	s.logger.DebugContext(ctx, "executing query", "format", FormatArrowStream.String())
	stream, err := s.execute(ctx, q.SQL)
	if err != nil {
		s.state.end()
		return nil, err
	}
	return stream, nil
}

func (s *nativeSession) execute(ctx context.Context, sql string) (ResultStream, error) {
	if err := s.write(ctx, arrownative.MsgQuery, arrownative.AppendString(nil, sql)); err != nil {
		return nil, err
	}
	typ, payload, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	switch typ {
	case arrownative.MsgSchema:
		res := &nativeResult{s: s, first: payload, affected: -1}
		return openIPCStream(ctx, s.alloc, s.mapper, nil, res)
	case arrownative.MsgComplete:
		s.state.end()
		return newEmptyStream(nil, completedRows(payload)), nil
	case arrownative.MsgError:
		s.state.end()
		return nil, fromNativeError(arrownative.ErrorMessage(payload), KindUnknown)
	}
	return nil, s.protocolError(ctx, typ)
}

func completedRows(payload []byte) int64 {
	p := arrownative.NewPayload(payload)
	n := p.Uint64()
	if p.Err() != nil {
		return -1
	}
	return int64(n)
}

func (s *nativeSession) Describe(context.Context, string) (*Description, error) {
	return nil, newDiagnostic(KindFormatUnsupported, "the Arrow Native protocol cannot describe statements")
}

func (s *nativeSession) requestFormat(_ context.Context, f Format) error {
	if f == FormatArrowStream {
		return nil
	}
	return newDiagnostic(KindFormatUnsupported, "format %s is not available over the Arrow Native protocol", f)
}

// Cancel closes the session since the protocol has no cancel message.
func (s *nativeSession) Cancel(ctx context.Context) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	d := newDiagnostic(KindCancelled, "request cancelled")
	d.Severity = SeverityFatal
	// record the cause before unblocking the reader so it reports it
	s.state.markClosed(d)
	s.interrupt()
	s.abandon(ctx, d)
	return nil
}

func (s *nativeSession) Close(ctx context.Context) error {
	first, busy := s.state.markClosed(nil)
	if !first {
		return nil
	}
	s.userClosed.Store(true)
	s.closed.Store(true)
	if busy {
		s.interrupt()
	}
	s.closeConn()
	s.logger.DebugContext(ctx, "session closed")
	return nil
}

func (s *nativeSession) closeConn() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

func (s *nativeSession) abandon(ctx context.Context, err error) {
	s.state.markClosed(err)
	s.closed.Store(true)
	s.closeConn()
	s.logger.DebugContext(ctx, "session closed after failure", "error", err)
}

func (s *nativeSession) interrupt() {
	s.interrupted.Store(true)
	_ = s.conn.SetDeadline(time.Now())
}

// watch interrupts blocking I/O once ctx is done, which closes the
// session.
func (s *nativeSession) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	w := &interruptWatch{set: s.interrupt}
	stopAfter := context.AfterFunc(ctx, w.fire)
	return func() {
		stopAfter()
		if w.stop() && !s.closed.Load() {
			s.abandon(ctx, transportError(ctx, context.Cause(ctx), true))
		}
	}
}

// closedError reports why I/O on a closed session failed. A request that
// was cancelled or failed keeps reporting that cause.
func (s *nativeSession) closedError() error {
	if s.userClosed.Load() {
		return errClosedWhileActive(nil)
	}
	if cause := s.state.closedCause(); cause != nil {
		return cause
	}
	return errSessionClosed
}

func (s *nativeSession) ioFailure(ctx context.Context, err error) error {
	var diag *Diagnostic
	if s.userClosed.Load() {
		diag = errClosedWhileActive(err)
	} else if cause := s.state.closedCause(); cause != nil {
		// the read was interrupted by whatever abandoned the session
		return cause
	} else {
		diag = transportError(ctx, err, s.interrupted.Load())
	}
	s.abandon(ctx, diag)
	return diag
}

func (s *nativeSession) protocolError(ctx context.Context, typ arrownative.MessageType) error {
	d := newDiagnostic(KindTransport, "unexpected %s frame", typ)
	d.Severity = SeverityFatal
	s.abandon(ctx, d)
	return d
}

func (s *nativeSession) write(ctx context.Context, typ arrownative.MessageType, payload []byte) error {
	if s.closed.Load() {
		return s.closedError()
	}
	if err := s.fc.WriteFrame(typ, payload); err != nil {
		return s.ioFailure(ctx, err)
	}
	return nil
}

func (s *nativeSession) read(ctx context.Context) (arrownative.MessageType, []byte, error) {
	if s.closed.Load() {
		return 0, nil, s.closedError()
	}
	typ, payload, err := s.fc.ReadFrame()
	if err != nil {
		return 0, nil, s.ioFailure(ctx, err)
	}
	return typ, payload, nil
}

// nativeResult yields the IPC bytes of one result: the schema frame
// first, then every batch frame.
type nativeResult struct {
	s        *nativeSession
	first    []byte
	schema   *arrow.Schema
	affected int64
	done     bool
}

func (r *nativeResult) track(ctx context.Context) (context.Context, func()) {
	cancel := context.CancelFunc(func() {})
	if r.s.cfg.FetchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.s.cfg.FetchTimeout)
	}
	stop := r.s.watch(ctx)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (r *nativeResult) rowsAffected() int64 { return r.affected }

func (r *nativeResult) nextChunk(ctx context.Context) ([]byte, error) {
	if r.first != nil {
		chunk := r.first
		r.first = nil
		if schema, err := parseSchemaFrame(chunk); err == nil {
			r.schema = schema
		}
		return chunk, nil
	}
	if r.done {
		return nil, io.EOF
	}
	for {
		typ, payload, err := r.s.read(ctx)
		if err != nil {
			r.done = true
			return nil, err
		}
		switch typ {
		case arrownative.MsgBatch:
			return payload, nil
		case arrownative.MsgSchema:
			// a repeated schema must match the one the stream opened with
			if err := r.checkSchema(payload); err != nil {
				_ = r.discard(ctx)
				return nil, err
			}
		case arrownative.MsgComplete:
			r.affected = completedRows(payload)
			r.done = true
			r.s.state.end()
			return nil, io.EOF
		case arrownative.MsgError:
			r.done = true
			r.s.state.end()
			return nil, fromNativeError(arrownative.ErrorMessage(payload), KindUnknown)
		default:
			r.done = true
			return nil, r.s.protocolError(ctx, typ)
		}
	}
}

func parseSchemaFrame(payload []byte) (*arrow.Schema, error) {
	rdr, err := ipc.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer rdr.Release()
	return rdr.Schema(), nil
}

func (r *nativeResult) checkSchema(payload []byte) error {
	next, err := parseSchemaFrame(payload)
	if err != nil {
		return materializationError(-1, -1, "", fmt.Errorf("invalid schema frame: %w", err))
	}
	if r.schema == nil {
		// the opening schema frame was consumed by the IPC reader
		return materializationError(-1, -1, "", errors.New("schema frame before the stream opened"))
	}
	if !next.Equal(r.schema) {
		return materializationError(-1, -1, "", fmt.Errorf("schema changed mid-stream from %s to %s", r.schema, next))
	}
	return nil
}

func (r *nativeResult) discard(ctx context.Context) error {
	if r.done {
		return nil
	}
	r.first = nil
	for {
		typ, _, err := r.s.read(ctx)
		if err != nil {
			r.done = true
			return err
		}
		switch typ {
		case arrownative.MsgComplete, arrownative.MsgError:
			r.done = true
			r.s.state.end()
			return nil
		}
	}
}
