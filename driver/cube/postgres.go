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
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/bluele/gcache"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// pgSession speaks the Postgres wire protocol to Cube SQL.
type pgSession struct {
	id     string
	cfg    Config
	alloc  memory.Allocator
	logger *slog.Logger
	mapper *TypeMapper
	t      Transport

	serverVersion string

	state       sessionState
	closed      atomic.Bool
	userClosed  atomic.Bool
	interrupted atomic.Bool
	closeOnce   sync.Once
	closeErr    error

	// statement descriptions for the binary path; evicted statements are
	// closed on the server with the next prepare
	stmts        gcache.Cache
	stmtSeq      uint64
	pendingClose []string
}

type preparedStatement struct {
	name   string
	params []uint32
	cols   []ColumnType
}

func connectPostgres(ctx context.Context, id string, cfg Config, alloc memory.Allocator, logger *slog.Logger) (*pgSession, error) {
	t, err := dialPostgres(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return newPgSession(id, cfg, t, alloc, logger), nil
}

func newPgSession(id string, cfg Config, t Transport, alloc memory.Allocator, logger *slog.Logger) *pgSession {
	s := &pgSession{
		id:            id,
		cfg:           cfg,
		alloc:         alloc,
		logger:        logger,
		mapper:        NewTypeMapper(),
		t:             t,
		serverVersion: t.ParameterStatus("server_version"),
	}
	size := cfg.StatementCacheSize
	if size <= 0 {
		size = DefaultStatementCacheSize
	}
	s.stmts = gcache.New(size).LRU().
		EvictedFunc(func(_, value any) {
			s.pendingClose = append(s.pendingClose, value.(*preparedStatement).name)
		}).
		Build()
	return s
}

func (s *pgSession) ID() string            { return s.id }
func (s *pgSession) Mode() ConnectionMode  { return ModePostgres }
func (s *pgSession) Format() Format        { return s.state.currentFormat() }
func (s *pgSession) ServerVersion() string { return s.serverVersion }

func (s *pgSession) Execute(ctx context.Context, q Query) (ResultStream, error) {
	if err := checkPlaceholders(q); err != nil {
		return nil, err
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

	format := s.Format()
	s.logger.DebugContext(ctx, "executing query", "format", format.String(), "params", len(q.Params))

	var (
		stream ResultStream
		err    error
	)
	switch {
	case format == FormatBinary:
		stream, err = s.executePrepared(ctx, q)
	case len(q.Params) > 0:
		stream, err = s.executeExtended(ctx, q)
	default:
		stream, err = s.executeSimple(ctx, q)
	}
	if err != nil {
		s.state.end()
		return nil, err
	}
	return stream, nil
}

func (s *pgSession) executeSimple(ctx context.Context, q Query) (ResultStream, error) {
	if err := s.send(ctx, &pgproto3.Query{String: q.SQL}); err != nil {
		return nil, err
	}
	return s.openResult(ctx, q.batchRows(s.cfg.BatchRows))
}

// executeExtended runs a parameterized query through the unnamed
// statement with text parameters.
func (s *pgSession) executeExtended(ctx context.Context, q Query) (ResultStream, error) {
	values, formats, err := s.encodeParams(q.Params, nil, textFormat)
	if err != nil {
		return nil, err
	}
	err = s.send(ctx,
		&pgproto3.Parse{Query: q.SQL, ParameterOIDs: declaredOIDs(q.Params)},
		&pgproto3.Bind{ParameterFormatCodes: formats, Parameters: values, ResultFormatCodes: []int16{textFormat}},
		&pgproto3.Describe{ObjectType: 'P'},
		&pgproto3.Execute{},
		&pgproto3.Sync{},
	)
	if err != nil {
		return nil, err
	}
	return s.openResult(ctx, q.batchRows(s.cfg.BatchRows))
}

// executePrepared runs q through a cached named statement with binary
// parameters and binary results for every decodable column.
func (s *pgSession) executePrepared(ctx context.Context, q Query) (ResultStream, error) {
	ps, err := s.prepare(ctx, q.SQL, declaredOIDs(q.Params))
	if err != nil {
		return nil, err
	}
	values, formats, err := s.encodeParams(q.Params, ps.params, binaryFormat)
	if err != nil {
		return nil, err
	}

	cols := slices.Clone(ps.cols)
	resultFormats := make([]int16, len(cols))
	for i := range cols {
		cols[i].Format = s.mapper.ResultFormat(cols[i].OID)
		resultFormats[i] = cols[i].Format
	}

	err = s.send(ctx,
		&pgproto3.Bind{
			PreparedStatement:    ps.name,
			ParameterFormatCodes: formats,
			Parameters:           values,
			ResultFormatCodes:    resultFormats,
		},
		&pgproto3.Execute{},
		&pgproto3.Sync{},
	)
	if err != nil {
		return nil, err
	}

	for {
		msg, err := s.receive(ctx)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *pgproto3.BindComplete:
			res := &pgResult{s: s, affected: -1}
			if len(cols) == 0 {
				if err := res.drain(ctx); err != nil {
					return nil, err
				}
				return newEmptyStream(nil, max(res.affected, 0)), nil
			}
			return newRowStream(s.alloc, s.mapper, cols, res, q.batchRows(s.cfg.BatchRows)), nil
		case *pgproto3.ErrorResponse:
			return nil, s.failRequest(ctx, fromErrorResponse(m))
		case *pgproto3.ReadyForQuery:
			return nil, newDiagnostic(KindUnknown, "server ended the request without binding the statement")
		}
	}
}

// openResult reads the response of a query up to the start of its rows.
func (s *pgSession) openResult(ctx context.Context, batchRows int) (ResultStream, error) {
	for {
		msg, err := s.receive(ctx)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			cols := s.mapper.Columns(m.Fields)
			res := &pgResult{s: s, affected: -1}
			if s.Format() == FormatArrowStream {
				return openIPCStream(ctx, s.alloc, s.mapper, cols, res)
			}
			return newRowStream(s.alloc, s.mapper, cols, res, batchRows), nil
		case *pgproto3.CommandComplete:
			affected := pgconn.NewCommandTag(string(m.CommandTag)).RowsAffected()
			if err := s.readUntilReady(ctx); err != nil {
				return nil, err
			}
			s.state.end()
			return newEmptyStream(nil, affected), nil
		case *pgproto3.ErrorResponse:
			return nil, s.failRequest(ctx, fromErrorResponse(m))
		case *pgproto3.ReadyForQuery:
			s.state.end()
			return newEmptyStream(nil, 0), nil
		}
	}
}

func (s *pgSession) Describe(ctx context.Context, sql string) (*Description, error) {
	if err := s.state.begin(); err != nil {
		return nil, err
	}
	defer s.state.end()

	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}
	stop := s.watch(ctx)
	defer stop()

	ps, err := s.prepare(ctx, sql, nil)
	if err != nil {
		return nil, err
	}
	return &Description{
		ParamOIDs: slices.Clone(ps.params),
		Columns:   slices.Clone(ps.cols),
		Schema:    s.mapper.Schema(ps.cols),
	}, nil
}

func statementKey(sql string, oids []uint32) string {
	if len(oids) == 0 {
		return sql
	}
	var b strings.Builder
	b.WriteString(sql)
	for _, oid := range oids {
		b.WriteByte(0)
		b.WriteString(strconv.FormatUint(uint64(oid), 10))
	}
	return b.String()
}

// prepare returns the cached description of sql, parsing and describing
// it on a miss.
func (s *pgSession) prepare(ctx context.Context, sql string, declared []uint32) (*preparedStatement, error) {
	key := statementKey(sql, declared)
	if v, err := s.stmts.Get(key); err == nil {
		return v.(*preparedStatement), nil
	}

	s.stmtSeq++
	ps := &preparedStatement{name: fmt.Sprintf("cube_adbc_%d", s.stmtSeq)}

	msgs := make([]pgproto3.FrontendMessage, 0, len(s.pendingClose)+3)
	for _, name := range s.pendingClose {
		msgs = append(msgs, &pgproto3.Close{ObjectType: 'S', Name: name})
	}
	s.pendingClose = nil
	msgs = append(msgs,
		&pgproto3.Parse{Name: ps.name, Query: sql, ParameterOIDs: declared},
		&pgproto3.Describe{ObjectType: 'S', Name: ps.name},
		&pgproto3.Sync{},
	)
	if err := s.send(ctx, msgs...); err != nil {
		return nil, err
	}

	var failure *Diagnostic
	for {
		msg, err := s.receive(ctx)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *pgproto3.ParameterDescription:
			ps.params = slices.Clone(m.ParameterOIDs)
		case *pgproto3.RowDescription:
			ps.cols = s.mapper.Columns(m.Fields)
		case *pgproto3.ErrorResponse:
			d := fromErrorResponse(m)
			if d.Severity == SeverityFatal {
				s.abandon(ctx, d)
				return nil, d
			}
			if failure == nil {
				failure = d
			}
		case *pgproto3.ReadyForQuery:
			if failure != nil {
				return nil, failure
			}
			if err := s.stmts.Set(key, ps); err != nil {
				return nil, fmt.Errorf("caching statement: %w", err)
			}
			s.logger.DebugContext(ctx, "statement prepared", "statement", ps.name, "params", len(ps.params), "columns", len(ps.cols))
			return ps, nil
		}
	}
}

func declaredOIDs(params []Param) []uint32 {
	if len(params) == 0 {
		return nil
	}
	oids := make([]uint32, len(params))
	for i, p := range params {
		oids[i] = p.OID
	}
	return oids
}

// encodeParams serializes params in format. resolved holds the types the
// server inferred for the statement, if known.
func (s *pgSession) encodeParams(params []Param, resolved []uint32, format int16) ([][]byte, []int16, error) {
	if len(params) == 0 {
		return nil, nil, nil
	}
	values := make([][]byte, len(params))
	for i, p := range params {
		oid := p.OID
		if oid == 0 && i < len(resolved) {
			oid = resolved[i]
		}
		buf, err := s.mapper.EncodeParam(oid, format, p.Value)
		if err != nil {
			d := newDiagnostic(KindSyntaxOrSemantic, "cannot encode parameter $%d", i+1)
			d.Err = err
			return nil, nil, d
		}
		values[i] = buf
	}
	return values, []int16{format}, nil
}

func formatDirective(f Format) string {
	return fmt.Sprintf("SET output_format = '%s'", f.wireValue())
}

func (s *pgSession) requestFormat(ctx context.Context, f Format) error {
	if err := s.state.begin(); err != nil {
		return err
	}
	defer s.state.end()

	stop := s.watch(ctx)
	defer stop()

	if err := s.send(ctx, &pgproto3.Query{String: formatDirective(f)}); err != nil {
		return err
	}
	if err := s.readUntilReady(ctx); err != nil {
		var d *Diagnostic
		if errors.As(err, &d) && d.Severity != SeverityFatal && d.SQLState != "" && !d.Kind.Retryable() {
			rejected := *d
			rejected.Kind = KindFormatUnsupported
			return &rejected
		}
		return err
	}
	s.state.setFormat(f)
	return nil
}

// Cancel asks the server to abort the request in flight. The request
// fails with KindCancelled and the session stays usable.
func (s *pgSession) Cancel(ctx context.Context) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	if err := s.t.CancelRequest(ctx); err != nil {
		d := newDiagnostic(KindTransport, "cancel request failed")
		d.Err = err
		return d
	}
	return nil
}

func (s *pgSession) Close(ctx context.Context) error {
	first, busy := s.state.markClosed(nil)
	if !first {
		// waits for a close already in progress
		s.closeTransport(ctx)
		return s.closeErr
	}
	s.userClosed.Store(true)
	s.closed.Store(true)
	if busy {
		// unblock a pending read; the stream reports the close
		s.interrupted.Store(true)
		_ = s.t.SetDeadline(time.Now())
	}
	s.closeTransport(ctx)
	s.logger.DebugContext(ctx, "session closed")
	return s.closeErr
}

func (s *pgSession) closeTransport(ctx context.Context) {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := s.t.Close(ctx); err != nil && !s.interrupted.Load() {
			s.closeErr = transportError(ctx, err, false)
		}
	})
}

// abandon closes a session that can no longer be used after err.
func (s *pgSession) abandon(ctx context.Context, err error) {
	s.state.markClosed(err)
	s.closed.Store(true)
	s.closeTransport(ctx)
	s.logger.DebugContext(ctx, "session closed after failure", "error", err)
}

// closedError reports why I/O on a closed session failed. A request that
// was cancelled or failed keeps reporting that cause.
func (s *pgSession) closedError() error {
	if s.userClosed.Load() {
		return errClosedWhileActive(nil)
	}
	if cause := s.state.closedCause(); cause != nil {
		return cause
	}
	return errSessionClosed
}

func (s *pgSession) ioFailure(ctx context.Context, err error) error {
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

func (s *pgSession) send(ctx context.Context, msgs ...pgproto3.FrontendMessage) error {
	if s.closed.Load() {
		return s.closedError()
	}
	if err := s.t.Send(msgs...); err != nil {
		return s.ioFailure(ctx, err)
	}
	return nil
}

// receive returns the next message of interest, skipping asynchronous
// notices and status updates.
func (s *pgSession) receive(ctx context.Context) (pgproto3.BackendMessage, error) {
	for {
		if s.closed.Load() {
			return nil, s.closedError()
		}
		msg, err := s.t.Receive()
		if err != nil {
			return nil, s.ioFailure(ctx, err)
		}
		switch m := msg.(type) {
		case *pgproto3.NoticeResponse:
			s.logger.DebugContext(ctx, "server notice", "message", m.Message)
			continue
		case *pgproto3.ParameterStatus, *pgproto3.NotificationResponse:
			continue
		}
		return msg, nil
	}
}

// readUntilReady consumes the rest of a response. It returns the first
// error the server reported.
func (s *pgSession) readUntilReady(ctx context.Context) error {
	var failure *Diagnostic
	for {
		msg, err := s.receive(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			d := fromErrorResponse(m)
			if d.Severity == SeverityFatal {
				s.abandon(ctx, d)
				return d
			}
			if failure == nil {
				failure = d
			}
		case *pgproto3.ReadyForQuery:
			if failure != nil {
				return failure
			}
			return nil
		}
	}
}

// failRequest finishes a request the server rejected.
func (s *pgSession) failRequest(ctx context.Context, d *Diagnostic) error {
	if d.Severity == SeverityFatal {
		s.abandon(ctx, d)
		return d
	}
	if err := s.readUntilReady(ctx); err != nil {
		// a local failure while finishing takes precedence
		var remote *Diagnostic
		if !errors.As(err, &remote) || remote.SQLState == "" {
			return err
		}
	}
	return d
}

// watch ties blocking I/O to ctx until the returned func is called. On
// cancellation the server is asked to cancel the request; if it does not
// answer within the grace period the I/O is interrupted, which closes the
// session. An expired deadline interrupts right away.
func (s *pgSession) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	w := &interruptWatch{set: s.interrupt}
	stopAfter := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			w.fire()
			return
		}
		cctx, cancel := context.WithTimeout(context.Background(), s.cfg.CancelGracePeriod)
		err := s.t.CancelRequest(cctx)
		cancel()
		if err != nil {
			s.logger.Warn("cancel request failed", "error", err)
			w.fire()
			return
		}
		w.arm(s.cfg.CancelGracePeriod)
	})
	return func() {
		stopAfter()
		if w.stop() && !s.closed.Load() {
			// the deadline is spent even if the request got through
			s.abandon(ctx, transportError(ctx, os.ErrDeadlineExceeded, true))
		}
	}
}

func (s *pgSession) interrupt() {
	s.interrupted.Store(true)
	_ = s.t.SetDeadline(time.Now())
}

type interruptWatch struct {
	mu      sync.Mutex
	stopped bool
	fired   bool
	timer   *time.Timer
	set     func()
}

func (w *interruptWatch) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.fired = true
		w.set()
	}
}

func (w *interruptWatch) arm(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.timer = time.AfterFunc(d, w.fire)
	}
}

// stop reports whether the watch interrupted the I/O.
func (w *interruptWatch) stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.fired
}

// pgResult reads the rows of one result off the wire. It serves both as a
// row source and, in arrow_stream format, as a chunk source where every
// row carries the next piece of the IPC stream.
type pgResult struct {
	s        *pgSession
	affected int64
	done     bool
}

func (r *pgResult) track(ctx context.Context) (context.Context, func()) {
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

func (r *pgResult) rowsAffected() int64 { return r.affected }

func (r *pgResult) nextRow(ctx context.Context) ([][]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	for {
		msg, err := r.s.receive(ctx)
		if err != nil {
			r.done = true
			return nil, err
		}
		switch m := msg.(type) {
		case *pgproto3.DataRow:
			return m.Values, nil
		case *pgproto3.CommandComplete:
			r.affected = pgconn.NewCommandTag(string(m.CommandTag)).RowsAffected()
			return nil, r.finish(ctx, nil)
		case *pgproto3.EmptyQueryResponse, *pgproto3.PortalSuspended:
			return nil, r.finish(ctx, nil)
		case *pgproto3.ErrorResponse:
			return nil, r.finish(ctx, fromErrorResponse(m))
		case *pgproto3.ReadyForQuery:
			r.done = true
			r.s.state.end()
			return nil, io.EOF
		}
	}
}

func (r *pgResult) nextChunk(ctx context.Context) ([]byte, error) {
	for {
		row, err := r.nextRow(ctx)
		if err != nil {
			return nil, err
		}
		if len(row) > 0 && row[0] != nil {
			return row[0], nil
		}
	}
}

// finish consumes the response up to ReadyForQuery and returns the
// session. It returns io.EOF when the result ended cleanly.
func (r *pgResult) finish(ctx context.Context, failure *Diagnostic) error {
	r.done = true
	if failure != nil {
		err := r.s.failRequest(ctx, failure)
		r.s.state.end()
		return err
	}
	if err := r.s.readUntilReady(ctx); err != nil {
		r.s.state.end()
		return err
	}
	r.s.state.end()
	return io.EOF
}

func (r *pgResult) drain(ctx context.Context) error {
	for {
		_, err := r.nextRow(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// discard skips the rest of the result. Errors the server reports for
// the skipped part are not returned.
func (r *pgResult) discard(ctx context.Context) error {
	if r.done {
		return nil
	}
	stop := r.s.watch(ctx)
	defer stop()
	err := r.drain(ctx)
	var d *Diagnostic
	if errors.As(err, &d) && d.SQLState != "" && d.Severity != SeverityFatal {
		r.s.logger.DebugContext(ctx, "error in discarded result", "error", err)
		return nil
	}
	return err
}
