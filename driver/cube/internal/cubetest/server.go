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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultToken         = "test-token"
	DefaultServerVersion = "14.2 (Cube SQL)"
)

type options struct {
	token         string
	serverVersion string
	formats       map[string]bool
	logger        *slog.Logger
	alloc         memory.Allocator
	addr          string
}

// Option configures a fake server.
type Option func(*options)

// WithToken sets the token clients must present. An empty token accepts
// any.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

func WithServerVersion(v string) Option {
	return func(o *options) { o.serverVersion = v }
}

// WithFormats limits the output formats SET output_format accepts.
func WithFormats(formats ...string) Option {
	return func(o *options) {
		o.formats = make(map[string]bool, len(formats))
		for _, f := range formats {
			o.formats[f] = true
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithAllocator(alloc memory.Allocator) Option {
	return func(o *options) { o.alloc = alloc }
}

// WithAddr sets the listen address, 127.0.0.1:0 by default.
func WithAddr(addr string) Option {
	return func(o *options) { o.addr = addr }
}

func newOptions(opts []Option) options {
	o := options{
		token:         DefaultToken,
		serverVersion: DefaultServerVersion,
		formats:       map[string]bool{"text": true, "binary": true, "arrow_ipc": true},
		logger:        slog.New(slog.DiscardHandler),
		alloc:         memory.DefaultAllocator,
		addr:          "127.0.0.1:0",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// listener is the accept loop shared by both fakes.
type listener struct {
	opts options
	ln   net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func listen(opts options, serve func(ctx context.Context, nc net.Conn) error) (*listener, error) {
	ln, err := net.Listen("tcp", opts.addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	l := &listener{opts: opts, ln: ln, ctx: ctx, cancel: cancel, eg: eg, conns: make(map[net.Conn]struct{})}

	eg.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			l.track(nc, true)
			eg.Go(func() error {
				defer l.track(nc, false)
				defer nc.Close()
				if err := serve(ctx, nc); err != nil && !isDisconnect(err) {
					opts.logger.Warn("fake server connection failed", "error", err)
				}
				return nil
			})
		}
	})
	return l, nil
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, errServerClosed) ||
		strings.Contains(err.Error(), "connection reset")
}

var errServerClosed = errors.New("cubetest: server closed")

func (l *listener) track(nc net.Conn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[nc] = struct{}{}
	} else {
		delete(l.conns, nc)
	}
}

func (l *listener) Host() string {
	return l.ln.Addr().(*net.TCPAddr).IP.String()
}

func (l *listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

func (l *listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting, drops every connection and waits for the
// handlers to return.
func (l *listener) Close() error {
	l.cancel()
	err := l.ln.Close()
	l.mu.Lock()
	for nc := range l.conns {
		_ = nc.Close()
	}
	l.mu.Unlock()
	if werr := l.eg.Wait(); werr != nil {
		return werr
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// sleep waits for d unless interrupted is signalled first.
func sleep(ctx context.Context, d time.Duration, interrupted <-chan struct{}) (bool, error) {
	if d <= 0 {
		return false, nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false, nil
	case <-interrupted:
		return true, nil
	case <-ctx.Done():
		return false, errServerClosed
	}
}

// Server is a fake of Cube's Postgres wire endpoint.
type Server struct {
	*listener
	catalog *Catalog

	nextPID atomic.Uint32
	mu      sync.Mutex
	byPID   map[uint32]*pgConn
	cancels atomic.Int64
	conns   atomic.Int64
}

// NewServer starts a Postgres wire fake answering from c.
func NewServer(c *Catalog, opts ...Option) (*Server, error) {
	s := &Server{catalog: c, byPID: make(map[uint32]*pgConn)}
	l, err := listen(newOptions(opts), s.serve)
	if err != nil {
		return nil, err
	}
	s.listener = l
	return s, nil
}

// CancelRequests counts the cancel requests that named a live session.
func (s *Server) CancelRequests() int64 { return s.cancels.Load() }

// Sessions counts the sessions that completed authentication.
func (s *Server) Sessions() int64 { return s.conns.Load() }

func (s *Server) cancel(pid uint32) {
	s.mu.Lock()
	pc, ok := s.byPID[pid]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.cancels.Add(1)
	select {
	case pc.cancelled <- struct{}{}:
	default:
	}
}

func (s *Server) serve(ctx context.Context, nc net.Conn) error {
	be := pgproto3.NewBackend(nc, nc)
	for {
		msg, err := be.ReceiveStartupMessage()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := nc.Write([]byte{'N'}); err != nil {
				return err
			}
		case *pgproto3.CancelRequest:
			s.cancel(m.ProcessID)
			return nil
		case *pgproto3.StartupMessage:
			return s.session(ctx, nc, be, m)
		default:
			return fmt.Errorf("unexpected startup message %T", msg)
		}
	}
}

// writeBackendKeyData writes the cancel key directly, in the 4 byte
// secret layout every protocol version accepts.
func writeBackendKeyData(w io.Writer, pid, secret uint32) error {
	buf := make([]byte, 13)
	buf[0] = 'K'
	binary.BigEndian.PutUint32(buf[1:], 12)
	binary.BigEndian.PutUint32(buf[5:], pid)
	binary.BigEndian.PutUint32(buf[9:], secret)
	_, err := w.Write(buf)
	return err
}

func fatal(code, format string, args ...any) *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{Severity: "FATAL", SeverityUnlocalized: "FATAL", Code: code, Message: fmt.Sprintf(format, args...)}
}

func (s *Server) session(ctx context.Context, nc net.Conn, be *pgproto3.Backend, startup *pgproto3.StartupMessage) error {
	user := startup.Parameters["user"]
	be.Send(&pgproto3.AuthenticationCleartextPassword{})
	if err := be.Flush(); err != nil {
		return err
	}
	if err := be.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
		return err
	}
	msg, err := be.Receive()
	if err != nil {
		return err
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return fmt.Errorf("expected a password message, got %T", msg)
	}
	if s.opts.token != "" && pw.Password != s.opts.token {
		be.Send(fatal("28P01", "password authentication failed for user %q", user))
		return be.Flush()
	}

	pc := &pgConn{
		srv:       s,
		be:        be,
		pid:       s.nextPID.Add(1),
		format:    "text",
		stmts:     make(map[string]*prepared),
		portals:   make(map[string]*portal),
		cancelled: make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.byPID[pc.pid] = pc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.byPID, pc.pid)
		s.mu.Unlock()
	}()
	s.conns.Add(1)

	be.Send(&pgproto3.AuthenticationOk{})
	be.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: s.opts.serverVersion})
	be.Send(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"})
	if err := be.Flush(); err != nil {
		return err
	}
	if err := writeBackendKeyData(nc, pc.pid, pc.pid*7919); err != nil {
		return err
	}
	be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := be.Flush(); err != nil {
		return err
	}
	s.opts.logger.Debug("fake session started", "pid", pc.pid, "user", user)
	return pc.loop(ctx)
}

type prepared struct {
	sql  string
	oids []uint32
	res  *Result
}

type portal struct {
	stmt    *prepared
	params  []any
	formats []int16
}

type pgConn struct {
	srv       *Server
	be        *pgproto3.Backend
	pid       uint32
	format    string
	stmts     map[string]*prepared
	portals   map[string]*portal
	cancelled chan struct{}
	// failed skips extended protocol messages until the next Sync
	failed bool
}

func (pc *pgConn) loop(ctx context.Context) error {
	for {
		msg, err := pc.be.Receive()
		if err != nil {
			return err
		}
		if pc.failed {
			if _, ok := msg.(*pgproto3.Sync); !ok {
				continue
			}
		}
		switch m := msg.(type) {
		case *pgproto3.Query:
			// a cancel that arrived while idle has no effect
			pc.drainCancel()
			if err := pc.simpleQuery(ctx, m.String); err != nil {
				return err
			}
			pc.be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		case *pgproto3.Parse:
			pc.parse(m)
		case *pgproto3.Describe:
			pc.describe(m)
		case *pgproto3.Bind:
			pc.bind(m)
		case *pgproto3.Execute:
			pc.drainCancel()
			p, ok := pc.portals[m.Portal]
			if !ok {
				pc.fail(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "34000", Message: fmt.Sprintf("portal %q does not exist", m.Portal)})
				continue
			}
			res := pc.srv.catalog.lookup(Request{SQL: p.stmt.sql, Params: p.params})
			if err := pc.writeResult(ctx, res, false, p.formats); err != nil {
				return err
			}
		case *pgproto3.Sync:
			pc.failed = false
			delete(pc.portals, "")
			pc.be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		case *pgproto3.Close:
			if m.ObjectType == 'S' {
				delete(pc.stmts, m.Name)
			} else {
				delete(pc.portals, m.Name)
			}
			pc.be.Send(&pgproto3.CloseComplete{})
		case *pgproto3.Flush:
		case *pgproto3.Terminate:
			return nil
		default:
			return fmt.Errorf("unexpected message %T", msg)
		}
		if err := pc.be.Flush(); err != nil {
			return err
		}
	}
}

func (pc *pgConn) drainCancel() {
	select {
	case <-pc.cancelled:
	default:
	}
}

func (pc *pgConn) fail(e *pgproto3.ErrorResponse) {
	pc.be.Send(e)
	pc.failed = true
}

func (pc *pgConn) simpleQuery(ctx context.Context, sql string) error {
	if format, ok := outputFormatDirective(sql); ok {
		pc.srv.catalog.record(Request{SQL: sql})
		if !pc.srv.opts.formats[format] {
			pc.be.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "22023", Message: fmt.Sprintf("unsupported output format '%s'", format)})
			return nil
		}
		pc.format = format
		pc.be.Send(&pgproto3.CommandComplete{CommandTag: []byte("SET")})
		return nil
	}
	if strings.TrimSpace(sql) == "" {
		pc.be.Send(&pgproto3.EmptyQueryResponse{})
		return nil
	}
	res := pc.srv.catalog.lookup(Request{SQL: sql})
	return pc.writeResult(ctx, res, true, nil)
}

// outputFormatDirective recognizes SET output_format = '<format>'.
func outputFormatDirective(sql string) (string, bool) {
	fields := strings.Fields(strings.ToLower(strings.TrimRight(strings.TrimSpace(sql), ";")))
	if len(fields) != 4 || fields[0] != "set" || fields[1] != "output_format" || (fields[2] != "=" && fields[2] != "to") {
		return "", false
	}
	return strings.Trim(fields[3], `'"`), true
}

func (pc *pgConn) parse(m *pgproto3.Parse) {
	res := pc.srv.catalog.describe(m.Query)
	if res == nil {
		pc.fail(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42P01", Message: fmt.Sprintf("relation for query %q does not exist", normalizeSQL(m.Query))})
		return
	}
	if res.Error != nil && res.FailAfter <= 0 && len(res.Columns) == 0 {
		e := res.Error
		pc.fail(&pgproto3.ErrorResponse{Severity: e.severity(), Code: e.Code, Message: e.Message, Detail: e.Detail, Hint: e.Hint})
		return
	}
	oids := append([]uint32(nil), m.ParameterOIDs...)
	for i, oid := range res.ParamOIDs {
		if i >= len(oids) {
			oids = append(oids, oid)
		} else if oids[i] == 0 {
			oids[i] = oid
		}
	}
	pc.stmts[m.Name] = &prepared{sql: m.Query, oids: oids, res: res}
	pc.be.Send(&pgproto3.ParseComplete{})
}

func (e *ErrorSpec) severity() string {
	if e.Severity == "" {
		return "ERROR"
	}
	return e.Severity
}

func (pc *pgConn) rowDescription(res *Result, formats []int16) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(res.Columns))
	for i, c := range res.Columns {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(c.Name),
			DataTypeOID:  c.OID,
			DataTypeSize: -1,
			TypeModifier: c.TypeModifier,
			Format:       formatAt(formats, i),
		}
		if c.TypeModifier == 0 {
			fields[i].TypeModifier = -1
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

func formatAt(formats []int16, i int) int16 {
	switch len(formats) {
	case 0:
		return pgtype.TextFormatCode
	case 1:
		return formats[0]
	}
	if i < len(formats) {
		return formats[i]
	}
	return pgtype.TextFormatCode
}

func (pc *pgConn) describe(m *pgproto3.Describe) {
	var (
		res     *Result
		formats []int16
	)
	if m.ObjectType == 'S' {
		st, ok := pc.stmts[m.Name]
		if !ok {
			pc.fail(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "26000", Message: fmt.Sprintf("prepared statement %q does not exist", m.Name)})
			return
		}
		pc.be.Send(&pgproto3.ParameterDescription{ParameterOIDs: st.oids})
		res = st.res
	} else {
		p, ok := pc.portals[m.Name]
		if !ok {
			pc.fail(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "34000", Message: fmt.Sprintf("portal %q does not exist", m.Name)})
			return
		}
		res, formats = p.stmt.res, p.formats
	}
	if len(res.Columns) == 0 {
		pc.be.Send(&pgproto3.NoData{})
		return
	}
	pc.be.Send(pc.rowDescription(res, formats))
}

func (pc *pgConn) bind(m *pgproto3.Bind) {
	st, ok := pc.stmts[m.PreparedStatement]
	if !ok {
		pc.fail(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "26000", Message: fmt.Sprintf("prepared statement %q does not exist", m.PreparedStatement)})
		return
	}
	if want := placeholders(st.sql); len(m.Parameters) != want {
		pc.fail(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "08P01", Message: fmt.Sprintf("bind message supplies %d parameters, but prepared statement requires %d", len(m.Parameters), want)})
		return
	}
	params := make([]any, len(m.Parameters))
	for i, raw := range m.Parameters {
		oid := uint32(0)
		if i < len(st.oids) {
			oid = st.oids[i]
		}
		v, err := decodeParam(oid, formatAt(m.ParameterFormatCodes, i), raw)
		if err != nil {
			pc.fail(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "22P02", Message: fmt.Sprintf("invalid parameter $%d: %v", i+1, err)})
			return
		}
		params[i] = v
	}
	pc.portals[m.DestinationPortal] = &portal{stmt: st, params: params, formats: m.ResultFormatCodes}
	pc.be.Send(&pgproto3.BindComplete{})
}

// placeholders returns the highest $N in sql, ignoring quoting.
func placeholders(sql string) int {
	n := 0
	for i := 0; i < len(sql); i++ {
		if sql[i] != '$' {
			continue
		}
		j := i + 1
		for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
			j++
		}
		if j > i+1 {
			if v, err := strconv.Atoi(sql[i+1 : j]); err == nil && v > n {
				n = v
			}
		}
		i = j - 1
	}
	return n
}

func (pc *pgConn) sendError(e *ErrorSpec) {
	pc.be.Send(&pgproto3.ErrorResponse{Severity: e.severity(), SeverityUnlocalized: e.severity(), Code: e.Code, Message: e.Message, Detail: e.Detail, Hint: e.Hint})
}

var errCancelled = &ErrorSpec{Code: "57014", Message: "canceling statement due to user request"}

// wait flushes what was sent so far and sleeps for d. It reports whether
// the statement was cancelled meanwhile.
func (pc *pgConn) wait(ctx context.Context, d time.Duration) (bool, error) {
	if d <= 0 {
		return false, nil
	}
	if err := pc.be.Flush(); err != nil {
		return false, err
	}
	return sleep(ctx, d, pc.cancelled)
}

func (pc *pgConn) writeResult(ctx context.Context, res *Result, withDescription bool, formats []int16) error {
	cancelled, err := pc.wait(ctx, res.Delay)
	if err != nil {
		return err
	}
	if cancelled {
		pc.sendError(errCancelled)
		pc.failed = !withDescription
		return nil
	}
	if res.Error != nil && res.FailAfter <= 0 {
		pc.sendError(res.Error)
		pc.failed = !withDescription
		return nil
	}
	if len(res.Columns) == 0 {
		pc.be.Send(&pgproto3.CommandComplete{CommandTag: []byte(res.tag())})
		return nil
	}
	if withDescription {
		pc.be.Send(pc.rowDescription(res, formats))
	}
	if pc.format == "arrow_ipc" {
		return pc.writeArrow(ctx, res, withDescription)
	}

	for i, row := range res.Rows {
		if res.Error != nil && i == res.FailAfter {
			pc.sendError(res.Error)
			pc.failed = !withDescription
			return nil
		}
		if i > 0 {
			cancelled, err := pc.wait(ctx, res.RowDelay)
			if err != nil {
				return err
			}
			if cancelled {
				pc.sendError(errCancelled)
				pc.failed = !withDescription
				return nil
			}
		}
		values := make([][]byte, len(row))
		for c, v := range row {
			cell, err := encodeCell(res.Columns[c].OID, formatAt(formats, c), v)
			if err != nil {
				return err
			}
			values[c] = cell
		}
		pc.be.Send(&pgproto3.DataRow{Values: values})
	}
	pc.be.Send(&pgproto3.CommandComplete{CommandTag: []byte(res.tag())})
	return nil
}

// writeArrow sends the result as an Arrow IPC stream, one DataRow per
// IPC message. FailAfter counts record batches here.
func (pc *pgConn) writeArrow(ctx context.Context, res *Result, withDescription bool) error {
	schema, recs, err := res.records(pc.srv.opts.alloc, res.SchemaChange)
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

	pc.be.Send(&pgproto3.DataRow{Values: [][]byte{header}})
	for i, batch := range batches {
		if res.Error != nil && i == res.FailAfter {
			pc.sendError(res.Error)
			pc.failed = !withDescription
			return nil
		}
		if i > 0 {
			cancelled, err := pc.wait(ctx, res.RowDelay)
			if err != nil {
				return err
			}
			if cancelled {
				pc.sendError(errCancelled)
				pc.failed = !withDescription
				return nil
			}
		}
		pc.be.Send(&pgproto3.DataRow{Values: [][]byte{batch}})
	}
	pc.be.Send(&pgproto3.DataRow{Values: [][]byte{endOfStream}})
	pc.be.Send(&pgproto3.CommandComplete{CommandTag: []byte(res.tag())})
	return nil
}
