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
	"log/slog"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
)

// Query is one SQL statement with its positional parameters.
type Query struct {
	SQL    string
	Params []Param
	// BatchRows overrides the session's batch size when positive.
	BatchRows int
}

func (q Query) batchRows(fallback int) int {
	if q.BatchRows > 0 {
		return q.BatchRows
	}
	return fallback
}

// Param is a bound value for $N. OID 0 leaves the type to the server.
type Param struct {
	Value any
	OID   uint32
}

// Description is the shape of a prepared statement.
type Description struct {
	// ParamOIDs are the parameter types as resolved by the server.
	ParamOIDs []uint32
	Columns   []ColumnType
	Schema    *arrow.Schema
}

// Session is one authenticated connection to Cube. A session runs one
// request at a time: while a ResultStream is undrained every other
// request fails with KindInvalidState. Cancel and Close may be called
// from any goroutine.
type Session interface {
	ID() string
	Mode() ConnectionMode
	Format() Format
	ServerVersion() string
	Execute(ctx context.Context, q Query) (ResultStream, error)
	Describe(ctx context.Context, sql string) (*Description, error)
	Cancel(ctx context.Context) error
	Close(ctx context.Context) error

	requestFormat(ctx context.Context, f Format) error
}

// Connect opens a session as configured. The configured output format is
// negotiated before the session is returned.
func Connect(ctx context.Context, cfg Config, alloc memory.Allocator, logger *slog.Logger) (Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newDiagnostic(KindConnection, "invalid configuration: %v", err)
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	id := uuid.NewString()
	logger = logger.With("session_id", id, "mode", string(cfg.Mode))

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var (
		s   Session
		err error
	)
	switch cfg.Mode {
	case ModeNative:
		s, err = connectNative(connectCtx, id, cfg, alloc, logger)
	default:
		s, err = connectPostgres(connectCtx, id, cfg, alloc, logger)
	}
	if err != nil {
		logger.DebugContext(ctx, "connect failed", "host", cfg.Host, "port", cfg.port(), "error", err)
		return nil, err
	}
	logger.DebugContext(ctx, "session opened", "host", cfg.Host, "port", cfg.port(), "server_version", s.ServerVersion())

	// native sessions always stream Arrow
	if cfg.Mode != ModeNative && cfg.OutputFormat != "" {
		if _, err := (Negotiator{Logger: logger}).Apply(connectCtx, s, cfg.OutputFormat); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
	}
	return s, nil
}

var (
	errSessionBusy   = invalidState("session has an undrained result stream; drain or discard it before issuing another request")
	errSessionClosed = invalidState("session is closed")
)

// sessionState tracks the borrow of a session by its single in-flight
// request and the active format.
type sessionState struct {
	mu     sync.Mutex
	busy   bool
	closed bool
	cause  error
	format Format
}

func (st *sessionState) begin() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case st.closed:
		if st.cause != nil {
			d := *errSessionClosed
			d.Err = st.cause
			return &d
		}
		return errSessionClosed
	case st.busy:
		return errSessionBusy
	}
	st.busy = true
	return nil
}

func (st *sessionState) end() {
	st.mu.Lock()
	st.busy = false
	st.mu.Unlock()
}

// markClosed reports whether this call closed the session and whether a
// request was in flight.
func (st *sessionState) markClosed(cause error) (first, busy bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false, st.busy
	}
	st.closed, st.cause = true, cause
	return true, st.busy
}

// closedCause returns what abandoned the session, or nil while it is open
// or after a plain Close.
func (st *sessionState) closedCause() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cause
}

func (st *sessionState) currentFormat() Format {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.format
}

func (st *sessionState) setFormat(f Format) {
	st.mu.Lock()
	st.format = f
	st.mu.Unlock()
}

func errClosedWhileActive(err error) *Diagnostic {
	d := newDiagnostic(KindCancelled, "session closed while a result stream was active")
	d.Severity, d.Err = SeverityFatal, err
	return d
}
