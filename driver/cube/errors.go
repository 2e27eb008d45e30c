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
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// ErrorKind classifies a Diagnostic. Callers decide retry eligibility from
// the kind alone, see Retryable.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindConnection
	KindAuthentication
	KindSyntaxOrSemantic
	KindFormatUnsupported
	KindTransport
	KindCancelled
	// KindMaterialization is a local decode or schema mismatch while
	// building batches from a response the server reported as successful.
	KindMaterialization
	// KindInvalidState is a programming error such as executing on a
	// session whose previous result stream is still undrained.
	KindInvalidState
)

var kindNames = [...]string{
	KindUnknown:           "Unknown",
	KindConnection:        "Connection",
	KindAuthentication:    "Authentication",
	KindSyntaxOrSemantic:  "SyntaxOrSemantic",
	KindFormatUnsupported: "FormatUnsupported",
	KindTransport:         "Transport",
	KindCancelled:         "Cancelled",
	KindMaterialization:   "Materialization",
	KindInvalidState:      "InvalidState",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Retryable reports whether an operation that failed with this kind may
// succeed when repeated on a new session.
func (k ErrorKind) Retryable() bool {
	return k == KindTransport || k == KindCancelled
}

type Severity uint8

const (
	SeverityError Severity = iota
	// SeverityFatal means the session can no longer be used.
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "FATAL"
	}
	return "ERROR"
}

// Diagnostic is the structured error every failing operation of this
// package returns.
type Diagnostic struct {
	Severity Severity
	Kind     ErrorKind
	// Message is the remote message verbatim when the failure came from
	// the server.
	Message  string
	SQLState string
	Detail   string
	Hint     string
	// Timeout is set for transport failures caused by an expired deadline.
	Timeout bool

	// Batch and Row locate a materialization failure (zero-based, -1 when
	// not applicable). Row counts from the start of the result.
	Batch  int64
	Row    int64
	Column string

	Err error
}

func newDiagnostic(kind ErrorKind, format string, args ...any) *Diagnostic {
	return &Diagnostic{Kind: kind, Message: fmt.Sprintf(format, args...), Batch: -1, Row: -1}
}

func (d *Diagnostic) Error() string {
	var b strings.Builder
	b.WriteString(d.Kind.String())
	b.WriteString(": ")
	b.WriteString(d.Message)
	if d.Kind == KindMaterialization && d.Row >= 0 {
		fmt.Fprintf(&b, " (batch %d, row %d", d.Batch, d.Row)
		if d.Column != "" {
			fmt.Fprintf(&b, ", column %q", d.Column)
		}
		b.WriteString(")")
	}
	if d.Err != nil && !strings.Contains(d.Message, d.Err.Error()) {
		b.WriteString(": ")
		b.WriteString(d.Err.Error())
	}
	return b.String()
}

func (d *Diagnostic) Unwrap() error { return d.Err }

// AdbcError converts the diagnostic into the ADBC error model. The
// VendorCode carries the ErrorKind.
func (d *Diagnostic) AdbcError() adbc.Error {
	out := adbc.Error{
		Msg:        "[Cube] " + d.Error(),
		Code:       d.status(),
		VendorCode: int32(d.Kind),
	}
	if len(d.SQLState) == 5 {
		copy(out.SqlState[:], d.SQLState)
	}

	out.Details = append(out.Details, &adbc.TextErrorDetail{Name: "cube.kind", Detail: d.Kind.String()})
	if d.Detail != "" {
		out.Details = append(out.Details, &adbc.TextErrorDetail{Name: "cube.detail", Detail: d.Detail})
	}
	if d.Hint != "" {
		out.Details = append(out.Details, &adbc.TextErrorDetail{Name: "cube.hint", Detail: d.Hint})
	}
	return out
}

func (d *Diagnostic) status() adbc.Status {
	switch d.Kind {
	case KindConnection:
		return adbc.StatusIO
	case KindAuthentication:
		return adbc.StatusUnauthenticated
	case KindSyntaxOrSemantic:
		switch d.SQLState {
		case "42P01", "42703", "42883", "3D000", "3F000":
			return adbc.StatusNotFound
		}
		return adbc.StatusInvalidArgument
	case KindFormatUnsupported:
		return adbc.StatusNotImplemented
	case KindTransport:
		if d.Timeout {
			return adbc.StatusTimeout
		}
		return adbc.StatusIO
	case KindCancelled:
		return adbc.StatusCancelled
	case KindMaterialization:
		return adbc.StatusInvalidData
	case KindInvalidState:
		return adbc.StatusInvalidState
	}
	return adbc.StatusUnknown
}

// KindOf returns the kind of the Diagnostic in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var d *Diagnostic
	if errors.As(err, &d) {
		return d.Kind
	}
	return KindUnknown
}

// errToAdbc is the single exit point from session-level errors to the
// ADBC surface.
func errToAdbc(err error) error {
	if err == nil {
		return nil
	}
	var d *Diagnostic
	if errors.As(err, &d) {
		return d.AdbcError()
	}
	var adbcErr adbc.Error
	if errors.As(err, &adbcErr) {
		return adbcErr
	}
	return adbc.Error{Msg: "[Cube] " + err.Error(), Code: contextStatus(err, adbc.StatusUnknown)}
}

func contextStatus(err error, fallback adbc.Status) adbc.Status {
	switch {
	case errors.Is(err, context.Canceled):
		return adbc.StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return adbc.StatusTimeout
	}
	return fallback
}

// sqlStateKind classifies a SQLSTATE by its class (first two characters).
func sqlStateKind(code string) ErrorKind {
	switch {
	case code == "57014":
		return KindCancelled
	case code == "08P01":
		// protocol violations report malformed requests such as a wrong
		// parameter count
		return KindSyntaxOrSemantic
	case strings.HasPrefix(code, "57P"), strings.HasPrefix(code, "08"):
		return KindConnection
	case strings.HasPrefix(code, "28"):
		return KindAuthentication
	}
	switch code[:min(2, len(code))] {
	case "42", "22", "0A", "3D", "3F", "2B", "26", "34":
		return KindSyntaxOrSemantic
	case "53", "58":
		return KindTransport
	}
	return KindUnknown
}

// Cube reports most planning failures with the generic XX000 code.
var semanticMarkers = []string{
	"not found",
	"does not exist",
	"syntax",
	"parse",
	"planning",
	"unknown column",
	"unknown table",
}

func classifyMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	for _, m := range semanticMarkers {
		if strings.Contains(lower, m) {
			return KindSyntaxOrSemantic
		}
	}
	return KindUnknown
}

func classifyRemote(code, msg string) ErrorKind {
	kind := KindUnknown
	if code != "" {
		kind = sqlStateKind(code)
	}
	if kind == KindUnknown {
		kind = classifyMessage(msg)
	}
	return kind
}

func severityOf(s string) Severity {
	switch strings.ToUpper(s) {
	case "FATAL", "PANIC":
		return SeverityFatal
	}
	return SeverityError
}

// fromErrorResponse translates a Postgres wire ErrorResponse.
func fromErrorResponse(msg *pgproto3.ErrorResponse) *Diagnostic {
	sev := msg.SeverityUnlocalized
	if sev == "" {
		sev = msg.Severity
	}
	d := &Diagnostic{
		Severity: severityOf(sev),
		Kind:     classifyRemote(msg.Code, msg.Message),
		Message:  msg.Message,
		SQLState: msg.Code,
		Detail:   msg.Detail,
		Hint:     msg.Hint,
		Batch:    -1,
		Row:      -1,
	}
	return d
}

// fromNativeError translates an Arrow Native error frame.
func fromNativeError(msg string, during ErrorKind) *Diagnostic {
	kind := classifyMessage(msg)
	if during != KindUnknown {
		kind = during
	}
	return &Diagnostic{Kind: kind, Message: msg, Batch: -1, Row: -1}
}

// connectError translates a failure of the connect phase. Authentication
// rejections are told apart from unreachable servers.
func connectError(ctx context.Context, err error) *Diagnostic {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		kind := classifyRemote(pgErr.Code, pgErr.Message)
		if kind != KindAuthentication {
			kind = KindConnection
		}
		return &Diagnostic{
			Severity: SeverityFatal,
			Kind:     kind,
			Message:  pgErr.Message,
			SQLState: pgErr.Code,
			Detail:   pgErr.Detail,
			Hint:     pgErr.Hint,
			Batch:    -1,
			Row:      -1,
			Err:      err,
		}
	}

	var d *Diagnostic
	if errors.As(err, &d) {
		return d
	}

	if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		diag := newDiagnostic(KindTransport, "timed out connecting to Cube")
		diag.Severity, diag.Timeout, diag.Err = SeverityFatal, true, err
		return diag
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		diag := newDiagnostic(KindCancelled, "connect cancelled")
		diag.Severity, diag.Err = SeverityFatal, err
		return diag
	}
	diag := newDiagnostic(KindConnection, "failed to connect to Cube")
	diag.Severity, diag.Err = SeverityFatal, err
	return diag
}

// transportError translates an I/O failure on an established session.
// cancelled is set when the session itself interrupted the I/O (Close or a
// cancelled context).
func transportError(ctx context.Context, err error, cancelled bool) *Diagnostic {
	var d *Diagnostic
	if errors.As(err, &d) {
		return d
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		diag := newDiagnostic(KindTransport, "request timed out")
		diag.Severity, diag.Timeout, diag.Err = SeverityFatal, true, err
		return diag
	case cancelled, errors.Is(ctx.Err(), context.Canceled):
		diag := newDiagnostic(KindCancelled, "request cancelled")
		diag.Severity, diag.Err = SeverityFatal, err
		return diag
	case isTimeout(err):
		diag := newDiagnostic(KindTransport, "request timed out")
		diag.Severity, diag.Timeout, diag.Err = SeverityFatal, true, err
		return diag
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		diag := newDiagnostic(KindTransport, "server closed the connection")
		diag.Severity, diag.Err = SeverityFatal, err
		return diag
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		diag := newDiagnostic(KindTransport, "connection reset")
		diag.Severity, diag.Err = SeverityFatal, err
		return diag
	}
	diag := newDiagnostic(KindTransport, "transport failure")
	diag.Severity, diag.Err = SeverityFatal, err
	return diag
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func materializationError(batch, row int64, column string, err error) *Diagnostic {
	return &Diagnostic{
		Kind:    KindMaterialization,
		Message: "cannot decode result",
		Batch:   batch,
		Row:     row,
		Column:  column,
		Err:     err,
	}
}

func invalidState(format string, args ...any) *Diagnostic {
	return newDiagnostic(KindInvalidState, format, args...)
}
