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
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Transport is the message-level connection a pgSession talks through.
// Connection setup, TLS and authentication happen before a Transport is
// handed to the session.
type Transport interface {
	Send(msgs ...pgproto3.FrontendMessage) error
	// Receive returns the next backend message. The message is only valid
	// until the next call.
	Receive() (pgproto3.BackendMessage, error)
	// SetDeadline bounds blocked I/O; a deadline in the past interrupts it.
	SetDeadline(t time.Time) error
	CancelRequest(ctx context.Context) error
	ParameterStatus(key string) string
	Close(ctx context.Context) error
}

type pgTransport struct {
	conn *pgconn.PgConn
	fe   *pgproto3.Frontend
}

// pgConnString renders cfg as a keyword/value connection string.
func pgConnString(cfg *Config) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.port())),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		if pw := cfg.password(); pw != "" {
			u.User = url.UserPassword(cfg.User, pw)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	q := url.Values{}
	q.Set("sslmode", cfg.SSLMode)
	if cfg.ApplicationName != "" {
		q.Set("application_name", cfg.ApplicationName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func dialPostgres(ctx context.Context, cfg *Config) (*pgTransport, error) {
	pgCfg, err := pgconn.ParseConfig(pgConnString(cfg))
	if err != nil {
		return nil, newDiagnostic(KindConnection, "invalid connection settings: %v", err)
	}
	// without a user pgconn falls back to its own defaults, the token still
	// goes out as the password
	if cfg.User == "" && cfg.password() != "" {
		pgCfg.Password = cfg.password()
	}
	pgCfg.ConnectTimeout = cfg.ConnectTimeout

	conn, err := pgconn.ConnectConfig(ctx, pgCfg)
	if err != nil {
		return nil, connectError(ctx, err)
	}
	return &pgTransport{conn: conn, fe: conn.Frontend()}, nil
}

func (t *pgTransport) Send(msgs ...pgproto3.FrontendMessage) error {
	for _, m := range msgs {
		t.fe.Send(m)
	}
	if err := t.fe.Flush(); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (t *pgTransport) Receive() (pgproto3.BackendMessage, error) {
	return t.fe.Receive()
}

func (t *pgTransport) SetDeadline(d time.Time) error {
	return t.conn.Conn().SetDeadline(d)
}

func (t *pgTransport) CancelRequest(ctx context.Context) error {
	return t.conn.CancelRequest(ctx)
}

func (t *pgTransport) ParameterStatus(key string) string {
	return t.conn.ParameterStatus(key)
}

func (t *pgTransport) Close(ctx context.Context) error {
	return t.conn.Close(ctx)
}
