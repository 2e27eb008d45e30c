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
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type ConnectionMode string

const (
	ModePostgres ConnectionMode = "postgresql"
	// ModeNative is the Arrow Native protocol.
	ModeNative ConnectionMode = "native"
)

const (
	DefaultHost       = "localhost"
	DefaultPort       = 4444
	DefaultNativePort = 4445

	DefaultCancelGracePeriod  = 5 * time.Second
	DefaultStatementCacheSize = 64

	// EnvToken is read when no token was configured.
	EnvToken = "CUBESQL_CUBE_TOKEN"
)

func ParseConnectionMode(s string) (ConnectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "postgresql", "postgres":
		return ModePostgres, nil
	case "native", "arrow_native":
		return ModeNative, nil
	}
	return "", fmt.Errorf("unknown connection mode %q, expected postgresql or native", s)
}

// Config holds everything needed to open a session. The zero value is not
// valid; start from DefaultConfig.
type Config struct {
	Host string
	// Port 0 selects the default port of the connection mode.
	Port     int
	Database string
	User     string
	Password string
	// Token authenticates against Cube. On the Postgres wire it is sent
	// as the password when no password is set.
	Token           string
	Mode            ConnectionMode
	SSLMode         string
	ApplicationName string

	ConnectTimeout time.Duration
	// QueryTimeout bounds the time until the result stream is open.
	QueryTimeout time.Duration
	// FetchTimeout bounds the time to produce each batch.
	FetchTimeout time.Duration
	// CancelGracePeriod is how long a cancelled request may wait for the
	// server to acknowledge the cancel before the session is closed.
	CancelGracePeriod time.Duration

	BatchRows int
	// OutputFormat is a format name or "best". It is negotiated when the
	// session opens.
	OutputFormat       string
	StatementCacheSize int
}

func DefaultConfig() Config {
	return Config{
		Host:               DefaultHost,
		Mode:               ModePostgres,
		SSLMode:            "prefer",
		CancelGracePeriod:  DefaultCancelGracePeriod,
		BatchRows:          DefaultBatchRows,
		OutputFormat:       FormatText.String(),
		StatementCacheSize: DefaultStatementCacheSize,
	}
}

func (c *Config) port() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.Mode == ModeNative {
		return DefaultNativePort
	}
	return DefaultPort
}

func (c *Config) password() string {
	if c.Password != "" {
		return c.Password
	}
	return c.Token
}

// ApplyEnv fills unset credentials from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c.Token == "" {
		c.Token = getenv(EnvToken)
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	if c.Port < 0 || c.Port > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := ParseConnectionMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if c.BatchRows <= 0 {
		errs = append(errs, fmt.Errorf("batch rows must be positive, got %d", c.BatchRows))
	}
	if c.StatementCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("statement cache size must be positive, got %d", c.StatementCacheSize))
	}
	if !strings.EqualFold(c.OutputFormat, formatBest) {
		if _, err := ParseFormat(c.OutputFormat); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Mode == ModeNative && c.Token == "" && c.Password == "" {
		errs = append(errs, errors.New("native mode requires a token"))
	}
	return errors.Join(errs...)
}

// ApplyURI merges a connection URI into the configuration. Accepted
// schemes are postgres, postgresql and cube for the Postgres wire and
// cube+native for the Arrow Native protocol.
func (c *Config) ApplyURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql", "cube":
		c.Mode = ModePostgres
	case "cube+native":
		c.Mode = ModeNative
	default:
		return fmt.Errorf("invalid uri: unsupported scheme %q", u.Scheme)
	}

	if h := u.Hostname(); h != "" {
		c.Host = h
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid uri: bad port %q", p)
		}
		c.Port = port
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		c.Database = db
	}
	if u.User != nil {
		c.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.Password = pw
		}
	}

	q := u.Query()
	if v := q.Get("sslmode"); v != "" {
		c.SSLMode = v
	}
	if v := q.Get("token"); v != "" {
		c.Token = v
	}
	if v := q.Get("application_name"); v != "" {
		c.ApplicationName = v
	}
	if v := q.Get("connection_mode"); v != "" {
		mode, err := ParseConnectionMode(v)
		if err != nil {
			return err
		}
		c.Mode = mode
	}
	return nil
}

// parseTimeout converts a timeout option value in seconds.
func parseTimeout(key string, value float64) (time.Duration, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, fmt.Errorf("invalid timeout option value %s = %f: timeouts must be non-negative and finite", key, value)
	}
	return time.Duration(value * float64(time.Second)), nil
}

func parseTimeoutString(key, value string) (time.Duration, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout option value %s = %s: %s", key, value, err.Error())
	}
	return parseTimeout(key, v)
}

func formatTimeout(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
