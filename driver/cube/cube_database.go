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
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/cube-js/adbc-driver-cube/go/adbc/driver/internal/driverbase"
	"go.opentelemetry.io/otel/attribute"
)

type databaseImpl struct {
	driverbase.DatabaseImplBase

	cfg    Config
	uri    string
	getenv func(string) string
}

func (d *databaseImpl) SetOptions(options map[string]string) error {
	for k, v := range options {
		if err := d.SetOption(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (d *databaseImpl) invalidOption(key, value string, err error) error {
	return d.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "Invalid value for database option '%s': '%s': %s", key, value, err.Error())
}

func (d *databaseImpl) SetOption(key, value string) error {
	switch key {
	case adbc.OptionKeyURI:
		if err := d.cfg.ApplyURI(value); err != nil {
			return d.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "%s", err.Error())
		}
		d.uri = value
	case OptionHost:
		d.cfg.Host = value
	case OptionPort:
		port, err := strconv.Atoi(value)
		if err != nil {
			return d.invalidOption(key, value, err)
		}
		return d.SetOptionInt(key, int64(port))
	case OptionToken:
		d.cfg.Token = value
	case OptionDatabase:
		d.cfg.Database = value
	case OptionUser, adbc.OptionKeyUsername:
		d.cfg.User = value
	case OptionPassword, adbc.OptionKeyPassword:
		d.cfg.Password = value
	case OptionConnectionMode:
		mode, err := ParseConnectionMode(value)
		if err != nil {
			return d.invalidOption(key, value, err)
		}
		d.cfg.Mode = mode
	case OptionSSLMode:
		d.cfg.SSLMode = value
	case OptionApplicationName:
		d.cfg.ApplicationName = value
	case OptionTimeoutConnect, OptionTimeoutQuery, OptionTimeoutFetch, OptionTimeoutCancelGrace:
		timeout, err := parseTimeoutString(key, value)
		if err != nil {
			return d.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "%s", err.Error())
		}
		d.setTimeout(key, timeout)
	case OptionBatchRows, OptionStatementCacheSize:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return d.invalidOption(key, value, err)
		}
		return d.SetOptionInt(key, n)
	case OptionOutputFormat:
		if !strings.EqualFold(value, OptionValueFormatBest) {
			if _, err := ParseFormat(value); err != nil {
				return d.invalidOption(key, value, err)
			}
		}
		d.cfg.OutputFormat = value
	default:
		return d.DatabaseImplBase.SetOption(key, value)
	}
	return nil
}

func (d *databaseImpl) setTimeout(key string, timeout time.Duration) {
	switch key {
	case OptionTimeoutConnect:
		d.cfg.ConnectTimeout = timeout
	case OptionTimeoutQuery:
		d.cfg.QueryTimeout = timeout
	case OptionTimeoutFetch:
		d.cfg.FetchTimeout = timeout
	case OptionTimeoutCancelGrace:
		d.cfg.CancelGracePeriod = timeout
	}
}

func (d *databaseImpl) SetOptionInt(key string, value int64) error {
	switch key {
	case OptionPort:
		if value < 0 || value > 65535 {
			return d.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "Invalid value for database option '%s': %d is not a valid port", key, value)
		}
		d.cfg.Port = int(value)
	case OptionBatchRows:
		if value <= 0 {
			return d.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "Invalid value for database option '%s': must be positive, got %d", key, value)
		}
		d.cfg.BatchRows = int(value)
	case OptionStatementCacheSize:
		if value <= 0 {
			return d.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "Invalid value for database option '%s': must be positive, got %d", key, value)
		}
		d.cfg.StatementCacheSize = int(value)
	case OptionTimeoutConnect, OptionTimeoutQuery, OptionTimeoutFetch, OptionTimeoutCancelGrace:
		return d.SetOptionDouble(key, float64(value))
	default:
		return d.DatabaseImplBase.SetOptionInt(key, value)
	}
	return nil
}

func (d *databaseImpl) SetOptionDouble(key string, value float64) error {
	switch key {
	case OptionTimeoutConnect, OptionTimeoutQuery, OptionTimeoutFetch, OptionTimeoutCancelGrace:
		timeout, err := parseTimeout(key, value)
		if err != nil {
			return d.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "%s", err.Error())
		}
		d.setTimeout(key, timeout)
		return nil
	}
	return d.DatabaseImplBase.SetOptionDouble(key, value)
}

func (d *databaseImpl) GetOption(key string) (string, error) {
	switch key {
	case adbc.OptionKeyURI:
		return d.uri, nil
	case OptionHost:
		return d.cfg.Host, nil
	case OptionPort:
		return strconv.Itoa(d.cfg.port()), nil
	case OptionDatabase:
		return d.cfg.Database, nil
	case OptionUser, adbc.OptionKeyUsername:
		return d.cfg.User, nil
	case OptionToken, OptionPassword, adbc.OptionKeyPassword:
		// secrets are write-only
		return "", d.ErrorHelper.Errorf(adbc.StatusNotFound, "Option '%s' cannot be read", key)
	case OptionConnectionMode:
		return string(d.cfg.Mode), nil
	case OptionSSLMode:
		return d.cfg.SSLMode, nil
	case OptionApplicationName:
		return d.cfg.ApplicationName, nil
	case OptionTimeoutConnect:
		return formatTimeout(d.cfg.ConnectTimeout), nil
	case OptionTimeoutQuery:
		return formatTimeout(d.cfg.QueryTimeout), nil
	case OptionTimeoutFetch:
		return formatTimeout(d.cfg.FetchTimeout), nil
	case OptionTimeoutCancelGrace:
		return formatTimeout(d.cfg.CancelGracePeriod), nil
	case OptionBatchRows:
		return strconv.Itoa(d.cfg.BatchRows), nil
	case OptionStatementCacheSize:
		return strconv.Itoa(d.cfg.StatementCacheSize), nil
	case OptionOutputFormat:
		return d.cfg.OutputFormat, nil
	}
	return d.DatabaseImplBase.GetOption(key)
}

func (d *databaseImpl) GetOptionInt(key string) (int64, error) {
	switch key {
	case OptionPort:
		return int64(d.cfg.port()), nil
	case OptionBatchRows:
		return int64(d.cfg.BatchRows), nil
	case OptionStatementCacheSize:
		return int64(d.cfg.StatementCacheSize), nil
	}
	return d.DatabaseImplBase.GetOptionInt(key)
}

func (d *databaseImpl) GetOptionDouble(key string) (float64, error) {
	switch key {
	case OptionTimeoutConnect:
		return d.cfg.ConnectTimeout.Seconds(), nil
	case OptionTimeoutQuery:
		return d.cfg.QueryTimeout.Seconds(), nil
	case OptionTimeoutFetch:
		return d.cfg.FetchTimeout.Seconds(), nil
	case OptionTimeoutCancelGrace:
		return d.cfg.CancelGracePeriod.Seconds(), nil
	}
	return d.DatabaseImplBase.GetOptionDouble(key)
}

// config is the configuration a new connection opens with.
func (d *databaseImpl) config() (Config, error) {
	cfg := d.cfg
	cfg.ApplyEnv(d.getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, d.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "invalid configuration: %s", err.Error())
	}
	return cfg, nil
}

func (d *databaseImpl) Open(ctx context.Context) (cnxn adbc.Connection, err error) {
	ctx, span := d.StartSpan(ctx, "databaseImpl.Open")
	defer func() {
		driverbase.EndSpan(span, err)
	}()

	cfg, err := d.config()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("server.address", cfg.Host),
		attribute.Int("server.port", cfg.port()),
		attribute.String("cube.connection_mode", string(cfg.Mode)),
	)

	session, err := Connect(ctx, cfg, d.Alloc, d.Logger)
	if err != nil {
		return nil, errToAdbc(err)
	}
	span.SetAttributes(attribute.String("cube.session_id", session.ID()))

	conn := &connectionImpl{
		ConnectionImplBase: driverbase.NewConnectionImplBase(&d.DatabaseImplBase),
		db:                 d,
		cfg:                cfg,
		session:            session,
		negotiator:         Negotiator{Logger: d.Logger.With("session_id", session.ID())},
	}
	conn.Logger = conn.negotiator.Logger
	conn.Catalog = cfg.Database

	return driverbase.NewConnection(conn), nil
}

func (d *databaseImpl) Close() error {
	return d.DatabaseImplBase.Close()
}
