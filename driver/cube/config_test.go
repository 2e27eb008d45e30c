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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPort, cfg.port())
	assert.Equal(t, DefaultBatchRows, cfg.BatchRows)
	assert.Equal(t, "text", cfg.OutputFormat)

	cfg.Mode = ModeNative
	assert.Equal(t, DefaultNativePort, cfg.port())
	assert.ErrorContains(t, cfg.Validate(), "native mode requires a token")
	cfg.Token = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = " "
	cfg.Port = 70000
	cfg.BatchRows = 0
	cfg.StatementCacheSize = -1
	cfg.OutputFormat = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, msg := range []string{
		"host must not be empty",
		"port 70000 out of range",
		"batch rows must be positive",
		"statement cache size must be positive",
		`unknown result format "xml"`,
	} {
		assert.ErrorContains(t, err, msg)
	}

	cfg = DefaultConfig()
	cfg.OutputFormat = "Best"
	assert.NoError(t, cfg.Validate())
}

func TestConfigPassword(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = "token"
	assert.Equal(t, "token", cfg.password())
	cfg.Password = "pw"
	assert.Equal(t, "pw", cfg.password())
}

func TestConfigApplyEnv(t *testing.T) {
	env := map[string]string{EnvToken: "from-env"}

	cfg := DefaultConfig()
	cfg.ApplyEnv(func(k string) string { return env[k] })
	assert.Equal(t, "from-env", cfg.Token)

	cfg.Token = "explicit"
	cfg.ApplyEnv(func(k string) string { return env[k] })
	assert.Equal(t, "explicit", cfg.Token)
}

func TestConfigApplyURI(t *testing.T) {
	tests := []struct {
		uri   string
		check func(t *testing.T, cfg Config)
	}{
		{"postgres://cube:pw@example.com:15432/db?sslmode=require&application_name=bi", func(t *testing.T, cfg Config) {
			assert.Equal(t, ModePostgres, cfg.Mode)
			assert.Equal(t, "example.com", cfg.Host)
			assert.Equal(t, 15432, cfg.Port)
			assert.Equal(t, "db", cfg.Database)
			assert.Equal(t, "cube", cfg.User)
			assert.Equal(t, "pw", cfg.Password)
			assert.Equal(t, "require", cfg.SSLMode)
			assert.Equal(t, "bi", cfg.ApplicationName)
		}},
		{"cube+native://example.com?token=abc", func(t *testing.T, cfg Config) {
			assert.Equal(t, ModeNative, cfg.Mode)
			assert.Equal(t, "abc", cfg.Token)
			assert.Equal(t, DefaultNativePort, cfg.port())
		}},
		{"cube://example.com?connection_mode=native", func(t *testing.T, cfg Config) {
			assert.Equal(t, ModeNative, cfg.Mode)
		}},
		{"postgresql://", func(t *testing.T, cfg Config) {
			// parts missing from the uri keep their values
			assert.Equal(t, DefaultHost, cfg.Host)
			assert.Equal(t, DefaultPort, cfg.port())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, cfg.ApplyURI(tt.uri))
			tt.check(t, cfg)
		})
	}

	for _, bad := range []string{
		"mysql://example.com",
		"postgres://example.com:port",
		"postgres://example.com?connection_mode=grpc",
		"://nope",
	} {
		t.Run(bad, func(t *testing.T) {
			cfg := DefaultConfig()
			assert.Error(t, cfg.ApplyURI(bad))
		})
	}
}

func TestParseConnectionMode(t *testing.T) {
	for in, want := range map[string]ConnectionMode{
		"":             ModePostgres,
		"Postgres":     ModePostgres,
		"postgresql":   ModePostgres,
		"native":       ModeNative,
		"arrow_native": ModeNative,
	} {
		got, err := ParseConnectionMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseConnectionMode("http")
	assert.ErrorContains(t, err, `unknown connection mode "http"`)
}

func TestParseTimeout(t *testing.T) {
	d, err := parseTimeout("k", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = parseTimeoutString("k", "0.25")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	for _, v := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := parseTimeout("k", v)
		assert.ErrorContains(t, err, "timeouts must be non-negative and finite")
	}
	_, err = parseTimeoutString("k", "soon")
	assert.ErrorContains(t, err, "invalid timeout option value k = soon")

	assert.Equal(t, "1.5", formatTimeout(1500*time.Millisecond))
	assert.Equal(t, "0", formatTimeout(0))
}
