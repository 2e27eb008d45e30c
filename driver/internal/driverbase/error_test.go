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

package driverbase_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/cube-js/adbc-driver-cube/go/adbc/driver/internal/driverbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHelperErrorf(t *testing.T) {
	helper := driverbase.ErrorHelper{DriverName: "Cube"}
	err := helper.Errorf(adbc.StatusInvalidArgument, "bad value %d", 7)

	var adbcErr adbc.Error
	require.ErrorAs(t, err, &adbcErr)
	assert.Equal(t, adbc.StatusInvalidArgument, adbcErr.Code)
	assert.Equal(t, "[Cube] bad value 7", adbcErr.Msg)

	unnamed := driverbase.ErrorHelper{}
	assert.Equal(t, "plain", unnamed.Errorf(adbc.StatusIO, "plain").(adbc.Error).Msg)
}

func TestErrorHelperWrap(t *testing.T) {
	helper := driverbase.ErrorHelper{DriverName: "Cube"}

	assert.NoError(t, helper.Wrap(nil, adbc.StatusIO, "unused"))

	err := helper.Wrap(errors.New("boom"), adbc.StatusIO, "reading %s", "rows")
	var adbcErr adbc.Error
	require.ErrorAs(t, err, &adbcErr)
	assert.Equal(t, adbc.StatusIO, adbcErr.Code)
	assert.Equal(t, "[Cube] reading rows: boom", adbcErr.Msg)

	// adbc errors pass through untouched
	orig := adbc.Error{Code: adbc.StatusNotFound, Msg: "missing"}
	assert.Equal(t, orig, helper.Wrap(fmt.Errorf("wrapped: %w", orig), adbc.StatusIO, "ignored"))

	tests := []struct {
		err  error
		code adbc.Status
	}{
		{context.Canceled, adbc.StatusCancelled},
		{fmt.Errorf("waiting: %w", context.DeadlineExceeded), adbc.StatusTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			require.ErrorAs(t, helper.Wrap(tt.err, adbc.StatusIO, "op"), &adbcErr)
			assert.Equal(t, tt.code, adbcErr.Code)
		})
	}
}
