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

package driverbase

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-adbc/go/adbc"
)

// ErrorHelper helps format errors for ADBC drivers.
type ErrorHelper struct {
	DriverName string
}

// Errorf builds an adbc.Error whose message is prefixed with the driver name.
func (helper *ErrorHelper) Errorf(code adbc.Status, message string, format ...any) error {
	return adbc.Error{
		Code: code,
		Msg:  helper.prefix(fmt.Sprintf(message, format...)),
	}
}

// Wrap converts err into an adbc.Error. Errors that already are adbc.Error
// values are returned unchanged; context errors keep their meaning as
// StatusCancelled and StatusTimeout.
func (helper *ErrorHelper) Wrap(err error, code adbc.Status, message string, format ...any) error {
	if err == nil {
		return nil
	}

	var adbcErr adbc.Error
	if errors.As(err, &adbcErr) {
		return adbcErr
	}

	switch {
	case errors.Is(err, context.Canceled):
		code = adbc.StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		code = adbc.StatusTimeout
	}
	return adbc.Error{
		Code: code,
		Msg:  helper.prefix(fmt.Sprintf(message, format...) + ": " + err.Error()),
	}
}

func (helper *ErrorHelper) prefix(msg string) string {
	if helper.DriverName == "" {
		return msg
	}
	return "[" + helper.DriverName + "] " + msg
}
