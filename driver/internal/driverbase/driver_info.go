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
	"fmt"
	"slices"
	"sync"

	"github.com/apache/arrow-adbc/go/adbc"
	"go.opentelemetry.io/otel/attribute"
)

const (
	UnknownVersion               = "(unknown or development build)"
	DefaultInfoDriverADBCVersion = adbc.AdbcVersion1_1_0
)

var infoValueTypeCodeForInfoCode = map[adbc.InfoCode]adbc.InfoValueTypeCode{
	adbc.InfoVendorName:         adbc.InfoValueStringType,
	adbc.InfoVendorVersion:      adbc.InfoValueStringType,
	adbc.InfoVendorArrowVersion: adbc.InfoValueStringType,
	adbc.InfoDriverName:         adbc.InfoValueStringType,
	adbc.InfoDriverVersion:      adbc.InfoValueStringType,
	adbc.InfoDriverArrowVersion: adbc.InfoValueStringType,
	adbc.InfoDriverADBCVersion:  adbc.InfoValueInt64Type,
	adbc.InfoVendorSql:          adbc.InfoValueBooleanType,
	adbc.InfoVendorSubstrait:    adbc.InfoValueBooleanType,
}

// span attribute keys for the info codes that are reported on every span
const otelInfoNamespace attribute.Key = "cube.adbc.info."

var otelAttrForInfoCode = map[adbc.InfoCode]attribute.Key{
	adbc.InfoVendorName:         otelInfoNamespace + "vendor.name",
	adbc.InfoVendorVersion:      otelInfoNamespace + "vendor.version",
	adbc.InfoVendorSql:          otelInfoNamespace + "vendor.sql",
	adbc.InfoDriverName:         otelInfoNamespace + "driver.name",
	adbc.InfoDriverVersion:      otelInfoNamespace + "driver.version",
	adbc.InfoDriverArrowVersion: otelInfoNamespace + "driver.arrow.version",
	adbc.InfoDriverADBCVersion:  otelInfoNamespace + "driver.adbc.version",
}

// DefaultDriverInfo returns the info codes every driver reports, with
// placeholder values where the real value is only known at runtime.
func DefaultDriverInfo(name string) *DriverInfo {
	return &DriverInfo{
		name: name,
		info: map[adbc.InfoCode]any{
			adbc.InfoVendorName:         name,
			adbc.InfoDriverName:         fmt.Sprintf("ADBC %s Driver - Go", name),
			adbc.InfoDriverVersion:      UnknownVersion,
			adbc.InfoDriverArrowVersion: UnknownVersion,
			adbc.InfoVendorVersion:      UnknownVersion,
			adbc.InfoVendorArrowVersion: UnknownVersion,
			adbc.InfoDriverADBCVersion:  DefaultInfoDriverADBCVersion,
		},
	}
}

// DriverInfo holds the values reported by GetInfo. It is shared by every
// database and connection of a driver and is safe for concurrent use.
type DriverInfo struct {
	mu   sync.RWMutex
	name string
	info map[adbc.InfoCode]any
}

func (di *DriverInfo) GetName() string { return di.name }

// InfoSupportedCodes lists every registered code in ascending order.
func (di *DriverInfo) InfoSupportedCodes() []adbc.InfoCode {
	di.mu.RLock()
	defer di.mu.RUnlock()

	codes := make([]adbc.InfoCode, 0, len(di.info))
	for code := range di.info {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// RegisterInfoCode sets the value for code. Standard codes are type checked.
func (di *DriverInfo) RegisterInfoCode(code adbc.InfoCode, value any) error {
	if typeCode, ok := infoValueTypeCodeForInfoCode[code]; ok {
		var valid bool
		var expected any
		switch typeCode {
		case adbc.InfoValueStringType:
			_, valid = value.(string)
			expected = ""
		case adbc.InfoValueInt64Type:
			_, valid = value.(int64)
			expected = int64(0)
		case adbc.InfoValueBooleanType:
			_, valid = value.(bool)
			expected = false
		default:
			valid = true
		}
		if !valid {
			return fmt.Errorf("%s: expected info_value %v to be of type %T but found %T", code, value, expected, value)
		}
	}

	di.mu.Lock()
	defer di.mu.Unlock()
	di.info[code] = value
	return nil
}

func (di *DriverInfo) GetInfoForInfoCode(code adbc.InfoCode) (any, bool) {
	di.mu.RLock()
	defer di.mu.RUnlock()
	val, ok := di.info[code]
	return val, ok
}

// SpanAttributes returns the info values that have an OpenTelemetry
// attribute counterpart.
func (di *DriverInfo) SpanAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(otelAttrForInfoCode))
	for _, code := range di.InfoSupportedCodes() {
		key, ok := otelAttrForInfoCode[code]
		if !ok {
			continue
		}
		val, _ := di.GetInfoForInfoCode(code)
		switch v := val.(type) {
		case string:
			attrs = append(attrs, key.String(v))
		case bool:
			attrs = append(attrs, key.Bool(v))
		case int64:
			attrs = append(attrs, key.Int64(v))
		}
	}
	return attrs
}
