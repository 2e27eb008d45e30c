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
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fixtureFile struct {
	Results []fixture `yaml:"results"`
}

type fixtureColumn struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Precision int32  `yaml:"precision"`
	Scale     int32  `yaml:"scale"`
}

type fixtureError struct {
	Severity string `yaml:"severity"`
	Code     string `yaml:"code"`
	Message  string `yaml:"message"`
	Detail   string `yaml:"detail"`
	Hint     string `yaml:"hint"`
}

type fixture struct {
	SQL          string          `yaml:"sql"`
	Columns      []fixtureColumn `yaml:"columns"`
	Rows         [][]any         `yaml:"rows"`
	Tag          string          `yaml:"tag"`
	ParamTypes   []string        `yaml:"param_types"`
	Error        *fixtureError   `yaml:"error"`
	FailAfter    int             `yaml:"fail_after"`
	Delay        time.Duration   `yaml:"delay"`
	RowDelay     time.Duration   `yaml:"row_delay"`
	BatchRows    int             `yaml:"batch_rows"`
	SchemaChange bool            `yaml:"schema_change"`
}

func (f fixture) result() (*Result, error) {
	if f.SQL == "" {
		return nil, errors.New("fixture without sql")
	}
	res := &Result{
		Rows:         f.Rows,
		Tag:          f.Tag,
		FailAfter:    f.FailAfter,
		Delay:        f.Delay,
		RowDelay:     f.RowDelay,
		BatchRows:    f.BatchRows,
		SchemaChange: f.SchemaChange,
	}
	for _, c := range f.Columns {
		if c.Precision > 0 {
			res.Columns = append(res.Columns, NumericCol(c.Name, c.Precision, c.Scale))
			continue
		}
		oid, ok := OIDByName(c.Type)
		if !ok {
			return nil, fmt.Errorf("column %s: unknown type %q", c.Name, c.Type)
		}
		res.Columns = append(res.Columns, Column{Name: c.Name, OID: oid})
	}
	for i, row := range res.Rows {
		if len(row) != len(res.Columns) {
			return nil, fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(res.Columns))
		}
	}
	for _, t := range f.ParamTypes {
		oid, ok := OIDByName(t)
		if !ok {
			return nil, fmt.Errorf("parameter: unknown type %q", t)
		}
		res.ParamOIDs = append(res.ParamOIDs, oid)
	}
	if f.Error != nil {
		res.Error = &ErrorSpec{
			Severity: f.Error.Severity,
			Code:     f.Error.Code,
			Message:  f.Error.Message,
			Detail:   f.Error.Detail,
			Hint:     f.Error.Hint,
		}
	}
	return res, nil
}

// LoadFixtures registers the results of a YAML fixture document:
//
//	results:
//	  - sql: SELECT status, count FROM orders
//	    columns:
//	      - {name: status, type: text}
//	      - {name: count, type: int8}
//	    rows:
//	      - [completed, 12]
func (c *Catalog) LoadFixtures(r io.Reader) error {
	var doc fixtureFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("cubetest: decoding fixtures: %w", err)
	}
	for i, f := range doc.Results {
		res, err := f.result()
		if err != nil {
			return fmt.Errorf("cubetest: fixture %d: %w", i, err)
		}
		c.Register(f.SQL, res)
	}
	return nil
}

func (c *Catalog) LoadFixtureFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.LoadFixtures(f)
}
