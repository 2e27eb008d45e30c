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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlaceholderCount(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want int
	}{
		{"none", "SELECT 1", 0},
		{"sequential", "SELECT $1, $2", 2},
		{"highest wins", "SELECT * FROM orders WHERE a = $3 AND b = $1", 3},
		{"repeated", "SELECT $1 + $1", 1},
		{"string literal", "SELECT '$1'", 0},
		{"doubled quote", "SELECT 'it''s $1' || $2", 2},
		{"escape string", `SELECT E'it\'s $3'`, 0},
		{"quoted identifier", `SELECT "$1" FROM t WHERE x = $1`, 1},
		{"line comment", "-- $4\nSELECT $2", 2},
		{"trailing comment", "SELECT $1 -- and $9", 1},
		{"nested block comment", "/* $5 /* $6 */ $7 */ SELECT $1", 1},
		{"dollar quoted", "SELECT $$ $4 $$, $1", 1},
		{"tagged dollar quote", "SELECT $fn$ $9 $fn$ || $2", 2},
		{"identifier suffix", "SELECT a$1 FROM t", 0},
		{"bare dollar", "SELECT $ FROM t", 0},
		{"unterminated literal", "SELECT '$1", 0},
		{"multi digit", "SELECT $12", 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, placeholderCount(tt.sql))
		})
	}
}

func TestCheckPlaceholders(t *testing.T) {
	assert.NoError(t, checkPlaceholders(Query{SQL: "SELECT 1"}))
	assert.NoError(t, checkPlaceholders(Query{SQL: "SELECT $1", Params: []Param{{Value: 1}}}))

	err := checkPlaceholders(Query{SQL: "SELECT $1, $2", Params: []Param{{Value: 1}}})
	assert.Equal(t, KindSyntaxOrSemantic, KindOf(err))
	assert.ErrorContains(t, err, "references 2 parameter(s) but 1 were bound")

	err = checkPlaceholders(Query{SQL: "SELECT 1", Params: []Param{{Value: 1}}})
	assert.Equal(t, KindSyntaxOrSemantic, KindOf(err))
}
