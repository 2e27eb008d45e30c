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
	"strings"
)

// placeholderCount returns the highest $N placeholder referenced by sql.
// Placeholders inside string literals, quoted identifiers, dollar-quoted
// strings and comments are ignored.
func placeholderCount(sql string) int {
	highest := 0
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '\'':
			escapes := i > 0 && (sql[i-1] == 'E' || sql[i-1] == 'e') && (i < 2 || !isIdentChar(sql[i-2]))
			i = skipQuoted(sql, i, '\'', escapes)
		case c == '"':
			i = skipQuoted(sql, i, '"', false)
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			if nl := strings.IndexByte(sql[i:], '\n'); nl >= 0 {
				i += nl + 1
			} else {
				i = len(sql)
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			i = skipBlockComment(sql, i)
		case c == '$':
			if tag, ok := dollarTag(sql, i); ok {
				end := strings.Index(sql[i+len(tag):], tag)
				if end < 0 {
					i = len(sql)
				} else {
					i += len(tag) + end + len(tag)
				}
				continue
			}
			j, n := i+1, 0
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				n = n*10 + int(sql[j]-'0')
				j++
			}
			if j > i+1 && (i == 0 || !isIdentChar(sql[i-1])) {
				highest = max(highest, n)
			}
			i = max(j, i+1)
		default:
			i++
		}
	}
	return highest
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

// skipQuoted returns the index after the literal opening at start. A
// doubled quote is an escaped quote.
func skipQuoted(sql string, start int, quote byte, backslashEscapes bool) int {
	for i := start + 1; i < len(sql); i++ {
		switch sql[i] {
		case '\\':
			if backslashEscapes {
				i++
			}
		case quote:
			if i+1 < len(sql) && sql[i+1] == quote {
				i++
				continue
			}
			return i + 1
		}
	}
	return len(sql)
}

// block comments nest
func skipBlockComment(sql string, start int) int {
	depth := 0
	for i := start; i+1 < len(sql); {
		switch {
		case sql[i] == '/' && sql[i+1] == '*':
			depth++
			i += 2
		case sql[i] == '*' && sql[i+1] == '/':
			depth--
			i += 2
			if depth == 0 {
				return i
			}
		default:
			i++
		}
	}
	return len(sql)
}

// dollarTag reports the $tag$ opening a dollar-quoted string at start.
func dollarTag(sql string, start int) (string, bool) {
	if start > 0 && isIdentChar(sql[start-1]) {
		return "", false
	}
	for i := start + 1; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '$':
			return sql[start : i+1], true
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80:
		case c >= '0' && c <= '9' && i > start+1:
		default:
			return "", false
		}
	}
	return "", false
}

// checkPlaceholders rejects a query whose bound parameters do not cover
// its placeholders before anything is sent.
func checkPlaceholders(q Query) error {
	n := placeholderCount(q.SQL)
	if n != len(q.Params) {
		return newDiagnostic(KindSyntaxOrSemantic,
			"query references %d parameter(s) but %d were bound", n, len(q.Params))
	}
	return nil
}
