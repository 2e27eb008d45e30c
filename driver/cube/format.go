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
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Format is the wire representation of result rows.
type Format uint8

const (
	FormatText Format = iota
	FormatBinary
	// FormatArrowStream delivers results as an Arrow IPC stream.
	FormatArrowStream
)

// formatBest is the option value asking the negotiator for the best
// format the server accepts.
const formatBest = "best"

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatBinary:
		return "binary"
	case FormatArrowStream:
		return "arrow_stream"
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

func (f Format) valid() bool { return f <= FormatArrowStream }

// wireValue is the value of the output_format session variable.
func (f Format) wireValue() string {
	if f == FormatArrowStream {
		return "arrow_ipc"
	}
	return f.String()
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return FormatText, nil
	case "binary":
		return FormatBinary, nil
	case "arrow_stream", "arrow_ipc":
		return FormatArrowStream, nil
	}
	return FormatText, newDiagnostic(KindFormatUnsupported, "unknown result format %q", s)
}

// preference is the order RequestBest tries formats in.
var preference = []Format{FormatArrowStream, FormatBinary, FormatText}

// Negotiator switches the result format of a session. It holds no state
// of its own; the current format lives on the session.
type Negotiator struct {
	Logger *slog.Logger
}

// RequestFormat makes desired the session's current format. Requesting
// the current format succeeds without a round trip. On failure the
// session keeps its previous format.
func (n Negotiator) RequestFormat(ctx context.Context, s Session, desired Format) (Format, error) {
	if !desired.valid() {
		return s.Format(), newDiagnostic(KindFormatUnsupported, "unknown result format %s", desired)
	}
	if s.Format() == desired {
		return desired, nil
	}

	if err := s.requestFormat(ctx, desired); err != nil {
		n.logger().DebugContext(ctx, "format rejected",
			"session_id", s.ID(), "format", desired.String(), "error", err)
		return s.Format(), err
	}
	n.logger().DebugContext(ctx, "format negotiated", "session_id", s.ID(), "format", desired.String())
	return desired, nil
}

// RequestBest tries arrow_stream, binary and text in that order and
// returns the first format the server accepts.
func (n Negotiator) RequestBest(ctx context.Context, s Session) (Format, error) {
	var errs []error
	for _, f := range preference {
		got, err := n.RequestFormat(ctx, s, f)
		if err == nil {
			return got, nil
		}
		if KindOf(err) != KindFormatUnsupported {
			return s.Format(), err
		}
		errs = append(errs, err)
	}
	return s.Format(), errors.Join(errs...)
}

// Apply handles an output format option value, which is either a format
// name or "best".
func (n Negotiator) Apply(ctx context.Context, s Session, value string) (Format, error) {
	if strings.EqualFold(strings.TrimSpace(value), formatBest) {
		return n.RequestBest(ctx, s)
	}
	f, err := ParseFormat(value)
	if err != nil {
		return s.Format(), err
	}
	return n.RequestFormat(ctx, s, f)
}

func (n Negotiator) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return n.Logger
}
