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

// Package arrownative implements the framing of Cube's Arrow Native
// protocol. Every frame is a big-endian uint32 length covering the rest
// of the frame, one message type byte and the payload.
package arrownative

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

type MessageType byte

const (
	MsgHandshake MessageType = 0
	MsgAuth      MessageType = 1
	MsgQuery     MessageType = 2
	MsgSchema    MessageType = 3
	MsgBatch     MessageType = 4
	MsgComplete  MessageType = 5
	MsgError     MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgAuth:
		return "auth"
	case MsgQuery:
		return "query"
	case MsgSchema:
		return "schema"
	case MsgBatch:
		return "batch"
	case MsgComplete:
		return "complete"
	case MsgError:
		return "error"
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

const (
	ProtocolVersion uint32 = 1
	// MaxFrameSize bounds the payload of a single frame.
	MaxFrameSize = 1 << 30
)

var ErrFrameTooLarge = errors.New("arrownative: frame exceeds maximum size")

// Conn reads and writes frames over a byte stream. It is not safe for
// concurrent use, except that one reader and one writer may run at once.
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{r: bufio.NewReader(rw), w: bufio.NewWriter(rw)}
}

func (c *Conn) WriteFrame(t MessageType, payload []byte) error {
	if len(payload)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)+1))
	hdr[4] = byte(t)
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadFrame returns the next frame. The payload is freshly allocated.
func (c *Conn) ReadFrame() (MessageType, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(c.r, hdr[:4]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	if n == 0 {
		return 0, nil, errors.New("arrownative: empty frame")
	}
	if n > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	if _, err := io.ReadFull(c.r, hdr[4:5]); err != nil {
		return 0, nil, unexpected(err)
	}
	payload := make([]byte, n-1)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return 0, nil, unexpected(err)
	}
	return MessageType(hdr[4]), payload, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func AppendUint32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }

func AppendUint64(b []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(b, v) }

// AppendString appends a uint32 length and the bytes of s.
func AppendString(b []byte, s string) []byte {
	b = AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// AppendOptionalString appends a presence flag followed by the string.
func AppendOptionalString(b []byte, s string, ok bool) []byte {
	if !ok {
		return append(b, 0)
	}
	return AppendString(append(b, 1), s)
}

// Payload decodes the fields of a frame payload in order.
type Payload struct {
	buf []byte
	err error
}

func NewPayload(b []byte) *Payload { return &Payload{buf: b} }

func (p *Payload) fail(what string) {
	if p.err == nil {
		p.err = fmt.Errorf("arrownative: truncated %s", what)
	}
}

func (p *Payload) Uint8() byte {
	if p.err != nil || len(p.buf) < 1 {
		p.fail("uint8")
		return 0
	}
	v := p.buf[0]
	p.buf = p.buf[1:]
	return v
}

func (p *Payload) Uint32() uint32 {
	if p.err != nil || len(p.buf) < 4 {
		p.fail("uint32")
		return 0
	}
	v := binary.BigEndian.Uint32(p.buf)
	p.buf = p.buf[4:]
	return v
}

func (p *Payload) Uint64() uint64 {
	if p.err != nil || len(p.buf) < 8 {
		p.fail("uint64")
		return 0
	}
	v := binary.BigEndian.Uint64(p.buf)
	p.buf = p.buf[8:]
	return v
}

func (p *Payload) String() string {
	n := p.Uint32()
	if p.err != nil || uint64(len(p.buf)) < uint64(n) {
		p.fail("string")
		return ""
	}
	s := string(p.buf[:n])
	p.buf = p.buf[n:]
	return s
}

func (p *Payload) OptionalString() (string, bool) {
	if p.Uint8() == 0 {
		return "", false
	}
	return p.String(), p.err == nil
}

// Remaining is the number of unread bytes.
func (p *Payload) Remaining() int { return len(p.buf) }

func (p *Payload) Err() error { return p.err }

// ErrorMessage decodes an error frame payload. Servers that send the bare
// message instead of a length-prefixed string are accepted too.
func ErrorMessage(payload []byte) string {
	p := NewPayload(payload)
	if msg := p.String(); p.Err() == nil && p.Remaining() == 0 {
		return msg
	}
	if utf8.Valid(payload) {
		return string(payload)
	}
	return fmt.Sprintf("undecodable error message (%d bytes)", len(payload))
}
