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
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogNamePrefix = "cube.adbc"
	defaultFileSizeMaxKb = int64(1024)
	defaultFileCountMax  = 100
	traceFileExt         = ".jsonl"
)

type rotatingFileWriterConfig struct {
	folder        string
	prefix        string
	fileSizeMaxKb int64
	fileCountMax  int
}

// RotatingFileWriterOption configures NewRotatingFileWriter.
type RotatingFileWriterOption func(*rotatingFileWriterConfig)

// WithTracingFolderPath sets the folder trace files are written to.
// The default is <user cache dir>/cube-adbc/traces.
func WithTracingFolderPath(path string) RotatingFileWriterOption {
	return func(cfg *rotatingFileWriterConfig) { cfg.folder = path }
}

func WithLogNamePrefix(prefix string) RotatingFileWriterOption {
	return func(cfg *rotatingFileWriterConfig) { cfg.prefix = prefix }
}

// WithFileSizeMaxKb sets the size after which a new file is started.
func WithFileSizeMaxKb(kb int64) RotatingFileWriterOption {
	return func(cfg *rotatingFileWriterConfig) { cfg.fileSizeMaxKb = kb }
}

// WithFileCountMax sets how many files are kept in the folder.
func WithFileCountMax(n int) RotatingFileWriterOption {
	return func(cfg *rotatingFileWriterConfig) { cfg.fileCountMax = n }
}

// RotatingFileWriter is an io.WriteCloser that spreads writes over a set of
// size-capped files, deleting the oldest files once more than the maximum
// count exist.
type RotatingFileWriter struct {
	mu      sync.Mutex
	cfg     rotatingFileWriterConfig
	current *os.File
	written int64
}

func NewRotatingFileWriter(options ...RotatingFileWriterOption) (*RotatingFileWriter, error) {
	cfg := rotatingFileWriterConfig{
		prefix:        defaultLogNamePrefix,
		fileSizeMaxKb: defaultFileSizeMaxKb,
		fileCountMax:  defaultFileCountMax,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	if strings.TrimSpace(cfg.prefix) == "" {
		cfg.prefix = defaultLogNamePrefix
	}
	if cfg.fileSizeMaxKb <= 0 {
		cfg.fileSizeMaxKb = defaultFileSizeMaxKb
	}
	if cfg.fileCountMax <= 0 {
		cfg.fileCountMax = defaultFileCountMax
	}
	if strings.TrimSpace(cfg.folder) == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine trace folder: %w", err)
		}
		cfg.folder = filepath.Join(dir, "cube-adbc", "traces")
	}
	if err := os.MkdirAll(cfg.folder, 0o755); err != nil {
		return nil, err
	}

	return &RotatingFileWriter{cfg: cfg}, nil
}

func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil || w.written >= w.cfg.fileSizeMaxKb*1024 {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.current.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return nil
	}
	err := w.current.Close()
	w.current = nil
	return err
}

// FileName is the path of the file currently written to, if any.
func (w *RotatingFileWriter) FileName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.Name()
}

func (w *RotatingFileWriter) rotate() error {
	if w.current != nil {
		if err := w.current.Close(); err != nil {
			return err
		}
		w.current = nil
	}

	name := fmt.Sprintf("%s-%s%s", w.cfg.prefix, time.Now().UTC().Format("2006-01-02-15-04-05.000000000"), traceFileExt)
	f, err := os.OpenFile(filepath.Join(w.cfg.folder, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.current = f
	w.written = 0
	return w.prune()
}

func (w *RotatingFileWriter) prune() error {
	matches, err := filepath.Glob(filepath.Join(w.cfg.folder, w.cfg.prefix+"-*"+traceFileExt))
	if err != nil {
		return err
	}
	if len(matches) <= w.cfg.fileCountMax {
		return nil
	}

	// names embed a sortable timestamp
	slices.Sort(matches)
	for _, old := range matches[:len(matches)-w.cfg.fileCountMax] {
		if old == w.current.Name() {
			continue
		}
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
