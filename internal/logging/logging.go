// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/internal/config"
)

// FileHook copies every entry to a file, without colors.
type FileHook struct {
	mu        sync.Mutex
	file      *os.File
	formatter logrus.Formatter
}

func (h *FileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *FileHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}

// Close stops writing to the file.
func (h *FileHook) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

func formatter(format string, colors bool) (logrus.Formatter, error) {
	switch format {
	case "", "text":
		return &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.DateTime,
			DisableColors:   !colors,
		}, nil
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}, nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// Init applies cfg to the standard logger. The returned hook is nil unless
// a log file was configured; close it on shutdown.
func Init(cfg config.LoggingConfig) (*FileHook, error) {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		l, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	f, err := formatter(cfg.Format, true)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(f)

	if cfg.File == "" {
		return nil, nil
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	ff, _ := formatter(cfg.Format, false)
	hook := &FileHook{file: file, formatter: ff}
	logrus.AddHook(hook)
	return hook, nil
}
