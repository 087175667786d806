// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/qimessaging/internal/config"
)

func TestInitLevelAndFile(t *testing.T) {
	defer logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	defer logrus.SetLevel(logrus.InfoLevel)

	path := filepath.Join(t.TempDir(), "qi.log")
	hook, err := Init(config.LoggingConfig{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	require.NotNil(t, hook)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	logrus.WithField("category", "test").Debug("hello file")
	require.NoError(t, hook.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello file"`)
	assert.Contains(t, string(data), `"category":"test"`)
}

func TestInitRejectsBadSettings(t *testing.T) {
	_, err := Init(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = Init(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}
