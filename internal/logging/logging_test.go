package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_FileJSON(t *testing.T) {
	logger := logrus.New()
	path := filepath.Join(t.TempDir(), "logs", "trojan.log")

	rotator, err := Configure(logger, Options{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	require.NotNil(t, rotator, "file output needs a rotator")
	defer rotator.Close()

	assert.Equal(t, defaultMaxSizeMB, rotator.MaxSize)
	assert.Equal(t, defaultMaxBackups, rotator.MaxBackups)
	assert.Equal(t, defaultMaxAgeDays, rotator.MaxAge)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("session", "abc").Debug("relay finished")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry), "log line is not JSON")
	assert.Equal(t, "abc", entry["session"])
	assert.Equal(t, "relay finished", entry["msg"])
}

func TestConfigure_Stderr(t *testing.T) {
	logger := logrus.New()
	rotator, err := Configure(logger, Options{})
	require.NoError(t, err)
	assert.Nil(t, rotator)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestConfigure_Invalid(t *testing.T) {
	_, err := Configure(logrus.New(), Options{Level: "loud"})
	assert.Error(t, err)

	_, err = Configure(logrus.New(), Options{Format: "xml"})
	assert.Error(t, err)
}
