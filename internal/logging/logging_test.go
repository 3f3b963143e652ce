package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lora-trainer/internal/config"
)

func TestConfigureJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := configure(log.New(), config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.WithField("component", "trainer").Debug("uploading")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "uploading", entry["msg"])
	assert.Equal(t, "trainer", entry["component"])
	assert.Equal(t, log.DebugLevel, logger.GetLevel())
}

func TestConfigureUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := configure(log.New(), config.LoggingConfig{Level: "loud"}, &buf)

	assert.Equal(t, log.InfoLevel, logger.GetLevel())
	assert.Contains(t, buf.String(), "unknown log level")
}

func TestRetryLoggerLogsAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := configure(log.New(), config.LoggingConfig{Level: "info"}, &buf)

	RetryLogger{Entry: log.NewEntry(logger)}.Printf("[DEBUG] %s %s", "GET", "http://x")
	assert.Empty(t, buf.String())

	logger.SetLevel(log.DebugLevel)
	RetryLogger{Entry: log.NewEntry(logger)}.Printf("[DEBUG] %s %s", "GET", "http://x")
	assert.Contains(t, buf.String(), "GET http://x")
}
