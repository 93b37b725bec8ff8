package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PULLGATE_LISTEN", ":9000")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, ":18082", cfg.AdminListen)
	assert.Equal(t, "apis.yaml", cfg.APIs)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 60*time.Second, cfg.SubscriptionIdle)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "memory", cfg.OffsetStore)
}

func TestLoadConfigRejectsUnknownStore(t *testing.T) {
	t.Setenv("PULLGATE_OFFSET_STORE", "etcd")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "unsupported store")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(Config{LogLevel: "debug", LogFormat: "json"}, &buf)
	require.NoError(t, err)
	log.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = newLogger(Config{LogLevel: "loud"}, &buf)
	assert.Error(t, err)
	_, err = newLogger(Config{LogLevel: "info", LogFormat: "xml"}, &buf)
	assert.Error(t, err)
}

func TestSchemaCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"schema"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "contextPath")
}
