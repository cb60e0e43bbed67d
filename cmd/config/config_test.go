package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/errors"
)

func secretSettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings, err := conf.Defaults()
	require.NoError(t, err)
	settings.History.MySQL.Password = "hunter2"
	settings.MQTT.Password = "broker-secret"
	settings.Sentry.DSN = "https://key@sentry.example/1"
	return settings
}

func TestShowRedactsSecrets(t *testing.T) {
	settings := secretSettings(t)

	var out bytes.Buffer
	require.NoError(t, Show(settings, &out))

	s := out.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "broker-secret")
	assert.NotContains(t, s, "sentry.example")
	assert.Contains(t, s, redacted)

	// the caller's settings are untouched
	assert.Equal(t, "hunter2", settings.History.MySQL.Password)
}

func TestRedactKeepsEmptyValues(t *testing.T) {
	settings, err := conf.Defaults()
	require.NoError(t, err)
	settings.MQTT.Password = ""

	assert.Empty(t, Redact(settings).MQTT.Password)
}

func TestShowRequiresSettings(t *testing.T) {
	err := Show(nil, &bytes.Buffer{})
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestSave(t *testing.T) {
	settings := secretSettings(t)
	settings.WebServer.Port = 8088
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, Save(settings, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var saved conf.Settings
	require.NoError(t, yaml.Unmarshal(data, &saved))
	assert.Equal(t, 8088, saved.WebServer.Port)
	assert.Equal(t, "hunter2", saved.History.MySQL.Password, "saved files keep real credentials")
}

func TestSaveRequiresPath(t *testing.T) {
	settings, err := conf.Defaults()
	require.NoError(t, err)

	err = Save(settings, "")
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestSaveUnwritableDirectory(t *testing.T) {
	settings, err := conf.Defaults()
	require.NoError(t, err)

	err = Save(settings, filepath.Join(t.TempDir(), "missing", "config.yaml"))
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}
