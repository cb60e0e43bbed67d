package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/xrayscan/internal/errors"
)

func TestExpandString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		env     map[string]string
		want    string
		wantErr string
	}{
		{name: "empty", input: "", want: ""},
		{name: "literal", input: "hunter2", want: "hunter2"},
		{name: "bare dollar is literal", input: "pa$$word$X", want: "pa$$word$X"},
		{name: "reference", input: "${XS_TOKEN}", env: map[string]string{"XS_TOKEN": "s3cret"}, want: "s3cret"},
		{name: "embedded references", input: "${XS_USER}:${XS_PASS}", env: map[string]string{"XS_USER": "admin", "XS_PASS": "pw"}, want: "admin:pw"},
		{name: "fallback unused", input: "${XS_TOKEN:-dflt}", env: map[string]string{"XS_TOKEN": "real"}, want: "real"},
		{name: "fallback used", input: "${XS_TOKEN:-dflt}", want: "dflt"},
		{name: "empty fallback", input: "${XS_TOKEN:-}", want: ""},
		{name: "missing", input: "${XS_A}-${XS_B}", wantErr: "XS_A, XS_B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"XS_TOKEN", "XS_USER", "XS_PASS", "XS_A", "XS_B"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := ExpandString(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string, mode os.FileMode) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), mode))
		return path
	}

	t.Run("trims trailing newlines", func(t *testing.T) {
		got, err := ReadFile(write("pw", " spaced secret \r\n\n", 0o600))
		require.NoError(t, err)
		assert.Equal(t, " spaced secret ", got)
	})

	t.Run("permissive mode is accepted", func(t *testing.T) {
		got, err := ReadFile(write("open", "value", 0o644))
		require.NoError(t, err)
		assert.Equal(t, "value", got)
	})

	failures := map[string]string{
		"empty path": "",
		"missing":    filepath.Join(dir, "absent"),
		"directory":  dir,
		"empty file": write("blank", "\n", 0o600),
		"too large":  write("big", string(make([]byte, maxSecretFileSize+1)), 0o600),
	}
	for name, path := range failures {
		t.Run(name, func(t *testing.T) {
			_, err := ReadFile(path)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
		})
	}
}

func TestResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqtt_password")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	t.Setenv("XS_MQTT_PASSWORD", "from-env")

	got, err := Resolve(path, "${XS_MQTT_PASSWORD}")
	require.NoError(t, err)
	assert.Equal(t, "from-file", got, "file wins over value")

	got, err = Resolve("", "${XS_MQTT_PASSWORD}")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	got, err = Resolve("", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Resolve(filepath.Join(t.TempDir(), "absent"), "fallback")
	assert.Error(t, err)
}
