package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("WAGATEWAY_HOME", home)
	t.Setenv("WAGATEWAY_CONFIG", "")
	t.Setenv("WAGATEWAY_ENV_FILE", filepath.Join(home, "missing.env"))
	t.Setenv("HOME", home)
	return home
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:3001", cfg.Gateway.Addr())
	assert.Equal(t, 5*time.Second, cfg.Sessions.ReconnectDelay)
	assert.Equal(t, 2*time.Second, cfg.Sessions.ResetDelay)
	assert.False(t, cfg.Kafka.Enabled())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"port":      func(c *Config) { c.Gateway.Port = 70000 },
		"header":    func(c *Config) { c.Gateway.SecretHeader = " " },
		"webhook":   func(c *Config) { c.Webhook.URL = "ftp://ai.example" },
		"backend":   func(c *Config) { c.Credentials.Backend = "firestore" },
		"dsn":       func(c *Config) { c.Credentials.Backend = BackendPostgres; c.Credentials.DSN = "" },
		"reconnect": func(c *Config) { c.Sessions.ReconnectDelay = 0 },
		"workdir":   func(c *Config) { c.Sessions.WorkDir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateMemoryBackendNeedsNoDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credentials.Backend = BackendMemory
	cfg.Credentials.DSN = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadDefaultsExpandHome(t *testing.T) {
	home := isolateHome(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".wagateway", "sessions"), cfg.Sessions.WorkDir)
	assert.Equal(t, filepath.Join(home, ".wagateway", "credentials.db"), cfg.Credentials.DSN)
	assert.Equal(t, filepath.Join(home, ".wagateway", "timeline.db"), cfg.Timeline.Path)
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{
		"gateway": {"port": 4000, "sharedSecret": "from-file"},
		"webhook": {"url": "https://ai.example/hook"}
	}`), 0o600))

	t.Setenv("WAGATEWAY_GATEWAY_SECRET", "from-env")
	t.Setenv("WAGATEWAY_SESSIONS_RECONNECT_DELAY", "9s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Gateway.Port)
	assert.Equal(t, "from-env", cfg.Gateway.SharedSecret)
	assert.Equal(t, "https://ai.example/hook", cfg.Webhook.URL)
	assert.Equal(t, 9*time.Second, cfg.Sessions.ReconnectDelay)
}

func TestLoadIncludeAndEnvSubstitution(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credentials.json"), []byte(`{
		"credentials": {"backend": "Postgres", "dsn": "${TEST_PG_DSN}"}
	}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{
		"$include": "credentials.json",
		"log": {"format": "JSON"}
	}`), 0o600))
	t.Setenv("TEST_PG_DSN", "postgres://gw@localhost/gw")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Credentials.Backend)
	assert.Equal(t, "postgres://gw@localhost/gw", cfg.Credentials.DSN)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadIncludeCycle(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"$include": "config.json"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{"$include": "a.json"}`), 0o600))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestExpandEnvRefsFallback(t *testing.T) {
	t.Setenv("WAGATEWAY_TEST_SET", "value")
	t.Setenv("WAGATEWAY_TEST_EMPTY", "")
	doc := map[string]any{
		"set":      "${WAGATEWAY_TEST_SET:-other}",
		"empty":    "${WAGATEWAY_TEST_EMPTY:-fallback}",
		"missing":  "${WAGATEWAY_TEST_MISSING}",
		"defaults": []any{"${WAGATEWAY_TEST_MISSING:-}", "x-${WAGATEWAY_TEST_SET}"},
	}
	got := expandEnvRefs(doc).(map[string]any)
	assert.Equal(t, "value", got["set"])
	assert.Equal(t, "fallback", got["empty"])
	assert.Equal(t, "${WAGATEWAY_TEST_MISSING}", got["missing"])
	assert.Equal(t, []any{"", "x-value"}, got["defaults"])
}

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		line, key, val string
		ok             bool
	}{
		{"A=1", "A", "1", true},
		{"export B = 'two words'", "B", "two words", true},
		{`C="x=y"`, "C", "x=y", true},
		{`D="unbalanced'`, "D", `"unbalanced'`, true},
		{"# comment", "", "", false},
		{"=nokey", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		key, val, ok := parseEnvLine(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		assert.Equal(t, tc.key, key, tc.line)
		assert.Equal(t, tc.val, val, tc.line)
	}
}

func TestLoadEnvFileCandidates(t *testing.T) {
	home := isolateHome(t)
	envPath := filepath.Join(home, "gateway.env")
	require.NoError(t, os.WriteFile(envPath, []byte("# comment\nexport WAGATEWAY_WEBHOOK_TOKEN=\"tok-1\"\n"), 0o600))
	t.Setenv("WAGATEWAY_ENV_FILE", envPath)
	t.Setenv("WAGATEWAY_WEBHOOK_TOKEN", "")
	os.Unsetenv("WAGATEWAY_WEBHOOK_TOKEN")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cfg.Webhook.Token)
}

func TestLoadDurationStrings(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{
		"webhook": {"timeout": "45s"},
		"sessions": {"reconnectDelay": "9s", "resetDelay": 1500000000, "credentialFlushInterval": "${TEST_FLUSH:-1m}"},
		"timeline": {"retention": "72h"}
	}`), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 9*time.Second, cfg.Sessions.ReconnectDelay)
	assert.Equal(t, 1500*time.Millisecond, cfg.Sessions.ResetDelay, "integer nanoseconds still accepted")
	assert.Equal(t, time.Minute, cfg.Sessions.CredentialFlushInterval)
	assert.Equal(t, 72*time.Hour, cfg.Timeline.Retention)
}

func TestLoadRejectsBadDurationString(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{"sessions": {"reconnectDelay": "soon"}}`), 0o600))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessions.reconnectDelay")
}
