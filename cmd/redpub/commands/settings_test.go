package commands

import (
	"bytes"
	"os"
	"path/filepath"
	. "testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.maxChannels", 100)
	v.SetDefault("log.level", "warn")
	return v
}

func TestSettingsFrom(t *T) {
	s, err := settingsFrom(testViper())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", s.Redis.Host)
	assert.Equal(t, 6379, s.Redis.Port)
	assert.Equal(t, defaultConnectTimeout, s.Redis.ConnectTimeout)
	assert.Equal(t, 100, s.Redis.MaxChannels)
	// only the connect timeout
	assert.Len(t, s.dialOpts(), 1)

	v := testViper()
	v.Set("redis.password", "hunter2")
	v.Set("redis.db", 3)
	v.Set("redis.tls", true)
	s, err = settingsFrom(v)
	require.NoError(t, err)
	assert.Len(t, s.dialOpts(), 4)
}

func TestSettingsFromInvalid(t *T) {
	for _, set := range []map[string]interface{}{
		{"redis.host": ""},
		{"redis.port": 0},
		{"redis.port": 70000},
		{"redis.db": -1},
	} {
		v := testViper()
		for k, val := range set {
			v.Set(k, val)
		}
		_, err := settingsFrom(v)
		assert.Error(t, err, "%v", set)
	}
}

func TestSettingsFromConfigFile(t *T) {
	dir := t.TempDir()
	conf := []byte("redis:\n  host: redis.internal\n  port: 6380\n  connectTimeout: 2s\n  persistent: true\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "redpub.yaml"), conf, 0600))

	v := testViper()
	v.AddConfigPath(dir)
	v.SetConfigName("redpub")
	require.NoError(t, v.ReadInConfig())

	s, err := settingsFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal", s.Redis.Host)
	assert.Equal(t, 6380, s.Redis.Port)
	assert.Equal(t, 2*time.Second, s.Redis.ConnectTimeout)
	assert.True(t, s.Redis.Persistent)
}

func TestWriteSettings(t *T) {
	v := testViper()
	v.Set("redis.password", "hunter2")
	s, err := settingsFrom(v)
	require.NoError(t, err)

	buf := new(bytes.Buffer)
	require.NoError(t, writeSettings(buf, s))
	assert.NotContains(t, buf.String(), "hunter2")

	var out map[string]map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "127.0.0.1", out["redis"]["host"])
	assert.Equal(t, "********", out["redis"]["password"])
	assert.Equal(t, "5s", out["redis"]["connectTimeout"])
	assert.Equal(t, "warn", out["log"]["level"])
}

func TestLoadDotEnv(t *T) {
	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REDPUB_TEST_DOTENV=loaded\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("REDPUB_TEST_DOTENV") })
	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("REDPUB_TEST_DOTENV"))
}
