package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "fazt.local", cfg.Domain)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.False(t, cfg.Verbose)
	assert.Equal(t, ".", cfg.DataDir)
	assert.Equal(t, 16, cfg.JSRuntime.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.JSRuntime.HandlerTimeout.Duration)
	assert.Equal(t, 256, cfg.WriteQueue.Capacity)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Shutdown.Duration)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.ReadHeader.Duration)
	assert.Equal(t, "admin", cfg.Admin.Subdomain)
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", input: `"5s"`, want: 5 * time.Second},
		{name: "minutes", input: `"1m"`, want: time.Minute},
		{name: "compound", input: `"2m30s"`, want: 2*time.Minute + 30*time.Second},
		{name: "milliseconds", input: `"500ms"`, want: 500 * time.Millisecond},
		{name: "invalid", input: `"bogus"`, wantErr: true},
		{name: "number", input: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := yaml.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration)
		})
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	d := Duration{5 * time.Second}
	out, err := yaml.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, "5s\n", string(out))
}

func TestLoad_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "test.yml")
	content := `
listen: ":9090"
domain: "example.com"
verbose: true
data_dir: "/tmp/data"
timeouts:
  shutdown: "10s"
  read_header: "5s"
admin:
  subdomain: "mgmt"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	cfg, loadedPath, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfgPath, loadedPath)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "example.com", cfg.Domain)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "/tmp/data", cfg.DataDir)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Shutdown.Duration)
	assert.Equal(t, "mgmt", cfg.Admin.Subdomain)
	// Defaults not present in the file remain.
	assert.Equal(t, 16, cfg.JSRuntime.PoolSize)
}

func TestLoad_NoFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	defer func() { _ = os.Chdir(wd) }()
	require.NoError(t, os.Chdir(dir))

	cfg, path, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, Default(), cfg)
}

func TestMerge(t *testing.T) {
	cfg := Default()
	addr := ":1234"
	verbose := true
	cfg.Merge(CLIOverrides{Addr: &addr, Verbose: &verbose})
	assert.Equal(t, ":1234", cfg.Listen)
	assert.True(t, cfg.Verbose)
	// Unset fields remain defaults.
	assert.Equal(t, "fazt.local", cfg.Domain)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.Listen = "not-an-address"
	bad.Domain = ""
	bad.JSRuntime.PoolSize = 0
	bad.Admin.Username = "root"
	bad.Admin.Subdomain = "admin.example.com"
	err := bad.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "listen:")
	assert.Contains(t, msg, "domain:")
	assert.Contains(t, msg, "js_runtime.pool_size:")
	assert.Contains(t, msg, "admin:")
	assert.Contains(t, msg, "admin.subdomain:")
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Admin.Username = "root"
	cfg.Admin.PasswordHash = "$2a$10$abcdefghijklmnopqrstuv"

	r := cfg.Redacted()
	assert.Equal(t, "***", r.Admin.PasswordHash)
	// Original is untouched.
	assert.NotEqual(t, "***", cfg.Admin.PasswordHash)
}

func TestDump(t *testing.T) {
	cfg := Default()
	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(out), "listen:")
}
