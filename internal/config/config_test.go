package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.applyDataDir()
	cfg.Gateway.SharedSecret = "test-secret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.Orchestrator.MaxSteps)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.PlannerTimeout())
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.ToolTimeout())
	assert.Equal(t, time.Hour, cfg.Orchestrator.ApprovalTTL())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Planner.Profiles)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero max steps",
			mutate:  func(c *Config) { c.Orchestrator.MaxSteps = 0 },
			wantErr: "max_steps",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "chatty" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad cron spec",
			mutate:  func(c *Config) { c.Orchestrator.ApprovalSweep = "every now and then" },
			wantErr: "invalid cron spec",
		},
		{
			name:    "gateway without secret",
			mutate:  func(c *Config) { c.Gateway.SharedSecret = "" },
			wantErr: "shared_secret",
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "postgres" },
			wantErr: "invalid store driver",
		},
		{
			name: "profile with unknown provider",
			mutate: func(c *Config) {
				c.Planner.Profiles = []PlannerProfile{{ID: "p1", Provider: "gemini", APIKey: "k", Model: "m"}}
			},
			wantErr: "invalid provider",
		},
		{
			name: "profile with malformed anthropic key",
			mutate: func(c *Config) {
				c.Planner.Profiles = []PlannerProfile{{ID: "p1", Provider: "anthropic", APIKey: "abc", Model: "claude"}}
			},
			wantErr: "sk-ant-",
		},
		{
			name: "duplicate profile ids",
			mutate: func(c *Config) {
				p := PlannerProfile{ID: "p1", Provider: "openai", APIKey: "sk-test", Model: "gpt-4o"}
				c.Planner.Profiles = []PlannerProfile{p, p}
			},
			wantErr: "duplicate id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := validConfig(t)
	cfg.Planner.Profiles = []PlannerProfile{{ID: "p1", Provider: "openai", APIKey: "sk-supersecret", Model: "gpt-4o"}}

	out := cfg.String()
	assert.NotContains(t, out, "sk-supersecret")
	assert.NotContains(t, out, "test-secret")
	assert.Equal(t, "sk-supersecret", cfg.Planner.Profiles[0].APIKey)
}

func TestLoaderLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewLoader(filepath.Join(dir, "runloop.json")).Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "runloop.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(dir, "workspace"), cfg.Tools.WorkspaceDir)
	assert.Equal(t, filepath.Join(dir, "artifacts"), cfg.Tools.ArtifactDir)
}

func TestLoaderLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runloop.json")
	content := `{
  "orchestrator": {"max_steps": 4},
  "planner": {"profiles": [{"id": "main", "provider": "openai", "api_key": "sk-abc", "model": "gpt-4o"}]},
  "gateway": {"port": 9090}
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("RUNLOOP_GATEWAY_SHARED_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Orchestrator.MaxSteps)
	assert.Equal(t, 30000, cfg.Orchestrator.ToolTimeoutMs, "unset keys keep defaults")
	assert.Equal(t, 9090, cfg.Gateway.Port)
	assert.Equal(t, "from-env", cfg.Gateway.SharedSecret)
	require.Len(t, cfg.Planner.Profiles, 1)
	assert.Equal(t, "gpt-4o", cfg.Planner.Profiles[0].Model)
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runloop.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Orchestrator.MaxSteps = 7
	cfg.Gateway.SharedSecret = "s3cret"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Orchestrator.MaxSteps)
	assert.Equal(t, "s3cret", loaded.Gateway.SharedSecret)
	assert.Equal(t, path, loader.GetConfigPath())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runloop.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"shared_secret": "x"}}`), 0644))

	changes := make(chan *Config, 1)
	w, err := Watch(path, zerolog.Nop(), func(cfg *Config) {
		select {
		case changes <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"shared_secret": "x"}, "orchestrator": {"max_steps": 3}}`), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, 3, cfg.Orchestrator.MaxSteps)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatchRequiresCallback(t *testing.T) {
	_, err := Watch(filepath.Join(t.TempDir(), "runloop.json"), zerolog.Nop(), nil)
	assert.Error(t, err)
}
