package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DM_CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, BackendMemory, cfg.Backend.Kind)
	assert.NotEmpty(t, cfg.Backend.Actor)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, 3*time.Second, cfg.Compose.ErrorTTL)
	assert.True(t, cfg.Compose.Rollback)
	assert.Equal(t, 30*time.Second, cfg.Realtime.Heartbeat)
	assert.Equal(t, uint32(5), cfg.Backend.Breaker.MaxFailures)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DM_CONFIG_FILE", "")
	t.Setenv("DM_BACKEND_KIND", "supabase")
	t.Setenv("DM_BACKEND_URL", "https://abc.example.co")
	t.Setenv("DM_BACKEND_ANON_KEY", "anon")
	t.Setenv("DM_SYNC_DROP_DELETED", "true")
	t.Setenv("DM_COMPOSE_ERROR_TTL", "5s")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendSupabase, cfg.Backend.Kind)
	assert.Equal(t, "anon", cfg.Backend.AnonKey)
	assert.True(t, cfg.Sync.DropDeleted)
	assert.Equal(t, 5*time.Second, cfg.Compose.ErrorTTL)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dm.yaml")
	body := "server:\n  addr: \"127.0.0.1:7000\"\nsync:\n  page_size: 20\ncompose:\n  rate_per_minute: 30\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("PORT", "")
	t.Setenv("DM_CONFIG_FILE", path)
	t.Setenv("DM_SYNC_PAGE_SIZE", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, 25, cfg.Sync.PageSize)
	assert.Equal(t, 30.0, cfg.Compose.RatePerMinute)
}

func TestExplicitAddrBeatsPort(t *testing.T) {
	t.Setenv("DM_CONFIG_FILE", "")
	t.Setenv("DM_SERVER_ADDR", ":7777")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
}

func TestAddrFromPort(t *testing.T) {
	cases := []struct {
		port    string
		want    string
		wantErr bool
	}{
		{port: "", want: ":8080"},
		{port: "3000", want: ":3000"},
		{port: "127.0.0.1:3000", want: "127.0.0.1:3000"},
		{port: "30 00", wantErr: true},
	}
	for _, tc := range cases {
		t.Setenv("PORT", tc.port)
		got, err := addrFromPort(":8080")
		if tc.wantErr {
			assert.Error(t, err, tc.port)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestValidate(t *testing.T) {
	base := Config{Backend: BackendConfig{Kind: BackendSupabase}, Sync: SyncConfig{PageSize: 10}}
	assert.Error(t, base.Validate())

	base.Backend.URL = "https://x.example"
	base.Backend.AnonKey = "anon"
	assert.NoError(t, base.Validate())

	base.Backend.Kind = "sqlite"
	assert.Error(t, base.Validate())

	mem := Config{Backend: BackendConfig{Kind: BackendMemory, Actor: "a"}, Sync: SyncConfig{PageSize: 0}}
	assert.Error(t, mem.Validate())
}
