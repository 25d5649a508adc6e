package config

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleet/pkg/types"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Server.MaxReboots)
	assert.Equal(t, time.Duration(0), cfg.Server.RestartCooldown)
	assert.Equal(t, 4, cfg.ML.MaxWorkers)
	assert.True(t, cfg.Role(types.RoleWeb).KillOnFail)
	assert.True(t, cfg.Role(types.RoleWeb).Autostart)
	assert.False(t, cfg.Role(types.RoleNLU).KillOnFail)
	assert.Equal(t, 30*time.Second, cfg.Role(types.RoleStudio).StartTimeout)

	sigs, err := cfg.Server.Signals()
	require.NoError(t, err)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGINT}, sigs)
}

func TestLoadMergesRoleDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  max_reboots: 5
  restart_cooldown: 2s
roles:
  nlu:
    command: ["./bin/nlu", "--fast"]
    await_register: true
  web:
    command: ["./bin/web"]
ml:
  mode: process
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Server.MaxReboots)
	assert.Equal(t, 2*time.Second, cfg.Server.RestartCooldown)
	assert.Equal(t, 10*time.Second, cfg.Server.StopGrace, "untouched fields keep defaults")

	nlu := cfg.Role(types.RoleNLU)
	assert.Equal(t, []string{"./bin/nlu", "--fast"}, nlu.Command)
	assert.True(t, nlu.AwaitRegister)
	assert.Equal(t, 30*time.Second, nlu.StartTimeout)

	web := cfg.Role(types.RoleWeb)
	assert.True(t, web.KillOnFail, "role defaults survive partial role blocks")
	assert.True(t, web.Autostart)

	assert.Equal(t, ModeProcess, cfg.ML.Mode)
	assert.Equal(t, 4, cfg.ML.MaxWorkers)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative reboots", "server: {max_reboots: -1}", "max_reboots"},
		{"unknown signal", "server: {deliberate_signals: [SIGWAT]}", "SIGWAT"},
		{"unknown role", "roles: {chat: {command: [x]}}", "unknown role"},
		{"bad port", "roles: {nlu: {port: 70000}}", "port out of range"},
		{"zero workers", "ml: {max_workers: 0}", "max_workers"},
		{"bad mode", "ml: {mode: fiber}", "ml.mode"},
		{"bad level", "log: {level: loud}", "log.level"},
		{"bad format", "log: {format: xml}", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Roles[types.RoleNLU] = RoleConfig{Command: []string{"nlu"}, StartTimeout: time.Second, Env: map[string]string{"A": "1"}}

	data, err := cfg.Marshal()
	require.NoError(t, err)

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
