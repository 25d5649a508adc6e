package supervisor

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleet/internal/config"
	"github.com/ChuLiYu/fleet/pkg/types"
)

func shellLauncher(t *testing.T, role types.Role, script string, mutate func(*config.RoleConfig)) *ProcessLauncher {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	rc := config.DefaultRole(role)
	rc.Command = []string{"/bin/sh", "-c", script}
	rc.StartTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&rc)
	}
	return NewProcessLauncher(map[types.Role]config.RoleConfig{role: rc}, nil)
}

func TestProcessLauncherExitCode(t *testing.T) {
	l := shellLauncher(t, types.RoleNLU, `test -n "$NLU_PORT" && test "$ROLE" = nlu && exit 3`, nil)

	p, err := l.Launch(context.Background(), LaunchRequest{
		Key: types.KeyOf(types.RoleNLU),
		Env: map[string]string{"ROLE": "nlu"},
	})
	require.NoError(t, err)
	assert.Positive(t, p.Port())
	assert.Positive(t, p.PID())

	assert.Equal(t, ExitStatus{Code: 3}, p.Wait())
	select {
	case <-p.Handle().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle not closed after exit")
	}
}

func TestProcessLauncherFixedPort(t *testing.T) {
	l := shellLauncher(t, types.RoleStudio, `test "$STUDIO_PORT" = 4111`, func(rc *config.RoleConfig) { rc.Port = 4111 })

	p, err := l.Launch(context.Background(), LaunchRequest{Key: types.KeyOf(types.RoleStudio)})
	require.NoError(t, err)
	assert.Equal(t, 4111, p.Port())
	assert.Equal(t, ExitStatus{Code: 0}, p.Wait())
}

func TestProcessLauncherSignal(t *testing.T) {
	l := shellLauncher(t, types.RoleMessaging, `exec sleep 30`, nil)

	p, err := l.Launch(context.Background(), LaunchRequest{Key: types.KeyOf(types.RoleMessaging)})
	require.NoError(t, err)
	require.NoError(t, p.Signal(syscall.SIGTERM))
	assert.Equal(t, ExitStatus{Code: -1, Signal: syscall.SIGTERM}, p.Wait())
	assert.ErrorIs(t, p.Signal(syscall.SIGTERM), os.ErrProcessDone)
}

func TestProcessLauncherAwaitRegisterFails(t *testing.T) {
	l := shellLauncher(t, types.RoleNLU, `exit 0`, func(rc *config.RoleConfig) { rc.AwaitRegister = true })

	_, err := l.Launch(context.Background(), LaunchRequest{Key: types.KeyOf(types.RoleNLU)})
	assert.Error(t, err)
}

func TestProcessLauncherNoCommand(t *testing.T) {
	l := NewProcessLauncher(map[types.Role]config.RoleConfig{}, nil)
	_, err := l.Launch(context.Background(), LaunchRequest{Key: types.KeyOf(types.RoleNLU)})
	assert.ErrorIs(t, err, ErrNoCommand)
}
