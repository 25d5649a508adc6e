package supervisor

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/ChuLiYu/fleet/pkg/types"
)

var (
	// ErrRoleUnavailable is returned when a role process could not be started
	// or never produced a port.
	ErrRoleUnavailable = errors.New("role unavailable")
	// ErrServerShutdown is the outcome of a clean exit of the web role.
	ErrServerShutdown = errors.New("server shut down")
	// ErrSupervisorStopped is returned by operations issued after shutdown began.
	ErrSupervisorStopped = errors.New("supervisor stopped")
	// ErrUnknownRole is returned for role names outside the known set.
	ErrUnknownRole = errors.New("unknown role")
	// ErrRoleBusy is returned when starting a role that is starting or stopping.
	ErrRoleBusy = errors.New("role is starting or stopping")
	// ErrNotRegistered is returned when stopping a role that was never started.
	ErrNotRegistered = errors.New("role not registered")
)

// FatalError terminates the server after a role exhausted its restarts.
type FatalError struct {
	Key     types.ProcessKey
	Code    int
	Signal  syscall.Signal
	Reboots int
}

func (e *FatalError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("role %s failed after %d restarts (signal %s)", e.Key, e.Reboots, e.Signal)
	}
	return fmt.Sprintf("role %s failed after %d restarts (exit code %d)", e.Key, e.Reboots, e.Code)
}
