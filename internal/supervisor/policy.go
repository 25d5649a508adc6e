package supervisor

import (
	"fmt"
	"syscall"

	"github.com/ChuLiYu/fleet/pkg/types"
)

// ExitEvent describes one observed process exit.
type ExitEvent struct {
	Key             types.ProcessKey
	Code            int            // -1 when terminated by a signal
	Signal          syscall.Signal // 0 when the process exited on its own
	CleanDisconnect bool           // the supervisor asked the process to stop
	KillOnFail      bool
}

func (e ExitEvent) String() string {
	if e.Signal != 0 {
		return fmt.Sprintf("%s exited on %s", e.Key, e.Signal)
	}
	return fmt.Sprintf("%s exited with code %d", e.Key, e.Code)
}

// Action is what the supervisor does after an exit.
type Action int

const (
	ActionStop      Action = iota // role stays down, counter reset
	ActionShutdown                // whole server stops cleanly
	ActionRestart                 // respawn with the captured parameters
	ActionGiveUp                  // role stays down, counter kept
	ActionTerminate               // whole server stops with a fatal error
)

func (a Action) String() string {
	switch a {
	case ActionStop:
		return "stop"
	case ActionShutdown:
		return "shutdown"
	case ActionRestart:
		return "restart"
	case ActionGiveUp:
		return "give-up"
	case ActionTerminate:
		return "terminate"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Policy is the bounded restart policy.
type Policy struct {
	MaxReboots        int
	DeliberateSignals []syscall.Signal
}

// DefaultPolicy restarts a role at most twice in a row.
func DefaultPolicy() Policy {
	return Policy{
		MaxReboots:        2,
		DeliberateSignals: []syscall.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

// Clean reports whether ev is a clean exit: requested by the supervisor,
// code 0, or a deliberate signal.
func (p Policy) Clean(ev ExitEvent) bool {
	if ev.CleanDisconnect || (ev.Signal == 0 && ev.Code == 0) {
		return true
	}
	return p.deliberate(ev.Signal)
}

// Decide maps an exit and the current reboot count to an action.
func (p Policy) Decide(ev ExitEvent, rebootCount int) Action {
	switch {
	case ev.CleanDisconnect:
		return ActionStop
	case ev.Signal == 0 && ev.Code == 0 && ev.Key.Role == types.RoleWeb:
		return ActionShutdown
	case ev.Signal == 0 && ev.Code == 0, p.deliberate(ev.Signal):
		return ActionStop
	case rebootCount >= p.MaxReboots:
		if ev.KillOnFail {
			return ActionTerminate
		}
		return ActionGiveUp
	default:
		return ActionRestart
	}
}

func (p Policy) deliberate(sig syscall.Signal) bool {
	if sig == 0 {
		return false
	}
	for _, s := range p.DeliberateSignals {
		if s == sig {
			return true
		}
	}
	return false
}
