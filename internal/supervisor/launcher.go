package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/internal/config"
	"github.com/ChuLiYu/fleet/pkg/types"
)

// LaunchRequest is everything a launcher needs to start one role process.
type LaunchRequest struct {
	Key    types.ProcessKey
	Params map[string]string
	Env    map[string]string // supervisor-provided variables, see roleEnv
}

// ExitStatus is how a process ended.
type ExitStatus struct {
	Code   int
	Signal syscall.Signal
}

// Process is a started role process.
type Process interface {
	Handle() bus.Handle
	PID() int // 0 when not an OS process
	Port() int
	Signal(sig os.Signal) error
	// Wait blocks until the process exits.
	Wait() ExitStatus
}

// Launcher starts role processes. Launch may block until the process
// produces its port.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, req LaunchRequest) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, req LaunchRequest) (Process, error) {
	return f(ctx, req)
}

// ErrNoCommand is returned when a role has no configured command.
var ErrNoCommand = errors.New("no command configured")

// ProcessLauncher runs each role as an OS process connected over inherited pipes.
type ProcessLauncher struct {
	Roles map[types.Role]config.RoleConfig
	Log   *slog.Logger
}

// NewProcessLauncher returns a launcher for the configured roles.
func NewProcessLauncher(roles map[types.Role]config.RoleConfig, log *slog.Logger) *ProcessLauncher {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessLauncher{Roles: roles, Log: log}
}

// Launch starts the process and resolves its port: a fixed configured port,
// a free port picked here, or the port the child announces with
// RegisterProcess before start_timeout.
func (l *ProcessLauncher) Launch(ctx context.Context, req LaunchRequest) (Process, error) {
	rc, ok := l.Roles[req.Key.Role]
	if !ok {
		rc = config.DefaultRole(req.Key.Role)
	}
	if len(rc.Command) == 0 {
		return nil, fmt.Errorf("%s: %w", req.Key, ErrNoCommand)
	}

	port := rc.Port
	if port == 0 && !rc.AwaitRegister {
		p, err := freePort()
		if err != nil {
			return nil, err
		}
		port = p
	}

	own := map[string]string{}
	if port > 0 {
		own[PortVar(req.Key.Role)] = strconv.Itoa(port)
	}

	cmd := exec.Command(rc.Command[0], rc.Command[1:]...)
	cmd.Dir = rc.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), environ(rc.Env, req.Env, own)...)

	ipc, err := bus.NewIPC()
	if err != nil {
		return nil, err
	}
	ipc.Attach(cmd)

	if err := cmd.Start(); err != nil {
		ipc.Close()
		return nil, fmt.Errorf("start %s: %w", req.Key, err)
	}

	handleID := fmt.Sprintf("%s-%s", req.Key, uuid.NewString()[:8])
	p := &osProcess{
		cmd:    cmd,
		handle: ipc.Handle(handleID, l.Log),
		port:   port,
		done:   make(chan struct{}),
	}
	go p.reap()

	l.Log.Info("role process started", "role", req.Key.Role, "instance", req.Key.Instance, "pid", cmd.Process.Pid)

	if !rc.AwaitRegister {
		return p, nil
	}

	registered, err := awaitRegister(ctx, p.handle, p.done, rc.StartTimeout)
	if err != nil {
		p.Signal(syscall.SIGKILL)
		p.Wait()
		return nil, fmt.Errorf("%s: %w", req.Key, err)
	}
	p.port = registered
	return p, nil
}

// awaitRegister waits for the first RegisterProcess on h. Messages before it are dropped.
func awaitRegister(ctx context.Context, h bus.Handle, exited <-chan struct{}, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-h.Receive():
			if !ok {
				return 0, errors.New("process disconnected before registering")
			}
			if rp, ok := bus.As[*bus.RegisterProcess](msg); ok && rp.Port > 0 {
				return rp.Port, nil
			}
		case <-exited:
			return 0, errors.New("process exited before registering")
		case <-timer.C:
			return 0, fmt.Errorf("no port registered within %s", timeout)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("pick free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	handle bus.Handle
	port   int

	once   sync.Once
	done   chan struct{}
	status ExitStatus
}

func (p *osProcess) Handle() bus.Handle { return p.handle }
func (p *osProcess) PID() int           { return p.cmd.Process.Pid }
func (p *osProcess) Port() int          { return p.port }

func (p *osProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Wait() ExitStatus {
	<-p.done
	return p.status
}

func (p *osProcess) reap() {
	err := p.cmd.Wait()
	p.status = exitStatus(p.cmd.ProcessState, err)
	p.once.Do(func() { close(p.done) })
	p.handle.Close()
}

func exitStatus(ps *os.ProcessState, err error) ExitStatus {
	if ps == nil {
		if err != nil {
			return ExitStatus{Code: -1}
		}
		return ExitStatus{}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}
