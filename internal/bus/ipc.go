package bus

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// EnvIPCFDs advertises the inherited descriptors to a child as "<in>,<out>".
const EnvIPCFDs = "FLEET_IPC_FDS"

// IPC is the pipe pair connecting a parent to one child process.
type IPC struct {
	parentR, parentW *os.File // child→parent, parent→child
	childR, childW   *os.File
}

// NewIPC allocates both pipes.
func NewIPC() (*IPC, error) {
	childR, parentW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create ipc pipe: %w", err)
	}
	parentR, childW, err := os.Pipe()
	if err != nil {
		childR.Close()
		parentW.Close()
		return nil, fmt.Errorf("create ipc pipe: %w", err)
	}
	return &IPC{parentR: parentR, parentW: parentW, childR: childR, childW: childW}, nil
}

// Attach passes the child ends to cmd and advertises them in its environment.
// cmd.Env must already be populated.
func (p *IPC) Attach(cmd *exec.Cmd) {
	in := 3 + len(cmd.ExtraFiles)
	cmd.ExtraFiles = append(cmd.ExtraFiles, p.childR, p.childW)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d,%d", EnvIPCFDs, in, in+1))
}

// Handle closes the child ends in this process and returns the parent handle.
// Call it after the child has started.
func (p *IPC) Handle(id string, log *slog.Logger) *PipeHandle {
	p.childR.Close()
	p.childW.Close()
	return NewPipeHandle(id, p.parentR, p.parentW, log)
}

// Close releases every descriptor. Used when the child failed to start.
func (p *IPC) Close() {
	for _, f := range []*os.File{p.parentR, p.parentW, p.childR, p.childW} {
		f.Close()
	}
}

// Inherited returns the handle a child uses to talk to its parent.
func Inherited(id string, log *slog.Logger) (*PipeHandle, error) {
	fds := os.Getenv(EnvIPCFDs)
	if fds == "" {
		return nil, fmt.Errorf("%s not set", EnvIPCFDs)
	}
	inStr, outStr, ok := strings.Cut(fds, ",")
	if !ok {
		return nil, fmt.Errorf("invalid %s=%q", EnvIPCFDs, fds)
	}
	in, err := strconv.Atoi(inStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s=%q: %w", EnvIPCFDs, fds, err)
	}
	out, err := strconv.Atoi(outStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s=%q: %w", EnvIPCFDs, fds, err)
	}
	r := os.NewFile(uintptr(in), "ipc-in")
	w := os.NewFile(uintptr(out), "ipc-out")
	if r == nil || w == nil {
		return nil, fmt.Errorf("invalid descriptors in %s=%q", EnvIPCFDs, fds)
	}
	return NewPipeHandle(id, r, w, log), nil
}
