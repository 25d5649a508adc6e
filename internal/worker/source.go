// ============================================================================
// Fleet Worker Sources
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Create connected workers for the pool.
//
//   - GoroutineSpawner: workers run in this process over in-memory handles
//     (ml.mode: thread)
//   - ProcessSpawner: each worker is a child process speaking the wire
//     protocol over inherited pipes (ml.mode: process)
//
// Either way the returned handle is the parent end. A process worker only
// counts as spawned once it has sent worker_ready.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/fleet/internal/bus"
)

// Spawner creates one connected worker.
type Spawner interface {
	// Spawn starts worker id and returns the parent end of its handle.
	Spawn(ctx context.Context, id string) (bus.Handle, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, id string) (bus.Handle, error)

func (f SpawnerFunc) Spawn(ctx context.Context, id string) (bus.Handle, error) {
	return f(ctx, id)
}

// ============================================================================
// In-process workers
// ============================================================================

// GoroutineSpawner runs workers as goroutines of this process.
type GoroutineSpawner struct {
	trainers Trainers
	wg       sync.WaitGroup
}

// NewGoroutineSpawner returns a spawner whose workers serve trainers.
func NewGoroutineSpawner(trainers Trainers) *GoroutineSpawner {
	return &GoroutineSpawner{trainers: trainers}
}

func (s *GoroutineSpawner) Spawn(_ context.Context, id string) (bus.Handle, error) {
	parent, child := bus.NewChanPair(id, id+"-worker")
	w := New(id, s.trainers)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Serve(context.Background(), child)
	}()
	return parent, nil
}

// Wait blocks until every spawned worker has returned.
func (s *GoroutineSpawner) Wait() { s.wg.Wait() }

// ============================================================================
// Process workers
// ============================================================================

// ProcessSpawner runs each worker as a child process.
type ProcessSpawner struct {
	Command      []string      // argv of the worker process
	ReadyTimeout time.Duration // wait for worker_ready
	Log          *slog.Logger

	wg sync.WaitGroup
}

// NewProcessSpawner returns a spawner running command for every worker.
func NewProcessSpawner(command []string, log *slog.Logger) *ProcessSpawner {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessSpawner{Command: command, ReadyTimeout: 30 * time.Second, Log: log}
}

// EnvWorkerID tells a worker process its pool id.
const EnvWorkerID = "FLEET_WORKER_ID"

func (s *ProcessSpawner) Spawn(ctx context.Context, id string) (bus.Handle, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("no worker command configured")
	}

	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), EnvWorkerID+"="+id)

	ipc, err := bus.NewIPC()
	if err != nil {
		return nil, err
	}
	ipc.Attach(cmd)
	if err := cmd.Start(); err != nil {
		ipc.Close()
		return nil, fmt.Errorf("start worker %s: %w", id, err)
	}
	h := ipc.Handle(id, s.Log)

	exited := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := cmd.Wait(); err != nil {
			s.Log.Debug("worker process ended", "worker", id, "error", err)
		}
		close(exited)
		h.Close()
	}()

	if err := awaitReady(ctx, h, exited, s.ReadyTimeout); err != nil {
		cmd.Process.Signal(syscall.SIGKILL)
		h.Close()
		drain(h)
		<-exited
		return nil, fmt.Errorf("worker %s: %w", id, err)
	}
	return h, nil
}

// Wait blocks until every worker process has been reaped.
func (s *ProcessSpawner) Wait() { s.wg.Wait() }

func awaitReady(ctx context.Context, h bus.Handle, exited <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-h.Receive():
			if !ok {
				return errors.New("disconnected before ready")
			}
			if msg.Type == bus.TypeWorkerReady {
				return nil
			}
		case <-exited:
			return errors.New("exited before ready")
		case <-timer.C:
			return fmt.Errorf("not ready within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
