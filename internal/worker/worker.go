// ============================================================================
// Fleet Worker - Training Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: The worker end of a pool connection. Runs trainings on request and
//          streams progress back to the parent.
//
// Protocol (per job id, kind selects the trainer):
//   parent -> worker   <kind>_train {data, options, attempt}
//   parent -> worker   <kind>_kill {attempt}
//   worker -> parent   <kind>_progress {progress, attempt}   zero or more, increasing
//   worker -> parent   <kind>_done {result, attempt} | <kind>_error {error, attempt}
//   worker -> parent   worker_ready                once, before anything else
//   worker -> parent   log {level, text}
//
// A killed job sends nothing further. Every job runs in its own goroutine
// with its own context, so one worker trains any number of jobs at once.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/pkg/types"
)

// Worker serves training requests arriving on one handle.
type Worker struct {
	id       string
	trainers Trainers

	mu   sync.Mutex
	jobs map[types.JobID]*running
	wg   sync.WaitGroup
}

type running struct {
	kind    types.Kind
	attempt uint64
	cancel  context.CancelFunc
}

// New returns a worker serving trainers.
func New(id string, trainers Trainers) *Worker {
	return &Worker{
		id:       id,
		trainers: trainers,
		jobs:     make(map[types.JobID]*running),
	}
}

// Serve announces readiness on h and handles requests until h disconnects
// or ctx is done. Running jobs are cancelled before Serve returns.
func (w *Worker) Serve(ctx context.Context, h bus.Handle) error {
	if err := h.Send(bus.New(bus.TypeWorkerReady, "", &bus.WorkerReady{WorkerID: w.id})); err != nil {
		h.Close()
		drain(h)
		return fmt.Errorf("announce worker: %w", err)
	}

	defer w.stopAll()
	for {
		select {
		case msg, ok := <-h.Receive():
			if !ok {
				return nil
			}
			w.handle(ctx, h, msg)
		case <-ctx.Done():
			h.Close()
			drain(h)
			return ctx.Err()
		}
	}
}

func drain(h bus.Handle) {
	for range h.Receive() {
	}
}

func (w *Worker) handle(ctx context.Context, h bus.Handle, msg bus.Message) {
	kind, verb, ok := msg.Type.Job()
	if !ok {
		w.logLine(h, slog.LevelWarn, fmt.Sprintf("unexpected message %s", msg.Type))
		return
	}
	id := types.JobID(msg.ID)

	switch verb {
	case bus.VerbTrain:
		p, ok := bus.As[*bus.Train](msg)
		if !ok {
			w.fail(h, kind, id, 0, fmt.Errorf("%s: unexpected payload %T", msg.Type, msg.Payload))
			return
		}
		w.start(ctx, h, kind, id, p)
	case bus.VerbKill:
		var attempt uint64
		if k, ok := bus.As[*bus.Kill](msg); ok {
			attempt = k.Attempt
		}
		w.kill(id, attempt)
	default:
		w.logLine(h, slog.LevelWarn, fmt.Sprintf("unexpected message %s for job %s", msg.Type, id))
	}
}

func (w *Worker) start(ctx context.Context, h bus.Handle, kind types.Kind, id types.JobID, p *bus.Train) {
	trainer := w.trainers[kind]
	if trainer == nil {
		w.fail(h, kind, id, p.Attempt, fmt.Errorf("no trainer for kind %q", kind))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &running{kind: kind, attempt: p.Attempt, cancel: cancel}

	w.mu.Lock()
	if prev := w.jobs[id]; prev != nil {
		// the parent reused the id after a kill; the old run is abandoned
		prev.cancel()
	}
	w.jobs[id] = job
	w.mu.Unlock()

	w.logLine(h, slog.LevelDebug, fmt.Sprintf("training %s job %s", kind, id))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()

		result, err := w.run(jobCtx, trainer, p, func(v float64) {
			if jobCtx.Err() != nil {
				return
			}
			bus.Send(nil, h, bus.New(bus.JobType(kind, bus.VerbProgress), string(id), &bus.Progress{Progress: v, Attempt: p.Attempt}))
		})

		w.mu.Lock()
		current := w.jobs[id] == job
		if current {
			delete(w.jobs, id)
		}
		w.mu.Unlock()

		if !current || jobCtx.Err() != nil {
			return
		}
		if err != nil {
			w.fail(h, kind, id, p.Attempt, err)
			return
		}
		bus.Send(nil, h, bus.New(bus.JobType(kind, bus.VerbDone), string(id), &bus.Done{Result: result, Attempt: p.Attempt}))
	}()
}

// run calls the trainer, turning a panic into an error.
func (w *Worker) run(ctx context.Context, t Trainer, p *bus.Train, progress func(float64)) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trainer panicked: %v", r)
		}
	}()
	return t.Train(ctx, p.Data, p.Options, progress)
}

// kill stops id. A non-zero attempt leaves a newer run of the id alone.
func (w *Worker) kill(id types.JobID, attempt uint64) {
	w.mu.Lock()
	job := w.jobs[id]
	if job == nil || (attempt != 0 && job.attempt != attempt) {
		w.mu.Unlock()
		return
	}
	delete(w.jobs, id)
	w.mu.Unlock()
	job.cancel()
}

func (w *Worker) stopAll() {
	w.mu.Lock()
	for id, job := range w.jobs {
		job.cancel()
		delete(w.jobs, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) fail(h bus.Handle, kind types.Kind, id types.JobID, attempt uint64, err error) {
	w.logLine(h, slog.LevelWarn, fmt.Sprintf("%s job %s failed: %v", kind, id, err))
	bus.Send(nil, h, bus.New(bus.JobType(kind, bus.VerbError), string(id), &bus.Failure{Error: err.Error(), Attempt: attempt}))
}

// logLine relays a log line to the parent, which logs it under this worker's id.
func (w *Worker) logLine(h bus.Handle, level slog.Level, text string) {
	bus.Send(nil, h, bus.New(bus.TypeLog, "", &bus.Log{Level: level.String(), Text: text}))
}

// Running returns the ids of the jobs currently training.
func (w *Worker) Running() []types.JobID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.JobID, 0, len(w.jobs))
	for id := range w.jobs {
		out = append(out, id)
	}
	return out
}
