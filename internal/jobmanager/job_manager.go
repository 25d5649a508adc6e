// ============================================================================
// Fleet Job Manager - Training Job Registry
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Track in-flight trainings, route worker messages to the caller's
//          callbacks and guarantee one terminal event per job.
//
// Job lifecycle:
//   StartTraining()  register id, pick worker, send <kind>_train
//      ↓ <kind>_progress         OnProgress (may fail the job)
//   retired by exactly one of:
//      <kind>_done               OnComplete
//      <kind>_error              OnError(*TrainerError)
//      CancelTraining()          OnError(ErrTrainingCancelled), <kind>_kill sent
//      progress callback error   OnError(err), <kind>_kill sent
//      worker disconnect         OnError(ErrWorkerExited)
//
// Retirement removes the id from the registry under the lock, so the id can
// be reused at once. Every dispatch carries a fresh attempt number that the
// worker echoes, so late messages from an earlier run of the id are dropped
// as stale.
//
// Delivery:
//   Each job owns a goroutine that runs its callbacks in order. Worker
//   readers and CancelTraining only enqueue, so a callback may call back
//   into the manager without deadlocking. Once the terminal event is queued
//   nothing else is enqueued or delivered.
//
// ============================================================================

package jobmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/internal/metrics"
	"github.com/ChuLiYu/fleet/internal/tracing"
	"github.com/ChuLiYu/fleet/internal/worker"
	"github.com/ChuLiYu/fleet/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateTraining is reported when an id is already training.
	ErrDuplicateTraining = errors.New("training already running")
	// ErrTrainingCancelled is the terminal error of a cancelled job.
	ErrTrainingCancelled = errors.New("training cancelled")
	// ErrWorkerExited is the terminal error of jobs whose worker disconnected.
	ErrWorkerExited = errors.New("worker exited during training")
	// ErrUnknownKind is reported for trainer kinds outside the known set.
	ErrUnknownKind = errors.New("unknown training kind")
)

// TrainerError is a failure reported by the trainer itself.
type TrainerError struct {
	ID      types.JobID
	Kind    types.Kind
	Message string
}

func (e *TrainerError) Error() string {
	return fmt.Sprintf("%s training %s failed: %s", e.Kind, e.ID, e.Message)
}

// ============================================================================
// Types
// ============================================================================

// Callbacks receive the events of one job. All of them run on the job's own
// goroutine, in order. A nil callback is skipped.
type Callbacks struct {
	// OnProgress gets every progress value. Returning an error, or
	// panicking, fails the job with that error.
	OnProgress func(progress float64) error
	OnComplete func(result json.RawMessage)
	OnError    func(err error)
}

// Dispatcher is the worker pool seen from the manager.
type Dispatcher interface {
	Pick(ctx context.Context) (string, error)
	Send(workerID string, msg bus.Message) error
	SetReceiver(r worker.Receiver)
}

// Option configures a JobManager.
type Option func(*JobManager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(jm *JobManager) { jm.log = l }
}

// WithMetrics records training metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(jm *JobManager) { jm.metrics = c }
}

type event struct {
	progress float64

	terminal bool
	state    types.JobState
	result   json.RawMessage
	err      error
}

type job struct {
	info    types.TrainingJob // guarded by JobManager.mu
	attempt uint64
	cb      Callbacks
	span    *tracing.Span

	mu     sync.Mutex
	queue  []event
	sealed bool
	wake   chan struct{}
}

// push queues ev unless the terminal event is already queued.
func (j *job) push(ev event) bool {
	j.mu.Lock()
	if j.sealed {
		j.mu.Unlock()
		return false
	}
	j.queue = append(j.queue, ev)
	if ev.terminal {
		j.sealed = true
	}
	j.mu.Unlock()

	select {
	case j.wake <- struct{}{}:
	default:
	}
	return true
}

func (j *job) take() []event {
	j.mu.Lock()
	defer j.mu.Unlock()
	evs := j.queue
	j.queue = nil
	return evs
}

// cancelled reports whether evs ends in a cancellation.
func cancelled(evs []event) bool {
	n := len(evs)
	return n > 0 && evs[n-1].terminal && evs[n-1].state == types.StateCancelled
}

// JobManager is the registry of in-flight trainings.
type JobManager struct {
	pool    Dispatcher
	log     *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	jobs    map[types.JobID]*job
	attempt uint64 // last attempt handed out
	wg      sync.WaitGroup
}

// NewJobManager returns a manager dispatching to pool and installs itself
// as the pool's receiver.
func NewJobManager(pool Dispatcher, opts ...Option) *JobManager {
	jm := &JobManager{
		pool: pool,
		log:  slog.Default(),
		jobs: make(map[types.JobID]*job),
	}
	for _, opt := range opts {
		opt(jm)
	}
	pool.SetReceiver(jm)
	return jm
}

// ============================================================================
// Start / Cancel
// ============================================================================

// StartTraining registers id and sends it to a worker.
//
// Parameters:
//   - ctx: bounds worker selection and parents the trace span
//   - id: caller-chosen id, unique among running jobs
//   - kind: trainer kind
//   - data, options: passed to the trainer untouched
//   - cb: event callbacks
//
// Returns:
//   - error: a duplicate id or unknown kind is also reported to cb.OnError
//     synchronously; dispatch failures are reported to cb.OnError as the
//     job's terminal event
func (jm *JobManager) StartTraining(ctx context.Context, id types.JobID, kind types.Kind, data, options json.RawMessage, cb Callbacks) error {
	_, err := jm.start(ctx, id, kind, data, options, cb)
	return err
}

func (jm *JobManager) start(ctx context.Context, id types.JobID, kind types.Kind, data, options json.RawMessage, cb Callbacks) (*job, error) {
	if !kind.Valid() {
		err := fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		jm.callError(id, cb, err)
		return nil, err
	}

	jm.mu.Lock()
	if _, ok := jm.jobs[id]; ok {
		jm.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrDuplicateTraining, id)
		jm.log.Warn("duplicate training rejected", "job", id, "kind", kind)
		jm.callError(id, cb, err)
		return nil, err
	}

	_, span := tracing.StartSpan(ctx, "training")
	span.WithAttributes(map[string]string{"job": string(id), "kind": string(kind)})
	jm.attempt++
	j := &job{
		info: types.TrainingJob{
			ID:        id,
			Kind:      kind,
			State:     types.StateRunning,
			StartedAt: time.Now(),
		},
		attempt: jm.attempt,
		cb:      cb,
		span:    span,
		wake:    make(chan struct{}, 1),
	}
	jm.jobs[id] = j
	jm.wg.Add(1)
	go jm.deliver(j)
	jm.mu.Unlock()
	jm.metrics.RecordTrainingStarted(string(kind))

	workerID, err := jm.pool.Pick(ctx)
	if err != nil {
		err = fmt.Errorf("pick worker for %s: %w", id, err)
		jm.finish(j, event{terminal: true, state: types.StateErrored, err: err})
		return j, err
	}

	jm.mu.Lock()
	if jm.jobs[id] != j {
		// cancelled while picking
		jm.mu.Unlock()
		return j, nil
	}
	j.info.WorkerID = workerID
	jm.mu.Unlock()
	span.Event("dispatched", map[string]string{"worker": workerID})

	msg := bus.New(bus.JobType(kind, bus.VerbTrain), string(id), &bus.Train{Data: data, Options: options, Attempt: j.attempt})
	if err := jm.pool.Send(workerID, msg); err != nil {
		err = fmt.Errorf("dispatch %s: %w", id, err)
		jm.finish(j, event{terminal: true, state: types.StateErrored, err: err})
		return j, err
	}

	jm.log.Info("training started", "job", id, "kind", kind, "worker", workerID)
	return j, nil
}

// CancelTraining asks the owning worker to stop id and retires it. The job
// ends with ErrTrainingCancelled. Cancelling an unknown or finished id is a
// no-op; the result reports whether a running job was cancelled.
func (jm *JobManager) CancelTraining(id types.JobID) bool {
	jm.mu.Lock()
	j := jm.jobs[id]
	jm.mu.Unlock()
	if j == nil {
		return false
	}
	return jm.cancel(j)
}

func (jm *JobManager) cancel(j *job) bool {
	info, ok := jm.finish(j, event{terminal: true, state: types.StateCancelled, err: ErrTrainingCancelled})
	if !ok {
		return false
	}
	jm.kill(j, info)
	jm.log.Info("training cancelled", "job", info.ID, "kind", info.Kind)
	return true
}

func (jm *JobManager) kill(j *job, info types.TrainingJob) {
	if info.WorkerID == "" {
		return
	}
	msg := bus.New(bus.JobType(info.Kind, bus.VerbKill), string(info.ID), &bus.Kill{Attempt: j.attempt})
	if err := jm.pool.Send(info.WorkerID, msg); err != nil {
		jm.log.Debug("kill not delivered", "job", info.ID, "worker", info.WorkerID, "error", err)
	}
}

// finish retires j and queues its terminal event. It reports false when j
// was already retired.
func (jm *JobManager) finish(j *job, ev event) (types.TrainingJob, bool) {
	jm.mu.Lock()
	if jm.jobs[j.info.ID] != j {
		jm.mu.Unlock()
		return types.TrainingJob{}, false
	}
	delete(jm.jobs, j.info.ID)
	j.info.State = ev.state
	info := j.info
	jm.mu.Unlock()

	j.push(ev)

	kind := string(info.Kind)
	switch ev.state {
	case types.StateDone:
		jm.metrics.RecordTrainingCompleted(kind, time.Since(info.StartedAt))
	case types.StateCancelled:
		jm.metrics.RecordTrainingCancelled(kind)
	default:
		jm.metrics.RecordTrainingFailed(kind)
	}
	return info, true
}

// ============================================================================
// Worker traffic (worker.Receiver)
// ============================================================================

// WorkerMessage routes one job message from workerID.
func (jm *JobManager) WorkerMessage(workerID string, msg bus.Message) {
	kind, verb, ok := msg.Type.Job()
	if !ok {
		jm.log.Debug("ignoring worker message", "worker", workerID, "type", msg.Type)
		return
	}
	id := types.JobID(msg.ID)

	jm.mu.Lock()
	j := jm.jobs[id]
	if j == nil || j.info.WorkerID != workerID || j.info.Kind != kind || j.attempt != attemptOf(msg.Payload) {
		jm.mu.Unlock()
		jm.log.Debug("dropping stale training message", "job", id, "worker", workerID, "type", msg.Type)
		return
	}
	if verb == bus.VerbProgress {
		if p, ok := bus.As[*bus.Progress](msg); ok {
			j.info.Progress = p.Progress
		}
	}
	jm.mu.Unlock()

	switch verb {
	case bus.VerbProgress:
		p, ok := bus.As[*bus.Progress](msg)
		if !ok {
			jm.log.Warn("malformed progress", "job", id, "payload", fmt.Sprintf("%T", msg.Payload))
			return
		}
		j.push(event{progress: p.Progress})

	case bus.VerbDone:
		var result json.RawMessage
		if d, ok := bus.As[*bus.Done](msg); ok {
			result = d.Result
		}
		if _, ok := jm.finish(j, event{terminal: true, state: types.StateDone, result: result}); ok {
			jm.log.Info("training completed", "job", id, "kind", kind, "worker", workerID)
		}

	case bus.VerbError:
		text := "unknown error"
		if f, ok := bus.As[*bus.Failure](msg); ok && f.Error != "" {
			text = f.Error
		}
		err := &TrainerError{ID: id, Kind: kind, Message: text}
		if _, ok := jm.finish(j, event{terminal: true, state: types.StateErrored, err: err}); ok {
			jm.log.Warn("training failed", "job", id, "kind", kind, "worker", workerID, "error", text)
		}

	default:
		jm.log.Debug("ignoring worker message", "job", id, "worker", workerID, "type", msg.Type)
	}
}

// attemptOf returns the attempt a worker reply answers.
func attemptOf(p bus.Payload) uint64 {
	switch v := p.(type) {
	case *bus.Progress:
		return v.Attempt
	case *bus.Done:
		return v.Attempt
	case *bus.Failure:
		return v.Attempt
	}
	return 0
}

// WorkerExited fails every job owned by workerID.
func (jm *JobManager) WorkerExited(workerID string) {
	jm.mu.Lock()
	var owned []*job
	for _, j := range jm.jobs {
		if j.info.WorkerID == workerID {
			owned = append(owned, j)
		}
	}
	jm.mu.Unlock()

	for _, j := range owned {
		err := fmt.Errorf("%w: %s", ErrWorkerExited, workerID)
		if info, ok := jm.finish(j, event{terminal: true, state: types.StateErrored, err: err}); ok {
			jm.log.Warn("training lost with its worker", "job", info.ID, "kind", info.Kind, "worker", workerID)
		}
	}
}

// ============================================================================
// Delivery
// ============================================================================

func (jm *JobManager) deliver(j *job) {
	defer jm.wg.Done()
	for range j.wake {
		evs := j.take()
		// progress queued before a cancellation is not delivered
		skip := cancelled(evs)
		for _, ev := range evs {
			if ev.terminal {
				jm.deliverTerminal(j, ev)
				return
			}
			if skip {
				continue
			}
			if err := jm.callProgress(j, ev.progress); err != nil {
				err = fmt.Errorf("progress callback: %w", err)
				if info, ok := jm.finish(j, event{terminal: true, state: types.StateErrored, err: err}); ok {
					jm.kill(j, info)
					jm.log.Warn("training aborted by progress callback", "job", info.ID, "error", err)
				}
				skip = true
			}
		}
	}
}

func (jm *JobManager) callProgress(j *job, v float64) (err error) {
	if j.cb.OnProgress == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return j.cb.OnProgress(v)
}

func (jm *JobManager) deliverTerminal(j *job, ev event) {
	defer func() {
		if r := recover(); r != nil {
			jm.log.Error("training callback panicked", "job", j.info.ID, "panic", r)
		}
	}()
	defer tracing.EndSpan(j.span, ev.err)

	if ev.state == types.StateDone {
		if j.cb.OnComplete != nil {
			j.cb.OnComplete(ev.result)
		}
		return
	}
	if j.cb.OnError != nil {
		j.cb.OnError(ev.err)
	}
}

// callError reports err synchronously for a job that never registered.
func (jm *JobManager) callError(id types.JobID, cb Callbacks, err error) {
	if cb.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			jm.log.Error("training callback panicked", "job", id, "panic", r)
		}
	}()
	cb.OnError(err)
}

// ============================================================================
// Queries
// ============================================================================

// Get returns the running job id.
func (jm *JobManager) Get(id types.JobID) (types.TrainingJob, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	j, ok := jm.jobs[id]
	if !ok {
		return types.TrainingJob{}, false
	}
	return j.info, true
}

// List returns the running jobs ordered by id.
func (jm *JobManager) List() []types.TrainingJob {
	jm.mu.Lock()
	out := make([]types.TrainingJob, 0, len(jm.jobs))
	for _, j := range jm.jobs {
		out = append(out, j.info)
	}
	jm.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Close cancels every running job and waits until all callbacks have run.
func (jm *JobManager) Close() {
	jm.mu.Lock()
	live := make([]*job, 0, len(jm.jobs))
	for _, j := range jm.jobs {
		live = append(live, j)
	}
	jm.mu.Unlock()

	for _, j := range live {
		jm.cancel(j)
	}
	jm.wg.Wait()
}
