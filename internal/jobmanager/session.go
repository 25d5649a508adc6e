package jobmanager

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ChuLiYu/fleet/pkg/types"
)

// progressBuffer bounds the values a Session holds for a slow reader.
const progressBuffer = 64

// Result is the outcome of a finished training.
type Result struct {
	ID     types.JobID
	Kind   types.Kind
	State  types.JobState
	Output json.RawMessage
}

// Session is one training seen as a stream: progress values, then exactly
// one terminal result.
type Session struct {
	id   types.JobID
	kind types.Kind
	jm   *JobManager
	job  *job

	progress chan float64
	done     chan struct{}

	// written once by the delivery goroutine before done is closed
	state  types.JobState
	output json.RawMessage
	err    error
}

// Train starts a job and returns its session. Cancelling ctx cancels the
// training.
func (jm *JobManager) Train(ctx context.Context, id types.JobID, kind types.Kind, data, options json.RawMessage) (*Session, error) {
	s := &Session{
		id:       id,
		kind:     kind,
		jm:       jm,
		progress: make(chan float64, progressBuffer),
		done:     make(chan struct{}),
	}
	cb := Callbacks{
		OnProgress: func(v float64) error {
			select {
			case s.progress <- v:
			default:
				// reader is behind; it will see later values
			}
			return nil
		},
		OnComplete: func(result json.RawMessage) {
			s.finish(types.StateDone, result, nil)
		},
		OnError: func(err error) {
			state := types.StateErrored
			if errors.Is(err, ErrTrainingCancelled) {
				state = types.StateCancelled
			}
			s.finish(state, nil, err)
		},
	}

	j, err := jm.start(ctx, id, kind, data, options, cb)
	if err != nil {
		return nil, err
	}
	s.job = j

	go func() {
		select {
		case <-ctx.Done():
			jm.cancel(j)
		case <-s.done:
		}
	}()
	return s, nil
}

func (s *Session) finish(state types.JobState, output json.RawMessage, err error) {
	s.state = state
	s.output = output
	s.err = err
	close(s.progress)
	close(s.done)
}

// ID returns the job id.
func (s *Session) ID() types.JobID { return s.id }

// Progress streams progress values. It is closed once the job has ended.
// Values are dropped while the reader lags more than a small buffer behind.
func (s *Session) Progress() <-chan float64 { return s.progress }

// Done is closed once the job has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel cancels the job. It reports false when the job already ended.
func (s *Session) Cancel() bool {
	return s.jm.cancel(s.job)
}

// Wait blocks until the job ends or ctx is done. A failed or cancelled job
// returns its terminal error alongside the partial Result.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return Result{ID: s.id, Kind: s.kind, State: s.state, Output: s.output}, s.err
	case <-ctx.Done():
		return Result{ID: s.id, Kind: s.kind, State: types.StateRunning}, ctx.Err()
	}
}
