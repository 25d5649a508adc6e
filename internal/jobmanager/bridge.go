package jobmanager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/pkg/types"
)

// Bridge serves training requests arriving on role handles. A role sends
// <kind>_train or <kind>_kill with the job id as message id, and receives
// <kind>_progress then exactly one <kind>_done or <kind>_error on the same
// handle. A job whose requester has disconnected is cancelled at its next
// progress report.
type Bridge struct {
	jm  *JobManager
	log *slog.Logger

	mu     sync.Mutex
	owners map[types.JobID]string // job id -> requesting handle
}

// NewBridge returns a bridge over jm.
func NewBridge(jm *JobManager, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{jm: jm, log: log, owners: make(map[types.JobID]string)}
}

// Install registers the train and kill handlers of every kind on r.
func (b *Bridge) Install(r *bus.Router) {
	for _, kind := range types.Kinds {
		r.Register(bus.JobType(kind, bus.VerbTrain), b.handleTrain(kind))
		r.Register(bus.JobType(kind, bus.VerbKill), b.handleKill)
	}
}

func (b *Bridge) handleTrain(kind types.Kind) bus.HandlerFunc {
	return func(ctx context.Context, from bus.Handle, msg bus.Message) error {
		p, ok := bus.As[*bus.Train](msg)
		if !ok {
			return bus.ErrMalformed
		}
		id := types.JobID(msg.ID)
		reply := func(verb bus.Verb, payload bus.Payload) {
			bus.Send(b.log, from, bus.New(bus.JobType(kind, verb), msg.ID, payload))
		}
		release := func() {
			b.mu.Lock()
			if b.owners[id] == from.ID() {
				delete(b.owners, id)
			}
			b.mu.Unlock()
		}

		cb := Callbacks{
			OnProgress: func(v float64) error {
				if !bus.Alive(from) {
					return bus.ErrHandleClosed
				}
				reply(bus.VerbProgress, &bus.Progress{Progress: v})
				return nil
			},
			OnComplete: func(result json.RawMessage) {
				release()
				reply(bus.VerbDone, &bus.Done{Result: result})
			},
			OnError: func(err error) {
				if !errors.Is(err, ErrDuplicateTraining) {
					release()
				}
				reply(bus.VerbError, &bus.Failure{Error: err.Error()})
			},
		}

		b.mu.Lock()
		if _, busy := b.owners[id]; !busy {
			b.owners[id] = from.ID()
		}
		b.mu.Unlock()

		// the requester's handle outlives this dispatch, not ctx
		err := b.jm.StartTraining(context.WithoutCancel(ctx), id, kind, p.Data, p.Options, cb)
		if err != nil {
			b.log.Warn("training request rejected", "job", id, "kind", kind, "from", from.ID(), "error", err)
		}
		return nil
	}
}

func (b *Bridge) handleKill(_ context.Context, from bus.Handle, msg bus.Message) error {
	id := types.JobID(msg.ID)
	b.mu.Lock()
	owner, ok := b.owners[id]
	b.mu.Unlock()
	if !ok || owner != from.ID() {
		b.log.Debug("ignoring kill for job not owned by sender", "job", id, "from", from.ID())
		return nil
	}
	b.jm.CancelTraining(id)
	return nil
}
