// ============================================================================
// Fleet Worker Pool - Training Worker Scheduler
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Own the training workers of one server and pick one per job.
//
// Lifecycle:
//   1. NewPool() - no workers yet
//   2. Ensure()  - first caller spawns Size workers; concurrent callers
//                  share that one spawn round (singleflight)
//   3. Pick()    - uniform random live worker; dead workers are evicted and,
//                  when none are left, a new round is spawned
//   4. Close()   - disconnect every worker and wait for the readers
//
// Routing:
//   One reader goroutine per worker forwards inbound messages to the
//   Receiver in arrival order. worker_ready and log messages stay in the
//   pool. When a worker disconnects it is evicted and the Receiver is told.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/internal/metrics"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrNoWorkers is returned when no worker could be spawned.
	ErrNoWorkers = errors.New("no live workers")
	// ErrWorkerGone is returned when sending to a worker that was evicted.
	ErrWorkerGone = errors.New("worker gone")
)

// ============================================================================
// Types
// ============================================================================

// Receiver consumes the traffic of pool workers.
type Receiver interface {
	// WorkerMessage is called for every job message, in arrival order per worker.
	WorkerMessage(workerID string, msg bus.Message)
	// WorkerExited is called once after a worker disconnected.
	WorkerExited(workerID string)
}

// DefaultMaxWorkers caps the pool size when no size is configured.
const DefaultMaxWorkers = 4

// Size returns the worker count for this machine: one less than the CPU
// count, at least one, at most max when max is positive.
func Size(max int) int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. Relayed worker log lines go here too.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithMetrics records pool metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pool) { p.metrics = c }
}

// WithSize overrides the worker count.
func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

type member struct {
	id string
	h  bus.Handle
}

// Pool is a lazily spawned set of training workers.
type Pool struct {
	size    int
	spawner Spawner
	log     *slog.Logger
	metrics *metrics.Collector
	sf      singleflight.Group

	mu       sync.Mutex
	workers  map[string]*member
	receiver Receiver
	closed   bool
	seq      int
	rnd      *rand.Rand

	wg sync.WaitGroup
}

// NewPool returns an empty pool that spawns workers with spawner.
//
// Parameters:
//   - spawner: creates one connected worker
//   - opts: logger, metrics, size (defaults to Size(DefaultMaxWorkers))
//
// Returns:
//   - *Pool: pool without workers; they are spawned by the first Ensure
func NewPool(spawner Spawner, opts ...Option) *Pool {
	p := &Pool{
		size:    Size(DefaultMaxWorkers),
		spawner: spawner,
		log:     slog.Default(),
		workers: make(map[string]*member),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetReceiver installs the consumer of worker messages. Call it before the
// first Ensure; messages arriving without a receiver are dropped.
func (p *Pool) SetReceiver(r Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receiver = r
}

// Size returns the number of workers a spawn round creates.
func (p *Pool) Size() int { return p.size }

// Ensure spawns a round of workers unless some are alive. Concurrent calls
// share one round.
func (p *Pool) Ensure(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	live := p.liveLocked()
	p.mu.Unlock()
	if live > 0 {
		return nil
	}

	_, err, _ := p.sf.Do("spawn", func() (interface{}, error) {
		return nil, p.spawnRound(ctx)
	})
	return err
}

func (p *Pool) spawnRound(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	// a round that finished while this caller waited on the lock
	if p.liveLocked() > 0 {
		p.mu.Unlock()
		return nil
	}
	ids := make([]string, p.size)
	for i := range ids {
		p.seq++
		ids[i] = fmt.Sprintf("worker-%d", p.seq)
	}
	p.mu.Unlock()

	p.metrics.RecordPoolSpawn()
	p.log.Info("spawning training workers", "count", len(ids))

	var (
		mu   sync.Mutex
		errs []error
	)
	// the round is shared by every waiting caller, not only the one whose
	// context started it
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, id := range ids {
		id := id
		g.Go(func() error {
			h, err := p.spawner.Spawn(gctx, id)
			if err != nil {
				p.log.Warn("worker spawn failed", "worker", id, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
				return nil
			}
			p.add(id, h)
			return nil
		})
	}
	g.Wait()

	p.mu.Lock()
	live := p.liveLocked()
	p.mu.Unlock()
	if live == 0 {
		return fmt.Errorf("%w: %w", ErrNoWorkers, errors.Join(errs...))
	}
	return nil
}

func (p *Pool) add(id string, h bus.Handle) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.Close()
		drain(h)
		return
	}
	p.workers[id] = &member{id: id, h: h}
	n := len(p.workers)
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.SetPoolWorkers(n)
	go p.read(id, h)
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, m := range p.workers {
		if bus.Alive(m.h) {
			n++
		}
	}
	return n
}

// Pick returns the id of a uniformly chosen live worker, spawning a new
// round when every worker has exited.
func (p *Pool) Pick(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := p.Ensure(ctx); err != nil {
			return "", err
		}

		p.mu.Lock()
		live := make([]string, 0, len(p.workers))
		for id, m := range p.workers {
			if bus.Alive(m.h) {
				live = append(live, id)
			} else {
				delete(p.workers, id)
			}
		}
		var picked string
		if len(live) > 0 {
			sort.Strings(live)
			picked = live[p.rnd.Intn(len(live))]
		}
		n := len(p.workers)
		p.mu.Unlock()

		p.metrics.SetPoolWorkers(n)
		if picked != "" {
			return picked, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	return "", ErrNoWorkers
}

// Send delivers msg to one worker.
func (p *Pool) Send(workerID string, msg bus.Message) error {
	p.mu.Lock()
	m := p.workers[workerID]
	p.mu.Unlock()
	if m == nil {
		return fmt.Errorf("%s: %w", workerID, ErrWorkerGone)
	}
	if err := m.h.Send(msg); err != nil {
		return fmt.Errorf("%s: %w", workerID, err)
	}
	return nil
}

// Kill disconnects one worker. Its jobs are reported through WorkerExited.
func (p *Pool) Kill(workerID string) {
	p.mu.Lock()
	m := p.workers[workerID]
	p.mu.Unlock()
	if m != nil {
		m.h.Close()
	}
}

// Workers returns the ids of the live workers.
func (p *Pool) Workers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.workers))
	for id, m := range p.workers {
		if bus.Alive(m.h) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pool) read(id string, h bus.Handle) {
	defer p.wg.Done()
	log := p.log.With("worker", id)

	for msg := range h.Receive() {
		switch msg.Type {
		case bus.TypeWorkerReady:
			log.Debug("worker ready")
			continue
		case bus.TypeLog:
			if l, ok := bus.As[*bus.Log](msg); ok {
				relay(log, l)
			}
			continue
		}

		p.mu.Lock()
		r := p.receiver
		p.mu.Unlock()
		if r == nil {
			log.Debug("dropping worker message without receiver", "type", msg.Type, "id", msg.ID)
			continue
		}
		r.WorkerMessage(id, msg)
	}

	p.mu.Lock()
	if m := p.workers[id]; m != nil && m.h == h {
		delete(p.workers, id)
	}
	n := len(p.workers)
	r := p.receiver
	closed := p.closed
	p.mu.Unlock()

	p.metrics.SetPoolWorkers(n)
	if !closed {
		log.Warn("training worker exited")
	}
	if r != nil {
		r.WorkerExited(id)
	}
}

func relay(log *slog.Logger, l *bus.Log) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	log.Log(context.Background(), level, l.Text)
}

// Close disconnects every worker and waits until their readers are done.
// Jobs still running are reported through WorkerExited.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	members := make([]*member, 0, len(p.workers))
	for _, m := range p.workers {
		members = append(members, m)
	}
	p.mu.Unlock()

	for _, m := range members {
		m.h.Close()
	}
	p.wg.Wait()

	if w, ok := p.spawner.(interface{ Wait() }); ok {
		w.Wait()
	}
	p.metrics.SetPoolWorkers(0)
	return nil
}
