// ============================================================================
// Fleet Supervisor - Role Process Orchestration
// ============================================================================
//
// Package: internal/supervisor
// File: supervisor.go
// Purpose: Start the role processes of one server, restart them under a
//          bounded policy and keep every role informed of its peers' ports.
//
// Concurrency:
//   One loop goroutine owns all role state and serializes every registry
//   mutation. Other goroutines submit closures to it:
//     - watchers: one per process, wait for exit and post the exit event
//     - readers: one per handle, dispatch inbound messages in order
//     - respawners: wait out the restart cooldown and relaunch
//   Launchers run outside the loop because they block until a port exists.
//
// Restart state machine (see policy.go):
//   clean disconnect       -> stop, counter reset
//   web exits with code 0  -> whole server shuts down
//   code 0 / deliberate sig -> stop, counter reset
//   counter >= max          -> kill_on_fail ? fatal : give up
//   otherwise               -> respawn with the captured parameters
//
// Exits of a process that has already been replaced are ignored.
//
// ============================================================================

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/internal/config"
	"github.com/ChuLiYu/fleet/internal/metrics"
	"github.com/ChuLiYu/fleet/internal/tracing"
	"github.com/ChuLiYu/fleet/pkg/types"
)

// ============================================================================
// Configuration
// ============================================================================

// Config holds the supervisor policy and shared environment.
type Config struct {
	MaxReboots        int
	DeliberateSignals []syscall.Signal
	RestartCooldown   time.Duration // minimum spacing between respawns of one role
	StopGrace         time.Duration // SIGTERM to SIGKILL
	KillOnFail        map[types.Role]bool
	Env               ServerEnv
}

// DefaultConfig returns the default policy with a fresh server identity.
func DefaultConfig() Config {
	p := DefaultPolicy()
	return Config{
		MaxReboots:        p.MaxReboots,
		DeliberateSignals: p.DeliberateSignals,
		StopGrace:         10 * time.Second,
		KillOnFail:        map[types.Role]bool{types.RoleWeb: true},
		Env: ServerEnv{
			ServerID:         uuid.NewString(),
			InternalPassword: uuid.NewString(),
		},
	}
}

// ConfigFrom builds the supervisor configuration from the file
// configuration. Server identity values left empty are generated.
func ConfigFrom(fc *config.Config) (Config, error) {
	sigs, err := fc.Server.Signals()
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	cfg.MaxReboots = fc.Server.MaxReboots
	cfg.DeliberateSignals = sigs
	cfg.RestartCooldown = fc.Server.RestartCooldown
	cfg.StopGrace = fc.Server.StopGrace
	cfg.KillOnFail = make(map[types.Role]bool, len(types.Roles))
	for _, r := range types.Roles {
		cfg.KillOnFail[r] = fc.Role(r).KillOnFail
	}
	cfg.Env.DatabaseURL = fc.Server.DatabaseURL
	cfg.Env.ExternalURL = fc.Server.ExternalURL
	if fc.Server.ServerID != "" {
		cfg.Env.ServerID = fc.Server.ServerID
	}
	if fc.Server.InternalPassword != "" {
		cfg.Env.InternalPassword = fc.Server.InternalPassword
	}
	return cfg, nil
}

// StatusFunc observes registry changes. It runs on the supervisor loop and must not block.
type StatusFunc func(entry types.ProcessEntry)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithMetrics records role metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = c }
}

// WithStatusHook installs fn as the registry observer.
func WithStatusHook(fn StatusFunc) Option {
	return func(s *Supervisor) { s.onStatus = fn }
}

// ============================================================================
// Supervisor
// ============================================================================

type roleState int

const (
	stateDown roleState = iota
	stateStarting
	stateRunning
	stateStopping
)

// role is the loop-owned lifecycle of one process key.
type role struct {
	key     types.ProcessKey
	params  map[string]string // captured launch parameters
	state   roleState
	proc    Process
	gen     uint64
	limiter *rate.Limiter

	respawn       bool // next registration follows an unclean exit
	stopRequested bool // stop arrived while starting
	retire        bool // drop the entry once down

	idle chan struct{} // closed while state is down
}

// Supervisor runs the roles of one server.
type Supervisor struct {
	cfg      Config
	policy   Policy
	launcher Launcher
	registry *Registry
	router   *bus.Router
	log      *slog.Logger
	metrics  *metrics.Collector
	onStatus StatusFunc

	ctx    context.Context
	cancel context.CancelFunc

	inbox    chan func()
	quit     chan struct{}
	quitOnce sync.Once
	loopDone chan struct{}
	wg       sync.WaitGroup

	shutdownOnce sync.Once
	finished     chan struct{}

	// owned by the loop
	roles       map[types.ProcessKey]*role
	byHandle    map[string]*role
	terminating bool
	outcome     error
	outcomeSet  bool
}

// New creates a supervisor and starts its loop.
//
// Parameters:
//   - cfg: restart policy and shared environment
//   - launcher: starts role processes
//   - opts: logger, metrics, status hook
//
// Returns:
//   - *Supervisor: running supervisor; stop it with Shutdown
func New(cfg Config, launcher Launcher, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg: cfg,
		policy: Policy{
			MaxReboots:        cfg.MaxReboots,
			DeliberateSignals: cfg.DeliberateSignals,
		},
		launcher: launcher,
		registry: NewRegistry(),
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func()),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		finished: make(chan struct{}),
		roles:    make(map[types.ProcessKey]*role),
		byHandle: make(map[string]*role),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = bus.NewRouter(
		bus.WithRouterLogger(s.log),
		bus.WithErrorHook(func(t bus.Type, _ error) { s.metrics.RecordDispatchError(string(t)) }),
	)
	s.installHandlers()

	go s.loop()
	return s
}

// Registry returns the process registry.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Router returns the inbound message router. Extra handlers may be registered on it.
func (s *Supervisor) Router() *bus.Router { return s.router }

// Dispatch routes msg as if it had arrived on from.
func (s *Supervisor) Dispatch(ctx context.Context, from bus.Handle, msg bus.Message) error {
	return s.router.Dispatch(ctx, from, msg)
}

// Done is closed once the supervisor has fully stopped.
func (s *Supervisor) Done() <-chan struct{} { return s.finished }

// Wait blocks until the supervisor stops and returns its outcome: nil after
// Shutdown, ErrServerShutdown after a clean web exit, or a *FatalError.
func (s *Supervisor) Wait() error {
	<-s.finished
	return s.outcome
}

func (s *Supervisor) loop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Supervisor) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.inbox <- func() { fn(); close(done) }:
	case <-s.loopDone:
		return ErrSupervisorStopped
	}
	<-done
	return nil
}

// post runs fn on the loop without waiting.
func (s *Supervisor) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.loopDone:
	}
}

func normalizeKey(key types.ProcessKey) (types.ProcessKey, error) {
	if !key.Role.Valid() {
		return key, fmt.Errorf("%w: %q", ErrUnknownRole, key.Role)
	}
	if key.Role.Singleton() {
		key.Instance = ""
	} else if key.Instance == "" {
		key.Instance = uuid.NewString()[:8]
	}
	return key, nil
}

func (s *Supervisor) newRole(key types.ProcessKey) *role {
	limit := rate.Inf
	if s.cfg.RestartCooldown > 0 {
		limit = rate.Every(s.cfg.RestartCooldown)
	}
	idle := make(chan struct{})
	close(idle)
	return &role{key: key, limiter: rate.NewLimiter(limit, 1), idle: idle}
}

// enter moves r to state, maintaining the idle channel. Loop only.
func (s *Supervisor) enter(r *role, state roleState) {
	prev := r.state
	r.state = state
	switch {
	case state == stateDown && prev != stateDown:
		close(r.idle)
		r.stopRequested = false
		if r.retire {
			s.registry.Remove(r.key)
			delete(s.roles, r.key)
		}
	case state != stateDown && prev == stateDown:
		r.idle = make(chan struct{})
	}
}

// ============================================================================
// Start / Register
// ============================================================================

// StartRole launches the process for key and registers it. params are
// captured and reused by later restarts. Starting a running role returns
// its current entry.
func (s *Supervisor) StartRole(ctx context.Context, key types.ProcessKey, params map[string]string) (types.ProcessEntry, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return types.ProcessEntry{}, err
	}

	var (
		r       *role
		current *types.ProcessEntry
		opErr   error
	)
	err = s.do(func() {
		if s.terminating {
			opErr = ErrSupervisorStopped
			return
		}
		r = s.roles[key]
		if r == nil {
			r = s.newRole(key)
			s.roles[key] = r
		}
		switch r.state {
		case stateRunning:
			if e, ok := s.registry.Get(key); ok {
				current = &e
			}
			return
		case stateStarting, stateStopping:
			opErr = fmt.Errorf("%s: %w", key, ErrRoleBusy)
			return
		}
		if params != nil || r.params == nil {
			r.params = params
		}
		r.respawn = false
		r.retire = false
		s.enter(r, stateStarting)
	})
	if err != nil {
		return types.ProcessEntry{}, err
	}
	if opErr != nil {
		return types.ProcessEntry{}, opErr
	}
	if current != nil {
		return *current, nil
	}
	return s.launch(ctx, r)
}

func (s *Supervisor) launch(ctx context.Context, r *role) (types.ProcessEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "supervisor.launch")
	span.WithAttributes(map[string]string{"role": string(r.key.Role), "instance": r.key.Instance})

	var req LaunchRequest
	if err := s.do(func() {
		req = LaunchRequest{
			Key:    r.key,
			Params: r.params,
			Env:    roleEnv(s.cfg.Env, r.key, s.registry.Live(), r.params),
		}
	}); err != nil {
		tracing.EndSpan(span, err)
		return types.ProcessEntry{}, err
	}

	proc, err := s.launcher.Launch(ctx, req)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrRoleUnavailable, r.key, err)
		s.log.Error("role launch failed", "role", r.key.Role, "instance", r.key.Instance, "error", err)
		s.do(func() {
			r.respawn = false
			s.enter(r, stateDown)
		})
		tracing.EndSpan(span, err)
		return types.ProcessEntry{}, err
	}

	var entry types.ProcessEntry
	if err := s.do(func() { entry = s.register(r, proc) }); err != nil {
		proc.Signal(syscall.SIGKILL)
		proc.Wait()
		proc.Handle().Close()
		tracing.EndSpan(span, err)
		return types.ProcessEntry{}, err
	}

	span.Event("registered", map[string]string{"port": fmt.Sprint(entry.Port), "reboots": fmt.Sprint(entry.RebootCount)})
	tracing.EndSpan(span, nil)
	return entry, nil
}

// register stores proc as the current process of r and announces its port.
// A respawn increments the reboot counter. Loop only.
func (s *Supervisor) register(r *role, proc Process) types.ProcessEntry {
	r.gen++
	r.proc = proc
	respawn := r.respawn
	r.respawn = false

	h := proc.Handle()
	entry := s.registry.Register(r.key, proc.Port(), h, proc.PID(), respawn)
	s.byHandle[h.ID()] = r
	s.metrics.RecordRoleStart(string(r.key.Role), entry.RebootCount, respawn)
	s.log.Info("role registered",
		"role", r.key.Role,
		"instance", r.key.Instance,
		"port", entry.Port,
		"reboots", entry.RebootCount,
		"pid", entry.PID)
	s.notify(entry)

	gen := r.gen
	s.wg.Add(2)
	go s.watch(r, gen, proc)
	go s.serve(h)

	if r.stopRequested || s.terminating {
		s.enter(r, stateStopping)
		s.signal(r, syscall.SIGTERM)
		return entry
	}
	s.enter(r, stateRunning)
	s.broadcastPort(entry, h)
	return entry
}

// broadcastPort tells every live peer where entry listens and tells the
// newcomer where every live peer listens. Loop only.
func (s *Supervisor) broadcastPort(entry types.ProcessEntry, h bus.Handle) {
	s.registry.Broadcast(s.log, entry.Key, portMessage(entry))
	for _, peer := range s.registry.Live() {
		if peer.Key == entry.Key {
			continue
		}
		bus.Send(s.log, h, portMessage(peer))
	}
}

func portMessage(e types.ProcessEntry) bus.Message {
	return bus.New(bus.TypeBroadcastProcess, "", &bus.BroadcastProcess{
		Role:     e.Key.Role,
		Instance: e.Key.Instance,
		Port:     e.Port,
	})
}

func (s *Supervisor) notify(entry types.ProcessEntry) {
	if s.onStatus != nil {
		s.onStatus(entry)
	}
}

func (s *Supervisor) signal(r *role, sig syscall.Signal) {
	if r.proc == nil {
		return
	}
	if err := r.proc.Signal(sig); err != nil {
		s.log.Debug("signal failed", "role", r.key.Role, "instance", r.key.Instance, "signal", sig, "error", err)
	}
}

func (s *Supervisor) serve(h bus.Handle) {
	defer s.wg.Done()
	s.router.Serve(s.ctx, h)
}

// ============================================================================
// Exit handling
// ============================================================================

func (s *Supervisor) watch(r *role, gen uint64, proc Process) {
	defer s.wg.Done()
	st := proc.Wait()
	proc.Handle().Close()
	s.post(func() { s.onExit(r, gen, proc, st) })
}

// onExit applies the restart policy to one exit. Loop only.
func (s *Supervisor) onExit(r *role, gen uint64, proc Process, st ExitStatus) {
	delete(s.byHandle, proc.Handle().ID())
	if gen != r.gen || r.proc != proc {
		s.log.Debug("ignoring exit of replaced process", "role", r.key.Role, "instance", r.key.Instance)
		return
	}
	r.proc = nil

	ev := ExitEvent{
		Key:             r.key,
		Code:            st.Code,
		Signal:          st.Signal,
		CleanDisconnect: r.state == stateStopping || s.terminating,
		KillOnFail:      s.cfg.KillOnFail[r.key.Role],
	}
	entry, _ := s.registry.MarkExited(r.key, time.Now())
	s.metrics.RecordRoleExit(string(r.key.Role), s.policy.Clean(ev))
	s.notify(entry)

	action := s.policy.Decide(ev, entry.RebootCount)
	s.log.Info("role exited",
		"role", r.key.Role,
		"instance", r.key.Instance,
		"code", st.Code,
		"signal", st.Signal,
		"reboots", entry.RebootCount,
		"action", action)

	switch action {
	case ActionStop:
		s.registry.ResetReboots(r.key)
		s.enter(r, stateDown)

	case ActionShutdown:
		s.registry.ResetReboots(r.key)
		s.enter(r, stateDown)
		s.terminate(ErrServerShutdown, "shutdown")

	case ActionGiveUp:
		s.log.Error("role exceeded restart limit, leaving it down",
			"role", r.key.Role, "instance", r.key.Instance, "reboots", entry.RebootCount)
		s.enter(r, stateDown)

	case ActionTerminate:
		s.enter(r, stateDown)
		s.terminate(&FatalError{Key: r.key, Code: st.Code, Signal: st.Signal, Reboots: entry.RebootCount}, "fatal")

	case ActionRestart:
		r.respawn = true
		s.enter(r, stateStarting)
		s.wg.Add(1)
		go s.respawnRole(r)
	}
}

func (s *Supervisor) respawnRole(r *role) {
	defer s.wg.Done()

	if err := r.limiter.Wait(s.ctx); err != nil {
		s.post(func() {
			r.respawn = false
			s.enter(r, stateDown)
		})
		return
	}

	abort := false
	if err := s.do(func() {
		if r.stopRequested || s.terminating {
			abort = true
			r.respawn = false
			s.enter(r, stateDown)
		}
	}); err != nil || abort {
		return
	}

	if _, err := s.launch(s.ctx, r); err != nil {
		s.log.Error("role respawn failed", "role", r.key.Role, "instance", r.key.Instance, "error", err)
	}
}

// terminate records the server outcome and stops everything. Loop only.
func (s *Supervisor) terminate(outcome error, reason string) {
	if !s.outcomeSet {
		s.outcome = outcome
		s.outcomeSet = true
	}
	s.metrics.RecordTermination(reason)
	go s.Shutdown(context.Background())
}

// ============================================================================
// Stop / Retire / Shutdown
// ============================================================================

// StopRole stops the process of key. The exit counts as a clean disconnect.
// The process gets SIGTERM, then SIGKILL after the stop grace period.
func (s *Supervisor) StopRole(ctx context.Context, key types.ProcessKey) error {
	return s.stopRole(ctx, key, false)
}

// Retire stops key and removes it from the registry.
func (s *Supervisor) Retire(ctx context.Context, key types.ProcessKey) error {
	return s.stopRole(ctx, key, true)
}

func (s *Supervisor) stopRole(ctx context.Context, key types.ProcessKey, retire bool) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}

	var idle chan struct{}
	err = s.do(func() {
		r := s.roles[key]
		if r == nil {
			return
		}
		if retire {
			r.retire = true
		}
		switch r.state {
		case stateDown:
			if retire {
				s.registry.Remove(key)
				delete(s.roles, key)
			}
		case stateRunning:
			s.enter(r, stateStopping)
			s.signal(r, syscall.SIGTERM)
		case stateStarting:
			r.stopRequested = true
		}
		idle = r.idle
	})
	if err != nil {
		return err
	}
	if idle == nil {
		return fmt.Errorf("%s: %w", key, ErrNotRegistered)
	}

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-idle:
		return nil
	case <-grace.C:
		s.log.Warn("role did not stop in time, killing", "role", key.Role, "instance", key.Instance)
	case <-ctx.Done():
	}

	s.do(func() {
		if r := s.roles[key]; r != nil {
			s.signal(r, syscall.SIGKILL)
		}
	})
	<-idle
	return ctx.Err()
}

// Shutdown stops every role in parallel and ends the loop. Later calls wait
// for the first one to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	first := false
	s.shutdownOnce.Do(func() { first = true })
	if !first {
		select {
		case <-s.finished:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var keys []types.ProcessKey
	s.do(func() {
		s.terminating = true
		for k, r := range s.roles {
			if r.state != stateDown {
				keys = append(keys, k)
			}
		}
	})
	s.log.Info("shutting down", "roles", len(keys))
	s.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error { return s.StopRole(gctx, key) })
	}
	err := g.Wait()

	s.quitOnce.Do(func() { close(s.quit) })
	<-s.loopDone
	s.wg.Wait()
	close(s.finished)

	s.log.Info("supervisor stopped")
	return err
}
