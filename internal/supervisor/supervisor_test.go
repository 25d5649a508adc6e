package supervisor

// ============================================================================
// Supervisor Test File
// Purpose: Verify registration, bounded restarts, port broadcast, stop and
//          shutdown flows against in-memory role processes
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/internal/metrics"
	"github.com/ChuLiYu/fleet/pkg/types"
)

var testTime = time.Unix(1700000000, 0)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Fake role processes
// ============================================================================

type fakeProc struct {
	key    types.ProcessKey
	port   int
	parent *bus.ChanHandle
	child  *bus.ChanHandle

	ignoreTerm bool

	mu      sync.Mutex
	signals []os.Signal
	inbox   []bus.Message

	once   sync.Once
	done   chan struct{}
	status ExitStatus
}

func (p *fakeProc) Handle() bus.Handle { return p.parent }
func (p *fakeProc) PID() int           { return 0 }
func (p *fakeProc) Port() int          { return p.port }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreTerm && sig == syscall.SIGTERM
	p.mu.Unlock()
	if !ignore {
		p.exit(ExitStatus{Code: -1, Signal: sig.(syscall.Signal)})
	}
	return nil
}

func (p *fakeProc) Wait() ExitStatus {
	<-p.done
	return p.status
}

func (p *fakeProc) exit(st ExitStatus) {
	p.once.Do(func() {
		p.status = st
		close(p.done)
		p.child.Close()
	})
}

func (p *fakeProc) crash()                   { p.exit(ExitStatus{Code: 1}) }
func (p *fakeProc) finish()                  { p.exit(ExitStatus{Code: 0}) }
func (p *fakeProc) send(m bus.Message) error { return p.child.Send(m) }

func (p *fakeProc) drain() {
	for msg := range p.child.Receive() {
		p.mu.Lock()
		p.inbox = append(p.inbox, msg)
		p.mu.Unlock()
	}
}

func (p *fakeProc) received() []bus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Message(nil), p.inbox...)
}

func (p *fakeProc) gotSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

type fakeLauncher struct {
	mu         sync.Mutex
	nextPort   int
	fail       map[types.Role]error
	ignoreTerm map[types.Role]bool
	requests   []LaunchRequest
	launched   chan *fakeProc
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPort:   3000,
		fail:       map[types.Role]error{},
		ignoreTerm: map[types.Role]bool{},
		launched:   make(chan *fakeProc, 64),
	}
}

func (l *fakeLauncher) Launch(_ context.Context, req LaunchRequest) (Process, error) {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	if err := l.fail[req.Key.Role]; err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.nextPort++
	port := l.nextPort
	ignore := l.ignoreTerm[req.Key.Role]
	l.mu.Unlock()

	parent, child := bus.NewChanPair(fmt.Sprintf("%s-%d", req.Key, port), "child")
	p := &fakeProc{key: req.Key, port: port, parent: parent, child: child, ignoreTerm: ignore, done: make(chan struct{})}
	go p.drain()
	l.launched <- p
	return p, nil
}

func (l *fakeLauncher) setFail(role types.Role, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[role] = err
}

func (l *fakeLauncher) lastRequest() LaunchRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[len(l.requests)-1]
}

// next waits for the next launched process.
func (l *fakeLauncher) next(t *testing.T) *fakeProc {
	t.Helper()
	select {
	case p := <-l.launched:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no process launched")
		return nil
	}
}

func (l *fakeLauncher) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case p := <-l.launched:
		t.Fatalf("unexpected launch of %s", p.key)
	case <-time.After(100 * time.Millisecond):
	}
}

// ============================================================================
// Helpers
// ============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StopGrace = 200 * time.Millisecond
	return cfg
}

func newTestSupervisor(t *testing.T, cfg Config, opts ...Option) (*Supervisor, *fakeLauncher) {
	t.Helper()
	l := newFakeLauncher()
	s := New(cfg, l, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, l
}

func mustStart(t *testing.T, s *Supervisor, key types.ProcessKey) types.ProcessEntry {
	t.Helper()
	e, err := s.StartRole(context.Background(), key, nil)
	require.NoError(t, err)
	return e
}

func waitEntry(t *testing.T, s *Supervisor, key types.ProcessKey, cond func(types.ProcessEntry) bool) types.ProcessEntry {
	t.Helper()
	var last types.ProcessEntry
	require.Eventually(t, func() bool {
		e, ok := s.Registry().Get(key)
		last = e
		return ok && cond(e)
	}, 2*time.Second, 5*time.Millisecond, "entry %s never matched, last %+v", key, last)
	return last
}

func broadcasts(p *fakeProc) []bus.BroadcastProcess {
	var out []bus.BroadcastProcess
	for _, m := range p.received() {
		if b, ok := bus.As[*bus.BroadcastProcess](m); ok {
			out = append(out, *b)
		}
	}
	return out
}

func waitStopped(t *testing.T, s *Supervisor) error {
	t.Helper()
	select {
	case <-s.Done():
		return s.Wait()
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

// ============================================================================
// Registration
// ============================================================================

func TestStartRoleRegisters(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())

	entry := mustStart(t, s, types.KeyOf(types.RoleNLU))
	p := l.next(t)

	assert.Equal(t, p.port, entry.Port)
	assert.Equal(t, 0, entry.RebootCount)
	assert.True(t, entry.Alive)
	assert.Equal(t, p.parent.ID(), entry.HandleID)

	got, ok := s.Registry().Get(types.KeyOf(types.RoleNLU))
	require.True(t, ok)
	assert.Equal(t, entry, got)

	// starting a running role is a no-op
	again := mustStart(t, s, types.KeyOf(types.RoleNLU))
	assert.Equal(t, entry, again)
	l.assertIdle(t)
}

func TestStartRoleRejectsUnknownRole(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig())
	_, err := s.StartRole(context.Background(), types.ProcessKey{Role: "chat"}, nil)
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestActionServerInstances(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())

	a := mustStart(t, s, types.ProcessKey{Role: types.RoleActionServer, Instance: "a"})
	l.next(t)
	b := mustStart(t, s, types.ProcessKey{Role: types.RoleActionServer})
	l.next(t)

	assert.Equal(t, "a", a.Key.Instance)
	assert.NotEmpty(t, b.Key.Instance)
	assert.NotEqual(t, a.Key, b.Key)
	assert.Len(t, s.Registry().Live(), 2)
}

func TestLaunchEnvironment(t *testing.T) {
	cfg := testConfig()
	cfg.Env.DatabaseURL = "postgres://db"
	s, l := newTestSupervisor(t, cfg)

	studio := mustStart(t, s, types.KeyOf(types.RoleStudio))
	l.next(t)
	_, err := s.StartRole(context.Background(), types.KeyOf(types.RoleNLU), map[string]string{"MODEL_DIR": "/models"})
	require.NoError(t, err)
	l.next(t)

	env := l.lastRequest().Env
	assert.Equal(t, "nlu", env["ROLE"])
	assert.Equal(t, cfg.Env.ServerID, env["SERVER_ID"])
	assert.Equal(t, cfg.Env.InternalPassword, env["INTERNAL_PASSWORD"])
	assert.Equal(t, "postgres://db", env["DATABASE_URL"])
	assert.Equal(t, fmt.Sprint(studio.Port), env["STUDIO_PORT"])
	assert.Equal(t, "/models", env["MODEL_DIR"])
}

func TestLaunchFailureIsUnavailable(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())
	l.setFail(types.RoleNLU, errors.New("binary missing"))

	_, err := s.StartRole(context.Background(), types.KeyOf(types.RoleNLU), nil)
	assert.ErrorIs(t, err, ErrRoleUnavailable)
	_, ok := s.Registry().Get(types.KeyOf(types.RoleNLU))
	assert.False(t, ok)

	l.setFail(types.RoleNLU, nil)
	entry := mustStart(t, s, types.KeyOf(types.RoleNLU))
	l.next(t)
	assert.Equal(t, 0, entry.RebootCount)
}

// ============================================================================
// Restart policy
// ============================================================================

func TestRebootCounterResetsOnCleanExit(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())
	key := types.KeyOf(types.RoleNLU)

	mustStart(t, s, key)
	l.next(t).crash()
	p1 := l.next(t)
	waitEntry(t, s, key, func(e types.ProcessEntry) bool { return e.Alive && e.RebootCount == 1 })

	p1.finish()
	waitEntry(t, s, key, func(e types.ProcessEntry) bool { return !e.Alive && e.RebootCount == 0 })
	l.assertIdle(t)

	// a deliberate signal from outside also counts as clean
	mustStart(t, s, key)
	l.next(t).crash()
	p3 := l.next(t)
	waitEntry(t, s, key, func(e types.ProcessEntry) bool { return e.Alive && e.RebootCount == 1 })
	p3.exit(ExitStatus{Code: -1, Signal: syscall.SIGTERM})
	waitEntry(t, s, key, func(e types.ProcessEntry) bool { return !e.Alive && e.RebootCount == 0 })
	l.assertIdle(t)
}

func TestOutsideKillRestarts(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())
	key := types.KeyOf(types.RoleNLU)

	mustStart(t, s, key)
	l.next(t).exit(ExitStatus{Code: -1, Signal: syscall.SIGKILL})

	l.next(t)
	waitEntry(t, s, key, func(e types.ProcessEntry) bool { return e.Alive && e.RebootCount == 1 })
}

func TestBoundedRestartTerminatesOnKillOnFail(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())
	key := types.KeyOf(types.RoleWeb)

	mustStart(t, s, key)
	for i := 0; i < 3; i++ {
		l.next(t).crash()
	}

	err := waitStopped(t, s)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, key, fatal.Key)
	assert.Equal(t, 2, fatal.Reboots)
	assert.Equal(t, 1, fatal.Code)
	l.assertIdle(t)
}

func TestBoundedRestartGivesUp(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())
	key := types.KeyOf(types.RoleNLU)

	mustStart(t, s, key)
	for i := 0; i < 3; i++ {
		l.next(t).crash()
	}

	e := waitEntry(t, s, key, func(e types.ProcessEntry) bool { return !e.Alive && e.RebootCount == 2 })
	assert.NotNil(t, e.ExitedAt)
	l.assertIdle(t)

	select {
	case <-s.Done():
		t.Fatal("giving up on a role must not stop the server")
	default:
	}
}

func TestWebCleanExitShutsDownServer(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())

	mustStart(t, s, types.KeyOf(types.RoleWeb))
	web := l.next(t)
	mustStart(t, s, types.KeyOf(types.RoleNLU))
	nlu := l.next(t)

	web.finish()
	assert.ErrorIs(t, waitStopped(t, s), ErrServerShutdown)
	assert.Contains(t, nlu.gotSignals(), os.Signal(syscall.SIGTERM))
	l.assertIdle(t)
}

func TestStaleExitIgnored(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())
	key := types.KeyOf(types.RoleNLU)

	mustStart(t, s, key)
	p0 := l.next(t)
	p0.crash()
	l.next(t)
	waitEntry(t, s, key, func(e types.ProcessEntry) bool { return e.Alive && e.RebootCount == 1 })

	// a late duplicate exit of the first process
	require.NoError(t, s.do(func() {
		r := s.roles[key]
		s.onExit(r, 1, p0, ExitStatus{Code: 1})
	}))

	e, _ := s.Registry().Get(key)
	assert.True(t, e.Alive)
	assert.Equal(t, 1, e.RebootCount)
	l.assertIdle(t)
}

func TestRestartCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.RestartCooldown = 200 * time.Millisecond
	s, l := newTestSupervisor(t, cfg)

	mustStart(t, s, types.KeyOf(types.RoleNLU))
	l.next(t).crash()
	p1 := l.next(t) // first respawn uses the burst token

	start := time.Now()
	p1.crash()
	l.next(t)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

// ============================================================================
// Broadcast
// ============================================================================

func TestPortBroadcast(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())

	mustStart(t, s, types.KeyOf(types.RoleStudio))
	studio := l.next(t)
	nluEntry := mustStart(t, s, types.KeyOf(types.RoleNLU))
	nlu := l.next(t)

	want := bus.BroadcastProcess{Role: types.RoleNLU, Port: nluEntry.Port}
	require.Eventually(t, func() bool {
		for _, b := range broadcasts(studio) {
			if b == want {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// the newcomer learns about peers that were already up
	require.Eventually(t, func() bool {
		for _, b := range broadcasts(nlu) {
			if b.Role == types.RoleStudio && b.Port == studio.port {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	for _, b := range broadcasts(nlu) {
		assert.NotEqual(t, types.RoleNLU, b.Role, "a process is never told about itself")
	}
}

func TestRegisterProcessUpdatesPort(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())

	mustStart(t, s, types.KeyOf(types.RoleStudio))
	studio := l.next(t)
	mustStart(t, s, types.KeyOf(types.RoleNLU))
	nlu := l.next(t)

	require.NoError(t, nlu.send(bus.New(bus.TypeRegisterProcess, "", &bus.RegisterProcess{Role: types.RoleNLU, Port: 4242})))

	waitEntry(t, s, types.KeyOf(types.RoleNLU), func(e types.ProcessEntry) bool { return e.Port == 4242 })
	require.Eventually(t, func() bool {
		for _, b := range broadcasts(studio) {
			if b.Role == types.RoleNLU && b.Port == 4242 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// Messages from roles
// ============================================================================

func TestStartRequestFromPeer(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())

	mustStart(t, s, types.KeyOf(types.RoleWeb))
	web := l.next(t)

	require.NoError(t, web.send(bus.New(bus.TypeStartActionServer, "", &bus.StartRole{
		Instance: "bot-1",
		Params:   map[string]string{"APP_SECRET": "s3cret"},
	})))

	p := l.next(t)
	assert.Equal(t, types.ProcessKey{Role: types.RoleActionServer, Instance: "bot-1"}, p.key)
	assert.Equal(t, "s3cret", l.lastRequest().Env["APP_SECRET"])
	waitEntry(t, s, p.key, func(e types.ProcessEntry) bool { return e.Alive })
}

func TestRestartServerMessage(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())

	mustStart(t, s, types.KeyOf(types.RoleWeb))
	web := l.next(t)
	_, err := s.StartRole(context.Background(), types.KeyOf(types.RoleNLU), map[string]string{"LANG": "en"})
	require.NoError(t, err)
	nlu := l.next(t)

	require.NoError(t, web.send(bus.New(bus.TypeRestartServer, "", &bus.RestartServer{})))

	restarted := map[types.Role]*fakeProc{}
	for i := 0; i < 2; i++ {
		p := l.next(t)
		restarted[p.key.Role] = p
	}
	require.Contains(t, restarted, types.RoleWeb)
	require.Contains(t, restarted, types.RoleNLU)
	assert.Equal(t, "en", l.lastRequest().Env["LANG"], "captured params are reused")

	assert.Contains(t, web.gotSignals(), os.Signal(syscall.SIGTERM))
	assert.Contains(t, nlu.gotSignals(), os.Signal(syscall.SIGTERM))
	for _, role := range []types.Role{types.RoleWeb, types.RoleNLU} {
		e := waitEntry(t, s, types.KeyOf(role), func(e types.ProcessEntry) bool { return e.Alive })
		assert.Equal(t, 0, e.RebootCount)
	}

	select {
	case <-s.Done():
		t.Fatal("restart must not stop the server")
	default:
	}
}

func TestUnknownMessageCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	s, l := newTestSupervisor(t, testConfig(), WithMetrics(m))

	mustStart(t, s, types.KeyOf(types.RoleNLU))
	p := l.next(t)
	require.NoError(t, p.send(bus.Message{Type: "Telemetry", Payload: &bus.Raw{}}))

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "fleet_dispatch_errors_total")
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond)

	e, _ := s.Registry().Get(types.KeyOf(types.RoleNLU))
	assert.True(t, e.Alive)
}

// ============================================================================
// Stop / Retire / Shutdown
// ============================================================================

func TestStopRoleIsClean(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())
	key := types.KeyOf(types.RoleNLU)

	mustStart(t, s, key)
	l.next(t).crash()
	p1 := l.next(t)
	waitEntry(t, s, key, func(e types.ProcessEntry) bool { return e.Alive && e.RebootCount == 1 })

	require.NoError(t, s.StopRole(context.Background(), key))
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, p1.gotSignals())

	e, ok := s.Registry().Get(key)
	require.True(t, ok)
	assert.False(t, e.Alive)
	assert.Equal(t, 0, e.RebootCount)
	l.assertIdle(t)
}

func TestStopRoleKillsAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.StopGrace = 50 * time.Millisecond
	s, l := newTestSupervisor(t, cfg)
	l.ignoreTerm[types.RoleNLU] = true

	mustStart(t, s, types.KeyOf(types.RoleNLU))
	p := l.next(t)

	require.NoError(t, s.StopRole(context.Background(), types.KeyOf(types.RoleNLU)))
	assert.Equal(t, []os.Signal{syscall.SIGTERM, syscall.SIGKILL}, p.gotSignals())
	l.assertIdle(t)
}

func TestStopUnknownRole(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig())
	err := s.StopRole(context.Background(), types.KeyOf(types.RoleStudio))
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRetireRemovesEntry(t *testing.T) {
	s, l := newTestSupervisor(t, testConfig())
	key := types.ProcessKey{Role: types.RoleActionServer, Instance: "old"}

	mustStart(t, s, key)
	l.next(t)

	require.NoError(t, s.Retire(context.Background(), key))
	_, ok := s.Registry().Get(key)
	assert.False(t, ok)
	l.assertIdle(t)
}

func TestShutdownStopsEverything(t *testing.T) {
	var mu sync.Mutex
	var downs []types.ProcessKey
	hook := func(e types.ProcessEntry) {
		if !e.Alive {
			mu.Lock()
			downs = append(downs, e.Key)
			mu.Unlock()
		}
	}
	s, l := newTestSupervisor(t, testConfig(), WithStatusHook(hook))

	for _, r := range []types.Role{types.RoleWeb, types.RoleStudio, types.RoleNLU} {
		mustStart(t, s, types.KeyOf(r))
		l.next(t)
	}

	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, s.Wait())
	assert.Empty(t, s.Registry().Live())

	mu.Lock()
	assert.Len(t, downs, 3)
	mu.Unlock()

	_, err := s.StartRole(context.Background(), types.KeyOf(types.RoleNLU), nil)
	assert.ErrorIs(t, err, ErrSupervisorStopped)
	l.assertIdle(t)
}
