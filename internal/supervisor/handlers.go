package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/pkg/types"
)

// installHandlers registers the control messages role processes may send.
func (s *Supervisor) installHandlers() {
	for _, r := range []types.Role{types.RoleStudio, types.RoleNLU, types.RoleMessaging, types.RoleActionServer} {
		t, _ := bus.StartTypeFor(r)
		s.router.Register(t, s.handleStart(r))
	}
	s.router.Register(bus.TypeRegisterProcess, s.handleRegister)
	s.router.Register(bus.TypeRestartServer, s.handleRestart)
}

// handleStart starts a role on request of a peer. The launch runs in the
// background so the requesting handle keeps being served.
func (s *Supervisor) handleStart(r types.Role) bus.HandlerFunc {
	return func(_ context.Context, _ bus.Handle, msg bus.Message) error {
		p, ok := bus.As[*bus.StartRole](msg)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", msg.Type, msg.Payload)
		}
		key := types.ProcessKey{Role: r}
		if r == types.RoleActionServer {
			key.Instance = p.Instance
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.StartRole(s.ctx, key, p.Params); err != nil {
				s.log.Error("requested role start failed", "role", key.Role, "instance", key.Instance, "error", err)
			}
		}()
		return nil
	}
}

// handleRegister updates the advertised port of the sending process.
func (s *Supervisor) handleRegister(_ context.Context, from bus.Handle, msg bus.Message) error {
	p, ok := bus.As[*bus.RegisterProcess](msg)
	if !ok {
		return fmt.Errorf("%s: unexpected payload %T", msg.Type, msg.Payload)
	}
	if from == nil {
		return errors.New("RegisterProcess without a sender")
	}

	var opErr error
	err := s.do(func() {
		r := s.byHandle[from.ID()]
		if r == nil || r.proc == nil || r.proc.Handle() != from {
			opErr = fmt.Errorf("RegisterProcess from unknown handle %s", from.ID())
			return
		}
		if p.Role != "" && p.Role != r.key.Role {
			s.log.Warn("RegisterProcess role mismatch", "handle", from.ID(), "claimed", p.Role, "role", r.key.Role)
		}
		entry, ok := s.registry.UpdatePort(r.key, p.Port)
		if !ok {
			return
		}
		s.log.Info("role port updated", "role", r.key.Role, "instance", r.key.Instance, "port", p.Port)
		s.notify(entry)
		if r.state == stateRunning {
			s.broadcastPort(entry, from)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *Supervisor) handleRestart(context.Context, bus.Handle, bus.Message) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RestartAll(s.ctx); err != nil {
			s.log.Error("server restart failed", "error", err)
		}
	}()
	return nil
}

// RestartAll stops every active role cleanly, then starts each again with
// its captured parameters. Reboot counters start over.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	params := map[types.ProcessKey]map[string]string{}
	if err := s.do(func() {
		for k, r := range s.roles {
			if r.state == stateRunning || r.state == stateStarting {
				params[k] = r.params
			}
		}
	}); err != nil {
		return err
	}

	keys := make([]types.ProcessKey, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Role != keys[j].Role {
			return roleOrder(keys[i].Role) < roleOrder(keys[j].Role)
		}
		return keys[i].Instance < keys[j].Instance
	})
	s.log.Info("restarting server", "roles", len(keys))

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error { return s.StopRole(gctx, key) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var errs []error
	for _, key := range keys {
		if _, err := s.StartRole(ctx, key, params[key]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
