// ============================================================================
// Fleet CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the fleet command line interface based on Cobra
//
// Command Structure:
//   fleet                          # Root command
//   ├── run                        # Start the supervisor and its roles
//   ├── train                      # Run trainings on a local pool
//   │   └── --file, -f             # Job JSON file
//   ├── status                     # Query a running server's health endpoint
//   │   └── --addr                 # Health server address
//   ├── config                     # Print the effective configuration
//   ├── worker                     # (hidden) pool worker process
//   ├── --config, -c               # Config file, defaults built in
//   └── --version
//
// run Command:
//   1. Load config and install the slog handler
//   2. Start metrics and health servers (if enabled)
//   3. Create the training pool and job manager
//   4. Start the supervisor and autostart roles
//   5. Wait for SIGINT/SIGTERM or for the supervisor to end the server
//
//   The process exit code follows the supervisor outcome: 0 after a signal
//   or a clean web exit, the failed role's exit code (or 1) after a
//   kill-on-fail termination.
//
// train Command:
//   JSON format:
//   [
//     {"id": "job-1", "kind": "svm", "data": {...}, "options": {"steps": 5}}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/internal/config"
	"github.com/ChuLiYu/fleet/internal/jobmanager"
	"github.com/ChuLiYu/fleet/internal/metrics"
	"github.com/ChuLiYu/fleet/internal/server"
	"github.com/ChuLiYu/fleet/internal/supervisor"
	"github.com/ChuLiYu/fleet/internal/tracing"
	"github.com/ChuLiYu/fleet/internal/worker"
	"github.com/ChuLiYu/fleet/pkg/types"
)

// Version is reported by --version and attached to spans.
var Version = "0.1.0"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Fleet: a supervisor for bot server roles and training workers",
		Long: `Fleet runs the processes of one bot server:
- bounded restarts with a reset on clean exits
- port broadcast between roles
- a training worker pool with per-job progress and cancel`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults built in)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildTrainCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildConfigCommand())
	rootCmd.AddCommand(buildWorkerCommand())

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := BuildCLI().ExecuteContext(context.Background())
	code := ExitCode(err)
	if code != 0 {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return code
}

// ExitCode maps a command outcome to a process exit code.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, supervisor.ErrServerShutdown) {
		return 0
	}
	var fatal *supervisor.FatalError
	if errors.As(err, &fatal) && fatal.Code > 0 {
		return fatal.Code
	}
	return 1
}

// ============================================================================
// Shared setup
// ============================================================================

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the slog logger described by lc, writing to w.
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func initTracing(cfg *config.Config, log *slog.Logger) func() {
	if !cfg.Tracing.Enabled {
		return func() {}
	}
	shutdown, err := tracing.Init("fleet", Version, cfg.Tracing.Output)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}
}

// newSpawner returns the worker source for ml.mode.
func newSpawner(ml config.MLConfig, log *slog.Logger) (worker.Spawner, error) {
	if ml.Mode != config.ModeProcess {
		return worker.NewGoroutineSpawner(worker.SimulatedTrainers(ml.ProgressSteps, ml.StepDelay)), nil
	}
	command := ml.WorkerCommand
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker executable: %w", err)
		}
		command = []string{self, "worker"}
		if configFile != "" {
			command = append(command, "--config", configFile)
		}
	}
	return worker.NewProcessSpawner(command, log), nil
}

func newTraining(cfg *config.Config, log *slog.Logger, m *metrics.Collector) (*worker.Pool, *jobmanager.JobManager, error) {
	spawner, err := newSpawner(cfg.ML, log)
	if err != nil {
		return nil, nil, err
	}
	pool := worker.NewPool(spawner,
		worker.WithLogger(log),
		worker.WithMetrics(m),
		worker.WithSize(worker.Size(cfg.ML.MaxWorkers)),
	)
	jm := jobmanager.NewJobManager(pool, jobmanager.WithLogger(log), jobmanager.WithMetrics(m))
	return pool, jm, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the fleet supervisor",
		Long:  "Start the supervisor, autostart the configured roles and serve metrics and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer initTracing(cfg, log)()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log, supervisor.NewProcessLauncher(cfg.Roles, log))
		},
	}
}

// runServer runs one server until ctx is done or the supervisor ends it,
// and returns the supervisor outcome.
func runServer(ctx context.Context, cfg *config.Config, log *slog.Logger, launcher supervisor.Launcher) error {
	scfg, err := supervisor.ConfigFrom(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	health := server.NewServer(log)
	pool, jm, err := newTraining(cfg, log, m)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer jm.Close()

	sup := supervisor.New(scfg, launcher,
		supervisor.WithLogger(log),
		supervisor.WithMetrics(m),
		supervisor.WithStatusHook(health.Observe),
	)
	jobmanager.NewBridge(jm, log).Install(sup.Router())
	log.Info("server starting", "server_id", scfg.Env.ServerID, "max_reboots", scfg.MaxReboots)

	srvCtx, stopServers := context.WithCancel(ctx)
	defer stopServers()
	g, gctx := errgroup.WithContext(srvCtx)

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Info("metrics server listening", "port", cfg.Metrics.Port)
			return metrics.Serve(gctx, cfg.Metrics.Port, reg)
		})
	}
	if cfg.Health.Enabled {
		g.Go(func() error { return health.Serve(gctx, cfg.Health.Port) })
	}

	g.Go(func() error {
		select {
		case <-sup.Done():
			log.Info("supervisor finished")
		case <-gctx.Done():
			log.Info("received shutdown signal, stopping gracefully")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), scfg.StopGrace+5*time.Second)
			defer cancel()
			if err := sup.Shutdown(shutdownCtx); err != nil {
				log.Warn("shutdown incomplete", "error", err)
			}
		}
		stopServers()
		return nil
	})

	if err := autostart(ctx, cfg, sup, log); err != nil {
		log.Error("autostart failed", "error", err)
		stopServers()
		g.Wait()
		sup.Shutdown(context.Background())
		return err
	}

	serveErr := g.Wait()
	if outcome := sup.Wait(); outcome != nil {
		return outcome
	}
	return serveErr
}

// autostart starts the roles marked autostart in role order. A failure of
// a kill-on-fail role aborts the server.
func autostart(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor, log *slog.Logger) error {
	for _, r := range types.Roles {
		rc := cfg.Role(r)
		if !rc.Autostart {
			continue
		}
		entry, err := sup.StartRole(ctx, types.KeyOf(r), nil)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, supervisor.ErrSupervisorStopped) {
				return nil // shutting down
			}
			if rc.KillOnFail {
				return fmt.Errorf("failed to start %s: %w", r, err)
			}
			log.Warn("role did not start", "role", r, "error", err)
			continue
		}
		log.Info("role started", "role", r, "port", entry.Port)
	}
	return nil
}

// ============================================================================
// train
// ============================================================================

// jobInput is one entry of a train job file.
type jobInput struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

func buildTrainCommand() *cobra.Command {
	var jobFile string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run trainings from a JSON file",
		Long:  "Read training jobs from a JSON file, run them on a local worker pool and print progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer initTracing(cfg, log)()

			jobs, err := readJobs(jobFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return runTrainings(ctx, cfg, log, jobs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing training jobs")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel trainings still running after this long")
	cmd.MarkFlagRequired("file")

	return cmd
}

func readJobs(path string) ([]jobInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []jobInput
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return jobs, nil
}

// runTrainings runs every job concurrently and prints one line per progress
// value and per result. It fails when any job did not complete.
func runTrainings(ctx context.Context, cfg *config.Config, log *slog.Logger, jobs []jobInput, out io.Writer) error {
	pool, jm, err := newTraining(cfg, log, nil)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer jm.Close()

	lines := make(chan string)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for line := range lines {
			fmt.Fprintln(out, line)
		}
	}()

	var g errgroup.Group
	failed := make([]bool, len(jobs))
	for i, j := range jobs {
		sess, err := jm.Train(ctx, types.JobID(j.ID), types.Kind(j.Kind), j.Data, j.Options)
		if err != nil {
			lines <- fmt.Sprintf("%s: %v", j.ID, err)
			failed[i] = true
			continue
		}
		i := i
		g.Go(func() error {
			for v := range sess.Progress() {
				lines <- fmt.Sprintf("%s: %3.0f%%", sess.ID(), v*100)
			}
			res, err := sess.Wait(context.Background())
			if err != nil {
				failed[i] = true
				lines <- fmt.Sprintf("%s: %s: %v", res.ID, res.State, err)
				return nil
			}
			lines <- fmt.Sprintf("%s: %s %s", res.ID, res.State, res.Output)
			return nil
		})
	}
	g.Wait()
	close(lines)
	<-printed

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	if n > 0 {
		return fmt.Errorf("%d of %d trainings did not complete", n, len(jobs))
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show role status of a running server",
		Long:  "Query the health endpoint of a running fleet server for every role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				addr = fmt.Sprintf("localhost:%d", cfg.Health.Port)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			return showStatus(ctx, addr, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "health server address (default localhost:<health.port>)")
	return cmd
}

func showStatus(ctx context.Context, addr string, out io.Writer) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	return printStatus(ctx, healthpb.NewHealthClient(conn), out)
}

func printStatus(ctx context.Context, client healthpb.HealthClient, out io.Writer) error {
	overall, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Fprintf(out, "server: %s\n", overall.GetStatus())

	for _, r := range types.Roles {
		if !r.Singleton() {
			continue // instances are keyed by id
		}
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName(types.KeyOf(r))})
		if err != nil {
			fmt.Fprintf(out, "  %-12s not started\n", r)
			continue
		}
		fmt.Fprintf(out, "  %-12s %s\n", r, resp.GetStatus())
	}
	return nil
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a training pool worker on the inherited pipes",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			id := os.Getenv(worker.EnvWorkerID)
			log = log.With("worker", id)

			h, err := bus.Inherited(id, log)
			if err != nil {
				return fmt.Errorf("worker must be started by a fleet pool: %w", err)
			}
			// the parent stops workers by closing the pipes; signals only interrupt
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w := worker.New(id, worker.SimulatedTrainers(cfg.ML.ProgressSteps, cfg.ML.StepDelay))
			return w.Serve(ctx, h)
		},
	}
}
