// Package flotilla orchestrates fleets of log-shipping agent instances
// across remote machines: deployment, lifecycle, scaling, and liveness
// reconciliation, all recorded as tasks with per-instance step trails.
package flotilla

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/flotilla/internal/config"
	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/history"
	"github.com/loykin/flotilla/internal/history/clickhouse"
	"github.com/loykin/flotilla/internal/metrics"
	"github.com/loykin/flotilla/internal/orchestrator"
	"github.com/loykin/flotilla/internal/reconciler"
	"github.com/loykin/flotilla/internal/remote"
	"github.com/loykin/flotilla/internal/repository/factory"
	"github.com/loykin/flotilla/internal/server"
	"github.com/loykin/flotilla/internal/state"
	"github.com/loykin/flotilla/internal/step"
	"github.com/loykin/flotilla/internal/task"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Machine = fleet.Machine

type Process = fleet.Process

type Instance = fleet.Instance

type Task = fleet.Task

type ScaleRequest = orchestrator.ScaleRequest

type ScaleResult = orchestrator.ScaleResult

type Config = config.Config

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// Engine bundles a fully wired orchestration stack.
type Engine struct {
	cfg   config.Config
	orch  *orchestrator.Orchestrator
	tasks *task.Service
	rec   *reconciler.Reconciler
	hist  history.Sink
	store interface{ Close() error }
}

// New wires an engine with the local shell executor. Production setups
// that reach machines over SSH supply their own transport via
// NewWithExecutor.
func New(cfg Config) (*Engine, error) {
	return NewWithExecutor(cfg, remote.NewShellExecutor())
}

func NewWithExecutor(cfg Config, exec remote.Executor) (*Engine, error) {
	log := cfg.Log.NewSlogger()
	store, err := factory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}
	var hist history.Sink = history.Noop{}
	if cfg.History.Type == "clickhouse" {
		sink, err := clickhouse.New(cfg.History.Addr, cfg.History.Database,
			cfg.History.Username, cfg.History.Password, cfg.History.Table)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := sink.EnsureTable(context.Background()); err != nil {
			_ = sink.Close()
			_ = store.Close()
			return nil, err
		}
		hist = sink
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("register metrics", "error", err)
	}
	steps := step.NewRegistry(exec, store.Instances(), step.Config{
		PackagePath: cfg.Deploy.PackagePath,
	})
	tasks := task.NewService(store, steps, cfg.Tasks.Workers, log)
	states := state.NewManager(store, hist, log)
	orch := orchestrator.New(store, tasks, states, steps,
		orchestrator.Config{DeployBaseDir: cfg.Deploy.BaseDir}, log)
	rec := reconciler.New(store, exec, reconciler.Config{
		Interval: cfg.Reconciler.Interval,
		Grace:    cfg.Reconciler.Grace,
	}, log)
	return &Engine{cfg: cfg, orch: orch, tasks: tasks, rec: rec, hist: hist, store: store}, nil
}

// Orchestrator returns the engine's operation API.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orch }

// Serve starts the HTTP API in the background and returns the server.
func (e *Engine) Serve() *http.Server {
	return server.NewServer(e.cfg.Server.Listen, e.cfg.Server.BasePath, e.orch)
}

// Handler returns the HTTP API for embedding in another server.
func (e *Engine) Handler() http.Handler {
	return server.NewRouter(e.orch, e.cfg.Server.BasePath).Handler()
}

// StartReconciler launches the PID liveness sweep loop.
func (e *Engine) StartReconciler() { e.rec.Start() }

// Close stops the reconciler, waits for running tasks, and releases the
// store and history sink.
func (e *Engine) Close() error {
	e.rec.Stop()
	e.tasks.Wait()
	_ = e.hist.Close()
	return e.store.Close()
}
