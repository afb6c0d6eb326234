package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"logshipper/internal/config"
	"logshipper/internal/logging"
	"logshipper/internal/pipeline"
)

// Runtime defines runtime inputs required to start the shipper.
// Params: ConfigPath points to the TOML configuration file; Reload delivers reload requests.
// Returns: Runtime value used by Run.
type Runtime struct {
	ConfigPath string
	Reload     <-chan struct{}
}

type shipperPipeline interface {
	Run(context.Context) error
	SwapOutput(config.LogDNAConfig) error
}

type runDeps struct {
	loadConfig  func(string) (*config.Config, error)
	newLogger   func(config.LogConfig) (*slog.Logger, func(), error)
	startDebug  func(context.Context, *config.Config, *slog.Logger) (func(), error)
	newPipeline func(context.Context, *config.Config, *slog.Logger) (shipperPipeline, error)
}

func defaultRunDeps() runDeps {
	return runDeps{
		loadConfig: config.Load,
		newLogger:  logging.New,
		startDebug: startDebugServer,
		newPipeline: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (shipperPipeline, error) {
			return pipeline.NewFromConfig(ctx, cfg, logger)
		},
	}
}

// Run loads configuration, ships records until ctx ends and applies reload requests.
// Params: ctx controls lifecycle; rt provides the config path and optional reload channel.
// Returns: startup error, fatal pipeline error or failed restore; nil on graceful stop.
func Run(ctx context.Context, rt Runtime) error {
	return runWithDeps(ctx, rt, defaultRunDeps())
}

func runWithDeps(ctx context.Context, rt Runtime, deps runDeps) error {
	path := strings.TrimSpace(rt.ConfigPath)
	if path == "" {
		return fmt.Errorf("config path is required")
	}

	cfg, err := deps.loadConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closeLog, err := deps.newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	s := &shipper{deps: deps, path: path}
	s.live, err = s.launch(ctx, cfg, logger, closeLog)
	if err != nil {
		closeLog()
		return err
	}
	return s.serve(ctx, rt.Reload)
}

// shipper tracks the generation currently moving records.
type shipper struct {
	deps runDeps
	path string
	live *generation
}

// generation is one started pipeline with the logger and debug server it runs under.
type generation struct {
	cfg       *config.Config
	logger    *slog.Logger
	closeLog  func()
	pipeline  shipperPipeline
	ctx       context.Context
	cancel    context.CancelFunc
	exited    chan error
	stopDebug func()
}

// serve waits for shutdown, pipeline exit or reload requests.
func (s *shipper) serve(ctx context.Context, reload <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			s.live.halt()
			s.live.logger.Info("shipper stopped", slog.String("reason", context.Cause(ctx).Error()))
			s.live.release()
			return nil

		case runErr := <-s.live.exited:
			s.live.exited = nil
			s.live.halt()
			if ctx.Err() != nil {
				s.live.logger.Info("shipper stopped", slog.String("reason", context.Cause(ctx).Error()))
				s.live.release()
				return nil
			}
			if runErr == nil {
				runErr = errors.New("pipeline exited before shutdown")
			}
			s.live.logger.Error("pipeline stopped unexpectedly", slog.String("error", runErr.Error()))
			s.live.release()
			return fmt.Errorf("run pipeline: %w", runErr)

		case _, ok := <-reload:
			if !ok {
				reload = nil
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			if err := s.reload(ctx); err != nil && s.live == nil {
				return err
			}
		}
	}
}

// launch starts the debug server and pipeline for cfg under the given logger.
// The caller keeps ownership of closeLog when launch fails.
func (s *shipper) launch(ctx context.Context, cfg *config.Config, logger *slog.Logger, closeLog func()) (*generation, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("runtime context canceled: %w", ctx.Err())
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopDebug, err := s.deps.startDebug(runCtx, cfg, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start debug server: %w", err)
	}

	p, err := s.deps.newPipeline(runCtx, cfg, logger)
	if err != nil {
		stopDebug()
		cancel()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	g := &generation{
		cfg:       cfg,
		logger:    logger,
		closeLog:  closeLog,
		pipeline:  p,
		ctx:       runCtx,
		cancel:    cancel,
		exited:    make(chan error, 1),
		stopDebug: stopDebug,
	}
	go func() {
		g.exited <- p.Run(runCtx)
	}()

	logStartup(logger, cfg)
	return g, nil
}

// reload re-reads the config file and applies only what changed.
// Returns: reload error; s.live is nil only when neither the new nor the previous config could run.
func (s *shipper) reload(ctx context.Context) error {
	live := s.live
	live.logger.Info("config reload requested")

	next, err := s.deps.loadConfig(s.path)
	if err != nil {
		live.logger.Error("config reload rejected", slog.String("error", err.Error()))
		return fmt.Errorf("reload config: %w", err)
	}

	plan := planReload(live.cfg, next)
	switch plan.kind {
	case reloadSkip:
		live.logger.Info("config reload skipped, nothing changed")
		return nil
	case reloadOutput:
		return s.swapOutput(next, plan.changed)
	default:
		return s.restart(ctx, next, plan.changed)
	}
}

// swapOutput replaces the LogDNA client in place; buffered chunks and the queue stay put.
func (s *shipper) swapOutput(next *config.Config, changed []string) error {
	live := s.live
	if err := live.pipeline.SwapOutput(next.LogDNA); err != nil {
		live.logger.Error("output swap failed, keeping previous output", slog.String("error", err.Error()))
		return fmt.Errorf("swap output: %w", err)
	}

	live.cfg = next
	live.refreshDebug(s.deps.startDebug)
	live.logger.Info("config reload applied", slog.String("mode", "output"), slog.Any("changed", changed))
	return nil
}

// restart stops the running pipeline and starts a new one; on failure the previous config is restored.
func (s *shipper) restart(ctx context.Context, next *config.Config, changed []string) error {
	prev := s.live

	logger, closeLog, err := s.deps.newLogger(next.Log)
	if err != nil {
		prev.logger.Error("config reload logger init failed", slog.String("error", err.Error()))
		return fmt.Errorf("init reload logger: %w", err)
	}

	prev.halt()
	started, startErr := s.launch(ctx, next, logger, closeLog)
	if startErr == nil {
		prev.release()
		s.live = started
		started.logger.Info("config reload applied", slog.String("mode", "restart"), slog.Any("changed", changed))
		return nil
	}
	closeLog()

	if ctx.Err() != nil {
		prev.logger.Info("config reload interrupted by shutdown")
		return nil
	}

	prev.logger.Error("config reload failed, restoring previous pipeline", slog.String("error", startErr.Error()))
	restored, restoreErr := s.launch(ctx, prev.cfg, prev.logger, prev.closeLog)
	if restoreErr != nil {
		prev.release()
		s.live = nil
		return fmt.Errorf("apply reload: %w; restore failed: %w", startErr, restoreErr)
	}
	s.live = restored
	restored.logger.Warn("previous pipeline restored", slog.String("error", startErr.Error()))
	return fmt.Errorf("apply reload: %w", startErr)
}

// halt stops the pipeline and debug server; the logger stays open.
func (g *generation) halt() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.exited != nil {
		<-g.exited
		g.exited = nil
	}
	if g.stopDebug != nil {
		g.stopDebug()
		g.stopDebug = nil
	}
}

// release closes the logger sinks of the generation.
func (g *generation) release() {
	if g.closeLog != nil {
		g.closeLog()
		g.closeLog = nil
	}
}

// refreshDebug restarts the debug server so /debug/config reports the current config.
func (g *generation) refreshDebug(start func(context.Context, *config.Config, *slog.Logger) (func(), error)) {
	if g.stopDebug != nil {
		g.stopDebug()
		g.stopDebug = nil
	}
	stop, err := start(g.ctx, g.cfg, g.logger)
	if err != nil {
		g.logger.Warn("debug server restart failed", slog.String("error", err.Error()))
		return
	}
	g.stopDebug = stop
}

func logStartup(logger *slog.Logger, cfg *config.Config) {
	logger.Info(
		"shipper started",
		slog.String("hostname", cfg.LogDNA.Hostname),
		slog.String("mac", cfg.LogDNA.MAC),
		slog.String("ip", cfg.LogDNA.IP),
		slog.String("ingester", cfg.LogDNA.IngesterDomain),
		slog.Bool("compress", cfg.LogDNA.Compress),
		slog.Bool("queue", cfg.Buffer.Queue.Enabled),
		slog.Int("inputs", len(cfg.Input.HTTP)),
	)
}

type reloadKind int

const (
	reloadSkip reloadKind = iota
	reloadOutput
	reloadRestart
)

type reloadPlan struct {
	kind    reloadKind
	changed []string
}

// planReload picks the cheapest way to apply next: nothing, an output swap, or a full restart.
// Only [logdna] changes can be swapped in place.
func planReload(prev, next *config.Config) reloadPlan {
	plan := reloadPlan{kind: reloadSkip, changed: configChanges(prev, next)}
	for _, name := range plan.changed {
		if !strings.HasPrefix(name, "logdna.") {
			plan.kind = reloadRestart
			return plan
		}
		plan.kind = reloadOutput
	}
	return plan
}

type trackedSetting struct {
	name    string
	differs func(prev, next *config.Config) bool
}

var trackedSettings = []trackedSetting{
	{"buffer", func(a, b *config.Config) bool { return !reflect.DeepEqual(a.Buffer, b.Buffer) }},
	{"input.http", func(a, b *config.Config) bool { return !reflect.DeepEqual(a.Input, b.Input) }},
	{"log", func(a, b *config.Config) bool { return a.Log != b.Log }},
	{"logdna.api_key", func(a, b *config.Config) bool { return a.LogDNA.APIKey != b.LogDNA.APIKey }},
	{"logdna.app", func(a, b *config.Config) bool { return a.LogDNA.App != b.LogDNA.App }},
	{"logdna.compress", func(a, b *config.Config) bool { return a.LogDNA.Compress != b.LogDNA.Compress }},
	{"logdna.discover_host", func(a, b *config.Config) bool { return a.LogDNA.DiscoverHost != b.LogDNA.DiscoverHost }},
	{"logdna.file", func(a, b *config.Config) bool { return a.LogDNA.File != b.LogDNA.File }},
	{"logdna.hostname", func(a, b *config.Config) bool { return a.LogDNA.Hostname != b.LogDNA.Hostname }},
	{"logdna.ingester_domain", func(a, b *config.Config) bool { return a.LogDNA.IngesterDomain != b.LogDNA.IngesterDomain }},
	{"logdna.ip", func(a, b *config.Config) bool { return a.LogDNA.IP != b.LogDNA.IP }},
	{"logdna.keep_alive", func(a, b *config.Config) bool { return a.LogDNA.KeepAlive != b.LogDNA.KeepAlive }},
	{"logdna.mac", func(a, b *config.Config) bool { return a.LogDNA.MAC != b.LogDNA.MAC }},
	{"logdna.message_charset", func(a, b *config.Config) bool { return a.LogDNA.MessageCharset != b.LogDNA.MessageCharset }},
	{"logdna.message_key", func(a, b *config.Config) bool { return a.LogDNA.MessageKey != b.LogDNA.MessageKey }},
	{"logdna.timeout", func(a, b *config.Config) bool { return a.LogDNA.Timeout != b.LogDNA.Timeout }},
	{"pprof", func(a, b *config.Config) bool { return a.Pprof != b.Pprof }},
}

// configChanges lists settings that differ between two configs, in name order.
// Secrets are reported by name only.
func configChanges(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var changed []string
	for _, setting := range trackedSettings {
		if setting.differs(prev, next) {
			changed = append(changed, setting.name)
		}
	}
	return changed
}
