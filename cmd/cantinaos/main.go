// Command cantinaos is the CantinaOS composition root: it wires every
// service around one event bus, starts them in dependency order, and
// stops them in reverse order on SIGINT/SIGTERM.
//
// The subcommand dispatch (flag parsing, a "version" subcommand, a
// single long-running default mode) is grounded on the teacher's
// cmd/thane/main.go, collapsed from Thane's serve/ask/ingest surface
// to CantinaOS's single "run" mode since there is no one-shot query
// path in this domain.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/brain"
	"github.com/makeorbreakshop/cantinaos/internal/buildinfo"
	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/cli"
	"github.com/makeorbreakshop/cantinaos/internal/config"
	"github.com/makeorbreakshop/cantinaos/internal/debugsvc"
	"github.com/makeorbreakshop/cantinaos/internal/dispatcher"
	"github.com/makeorbreakshop/cantinaos/internal/eyes"
	"github.com/makeorbreakshop/cantinaos/internal/memory"
	"github.com/makeorbreakshop/cantinaos/internal/mode"
	"github.com/makeorbreakshop/cantinaos/internal/music"
	"github.com/makeorbreakshop/cantinaos/internal/service"
	"github.com/makeorbreakshop/cantinaos/internal/speech"
	"github.com/makeorbreakshop/cantinaos/internal/timeline"
	"github.com/makeorbreakshop/cantinaos/internal/webbridge"

	"github.com/google/uuid"
)

// cliAliases maps CLI shortcuts to their canonical verb (§6 CLI surface).
var cliAliases = map[string]string{
	"e": "engage",
	"d": "disengage",
	"a": "ambient",
	"r": "reset",
	"s": "status",
	"l": "list",
	"p": "play",
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.ContextString())
		return
	}

	run(logger, *configPath)
}

// run loads config, constructs and starts every service in dependency
// order, blocks until a shutdown signal, then stops every service in
// reverse order. It exits 1 on a startup failure and returns normally
// (exit 0) after a shutdown signal; no runtime failure path exits with
// code 2.
func run(logger *slog.Logger, configPath string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		level, lvlErr := config.ParseLogLevel(cfg.LogLevel)
		if lvlErr != nil {
			logger.Error("invalid log_level in config", "error", lvlErr)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}
	logger.Info("cantinaos starting", "version", buildinfo.Version, "config", cfgPath)

	if err := os.MkdirAll(dirOf(cfg.Memory.DBPath), 0755); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	b := bus.New(logger)

	dbg := debugsvc.New(b, logger, os.Stdout, debugsvc.DefaultQueueSize)
	cmdDisp := dispatcher.New(b, logger, cliAliases)
	memStore, err := memory.New(b, logger, cfg.Memory.DBPath, cfg.Memory.ChatHistoryLimit)
	if err != nil {
		logger.Error("failed to open memory store", "error", err)
		os.Exit(1)
	}
	executor := timeline.New(b, logger, timeline.DefaultWaitForEventConfig)
	musicCoord := music.New(b, logger, cfg.Music.LocalDirectory)
	speechCoord := speech.New(b, logger, nil, nil)
	brainSvc := brain.New(b, logger, memStore, nil)
	var ledWriter eyes.Writer
	if cfg.LED.Mock {
		ledWriter = &eyes.MockWriter{}
	}
	eyeCtl := eyes.New(b, logger, ledWriter)
	modeMgr := mode.New(b, logger, newModeEffects(executor, speechCoord, eyeCtl, musicCoord))
	webBridge := webbridge.New(b, logger)
	cliSvc := cli.New(b, logger, os.Stdin, os.Stdout)

	if err := registerCLIRoutes(cmdDisp); err != nil {
		logger.Error("failed to register CLI commands", "error", err)
		os.Exit(1)
	}

	services := []managedService{
		newManagedService("debug_service", dbg),
		newManagedService("command_dispatcher", cmdDisp),
		newManagedService("memory_store", memStore),
		newManagedService("timeline_executor", executor),
		newManagedService("music_coordinator", musicCoord),
		newManagedService("speech_coordinator", speechCoord),
		newManagedService("brain_service", brainSvc),
		newManagedService("eye_controller", eyeCtl),
		newManagedService("mode_manager", modeMgr),
		newManagedService("web_bridge", webBridge),
		newManagedService("cli", cliSvc),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, svc := range services {
		if err := svc.start(ctx); err != nil {
			logger.Error("service failed to start", "service", svc.name, "error", err)
			stopServices(ctx, services[:i])
			os.Exit(1)
		}
	}
	logger.Info("all services started")

	unsubWait := fanOutToExecutorWaiters(b, executor)
	defer unsubWait()
	unsubRoutes := registerCLIRouter(b, logger, modeMgr, musicCoord, eyeCtl, dbg)
	defer unsubRoutes()

	mux := http.NewServeMux()
	webBridge.RegisterRoutes(mux)
	httpServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port), Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("web bridge http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	stopServices(context.Background(), services)
	logger.Info("cantinaos stopped")
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// managedService adapts a concrete *service.Base-embedding service
// (whose Start/Stop methods require passing the concrete receiver
// back as the StartStopper implementation) into a uniform,
// order-independent start/stop pair the composition root can iterate.
type managedService struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context)
}

func newManagedService[T service.StartStopper](name string, impl T) managedService {
	base, ok := any(impl).(interface {
		Start(context.Context, service.StartStopper) error
		Stop(context.Context, service.StartStopper)
	})
	if !ok {
		panic(fmt.Sprintf("%s: does not embed *service.Base", name))
	}
	return managedService{
		name:  name,
		start: func(ctx context.Context) error { return base.Start(ctx, impl) },
		stop:  func(ctx context.Context) { base.Stop(ctx, impl) },
	}
}

func stopServices(ctx context.Context, services []managedService) {
	for i := len(services) - 1; i >= 0; i-- {
		services[i].stop(ctx)
	}
}

// fanOutToExecutorWaiters subscribes the executor's ObserveWaitForEvent
// to every known topic, since a wait_for_event step's Event field can
// name any topic in the system.
func fanOutToExecutorWaiters(b *bus.Bus, ex *timeline.Executor) func() {
	var subs []*bus.Subscription
	for _, topic := range bus.KnownTopics() {
		topic := topic
		sub, err := b.SubscribeSync(topic, "timeline_waiter_fanout", func(_ context.Context, t bus.Topic, payload map[string]any) error {
			ex.ObserveWaitForEvent(t, payload)
			return nil
		})
		if err == nil {
			subs = append(subs, sub)
		}
	}
	return func() {
		for _, sub := range subs {
			b.Unsubscribe(sub)
		}
	}
}

// registerCLIRoutes wires the CLI surface (§6) onto their routing
// topics. Duplicate registration is a startup error per §4.3.
func registerCLIRoutes(d *dispatcher.Dispatcher) error {
	regs := []struct {
		command, subcommand string
		topic                bus.Topic
	}{
		{"engage", "", bus.TopicCLIRouteMode},
		{"disengage", "", bus.TopicCLIRouteMode},
		{"ambient", "", bus.TopicCLIRouteMode},
		{"reset", "", bus.TopicCLIRouteMode},
		{"status", "", bus.TopicCLIRouteMode},
		{"list", "music", bus.TopicCLIRouteMusic},
		{"play", "music", bus.TopicCLIRouteMusic},
		{"stop", "music", bus.TopicCLIRouteMusic},
		{"eye", "pattern", bus.TopicCLIRouteEye},
		{"eye", "test", bus.TopicCLIRouteEye},
		{"eye", "status", bus.TopicCLIRouteEye},
		{"debug", "level", bus.TopicCLIRouteDebug},
		{"debug", "trace", bus.TopicCLIRouteDebug},
		{"debug", "performance", bus.TopicCLIRouteDebug},
	}
	for _, r := range regs {
		if err := d.Register(r.command, r.subcommand, r.topic); err != nil {
			return err
		}
	}
	return nil
}

func newConversationID() string {
	return uuid.NewString()
}
