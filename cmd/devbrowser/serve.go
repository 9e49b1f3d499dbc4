package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sevlyar/go-daemon"

	"github.com/roelfdiedericks/devbrowser/internal/bus"
	"github.com/roelfdiedericks/devbrowser/internal/config"
	"github.com/roelfdiedericks/devbrowser/internal/engine"
	devhttp "github.com/roelfdiedericks/devbrowser/internal/http"
	"github.com/roelfdiedericks/devbrowser/internal/lifecycle"
	. "github.com/roelfdiedericks/devbrowser/internal/logging"
	"github.com/roelfdiedericks/devbrowser/internal/paths"
	"github.com/roelfdiedericks/devbrowser/internal/scratch"
	"github.com/roelfdiedericks/devbrowser/internal/session"
)

// ServeCmd starts the server and blocks until it has shut down.
type ServeCmd struct {
	Port     int    `help:"Port to listen on (overrides PORT and the config)." short:"p"`
	Headless bool   `help:"Run the browser without a window (overrides HEADLESS)."`
	CDP      string `help:"Attach to an already running browser at this CDP endpoint instead of launching one." name:"cdp"`
	Detach   bool   `help:"Run in the background (pid and log file under the data dir)."`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Headless {
		cfg.Engine.Headless = true
	}
	if c.CDP != "" {
		cfg.Engine.CDP = c.CDP
	}
	if g.Debug {
		cfg.Logging.Level = "debug"
	}

	if c.Detach {
		child, release, err := detach()
		if err != nil {
			return err
		}
		if child != nil {
			fmt.Printf("devbrowser started in background (pid %d) on %s\n", child.Pid, cfg.Server.Addr())
			return nil
		}
		defer release()
	}

	Init(&Config{
		Level:      ParseLevel(cfg.Logging.Level),
		TimeFormat: "15:04:05",
		ShowCaller: cfg.Logging.Caller,
	})
	return serve(cfg)
}

// detach re-executes the process as a daemon. In the parent it returns
// the child; in the daemon it returns nil and a func releasing the pid file.
func detach() (*os.Process, func(), error) {
	pidFile, err := paths.PidFile()
	if err != nil {
		return nil, nil, err
	}
	logFile, err := paths.LogFile()
	if err != nil {
		return nil, nil, err
	}
	if err := paths.EnsureParentDir(pidFile); err != nil {
		return nil, nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}

	dctx := &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		LogFileName: logFile,
		LogFilePerm: 0640,
		WorkDir:     wd,
		Umask:       027,
	}
	child, err := dctx.Reborn()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to detach: %w", err)
	}
	if child != nil {
		return child, nil, nil
	}
	return nil, func() {
		if err := dctx.Release(); err != nil {
			L_warn("daemon: failed to release pid file", "error", err)
		}
	}, nil
}

// serve runs startup in order: engine, registry, transport. Any startup
// failure is fatal; once running, only the orchestrator stops the server.
func serve(cfg *config.Config) error {
	L_info("devbrowser starting", "version", version, "config", cfg.Source)

	events := bus.New()
	orch := lifecycle.New(lifecycle.Options{
		Bus:         events,
		StopTimeout: cfg.Server.ResolveShutdownTimeout(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.WatchSignals(ctx)

	eng, err := engine.Launch(ctx, cfg.Engine, orch.Go)
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	if !orch.SetEngine(eng) {
		<-orch.Done()
		return nil
	}
	orch.WatchEngine(eng.Disconnected())

	registry := session.NewRegistry(eng, orch, events, orch.Go)
	orch.SetRegistry(registry)

	dir, err := scratch.New(cfg.Scratch.Dir)
	if err != nil {
		orch.Shutdown(lifecycle.TriggerFault, err.Error())
		return err
	}

	router := devhttp.NewRouter(devhttp.RouterOptions{
		Sessions:          registry,
		Engine:            eng,
		Shutdown:          orch,
		Scratch:           dir,
		NavigationTimeout: cfg.Engine.ResolveNavigationTimeout(),
	})
	server := devhttp.NewServer(devhttp.ServerConfig{Listen: cfg.Server.Addr(), Go: orch.Go}, router, events)
	if err := server.Listen(); err != nil {
		orch.Shutdown(lifecycle.TriggerFault, err.Error())
		return err
	}
	if !orch.SetTransport(server) {
		<-orch.Done()
		return nil
	}
	if err := server.Start(); err != nil {
		orch.Shutdown(lifecycle.TriggerFault, err.Error())
		return err
	}

	if !orch.MarkRunning() {
		// A signal or disconnect arrived during startup
		<-orch.Done()
		return nil
	}

	janitor, err := scratch.NewJanitor(dir, cfg.Scratch.Schedule, cfg.Scratch.ResolveRetention(), orch.Fault)
	if err != nil {
		L_warn("scratch: janitor disabled", "error", err)
	} else {
		orch.Go("scratch janitor", janitor.Start)
		defer janitor.Stop()
	}

	L_info("devbrowser ready",
		"addr", server.Addr(),
		"wsEndpoint", eng.Endpoint(),
		"headless", cfg.Engine.Headless,
		"profile", cfg.Engine.ProfileDir(),
		"scratch", dir.Path())

	<-orch.Done()
	L_info("devbrowser stopped", "trigger", orch.Trigger())
	return nil
}
