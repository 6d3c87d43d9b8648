package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstream/modctl/internal/config"
	"github.com/labstream/modctl/internal/doctor"
	"github.com/labstream/modctl/internal/events"
	"github.com/labstream/modctl/internal/httpapi"
	"github.com/labstream/modctl/internal/lock"
	"github.com/labstream/modctl/internal/log"
	"github.com/labstream/modctl/internal/logrelay"
	"github.com/labstream/modctl/internal/registry"
	"github.com/labstream/modctl/internal/server"
	"github.com/labstream/modctl/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "check":
		os.Exit(runCheck(args))
	case "checksum":
		os.Exit(runChecksum(args))
	case "version":
		fmt.Printf("modctl version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`modctl - Module control server for experiment-control platforms

Usage:
  modctl <command> [flags]

Commands:
  serve             Run the control server in the foreground
  check             Validate configuration and worker executables
  checksum <path>   Print the pinnable checksum of a worker executable
  version           Show version information
  help              Show this help message

Serve flags:
  --config PATH     Path to the configuration file (required)
`)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: modctl serve --config PATH\n")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	var extraHandlers []slog.Handler
	var sink *logrelay.SocketSink
	if cfg.Logging.RelayAddr != "" {
		sink = logrelay.NewSocketSink(cfg.Logging.RelayAddr)
		defer func() { _ = sink.Close() }()
		extraHandlers = append(extraHandlers,
			logrelay.NewHandler(sink, cfg.Service.Name, log.ParseLevel(cfg.Logging.Level)))
	}
	log.Setup(cfg.Logging.Level, extraHandlers...)
	logger := log.WithComponent("main")
	logger.Info("modctl starting", "version", version, "name", cfg.Service.Name, "config", *configPath)

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)",
			"path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()

	hub := events.NewHub(256)
	reg := registry.New(hub, log.WithComponent("registry"))

	srv, err := server.New(server.Config{
		Name:        cfg.Service.Name,
		Addr:        cfg.Service.Listen,
		StopTimeout: cfg.Service.StopTimeout,
	}, reg, buildCatalog(cfg), nil, log.WithComponent("server"))
	if err != nil {
		logger.Error("failed to compose control server", "error", err)
		return 1
	}

	if err := srv.Start(); err != nil {
		logger.Error("failed to start control server", "addr", cfg.Service.Listen, "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer := httpapi.New(httpapi.Config{
			Listen: cfg.API.Listen,
			Name:   cfg.Service.Name,
		}, reg, hub, log.WithComponent("httpapi"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("httpapi: %w", err)
			}
		}()
		logger.Info("observation API enabled", "listen", cfg.API.Listen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("modctl running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	cancel()
	if err := srv.Shutdown(cfg.Service.StopTimeout); err != nil {
		logger.Error("shutdown finished with worker failures", "error", err)
		exitCode = 1
	}

	if sink != nil && sink.Dropped() > 0 {
		logger.Warn("log relay dropped records", "count", sink.Dropped())
	}
	logger.Info("modctl stopped")
	return exitCode
}

// buildCatalog turns configured worker definitions into unit builders.
// Extra arguments on the start command are appended to the configured
// argument vector.
func buildCatalog(cfg *config.Config) map[string]worker.Builder {
	builders := make(map[string]worker.Builder, len(cfg.Workers))
	for name, wc := range cfg.Workers {
		builders[name] = func(name string, args []string) (worker.Unit, error) {
			if wc.Checksum != "" {
				if err := config.VerifyChecksum(wc.Exec, wc.Checksum); err != nil {
					return nil, err
				}
			}
			spec := worker.ProcessSpec{
				Path:         wc.Exec,
				Args:         append(append([]string{}, wc.Args...), args...),
				Dir:          wc.Dir,
				Env:          wc.Env,
				ReadyAddr:    wc.ReadyAddr,
				ReadyTimeout: wc.ReadyTimeout,
			}
			return worker.NewProcess(name, spec, log.WithComponent("worker"))
		}
	}
	return builders
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: modctl check --config PATH [--json]\n")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runChecksum(args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: modctl checksum <path>\n")
		return 1
	}

	sum, err := config.ComputeChecksum(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Checksum failed: %v\n", err)
		return 1
	}
	fmt.Println(sum)
	return 0
}
