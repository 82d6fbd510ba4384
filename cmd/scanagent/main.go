package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/app"
	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/server"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths // Multiple -config flags supported
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
	runOnce      = flag.Bool("run-once", false, "Trigger a single poll, wait for the session to end, then exit")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	common.LoadVersionFromFile()
	if *showVersion || *showVersionV {
		fmt.Printf("ScanAgent version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("scanagent.toml"); err == nil {
			configFiles = append(configFiles, "scanagent.toml")
		} else if _, err := os.Stat("deployments/local/scanagent.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/scanagent.toml")
		}
	}

	// Startup sequence: config (defaults -> files -> env) -> CLI overrides -> logger -> banner
	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := common.GetLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, finalPort, *serverHost)

	logger := common.InitLogger(config)

	if execPath, err := os.Executable(); err == nil {
		common.InstallCrashHandler(filepath.Join(filepath.Dir(execPath), "logs"))
	}
	defer common.RecoverWithCrashFile()

	common.PrintBanner(config)

	logger.Info().
		Strs("config_files", configFiles).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Bool("run_once", *runOnce).
		Msg("Application configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}
	defer application.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if *runOnce {
		runSingle(application, logger, sigChan)
		return
	}

	srv := server.New(application)
	common.SafeGo(logger, "http-server", func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("Server failed")
			sigChan <- syscall.SIGTERM
		}
	})

	if err := application.SchedulerService.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler")
		os.Exit(1)
	}

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Agent ready - Press Ctrl+C to stop")

	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Agent stopped")
}

// runSingle triggers one poll and blocks until the started session ends or
// a signal arrives. The session is drained by App.Close.
func runSingle(application *app.App, logger arbor.ILogger, sigChan <-chan os.Signal) {
	started, reason := application.SchedulerService.RunNow()
	if !started {
		logger.Info().Str("reason", reason).Msg("No session started")
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for application.Machine.Busy() {
		select {
		case <-sigChan:
			logger.Info().Msg("Interrupt signal received")
			return
		case <-ticker.C:
		}
	}

	st := application.StatusService.Snapshot()
	logger.Info().
		Int64("processed", int64(st.ProcessedCount)).
		Str("last_error", st.LastError).
		Msg("Single run finished")
}
