package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"metanotify/internal/logging"
	"metanotify/internal/metrics"
	"metanotify/internal/version"
)

func runServer(args []string) int {
	cfg, err := loadConfig(args, environMap(os.Environ()))
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.ShowVersion {
		return runVersion(os.Stdout)
	}

	logger := logging.NewStdout(cfg.LogLevel)
	logVersionInfo(logger)
	logConfigSources(logger, cfg)
	if cfg.RequireAuth {
		logger.Info("subscriber authentication enabled", nil)
	}

	svc, err := buildService(cfg, logger, metrics.Default)
	if err != nil {
		logger.Error("startup failed", map[string]string{
			"error": err.Error(),
		})
		return 1
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		logger.Error("listen failed", map[string]string{
			"port":  strconv.Itoa(cfg.Port),
			"error": err.Error(),
		})
		_ = svc.watcher.Close()
		svc.bus.Close()
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := make(chan os.Signal, 2)
	signal.Notify(stopSignals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stopSignals)
	stopWatching := watchShutdownSignals(logger, cancel, stopSignals)
	defer stopWatching()

	if err := svc.serve(ctx, listener, httpServerShutdownTimeout); err != nil {
		logger.Error("metanotify stopped with errors", map[string]string{
			"error": err.Error(),
		})
		return 1
	}
	logger.Info("metanotify stopped", nil)
	return 0
}

func logVersionInfo(logger *logging.Logger) {
	info := version.Get()
	fields := map[string]string{
		"version": info.Version,
		"go":      info.GoVersion,
	}
	if info.GitCommit != "" {
		fields["commit"] = info.GitCommit
	}
	logger.Info(fmt.Sprintf("metanotify version %s", info.Version), fields)
}
