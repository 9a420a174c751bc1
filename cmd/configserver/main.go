package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/configserver/api/confighandler"
	"github.com/ruteri/configserver/api/encrypthandler"
	"github.com/ruteri/configserver/api/servers"
	"github.com/ruteri/configserver/cmd/flags"
	"github.com/ruteri/configserver/common"
	"github.com/ruteri/configserver/config"
	"github.com/ruteri/configserver/metrics"
	"github.com/ruteri/configserver/storage"
	"github.com/ruteri/configserver/watcher"
	"github.com/ruteri/configserver/workarea"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           common.PackageName,
		Usage:          "Serve configuration repositories with on-the-fly secret decryption",
		Version:        common.Version,
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			serveCommand,
			encryptCommand,
			tokenizeCommand,
			decryptCommand,
			keygenCommand,
			statusCommand,
		},
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "watch the configured repositories and serve them over HTTP",
	Flags: append([]cli.Flag{
		requiredConfigFlag,
		flags.ListenAddrFlag,
		flags.WorkDirFlag,
	}, flags.CommonFlags...),
	Action: runServer,
}

var requiredConfigFlag = &cli.StringFlag{
	Name:     flags.ConfigFileFlag.Name,
	Aliases:  flags.ConfigFileFlag.Aliases,
	EnvVars:  flags.ConfigFileFlag.EnvVars,
	Usage:    flags.ConfigFileFlag.Usage,
	Required: true,
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := config.Load(cCtx.String(flags.ConfigFileFlag.Name))
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		return err
	}

	listenAddr := cfg.Server.ListenAddr
	if v := cCtx.String(flags.ListenAddrFlag.Name); v != "" {
		listenAddr = v
	}
	metricsAddr := cfg.Server.MetricsAddr
	if v := cCtx.String(flags.MetricsAddrFlag.Name); v != "" {
		metricsAddr = v
	}
	workDir := cfg.Server.WorkDir
	if v := cCtx.String(flags.WorkDirFlag.Name); v != "" {
		workDir = v
	}

	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	keys, err := cfg.BuildKeyStore(ctx, logger)
	if err != nil {
		logger.Error("Failed to load keys", "err", err)
		return err
	}
	defer keys.Close()

	metricsSrv, err := metrics.New(common.PackageName, metricsAddr)
	if err != nil {
		logger.Error("Failed to create metrics server", "err", err)
		return err
	}

	root, err := workarea.NewRoot(workDir, logger)
	if err != nil {
		logger.Error("Failed to prepare working area", "err", err)
		return err
	}
	defer root.Close()

	manager, err := watcher.NewManager(cfg.Repositories, root, storage.NewSourceFactory(logger), watcher.Options{}, logger, metricsSrv.Metrics)
	if err != nil {
		logger.Error("Failed to create repository watchers", "err", err)
		return err
	}

	configHandler := confighandler.NewHandler(manager, keys, metricsSrv.Metrics, logger)
	encryptHandler := encrypthandler.NewHandler(keys, manager, cfg.Server.DefaultKeyID, metricsSrv.Metrics, logger)

	server, err := servers.New(flags.ConfigureServer(cCtx, logger, listenAddr, metricsAddr), metricsSrv, configHandler, configHandler, encryptHandler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	manager.Start(ctx)
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop", "repositories", len(cfg.Repositories), "workDir", root.Dir())
	<-exit
	logger.Info("Shutdown signal received")

	server.Drain()
	server.Shutdown()
	manager.Stop()
	logger.Info("Server shutdown complete")
	return nil
}
