package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/common/promlog"

	"github.com/criteo/worker-autoscaler/pkg/app"
	"github.com/criteo/worker-autoscaler/pkg/common"
)

func main() {
	// CLI Flags
	commonCfg := common.AppConfig{
		LogConfig: promlog.Config{},
	}

	a := kingpin.New(filepath.Base(os.Args[0]), "Auto-scaled message worker pool").UsageWriter(os.Stdout)
	common.AddFlags(a, &commonCfg)
	_, err := a.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrapf(err, "Error parsing commandline arguments"))
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	// Init loggger
	logger := commonCfg.GetLogger()

	// Parse config file
	config := app.Config{}
	err = commonCfg.ParseConfigFile(&config)
	if err != nil {
		level.Error(logger).Log("msg", "Fatal: error during parsing of config file", "err", err)
		os.Exit(2)
	}

	application, err := app.New(logger, config, nil)
	if err != nil {
		level.Error(logger).Log("msg", "Fatal: error during init", "err", err)
		os.Exit(2)
	}

	// Metrics server
	commonCfg.StartHttpServer(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := application.Run(ctx); err != nil {
		level.Error(logger).Log("msg", "Fatal: error while running", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Stopped")
}
