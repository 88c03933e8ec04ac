// Package main is the catalogsync command: it runs the release poller as a
// daemon and exposes one-shot commands for checking, draining, and
// inspecting the catalog.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/superfly/catalogsync/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// app carries what every subcommand shares: the loaded configuration, the
// root logger, and where to print results.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
	log *logrus.Logger
	out io.Writer
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{
		log: logrus.New(),
		out: out,
	}
	a.log.SetOutput(errOut)

	root := &cobra.Command{
		Use:          "catalogsync",
		Short:        "Mirror catalog releases from the origin into a content-addressed store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides log.level")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (json, text); overrides log.format")

	root.AddCommand(
		a.daemonCommand(),
		a.checkCommand(),
		a.drainCommand(),
		a.syncCommand(),
		a.releasesCommand(),
		a.verifyStoreCommand(),
		a.envCommand(),
	)

	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := setupLogger(a.log, cfg.Log); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// setupLogger configures the root logger.
func setupLogger(log *logrus.Logger, cfg config.LogConfig) error {
	switch cfg.Format {
	case "", "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)

	return nil
}
