// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package serve

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/internal/docflow/server"
	"github.com/innovationmech/docflow/pkg/config"
	"github.com/innovationmech/docflow/pkg/logger"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	opts := config.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the docflow orchestrator",
		Long: `Start the docflow orchestrator.

Configuration is read from docflow.yaml, docflow.<env>.yaml and
docflow.override.yaml in the config directory, and from DOCFLOW_*
environment variables. Changing log.level in a config file takes
effect without a restart.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			logger.InitLogger()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.WorkDir, "config-dir", "c", opts.WorkDir, "directory holding the configuration files")
	cmd.Flags().StringVarP(&opts.EnvironmentName, "env", "e", opts.EnvironmentName, "environment file to layer, e.g. prod selects docflow.prod.yaml")
	return cmd
}

// runServer runs the orchestrator until SIGINT or SIGTERM.
func runServer(ctx context.Context, opts config.Options) error {
	cfg, manager, err := config.Load(opts)
	if err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	log := logger.GetLogger()
	defer func() { _ = log.Sync() }()
	log.Info("Configuration loaded",
		zap.Strings("files", manager.Loaded()),
		zap.String("environment", opts.EnvironmentName))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create server", zap.Error(err))
		return err
	}

	err = manager.Watch(ctx, config.WatchOptions{Logger: log.Named("config")}, func(m *config.Manager) {
		next, err := config.Decode(m)
		if err != nil {
			log.Warn("Ignoring invalid configuration change", zap.Error(err))
			return
		}
		if next.Log.Level == logger.GetLevel() {
			return
		}
		if err := logger.SetLevel(next.Log.Level); err != nil {
			log.Warn("apply log level failed", zap.Error(err))
			return
		}
		log.Info("log level updated via hot-reload", zap.String("level", logger.GetLevel()))
	})
	if err != nil {
		log.Warn("configuration watcher not started", zap.Error(err))
	}

	if err := srv.Start(ctx); err != nil {
		_ = srv.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	log.Info("Shutdown signal received, stopping server...")

	timeout := cfg.Admin.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", zap.Error(err))
		return err
	}
	return nil
}
