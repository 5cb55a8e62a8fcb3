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

// Package server assembles the docflow orchestrator service from its
// configuration: state store, message transport, coordinator, audit sink,
// tracing and the admin HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/config"
	"github.com/innovationmech/docflow/pkg/discovery"
	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/audit"
	"github.com/innovationmech/docflow/pkg/saga/coordinator"
	"github.com/innovationmech/docflow/pkg/saga/monitoring"
	"github.com/innovationmech/docflow/pkg/saga/sequencer"
	"github.com/innovationmech/docflow/pkg/saga/storage"
	"github.com/innovationmech/docflow/pkg/saga/transport"
	"github.com/innovationmech/docflow/pkg/saga/workflows"
	"github.com/innovationmech/docflow/pkg/tracing"
)

// Server owns every long lived component of the service.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store      storage.Store
	bus        transport.Transport
	orch       *coordinator.Orchestrator
	dispatcher *coordinator.Dispatcher
	collector  *monitoring.Collector
	audit      *audit.Sink
	sentry     *monitoring.SentryReporter
	tracer     *tracing.Provider
	admin      *monitoring.Server
	registrar  *discovery.Registrar

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the server. Components created before a failure are closed
// again before New returns.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *Server, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			_ = s.close(context.Background())
		}
	}()

	if s.tracer, err = tracing.Setup(ctx, &cfg.Tracing); err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	if s.store, err = openStore(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	if s.bus, err = transport.New(ctx, cfg.Transport, log); err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	var observers []coordinator.Observer
	if cfg.Metrics.Enabled {
		mc := monitoring.DefaultMetricsConfig()
		if cfg.Metrics.Namespace != "" {
			mc.Namespace = cfg.Metrics.Namespace
		}
		if s.collector, err = monitoring.NewCollector(mc); err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		observers = append(observers, s.collector)
	}
	if cfg.Audit.Enabled {
		s.audit, err = audit.Open(cfg.Audit.DSN, audit.Options{
			QueueSize:   cfg.Audit.QueueSize,
			AutoMigrate: cfg.Audit.AutoMigrate,
			Logger:      log.Named("audit"),
		})
		if err != nil {
			return nil, err
		}
		observers = append(observers, s.audit)
	}
	if cfg.Sentry.Enabled {
		if s.sentry, err = monitoring.NewSentryReporter(cfg.Sentry, log.Named("sentry"), nil); err != nil {
			return nil, err
		}
		observers = append(observers, s.sentry)
	}

	opts, err := WorkflowOptions(cfg.Families)
	if err != nil {
		return nil, err
	}
	oc := cfg.Orchestrator
	s.orch, err = coordinator.NewOrchestrator(&coordinator.OrchestratorConfig{
		Store:            s.store,
		Publisher:        s.bus,
		Tables:           workflows.Tables(opts),
		Timeouts:         Timeouts(cfg.Families),
		DefaultTimeout:   oc.DefaultTimeout,
		RetryPolicy:      coordinator.ConflictPolicy(oc.MaxConflictRetries, oc.RetryInitialDelay, oc.RetryMaxDelay),
		AppliedKeyWindow: oc.AppliedKeyWindow,
		Observers:        observers,
		Logger:           log.Named("orchestrator"),
		TracerProvider:   s.tracer.TracerProvider(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if s.dispatcher, err = coordinator.NewDispatcher(oc.Shards, oc.QueueSize, s.orch.Handle); err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	if cfg.Admin.Enabled {
		health := monitoring.NewHealthManager(5 * time.Second)
		health.Register("storage", s.store.Ping)
		s.admin = monitoring.NewServer(&cfg.Admin.ServerConfig,
			monitoring.NewSagaAPI(s.orch, log.Named("api")), s.collector, health, log.Named("admin"))

		if cfg.Discovery.Enabled {
			if s.registrar, err = discovery.NewRegistrar(cfg.Discovery); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// openStore connects the configured state store.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "sql":
		st, err := storage.NewSQLStore(ctx, &cfg.SQL)
		if err != nil {
			return nil, fmt.Errorf("failed to open sql store: %w", err)
		}
		return st, nil
	case "redis":
		st, err := storage.NewRedisStore(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// WorkflowOptions maps the family settings onto workflow options and loads
// the validation pipelines file when one is configured.
func WorkflowOptions(cfg config.FamiliesConfig) (workflows.Options, error) {
	opts := workflows.DefaultOptions()
	opts.GenerationFailureTolerance = cfg.Generation.FailureTolerance
	opts.ReviewFailureTolerance = cfg.Review.FailureTolerance
	if len(cfg.Ingestion.Stages) > 0 {
		opts.IngestionStages = cfg.Ingestion.Stages
	}
	if cfg.Validation.DefaultPipeline != "" {
		opts.DefaultPipeline = cfg.Validation.DefaultPipeline
	}
	if path := cfg.Validation.PipelinesFile; path != "" {
		reg, err := sequencer.LoadRegistryFile(path)
		if err != nil {
			return opts, fmt.Errorf("failed to load validation pipelines: %w", err)
		}
		opts.Pipelines = reg
	}
	return opts, nil
}

// Timeouts returns the per family deadlines that are set.
func Timeouts(cfg config.FamiliesConfig) map[saga.Family]time.Duration {
	out := make(map[saga.Family]time.Duration)
	set := func(f saga.Family, d time.Duration) {
		if d > 0 {
			out[f] = d
		}
	}
	set(saga.FamilyGeneration, cfg.Generation.Timeout)
	set(saga.FamilyIngestion, cfg.Ingestion.Timeout)
	set(saga.FamilyReview, cfg.Review.Timeout)
	set(saga.FamilyValidation, cfg.Validation.Timeout)
	return out
}

// Orchestrator exposes the coordinator, e.g. for tests.
func (s *Server) Orchestrator() *coordinator.Orchestrator { return s.orch }

// Transport exposes the message transport.
func (s *Server) Transport() transport.Transport { return s.bus }

// AdminAddr returns the admin listen address, empty when disabled or not started.
func (s *Server) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// Start subscribes the orchestrator to its inbound messages and starts the
// background loops and the admin server. It returns once everything runs;
// the loops stop when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, s.orch.Subscriptions(), s.dispatcher.Dispatch); err != nil {
		return fmt.Errorf("failed to subscribe orchestrator: %w", err)
	}

	oc := s.cfg.Orchestrator
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.orch.Run(ctx, coordinator.RunOptions{
			SweepInterval:   oc.SweepInterval,
			RecoverInterval: oc.RecoverInterval,
		})
	}()

	if s.collector != nil && s.cfg.Metrics.StatsInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.collector.Poll(ctx, s.orch, s.cfg.Metrics.StatsInterval, s.logger)
		}()
	}

	if s.admin != nil {
		if err := s.admin.Start(); err != nil {
			return err
		}
	}
	if s.registrar != nil {
		if err := s.registrar.Register(s.admin.Addr()); err != nil {
			s.logger.Warn("service registration failed", zap.Error(err))
		} else {
			s.logger.Info("registered with consul", zap.String("service_id", s.registrar.ServiceID()))
		}
	}

	s.logger.Info("docflow orchestrator started",
		zap.Strings("families", familyNames(s.orch.Families())),
		zap.String("storage", s.cfg.Storage.Driver),
		zap.String("transport", s.cfg.Transport.Kind),
		zap.Int("shards", s.dispatcher.Size()),
		zap.String("admin_address", s.AdminAddr()))
	return nil
}

func familyNames(families []saga.Family) []string {
	out := make([]string, len(families))
	for i, f := range families {
		out[i] = string(f)
	}
	return out
}

// Stop shuts the service down: the admin server first, then the
// orchestrator and dispatcher, and finally the transport and store.
// The caller cancels the context given to Start before calling Stop.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.close(ctx)
		s.wg.Wait()
		s.logger.Info("docflow orchestrator stopped")
	})
	return err
}

func (s *Server) close(ctx context.Context) error {
	var errs []error
	if s.registrar != nil {
		if err := s.registrar.Deregister(); err != nil {
			s.logger.Warn("service deregistration failed", zap.Error(err))
		}
	}
	if s.admin != nil {
		errs = append(errs, s.admin.Stop(ctx))
	}
	if s.orch != nil {
		errs = append(errs, s.orch.Close())
	}
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	if s.dispatcher != nil {
		errs = append(errs, s.dispatcher.Close())
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	if s.sentry != nil {
		s.sentry.Flush()
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.tracer != nil {
		errs = append(errs, s.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
