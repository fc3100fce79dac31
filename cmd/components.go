package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/agent"
	"github.com/solosway/webscout/internal/archive"
	"github.com/solosway/webscout/internal/browser/cdp"
	"github.com/solosway/webscout/internal/browser/httpdriver"
	"github.com/solosway/webscout/internal/config"
	"github.com/solosway/webscout/internal/llmclient"
	"github.com/solosway/webscout/internal/memory"
	"github.com/solosway/webscout/internal/observability"
)

// components holds the services behind research and batch.
type components struct {
	Judge    schemas.LLMClient
	Drivers  schemas.DriverFactory
	Memory   *memory.Store
	Archive  archive.Archive
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Runner   *agent.Runner

	sessions     sessionRunner
	logger       *zap.Logger
	stopMetrics  context.CancelFunc
	metricsWg    sync.WaitGroup
	shutdownOnce sync.Once
}

// componentsProvider builds the service graph. Tests swap in fakes.
type componentsProvider func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error)

var defaultComponentsProvider componentsProvider = initializeComponents

// initializeComponents wires the judgment service, the driver engine, working
// memory, the archive and metrics into a Runner.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{logger: logger}

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = observability.NewMetrics(c.Registry)

	judge, err := llmclient.NewClient(ctx, cfg.LLM, logger, llmclient.WithObserver(c.Metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize judgment service: %w", err)
	}
	c.Judge = judge

	switch cfg.Browser.Engine {
	case config.EngineHTTP:
		c.Drivers = httpdriver.NewFactory(cfg.Browser, nil, logger)
	default:
		c.Drivers = cdp.NewFactory(context.WithoutCancel(ctx), cfg.Browser, logger)
	}

	c.Archive, err = archive.Open(ctx, cfg.Archive, logger)
	if err != nil {
		c.Shutdown()
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	c.assemble(ctx, cfg)
	return c, nil
}

// assemble starts working memory and the metrics endpoint and builds the
// Runner from whatever services are already set.
func (c *components) assemble(ctx context.Context, cfg *config.Config) {
	c.Memory = memory.NewStore(c.logger, cfg.Agent.IdleSessionTTL)
	c.Memory.Start()

	if cfg.Metrics.Enabled && c.Registry != nil {
		mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.stopMetrics = cancel
		c.metricsWg.Add(1)
		go func() {
			defer c.metricsWg.Done()
			if err := observability.ServeMetrics(mctx, cfg.Metrics.Addr, c.Registry, c.logger); err != nil {
				c.logger.Error("Metrics endpoint stopped.", zap.Error(err))
			}
		}()
	}

	opts := []agent.Option{agent.WithMetrics(c.Metrics)}
	if c.Archive != nil {
		opts = append(opts, agent.WithArchive(c.Archive))
	}
	c.Runner = agent.New(cfg, c.Judge, c.Drivers, c.Memory, c.logger, opts...)
	c.sessions = c.Runner
}

// Shutdown waits for running sessions and releases every service.
func (c *components) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.Runner != nil {
			c.Runner.Wait()
		}
		if c.Memory != nil {
			c.Memory.Stop()
		}
		if c.stopMetrics != nil {
			c.stopMetrics()
			c.metricsWg.Wait()
		}
		if c.Archive != nil {
			if err := c.Archive.Close(); err != nil {
				c.logger.Warn("Error closing archive.", zap.Error(err))
			}
		}
		if closer, ok := c.Drivers.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.logger.Warn("Error closing browser.", zap.Error(err))
			}
		}
		if c.Judge != nil {
			if err := c.Judge.Close(); err != nil {
				c.logger.Warn("Error closing judgment client.", zap.Error(err))
			}
		}
	})
}
