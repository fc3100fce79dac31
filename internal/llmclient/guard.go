package llmclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/solosway/webscout/api/schemas"
)

// Observer receives the outcome of every judgment call.
type Observer interface {
	ObserveJudgment(model string, tier schemas.ModelTier, d time.Duration, err error)
}

// GuardedClient wraps a client with a request rate limit, a per-call timeout
// and call observation.
type GuardedClient struct {
	inner    schemas.LLMClient
	model    string
	limiter  *rate.Limiter
	timeout  time.Duration
	observer Observer
	logger   *zap.Logger
}

// NewGuardedClient wraps inner. A ratePerSecond of zero disables limiting and
// a zero timeout leaves the caller's deadline alone.
func NewGuardedClient(inner schemas.LLMClient, model string, ratePerSecond float64, burst int, timeout time.Duration, observer Observer, logger *zap.Logger) *GuardedClient {
	g := &GuardedClient{
		inner:    inner,
		model:    model,
		timeout:  timeout,
		observer: observer,
		logger:   logger.Named("llm_guard").With(zap.String("model", model)),
	}
	if ratePerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return g
}

// Generate waits for the limiter, then calls the wrapped client.
func (g *GuardedClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := g.inner.Generate(ctx, req)
	elapsed := time.Since(start)
	if g.observer != nil {
		g.observer.ObserveJudgment(g.model, req.Tier, elapsed, err)
	}
	if err != nil {
		g.logger.Warn("Judgment call failed.", zap.String("tier", string(req.Tier)), zap.Duration("duration", elapsed), zap.Error(err))
		return "", err
	}
	return out, nil
}

// Close closes the wrapped client.
func (g *GuardedClient) Close() error {
	return g.inner.Close()
}
