package messaging

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/PackPipe/internal/models"
)

// Defaults for RateLimitedGateway.
const (
	DefaultSendRate  = 5.0
	DefaultSendBurst = 5
)

// RateLimitedGateway wraps a Gateway and throttles every outbound send with
// one process-wide limiter.
type RateLimitedGateway struct {
	Gateway
	limiter *rate.Limiter
}

// NewRateLimitedGateway limits g to perSecond sends with the given burst.
// Non-positive values fall back to the defaults.
func NewRateLimitedGateway(g Gateway, perSecond float64, burst int) *RateLimitedGateway {
	if perSecond <= 0 {
		perSecond = DefaultSendRate
	}
	if burst <= 0 {
		burst = DefaultSendBurst
	}
	return &RateLimitedGateway{Gateway: g, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (g *RateLimitedGateway) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	return nil
}

func (g *RateLimitedGateway) SendText(ctx context.Context, to, text string, buttons ...models.Button) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	return g.Gateway.SendText(ctx, to, text, buttons...)
}

func (g *RateLimitedGateway) SendMedia(ctx context.Context, to string, media models.Media) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	return g.Gateway.SendMedia(ctx, to, media)
}
