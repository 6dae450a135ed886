package gateway

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

// RateLimited caps outgoing sends at rps per second. A non-positive rps
// returns gw unchanged.
func RateLimited(gw Gateway, rps int) Gateway {
	if rps <= 0 {
		return gw
	}
	return &rateLimited{
		next:    gw,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (g *rateLimited) Send(ctx context.Context, address, message string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return g.next.Send(ctx, address, message)
}
