package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"reminders/internal/models"
)

var (
	ErrUnsupportedChannel = errors.New("unsupported channel")
	ErrInvalidAddress     = errors.New("invalid address")
)

// Gateway delivers a rendered message to one address and returns the
// provider's message id.
type Gateway interface {
	Send(ctx context.Context, address, message string) (string, error)
}

type GatewayFunc func(ctx context.Context, address, message string) (string, error)

func (f GatewayFunc) Send(ctx context.Context, address, message string) (string, error) {
	return f(ctx, address, message)
}

type Registry struct {
	mu       sync.RWMutex
	gateways map[models.ChannelType]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[models.ChannelType]Gateway)}
}

func (r *Registry) Register(channel models.ChannelType, gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[channel] = gw
}

func (r *Registry) Lookup(channel models.ChannelType) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gw, ok := r.gateways[channel]
	if !ok {
		return nil, fmt.Errorf("%s: %w", channel, ErrUnsupportedChannel)
	}
	return gw, nil
}

func (r *Registry) Channels() []models.ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ChannelType, 0, len(r.gateways))
	for ch := range r.gateways {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
