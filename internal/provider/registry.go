package provider

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// Registry maps channel keys to providers. Lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.Channel]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[domain.Channel]Provider)}
}

func (r *Registry) Register(channel domain.Channel, p Provider) error {
	key := domain.Channel(strings.ToLower(strings.TrimSpace(string(channel))))
	if !key.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}
	if p == nil {
		return fmt.Errorf("provider for channel %q is nil", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = p
	return nil
}

func (r *Registry) Lookup(channel domain.Channel) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownChannel, channel)
	}
	return p, nil
}

func (r *Registry) Has(channel domain.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[channel]
	return ok
}

// Channels returns the registered channel keys in sorted order.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]domain.Channel, 0, len(r.providers))
	for ch := range r.providers {
		channels = append(channels, ch)
	}
	slices.Sort(channels)
	return channels
}
