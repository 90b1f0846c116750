package channel

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the channel adapters enabled for this process. It must be
// created via NewRegistry and passed explicitly to components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]ChannelAdapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]ChannelAdapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter ChannelAdapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	if !ct.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ct)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter ChannelAdapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (ChannelAdapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// List returns all registered adapters ordered by channel type.
func (r *Registry) List() []ChannelAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelAdapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Type() < items[j].Type() })
	return items
}

// Types returns all registered channel types.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// ParseChannelType validates and normalizes a raw string into a registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct, err := ParseChannelType(raw)
	if err != nil {
		return "", err
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("channel not enabled: %s", ct)
	}
	return ct, nil
}

// GetSubscriptionVerifier returns the SubscriptionVerifier for the given channel type, if supported.
func (r *Registry) GetSubscriptionVerifier(channelType ChannelType) (SubscriptionVerifier, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	verifier, ok := adapter.(SubscriptionVerifier)
	return verifier, ok
}

// GetConfigChecker returns the ConfigChecker for the given channel type, if supported.
func (r *Registry) GetConfigChecker(channelType ChannelType) (ConfigChecker, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	checker, ok := adapter.(ConfigChecker)
	return checker, ok
}
