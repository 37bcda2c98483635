package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds the configured transports. One of them is the default
// target for engine notices; the others stay addressable by name.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
	defaultTo  string
	logger     zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		transports: make(map[string]Transport),
		logger:     logger,
	}
}

// Register adds a transport. The first registered transport becomes the
// default until SetDefault says otherwise.
func (r *Registry) Register(t Transport) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("transport must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transports[t.Name()]; exists {
		return fmt.Errorf("transport %q already registered", t.Name())
	}
	r.transports[t.Name()] = t
	if r.defaultTo == "" {
		r.defaultTo = t.Name()
	}
	return nil
}

// SetDefault picks which transport receives engine notices.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[name]; !ok {
		return fmt.Errorf("unknown transport %q", name)
	}
	r.defaultTo = name
	return nil
}

// Get returns a transport by name, or nil.
func (r *Registry) Get(name string) Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transports[name]
}

// Names lists the registered transports, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) defaultTransport() Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transports[r.defaultTo]
}

// SendText delivers a text notice through the default transport. Delivery
// failures are logged, never propagated: transports must not break a run.
func (r *Registry) SendText(ctx context.Context, chatID int64, text string) {
	t := r.defaultTransport()
	if t == nil {
		return
	}
	if err := t.SendText(ctx, chatID, text); err != nil {
		r.logger.Warn().Err(err).Str("transport", t.Name()).Int64("chat_id", chatID).Msg("failed to deliver message")
	}
}

// RequestConfirmation surfaces a gated tool call through the default
// transport.
func (r *Registry) RequestConfirmation(ctx context.Context, req ConfirmationRequest) {
	t := r.defaultTransport()
	if t == nil {
		return
	}
	if err := t.RequestConfirmation(ctx, req); err != nil {
		r.logger.Warn().Err(err).Str("transport", t.Name()).Str("key", req.Key).Msg("failed to deliver confirmation request")
	}
}
