package messaging

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registration binds a queue to the provider of its consumer logic.
type Registration struct {
	Queue    string
	Provider ConsumerProvider
	// BatchSize is the number of messages a batch consumer accumulates; the
	// host raises its prefetch count to at least this value.
	BatchSize int
	// RequeueOnError asks the broker to redeliver rejected messages.
	RequeueOnError bool
}

// Registry maps queue names to consumer registrations.
type Registry struct {
	logger *slog.Logger

	mu            sync.RWMutex
	registrations map[string]Registration
	version       uint64
}

// RegistryOption configures the Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		logger:        slog.Default(),
		registrations: make(map[string]Registration),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds a registration. A queue can only be registered once.
func (r *Registry) Register(reg Registration) error {
	if reg.Queue == "" {
		return fmt.Errorf("%w: queue name cannot be empty", ErrInvalidRegistration)
	}
	if reg.Provider == nil {
		return fmt.Errorf("%w: provider cannot be nil", ErrInvalidRegistration)
	}
	if reg.BatchSize < 0 {
		return fmt.Errorf("%w: batch size cannot be negative", ErrInvalidRegistration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registrations[reg.Queue]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateQueue, reg.Queue)
	}
	r.registrations[reg.Queue] = reg
	r.version++

	r.logger.Info("registered consumer",
		"queue", reg.Queue,
		"batchSize", reg.BatchSize,
		"requeueOnError", reg.RequeueOnError)
	return nil
}

// RegisterConsumer registers a fixed consumer instance for queue.
func (r *Registry) RegisterConsumer(queue string, c Consumer, requeueOnError bool) error {
	if c == nil {
		return fmt.Errorf("%w: consumer cannot be nil", ErrInvalidRegistration)
	}
	return r.Register(Registration{
		Queue:          queue,
		Provider:       Instance(c),
		RequeueOnError: requeueOnError,
	})
}

// Unregister removes the registration for queue.
func (r *Registry) Unregister(queue string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.registrations[queue]
	if !ok {
		return Registration{}, false
	}
	delete(r.registrations, queue)
	r.version++
	return reg, true
}

// Lookup returns the registration for queue.
func (r *Registry) Lookup(queue string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[queue]
	return reg, ok
}

// Consumers returns a copy of all registrations keyed by queue.
func (r *Registry) Consumers() map[string]Registration {
	consumers, _ := r.snapshot()
	return consumers
}

// Queues returns the registered queue names in sorted order.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	queues := make([]string, 0, len(r.registrations))
	for queue := range r.registrations {
		queues = append(queues, queue)
	}
	r.mu.RUnlock()

	sort.Strings(queues)
	return queues
}

// snapshot returns a copy of the registrations and the version it reflects.
// The version increases with every change.
func (r *Registry) snapshot() (map[string]Registration, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	consumers := make(map[string]Registration, len(r.registrations))
	for queue, reg := range r.registrations {
		consumers[queue] = reg
	}
	return consumers, r.version
}
