package connections

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mqlens-go/providers"
	"github.com/glimte/mqlens-go/providers/azurebus"
	"github.com/glimte/mqlens-go/providers/kafka"
	"github.com/glimte/mqlens-go/providers/rabbitmq"
	"github.com/glimte/mqlens-go/providers/sqs"
)

// State is a connection lifecycle state. Failed is terminal for the
// attempt but equivalent to Disconnected for retry purposes.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateFailed        State = "failed"
)

// Factory builds a provider for a profile. Injectable for tests.
type Factory func(p Profile, sink providers.EventSink, logger *slog.Logger) (providers.Provider, error)

// Manager owns one provider per profile id and enforces the single-session
// rule: the same adapter instance is reused across calls, so its message
// cache survives between operations.
type Manager struct {
	logger  *slog.Logger
	bus     *Bus
	factory Factory

	mu       sync.Mutex
	profiles map[string]Profile
	entries  map[string]*entry
}

type entry struct {
	provider providers.Provider
	state    State
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithFactory replaces the provider factory.
func WithFactory(f Factory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// NewManager creates a manager over the given profiles.
func NewManager(profiles []Profile, options ...ManagerOption) *Manager {
	m := &Manager{
		logger:   slog.Default(),
		bus:      NewBus(),
		factory:  defaultFactory,
		profiles: make(map[string]Profile, len(profiles)),
		entries:  make(map[string]*entry),
	}
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Events returns the bus carrying QueueUpdated, DepthChanged and
// StateChanged notifications.
func (m *Manager) Events() *Bus { return m.bus }

// Profiles returns the known profiles sorted by id.
func (m *Manager) Profiles() []Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns the lifecycle state for a profile id.
func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e.state
	}
	return StateDisconnected
}

// Provider returns the adapter for a profile id. The adapter exists once
// Connect has been attempted; its operations fail with ErrNotConnected
// until a session is established.
func (m *Manager) Provider(id string) (providers.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e.provider, nil
	}
	return nil, fmt.Errorf("no provider for profile %q (not connected)", id)
}

// Connect establishes the session for a profile id. Connecting an already
// connected profile is a no-op; a profile in the Failed state is retried.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	profile, ok := m.profiles[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown profile %q", id)
	}

	e := m.entries[id]
	if e == nil {
		provider, err := m.factory(profile, profileSink{bus: m.bus, profile: id}, m.logger)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to build provider for %q: %w", id, err)
		}
		e = &entry{provider: provider, state: StateDisconnected}
		m.entries[id] = e
	}

	switch e.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting, StateDisconnecting:
		m.mu.Unlock()
		return fmt.Errorf("profile %q is busy (%s)", id, e.state)
	}

	e.state = StateConnecting
	provider := e.provider
	m.mu.Unlock()
	m.bus.Publish(StateChanged{Profile: id, State: StateConnecting})

	err := provider.Connect(ctx)

	m.mu.Lock()
	if err != nil {
		e.state = StateFailed
		m.mu.Unlock()
		m.bus.Publish(StateChanged{Profile: id, State: StateFailed, Err: err})
		return err
	}
	e.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("profile connected", "profile", id, "kind", profile.Kind)
	m.bus.Publish(StateChanged{Profile: id, State: StateConnected})
	return nil
}

// Disconnect tears the session down. It is idempotent and returns nil for
// unknown or already disconnected profiles.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	e := m.entries[id]
	if e == nil || e.state == StateDisconnected || e.state == StateFailed {
		m.mu.Unlock()
		return nil
	}
	if e.state == StateConnecting || e.state == StateDisconnecting {
		m.mu.Unlock()
		return fmt.Errorf("profile %q is busy (%s)", id, e.state)
	}

	e.state = StateDisconnecting
	provider := e.provider
	m.mu.Unlock()
	m.bus.Publish(StateChanged{Profile: id, State: StateDisconnecting})

	if err := provider.Disconnect(ctx); err != nil {
		// Disconnect is contractually quiet; anything surfacing here is
		// logged, not returned.
		m.logger.Warn("disconnect reported an error", "profile", id, "error", err)
	}

	m.mu.Lock()
	e.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Info("profile disconnected", "profile", id)
	m.bus.Publish(StateChanged{Profile: id, State: StateDisconnected})
	return nil
}

// DisconnectAll tears down every connected profile.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, p := range m.Profiles() {
		if err := m.Disconnect(ctx, p.ID); err != nil {
			m.logger.Warn("disconnect failed", "profile", p.ID, "error", err)
		}
	}
}

func defaultFactory(p Profile, sink providers.EventSink, logger *slog.Logger) (providers.Provider, error) {
	switch p.Kind {
	case KindRabbitMQ:
		return rabbitmq.New(rabbitmq.Config{
			URL:           p.RabbitMQ.URL,
			Vhost:         p.RabbitMQ.Vhost,
			ManagementURL: p.RabbitMQ.ManagementURL,
		}, rabbitmq.WithLogger(logger), rabbitmq.WithEvents(sink)), nil
	case KindKafka:
		return kafka.New(kafka.Config{
			Brokers:  p.Kafka.Brokers,
			ClientID: p.Kafka.ClientID,
		}, kafka.WithLogger(logger), kafka.WithEvents(sink)), nil
	case KindSQS:
		return sqs.New(sqs.Config{
			Region:          p.SQS.Region,
			Endpoint:        p.SQS.Endpoint,
			AccessKeyID:     p.SQS.AccessKeyID,
			SecretAccessKey: p.SQS.SecretAccessKey,
		}, sqs.WithLogger(logger), sqs.WithEvents(sink)), nil
	case KindAzureBus:
		return azurebus.New(azurebus.Config{
			ConnectionString: p.AzureBus.ConnectionString,
		}, azurebus.WithLogger(logger), azurebus.WithEvents(sink)), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}
