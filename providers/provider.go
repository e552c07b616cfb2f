package providers

import (
	"context"

	"github.com/glimte/mqlens-go/contracts"
)

// Capability identifies an optional provider feature.
type Capability string

const (
	CapTopics        Capability = "topics"
	CapSubscriptions Capability = "subscriptions"
	CapChannels      Capability = "channels"
	CapPerMessageDelete Capability = "perMessageDelete"
	CapTransactionalPut Capability = "transactionalPut"
)

// Provider is the mandatory contract every backend adapter implements.
//
// All operations except Connect, Disconnect and Connected fail fast with
// contracts.ErrNotConnected when no session is established. Browse never
// removes messages or holds locks beyond a bounded inspection window. Put
// is atomic from the caller's perspective.
type Provider interface {
	// Connect establishes the session and every sub-resource the backend
	// needs. Partial success rolls back whatever was created before the
	// error is surfaced as a *contracts.ConnectionError.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. It is idempotent and never fails
	// for "nothing to disconnect". The message cache is invalidated.
	Disconnect(ctx context.Context) error

	// Connected reports whether a session is established.
	Connected() bool

	// Kind returns the provider-kind tag ("rabbitmq", "kafka", ...).
	Kind() string

	// Supports reports whether an optional capability is available.
	Supports(c Capability) bool

	// ListQueues returns queue descriptors, optionally filtered by a
	// name substring. Results are recomputed on every call.
	ListQueues(ctx context.Context, filter string) ([]contracts.QueueInfo, error)

	// Browse returns up to opts.Limit messages starting at the logical
	// opts.StartPosition without destructively consuming them, and
	// populates the message cache with every message returned. An empty
	// queue yields an empty slice, never an error.
	Browse(ctx context.Context, queue string, opts contracts.BrowseOptions) ([]*contracts.Message, error)

	// Put enqueues a single message durably; either the message is
	// enqueued or an error is returned.
	Put(ctx context.Context, queue string, payload []byte, props map[string]string) error

	// DeleteMessage removes the identified message. Backends without a
	// native per-message delete either compensate (bounded scan) or fail
	// with contracts.ErrUnsupported; a target absent from the cache fails
	// with contracts.ErrMessageNotFound.
	DeleteMessage(ctx context.Context, queue, id string) error

	// DeleteMessages attempts every id independently and reports the
	// per-id outcome; it never aborts on first failure.
	DeleteMessages(ctx context.Context, queue string, ids []string) *contracts.BulkDeleteResult

	// ClearQueue removes all messages and always invalidates the entire
	// cache entry for the queue, whatever the backend-side outcome.
	ClearQueue(ctx context.Context, queue string) error

	// QueueProperties returns descriptive backend metadata for the queue.
	QueueProperties(ctx context.Context, queue string) (map[string]string, error)

	// QueueDepth returns the approximate message count, or
	// contracts.DepthUnknown when every inquiry path failed. It never
	// returns an error.
	QueueDepth(ctx context.Context, queue string) int64
}

// TopicBrowser is implemented by providers with a pub/sub surface.
type TopicBrowser interface {
	ListTopics(ctx context.Context, filter string) ([]contracts.TopicInfo, error)
	Publish(ctx context.Context, topic string, payload []byte, props map[string]string) error
	TopicProperties(ctx context.Context, topic string) (map[string]string, error)
}

// SubscriptionBrowser is implemented by providers whose topics carry named
// subscriptions that can be browsed independently.
type SubscriptionBrowser interface {
	ListSubscriptions(ctx context.Context, topic string) ([]contracts.SubscriptionInfo, error)
	BrowseSubscription(ctx context.Context, topic, subscription string, opts contracts.BrowseOptions) ([]*contracts.Message, error)
}

// ChannelLister is implemented by providers exposing broker channels
// through a management surface.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]contracts.ChannelInfo, error)
	StartChannel(ctx context.Context, name string) error
	StopChannel(ctx context.Context, name string) error
}

// EventSink receives fire-and-forget notifications after mutating
// operations. Implementations must not block.
type EventSink interface {
	QueueUpdated(queue string)
	DepthChanged(queue string, depth int64)
}

// NopEvents discards all notifications. Adapters default to it so event
// wiring stays optional.
type NopEvents struct{}

func (NopEvents) QueueUpdated(string)         {}
func (NopEvents) DepthChanged(string, int64)  {}
