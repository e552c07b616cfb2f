// Package azurebus implements the provider contract against Azure Service
// Bus. Browse uses the backend's native non-destructive peek, so no lock is
// taken at all. No stable delete handle persists across calls; delete
// re-opens a peek-lock receiver and runs a bounded scan, matching the
// cached sequence number against each received message.
package azurebus

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/glimte/mqlens-go/contracts"
	"github.com/glimte/mqlens-go/providers"
)

const (
	// DefaultScanCap bounds the delete scan: after this many receives
	// without a sequence-number match the target is reported not found.
	DefaultScanCap = 100

	// DefaultReceiveWait bounds each single receive inside the delete
	// scan and the clear drain.
	DefaultReceiveWait = 2 * time.Second

	kind = "azurebus"
)

// Config carries the connection parameters from a connection profile.
type Config struct {
	ConnectionString string
}

type busReceiver interface {
	PeekMessages(ctx context.Context, maxMessages int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

type busSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

type busClient interface {
	NewReceiver(queue string) (busReceiver, error)
	NewSubscriptionReceiver(topic, subscription string) (busReceiver, error)
	NewSender(entity string) (busSender, error)
	Close(ctx context.Context) error
}

// Provider implements providers.Provider over Azure Service Bus.
type Provider struct {
	cfg            Config
	logger         *slog.Logger
	events         providers.EventSink
	cache          *providers.MessageCache
	scanCap        int
	receiveWait    time.Duration
	inquiryTimeout time.Duration

	newClients func(cfg Config) (busClient, adminAPI, error)

	mu        sync.Mutex
	client    busClient
	admin     adminAPI
	connected bool
}

// Option configures the provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithEvents sets the event sink notified after mutating operations.
func WithEvents(sink providers.EventSink) Option {
	return func(p *Provider) { p.events = sink }
}

// WithScanCap overrides the delete-scan iteration cap.
func WithScanCap(n int) Option {
	return func(p *Provider) { p.scanCap = n }
}

// WithReceiveWait overrides the per-receive wait inside scans and drains.
func WithReceiveWait(d time.Duration) Option {
	return func(p *Provider) { p.receiveWait = d }
}

// New creates a disconnected Service Bus provider.
func New(cfg Config, options ...Option) *Provider {
	p := &Provider{
		cfg:            cfg,
		logger:         slog.Default(),
		events:         providers.NopEvents{},
		cache:          providers.NewMessageCache(),
		scanCap:        DefaultScanCap,
		receiveWait:    DefaultReceiveWait,
		inquiryTimeout: 2500 * time.Millisecond,
		newClients:     newRealClients,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Kind returns "azurebus".
func (p *Provider) Kind() string { return kind }

// Supports reports the optional capabilities of this backend.
func (p *Provider) Supports(c providers.Capability) bool {
	switch c {
	case providers.CapTopics, providers.CapSubscriptions, providers.CapPerMessageDelete:
		return true
	default:
		return false
	}
}

// Connect establishes the messaging client and the admin client. If the
// admin client fails, the messaging client created before it is torn down
// before the error surfaces.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}

	client, adm, err := p.newClients(p.cfg)
	if err != nil {
		return &contracts.ConnectionError{
			Provider:  kind,
			Endpoint:  namespaceFromConnectionString(p.cfg.ConnectionString),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	p.client = client
	p.admin = adm
	p.connected = true
	p.logger.Info("connected to service bus",
		"namespace", namespaceFromConnectionString(p.cfg.ConnectionString))
	return nil
}

// Disconnect closes the messaging client. Idempotent; close errors are
// logged, never returned.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false

	if p.client != nil {
		if err := p.client.Close(ctx); err != nil {
			p.logger.Warn("client close failed", "error", err)
		}
		p.client = nil
	}
	p.admin = nil
	p.cache.Reset()
	p.logger.Info("disconnected from service bus")
	return nil
}

// Connected reports whether a session is established.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// ListQueues lists queues through the admin surface, filtered by a name
// substring.
func (p *Provider) ListQueues(ctx context.Context, filter string) ([]contracts.QueueInfo, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}

	names, err := p.admin.ListQueues(ctx)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "list queues", err)
	}

	infos := make([]contracts.QueueInfo, 0, len(names))
	for _, name := range names {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		infos = append(infos, contracts.QueueInfo{
			Name:  name,
			Depth: p.QueueDepth(ctx, name),
		})
	}
	return infos, nil
}

// Browse peeks messages without taking any lock; messages are left in
// place. StartPosition maps onto the peek's starting sequence number.
func (p *Provider) Browse(ctx context.Context, queue string, opts contracts.BrowseOptions) ([]*contracts.Message, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}
	opts = opts.Normalize()

	receiver, err := p.client.NewReceiver(queue)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "open receiver", err)
	}
	defer p.closeReceiver(ctx, receiver, queue)

	msgs, err := p.peekInto(ctx, receiver, queue, opts)
	if err != nil {
		return nil, err
	}
	p.cache.StoreAll(queue, msgs)
	return msgs, nil
}

func (p *Provider) peekInto(ctx context.Context, receiver busReceiver, entity string, opts contracts.BrowseOptions) ([]*contracts.Message, error) {
	peekOpts := &azservicebus.PeekMessagesOptions{}
	if opts.StartPosition > 0 {
		from := opts.StartPosition
		peekOpts.FromSequenceNumber = &from
	}

	raw, err := receiver.PeekMessages(ctx, opts.Limit, peekOpts)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "peek", err)
	}

	msgs := make([]*contracts.Message, 0, len(raw))
	for _, rm := range raw {
		m := receivedToMessage(rm)
		if !opts.Matches(m) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Put sends one message through a short-lived sender.
func (p *Provider) Put(ctx context.Context, queue string, payload []byte, props map[string]string) error {
	if !p.Connected() {
		return contracts.ErrNotConnected
	}

	sender, err := p.client.NewSender(queue)
	if err != nil {
		return contracts.WrapBackend(kind, "open sender", err)
	}
	defer func() {
		if cerr := sender.Close(ctx); cerr != nil {
			p.logger.Warn("sender close failed", "queue", queue, "error", cerr)
		}
	}()

	if err := sender.SendMessage(ctx, buildBusMessage(payload, props), nil); err != nil {
		return contracts.WrapBackend(kind, "send", err)
	}

	p.events.QueueUpdated(queue)
	return nil
}

// DeleteMessages attempts every id independently and reports the per-id
// outcome.
func (p *Provider) DeleteMessages(ctx context.Context, queue string, ids []string) *contracts.BulkDeleteResult {
	return providers.DeleteEach(ctx, queue, ids, p.DeleteMessage)
}

// ClearQueue drains the queue through a peek-lock receiver, completing
// every message, bounded by the per-receive wait. The cache entry is
// always invalidated.
func (p *Provider) ClearQueue(ctx context.Context, queue string) error {
	if !p.Connected() {
		return contracts.ErrNotConnected
	}
	defer p.cache.InvalidateQueue(queue)

	receiver, err := p.client.NewReceiver(queue)
	if err != nil {
		return contracts.WrapBackend(kind, "open receiver", err)
	}
	defer p.closeReceiver(ctx, receiver, queue)

	cleared := 0
	for {
		rctx, cancel := context.WithTimeout(ctx, p.receiveWait)
		batch, err := receiver.ReceiveMessages(rctx, 50, nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return contracts.WrapBackend(kind, "clear", ctx.Err())
			}
			// The wait elapsing with nothing to receive means drained.
			break
		}
		if len(batch) == 0 {
			break
		}
		for _, m := range batch {
			if err := receiver.CompleteMessage(ctx, m, nil); err != nil {
				return contracts.WrapBackend(kind, "complete during clear", err)
			}
			cleared++
		}
	}

	p.logger.Info("queue cleared", "queue", queue, "messages", cleared)
	p.events.QueueUpdated(queue)
	p.events.DepthChanged(queue, 0)
	return nil
}

// QueueProperties returns descriptive metadata from the admin surface.
func (p *Provider) QueueProperties(ctx context.Context, queue string) (map[string]string, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}
	props, err := p.admin.QueueProperties(ctx, queue)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "get queue properties", err)
	}
	return props, nil
}

// QueueDepth queries the admin runtime properties under a short timeout,
// or returns the unknown sentinel. It never returns an error.
func (p *Provider) QueueDepth(ctx context.Context, queue string) int64 {
	if !p.Connected() {
		return contracts.DepthUnknown
	}

	inquiryCtx, cancel := context.WithTimeout(ctx, p.inquiryTimeout)
	defer cancel()

	depth, err := p.admin.QueueRuntime(inquiryCtx, queue)
	if err != nil {
		p.logger.Debug("runtime depth inquiry failed", "queue", queue, "error", err)
		return contracts.DepthUnknown
	}
	return depth
}

// Cache exposes the message cache for tests and the connection manager.
func (p *Provider) Cache() *providers.MessageCache { return p.cache }

func (p *Provider) closeReceiver(ctx context.Context, r busReceiver, entity string) {
	if err := r.Close(ctx); err != nil {
		p.logger.Warn("receiver close failed", "entity", entity, "error", err)
	}
}

func receivedToMessage(rm *azservicebus.ReceivedMessage) *contracts.Message {
	props := make(map[string]string, len(rm.ApplicationProperties)+2)
	if rm.SequenceNumber != nil {
		props[contracts.PropSequenceNumber] = strconv.FormatInt(*rm.SequenceNumber, 10)
	}
	props[contracts.PropDeliveryCount] = strconv.FormatUint(uint64(rm.DeliveryCount), 10)
	for k, v := range rm.ApplicationProperties {
		if s, ok := v.(string); ok {
			props[k] = s
		}
	}
	if rm.EnqueuedTime != nil {
		props[contracts.PropEnqueuedTime] = rm.EnqueuedTime.UTC().Format(time.RFC3339)
	}

	m := contracts.NewMessage(rm.MessageID, rm.Body, props)
	if rm.CorrelationID != nil {
		m.CorrelationID = *rm.CorrelationID
	}
	if rm.EnqueuedTime != nil {
		m.Timestamp = *rm.EnqueuedTime
	}
	return m
}

func buildBusMessage(payload []byte, props map[string]string) *azservicebus.Message {
	msg := &azservicebus.Message{
		Body: append([]byte(nil), payload...),
	}
	for k, v := range props {
		switch k {
		case "messageId":
			id := v
			msg.MessageID = &id
		case "correlationId":
			cid := v
			msg.CorrelationID = &cid
		default:
			if msg.ApplicationProperties == nil {
				msg.ApplicationProperties = make(map[string]any)
			}
			msg.ApplicationProperties[k] = v
		}
	}
	return msg
}

func namespaceFromConnectionString(cs string) string {
	for _, part := range strings.Split(cs, ";") {
		if strings.HasPrefix(part, "Endpoint=") {
			return strings.TrimPrefix(part, "Endpoint=")
		}
	}
	return "service-bus"
}
