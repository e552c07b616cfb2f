// Package kafka implements the provider contract against a Kafka cluster.
// Browsing subscribes a throwaway, uniquely named consumer group from the
// earliest offset and never commits, so no durable group used by real
// consumers is disturbed. The log has no per-message delete; delete evicts
// the local cache entry and explicitly reports that the record remains
// retained by the log.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/glimte/mqlens-go/contracts"
	"github.com/glimte/mqlens-go/providers"
)

const (
	// DefaultBrowseWait bounds the whole accumulation race: browse stops
	// when the limit is reached or this wait elapses, whichever first.
	DefaultBrowseWait = 5 * time.Second

	// defaultConnectTimeout bounds the reachability dial at connect time.
	defaultConnectTimeout = 10 * time.Second

	browseGroupPrefix = "mqlens-browse-"

	kind = "kafka"
)

// Config carries the connection parameters from a connection profile.
type Config struct {
	Brokers  []string
	ClientID string
}

type logReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

type logWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type metaConn interface {
	ReadPartitions(topics ...string) ([]kafkago.Partition, error)
	Close() error
}

// Provider implements providers.Provider over Kafka.
type Provider struct {
	cfg        Config
	logger     *slog.Logger
	events     providers.EventSink
	cache      *providers.MessageCache
	browseWait time.Duration

	dial        func(ctx context.Context) (metaConn, error)
	newReader   func(topic, groupID string) logReader
	newWriter   func() logWriter
	readOffsets func(ctx context.Context, topic string, partition int) (first, last int64, err error)
	deleteTopic func(ctx context.Context, topic string) error

	mu        sync.Mutex
	writer    logWriter
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

// WithBrowseWait overrides the bounded browse wait.
func WithBrowseWait(d time.Duration) Option {
	return func(p *Provider) { p.browseWait = d }
}

// New creates a disconnected Kafka provider.
func New(cfg Config, options ...Option) *Provider {
	p := &Provider{
		cfg:        cfg,
		logger:     slog.Default(),
		events:     providers.NopEvents{},
		cache:      providers.NewMessageCache(),
		browseWait: DefaultBrowseWait,
	}
	p.dial = func(ctx context.Context) (metaConn, error) {
		return kafkago.DialContext(ctx, "tcp", p.anyBroker())
	}
	p.newReader = func(topic, groupID string) logReader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     p.cfg.Brokers,
			GroupID:     groupID,
			Topic:       topic,
			StartOffset: kafkago.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
	}
	p.newWriter = func() logWriter {
		return &kafkago.Writer{
			Addr:                   kafkago.TCP(p.cfg.Brokers...),
			Balancer:               &kafkago.LeastBytes{},
			AllowAutoTopicCreation: true,
		}
	}
	p.readOffsets = func(ctx context.Context, topic string, partition int) (int64, int64, error) {
		conn, err := kafkago.DialLeader(ctx, "tcp", p.anyBroker(), topic, partition)
		if err != nil {
			return 0, 0, err
		}
		defer conn.Close()
		first, err := conn.ReadFirstOffset()
		if err != nil {
			return 0, 0, err
		}
		last, err := conn.ReadLastOffset()
		if err != nil {
			return 0, 0, err
		}
		return first, last, nil
	}
	p.deleteTopic = func(ctx context.Context, topic string) error {
		conn, err := kafkago.DialContext(ctx, "tcp", p.anyBroker())
		if err != nil {
			return err
		}
		defer conn.Close()
		controller, err := conn.Controller()
		if err != nil {
			return err
		}
		ctrl, err := kafkago.DialContext(ctx, "tcp",
			net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
		if err != nil {
			return err
		}
		defer ctrl.Close()
		return ctrl.DeleteTopics(topic)
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

func (p *Provider) anyBroker() string {
	if len(p.cfg.Brokers) == 0 {
		return "localhost:9092"
	}
	return p.cfg.Brokers[0]
}

// Kind returns "kafka".
func (p *Provider) Kind() string { return kind }

// Supports reports the optional capabilities of this backend.
func (p *Provider) Supports(c providers.Capability) bool {
	return c == providers.CapTopics
}

// Connect verifies broker reachability and prepares the shared producer.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx)
	if err != nil {
		return &contracts.ConnectionError{
			Provider:  kind,
			Endpoint:  strings.Join(p.cfg.Brokers, ","),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	if cerr := conn.Close(); cerr != nil {
		p.logger.Debug("metadata connection close failed", "error", cerr)
	}

	p.writer = p.newWriter()
	p.connected = true
	p.logger.Info("connected to kafka", "brokers", p.cfg.Brokers)
	return nil
}

// Disconnect closes the producer. Idempotent; close errors are logged,
// never returned.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false

	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			p.logger.Warn("writer close failed", "error", err)
		}
		p.writer = nil
	}
	p.cache.Reset()
	p.logger.Info("disconnected from kafka")
	return nil
}

// Connected reports whether a session is established.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// ListQueues lists topics; on this backend queues and topics share one
// namespace. Internal topics are skipped.
func (p *Provider) ListQueues(ctx context.Context, filter string) ([]contracts.QueueInfo, error) {
	topics, err := p.listTopicPartitions(ctx, filter)
	if err != nil {
		return nil, err
	}

	infos := make([]contracts.QueueInfo, 0, len(topics))
	for _, t := range topics {
		infos = append(infos, contracts.QueueInfo{
			Name:  t.Name,
			Depth: p.topicDepth(ctx, t.Name, t.Partitions),
			Metadata: map[string]string{
				"partitions": strconv.Itoa(t.Partitions),
			},
		})
	}
	return infos, nil
}

// ListTopics mirrors ListQueues with topic descriptors.
func (p *Provider) ListTopics(ctx context.Context, filter string) ([]contracts.TopicInfo, error) {
	topics, err := p.listTopicPartitions(ctx, filter)
	if err != nil {
		return nil, err
	}
	infos := make([]contracts.TopicInfo, len(topics))
	for i, t := range topics {
		infos[i] = contracts.TopicInfo{Name: t.Name, Partitions: t.Partitions}
	}
	return infos, nil
}

type topicMeta struct {
	Name       string
	Partitions int
}

func (p *Provider) listTopicPartitions(ctx context.Context, filter string) ([]topicMeta, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "dial metadata", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, contracts.WrapBackend(kind, "read partitions", err)
	}

	counts := make(map[string]int)
	for _, part := range partitions {
		if strings.HasPrefix(part.Topic, "__") {
			continue
		}
		if filter != "" && !strings.Contains(part.Topic, filter) {
			continue
		}
		counts[part.Topic]++
	}

	topics := make([]topicMeta, 0, len(counts))
	for name, n := range counts {
		topics = append(topics, topicMeta{Name: name, Partitions: n})
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics, nil
}

// Browse accumulates up to opts.Limit messages under a throwaway consumer
// group, racing against the bounded wait. Offsets are never committed.
func (p *Provider) Browse(ctx context.Context, topic string, opts contracts.BrowseOptions) ([]*contracts.Message, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}
	opts = opts.Normalize()

	reader := p.newReader(topic, browseGroupPrefix+uuid.NewString())
	defer func() {
		if cerr := reader.Close(); cerr != nil {
			p.logger.Warn("browse reader close failed", "topic", topic, "error", cerr)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, p.browseWait)
	defer cancel()

	var (
		msgs    []*contracts.Message
		skipped int64
	)
	for len(msgs) < opts.Limit {
		m, err := reader.FetchMessage(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				// The caller's context went away, not our bounded wait.
				return nil, contracts.WrapBackend(kind, "browse", ctx.Err())
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				break
			}
			return nil, contracts.WrapBackend(kind, "fetch", err)
		}
		if skipped < opts.StartPosition {
			skipped++
			continue
		}
		msg := recordToMessage(m)
		if !opts.Matches(msg) {
			continue
		}
		msgs = append(msgs, msg)
	}

	p.cache.StoreAll(topic, msgs)
	return msgs, nil
}

// Put produces one record to the topic.
func (p *Provider) Put(ctx context.Context, topic string, payload []byte, props map[string]string) error {
	p.mu.Lock()
	writer := p.writer
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		return contracts.ErrNotConnected
	}

	record := kafkago.Message{
		Topic: topic,
		Value: append([]byte(nil), payload...),
	}
	for k, v := range props {
		if k == "key" {
			record.Key = []byte(v)
			continue
		}
		record.Headers = append(record.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	if err := writer.WriteMessages(ctx, record); err != nil {
		return contracts.WrapBackend(kind, "produce", err)
	}

	p.events.QueueUpdated(topic)
	return nil
}

// Publish is Put; topics and queues share one namespace.
func (p *Provider) Publish(ctx context.Context, topic string, payload []byte, props map[string]string) error {
	return p.Put(ctx, topic, payload, props)
}

// DeleteMessage evicts the cache entry and reports explicitly that the
// durable record remains retained by the log. The log offers no
// per-message delete.
func (p *Provider) DeleteMessage(ctx context.Context, topic, id string) error {
	if !p.Connected() {
		return contracts.ErrNotConnected
	}
	if !p.cache.Remove(topic, id) {
		return contracts.ErrMessageNotFound
	}
	p.events.QueueUpdated(topic)
	return fmt.Errorf("%w: topic %s, id %s", contracts.ErrRetainedByLog, topic, id)
}

// DeleteMessages attempts every id independently. On this backend each
// cached id reports the retained-by-log outcome.
func (p *Provider) DeleteMessages(ctx context.Context, topic string, ids []string) *contracts.BulkDeleteResult {
	return providers.DeleteEach(ctx, topic, ids, p.DeleteMessage)
}

// ClearQueue deletes the topic through the controller; auto-creation on the
// next produce gives it clear-like semantics. The cache entry is always
// invalidated.
func (p *Provider) ClearQueue(ctx context.Context, topic string) error {
	if !p.Connected() {
		return contracts.ErrNotConnected
	}
	defer p.cache.InvalidateQueue(topic)

	if err := p.deleteTopic(ctx, topic); err != nil {
		return contracts.WrapBackend(kind, "delete topic", err)
	}
	p.logger.Info("topic deleted", "topic", topic)
	p.events.QueueUpdated(topic)
	p.events.DepthChanged(topic, 0)
	return nil
}

// QueueProperties returns partition layout and offset bounds.
func (p *Provider) QueueProperties(ctx context.Context, topic string) (map[string]string, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "dial metadata", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "read partitions", err)
	}

	props := map[string]string{
		"partitions": strconv.Itoa(len(partitions)),
	}
	for _, part := range partitions {
		first, last, err := p.readOffsets(ctx, topic, part.ID)
		if err != nil {
			p.logger.Debug("offset inquiry failed", "topic", topic, "partition", part.ID, "error", err)
			continue
		}
		prefix := "partition." + strconv.Itoa(part.ID)
		props[prefix+".firstOffset"] = strconv.FormatInt(first, 10)
		props[prefix+".lastOffset"] = strconv.FormatInt(last, 10)
	}
	return props, nil
}

// TopicProperties is QueueProperties under the topic capability.
func (p *Provider) TopicProperties(ctx context.Context, topic string) (map[string]string, error) {
	return p.QueueProperties(ctx, topic)
}

// QueueDepth sums retained records across partitions, or returns the
// unknown sentinel when any offset inquiry fails. It never returns an
// error.
func (p *Provider) QueueDepth(ctx context.Context, topic string) int64 {
	if !p.Connected() {
		return contracts.DepthUnknown
	}

	conn, err := p.dial(ctx)
	if err != nil {
		p.logger.Debug("depth dial failed", "topic", topic, "error", err)
		return contracts.DepthUnknown
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		p.logger.Debug("depth partition inquiry failed", "topic", topic, "error", err)
		return contracts.DepthUnknown
	}
	return p.topicDepth(ctx, topic, len(partitions))
}

func (p *Provider) topicDepth(ctx context.Context, topic string, partitions int) int64 {
	var total int64
	for i := 0; i < partitions; i++ {
		first, last, err := p.readOffsets(ctx, topic, i)
		if err != nil {
			p.logger.Debug("offset inquiry failed", "topic", topic, "partition", i, "error", err)
			return contracts.DepthUnknown
		}
		total += last - first
	}
	return total
}

// Cache exposes the message cache for tests and the connection manager.
func (p *Provider) Cache() *providers.MessageCache { return p.cache }

func recordToMessage(m kafkago.Message) *contracts.Message {
	props := map[string]string{
		contracts.PropPartition: strconv.Itoa(m.Partition),
		contracts.PropOffset:    strconv.FormatInt(m.Offset, 10),
	}
	if len(m.Key) > 0 {
		props["key"] = string(m.Key)
	}
	var correlationID string
	for _, h := range m.Headers {
		if h.Key == "correlationId" {
			correlationID = string(h.Value)
			continue
		}
		props["hdr."+h.Key] = string(h.Value)
	}

	// Partition and offset identify a record for the retention window;
	// together they are the message id.
	id := fmt.Sprintf("%d:%d", m.Partition, m.Offset)

	msg := contracts.NewMessage(id, m.Value, props)
	msg.CorrelationID = correlationID
	msg.Timestamp = m.Time
	return msg
}
