// Package sqs implements the provider contract against AWS SQS. Browse is
// a short-visibility-timeout receive: messages stay hidden for the
// inspection window and reappear on their own. The receipt handle from the
// receive is the only address for a per-message delete, so it is kept in
// the message cache; a delete target absent from the cache cannot be
// recovered any other way.
package sqs

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/glimte/mqlens-go/contracts"
	"github.com/glimte/mqlens-go/providers"
)

const (
	// DefaultVisibilityTimeout is the inspection window a browse hides
	// received messages for, in seconds.
	DefaultVisibilityTimeout = 1

	// receiveBatchMax is the SQS per-call receive ceiling.
	receiveBatchMax = 10

	kind = "sqs"
)

// Config carries the connection parameters from a connection profile.
type Config struct {
	Region          string
	Endpoint        string // optional override, e.g. for localstack
	AccessKeyID     string // optional; falls back to the default chain
	SecretAccessKey string
}

// sqsAPI is the slice of *sqs.Client the provider uses. Narrowed so tests
// can substitute a mock.
type sqsAPI interface {
	GetQueueUrl(ctx context.Context, in *awssqs.GetQueueUrlInput, opts ...func(*awssqs.Options)) (*awssqs.GetQueueUrlOutput, error)
	ListQueues(ctx context.Context, in *awssqs.ListQueuesInput, opts ...func(*awssqs.Options)) (*awssqs.ListQueuesOutput, error)
	SendMessage(ctx context.Context, in *awssqs.SendMessageInput, opts ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, opts ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *awssqs.DeleteMessageInput, opts ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	PurgeQueue(ctx context.Context, in *awssqs.PurgeQueueInput, opts ...func(*awssqs.Options)) (*awssqs.PurgeQueueOutput, error)
	GetQueueAttributes(ctx context.Context, in *awssqs.GetQueueAttributesInput, opts ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// Provider implements providers.Provider over SQS.
type Provider struct {
	cfg        Config
	logger     *slog.Logger
	events     providers.EventSink
	cache      *providers.MessageCache
	visibility int32

	newClient func(ctx context.Context, cfg Config) (sqsAPI, error)

	mu        sync.Mutex
	client    sqsAPI
	queueURLs map[string]string
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

// WithVisibilityTimeout overrides the browse inspection window, in seconds.
func WithVisibilityTimeout(seconds int32) Option {
	return func(p *Provider) { p.visibility = seconds }
}

// New creates a disconnected SQS provider.
func New(cfg Config, options ...Option) *Provider {
	p := &Provider{
		cfg:        cfg,
		logger:     slog.Default(),
		events:     providers.NopEvents{},
		cache:      providers.NewMessageCache(),
		visibility: DefaultVisibilityTimeout,
		queueURLs:  make(map[string]string),
	}
	p.newClient = func(ctx context.Context, cfg Config) (sqsAPI, error) {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, err
		}
		return awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		}), nil
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Kind returns "sqs".
func (p *Provider) Kind() string { return kind }

// Supports reports the optional capabilities of this backend.
func (p *Provider) Supports(c providers.Capability) bool {
	return c == providers.CapPerMessageDelete
}

// Connect builds the SQS client from the AWS configuration chain.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}

	client, err := p.newClient(ctx, p.cfg)
	if err != nil {
		return &contracts.ConnectionError{
			Provider:  kind,
			Endpoint:  p.cfg.Region,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	p.client = client
	p.connected = true
	p.logger.Info("connected to sqs", "region", p.cfg.Region)
	return nil
}

// Disconnect drops the client. Idempotent; the SQS client holds no
// persistent network resources to close.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false
	p.client = nil
	p.queueURLs = make(map[string]string)
	p.cache.Reset()
	p.logger.Info("disconnected from sqs")
	return nil
}

// Connected reports whether a session is established.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Provider) queueURL(ctx context.Context, queue string) (string, error) {
	p.mu.Lock()
	if u, ok := p.queueURLs[queue]; ok {
		p.mu.Unlock()
		return u, nil
	}
	client := p.client
	p.mu.Unlock()

	out, err := client.GetQueueUrl(ctx, &awssqs.GetQueueUrlInput{
		QueueName: aws.String(queue),
	})
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.queueURLs[queue] = *out.QueueUrl
	p.mu.Unlock()
	return *out.QueueUrl, nil
}

// ListQueues lists queues filtered by a name substring.
func (p *Provider) ListQueues(ctx context.Context, filter string) ([]contracts.QueueInfo, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}

	var (
		infos     []contracts.QueueInfo
		nextToken *string
	)
	for {
		out, err := p.client.ListQueues(ctx, &awssqs.ListQueuesInput{NextToken: nextToken})
		if err != nil {
			return nil, contracts.WrapBackend(kind, "list queues", err)
		}
		for _, u := range out.QueueUrls {
			name := queueNameFromURL(u)
			if filter != "" && !strings.Contains(name, filter) {
				continue
			}
			infos = append(infos, contracts.QueueInfo{
				Name:     name,
				Depth:    p.QueueDepth(ctx, name),
				Metadata: map[string]string{"url": u},
			})
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return infos, nil
}

// Browse receives up to opts.Limit messages under the short visibility
// timeout. Messages stay in place and reappear once the window elapses.
// Receipt handles are cached for later deletion.
func (p *Provider) Browse(ctx context.Context, queue string, opts contracts.BrowseOptions) ([]*contracts.Message, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}
	opts = opts.Normalize()

	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "resolve queue url", err)
	}

	var (
		msgs    []*contracts.Message
		skipped int64
	)
	want := opts.Limit + int(opts.StartPosition)
	for len(msgs)+int(skipped) < want {
		batch := want - len(msgs) - int(skipped)
		if batch > receiveBatchMax {
			batch = receiveBatchMax
		}
		out, err := p.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:              aws.String(queueURL),
			MaxNumberOfMessages:   int32(batch),
			VisibilityTimeout:     p.visibility,
			WaitTimeSeconds:       1,
			MessageAttributeNames: []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameAll,
			},
		})
		if err != nil {
			return nil, contracts.WrapBackend(kind, "receive", err)
		}
		if len(out.Messages) == 0 {
			// Queue drained within the wait; an empty result is not an
			// error.
			break
		}
		for _, raw := range out.Messages {
			if skipped < opts.StartPosition {
				skipped++
				continue
			}
			m := sqsToMessage(raw)
			if !opts.Matches(m) {
				continue
			}
			msgs = append(msgs, m)
		}
	}

	p.cache.StoreAll(queue, msgs)
	return msgs, nil
}

// Put sends one message.
func (p *Provider) Put(ctx context.Context, queue string, payload []byte, props map[string]string) error {
	if !p.Connected() {
		return contracts.ErrNotConnected
	}

	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return contracts.WrapBackend(kind, "resolve queue url", err)
	}

	in := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(payload)),
	}
	if len(props) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(props))
		for k, v := range props {
			in.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	if _, err := p.client.SendMessage(ctx, in); err != nil {
		return contracts.WrapBackend(kind, "send", err)
	}

	p.events.QueueUpdated(queue)
	return nil
}

// DeleteMessage deletes by the receipt handle cached from a prior browse.
// The handle cannot be recovered any other way, so a cache miss is a
// not-found error.
func (p *Provider) DeleteMessage(ctx context.Context, queue, id string) error {
	if !p.Connected() {
		return contracts.ErrNotConnected
	}

	cached := p.cache.Get(queue, id)
	if cached == nil {
		return contracts.ErrMessageNotFound
	}
	handle := cached.Property(contracts.PropReceiptHandle)
	if handle == "" {
		return contracts.ErrMessageNotFound
	}

	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return contracts.WrapBackend(kind, "resolve queue url", err)
	}

	if _, err := p.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(handle),
	}); err != nil {
		return contracts.WrapBackend(kind, "delete", err)
	}

	p.cache.Remove(queue, id)
	p.events.QueueUpdated(queue)
	return nil
}

// DeleteMessages attempts every id independently and reports the per-id
// outcome.
func (p *Provider) DeleteMessages(ctx context.Context, queue string, ids []string) *contracts.BulkDeleteResult {
	return providers.DeleteEach(ctx, queue, ids, p.DeleteMessage)
}

// ClearQueue purges the queue and always invalidates its cache entry.
func (p *Provider) ClearQueue(ctx context.Context, queue string) error {
	if !p.Connected() {
		return contracts.ErrNotConnected
	}
	defer p.cache.InvalidateQueue(queue)

	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return contracts.WrapBackend(kind, "resolve queue url", err)
	}
	if _, err := p.client.PurgeQueue(ctx, &awssqs.PurgeQueueInput{
		QueueUrl: aws.String(queueURL),
	}); err != nil {
		return contracts.WrapBackend(kind, "purge", err)
	}

	p.logger.Info("queue purged", "queue", queue)
	p.events.QueueUpdated(queue)
	p.events.DepthChanged(queue, 0)
	return nil
}

// QueueProperties returns all queue attributes.
func (p *Provider) QueueProperties(ctx context.Context, queue string) (map[string]string, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}

	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "resolve queue url", err)
	}
	out, err := p.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameAll},
	})
	if err != nil {
		return nil, contracts.WrapBackend(kind, "get attributes", err)
	}

	props := make(map[string]string, len(out.Attributes)+1)
	props["url"] = queueURL
	for k, v := range out.Attributes {
		props[k] = v
	}
	return props, nil
}

// QueueDepth queries the approximate message count attribute, or returns
// the unknown sentinel. It never returns an error.
func (p *Provider) QueueDepth(ctx context.Context, queue string) int64 {
	if !p.Connected() {
		return contracts.DepthUnknown
	}

	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		p.logger.Debug("depth url inquiry failed", "queue", queue, "error", err)
		return contracts.DepthUnknown
	}
	out, err := p.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	if err != nil {
		p.logger.Debug("depth attribute inquiry failed", "queue", queue, "error", err)
		return contracts.DepthUnknown
	}

	raw, ok := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	if !ok {
		return contracts.DepthUnknown
	}
	depth, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.logger.Debug("depth attribute parse failed", "queue", queue, "value", raw)
		return contracts.DepthUnknown
	}
	return depth
}

// Cache exposes the message cache for tests and the connection manager.
func (p *Provider) Cache() *providers.MessageCache { return p.cache }

func queueNameFromURL(u string) string {
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}

func sqsToMessage(raw types.Message) *contracts.Message {
	props := make(map[string]string, len(raw.Attributes)+len(raw.MessageAttributes)+1)
	if raw.ReceiptHandle != nil {
		props[contracts.PropReceiptHandle] = *raw.ReceiptHandle
	}
	for k, v := range raw.Attributes {
		props["sys."+k] = v
	}
	var correlationID string
	for k, v := range raw.MessageAttributes {
		if v.StringValue == nil {
			continue
		}
		if k == "correlationId" {
			correlationID = *v.StringValue
			continue
		}
		props[k] = *v.StringValue
	}

	var body []byte
	if raw.Body != nil {
		body = []byte(*raw.Body)
	}
	id := ""
	if raw.MessageId != nil {
		id = *raw.MessageId
	}

	m := contracts.NewMessage(id, body, props)
	m.CorrelationID = correlationID
	if ts, ok := raw.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			m.Timestamp = time.UnixMilli(ms)
		}
	}
	return m
}
