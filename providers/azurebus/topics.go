package azurebus

import (
	"context"
	"strings"

	"github.com/glimte/mqlens-go/contracts"
)

// ListTopics lists topics through the admin surface, filtered by a name
// substring.
func (p *Provider) ListTopics(ctx context.Context, filter string) ([]contracts.TopicInfo, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}

	names, err := p.admin.ListTopics(ctx)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "list topics", err)
	}

	infos := make([]contracts.TopicInfo, 0, len(names))
	for _, name := range names {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		subs, err := p.admin.ListSubscriptions(ctx, name)
		if err != nil {
			p.logger.Debug("subscription count inquiry failed", "topic", name, "error", err)
		}
		infos = append(infos, contracts.TopicInfo{
			Name:          name,
			Subscriptions: len(subs),
		})
	}
	return infos, nil
}

// Publish sends one message to a topic; the bus fans it out to every
// subscription.
func (p *Provider) Publish(ctx context.Context, topic string, payload []byte, props map[string]string) error {
	if !p.Connected() {
		return contracts.ErrNotConnected
	}

	sender, err := p.client.NewSender(topic)
	if err != nil {
		return contracts.WrapBackend(kind, "open sender", err)
	}
	defer func() {
		if cerr := sender.Close(ctx); cerr != nil {
			p.logger.Warn("sender close failed", "topic", topic, "error", cerr)
		}
	}()

	if err := sender.SendMessage(ctx, buildBusMessage(payload, props), nil); err != nil {
		return contracts.WrapBackend(kind, "publish", err)
	}

	p.events.QueueUpdated(topic)
	return nil
}

// TopicProperties returns descriptive metadata from the admin surface.
func (p *Provider) TopicProperties(ctx context.Context, topic string) (map[string]string, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}
	props, err := p.admin.TopicProperties(ctx, topic)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "get topic properties", err)
	}
	return props, nil
}

// ListSubscriptions lists a topic's subscriptions with their depths.
func (p *Provider) ListSubscriptions(ctx context.Context, topic string) ([]contracts.SubscriptionInfo, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}

	names, err := p.admin.ListSubscriptions(ctx, topic)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "list subscriptions", err)
	}

	infos := make([]contracts.SubscriptionInfo, 0, len(names))
	for _, name := range names {
		depth := contracts.DepthUnknown
		if d, err := p.admin.SubscriptionRuntime(ctx, topic, name); err == nil {
			depth = d
		} else {
			p.logger.Debug("subscription depth inquiry failed",
				"topic", topic, "subscription", name, "error", err)
		}
		infos = append(infos, contracts.SubscriptionInfo{
			Topic: topic,
			Name:  name,
			Depth: depth,
		})
	}
	return infos, nil
}

// BrowseSubscription peeks a subscription without taking any lock. The
// cache keys subscription messages under "topic/subscription".
func (p *Provider) BrowseSubscription(ctx context.Context, topic, subscription string, opts contracts.BrowseOptions) ([]*contracts.Message, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}
	opts = opts.Normalize()

	receiver, err := p.client.NewSubscriptionReceiver(topic, subscription)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "open subscription receiver", err)
	}
	entity := topic + "/" + subscription
	defer p.closeReceiver(ctx, receiver, entity)

	msgs, err := p.peekInto(ctx, receiver, entity, opts)
	if err != nil {
		return nil, err
	}
	p.cache.StoreAll(entity, msgs)
	return msgs, nil
}
