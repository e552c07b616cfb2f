package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mqlens-go/contracts"
)

// Browse reads messages non-destructively through a short-lived unacked
// consumer: deliveries accumulate without being acked, and every one is
// nack-requeued before the browse returns. Each cursor step waits at most
// browseWait; the wait elapsing means "no message available" and terminates
// the loop, it is not an error.
func (p *Provider) Browse(ctx context.Context, queue string, opts contracts.BrowseOptions) ([]*contracts.Message, error) {
	if !p.Connected() {
		return nil, contracts.ErrNotConnected
	}
	opts = opts.Normalize()

	// A dedicated channel keeps the unacked browse window away from the
	// operations channel. Closing it requeues anything not yet nacked.
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, contracts.WrapBackend(kind, "open browse channel", err)
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			p.logger.Warn("browse channel close failed", "queue", queue, "error", cerr)
		}
	}()

	// The cursor walks StartPosition messages before the window of
	// interest begins.
	want := opts.Limit + int(opts.StartPosition)
	if err := ch.Qos(want, 0, false); err != nil {
		return nil, contracts.WrapBackend(kind, "set browse prefetch", err)
	}

	tag := "mqlens-browse-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, contracts.WrapBackend(kind, "open browse cursor", err)
	}

	collected := make([]amqp.Delivery, 0, want)
	defer func() {
		// Requeue in one shot: nack the highest tag with multiple=true
		// covers every outstanding delivery on this channel.
		if len(collected) == 0 {
			return
		}
		last := collected[len(collected)-1]
		if nerr := last.Nack(true, true); nerr != nil {
			p.logger.Warn("browse requeue failed", "queue", queue, "error", nerr)
		}
	}()

	timer := time.NewTimer(p.browseWait)
	defer timer.Stop()

collect:
	for len(collected) < want {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.browseWait)

		select {
		case d, ok := <-deliveries:
			if !ok {
				break collect
			}
			collected = append(collected, d)
		case <-timer.C:
			// No message available within the cursor wait.
			break collect
		case <-ctx.Done():
			if cerr := ch.Cancel(tag, false); cerr != nil {
				p.logger.Warn("browse cancel failed", "queue", queue, "error", cerr)
			}
			return nil, contracts.WrapBackend(kind, "browse", ctx.Err())
		}
	}

	if cerr := ch.Cancel(tag, false); cerr != nil {
		p.logger.Warn("browse cancel failed", "queue", queue, "error", cerr)
	}

	start := int(opts.StartPosition)
	if start > len(collected) {
		start = len(collected)
	}

	msgs := make([]*contracts.Message, 0, len(collected)-start)
	for _, d := range collected[start:] {
		m := deliveryToMessage(d)
		if !opts.Matches(m) {
			continue
		}
		msgs = append(msgs, m)
	}

	p.cache.StoreAll(queue, msgs)
	return msgs, nil
}

func deliveryToMessage(d amqp.Delivery) *contracts.Message {
	props := map[string]string{
		contracts.PropRedelivered: strconv.FormatBool(d.Redelivered),
	}
	if d.ContentType != "" {
		props[contracts.PropContentType] = d.ContentType
	}
	if d.Exchange != "" {
		props["exchange"] = d.Exchange
	}
	if d.RoutingKey != "" {
		props["routingKey"] = d.RoutingKey
	}
	for k, v := range d.Headers {
		props["hdr."+k] = fmt.Sprintf("%v", v)
	}

	id := d.MessageId
	if id == "" {
		// Brokers do not require a message id; synthesize one so the
		// cache has a key. Synthesized ids are stable only within the
		// cache's lifetime.
		id = "mqlens-" + uuid.NewString()
	}

	m := contracts.NewMessage(id, d.Body, props)
	m.CorrelationID = d.CorrelationId
	m.Timestamp = d.Timestamp
	return m
}
