package contracts

import (
	"time"
)

// Well-known property keys. Adapters stash backend-specific delivery state
// in the property bag under these keys so the cache-backed deletion model
// can recover it later.
const (
	PropReceiptHandle  = "receiptHandle"
	PropSequenceNumber = "sequenceNumber"
	PropPartition      = "partition"
	PropOffset         = "offset"
	PropDeliveryCount  = "deliveryCount"
	PropRedelivered    = "redelivered"
	PropContentType    = "contentType"
	PropEnqueuedTime   = "enqueuedTime"
)

// Message is a single message as observed by a browse call. Payload and
// Properties are treated as immutable once constructed; the message cache
// stores clones, never live views.
type Message struct {
	ID            string
	CorrelationID string
	Timestamp     time.Time
	Payload       []byte
	Properties    map[string]string
}

// NewMessage creates a message with a copied payload and property bag.
func NewMessage(id string, payload []byte, props map[string]string) *Message {
	m := &Message{
		ID:         id,
		Payload:    append([]byte(nil), payload...),
		Properties: make(map[string]string, len(props)),
	}
	for k, v := range props {
		m.Properties[k] = v
	}
	return m
}

// Property returns the named property, or "" when absent.
func (m *Message) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

// Clone returns an independent copy of the message. Cache entries are
// always clones so later backend-side mutation cannot reach them.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := &Message{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		Timestamp:     m.Timestamp,
		Payload:       append([]byte(nil), m.Payload...),
	}
	if m.Properties != nil {
		c.Properties = make(map[string]string, len(m.Properties))
		for k, v := range m.Properties {
			c.Properties[k] = v
		}
	}
	return c
}
