// Package contracts defines the shared value types exchanged between the
// connection manager, the provider adapters, and callers: messages, queue
// and topic descriptors, browse options, and the error taxonomy common to
// every backend.
package contracts
