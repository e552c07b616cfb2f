// Package providers defines the capability contract every backend adapter
// implements, plus the per-adapter message cache that makes cache-backed
// deletion possible on backends without a native per-message delete.
//
// The mandatory surface (Provider) is identical across backends. Optional
// capabilities (topics, subscriptions, channels) are modeled as separate
// interfaces discovered by type assertion, paired with Supports so callers
// fail fast with contracts.ErrUnsupported instead of tripping over a
// missing method at runtime.
package providers
