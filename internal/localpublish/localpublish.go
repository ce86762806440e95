// Package localpublish declares the contract for re-publishing accepted
// events to the consumer's local event bus, an external collaborator
// this module doesn't own.
package localpublish

import "context"

// Publisher re-publishes one received batch to the local bus.
type Publisher interface {
	// Publish must be synchronous: the caller (ClientWorker) persists the
	// cursor only after Publish returns nil.
	Publish(ctx context.Context, topic string, offset int64, key, value []byte, shared map[string][]string) error
}
