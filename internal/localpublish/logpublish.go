package localpublish

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// LogPublisher is a reference Publisher that logs each accepted batch
// instead of re-publishing it to a real local bus, standing in for a
// downstream collaborator this module doesn't own.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, topic string, offset int64, key, value []byte, shared map[string][]string) error {
	log.WithFields(log.Fields{
		"topic":  topic,
		"offset": offset,
		"bytes":  len(value),
		"shared": shared,
	}).Debug("published batch to local bus")
	return nil
}
