package dispatcher

import (
	"context"
	"time"

	"github.com/estuary/federator/internal/cache"
	"github.com/estuary/federator/internal/config"
	"github.com/estuary/federator/internal/eventsource"
	"github.com/estuary/federator/internal/filter"
	"github.com/estuary/federator/internal/metrics"
	"github.com/estuary/federator/internal/wire"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FileStreamer streams one logical file as Chunk messages, implemented
// by package filestreamer; declared here as an interface to keep
// dispatcher decoupled from the storage-provider machinery.
type FileStreamer interface {
	Stream(ctx context.Context, topic string, startSequenceID int64, send func(*wire.Chunk) error) error
}

// Dispatcher implements wire.FederatorServer: for each inbound stream
// request it reads events from the local log, applies the attribute
// filter, and emits wire batches until cancelled, idle, or end-of-log.
type Dispatcher struct {
	Source        eventsource.Source
	Snapshots     *cache.Cache
	NodeID        string
	IdleTimeout   time.Duration
	Files         FileStreamer
	SharedHeaders []string // the `shared.headers` forwarding whitelist
	ShareAll      bool
}

var _ wire.FederatorServer = (*Dispatcher)(nil)

// StreamTopic serves one StreamTopic call.
func (d *Dispatcher) StreamTopic(req *wire.TopicRequest, stream wire.Federator_StreamTopicServer) error {
	var ctx = stream.Context()
	var callerID = CallerID(ctx)

	var f, err = d.resolveFilter(req.Topic, callerID)
	if err != nil {
		return err
	}
	defer f.Close()

	var offset = req.Offset
	var lastEmit = time.Now()

	for {
		if d.IdleTimeout > 0 && time.Since(lastEmit) > d.IdleTimeout {
			log.WithFields(log.Fields{"topic": req.Topic, "caller": callerID}).Debug("stream idle timeout elapsed")
			return nil
		}

		var readCtx = ctx
		var cancel context.CancelFunc
		if d.IdleTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, d.IdleTimeout)
		}
		rec, err := d.Source.Read(readCtx, req.Topic, offset)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			if ctx.Err() != nil {
				return status.FromContextError(ctx.Err()).Err()
			}
			if err == eventsource.ErrOutOfRange {
				return status.Error(codes.OutOfRange, "offset is behind retention")
			}
			if readCtx.Err() == context.DeadlineExceeded {
				continue // idle poll timed out; loop re-checks the idle deadline above
			}
			return status.Errorf(codes.Internal, "reading event source: %v", err)
		}

		offset = rec.Offset + 1

		if !f.Allow(rec.Headers) {
			metrics.BatchesFiltered.WithLabelValues(req.Topic).Inc()
			continue // denied: advance read position without emitting
		}

		var batch = &wire.Batch{
			Topic:  req.Topic,
			Offset: rec.Offset,
			Key:    rec.Key,
			Value:  rec.Value,
			Shared: sharedOf(rec.Headers, d.SharedHeaders),
		}
		if err := stream.Send(batch); err != nil {
			return err // client cancelled or stream broken; stop, don't advance further
		}
		metrics.BatchesEmitted.WithLabelValues(req.Topic).Inc()
		lastEmit = time.Now()
	}
}

// resolveFilter finds the subscription matching (topic, callerID) within
// the cached snapshot's product for this topic, and builds its Filter.
// The shared-header whitelist is not per subscription; StreamTopic uses
// d.SharedHeaders for every caller.
func (d *Dispatcher) resolveFilter(topic, callerID string) (filter.Filter, error) {
	var value, ok = d.Snapshots.Get(cache.Producer, d.NodeID)
	if !ok {
		return nil, status.Error(codes.Internal, "no producer configuration cached for this node")
	}
	var snap = value.(config.Snapshot)

	var prod, found = snap.ProductByTopic(topic)
	if !found {
		return nil, status.Errorf(codes.NotFound, "no subscription for topic %q and caller %q", topic, callerID)
	}
	for _, sub := range prod.Subscriptions {
		if equalFoldASCII(sub.IdpClientID, callerID) {
			return filter.New(sub.Attributes, d.ShareAll), nil
		}
	}
	return nil, status.Errorf(codes.NotFound, "no subscription for topic %q and caller %q", topic, callerID)
}

func sharedOf(headers map[string][]string, whitelist []string) []wire.HeaderKV {
	if len(whitelist) == 0 {
		return nil
	}
	var out []wire.HeaderKV
	for _, key := range whitelist {
		for _, v := range headers[key] {
			out = append(out, wire.HeaderKV{Key: key, Value: v})
		}
	}
	return out
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		var ca, cb = a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// StreamFile serves one StreamFile call, delegating to the configured FileStreamer.
func (d *Dispatcher) StreamFile(req *wire.FileStreamRequest, stream wire.Federator_StreamFileServer) error {
	if d.Files == nil {
		return status.Error(codes.Unimplemented, "file streaming is not configured")
	}
	return d.Files.Stream(stream.Context(), req.Topic, req.StartSequenceID, stream.Send)
}
