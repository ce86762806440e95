// Package clientworker implements the consumer-side stream reader: one
// worker per (peer, topic), reading a long-lived stream from the peer
// starting at the persisted cursor and pushing every batch to the
// local publisher.
package clientworker

import (
	"context"
	"fmt"
	"time"

	"github.com/estuary/federator/internal/cursorstore"
	"github.com/estuary/federator/internal/ferrors"
	"github.com/estuary/federator/internal/localpublish"
	"github.com/estuary/federator/internal/metrics"
	"github.com/estuary/federator/internal/resilience"
	"github.com/estuary/federator/internal/token"
	"github.com/estuary/federator/internal/wire"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/metadata"
)

// TokenSource supplies the bearer token attached to every outbound call.
type TokenSource interface {
	Current() (token.BearerToken, bool)
}

// DefaultRetryPolicy returns base 500ms, max 60s, doubling, retried
// forever (bounded only by the caller's ctx / scheduler lifetime).
func DefaultRetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		InitialWait: 500 * time.Millisecond,
		MaxBackoff:  60 * time.Second,
	}
}

// Worker drains one peer/topic stream into Publisher, persisting the
// cursor after each successful publish.
type Worker struct {
	PeerID      string
	Topic       string
	Client      wire.FederatorClient // constructed by the caller via wire.NewFederatorClient(conn)
	Tokens      TokenSource
	Cursors     cursorstore.Store
	Publisher   localpublish.Publisher
	IdleTimeout time.Duration
	Retry       resilience.RetryPolicy
}

// Run executes the worker's full lifecycle: load cursor, open the
// stream, drain batches until idle timeout, clean end-of-stream, or
// cancellation; transient errors are retried per Retry, fatal errors
// are returned to the caller (the scheduler's Runner).
func (w *Worker) Run(ctx context.Context) error {
	var retry = w.Retry
	if retry == (resilience.RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}

	return retry.Do(ctx, func(ctx context.Context) error {
		var err = w.runOnce(ctx)
		if err == nil {
			return nil
		}
		if ferrors.Fatal(err) {
			metrics.WorkerFatal.WithLabelValues(w.PeerID, w.Topic).Inc()
			return err // non-retryable: RetryPolicy.Do stops immediately
		}
		metrics.WorkerRetries.WithLabelValues(w.PeerID, w.Topic).Inc()
		return ferrors.Wrap(ferrors.Transient, err)
	})
}

// runOnce loads the cursor, opens one stream, and drains it until a
// terminal condition. A nil return means "clean end of iteration,"
// treating OUT_OF_RANGE/CANCELLED/DEADLINE_EXCEEDED and idle timeout
// alike as non-errors.
func (w *Worker) runOnce(ctx context.Context) error {
	var offset, _, err = w.Cursors.Get(ctx, w.PeerID, w.Topic)
	if err != nil {
		return fmt.Errorf("loading cursor for %s/%s: %w", w.PeerID, w.Topic, err)
	}

	var outCtx = ctx
	if bt, ok := w.Tokens.Current(); ok {
		outCtx = metadata.AppendToOutgoingContext(ctx, wire.AuthorizationHeader, "Bearer "+bt.Raw)
	}

	// Cancelling on return tears the stream down on every exit path,
	// including the idle timeout, and unblocks a pending background Recv.
	var streamCtx, cancelStream = context.WithCancel(outCtx)
	defer cancelStream()

	var stream, streamErr = w.Client.StreamTopic(streamCtx, &wire.TopicRequest{Topic: w.Topic, Offset: offset})
	if streamErr != nil {
		return streamErr
	}

	for {
		var batch, recvErr = w.recvWithIdleTimeout(stream)
		if recvErr != nil {
			if ferrors.EndOfStream(recvErr) {
				log.WithFields(log.Fields{"peer": w.PeerID, "topic": w.Topic}).Debug("stream ended cleanly")
				return nil
			}
			if recvErr == errIdleTimeout {
				log.WithFields(log.Fields{"peer": w.PeerID, "topic": w.Topic}).Debug("idle timeout, stream cancelled")
				return nil
			}
			return recvErr
		}

		var shared = make(map[string][]string, len(batch.Shared))
		for _, kv := range batch.Shared {
			shared[kv.Key] = append(shared[kv.Key], kv.Value)
		}
		if err := w.Publisher.Publish(ctx, batch.Topic, batch.Offset, batch.Key, batch.Value, shared); err != nil {
			return fmt.Errorf("publishing batch at offset %d: %w", batch.Offset, err)
		}
		if err := w.Cursors.Put(ctx, w.PeerID, w.Topic, batch.Offset+1); err != nil {
			return fmt.Errorf("persisting cursor at offset %d: %w", batch.Offset+1, err)
		}
		metrics.CursorOffset.WithLabelValues(w.PeerID, w.Topic).Set(float64(batch.Offset + 1))
	}
}

var errIdleTimeout = fmt.Errorf("clientworker: idle timeout waiting for next batch")

// recvWithIdleTimeout bounds one Recv call by IdleTimeout, running it on
// a background goroutine since grpc.ClientStream.RecvMsg has no
// context-aware variant.
func (w *Worker) recvWithIdleTimeout(stream wire.Federator_StreamTopicClient) (*wire.Batch, error) {
	if w.IdleTimeout <= 0 {
		return stream.Recv()
	}

	type result struct {
		batch *wire.Batch
		err   error
	}
	var ch = make(chan result, 1)
	go func() {
		var b, err = stream.Recv()
		ch <- result{b, err}
	}()

	select {
	case r := <-ch:
		return r.batch, r.err
	case <-time.After(w.IdleTimeout):
		return nil, errIdleTimeout
	}
}
