package clientworker

import (
	"context"
	"fmt"
	"time"

	"github.com/estuary/federator/internal/ferrors"
	"github.com/estuary/federator/internal/fileassembler"
	"github.com/estuary/federator/internal/resilience"
	"github.com/estuary/federator/internal/wire"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/metadata"
)

// FileWorker pulls one topic's file stream from a peer and hands every
// chunk to an Assembler.
type FileWorker struct {
	PeerID      string
	Topic       string
	Client      wire.FederatorClient
	Tokens      TokenSource
	Assembler   *fileassembler.Assembler
	IdleTimeout time.Duration
	Retry       resilience.RetryPolicy
}

// Run streams from sequence 0 and assembles every file the peer offers,
// retrying transient failures per Retry.
func (w *FileWorker) Run(ctx context.Context) error {
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
			return err
		}
		return ferrors.Wrap(ferrors.Transient, err)
	})
}

func (w *FileWorker) runOnce(ctx context.Context) error {
	var outCtx = ctx
	if bt, ok := w.Tokens.Current(); ok {
		outCtx = metadata.AppendToOutgoingContext(ctx, wire.AuthorizationHeader, "Bearer "+bt.Raw)
	}

	var streamCtx, cancelStream = context.WithCancel(outCtx)
	defer cancelStream()

	var stream, err = w.Client.StreamFile(streamCtx, &wire.FileStreamRequest{Topic: w.Topic, StartSequenceID: 0})
	if err != nil {
		return err
	}

	for {
		var chunk, recvErr = w.recvWithIdleTimeout(stream)
		if recvErr != nil {
			if recvErr == errIdleTimeout {
				log.WithFields(log.Fields{"peer": w.PeerID, "topic": w.Topic}).Debug("idle timeout, file stream cancelled")
				return nil
			}
			if ferrors.EndOfStream(recvErr) {
				return nil
			}
			return recvErr
		}
		if err := w.Assembler.Accept(ctx, chunk); err != nil {
			log.WithFields(log.Fields{
				"peer": w.PeerID, "topic": w.Topic, "file": chunk.FileName, "error": err,
			}).Warn("file assembly failed")
			return fmt.Errorf("assembling %s: %w", chunk.FileName, err)
		}
	}
}

// recvWithIdleTimeout bounds one Recv call by IdleTimeout, mirroring
// Worker.recvWithIdleTimeout for the StreamFile client handle.
func (w *FileWorker) recvWithIdleTimeout(stream wire.Federator_StreamFileClient) (*wire.Chunk, error) {
	if w.IdleTimeout <= 0 {
		return stream.Recv()
	}

	type result struct {
		chunk *wire.Chunk
		err   error
	}
	var ch = make(chan result, 1)
	go func() {
		var c, err = stream.Recv()
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		return r.chunk, r.err
	case <-time.After(w.IdleTimeout):
		return nil, errIdleTimeout
	}
}
