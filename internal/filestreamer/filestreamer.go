// Package filestreamer implements the producer-side file streamer:
// emitting one logical file as an ordered sequence of wire Chunks.
package filestreamer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/estuary/federator/internal/eventsource"
	"github.com/estuary/federator/internal/filestore"
	"github.com/estuary/federator/internal/metrics"
	"github.com/estuary/federator/internal/wire"
)

// SourceResolver maps a topic's current file-source event value to a
// SourceRef; the dispatcher's caller supplies the event value out of
// band (the file event is read from the same eventsource.Source used
// for StreamTopic).
type SourceResolver interface {
	Resolve(ctx context.Context, topic string) (filestore.SourceRef, error)
}

// defaultProbeTimeout bounds each per-offset read issued while hunting
// for the newest file-source event on a topic.
const defaultProbeTimeout = 50 * time.Millisecond

// EventSourceResolver implements SourceResolver against the same
// eventsource.Source the Dispatcher reads topic records from: a file
// source is published as an ordinary record whose value is the
// `{sourceType, storageContainer, path}` JSON of spec §6, and "current"
// means the most recently ingested such record on the topic.
type EventSourceResolver struct {
	Source       eventsource.Source
	ProbeTimeout time.Duration // default defaultProbeTimeout
}

// Resolve walks topic forward from offset 0, keeping the last record
// seen before the source reports no further data currently available,
// and parses its value as a SourceRef.
func (r *EventSourceResolver) Resolve(ctx context.Context, topic string) (filestore.SourceRef, error) {
	var probeTimeout = r.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	var latest *eventsource.Record
	for offset := int64(0); ; offset++ {
		var probeCtx, cancel = context.WithTimeout(ctx, probeTimeout)
		var rec, err = r.Source.Read(probeCtx, topic, offset)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return filestore.SourceRef{}, ctx.Err()
			}
			break // out of range, or no further record arrived within the probe window
		}
		var copyRec = rec
		latest = &copyRec
	}
	if latest == nil {
		return filestore.SourceRef{}, fmt.Errorf("no file source event available for topic %q", topic)
	}
	return filestore.ParseSourceRef(latest.Value)
}

// FileOpener opens a resolved source reference for reading. Satisfied by
// *filestore.Resolver; narrowed to one method so tests can substitute an
// in-memory store.
type FileOpener interface {
	Open(ctx context.Context, ref filestore.SourceRef) (*filestore.Reader, error)
}

// Streamer emits Chunk messages for the file referenced by each topic's
// current source event, chunked at ChunkSize bytes.
type Streamer struct {
	Resolver  SourceResolver
	Store     FileOpener
	ChunkSize int

	sequence atomic.Int64 // strictly monotonic per (peer, topic); shared across all topics here for simplicity
}

const defaultChunkSize = 1000 // bytes, deliberately small

// Stream resolves topic's current file source, opens it, and emits Chunk
// messages via send until EOF. startSequenceID is presently advisory
// (resumption re-streams the whole file); call sites map to the
// FileStreamRequest field of the same name.
func (s *Streamer) Stream(ctx context.Context, topic string, startSequenceID int64, send func(*wire.Chunk) error) error {
	var chunkSize = s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	var ref, err = s.Resolver.Resolve(ctx, topic)
	if err != nil {
		return fmt.Errorf("resolving file source for topic %q: %w", topic, err)
	}
	var reader, openErr = s.Store.Open(ctx, ref)
	if openErr != nil {
		return fmt.Errorf("opening file source for topic %q: %w", topic, openErr)
	}
	defer reader.Close()

	var sequenceID = s.sequence.Add(1)
	var totalChunks = int32((reader.Size + int64(chunkSize) - 1) / int64(chunkSize))
	if reader.Size == 0 {
		totalChunks = 0
	}

	var digest = sha256.New()
	var buf = make([]byte, chunkSize)
	var chunkIndex int32

	for {
		var n, readErr = io.ReadFull(reader, buf)
		if n > 0 {
			digest.Write(buf[:n])
			if err := send(&wire.Chunk{
				FileName:       ref.Path,
				ChunkData:      append([]byte(nil), buf[:n]...),
				ChunkIndex:     chunkIndex,
				TotalChunks:    totalChunks,
				IsLastChunk:    false,
				FileSize:       reader.Size,
				FileSequenceID: sequenceID,
			}); err != nil {
				return err
			}
			metrics.FileChunksSent.WithLabelValues(topic).Inc()
			metrics.FileBytesSent.WithLabelValues(topic).Add(float64(n))
			chunkIndex++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading file source for topic %q: %w", topic, readErr)
		}
	}

	return send(&wire.Chunk{
		FileName:       ref.Path,
		ChunkIndex:     chunkIndex,
		TotalChunks:    totalChunks,
		IsLastChunk:    true,
		FileChecksum:   hex.EncodeToString(digest.Sum(nil)),
		FileSize:       reader.Size,
		FileSequenceID: sequenceID,
	})
}
