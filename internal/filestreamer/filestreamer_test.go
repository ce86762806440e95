package filestreamer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/estuary/federator/internal/eventsource"
	"github.com/estuary/federator/internal/filestore"
	"github.com/estuary/federator/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryResolver struct {
	ref filestore.SourceRef
}

func (r memoryResolver) Resolve(ctx context.Context, topic string) (filestore.SourceRef, error) {
	return r.ref, nil
}

type memoryReadCloser struct {
	*bytes.Reader
}

func (memoryReadCloser) Close() error { return nil }

type memoryStore struct {
	content []byte
}

func (m memoryStore) Open(ctx context.Context, ref filestore.SourceRef) (*filestore.Reader, error) {
	return &filestore.Reader{
		ReadCloser: memoryReadCloser{bytes.NewReader(m.content)},
		Size:       int64(len(m.content)),
	}, nil
}

func TestStreamEmitsChunksThenFinalMetadataChunk(t *testing.T) {
	var content = bytes.Repeat([]byte("x"), 2500) // 3 chunks (1000, 1000, 500 bytes) at chunkSize=1000
	var s = &Streamer{
		Resolver:  memoryResolver{ref: filestore.SourceRef{Path: "file.bin"}},
		Store:     memoryStore{content: content},
		ChunkSize: 1000,
	}

	var got []*wire.Chunk
	var err = s.Stream(context.Background(), "topicA", 0, func(c *wire.Chunk) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 4) // 3 data chunks + 1 final metadata chunk
	for i := 0; i < 3; i++ {
		assert.False(t, got[i].IsLastChunk)
		assert.Equal(t, int32(i), got[i].ChunkIndex)
		assert.Empty(t, got[i].FileChecksum)
	}
	var last = got[3]
	assert.True(t, last.IsLastChunk)
	assert.Empty(t, last.ChunkData)
	assert.Equal(t, int32(3), last.ChunkIndex)
	assert.Equal(t, int64(2500), last.FileSize)

	var sum = sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), last.FileChecksum)

	var reassembled []byte
	for i := 0; i < 3; i++ {
		reassembled = append(reassembled, got[i].ChunkData...)
	}
	assert.Equal(t, content, reassembled)
}

func TestStreamEmptyFileYieldsOnlyFinalChunk(t *testing.T) {
	var s = &Streamer{
		Resolver:  memoryResolver{ref: filestore.SourceRef{Path: "empty.bin"}},
		Store:     memoryStore{content: nil},
		ChunkSize: 1000,
	}

	var got []*wire.Chunk
	var err = s.Stream(context.Background(), "topicA", 0, func(c *wire.Chunk) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.True(t, got[0].IsLastChunk)
	assert.Equal(t, int32(0), got[0].TotalChunks)
}

// fakeEventSource serves a fixed slice of records for one topic,
// reporting eventsource.ErrOutOfRange for any other requested topic.
type fakeEventSource struct {
	topic   string
	records []eventsource.Record
}

func (s *fakeEventSource) Read(ctx context.Context, topic string, offset int64) (eventsource.Record, error) {
	if topic != s.topic {
		return eventsource.Record{}, eventsource.ErrOutOfRange
	}
	for _, r := range s.records {
		if r.Offset == offset {
			return r, nil
		}
	}
	<-ctx.Done()
	return eventsource.Record{}, ctx.Err()
}

func (s *fakeEventSource) Close() error { return nil }

func TestEventSourceResolverResolvesMostRecentFileEvent(t *testing.T) {
	var source = &fakeEventSource{
		topic: "file-events",
		records: []eventsource.Record{
			{Offset: 0, Value: []byte(`{"sourceType":"LOCAL","path":"first.bin"}`)},
			{Offset: 1, Value: []byte(`{"sourceType":"S3","storageContainer":"bucket","path":"second.bin"}`)},
		},
	}
	var resolver = &EventSourceResolver{Source: source, ProbeTimeout: 5 * time.Millisecond}

	var ref, err = resolver.Resolve(context.Background(), "file-events")
	require.NoError(t, err)
	assert.Equal(t, filestore.SourceRef{Kind: filestore.S3, Container: "bucket", Path: "second.bin"}, ref)
}

func TestEventSourceResolverErrorsWhenTopicHasNoEvents(t *testing.T) {
	var source = &fakeEventSource{topic: "file-events"}
	var resolver = &EventSourceResolver{Source: source, ProbeTimeout: 5 * time.Millisecond}

	var _, err = resolver.Resolve(context.Background(), "file-events")
	assert.Error(t, err)
}
