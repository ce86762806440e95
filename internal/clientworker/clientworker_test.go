package clientworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/estuary/federator/internal/token"
	"github.com/estuary/federator/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeStreamTopicClient struct {
	grpc.ClientStream
	batches []*wire.Batch
	endErr  error
	i       int
}

func (f *fakeStreamTopicClient) Recv() (*wire.Batch, error) {
	if f.i < len(f.batches) {
		var b = f.batches[f.i]
		f.i++
		return b, nil
	}
	if f.endErr != nil {
		return nil, f.endErr
	}
	return nil, status.Error(codes.OutOfRange, "no more records")
}

type fakeClient struct {
	stream *fakeStreamTopicClient
	err    error
}

func (c *fakeClient) StreamTopic(ctx context.Context, in *wire.TopicRequest, opts ...grpc.CallOption) (wire.Federator_StreamTopicClient, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}
func (c *fakeClient) StreamFile(ctx context.Context, in *wire.FileStreamRequest, opts ...grpc.CallOption) (wire.Federator_StreamFileClient, error) {
	panic("not used")
}

type fakeCursors struct {
	mu      sync.Mutex
	offsets map[string]int64
}

func newFakeCursors() *fakeCursors { return &fakeCursors{offsets: map[string]int64{}} }

func (c *fakeCursors) Get(ctx context.Context, peer, topic string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var v, ok = c.offsets[peer+"/"+topic]
	return v, ok, nil
}
func (c *fakeCursors) Put(ctx context.Context, peer, topic string, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets[peer+"/"+topic] = offset
	return nil
}
func (c *fakeCursors) Close() error { return nil }

type fakePublisher struct {
	mu        sync.Mutex
	published []int64
	fail      bool
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, offset int64, key, value []byte, shared map[string][]string) error {
	if p.fail {
		return errors.New("publish failed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, offset)
	return nil
}

type noTokens struct{}

func (noTokens) Current() (token.BearerToken, bool) { return token.BearerToken{}, false }

func TestWorkerDrainsBatchesAndPersistsCursorAfterPublish(t *testing.T) {
	var stream = &fakeStreamTopicClient{batches: []*wire.Batch{
		{Topic: "t", Offset: 0, Value: []byte("a")},
		{Topic: "t", Offset: 1, Value: []byte("b")},
		{Topic: "t", Offset: 2, Value: []byte("c")},
	}}
	var cursors = newFakeCursors()
	var pub = &fakePublisher{}
	var w = &Worker{
		PeerID:    "peerA",
		Topic:     "t",
		Client:    &fakeClient{stream: stream},
		Tokens:    noTokens{},
		Cursors:   cursors,
		Publisher: pub,
	}

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []int64{0, 1, 2}, pub.published)
	var offset, ok, _ = cursors.Get(context.Background(), "peerA", "t")
	require.True(t, ok)
	assert.Equal(t, int64(3), offset)
}

func TestWorkerIdleTimeoutEndsCleanly(t *testing.T) {
	var w = &Worker{
		PeerID:      "peerA",
		Topic:       "t",
		Client:      blockingClient{},
		Tokens:      noTokens{},
		Cursors:     newFakeCursors(),
		Publisher:   &fakePublisher{},
		IdleTimeout: 10 * time.Millisecond,
	}
	require.NoError(t, w.Run(context.Background()))
}

// blockingClient.StreamTopic returns a stream whose Recv never returns,
// so the worker's idle-timeout select is the only way out, exercising the
// idle-timeout exit path deterministically.
type blockingClient struct{}

func (blockingClient) StreamTopic(ctx context.Context, in *wire.TopicRequest, opts ...grpc.CallOption) (wire.Federator_StreamTopicClient, error) {
	return &blockingStreamClient{}, nil
}
func (blockingClient) StreamFile(ctx context.Context, in *wire.FileStreamRequest, opts ...grpc.CallOption) (wire.Federator_StreamFileClient, error) {
	panic("not used")
}

type blockingStreamClient struct {
	grpc.ClientStream
}

func (b *blockingStreamClient) Recv() (*wire.Batch, error) {
	select {} // blocks forever; the worker's idle timeout must win the race
}

func TestWorkerFatalErrorStopsWithoutRetry(t *testing.T) {
	var w = &Worker{
		PeerID:    "peerA",
		Topic:     "t",
		Client:    &fakeClient{err: status.Error(codes.InvalidArgument, "bad topic")},
		Tokens:    noTokens{},
		Cursors:   newFakeCursors(),
		Publisher: &fakePublisher{},
	}
	var err = w.Run(context.Background())
	require.Error(t, err)
}
