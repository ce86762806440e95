package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/estuary/federator/internal/cache"
	"github.com/estuary/federator/internal/config"
	"github.com/estuary/federator/internal/eventsource"
	"github.com/estuary/federator/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// fakeSource serves records from an in-memory slice, reporting
// eventsource.ErrOutOfRange once the offset runs past the end.
type fakeSource struct {
	records []eventsource.Record
}

func (s *fakeSource) Read(ctx context.Context, topic string, offset int64) (eventsource.Record, error) {
	for _, r := range s.records {
		if r.Offset == offset {
			return r, nil
		}
	}
	return eventsource.Record{}, eventsource.ErrOutOfRange
}

func (s *fakeSource) Close() error { return nil }

// fakeStreamTopicServer implements wire.Federator_StreamTopicServer over
// an in-memory channel of sent batches.
type fakeStreamTopicServer struct {
	ctx  context.Context
	mu   sync.Mutex
	sent []*wire.Batch
}

func (f *fakeStreamTopicServer) Send(b *wire.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, b)
	return nil
}
func (f *fakeStreamTopicServer) SetHeader(metadata.MD) error  { return nil }
func (f *fakeStreamTopicServer) SendHeader(metadata.MD) error { return nil }
func (f *fakeStreamTopicServer) SetTrailer(metadata.MD)       {}
func (f *fakeStreamTopicServer) Context() context.Context     { return f.ctx }
func (f *fakeStreamTopicServer) SendMsg(m any) error           { return nil }
func (f *fakeStreamTopicServer) RecvMsg(m any) error           { return nil }

func snapshotWithSubscription(topic, consumerIdpClientID string, attrs []config.AttributeRequirement) config.Snapshot {
	return config.Snapshot{
		ClientID: "PRODUCER_NODE",
		Producers: []config.ProducerEntry{
			{
				Peer: config.Peer{Name: "peerA", ManagementNodeID: "node1"},
				Products: []config.Product{
					{
						Name:  "prod1",
						Topic: topic,
						Subscriptions: []config.Subscription{
							{ConsumerName: "consumer1", IdpClientID: consumerIdpClientID, Attributes: attrs},
						},
					},
				},
			},
		},
	}
}

func TestStreamTopicSingleFilterPass(t *testing.T) {
	// 40 records; the first 23 (by offset) carry a matching label, the
	// rest a non-matching nationality.
	var records []eventsource.Record
	for i := 0; i < 40; i++ {
		var label = "nationality=FRA"
		if i < 23 {
			label = "nationality=GBR,clearance=O,organisation_type=NON-GOV"
		}
		records = append(records, eventsource.Record{
			Offset:  int64(i),
			Value:   []byte(fmt.Sprintf("record-%d", i)),
			Headers: map[string][]string{"Security-Label": {label}},
		})
	}

	var snapshots = cache.New(10, 1<<62)
	snapshots.Put(cache.Producer, "node1", snapshotWithSubscription("topicA", "consumerClient",
		[]config.AttributeRequirement{{Name: "nationality", Value: "gbr"}}))

	var d = &Dispatcher{
		Source:    &fakeSource{records: records},
		Snapshots: snapshots,
		NodeID:    "node1",
	}

	var ctx = context.WithValue(context.Background(), callerIDKey{}, "consumerClient")
	var stream = &fakeStreamTopicServer{ctx: ctx}

	// The fake source ends with ErrOutOfRange, which closes the stream
	// with OUT_OF_RANGE (the consumer's clean end-of-stream status).
	var err = d.StreamTopic(&wire.TopicRequest{Topic: "topicA", Offset: 0}, stream)
	require.Equal(t, codes.OutOfRange, status.Code(err))

	require.Len(t, stream.sent, 23)
	for i := 1; i < len(stream.sent); i++ {
		assert.Greater(t, stream.sent[i].Offset, stream.sent[i-1].Offset, "offsets must be strictly increasing")
	}

	// A follow-up request starting just past the last emitted offset
	// yields zero records.
	var nextOffset = stream.sent[len(stream.sent)-1].Offset + 1
	var stream2 = &fakeStreamTopicServer{ctx: ctx}
	err = d.StreamTopic(&wire.TopicRequest{Topic: "topicA", Offset: nextOffset}, stream2)
	require.Equal(t, codes.OutOfRange, status.Code(err))
	assert.Empty(t, stream2.sent)
}

func TestStreamTopicUnauthorisedCallerNeverResolvesFilter(t *testing.T) {
	var snapshots = cache.New(10, 1<<62)
	snapshots.Put(cache.Producer, "node1", snapshotWithSubscription("topicA", "knownClient", nil))

	var d = &Dispatcher{
		Source:    &fakeSource{},
		Snapshots: snapshots,
		NodeID:    "node1",
	}

	var ctx = context.WithValue(context.Background(), callerIDKey{}, "unknownClient")
	var stream = &fakeStreamTopicServer{ctx: ctx}

	var err = d.StreamTopic(&wire.TopicRequest{Topic: "topicA", Offset: 0}, stream)
	require.Error(t, err)
	assert.Empty(t, stream.sent)
}
