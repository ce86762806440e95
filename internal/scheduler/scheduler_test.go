package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/estuary/federator/internal/cache"
	"github.com/estuary/federator/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	snap config.Snapshot
	err  error
}

func (f *fakeFetcher) GetConsumerConfig(ctx context.Context, consumerID string) (config.Snapshot, error) {
	return f.snap, f.err
}

func consumerSnapshot(entries ...config.ConsumerEntry) config.Snapshot {
	return config.Snapshot{Consumers: entries}
}

func entry(name, nodeID, topic string) config.ConsumerEntry {
	return config.ConsumerEntry{
		Peer: config.Peer{Name: name, ManagementNodeID: nodeID, Host: "h", Port: 1},
		Subscriptions: []config.Subscription{
			{ConsumerName: "c1", Topic: topic},
		},
	}
}

func TestReloadCreatesJobsForOwnedPeers(t *testing.T) {
	var fetcher = &fakeFetcher{snap: consumerSnapshot(
		entry("peerA", "node1", "topicA"),
		entry("peerX", "node2", "topicX"), // a different node's job; must not appear
	)}
	var s = New("node1", fetcher, cache.New(10, time.Hour), func(ctx context.Context, key JobKey, params JobParams) error {
		return nil
	}, JobParams{Schedule: "@every 1h", RetryCount: 3})

	require.NoError(t, s.Reload(context.Background()))

	var live = s.Live()
	require.Len(t, live, 1)
	assert.Equal(t, JobKey{PeerID: "peerA", Topic: "topicA"}, live[0])
}

func TestReloadIsIdempotent(t *testing.T) {
	var fetcher = &fakeFetcher{snap: consumerSnapshot(entry("peerA", "node1", "topicA"))}
	var s = New("node1", fetcher, cache.New(10, time.Hour), func(ctx context.Context, key JobKey, params JobParams) error {
		return nil
	}, JobParams{Schedule: "@every 1h"})

	require.NoError(t, s.Reload(context.Background()))
	var firstLive = s.Live()
	require.NoError(t, s.Reload(context.Background()))
	var secondLive = s.Live()

	assert.Equal(t, firstLive, secondLive)
}

func TestReloadDeletesRemovedAndRecreatesChanged(t *testing.T) {
	var fetcher = &fakeFetcher{snap: consumerSnapshot(
		entry("A", "node1", "t1"),
		entry("B", "node1", "t2"),
	)}
	var s = New("node1", fetcher, cache.New(10, time.Hour), func(ctx context.Context, key JobKey, params JobParams) error {
		return nil
	}, JobParams{Schedule: "@every 1h", RetryCount: 1})
	require.NoError(t, s.Reload(context.Background()))
	require.Len(t, s.Live(), 2)

	// Next snapshot: A removed, B's retry count changed, C added.
	fetcher.snap = consumerSnapshot(entry("B", "node1", "t2"), entry("C", "node1", "t3"))
	s.Defaults.RetryCount = 3
	require.NoError(t, s.Reload(context.Background()))

	var live = s.Live()
	require.Len(t, live, 2)
	var keys = map[JobKey]bool{}
	for _, k := range live {
		keys[k] = true
	}
	assert.True(t, keys[JobKey{PeerID: "B", Topic: "t2"}])
	assert.True(t, keys[JobKey{PeerID: "C", Topic: "t3"}])
	assert.False(t, keys[JobKey{PeerID: "A", Topic: "t1"}])
}

func TestReloadFailurePreservesLiveSet(t *testing.T) {
	var fetcher = &fakeFetcher{snap: consumerSnapshot(entry("A", "node1", "t1"))}
	var s = New("node1", fetcher, cache.New(10, time.Hour), func(ctx context.Context, key JobKey, params JobParams) error {
		return nil
	}, JobParams{Schedule: "@every 1h"})
	require.NoError(t, s.Reload(context.Background()))

	fetcher.err = assert.AnError
	require.Error(t, s.Reload(context.Background()))
	assert.Len(t, s.Live(), 1)
}
