package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOEvictionAtCapacity(t *testing.T) {
	var c = New(2, time.Hour)

	c.Put(Producer, "a", "1")
	c.Put(Producer, "b", "2")
	c.Put(Producer, "c", "3") // evicts "a"

	_, ok := c.Get(Producer, "a")
	assert.False(t, ok, "oldest-inserted key must be evicted")

	v, ok := c.Get(Producer, "b")
	require.True(t, ok)
	assert.Equal(t, "2", v)

	v, ok = c.Get(Producer, "c")
	require.True(t, ok)
	assert.Equal(t, "3", v)

	assert.EqualValues(t, 1, c.Stats().Evictions)
}

func TestCapacityOneSecondPutEvictsFirst(t *testing.T) {
	var c = New(1, time.Hour)
	c.Put(Producer, "x", "1")
	c.Put(Producer, "y", "2")

	_, ok := c.Get(Producer, "x")
	assert.False(t, ok)
}

func TestTTLExpiryRemovesOnRead(t *testing.T) {
	var c = New(10, time.Millisecond)
	c.Put(Producer, "a", "1")
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(Producer, "a")
	assert.False(t, ok)
	assert.EqualValues(t, 0, c.Stats().Size)
}

func TestKindsAreIndependent(t *testing.T) {
	var c = New(10, time.Hour)
	c.Put(Producer, "a", "producer-a")
	c.Put(Consumer, "a", "consumer-a")

	pv, ok := c.Get(Producer, "a")
	require.True(t, ok)
	assert.Equal(t, "producer-a", pv)

	cv, ok := c.Get(Consumer, "a")
	require.True(t, ok)
	assert.Equal(t, "consumer-a", cv)
}

func TestClearKind(t *testing.T) {
	var c = New(10, time.Hour)
	c.Put(Producer, "a", "1")
	c.Put(Consumer, "a", "1")
	c.Clear(Producer)

	_, ok := c.Get(Producer, "a")
	assert.False(t, ok)
	_, ok = c.Get(Consumer, "a")
	assert.True(t, ok)
}

func TestMissIsNotAFailure(t *testing.T) {
	var c = New(10, time.Hour)
	_, ok := c.Get(Producer, "missing")
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().Misses)
}
