package kafka

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/jobmux/broker"
)

func TestLag(t *testing.T) {
	partitions := []kafka.PartitionOffsets{
		{Partition: 0, FirstOffset: 0, LastOffset: 10},
		{Partition: 1, FirstOffset: 5, LastOffset: 8},
		{Partition: 2, FirstOffset: 20, LastOffset: 30},
	}
	commits := map[int]int64{
		0: 7,
		2: -1, // no commit yet
	}
	// 3 uncommitted on p0, 3 on p1 (never committed), 10 on p2
	assert.Equal(t, 16, lag(partitions, commits))
}

func TestLag_FullyCommitted(t *testing.T) {
	partitions := []kafka.PartitionOffsets{{Partition: 0, FirstOffset: 0, LastOffset: 4}}
	assert.Equal(t, 0, lag(partitions, map[int]int64{0: 4}))
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitBrokers("a:9092, b:9092,"))
	assert.Nil(t, splitBrokers(""))
}

func TestNew_RequiresBrokers(t *testing.T) {
	_, err := New(nil, "")
	require.ErrorContains(t, err, "at least one broker")
}

func TestNew_DefaultGroup(t *testing.T) {
	tr, err := New([]string{"localhost:9092"}, "")
	require.NoError(t, err)
	assert.Equal(t, "jobmux", tr.group)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestAckToken_Rejects(t *testing.T) {
	require.ErrorContains(t, ackToken(context.Background(), "x"), "unexpected ack token string")
}

func TestReaderConfig(t *testing.T) {
	o := defaults()
	cfg := o.readerConfig([]string{"k1:9092"}, "math.incr", "g", 3)
	assert.Equal(t, "math.incr", cfg.Topic)
	assert.Equal(t, "g", cfg.GroupID)
	assert.Equal(t, 3, cfg.QueueCapacity)
	assert.Equal(t, kafka.FirstOffset, cfg.StartOffset)
	assert.Nil(t, cfg.Dialer)
	assert.Nil(t, o.transport())

	WithTLS(&tls.Config{MinVersion: tls.VersionTLS12})(&o)
	WithStartOffset(kafka.LastOffset)(&o)
	cfg = o.readerConfig([]string{"k1:9092"}, "q", "g", 1)
	require.NotNil(t, cfg.Dialer)
	assert.NotNil(t, cfg.Dialer.TLS)
	assert.Equal(t, kafka.LastOffset, cfg.StartOffset)
	assert.NotNil(t, o.transport())
}

func TestOptsFromConfig(t *testing.T) {
	o := defaults()
	for _, fn := range optsFromConfig(broker.Config{Extra: map[string]any{
		"async":         true,
		"batch_timeout": time.Second,
		"start_offset":  "last",
	}}) {
		fn(&o)
	}
	assert.True(t, o.async)
	assert.Equal(t, time.Second, o.batchTimeout)
	assert.Equal(t, kafka.LastOffset, o.reader.StartOffset)
}
