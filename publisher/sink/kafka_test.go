package sink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, config.Brokers)
	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, int64(1048576), config.BatchBytes)
	assert.Equal(t, kafka.RequireAll, config.RequiredAcks)
	assert.Equal(t, 10*time.Second, config.WriteTimeout)
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
	})
	require.NoError(t, err)
	defer sink.Close()

	require.NotNil(t, sink.writer)
	assert.Equal(t, 50, sink.writer.BatchSize)
	assert.Equal(t, int64(2048), sink.writer.BatchBytes)
	assert.Equal(t, kafka.RequireOne, sink.writer.RequiredAcks)
	assert.False(t, sink.writer.Async, "confirmation must follow delivery")
	assert.Equal(t, DefaultKafkaWriteTimeout, sink.writeTimeout)
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "slotkeeper_cdc_orders", streamName("slotkeeper.cdc.orders"))
	assert.Equal(t, "a____", streamName("a.*.>"))
}

func TestMockSinkPublish(t *testing.T) {
	mock := &MockSink{}

	require.NoError(t, mock.Publish("topic", "slot_a", []byte("v1")))
	require.NoError(t, mock.Publish("topic", "slot_a", nil))

	msgs := mock.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, MockMessage{Topic: "topic", Key: "slot_a", Value: []byte("v1")}, msgs[0])
	assert.Nil(t, msgs[1].Value)

	mock.Reset()
	assert.Empty(t, mock.Messages())
}

func TestMockSinkPublishError(t *testing.T) {
	expected := errors.New("publish failed")
	mock := &MockSink{PublishErr: expected}

	assert.ErrorIs(t, mock.Publish("topic", "key", []byte("v")), expected)
	assert.Empty(t, mock.Messages())
}

func TestMockSinkConcurrent(t *testing.T) {
	mock := &MockSink{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mock.Publish("topic", "key", []byte("value"))
		}()
	}
	wg.Wait()

	assert.Len(t, mock.Messages(), 10)
}

func TestMockSinkClose(t *testing.T) {
	snk := &MockSink{}
	require.NoError(t, snk.Close())
	assert.True(t, snk.Closed())
}
