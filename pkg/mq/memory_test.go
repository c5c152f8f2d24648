package mq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	q := NewInMemoryQueue()

	var got []string
	require.NoError(t, q.Subscribe("events", func(msg []byte) error {
		got = append(got, string(msg))
		return nil
	}))

	require.NoError(t, q.Publish("events", []byte("a")))
	require.NoError(t, q.Publish("other", []byte("b")))

	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, [][]byte{[]byte("a")}, q.GetMessages("events"))
	assert.Equal(t, [][]byte{[]byte("b")}, q.GetMessages("other"))

	boom := errors.New("handler failed")
	require.NoError(t, q.Subscribe("events", func([]byte) error { return boom }))
	assert.Equal(t, boom, q.Publish("events", []byte("c")))
	assert.Len(t, q.GetMessages("events"), 2, "stored before handlers run")
}

func TestKafkaConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     KafkaConfig
		wantErr bool
	}{
		{name: "disabled", cfg: KafkaConfig{}},
		{name: "no brokers", cfg: KafkaConfig{Enabled: true}, wantErr: true},
		{name: "consumer without group", cfg: KafkaConfig{
			Enabled: true, Brokers: []string{"k:9092"},
			Consumers: []ConsumerConfig{{Topics: []string{"t"}}},
		}, wantErr: true},
		{name: "consumer without topics", cfg: KafkaConfig{
			Enabled: true, Brokers: []string{"k:9092"},
			Consumers: []ConsumerConfig{{Group: "g"}},
		}, wantErr: true},
		{name: "valid", cfg: KafkaConfig{
			Enabled: true, Brokers: []string{"k:9092"},
			Consumers: []ConsumerConfig{{Group: "g", Topics: []string{"t"}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	cfg := KafkaConfig{Enabled: true, Brokers: []string{"k:9092"}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "docstore.migrations", cfg.EventsTopic)

	producer, err := NewKafkaProducer(KafkaConfig{})
	require.NoError(t, err)
	assert.Nil(t, producer)
	assert.NoError(t, producer.Publish("t", nil), "nil producer is a no-op")
}
