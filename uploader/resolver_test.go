package uploader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestination(t *testing.T) {
	tests := map[string]Destination{
		"s3":    DestinationS3,
		"blob":  DestinationS3,
		"SNS":   DestinationSNS,
		"topic": DestinationSNS,
		"kafka": DestinationKafka,
	}
	for in, want := range tests {
		got, err := ParseDestination(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDestination("ftp")
	assert.ErrorIs(t, err, ErrUnknownDestination)
}

func TestNewValidatesBeforeBuilding(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"unknown", Config{Destination: "ftp"}, ErrUnknownDestination},
		{"s3 without bucket", Config{Destination: DestinationS3}, ErrBucketRequired},
		{"sns without topic", Config{Destination: DestinationSNS}, ErrTopicARNRequired},
		{"kafka without brokers", Config{Destination: DestinationKafka, KafkaTopic: "t"}, ErrKafkaRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, closeFn, err := New(context.Background(), tt.cfg)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, u)
			require.NotNil(t, closeFn)
			assert.NoError(t, closeFn())
		})
	}
}

func TestNewKafka(t *testing.T) {
	u, closeFn, err := New(context.Background(), Config{
		Destination:  DestinationKafka,
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "mesh",
	})
	require.NoError(t, err)
	assert.IsType(t, &KafkaUploader{}, u)
	assert.NoError(t, closeFn())
}
