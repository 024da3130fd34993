package uploader

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dhcgn/mesh-forwarder/mailbox"
)

// MessageWriter is the subset of kafka.Writer used by KafkaUploader.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaUploader publishes each message body as one Kafka record keyed by the
// mailbox message id.
type KafkaUploader struct {
	writer MessageWriter
	topic  string
}

func NewKafkaUploader(writer MessageWriter, topic string) *KafkaUploader {
	return &KafkaUploader{writer: writer, topic: topic}
}

// NewKafkaWriter returns a synchronous writer that waits for all in-sync replicas.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (u *KafkaUploader) Upload(ctx context.Context, msg *mailbox.Message, event EventRecorder) error {
	body, err := io.ReadAll(msg)
	if err != nil {
		return readError(err)
	}
	if len(body) == 0 {
		event.RecordEmptyMessage(msg.Headers())
		return nil
	}

	err = u.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ID),
		Value: body,
		Headers: []kafka.Header{
			{Key: messageIDAttribute, Value: []byte(msg.ID)},
		},
	})
	if err != nil {
		if isTooLarge(err) {
			event.RecordInvalidParameter(err.Error())
			return nil
		}
		return sinkError(err)
	}

	event.RecordKafkaTopic(u.topic)
	return nil
}

func isTooLarge(err error) bool {
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) || errors.Is(err, kafka.MessageSizeTooLarge) {
		return true
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil && isTooLarge(e) {
				return true
			}
		}
	}
	return false
}
