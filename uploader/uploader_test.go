package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mesh-forwarder/mailbox"
)

type fakeEvent struct {
	s3Key            string
	snsMessageID     string
	kafkaTopic       string
	emptyHeaders     map[string]string
	emptyCalls       int
	invalidParameter string
}

func (e *fakeEvent) RecordS3Key(key string)        { e.s3Key = key }
func (e *fakeEvent) RecordSNSMessageID(id string)  { e.snsMessageID = id }
func (e *fakeEvent) RecordKafkaTopic(topic string) { e.kafkaTopic = topic }
func (e *fakeEvent) RecordEmptyMessage(h map[string]string) {
	e.emptyCalls++
	e.emptyHeaders = h
}
func (e *fakeEvent) RecordInvalidParameter(msg string) { e.invalidParameter = msg }

type fakeObjectUploader struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakeObjectUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.inputs = append(f.inputs, input)
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, fmt.Errorf("upload multipart failed: %w", err)
	}
	f.bodies = append(f.bodies, string(body))
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{Key: input.Key}, nil
}

type fakePublisher struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-123")}, nil
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return f.err
}

type failingReader struct {
	err error
}

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func newMessage(body string, headers map[string]string) *mailbox.Message {
	if headers == nil {
		headers = map[string]string{
			"Mex-FileName":        "a file.dat",
			"Mex-StatusTimestamp": "20201102000000",
		}
	}
	return mailbox.NewMessage("mesh-id-1", headers, io.NopCloser(strings.NewReader(body)), nil)
}

func TestObjectKey(t *testing.T) {
	key, err := ObjectKey(newMessage("", nil))
	require.NoError(t, err)
	assert.Equal(t, "2020/11/02/a_file.dat", key)
}

func TestS3UploaderStreamsBody(t *testing.T) {
	client := &fakeObjectUploader{}
	event := &fakeEvent{}
	u := NewS3Uploader(client, "bucket")

	require.NoError(t, u.Upload(context.Background(), newMessage("payload", nil), event))

	require.Len(t, client.inputs, 1)
	assert.Equal(t, "bucket", aws.ToString(client.inputs[0].Bucket))
	assert.Equal(t, "2020/11/02/a_file.dat", aws.ToString(client.inputs[0].Key))
	assert.Equal(t, []string{"payload"}, client.bodies)
	assert.Equal(t, "2020/11/02/a_file.dat", event.s3Key)
}

func TestS3UploaderWrapsClientError(t *testing.T) {
	client := &fakeObjectUploader{err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}}
	event := &fakeEvent{}

	err := NewS3Uploader(client, "bucket").Upload(context.Background(), newMessage("payload", nil), event)

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Contains(t, upErr.Message, "AccessDenied")
	assert.Empty(t, event.s3Key)
}

func TestS3UploaderMissingFileName(t *testing.T) {
	client := &fakeObjectUploader{}
	msg := newMessage("payload", map[string]string{"Mex-StatusTimestamp": "20201102000000"})

	err := NewS3Uploader(client, "bucket").Upload(context.Background(), msg, &fakeEvent{})

	var missing *mailbox.MissingHeaderError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, mailbox.HeaderFileName, missing.Header)
	assert.Empty(t, client.inputs)
}

func TestS3UploaderTimestampParseErrorIsNotUploaderError(t *testing.T) {
	msg := newMessage("payload", map[string]string{
		"Mex-FileName":        "f",
		"Mex-StatusTimestamp": "yesterday",
	})

	err := NewS3Uploader(&fakeObjectUploader{}, "bucket").Upload(context.Background(), msg, &fakeEvent{})
	require.Error(t, err)

	var upErr *Error
	assert.False(t, errors.As(err, &upErr))
}

func TestS3UploaderKeepsNetworkErrorFromBody(t *testing.T) {
	netErr := mailbox.NewNetworkError(nil, "chunk download failed")
	msg := mailbox.NewMessage("id", map[string]string{
		"Mex-FileName":        "f",
		"Mex-StatusTimestamp": "20201102000000",
	}, io.NopCloser(failingReader{err: netErr}), nil)

	err := NewS3Uploader(&fakeObjectUploader{}, "bucket").Upload(context.Background(), msg, &fakeEvent{})

	var got *mailbox.NetworkError
	require.ErrorAs(t, err, &got)
	var upErr *Error
	assert.False(t, errors.As(err, &upErr))
}

func TestSNSUploaderPublishes(t *testing.T) {
	client := &fakePublisher{}
	event := &fakeEvent{}

	err := NewSNSUploader(client, "arn:topic").Upload(context.Background(), newMessage("hello", nil), event)
	require.NoError(t, err)

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "arn:topic", aws.ToString(in.TopicArn))
	assert.Equal(t, "hello", aws.ToString(in.Message))
	require.Len(t, in.MessageAttributes, 1)
	attr := in.MessageAttributes["messageid"]
	assert.Equal(t, "String", aws.ToString(attr.DataType))
	assert.Equal(t, "mesh-id-1", aws.ToString(attr.StringValue))
	assert.Equal(t, "sns-123", event.snsMessageID)
}

func TestSNSUploaderEmptyBody(t *testing.T) {
	client := &fakePublisher{}
	event := &fakeEvent{}

	err := NewSNSUploader(client, "arn:topic").Upload(context.Background(), newMessage("", nil), event)
	require.NoError(t, err)

	assert.Empty(t, client.inputs)
	assert.Equal(t, 1, event.emptyCalls)
	assert.Equal(t, "a file.dat", event.emptyHeaders["filename"])
}

func TestSNSUploaderInvalidParameterIsSoftFailure(t *testing.T) {
	client := &fakePublisher{err: &types.InvalidParameterException{Message: aws.String("Message too long")}}
	event := &fakeEvent{}

	err := NewSNSUploader(client, "arn:topic").Upload(context.Background(), newMessage("hello", nil), event)
	require.NoError(t, err)
	assert.Equal(t, "Message too long", event.invalidParameter)
	assert.Empty(t, event.snsMessageID)
}

func TestSNSUploaderOtherErrors(t *testing.T) {
	client := &fakePublisher{err: &smithy.GenericAPIError{Code: "AuthorizationError", Message: "no"}}

	err := NewSNSUploader(client, "arn:topic").Upload(context.Background(), newMessage("hello", nil), &fakeEvent{})

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
}

func TestSNSUploaderRejectsInvalidUTF8(t *testing.T) {
	client := &fakePublisher{}
	err := NewSNSUploader(client, "arn:topic").Upload(context.Background(), newMessage("\xff\xfe", nil), &fakeEvent{})

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Empty(t, client.inputs)
}

func TestKafkaUploader(t *testing.T) {
	writer := &fakeWriter{}
	event := &fakeEvent{}

	err := NewKafkaUploader(writer, "mesh").Upload(context.Background(), newMessage("hello", nil), event)
	require.NoError(t, err)

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "mesh-id-1", string(msg.Key))
	assert.Equal(t, "hello", string(msg.Value))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "messageid", msg.Headers[0].Key)
	assert.Equal(t, "mesh-id-1", string(msg.Headers[0].Value))
	assert.Equal(t, "mesh", event.kafkaTopic)
}

func TestKafkaUploaderEmptyAndTooLarge(t *testing.T) {
	writer := &fakeWriter{}
	event := &fakeEvent{}
	require.NoError(t, NewKafkaUploader(writer, "mesh").Upload(context.Background(), newMessage("", nil), event))
	assert.Empty(t, writer.messages)
	assert.Equal(t, 1, event.emptyCalls)

	writer = &fakeWriter{err: kafka.MessageSizeTooLarge}
	event = &fakeEvent{}
	require.NoError(t, NewKafkaUploader(writer, "mesh").Upload(context.Background(), newMessage("big", nil), event))
	assert.NotEmpty(t, event.invalidParameter)

	writer = &fakeWriter{err: errors.New("broker unreachable")}
	err := NewKafkaUploader(writer, "mesh").Upload(context.Background(), newMessage("x", nil), &fakeEvent{})
	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "broker unreachable", upErr.Message)
}
