package uploader

import (
	"context"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"

	"github.com/dhcgn/mesh-forwarder/mailbox"
)

const snsInvalidParameterCode = "InvalidParameter"

var errInvalidUTF8 = errors.New("message body is not valid UTF-8")

// Publisher is the subset of the SNS client used by SNSUploader.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSUploader publishes each message body as one SNS message.
type SNSUploader struct {
	client   Publisher
	topicARN string
}

func NewSNSUploader(client Publisher, topicARN string) *SNSUploader {
	return &SNSUploader{client: client, topicARN: topicARN}
}

func (u *SNSUploader) Upload(ctx context.Context, msg *mailbox.Message, event EventRecorder) error {
	body, err := io.ReadAll(msg)
	if err != nil {
		return readError(err)
	}
	if len(body) == 0 {
		event.RecordEmptyMessage(msg.Headers())
		return nil
	}
	if !utf8.Valid(body) {
		return &Error{Message: errInvalidUTF8.Error(), Err: errInvalidUTF8}
	}

	out, err := u.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(u.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			messageIDAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.ID),
			},
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == snsInvalidParameterCode {
			event.RecordInvalidParameter(apiErr.ErrorMessage())
			return nil
		}
		return sinkError(err)
	}

	event.RecordSNSMessageID(aws.ToString(out.MessageId))
	return nil
}
