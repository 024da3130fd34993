package uploader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Destination selects the Uploader variant.
type Destination string

const (
	DestinationS3    Destination = "s3"
	DestinationSNS   Destination = "sns"
	DestinationKafka Destination = "kafka"
)

var (
	// ErrUnknownDestination is returned for an unrecognised destination name.
	ErrUnknownDestination = errors.New("unknown message destination")
	// ErrBucketRequired is returned when the s3 destination has no bucket.
	ErrBucketRequired = errors.New("s3 bucket name is required")
	// ErrTopicARNRequired is returned when the sns destination has no topic ARN.
	ErrTopicARNRequired = errors.New("sns topic arn is required")
	// ErrKafkaRequired is returned when the kafka destination lacks brokers or a topic.
	ErrKafkaRequired = errors.New("kafka brokers and topic are required")
)

// ParseDestination maps a configured name to a Destination. "blob" and
// "topic" are accepted as aliases for s3 and sns.
func ParseDestination(name string) (Destination, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "s3", "blob":
		return DestinationS3, nil
	case "sns", "topic":
		return DestinationSNS, nil
	case "kafka":
		return DestinationKafka, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDestination, name)
	}
}

// Config holds the sink parameters for every destination.
type Config struct {
	Destination  Destination
	S3BucketName string
	SNSTopicARN  string
	EndpointURL  string
	Region       string
	KafkaBrokers []string
	KafkaTopic   string
}

func (c Config) validate() error {
	switch c.Destination {
	case DestinationS3:
		if c.S3BucketName == "" {
			return ErrBucketRequired
		}
	case DestinationSNS:
		if c.SNSTopicARN == "" {
			return ErrTopicARNRequired
		}
	case DestinationKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			return ErrKafkaRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDestination, c.Destination)
	}
	return nil
}

// New builds the Uploader selected by cfg. The returned close function
// releases sink resources and is never nil.
func New(ctx context.Context, cfg Config) (Uploader, func() error, error) {
	noop := func() error { return nil }
	if err := cfg.validate(); err != nil {
		return nil, noop, err
	}

	if cfg.Destination == DestinationKafka {
		writer := NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		return NewKafkaUploader(writer, cfg.KafkaTopic), writer.Close, nil
	}

	awsCfg, err := loadAWSConfig(ctx, cfg.Region)
	if err != nil {
		return nil, noop, err
	}

	switch cfg.Destination {
	case DestinationS3:
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
				o.UsePathStyle = true
			}
		})
		return NewS3Uploader(manager.NewUploader(client), cfg.S3BucketName), noop, nil
	case DestinationSNS:
		client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}
		})
		return NewSNSUploader(client, cfg.SNSTopicARN), noop, nil
	}

	return nil, noop, fmt.Errorf("%w: %q", ErrUnknownDestination, cfg.Destination)
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}
