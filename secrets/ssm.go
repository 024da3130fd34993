// Package secrets reads MESH credentials and certificates from AWS SSM
// Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

var ErrEmptyParameter = errors.New("ssm parameter has no value")

// ParameterGetter is the subset of *ssm.Client used here.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type SSMSecretManager struct {
	client ParameterGetter
}

func NewSSMSecretManager(client ParameterGetter) *SSMSecretManager {
	return &SSMSecretManager{client: client}
}

// NewFromEnvironment builds a manager on the default AWS credential chain.
// endpointURL overrides the SSM endpoint when set.
func NewFromEnvironment(ctx context.Context, region, endpointURL string) (*SSMSecretManager, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
		}
	})
	return NewSSMSecretManager(client), nil
}

// GetSecret returns the decrypted value of the named parameter.
func (m *SSMSecretManager) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := m.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get ssm parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("%w: %s", ErrEmptyParameter, name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// DownloadSecret writes the named parameter to path, readable by the owner only.
func (m *SSMSecretManager) DownloadSecret(ctx context.Context, name, path string) error {
	value, err := m.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		return fmt.Errorf("write secret %s: %w", path, err)
	}
	return nil
}
