package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	values    map[string]string
	decrypted []bool
}

func (f *fakeSSM) GetParameter(_ context.Context, params *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.decrypted = append(f.decrypted, aws.ToBool(params.WithDecryption))
	name := aws.ToString(params.Name)
	value, ok := f.values[name]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	if value == "" {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: params.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: params.Name, Value: aws.String(value)}}, nil
}

func TestGetSecret(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{"/mesh/mailbox": "X26OT181", "/mesh/empty": ""}}
	m := NewSSMSecretManager(fake)

	value, err := m.GetSecret(context.Background(), "/mesh/mailbox")
	require.NoError(t, err)
	assert.Equal(t, "X26OT181", value)
	assert.Equal(t, []bool{true}, fake.decrypted)

	_, err = m.GetSecret(context.Background(), "/mesh/missing")
	assert.ErrorContains(t, err, "/mesh/missing")

	_, err = m.GetSecret(context.Background(), "/mesh/empty")
	assert.ErrorIs(t, err, ErrEmptyParameter)
}

func TestDownloadSecret(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{"/mesh/cert": "-----BEGIN CERTIFICATE-----\n"}}
	m := NewSSMSecretManager(fake)
	path := filepath.Join(t.TempDir(), "home", "client_cert.pem")

	require.NoError(t, m.DownloadSecret(context.Background(), "/mesh/cert", path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN CERTIFICATE-----\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Error(t, m.DownloadSecret(context.Background(), "/mesh/missing", path))
}
