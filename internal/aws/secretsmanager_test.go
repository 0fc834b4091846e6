package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets struct {
	out *secretsmanager.GetSecretValueOutput
	err error
	ids []string
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.ids = append(f.ids, aws.ToString(in.SecretId))
	return f.out, f.err
}

func TestGetSecret(t *testing.T) {
	testCases := []struct {
		name       string
		api        *fakeSecrets
		assertions func(*testing.T, string, error)
	}{
		{
			name: "string secret",
			api:  &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("s3cret")}},
			assertions: func(t *testing.T, v string, err error) {
				require.NoError(t, err)
				assert.Equal(t, "s3cret", v)
			},
		},
		{
			name: "binary secret",
			api:  &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{SecretBinary: []byte("hi")}},
			assertions: func(t *testing.T, v string, err error) {
				require.NoError(t, err)
				assert.Equal(t, "aGk=", v)
			},
		},
		{
			name: "empty secret",
			api:  &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{}},
			assertions: func(t *testing.T, _ string, err error) {
				require.ErrorIs(t, err, ErrEmptySecret)
			},
		},
		{
			name: "api failure",
			api:  &fakeSecrets{err: errors.New("throttled")},
			assertions: func(t *testing.T, _ string, err error) {
				require.ErrorIs(t, err, ErrGetSecret)
				assert.ErrorContains(t, err, "prod/db")
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			client := &SecretsManagerClient{api: testCase.api}
			v, err := client.GetSecret(context.Background(), "prod/db")
			testCase.assertions(t, v, err)
			assert.Equal(t, []string{"prod/db"}, testCase.api.ids)
		})
	}
}

func TestLoadConfigInvalidMode(t *testing.T) {
	_, err := LoadConfig(context.Background(), "cloud", "")
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestLoadConfigLocal(t *testing.T) {
	t.Setenv("ROLLOUT_AWS_REGION", "eu-west-1")
	t.Setenv("ROLLOUT_AWS_ACCESS_KEY_ID", "local-key")
	cfg, err := LoadConfig(context.Background(), "local", "ROLLOUT")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)

	creds, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local-key", creds.AccessKeyID)
}
