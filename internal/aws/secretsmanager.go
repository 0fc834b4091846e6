package aws

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"vinr.eu/rollout/internal/errs"
)

var (
	ErrGetSecret   = errors.New("aws/secretsmanager: failed to get secret")
	ErrEmptySecret = errors.New("aws/secretsmanager: secret has no value")
)

type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerClient struct {
	api secretsAPI
}

func NewSecretsManagerClient(cfg aws.Config) *SecretsManagerClient {
	return &SecretsManagerClient{api: secretsmanager.NewFromConfig(cfg)}
}

// GetSecret returns the string value of a secret. Binary secrets come back
// base64 encoded.
func (s *SecretsManagerClient) GetSecret(ctx context.Context, id string) (string, error) {
	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", errs.WrapMsgErr(ErrGetSecret, id, err)
	}
	switch {
	case out.SecretString != nil:
		return *out.SecretString, nil
	case out.SecretBinary != nil:
		return base64.StdEncoding.EncodeToString(out.SecretBinary), nil
	default:
		return "", errs.WrapMsg(ErrEmptySecret, id)
	}
}
