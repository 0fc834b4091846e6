package aws

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"vinr.eu/rollout/internal/errs"
)

var (
	ErrInvalidMode = errors.New("aws/config: mode must be 'local' or 'server'")
)

// LoadConfig builds the SDK config. Local mode talks to an emulator
// (ROLLOUT_AWS_ENDPOINT_URL or AWS_ENDPOINT_URL) with static test credentials;
// server mode uses the default credential chain.
func LoadConfig(ctx context.Context, mode, prefix string) (aws.Config, error) {
	switch mode {
	case "local", "":
		return loadLocal(ctx, prefix)
	case "server":
		return config.LoadDefaultConfig(ctx,
			config.WithRegion(lookup(prefix, "AWS_REGION", "")),
		)
	default:
		return aws.Config{}, errs.WrapMsg(ErrInvalidMode, "got "+mode)
	}
}

func loadLocal(ctx context.Context, prefix string) (aws.Config, error) {
	creds := aws.Credentials{
		AccessKeyID:     lookup(prefix, "AWS_ACCESS_KEY_ID", "test"),
		SecretAccessKey: lookup(prefix, "AWS_SECRET_ACCESS_KEY", "test"),
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(lookup(prefix, "AWS_REGION", "us-east-1")),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil },
		)),
	}
	if endpoint := lookup(prefix, "AWS_ENDPOINT_URL", ""); endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

func lookup(prefix, key, fallback string) string {
	if prefix != "" {
		if v, ok := os.LookupEnv(prefix + "_" + key); ok {
			return v
		}
	}
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
