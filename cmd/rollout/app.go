package main

import (
	"context"
	"sync"

	"vinr.eu/rollout/internal/aws"
	"vinr.eu/rollout/internal/command"
	"vinr.eu/rollout/internal/config"
	"vinr.eu/rollout/internal/defs"
	"vinr.eu/rollout/internal/image"
	"vinr.eu/rollout/internal/logger"
	"vinr.eu/rollout/internal/notify"
	"vinr.eu/rollout/internal/orchestrator"
	"vinr.eu/rollout/internal/pipeline"
	"vinr.eu/rollout/internal/remote"
	"vinr.eu/rollout/internal/source"
)

// app is everything a command needs, wired from the process environment.
type app struct {
	cfg       *config.Config
	store     *defs.Store
	publisher *image.Publisher
	runner    *pipeline.Runner
}

func newApp(ctx context.Context, root *rootOptions, extra ...pipeline.Option) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Debug(ctx, "config loaded", "config", cfg.String())

	defsDir := root.DefsDir
	if defsDir == "" {
		defsDir = cfg.DefsDir
	}
	store := defs.NewStore().WithSecretFetcher(secretFetcher(cfg))
	if err := store.Load(defsDir); err != nil {
		return nil, err
	}

	creds := image.Credentials{Username: cfg.RegistryUsername, Password: cfg.RegistryPassword.Reveal()}
	var pubOpts []image.PublisherOption
	if cfg.RegistryInsecure {
		pubOpts = append(pubOpts, image.WithInsecure())
	}
	publisher := image.NewPublisher(creds, pubOpts...)

	opts := []pipeline.Option{
		pipeline.WithWorkspace(cfg.WorkspaceDir),
		pipeline.WithRegistryCredentials(creds),
		pipeline.WithReferenceOptions(publisher.NameOptions()...),
		pipeline.WithSourceFactory(func(p *defs.Pipeline, commit string) (source.Source, error) {
			return source.New(p.Source.GitURL, p.Source.Branch, commit, source.StaticToken(cfg.GitHubToken.Reveal()))
		}),
	}
	if cfg.GitHubToken != "" {
		opts = append(opts, pipeline.WithObserver(
			notify.NewReporter(ctx, cfg.GitHubToken.Reveal(), store, notify.WithPublicURL(cfg.PublicURL)),
		))
	}
	opts = append(opts, extra...)

	return &app{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		runner:    pipeline.NewRunner(store, image.NewBuilder(command.NewRunner()), publisher, connector(cfg), opts...),
	}, nil
}

func connector(cfg *config.Config) pipeline.Connector {
	return func(ctx context.Context, t *defs.Target) (orchestrator.Remote, error) {
		key, err := cfg.PrivateKey()
		if err != nil {
			return nil, err
		}
		c, err := remote.Dial(ctx, remote.Options{
			Host:           t.Host,
			Port:           t.Port,
			User:           t.User,
			PrivateKey:     key,
			HostKey:        t.HostKey,
			KnownHostsFile: t.KnownHostsFile,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// secretFetcher connects to Secrets Manager on first use so that pipelines
// without secret refs never need AWS credentials.
func secretFetcher(cfg *config.Config) defs.SecretFetcher {
	var (
		once    sync.Once
		client  *aws.SecretsManagerClient
		initErr error
	)
	return func(ctx context.Context, id string) (string, error) {
		once.Do(func() {
			awsCfg, err := aws.LoadConfig(ctx, cfg.Mode, "ROLLOUT")
			if err != nil {
				initErr = err
				return
			}
			client = aws.NewSecretsManagerClient(awsCfg)
		})
		if initErr != nil {
			return "", initErr
		}
		return client.GetSecret(ctx, id)
	}
}
