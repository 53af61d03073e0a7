package cli

import (
	"fmt"

	"pluginstager/internal/apperrors"
	"pluginstager/internal/config"
	"pluginstager/internal/fetch"
	"pluginstager/internal/registry"
	"pluginstager/internal/repository"
	"pluginstager/internal/stage"
	"pluginstager/pkg/backoff"
)

// loadConfig reads configuration and the version catalog it names.
func loadConfig(opts *rootOptions) (*config.Config, *registry.Catalog, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Catalog == "" {
		return cfg, nil, nil
	}
	catalog, err := registry.LoadCatalog(cfg.Catalog)
	if err != nil {
		return nil, nil, err
	}
	return cfg, catalog, nil
}

// loadRegistry resolves the configured declarations.
func loadRegistry(opts *rootOptions) (*config.Config, *registry.Registry, error) {
	cfg, catalog, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.Load(cfg.Artifacts, catalog)
	if err != nil {
		return nil, nil, err
	}
	return cfg, reg, nil
}

// buildRepository turns the repository list into a single Repository,
// chaining them in declaration order.
func buildRepository(cfg *config.Config) (repository.Repository, error) {
	repos := make([]repository.Repository, 0, len(cfg.Repositories))
	for i, rc := range cfg.Repositories {
		if rc.Path != "" {
			repos = append(repos, repository.NewFile(rc.Name, rc.Path))
			continue
		}
		token, err := config.GetSecretFile(rc.TokenFile)
		if err != nil {
			return nil, apperrors.Config(fmt.Sprintf("repositories[%d].tokenFile", i),
				fmt.Sprintf("repository %q: cannot read token file: %v", rc.Name, err))
		}
		repo, err := repository.NewHTTP(rc.Name, rc.URL, repository.HTTPOptions{
			RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
			Burst:             cfg.Fetch.Burst,
			Breaker: repository.BreakerConfig{
				Threshold: cfg.Fetch.BreakerThreshold,
				Cooldown:  cfg.Fetch.BreakerCooldown,
			},
			Token: token,
		})
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	switch len(repos) {
	case 0:
		return nil, fmt.Errorf("no repositories configured")
	case 1:
		return repos[0], nil
	default:
		return repository.NewChain(repos...), nil
	}
}

func fetchConfig(cfg *config.Config) fetch.Config {
	return fetch.Config{
		Attempts: cfg.Fetch.Attempts,
		Backoff: backoff.Config{
			Initial: cfg.Fetch.InitialBackoff,
			Max:     cfg.Fetch.MaxBackoff,
			Jitter:  cfg.Fetch.Jitter,
		},
		RequestTimeout: cfg.Fetch.RequestTimeout,
	}
}

func stageConfig(cfg *config.Config) (stage.Config, error) {
	mode, err := stage.ParseMode(cfg.Stage.Mode)
	if err != nil {
		return stage.Config{}, err
	}
	return stage.Config{Mode: mode}, nil
}
