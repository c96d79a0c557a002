package main

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/auth"
	"github.com/mcdev12/livepoll/go/internal/directory"
)

type Services struct {
	Directory *directory.Service
	Tokens    *auth.TokenService
	closers   []func()
}

func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	// Storage → Repository → App → Service
	clock := clockwork.NewRealClock()
	services := &Services{Tokens: auth.NewTokenService(config.Auth.Secret, clock)}

	var repo directory.PollRepository
	switch config.Storage {
	case storageMemory:
		log.Warn().Msg("using in-memory storage, polls are lost on restart")
		repo = directory.NewMemoryRepository()
	default:
		pool, err := setupDatabase(ctx)
		if err != nil {
			return nil, err
		}
		services.closers = append(services.closers, pool.Close)
		repo = directory.NewRepository(pool)
	}

	var publisher directory.EventPublisher
	if config.NATSURL != "" {
		jsCfg := directory.DefaultJetStreamConfig()
		jsCfg.URL = config.NATSURL
		p, err := directory.NewJetStreamPublisher(jsCfg)
		if err != nil {
			services.Close()
			return nil, err
		}
		services.closers = append(services.closers, func() {
			if err := p.Close(); err != nil {
				log.Error().Err(err).Msg("close publisher")
			}
		})
		publisher = p
	} else {
		log.Warn().Msg("NATS_URL not set, vote events are not published")
	}

	app := directory.NewApp(repo, publisher, clock, directory.AppConfig{
		PublishRetries:    config.Publish.Retries,
		PublishRetryDelay: config.Publish.RetryDelay,
	})
	services.Directory = directory.NewService(app, services.Tokens)
	return services, nil
}
