package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Service is the live update gateway: websocket rooms fed by directory events
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	eventConsumer     *EventConsumer
	health            *HealthChecker
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	JetStreamConfig  JetStreamConsumerConfig
	Clock            clockwork.Clock
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		JetStreamConfig:  DefaultJetStreamConsumerConfig(),
		Clock:            clockwork.NewRealClock(),
	}
}

// NewService creates a gateway service reading vote sets through reader
func NewService(ctx context.Context, config Config, reader PollReader, verifier CredentialVerifier) (*Service, error) {
	connectionManager := NewConnectionManager(config.ConnectionConfig)
	handler := NewEventHandler(reader, connectionManager, config.Clock)

	eventConsumer, err := NewEventConsumer(ctx, handler, config.JetStreamConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager, verifier),
		eventConsumer:     eventConsumer,
		health:            NewHealthChecker(handler, eventConsumer.Connected, connectionManager),
	}, nil
}

// Start runs the gateway until ctx is done
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting poll gateway service")

	go s.connectionManager.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.eventConsumer.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("event consumer failed")
			s.Stop()
			return err
		}
	}

	log.Info().Msg("poll gateway service shutting down")
	return s.Stop()
}

// Stop shuts down the event consumer
func (s *Service) Stop() error {
	if err := s.eventConsumer.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop event consumer")
	}
	log.Info().Msg("poll gateway service stopped")
	return nil
}

// Routes returns the gateway's HTTP handler
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	s.wsHandler.RegisterRoutes(mux)
	mux.Handle("/health", s.health)
	return CORSMiddleware(mux)
}
