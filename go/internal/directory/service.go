package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/auth"
	"github.com/mcdev12/livepoll/go/internal/models"
)

// PollApp defines what the HTTP service needs from the app layer
type PollApp interface {
	ListPolls(ctx context.Context) ([]models.Poll, error)
	GetPoll(ctx context.Context, id string) (models.Poll, error)
	CreatePoll(ctx context.Context, userID string, input models.CreatePollInput) (string, error)
	SubmitVote(ctx context.Context, userID, pollID string, optionIndex int) (models.VoteReceipt, error)
	DeletePoll(ctx context.Context, userID, pollID string) error
	Ping(ctx context.Context) error
}

type ListPollsResponse struct {
	Polls []models.Poll `json:"polls"`
}

type CreatePollResponse struct {
	ID string `json:"id"`
}

type SubmitVoteRequest struct {
	OptionIndex *int `json:"option_index"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Service exposes the directory over HTTP+JSON
type Service struct {
	app    PollApp
	tokens *auth.TokenService
}

func NewService(app PollApp, tokens *auth.TokenService) *Service {
	return &Service{app: app, tokens: tokens}
}

// Routes builds the directory router
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.Health)

	r.Group(func(r chi.Router) {
		r.Use(s.tokens.Middleware(writeError))

		r.Route("/polls", func(r chi.Router) {
			r.Get("/", s.ListPolls)
			r.Post("/", s.CreatePoll)
			r.Get("/{id}", s.GetPoll)
			r.Delete("/{id}", s.DeletePoll)
			r.Post("/{id}/vote", s.SubmitVote)
		})
	})

	return r
}

func (s *Service) ListPolls(w http.ResponseWriter, r *http.Request) {
	polls, err := s.app.ListPolls(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListPollsResponse{Polls: polls})
}

func (s *Service) GetPoll(w http.ResponseWriter, r *http.Request) {
	poll, err := s.app.GetPoll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poll)
}

func (s *Service) CreatePoll(w http.ResponseWriter, r *http.Request) {
	var input models.CreatePollInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, models.ErrInvalidPoll)
		return
	}

	userID, _ := auth.UserID(r.Context())
	id, err := s.app.CreatePoll(r.Context(), userID, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatePollResponse{ID: id})
}

func (s *Service) SubmitVote(w http.ResponseWriter, r *http.Request) {
	var req SubmitVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OptionIndex == nil {
		writeError(w, models.ErrInvalidOption)
		return
	}

	userID, _ := auth.UserID(r.Context())
	receipt, err := s.app.SubmitVote(r.Context(), userID, chi.URLParam(r, "id"), *req.OptionIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Service) DeletePoll(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	if err := s.app.DeletePoll(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.app.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// statusFor maps an error kind onto an HTTP status
func statusFor(err error) int {
	if errors.Is(err, models.ErrNotAuthenticated) {
		return http.StatusUnauthorized
	}
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindConflict:
		return http.StatusConflict
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: models.ErrorCode(err), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("handled request")
	})
}
