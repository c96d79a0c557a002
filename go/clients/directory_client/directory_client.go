package directory_client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/livepoll/go/clients"
	"github.com/mcdev12/livepoll/go/internal/models"
)

// ErrorResponse is the body of a failed directory request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type DirectoryClient struct {
	*clients.BaseClient
	clock clockwork.Clock
}

func NewDirectoryClient(baseURL string, clock clockwork.Clock) *DirectoryClient {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	client := &DirectoryClient{
		BaseClient: clients.NewBaseClient(baseURL),
		clock:      clock,
	}
	client.SetTimeout(10 * time.Second)
	return client
}

// SetCredential attaches a bearer token to every request. An empty token makes
// the client anonymous.
func (c *DirectoryClient) SetCredential(token string) {
	if token == "" {
		c.RemoveHeader(AuthorizationHeader)
		return
	}
	c.SetHeader(AuthorizationHeader, BearerPrefix+token)
}

// classify maps a request failure onto the error taxonomy. Anything that is
// not a directory answer is transient.
func classify(err error) error {
	var apiErr *clients.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", models.ErrTransient, err)
	}

	var body ErrorResponse
	if json.Unmarshal(apiErr.Body, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s %s: %w", apiErr.Method, apiErr.Endpoint, models.ErrorForCode(body.Error, body.Message))
	}

	var kind error
	switch {
	case apiErr.StatusCode == http.StatusBadRequest:
		kind = models.ErrValidation
	case apiErr.StatusCode == http.StatusUnauthorized:
		kind = models.ErrNotAuthenticated
	case apiErr.StatusCode == http.StatusForbidden:
		kind = models.ErrForbidden
	case apiErr.StatusCode == http.StatusNotFound:
		kind = models.ErrPollNotFound
	case apiErr.StatusCode == http.StatusConflict:
		kind = models.ErrConflict
	default:
		kind = models.ErrTransient
	}
	return fmt.Errorf("%w: %w", kind, apiErr)
}
