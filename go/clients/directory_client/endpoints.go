package directory_client

import (
	"fmt"
	"net/url"
)

const (
	// API Endpoints
	PollsEndpoint  = "/polls"
	HealthEndpoint = "/health"

	// Headers
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
)

func pollEndpoint(pollID string) string {
	return fmt.Sprintf("%s/%s", PollsEndpoint, url.PathEscape(pollID))
}

func voteEndpoint(pollID string) string {
	return pollEndpoint(pollID) + "/vote"
}
