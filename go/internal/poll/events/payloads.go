package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/livepoll/go/internal/models"
)

// Envelope and payload types shared by the gateway and the channel client.

// MessageType identifies a message on the live update channel
type MessageType string

const (
	MessageJoinRoom    MessageType = "joinRoom"
	MessageLeaveRoom   MessageType = "leaveRoom"
	MessageVoteUpdate  MessageType = "voteUpdate"
	MessagePollDeleted MessageType = "pollDeleted"
	MessageError       MessageType = "error"
)

// Envelope is the frame exchanged over the live update channel
type Envelope struct {
	Type   MessageType     `json:"type"`
	PollID string          `json:"poll_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// VoteUpdatePayload carries the complete vote set of a poll. Timestamp is the
// server time the set was read and orders updates for the same poll.
type VoteUpdatePayload struct {
	PollID    string        `json:"poll_id"`
	Votes     []models.Vote `json:"votes"`
	Timestamp time.Time     `json:"timestamp"`
}

// ErrorPayload is sent to a client whose message could not be handled
type ErrorPayload struct {
	Message string `json:"message"`
}

// VoteRecordedEvent is published by the directory after a vote commits
type VoteRecordedEvent struct {
	EventID     string    `json:"event_id"`
	PollID      string    `json:"poll_id"`
	UserID      string    `json:"user_id"`
	OptionIndex int       `json:"option_index"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// PollDeletedEvent is published by the directory after a poll is removed
type PollDeletedEvent struct {
	EventID   string    `json:"event_id"`
	PollID    string    `json:"poll_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// Event type names used as the last token of the NATS subject
const (
	EventTypeVoteRecorded = "VoteRecorded"
	EventTypePollDeleted  = "PollDeleted"
)

// JoinRoom builds the client message subscribing to a poll room
func JoinRoom(pollID string) Envelope {
	return Envelope{Type: MessageJoinRoom, PollID: pollID}
}

// LeaveRoom builds the client message dropping interest in a poll room
func LeaveRoom(pollID string) Envelope {
	return Envelope{Type: MessageLeaveRoom, PollID: pollID}
}

// NewVoteUpdate builds a voteUpdate frame for the given vote set
func NewVoteUpdate(pollID string, votes []models.Vote, ts time.Time) (Envelope, error) {
	if votes == nil {
		votes = []models.Vote{}
	}
	data, err := json.Marshal(VoteUpdatePayload{PollID: pollID, Votes: votes, Timestamp: ts})
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal vote update: %w", err)
	}
	return Envelope{Type: MessageVoteUpdate, PollID: pollID, Data: data}, nil
}

// NewPollDeleted builds the frame telling a room its poll is gone
func NewPollDeleted(pollID string) Envelope {
	return Envelope{Type: MessagePollDeleted, PollID: pollID}
}

// NewError builds an error frame
func NewError(pollID, message string) Envelope {
	data, _ := json.Marshal(ErrorPayload{Message: message})
	return Envelope{Type: MessageError, PollID: pollID, Data: data}
}

// ParseVoteUpdate decodes the payload of a voteUpdate frame
func ParseVoteUpdate(env Envelope) (VoteUpdatePayload, error) {
	if env.Type != MessageVoteUpdate {
		return VoteUpdatePayload{}, fmt.Errorf("unexpected message type %q", env.Type)
	}
	var payload VoteUpdatePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return VoteUpdatePayload{}, fmt.Errorf("unmarshal vote update: %w", err)
	}
	if payload.PollID == "" {
		payload.PollID = env.PollID
	}
	if payload.PollID != env.PollID {
		return VoteUpdatePayload{}, fmt.Errorf("vote update for %q carried in envelope for %q", payload.PollID, env.PollID)
	}
	return payload, nil
}
