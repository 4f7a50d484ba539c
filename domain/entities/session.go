package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ConnectionState represents the state of the session channel
type ConnectionState int

const (
	ConnectionStateClosed ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateOpen
	ConnectionStateReconnecting
)

// String returns a human-readable connection state
func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateClosed:
		return "closed"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateOpen:
		return "open"
	case ConnectionStateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ProcessingStatus tells whether the client is waiting on the server
type ProcessingStatus int

const (
	ProcessingStatusIdle ProcessingStatus = iota
	ProcessingStatusAwaitingResponse
)

// String returns a human-readable processing status
func (s ProcessingStatus) String() string {
	if s == ProcessingStatusAwaitingResponse {
		return "awaiting_response"
	}
	return "idle"
}

// LanguageAuto lets the server detect the spoken language.
const LanguageAuto = "auto"

// Session represents one voice session between this client and the server.
// It is created once per client run and torn down on close.
type Session struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	CreatedAt time.Time       `json:"created_at"`
	State     ConnectionState `json:"state"`

	// Language is the hint sent with every chunk ("auto", "en", "ar").
	Language string `json:"language"`

	// DetectedLanguage is the last language reported by the server.
	DetectedLanguage string `json:"detected_language"`
}

// NewSession creates a new session with a fresh client-side identifier
func NewSession(userID string) *Session {
	return &Session{
		ID:        "session_" + uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
		State:     ConnectionStateClosed,
		Language:  LanguageAuto,
	}
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.Language == "" {
		return errors.New("language is required")
	}
	return nil
}
