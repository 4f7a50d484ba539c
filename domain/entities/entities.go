package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the dashboard role carried by the signed-in user
type Role string

const (
	RoleAdministrator Role = "Administrator"
	RoleManager       Role = "Manager"
	RoleAgent         Role = "Agent"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleAdministrator, RoleManager, RoleAgent:
		return true
	}
	return false
}

// ParseRole maps both the dashboard spelling and the backend's lowercase
// short names onto a Role
func ParseRole(value string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "administrator", "admin":
		return RoleAdministrator, nil
	case "manager":
		return RoleManager, nil
	case "agent":
		return RoleAgent, nil
	}
	return "", fmt.Errorf("unknown role %q", value)
}

// User represents the signed-in dashboard account
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}

// Customer is the caller profile attached to each outbound chunk
type Customer struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Tier              string  `json:"tier"`
	PreferredLanguage *string `json:"preferred_language"`
}

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// PlaybackState is the playback state of an assistant message
type PlaybackState int

const (
	PlaybackIdle PlaybackState = iota
	PlaybackPlaying
)

// String returns a human-readable playback state
func (p PlaybackState) String() string {
	if p == PlaybackPlaying {
		return "playing"
	}
	return "idle"
}

// Message is one entry of the conversation log. Only PlaybackState changes
// after the message is appended.
type Message struct {
	ID            string        `json:"id"`
	Role          MessageRole   `json:"role"`
	Text          string        `json:"text"`
	Language      string        `json:"language,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	AudioRef      string        `json:"audio_ref,omitempty"`
	PlaybackState PlaybackState `json:"playback_state"`
}

// HasAudio reports whether the message carries a playable audio reference
func (m Message) HasAudio() bool {
	return m.AudioRef != ""
}

// MessageID builds the monotonic identifier for the n-th message of a log
func MessageID(role MessageRole, n int) string {
	prefix := "user"
	if role == MessageRoleAssistant {
		prefix = "ai"
	}
	return fmt.Sprintf("%s_%06d", prefix, n)
}

// AudioChunk is one finished recording. It is consumed exactly once by the
// session channel.
type AudioChunk struct {
	Data       []byte        `json:"-"`
	MimeType   string        `json:"mime_type"`
	Format     string        `json:"format"`
	SampleRate int           `json:"sample_rate"`
	Duration   time.Duration `json:"duration"`
	CapturedAt time.Time     `json:"captured_at"`
}

// Domain validation methods
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if !u.Role.Valid() {
		return fmt.Errorf("unknown role %q", u.Role)
	}
	return nil
}

func (c *AudioChunk) Validate() error {
	if len(c.Data) == 0 {
		return errors.New("audio chunk is empty")
	}
	if c.MimeType == "" {
		return errors.New("mime type is required")
	}
	return nil
}
