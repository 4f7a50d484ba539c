package websocket

import "time"

// Event is a typed notification from the session channel. Events are
// delivered in the order the transport produced them.
type Event interface {
	EventType() string
}

// Opened is emitted once the transport is open and Send is accepted
type Opened struct {
	SessionID string
}

// Closed is emitted when an open transport goes away
type Closed struct {
	Reason string
	Err    error
}

// TranscriptionReceived carries the server's transcription of the last chunk
type TranscriptionReceived struct {
	Text     string
	Language string
}

// ResponseReceived carries the assistant answer for the last chunk
type ResponseReceived struct {
	Text             string
	AudioRef         string
	Language         string
	DetectedLanguage string
	UserMessage      string
	Timestamp        time.Time
}

// AudioProcessed acknowledges that the server finished with a chunk
type AudioProcessed struct{}

// ErrorReceived carries an error reported by the server
type ErrorReceived struct {
	Message string
	Details string
}

// ProtocolError is emitted for an inbound frame that could not be decoded.
// The channel stays usable.
type ProtocolError struct {
	Raw []byte
	Err error
}

func (Opened) EventType() string                { return "opened" }
func (Closed) EventType() string                { return "closed" }
func (TranscriptionReceived) EventType() string { return "transcription" }
func (ResponseReceived) EventType() string      { return "response" }
func (AudioProcessed) EventType() string        { return "audio_processed" }
func (ErrorReceived) EventType() string         { return "error" }
func (ProtocolError) EventType() string         { return "protocol_error" }
