package domain

import (
	"encoding/json"

	"github.com/satriahrh/voicechat/domain/entities"
)

// MessageType is the "type" field of every frame on the session socket
type MessageType string

const (
	MessageTypeAudioChunk          MessageType = "audio_chunk"
	MessageTypeTranscriptionResult MessageType = "transcription_result"
	MessageTypeAIResponse          MessageType = "ai_response"
	MessageTypeAudioProcessed      MessageType = "audio_processed"
	MessageTypeError               MessageType = "error"
)

// Envelope is the outer frame. Errors may put Message at the top level
// instead of inside Data.
type Envelope struct {
	Type         MessageType     `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	Message      string          `json:"message,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
}

// AudioChunkMessage is the data of an outbound audio_chunk frame
type AudioChunkMessage struct {
	Audio        string             `json:"audio"` // base64 encoded
	SessionID    string             `json:"session_id"`
	Timestamp    string             `json:"timestamp"`
	Language     string             `json:"language"`
	AudioFormat  string             `json:"audio_format"`
	SampleRate   int                `json:"sample_rate"`
	CustomerInfo *entities.Customer `json:"customer_info,omitempty"`
}

// TranscriptionMessage is the data of a transcription_result frame
type TranscriptionMessage struct {
	Transcription    string `json:"transcription"`
	DetectedLanguage string `json:"detected_language,omitempty"`
}

// AIResponseMessage is the data of an ai_response frame
type AIResponseMessage struct {
	Message          string `json:"message"`
	Timestamp        string `json:"timestamp,omitempty"`
	AudioURL         string `json:"audioUrl,omitempty"`
	UserMessage      string `json:"user_message,omitempty"`
	DetectedLanguage string `json:"detected_language,omitempty"`
	ResponseLanguage string `json:"response_language,omitempty"`
}

// ErrorMessage is the data of an error frame
type ErrorMessage struct {
	Message string `json:"message"`
}
