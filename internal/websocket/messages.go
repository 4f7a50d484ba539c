package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
)

// timestampLayouts accepts RFC 3339 and the zone-less ISO form some
// backends emit.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// SendMetadata is attached to every outbound audio chunk
type SendMetadata struct {
	Language string
	Customer *entities.Customer
}

// MessageValidator encodes outbound frames and validates inbound ones
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// EncodeAudioChunk builds the audio_chunk frame for chunk
func (v *MessageValidator) EncodeAudioChunk(sessionID string, chunk *entities.AudioChunk, meta SendMetadata, now time.Time) ([]byte, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if err := chunk.Validate(); err != nil {
		return nil, err
	}

	language := meta.Language
	if language == "" {
		language = entities.LanguageAuto
	}

	data, err := json.Marshal(domain.AudioChunkMessage{
		Audio:        base64.StdEncoding.EncodeToString(chunk.Data),
		SessionID:    sessionID,
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		Language:     language,
		AudioFormat:  chunk.Format,
		SampleRate:   chunk.SampleRate,
		CustomerInfo: meta.Customer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audio chunk: %w", err)
	}

	return json.Marshal(domain.Envelope{
		Type: domain.MessageTypeAudioChunk,
		Data: data,
	})
}

// DecodeAudioChunk parses an audio_chunk frame and returns its metadata
// together with the decoded audio bytes.
func (v *MessageValidator) DecodeAudioChunk(frame []byte) (*domain.AudioChunkMessage, []byte, error) {
	var env domain.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid JSON format: %v", domain.ErrProtocol, err)
	}
	if env.Type != domain.MessageTypeAudioChunk {
		return nil, nil, fmt.Errorf("%w: expected %s, got %q", domain.ErrProtocol, domain.MessageTypeAudioChunk, env.Type)
	}

	var msg domain.AudioChunkMessage
	if err := decodeData(env, &msg); err != nil {
		return nil, nil, err
	}
	if msg.SessionID == "" {
		return nil, nil, fmt.Errorf("%w: session_id is required", domain.ErrProtocol)
	}
	if msg.Audio == "" {
		return nil, nil, fmt.Errorf("%w: audio is required", domain.ErrProtocol)
	}

	audio, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid base64 audio: %v", domain.ErrProtocol, err)
	}
	return &msg, audio, nil
}

// ValidateMessage turns an inbound frame into a typed event. Failures wrap
// domain.ErrProtocol.
func (v *MessageValidator) ValidateMessage(frame []byte) (Event, error) {
	var env domain.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format: %v", domain.ErrProtocol, err)
	}

	switch env.Type {
	case domain.MessageTypeTranscriptionResult:
		var msg domain.TranscriptionMessage
		if err := decodeData(env, &msg); err != nil {
			return nil, err
		}
		return TranscriptionReceived{
			Text:     msg.Transcription,
			Language: msg.DetectedLanguage,
		}, nil

	case domain.MessageTypeAIResponse:
		var msg domain.AIResponseMessage
		if err := decodeData(env, &msg); err != nil {
			return nil, err
		}
		if msg.Message == "" {
			return nil, fmt.Errorf("%w: ai_response without message", domain.ErrProtocol)
		}
		return ResponseReceived{
			Text:             msg.Message,
			AudioRef:         msg.AudioURL,
			Language:         msg.ResponseLanguage,
			DetectedLanguage: msg.DetectedLanguage,
			UserMessage:      msg.UserMessage,
			Timestamp:        parseTimestamp(msg.Timestamp),
		}, nil

	case domain.MessageTypeAudioProcessed:
		return AudioProcessed{}, nil

	case domain.MessageTypeError:
		message := env.Message
		if message == "" && len(env.Data) > 0 {
			var msg domain.ErrorMessage
			if err := json.Unmarshal(env.Data, &msg); err == nil {
				message = msg.Message
			}
		}
		if message == "" {
			message = "unknown server error"
		}
		return ErrorReceived{
			Message: message,
			Details: string(env.ErrorDetails),
		}, nil

	case "":
		return nil, fmt.Errorf("%w: message missing type field", domain.ErrProtocol)

	default:
		return nil, fmt.Errorf("%w: unsupported message type: %s", domain.ErrProtocol, env.Type)
	}
}

func decodeData(env domain.Envelope, out interface{}) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", domain.ErrProtocol, env.Type)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: invalid %s data: %v", domain.ErrProtocol, env.Type, err)
	}
	return nil
}

func parseTimestamp(value string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// CreateErrorFrame creates a standardized error frame
func CreateErrorFrame(message string) []byte {
	frame, _ := json.Marshal(domain.Envelope{
		Type:    domain.MessageTypeError,
		Message: message,
	})
	return frame
}

// CreateFrame wraps data into an envelope of the given type
func CreateFrame(msgType domain.MessageType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(domain.Envelope{Type: msgType, Data: raw})
}
