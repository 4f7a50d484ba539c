package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/auth"
	"github.com/satriahrh/voicechat/internal/capture"
	"github.com/satriahrh/voicechat/internal/playback"
	"github.com/satriahrh/voicechat/internal/transcript"
	"github.com/satriahrh/voicechat/internal/websocket"
)

// Chunks below this size usually mean the microphone captured nothing useful.
const smallChunkBytes = 1024

var supportedLanguages = map[string]bool{
	entities.LanguageAuto: true,
	"en":                  true,
	"ar":                  true,
}

// Channel is the session transport used by VoiceSession
type Channel interface {
	Connect(ctx context.Context, sessionID string) error
	WaitOpen(ctx context.Context) error
	Send(ctx context.Context, chunk *entities.AudioChunk, meta websocket.SendMetadata) error
	Events() <-chan websocket.Event
	State() entities.ConnectionState
	Close() error
}

// VoiceSessionConfig configures a VoiceSession
type VoiceSessionConfig struct {
	// Token is the dashboard session token. Its role must allow voice chat.
	Token string

	Language string
	Customer entities.Customer

	AutoPlay      bool
	AutoPlayDelay time.Duration
	Volume        float64

	// HistoryPath, when set, receives the message log as JSON on Close.
	HistoryPath string
}

// Status is a point-in-time view of the session for a front-end
type Status struct {
	SessionID        string                    `json:"session_id"`
	User             entities.User             `json:"user"`
	Connection       entities.ConnectionState  `json:"connection"`
	Processing       entities.ProcessingStatus `json:"processing"`
	Recording        bool                      `json:"recording"`
	Level            float64                   `json:"level"`
	Language         string                    `json:"language"`
	DetectedLanguage string                    `json:"detected_language"`
	Volume           float64                   `json:"volume"`
	Playing          string                    `json:"playing,omitempty"`
}

// VoiceSession orchestrates one voice conversation: it records chunks, sends
// them over the channel, folds server events into the transcript and plays
// assistant audio.
type VoiceSession struct {
	channel  Channel
	recorder *capture.Controller
	arbiter  *playback.Arbiter
	reducer  *transcript.Reducer
	cfg      VoiceSessionConfig
	logger   *zap.Logger

	mu       sync.Mutex
	session  *entities.Session
	user     entities.User
	language string
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool

	wg sync.WaitGroup
}

// NewVoiceSession wires the recorder, channel and audio output into a session
func NewVoiceSession(
	channel Channel,
	recorder *capture.Controller,
	source repositories.AudioSource,
	output repositories.OutputDevice,
	cfg VoiceSessionConfig,
	logger *zap.Logger,
) *VoiceSession {
	if cfg.Language == "" {
		cfg.Language = entities.LanguageAuto
	}

	s := &VoiceSession{
		channel:  channel,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		language: cfg.Language,
	}
	s.reducer = transcript.NewReducer(s, logger)
	s.arbiter = playback.NewArbiter(source, output, s.reducer.SetPlaybackState, logger)
	s.arbiter.SetVolume(cfg.Volume)
	return s
}

// Start checks that the token may use voice chat, creates the session and
// starts connecting. It does not wait for the channel to open.
func (s *VoiceSession) Start(ctx context.Context) error {
	user, err := s.authorize()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("start: session closed: %w", domain.ErrInvalidState)
	}
	if s.session != nil {
		s.mu.Unlock()
		return fmt.Errorf("start: already started: %w", domain.ErrInvalidState)
	}
	session := entities.NewSession(user.ID)
	session.Language = s.language
	s.session = session
	s.user = *user
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.channel.Connect(runCtx, session.ID); err != nil {
		return fmt.Errorf("failed to connect session %s: %w", session.ID, err)
	}

	s.wg.Add(1)
	go s.consume()

	s.logger.Info("Voice session started",
		zap.String("sessionID", session.ID),
		zap.String("userID", user.ID),
		zap.String("role", string(user.Role)))
	return nil
}

// WaitOpen blocks until the channel is open
func (s *VoiceSession) WaitOpen(ctx context.Context) error {
	return s.channel.WaitOpen(ctx)
}

// StartRecording opens the microphone and starts a chunk. Recording needs an
// open channel and no unanswered chunk.
func (s *VoiceSession) StartRecording(ctx context.Context) error {
	if state := s.channel.State(); state != entities.ConnectionStateOpen {
		return fmt.Errorf("start recording while %s: %w", state, domain.ErrNotConnected)
	}
	if s.reducer.Status() == entities.ProcessingStatusAwaitingResponse {
		return domain.ErrAwaitingResponse
	}

	input, err := s.recorder.RequestAccess(ctx)
	if err != nil {
		return err
	}
	if err := s.recorder.StartRecording(input); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			input.Close()
		}
		return err
	}
	return nil
}

// StopAndSend finishes the current recording and sends it as one chunk
func (s *VoiceSession) StopAndSend(ctx context.Context) error {
	chunk, err := s.recorder.StopRecording()
	if err != nil {
		return err
	}

	if len(chunk.Data) < smallChunkBytes {
		s.logger.Warn("Audio chunk is very small, the recording may be silent",
			zap.Int("bytes", len(chunk.Data)),
			zap.Duration("duration", chunk.Duration))
	}

	s.mu.Lock()
	meta := websocket.SendMetadata{Language: s.language, Customer: s.customer()}
	s.mu.Unlock()

	s.reducer.MarkSent()
	if err := s.channel.Send(ctx, chunk, meta); err != nil {
		s.reducer.SendFailed()
		return err
	}

	s.logger.Info("Audio chunk sent",
		zap.Int("bytes", len(chunk.Data)),
		zap.String("format", chunk.Format),
		zap.String("language", meta.Language))
	return nil
}

// Play starts the audio of messageID, replacing whatever is playing
func (s *VoiceSession) Play(ctx context.Context, messageID string) error {
	msg, ok := s.reducer.Message(messageID)
	if !ok {
		return fmt.Errorf("play: unknown message %s: %w", messageID, domain.ErrInvalidState)
	}
	if !msg.HasAudio() {
		return fmt.Errorf("play: message %s has no audio: %w", messageID, domain.ErrInvalidState)
	}
	return s.arbiter.Play(ctx, msg.AudioRef, msg.ID)
}

// StopPlayback stops messageID if it is playing or waiting to auto-play
func (s *VoiceSession) StopPlayback(messageID string) {
	s.arbiter.Stop(messageID)
}

// SetLanguage changes the language hint sent with the next chunk
func (s *VoiceSession) SetLanguage(language string) error {
	language = strings.ToLower(strings.TrimSpace(language))
	if !supportedLanguages[language] {
		return fmt.Errorf("unsupported language %q", language)
	}

	s.mu.Lock()
	s.language = language
	if s.session != nil {
		s.session.Language = language
	}
	s.mu.Unlock()
	return nil
}

// SetVolume sets the playback volume, clamped to [0, 1]
func (s *VoiceSession) SetVolume(volume float64) {
	s.arbiter.SetVolume(volume)
}

// Messages returns the conversation log in order
func (s *VoiceSession) Messages() []entities.Message {
	return s.reducer.Messages()
}

// Updates signals whenever the transcript or status changed
func (s *VoiceSession) Updates() <-chan struct{} {
	return s.reducer.Updates()
}

// Status returns a snapshot of the session
func (s *VoiceSession) Status() Status {
	snap := s.reducer.Snapshot()
	playing, _ := s.arbiter.Current()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		User:             s.user,
		Connection:       s.channel.State(),
		Processing:       snap.Status,
		Recording:        s.recorder.State() == capture.StateRecording,
		Level:            s.recorder.Level(),
		Language:         s.language,
		DetectedLanguage: snap.DetectedLanguage,
		Volume:           s.arbiter.Volume(),
		Playing:          playing,
	}
	if s.session != nil {
		st.SessionID = s.session.ID
	}
	return st
}

// Close stops recording and playback, closes the channel and writes the
// history file if configured. Safe to call more than once.
func (s *VoiceSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	if err := s.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop recording: %w", err))
	}
	s.arbiter.Close()
	if err := s.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
	}
	s.wg.Wait()
	// the channel's own Closed event is best effort on shutdown
	s.reducer.Apply(websocket.Closed{Reason: "session closed"})

	if s.cfg.HistoryPath != "" {
		if err := s.saveHistory(s.cfg.HistoryPath); err != nil {
			errs = append(errs, err)
		} else {
			s.logger.Info("History stored", zap.String("path", s.cfg.HistoryPath))
		}
	}

	s.logger.Info("Voice session closed", zap.Int("messages", len(s.reducer.Messages())))
	return errors.Join(errs...)
}

// RequestPlayback is called by the reducer for every assistant message with
// audio. It never blocks.
func (s *VoiceSession) RequestPlayback(ref, messageID string) {
	if !s.cfg.AutoPlay {
		return
	}

	s.mu.Lock()
	ctx, closed := s.ctx, s.closed
	s.mu.Unlock()
	if closed || ctx == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := s.arbiter.PlayAfter(ctx, ref, messageID, s.cfg.AutoPlayDelay)
		if err != nil && !errors.Is(err, playback.ErrSuperseded) && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Auto-play failed", zap.String("messageID", messageID), zap.Error(err))
		}
	}()
}

// consume feeds channel events into the reducer in arrival order
func (s *VoiceSession) consume() {
	defer s.wg.Done()

	for event := range s.channel.Events() {
		switch ev := event.(type) {
		case websocket.Opened:
			s.track(entities.ConnectionStateOpen, "")
		case websocket.Closed:
			s.track(s.channel.State(), "")
		case websocket.TranscriptionReceived:
			s.track(-1, ev.Language)
		case websocket.ResponseReceived:
			s.track(-1, ev.DetectedLanguage)
		}
		s.reducer.Apply(event)
	}
}

// track mirrors the channel state and detected language onto the session.
// A negative state leaves the connection state unchanged.
func (s *VoiceSession) track(state entities.ConnectionState, detected string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return
	}
	if state >= 0 {
		s.session.State = state
	}
	if detected != "" {
		s.session.DetectedLanguage = detected
	}
}

// customer returns the customer block for the next chunk. Callers hold s.mu.
func (s *VoiceSession) customer() *entities.Customer {
	c := s.cfg.Customer
	if c.ID == "" {
		return nil
	}
	if s.language != entities.LanguageAuto {
		lang := s.language
		c.PreferredLanguage = &lang
	} else {
		c.PreferredLanguage = nil
	}
	return &c
}

func (s *VoiceSession) authorize() (*entities.User, error) {
	if s.cfg.Token == "" {
		return nil, fmt.Errorf("voice chat needs a session token: %w", domain.ErrForbidden)
	}
	claims, err := auth.ParseUnverified(s.cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("unusable session token: %w: %w", domain.ErrForbidden, err)
	}
	user, err := claims.User()
	if err != nil {
		return nil, fmt.Errorf("unusable session token: %w: %w", domain.ErrForbidden, err)
	}
	if err := auth.Authorize(user.Role, auth.FeatureVoiceChat); err != nil {
		return nil, err
	}
	return user, nil
}

type history struct {
	SessionID string             `json:"session_id"`
	UserID    string             `json:"user_id"`
	CreatedAt time.Time          `json:"created_at"`
	Language  string             `json:"language"`
	Messages  []entities.Message `json:"messages"`
}

func (s *VoiceSession) saveHistory(path string) error {
	s.mu.Lock()
	h := history{Language: s.language, Messages: s.reducer.Messages()}
	if s.session != nil {
		h.SessionID = s.session.ID
		h.UserID = s.session.UserID
		h.CreatedAt = s.session.CreatedAt
	}
	s.mu.Unlock()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating history file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(h); err != nil {
		return fmt.Errorf("error encoding history to JSON: %w", err)
	}
	return nil
}
