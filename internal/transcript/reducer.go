package transcript

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/internal/metrics"
	"github.com/satriahrh/voicechat/internal/websocket"
)

// Player is asked to play assistant audio. RequestPlayback must not block.
type Player interface {
	RequestPlayback(ref, messageID string)
}

// Snapshot is a consistent copy of the reducer state
type Snapshot struct {
	Messages         []entities.Message
	Status           entities.ProcessingStatus
	DetectedLanguage string
	Accepting        bool
}

// Reducer turns channel events into the ordered message log and the
// processing status. The log only grows; only PlaybackState changes on
// existing entries.
type Reducer struct {
	player Player
	logger *zap.Logger
	now    func() time.Time

	mu               sync.Mutex
	messages         []entities.Message
	status           entities.ProcessingStatus
	accepting        bool
	pendingUser      bool
	detectedLanguage string
	sentAt           time.Time

	updates chan struct{}
}

// NewReducer creates an empty reducer. player may be nil.
func NewReducer(player Player, logger *zap.Logger) *Reducer {
	return &Reducer{
		player:  player,
		logger:  logger,
		now:     time.Now,
		status:  entities.ProcessingStatusIdle,
		updates: make(chan struct{}, 1),
	}
}

// Updates signals after every state change. Signals coalesce.
func (r *Reducer) Updates() <-chan struct{} {
	return r.updates
}

// Apply folds one channel event into the state
func (r *Reducer) Apply(event websocket.Event) {
	var playRef, playID string

	r.mu.Lock()
	switch ev := event.(type) {
	case websocket.Opened:
		r.accepting = true

	case websocket.Closed:
		r.accepting = false
		r.pendingUser = false
		r.status = entities.ProcessingStatusIdle

	case websocket.TranscriptionReceived:
		if !r.accepting {
			r.ignore(event)
			break
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			break
		}
		if ev.Language != "" {
			r.detectedLanguage = ev.Language
		}
		r.append(entities.MessageRoleUser, text, r.languageOr(ev.Language), r.now(), "")
		r.pendingUser = true
		r.status = entities.ProcessingStatusAwaitingResponse

	case websocket.ResponseReceived:
		if !r.accepting {
			r.ignore(event)
			break
		}
		if ev.DetectedLanguage != "" {
			r.detectedLanguage = ev.DetectedLanguage
		}
		if !r.pendingUser && strings.TrimSpace(ev.UserMessage) != "" {
			r.append(entities.MessageRoleUser, strings.TrimSpace(ev.UserMessage), r.languageOr(ev.DetectedLanguage), r.now(), "")
		}

		ts := ev.Timestamp
		if ts.IsZero() {
			ts = r.now()
		}
		msg := r.append(entities.MessageRoleAssistant, ev.Text, r.languageOr(ev.Language), ts, ev.AudioRef)
		r.pendingUser = false
		r.status = entities.ProcessingStatusIdle

		if !r.sentAt.IsZero() {
			metrics.ResponseLatency.Observe(r.now().Sub(r.sentAt).Seconds())
			r.sentAt = time.Time{}
		}
		if msg.HasAudio() {
			playRef, playID = msg.AudioRef, msg.ID
		}

	case websocket.AudioProcessed:
		if !r.accepting {
			r.ignore(event)
			break
		}
		// a transcription still waits for its answer
		if !r.pendingUser {
			r.status = entities.ProcessingStatusIdle
		}

	case websocket.ErrorReceived:
		if !r.accepting {
			r.ignore(event)
			break
		}
		r.logger.Warn("Server reported error",
			zap.String("message", ev.Message),
			zap.String("details", ev.Details))
		r.pendingUser = false
		r.status = entities.ProcessingStatusIdle

	case websocket.ProtocolError:
		// already logged by the channel

	default:
		r.logger.Warn("Ignoring unknown event", zap.String("type", event.EventType()))
	}
	r.mu.Unlock()

	r.signal()
	if playRef != "" && r.player != nil {
		r.player.RequestPlayback(playRef, playID)
	}
}

// MarkSent records that a chunk went out and a response is expected
func (r *Reducer) MarkSent() {
	r.mu.Lock()
	r.status = entities.ProcessingStatusAwaitingResponse
	r.sentAt = r.now()
	r.mu.Unlock()
	r.signal()
}

// SendFailed returns the status to idle after a chunk could not be sent
func (r *Reducer) SendFailed() {
	r.mu.Lock()
	r.status = entities.ProcessingStatusIdle
	r.sentAt = time.Time{}
	r.mu.Unlock()
	r.signal()
}

// SetPlaybackState updates the playback state of messageID. Marking a
// message Playing marks every other message Idle.
func (r *Reducer) SetPlaybackState(messageID string, state entities.PlaybackState) {
	r.mu.Lock()
	idx := -1
	for i := range r.messages {
		if r.messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		r.logger.Debug("Playback state for unknown message", zap.String("messageID", messageID))
		return
	}

	if state == entities.PlaybackPlaying {
		for i := range r.messages {
			r.messages[i].PlaybackState = entities.PlaybackIdle
		}
	}
	r.messages[idx].PlaybackState = state
	r.mu.Unlock()

	r.signal()
}

// Messages returns a copy of the log in append order
func (r *Reducer) Messages() []entities.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entities.Message(nil), r.messages...)
}

// Message returns the message with id
func (r *Reducer) Message(id string) (entities.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID == id {
			return m, true
		}
	}
	return entities.Message{}, false
}

// Status returns the processing status
func (r *Reducer) Status() entities.ProcessingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Snapshot returns a consistent copy of the whole state
func (r *Reducer) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Messages:         append([]entities.Message(nil), r.messages...),
		Status:           r.status,
		DetectedLanguage: r.detectedLanguage,
		Accepting:        r.accepting,
	}
}

func (r *Reducer) append(role entities.MessageRole, text, language string, ts time.Time, audioRef string) entities.Message {
	msg := entities.Message{
		ID:        entities.MessageID(role, len(r.messages)+1),
		Role:      role,
		Text:      text,
		Language:  language,
		Timestamp: ts,
		AudioRef:  audioRef,
	}
	r.messages = append(r.messages, msg)
	return msg
}

func (r *Reducer) languageOr(language string) string {
	if language != "" {
		return language
	}
	return r.detectedLanguage
}

func (r *Reducer) ignore(event websocket.Event) {
	r.logger.Debug("Ignoring event while channel is closed", zap.String("type", event.EventType()))
}

func (r *Reducer) signal() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}
