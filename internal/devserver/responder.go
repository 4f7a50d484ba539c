package devserver

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/capture"
	vws "github.com/satriahrh/voicechat/internal/websocket"
)

const (
	speechRate     = 16000
	speechPerRune  = 60 * time.Millisecond
	maxSpeech      = 3 * time.Second
	toneHz         = 440
	toneAmplitude  = 0.3
	defaultReplyTo = "en"

	// maxClips bounds the rendered answers kept for download; the oldest
	// are dropped first.
	maxClips = 64
)

var phrases = map[string]struct {
	long, medium, short string
	reply               string
}{
	"en": {
		long:   "Hello, I would like to check the status of my order.",
		medium: "Thank you for listening.",
		short:  "Hello!",
		reply:  "You said: %s",
	},
	"ar": {
		long:   "مرحبا، أود التحقق من حالة طلبي.",
		medium: "شكرا على الاستماع.",
		short:  "مرحبا!",
		reply:  "لقد قلت: %s",
	},
}

// Responder fakes the speech pipeline: it transcribes a chunk by its length,
// answers with an echo and renders the answer as a tone clip.
type Responder struct {
	logger *zap.Logger
	now    func() time.Time

	// Speak controls whether answers carry an audio reference
	Speak bool

	mu    sync.Mutex
	seq   int
	clips map[string][]byte
	order []string
}

// NewResponder creates a responder that speaks its answers
func NewResponder(logger *zap.Logger) *Responder {
	return &Responder{
		logger: logger,
		now:    time.Now,
		Speak:  true,
		clips:  make(map[string][]byte),
	}
}

// Respond returns the frames the server sends for one audio chunk:
// transcription_result, ai_response and audio_processed.
func (r *Responder) Respond(meta *domain.AudioChunkMessage, audio []byte) ([][]byte, error) {
	duration, err := chunkDuration(meta.AudioFormat, audio)
	if err != nil {
		return nil, err
	}

	language := meta.Language
	if language == "" || language == entities.LanguageAuto {
		language = defaultReplyTo
		if meta.CustomerInfo != nil && meta.CustomerInfo.PreferredLanguage != nil {
			language = *meta.CustomerInfo.PreferredLanguage
		}
	}
	set, ok := phrases[language]
	if !ok {
		language = defaultReplyTo
		set = phrases[language]
	}

	var text string
	switch {
	case duration > 3*time.Second:
		text = set.long
	case duration > time.Second:
		text = set.medium
	default:
		text = set.short
	}
	answer := fmt.Sprintf(set.reply, text)

	r.logger.Info("Processing speech",
		zap.Int("audioSize", len(audio)),
		zap.Duration("duration", duration),
		zap.String("language", language))

	var audioURL string
	if r.Speak {
		if audioURL, err = r.speak(answer); err != nil {
			return nil, err
		}
	}

	transcription, err := vws.CreateFrame(domain.MessageTypeTranscriptionResult, domain.TranscriptionMessage{
		Transcription:    text,
		DetectedLanguage: language,
	})
	if err != nil {
		return nil, err
	}
	response, err := vws.CreateFrame(domain.MessageTypeAIResponse, domain.AIResponseMessage{
		Message:          answer,
		Timestamp:        r.now().UTC().Format(time.RFC3339Nano),
		AudioURL:         audioURL,
		UserMessage:      text,
		DetectedLanguage: language,
		ResponseLanguage: language,
	})
	if err != nil {
		return nil, err
	}
	processed, err := vws.CreateFrame(domain.MessageTypeAudioProcessed, map[string]string{"status": "ok"})
	if err != nil {
		return nil, err
	}

	return [][]byte{transcription, response, processed}, nil
}

// Clip returns a rendered answer by file name
func (r *Responder) Clip(name string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.clips[name]
	return data, ok
}

func (r *Responder) speak(text string) (string, error) {
	length := time.Duration(len([]rune(text))) * speechPerRune
	if length > maxSpeech {
		length = maxSpeech
	}

	enc, err := capture.NewEncoder(repositories.AudioFormat{SampleRate: speechRate, Channels: 1}, []string{capture.CodecWAV}, r.logger)
	if err != nil {
		return "", err
	}
	if err := enc.Write(Tone(speechRate, toneHz, length)); err != nil {
		return "", fmt.Errorf("failed to render speech: %w", err)
	}
	data, err := enc.Finish()
	if err != nil {
		return "", fmt.Errorf("failed to render speech: %w", err)
	}

	r.mu.Lock()
	r.seq++
	name := fmt.Sprintf("reply_%06d.wav", r.seq)
	r.clips[name] = data
	r.order = append(r.order, name)
	if len(r.order) > maxClips {
		evicted := r.order[0]
		r.order = r.order[1:]
		delete(r.clips, evicted)
		r.logger.Debug("Evicted answer clip", zap.String("name", evicted))
	}
	r.mu.Unlock()

	return "/audio/" + name, nil
}

func chunkDuration(format string, audio []byte) (time.Duration, error) {
	switch format {
	case capture.CodecOpus:
		return capture.OpusDuration(audio)
	case capture.CodecWAV:
		return capture.WAVDuration(audio)
	default:
		return 0, fmt.Errorf("unsupported audio format %q", format)
	}
}

// Tone renders a mono sine wave of the given length
func Tone(rate, hz int, length time.Duration) []int16 {
	n := int(int64(rate) * int64(length) / int64(time.Second))
	out := make([]int16, n)
	for i := range out {
		v := toneAmplitude * math.Sin(2*math.Pi*float64(hz)*float64(i)/float64(rate))
		out[i] = int16(v * math.MaxInt16)
	}
	return out
}
