package capture

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/repositories"
)

const (
	CodecOpus = "opus"
	CodecWAV  = "wav"
)

// DefaultCodecs is the preference order used when none is configured
var DefaultCodecs = []string{CodecOpus, CodecWAV}

// Encoder turns PCM frames into one encoded recording
type Encoder interface {
	Write(pcm []int16) error
	Finish() ([]byte, error)
	MimeType() string
	Format() string
}

// NewEncoder picks the first codec in preferred that supports format
func NewEncoder(format repositories.AudioFormat, preferred []string, logger *zap.Logger) (Encoder, error) {
	if len(preferred) == 0 {
		preferred = DefaultCodecs
	}

	for _, codec := range preferred {
		switch codec {
		case CodecOpus:
			enc, err := newOpusEncoder(format)
			if err != nil {
				logger.Debug("Opus unavailable for input, trying next codec",
					zap.Int("sampleRate", format.SampleRate),
					zap.Int("channels", format.Channels),
					zap.Error(err))
				continue
			}
			return enc, nil
		case CodecWAV:
			enc, err := newWAVEncoder(format)
			if err != nil {
				logger.Debug("WAV unavailable for input, trying next codec", zap.Error(err))
				continue
			}
			return enc, nil
		default:
			logger.Warn("Ignoring unknown codec", zap.String("codec", codec))
		}
	}

	return nil, fmt.Errorf("no codec for %d Hz x%d: %w", format.SampleRate, format.Channels, domain.ErrUnsupportedPlatform)
}
