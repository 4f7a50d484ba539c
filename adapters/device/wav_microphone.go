package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/capture"
)

const defaultFrame = 20 * time.Millisecond

// WAVMicrophone replays a WAV file as if it were a live input device
type WAVMicrophone struct {
	path   string
	frame  time.Duration
	paced  bool
	logger *zap.Logger
}

// Ensure WAVMicrophone implements the Microphone interface
var _ repositories.Microphone = (*WAVMicrophone)(nil)

// NewWAVMicrophone creates a microphone reading path. When paced is set,
// frames are released in real time.
func NewWAVMicrophone(path string, paced bool, logger *zap.Logger) *WAVMicrophone {
	return &WAVMicrophone{
		path:   path,
		frame:  defaultFrame,
		paced:  paced,
		logger: logger,
	}
}

// Open reads the file and starts streaming it. A missing or unreadable file
// maps to domain.ErrPermissionDenied.
func (m *WAVMicrophone) Open(ctx context.Context) (repositories.AudioInput, error) {
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
		return nil, err
	}
	defer f.Close()

	pcm, format, err := capture.ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", m.path, err)
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("%s: invalid format %+v", m.path, format)
	}

	size := int(int64(format.SampleRate)*int64(m.frame)/int64(time.Second)) * format.Channels
	if size <= 0 {
		return nil, fmt.Errorf("%s: %d Hz is too low for %s frames", m.path, format.SampleRate, m.frame)
	}
	in := &wavInput{
		format: format,
		frames: make(chan []int16, 16),
		quit:   make(chan struct{}),
	}

	m.logger.Info("Microphone opened",
		zap.String("path", m.path),
		zap.Int("sampleRate", format.SampleRate),
		zap.Int("channels", format.Channels),
		zap.Int("samples", len(pcm)))

	go in.stream(pcm, size, m.frame, m.paced)
	return in, nil
}

type wavInput struct {
	format repositories.AudioFormat
	frames chan []int16
	quit   chan struct{}
	once   sync.Once
}

func (in *wavInput) Format() repositories.AudioFormat { return in.format }
func (in *wavInput) Frames() <-chan []int16           { return in.frames }
func (in *wavInput) Err() error                       { return nil }

func (in *wavInput) Close() error {
	in.once.Do(func() {
		close(in.quit)
	})
	return nil
}

func (in *wavInput) stream(pcm []int16, size int, every time.Duration, paced bool) {
	defer close(in.frames)

	var tick <-chan time.Time
	if paced {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		tick = ticker.C
	}

	for start := 0; start < len(pcm); start += size {
		end := start + size
		if end > len(pcm) {
			end = len(pcm)
		}

		if tick != nil {
			select {
			case <-tick:
			case <-in.quit:
				return
			}
		}
		select {
		case in.frames <- pcm[start:end]:
		case <-in.quit:
			return
		}
	}
}
