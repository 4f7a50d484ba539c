package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/metrics"
)

const defaultLevelThreshold = 0.01

// State is the recording state of a Controller
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "idle"
}

// Config configures a Controller
type Config struct {
	// Codecs is the codec preference order. Defaults to opus then wav.
	Codecs []string

	// LevelThreshold is the input level above which frames are logged.
	LevelThreshold float64

	// OnError is called when an active recording is interrupted by the
	// device. The device is already released when it runs.
	OnError func(error)
}

type recording struct {
	input   repositories.AudioInput
	encoder Encoder
	format  repositories.AudioFormat
	started time.Time

	stop chan struct{}
	done chan struct{}

	samples int
}

// Controller owns the microphone for the duration of a recording and turns
// it into exactly one AudioChunk per StartRecording/StopRecording pair.
type Controller struct {
	mic    repositories.Microphone
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	rec   *recording
	level float64
}

// NewController creates a controller for mic. A nil mic means the platform
// has no capture API.
func NewController(mic repositories.Microphone, cfg Config, logger *zap.Logger) *Controller {
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = DefaultCodecs
	}
	if cfg.LevelThreshold <= 0 {
		cfg.LevelThreshold = defaultLevelThreshold
	}
	return &Controller{
		mic:    mic,
		cfg:    cfg,
		logger: logger,
	}
}

// State returns the current recording state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec != nil {
		return StateRecording
	}
	return StateIdle
}

// Level returns the mean absolute amplitude of the last captured frame in [0, 1]
func (c *Controller) Level() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// RequestAccess acquires a live input handle
func (c *Controller) RequestAccess(ctx context.Context) (repositories.AudioInput, error) {
	if c.mic == nil {
		metrics.CaptureErrors.WithLabelValues("unsupported").Inc()
		return nil, domain.ErrUnsupportedPlatform
	}

	input, err := c.mic.Open(ctx)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnsupportedPlatform):
			metrics.CaptureErrors.WithLabelValues("unsupported").Inc()
			return nil, err
		case errors.Is(err, domain.ErrPermissionDenied):
			metrics.CaptureErrors.WithLabelValues("permission").Inc()
			return nil, err
		default:
			metrics.CaptureErrors.WithLabelValues("permission").Inc()
			return nil, fmt.Errorf("%w: %w", domain.ErrPermissionDenied, err)
		}
	}
	return input, nil
}

// StartRecording begins encoding input with the best supported codec. The
// controller owns input from here on and closes it on every exit path. When
// it fails with domain.ErrInvalidState the input stays with the caller.
func (c *Controller) StartRecording(input repositories.AudioInput) error {
	if input == nil {
		return fmt.Errorf("start recording: nil input: %w", domain.ErrInvalidState)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec != nil {
		return fmt.Errorf("start recording: already recording: %w", domain.ErrInvalidState)
	}

	format := input.Format()
	encoder, err := NewEncoder(format, c.cfg.Codecs, c.logger)
	if err != nil {
		input.Close()
		return err
	}

	rec := &recording{
		input:   input,
		encoder: encoder,
		format:  format,
		started: time.Now(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.rec = rec
	c.level = 0
	go c.pump(rec)

	c.logger.Info("Recording started",
		zap.String("codec", encoder.Format()),
		zap.Int("sampleRate", format.SampleRate),
		zap.Int("channels", format.Channels))
	return nil
}

// StopRecording finalizes the recording, releases the device and returns
// the encoded chunk. Stopping right after start yields a short chunk.
func (c *Controller) StopRecording() (*entities.AudioChunk, error) {
	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	c.mu.Unlock()

	if rec == nil {
		return nil, fmt.Errorf("stop recording: not recording: %w", domain.ErrInvalidState)
	}

	close(rec.stop)
	<-rec.done
	if err := rec.input.Close(); err != nil {
		c.logger.Warn("Failed to release microphone", zap.Error(err))
	}

	data, err := rec.encoder.Finish()
	if err != nil {
		metrics.CaptureErrors.WithLabelValues("encode").Inc()
		return nil, fmt.Errorf("failed to finalize recording: %w", err)
	}

	chunk := &entities.AudioChunk{
		Data:       data,
		MimeType:   rec.encoder.MimeType(),
		Format:     rec.encoder.Format(),
		SampleRate: rec.format.SampleRate,
		Duration:   samplesDuration(rec.samples, rec.format),
		CapturedAt: rec.started,
	}

	c.logger.Info("Recording stopped",
		zap.Int("bytes", len(chunk.Data)),
		zap.Duration("duration", chunk.Duration),
		zap.String("mimeType", chunk.MimeType))
	return chunk, nil
}

// Close discards an active recording and releases the device
func (c *Controller) Close() error {
	if c.State() != StateRecording {
		return nil
	}
	_, err := c.StopRecording()
	if errors.Is(err, domain.ErrInvalidState) {
		return nil
	}
	return err
}

// pump moves frames from the device into the encoder until stopped
func (c *Controller) pump(rec *recording) {
	defer close(rec.done)

	frames := rec.input.Frames()
	for {
		select {
		case <-rec.stop:
			return

		case frame, ok := <-frames:
			if !ok {
				if err := rec.input.Err(); err != nil {
					c.fail(rec, err)
				}
				return
			}

			if err := rec.encoder.Write(frame); err != nil {
				c.fail(rec, err)
				return
			}
			rec.samples += len(frame)
			c.meter(frame)
		}
	}
}

// fail ends rec after a device or encoder error. It runs on the pump
// goroutine, so StopRecording cannot be waiting on rec.done for it.
func (c *Controller) fail(rec *recording, err error) {
	c.mu.Lock()
	if c.rec != rec {
		c.mu.Unlock()
		return
	}
	c.rec = nil
	c.mu.Unlock()

	rec.input.Close()
	metrics.CaptureErrors.WithLabelValues("device").Inc()
	c.logger.Error("Recording interrupted", zap.Error(err))

	if c.cfg.OnError != nil {
		c.cfg.OnError(fmt.Errorf("recording interrupted: %w", err))
	}
}

func (c *Controller) meter(frame []int16) {
	level := Level(frame)

	c.mu.Lock()
	c.level = level
	c.mu.Unlock()

	if level > c.cfg.LevelThreshold {
		c.logger.Debug("Audio level", zap.Float64("level", level))
	}
}

// Level is the mean absolute amplitude of frame scaled to [0, 1]
func Level(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float64(len(frame)) / 32768
}

func samplesDuration(samples int, format repositories.AudioFormat) time.Duration {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return 0
	}
	frames := samples / format.Channels
	return time.Duration(frames) * time.Second / time.Duration(format.SampleRate)
}
