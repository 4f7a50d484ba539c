package device

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain/repositories"
)

// FileSpeaker "plays" clips by writing them under a directory and holding
// for the clip duration.
type FileSpeaker struct {
	dir    string
	paced  bool
	logger *zap.Logger

	mu  sync.Mutex
	seq int
}

// Ensure FileSpeaker implements the OutputDevice interface
var _ repositories.OutputDevice = (*FileSpeaker)(nil)

// NewFileSpeaker creates a speaker writing to dir. When paced is set, Play
// blocks for the clip duration.
func NewFileSpeaker(dir string, paced bool, logger *zap.Logger) *FileSpeaker {
	return &FileSpeaker{dir: dir, paced: paced, logger: logger}
}

// Play writes clip scaled by volume and blocks until its duration elapsed or
// ctx is done.
func (s *FileSpeaker) Play(ctx context.Context, clip *repositories.Clip, volume float64) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	name := s.fileName(clip)
	target := filepath.Join(s.dir, name)

	var err error
	if clip.MimeType == "audio/wav" {
		err = writeScaledWAV(target, clip.Data, volume)
	} else {
		err = os.WriteFile(target, clip.Data, 0o644)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	s.logger.Info("Playing clip",
		zap.String("file", target),
		zap.Float64("volume", volume),
		zap.Duration("duration", clip.Duration))

	if !s.paced || clip.Duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(clip.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *FileSpeaker) fileName(clip *repositories.Clip) string {
	s.mu.Lock()
	s.seq++
	n := s.seq
	s.mu.Unlock()

	base := path.Base(strings.SplitN(clip.Ref, "?", 2)[0])
	if base == "." || base == "/" || base == "" {
		base = "clip"
	}
	return fmt.Sprintf("%04d_%s", n, base)
}

// writeScaledWAV re-encodes a WAV payload with every sample multiplied by volume
func writeScaledWAV(target string, data []byte, volume float64) error {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return fmt.Errorf("wav: invalid file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("wav: decode: %w", err)
	}
	scale(buf, volume, int(dec.BitDepth))

	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, buf.Format.SampleRate, int(dec.BitDepth), buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wav: encode: %w", err)
	}
	return enc.Close()
}

func scale(buf *audio.IntBuffer, volume float64, bitDepth int) {
	if volume >= 1 {
		return
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	limit := float64(int(1)<<(bitDepth-1)) - 1
	for i, v := range buf.Data {
		scaled := math.Round(float64(v) * volume)
		buf.Data[i] = int(math.Max(-limit-1, math.Min(limit, scaled)))
	}
}
