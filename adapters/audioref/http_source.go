package audioref

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/capture"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 16 << 20
)

// HTTPSourceConfig holds configuration for the HTTPSource adapter
// Optional fields with defaults:
// - BaseURL: resolves relative references such as /audio/x.wav (default: none, only absolute refs load)
// - Timeout: per request timeout (default: 30s)
// - MaxBytes: largest accepted clip (default: 16MiB)
type HTTPSourceConfig struct {
	BaseURL  string
	Timeout  time.Duration
	MaxBytes int64
	Client   *http.Client
}

// HTTPSource loads assistant audio references over HTTP
type HTTPSource struct {
	base     *url.URL
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
}

// Ensure HTTPSource implements the AudioSource interface
var _ repositories.AudioSource = (*HTTPSource)(nil)

// NewHTTPSource creates a new HTTP audio source
func NewHTTPSource(config HTTPSourceConfig, logger *zap.Logger) (*HTTPSource, error) {
	s := &HTTPSource{
		client:   config.Client,
		maxBytes: config.MaxBytes,
		logger:   logger,
	}

	if config.BaseURL != "" {
		base, err := url.Parse(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url %q: %w", config.BaseURL, err)
		}
		if base.Scheme != "http" && base.Scheme != "https" {
			return nil, fmt.Errorf("base url %q must be http or https", config.BaseURL)
		}
		s.base = base
	}

	if s.client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		s.client = &http.Client{Timeout: timeout}
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxBytes
	}
	return s, nil
}

// Load fetches ref. Every failure wraps domain.ErrLoad.
func (s *HTTPSource) Load(ctx context.Context, ref string) (*repositories.Clip, error) {
	target, err := s.resolve(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLoad, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", domain.ErrLoad, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch %s: %v", domain.ErrLoad, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s returned status %d", domain.ErrLoad, target, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", domain.ErrLoad, target, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", domain.ErrLoad, target)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", domain.ErrLoad, target, s.maxBytes)
	}

	clip := &repositories.Clip{
		Ref:      ref,
		Data:     data,
		MimeType: mimeType(resp.Header.Get("Content-Type"), target),
	}
	switch clip.MimeType {
	case "audio/wav":
		if clip.Duration, err = capture.WAVDuration(data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrLoad, target, err)
		}
	case "audio/ogg":
		// ogg may carry vorbis, whose length stays unknown
		if d, err := capture.OpusDuration(data); err == nil {
			clip.Duration = d
		}
	}

	s.logger.Debug("Loaded audio",
		zap.String("ref", ref),
		zap.Int("size", len(data)),
		zap.String("mimeType", clip.MimeType),
		zap.Duration("duration", clip.Duration))
	return clip, nil
}

func (s *HTTPSource) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid audio reference %q: %w", ref, err)
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("unsupported audio reference scheme %q", u.Scheme)
		}
		return u.String(), nil
	}
	if s.base == nil {
		return "", fmt.Errorf("relative audio reference %q without base url", ref)
	}
	return s.base.ResolveReference(u).String(), nil
}

func mimeType(contentType, target string) string {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	switch strings.TrimSpace(strings.ToLower(contentType)) {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return "audio/wav"
	case "audio/mpeg", "audio/mp3":
		return "audio/mpeg"
	case "audio/ogg", "audio/opus":
		return "audio/ogg"
	}

	u, err := url.Parse(target)
	if err != nil {
		return "application/octet-stream"
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg", ".opus":
		return "audio/ogg"
	}
	return "application/octet-stream"
}
