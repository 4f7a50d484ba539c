// Package config loads the voice client configuration. Values are layered:
// built-in defaults, then an optional YAML file, then a .env file, then the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/satriahrh/voicechat/internal/capture"
)

// Languages the backend understands as a hint
var Languages = []string{"auto", "en", "ar"}

// LogLevels accepted by log_level
var LogLevels = []string{"debug", "info", "warn", "error"}

// Config is the full client configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Auth     AuthConfig     `yaml:"auth"`
	Dev      DevConfig      `yaml:"dev"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// ServerConfig locates the voice backend
type ServerConfig struct {
	WSURL          string        `yaml:"ws_url"`
	HTTPURL        string        `yaml:"http_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxRetries     int           `yaml:"max_retries"`
}

// SessionConfig holds the per-session metadata sent with every chunk
type SessionConfig struct {
	Language string         `yaml:"language"`
	Customer CustomerConfig `yaml:"customer"`
}

// CustomerConfig is the customer_info block
type CustomerConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Tier string `yaml:"tier"`
}

// CaptureConfig configures the microphone side
type CaptureConfig struct {
	Codecs         []string `yaml:"codecs"`
	MicPath        string   `yaml:"mic_path"`
	LevelThreshold float64  `yaml:"level_threshold"`
}

// PlaybackConfig configures the speaker side
type PlaybackConfig struct {
	Volume        float64       `yaml:"volume"`
	AutoPlay      bool          `yaml:"auto_play"`
	AutoPlayDelay time.Duration `yaml:"auto_play_delay"`
	OutputDir     string        `yaml:"output_dir"`
}

// AuthConfig carries credentials. Token wins over Username/Password.
type AuthConfig struct {
	Token     string `yaml:"token"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	JWTSecret string `yaml:"jwt_secret"`
}

// DevConfig runs the bundled local backend in-process
type DevConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:          "ws://localhost:8000",
			HTTPURL:        "http://localhost:8000",
			ReconnectDelay: 3 * time.Second,
		},
		Session: SessionConfig{
			Language: "auto",
			Customer: CustomerConfig{
				ID:   "demo_customer",
				Name: "Demo User",
				Tier: "premium",
			},
		},
		Capture: CaptureConfig{
			Codecs:         append([]string(nil), capture.DefaultCodecs...),
			LevelThreshold: 0.01,
		},
		Playback: PlaybackConfig{
			Volume:        0.8,
			AutoPlay:      true,
			AutoPlayDelay: 500 * time.Millisecond,
			OutputDir:     "playback",
		},
		Dev: DevConfig{
			Addr: "127.0.0.1:8000",
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from the YAML file at path and the .env file
// at envFile, then the environment. Either path may be empty. A missing
// envFile is ignored.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %q: %w", envFile, err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with the SOUND360_* variables and LOG_LEVEL
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SOUND360_WS_URL", &cfg.Server.WSURL)
	str("SOUND360_HTTP_URL", &cfg.Server.HTTPURL)
	str("SOUND360_TOKEN", &cfg.Auth.Token)
	str("SOUND360_USERNAME", &cfg.Auth.Username)
	str("SOUND360_PASSWORD", &cfg.Auth.Password)
	str("SOUND360_JWT_SECRET", &cfg.Auth.JWTSecret)
	str("SOUND360_LANGUAGE", &cfg.Session.Language)
	str("SOUND360_MIC", &cfg.Capture.MicPath)
	str("SOUND360_OUTPUT_DIR", &cfg.Playback.OutputDir)
	str("SOUND360_METRICS_ADDR", &cfg.MetricsAddr)
	str("LOG_LEVEL", &cfg.LogLevel)

	if v, ok := lookup("SOUND360_RECONNECT_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SOUND360_RECONNECT_DELAY %q: %w", v, err))
		} else {
			cfg.Server.ReconnectDelay = d
		}
	}
	if v, ok := lookup("SOUND360_VOLUME"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SOUND360_VOLUME %q: %w", v, err))
		} else {
			cfg.Playback.Volume = f
		}
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := checkURL(cfg.Server.WSURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("server.ws_url: %w", err))
	}
	if cfg.Server.HTTPURL != "" {
		if err := checkURL(cfg.Server.HTTPURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("server.http_url: %w", err))
		}
	}
	if cfg.Server.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("server.reconnect_delay must be positive, got %s", cfg.Server.ReconnectDelay))
	}
	if cfg.Server.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("server.max_retries must not be negative, got %d", cfg.Server.MaxRetries))
	}

	if !slices.Contains(Languages, cfg.Session.Language) {
		errs = append(errs, fmt.Errorf("session.language %q is invalid; valid values: auto, en, ar", cfg.Session.Language))
	}

	if len(cfg.Capture.Codecs) == 0 {
		errs = append(errs, errors.New("capture.codecs must list at least one codec"))
	}
	for i, codec := range cfg.Capture.Codecs {
		if codec != capture.CodecOpus && codec != capture.CodecWAV {
			errs = append(errs, fmt.Errorf("capture.codecs[%d] %q is invalid; valid values: opus, wav", i, codec))
		}
	}
	if cfg.Capture.LevelThreshold < 0 || cfg.Capture.LevelThreshold > 1 {
		errs = append(errs, fmt.Errorf("capture.level_threshold %.3f is out of range [0, 1]", cfg.Capture.LevelThreshold))
	}

	if cfg.Playback.Volume < 0 || cfg.Playback.Volume > 1 {
		errs = append(errs, fmt.Errorf("playback.volume %.2f is out of range [0, 1]", cfg.Playback.Volume))
	}
	if cfg.Playback.AutoPlayDelay < 0 {
		errs = append(errs, fmt.Errorf("playback.auto_play_delay must not be negative, got %s", cfg.Playback.AutoPlayDelay))
	}

	if cfg.Dev.Enabled && cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when dev.enabled is set"))
	}

	if !slices.Contains(LogLevels, cfg.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%q must be an absolute %s url", raw, schemes[0])
	}
	return nil
}
