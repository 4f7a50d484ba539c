package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/voicechat/adapters/audioref"
	"github.com/satriahrh/voicechat/adapters/device"
	"github.com/satriahrh/voicechat/adapters/identity"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/capture"
	"github.com/satriahrh/voicechat/internal/config"
	"github.com/satriahrh/voicechat/internal/devserver"
	"github.com/satriahrh/voicechat/internal/websocket"
	"github.com/satriahrh/voicechat/usecase"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		envPath    = flag.String("env", ".env", "path to a .env file")
		micPath    = flag.String("mic", "", "WAV file used as the microphone")
		outDir     = flag.String("out", "", "directory receiving played clips")
		history    = flag.String("history", "", "write the conversation as JSON on exit")
		dev        = flag.Bool("dev", false, "run the bundled local backend")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}
	if *micPath != "" {
		cfg.Capture.MicPath = *micPath
	}
	if *outDir != "" {
		cfg.Playback.OutputDir = *outDir
	}
	if *dev {
		cfg.Dev.Enabled = true
		if cfg.Auth.JWTSecret == "" {
			cfg.Auth.JWTSecret = "dev-secret"
		}
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, *history, logger); err != nil {
		logger.Error("Voice client stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Voice client exited")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config, historyPath string, logger *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Dev.Enabled {
		cfg.Server.WSURL = "ws://" + cfg.Dev.Addr
		cfg.Server.HTTPURL = "http://" + cfg.Dev.Addr
		server := devserver.New(devserver.Config{Secret: []byte(cfg.Auth.JWTSecret)}, logger.Named("dev"))
		g.Go(func() error {
			return server.ListenAndServe(ctx, cfg.Dev.Addr)
		})
		if err := waitHealthy(ctx, cfg.Server.HTTPURL); err != nil {
			stop()
			return errors.Join(err, g.Wait())
		}
	}

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddr, logger)
		})
	}

	token, err := sessionToken(ctx, cfg, logger)
	if err != nil {
		stop()
		return errors.Join(err, g.Wait())
	}

	var mic repositories.Microphone
	if cfg.Capture.MicPath != "" {
		mic = device.NewWAVMicrophone(cfg.Capture.MicPath, true, logger)
	} else {
		logger.Warn("No microphone configured, recording is unavailable")
	}

	source, err := audioref.NewHTTPSource(audioref.HTTPSourceConfig{BaseURL: cfg.Server.HTTPURL}, logger)
	if err != nil {
		stop()
		return errors.Join(err, g.Wait())
	}

	channel := websocket.NewChannel(websocket.Config{
		URL:            cfg.Server.WSURL,
		Token:          token,
		ReconnectDelay: cfg.Server.ReconnectDelay,
		MaxRetries:     cfg.Server.MaxRetries,
	}, logger)
	recorder := capture.NewController(mic, capture.Config{
		Codecs:         cfg.Capture.Codecs,
		LevelThreshold: cfg.Capture.LevelThreshold,
		OnError: func(err error) {
			logger.Error("Microphone stopped", zap.Error(err))
		},
	}, logger)

	session := usecase.NewVoiceSession(channel, recorder, source, device.NewFileSpeaker(cfg.Playback.OutputDir, true, logger), usecase.VoiceSessionConfig{
		Token:    token,
		Language: cfg.Session.Language,
		Customer: entities.Customer{
			ID:   cfg.Session.Customer.ID,
			Name: cfg.Session.Customer.Name,
			Tier: cfg.Session.Customer.Tier,
		},
		AutoPlay:      cfg.Playback.AutoPlay,
		AutoPlayDelay: cfg.Playback.AutoPlayDelay,
		Volume:        cfg.Playback.Volume,
		HistoryPath:   historyPath,
	}, logger)

	if err := session.Start(ctx); err != nil {
		stop()
		return errors.Join(err, g.Wait())
	}

	g.Go(func() error {
		defer stop()
		return newConsole(session, os.Stdout).Run(ctx, os.Stdin)
	})

	<-ctx.Done()
	logger.Info("Voice client is shutting down...")
	closeErr := session.Close()

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, closeErr)
}

// sessionToken returns the configured token, or signs in to get one
func sessionToken(ctx context.Context, cfg *config.Config, logger *zap.Logger) (string, error) {
	if cfg.Auth.Token != "" {
		return cfg.Auth.Token, nil
	}

	username, password := cfg.Auth.Username, cfg.Auth.Password
	if username == "" && cfg.Dev.Enabled {
		username, password = "admin", "admin"
	}
	if username == "" {
		return "", errors.New("no session token: set SOUND360_TOKEN or SOUND360_USERNAME and SOUND360_PASSWORD")
	}

	login, err := identity.NewHTTPLogin(cfg.Server.HTTPURL, nil, logger)
	if err != nil {
		return "", err
	}
	id, err := login.Login(ctx, username, password)
	if err != nil {
		return "", fmt.Errorf("failed to sign in as %s: %w", username, err)
	}
	return id.Token, nil
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("Metrics server started", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// waitHealthy polls the backend health endpoint until it answers
func waitHealthy(ctx context.Context, baseURL string) error {
	endpoint := strings.TrimRight(baseURL, "/") + "/health"
	client := &http.Client{Timeout: time.Second}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("backend at %s did not become healthy: %w", baseURL, ctx.Err())
		case <-ticker.C:
		}
	}
}
