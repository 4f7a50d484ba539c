// Package devserver is a local stand-in for the voice backend. It speaks the
// session socket protocol, signs users in and serves synthesized answers.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/internal/auth"
)

// Account is a user the server accepts at sign-in
type Account struct {
	Username string
	Password string
	User     entities.User
}

// Config configures a Server
type Config struct {
	Secret   []byte
	Accounts []Account
	TokenTTL time.Duration

	// Silent disables synthesized audio in answers.
	Silent bool
}

// DefaultAccounts returns one account per role
func DefaultAccounts() []Account {
	return []Account{
		{Username: "admin", Password: "admin", User: entities.User{ID: "1", Email: "admin@example.com", Name: "admin", Role: entities.RoleAdministrator}},
		{Username: "manager", Password: "manager", User: entities.User{ID: "2", Email: "manager@example.com", Name: "manager", Role: entities.RoleManager}},
		{Username: "agent", Password: "agent", User: entities.User{ID: "3", Email: "agent@example.com", Name: "agent", Role: entities.RoleAgent}},
	}
}

// Server bundles the routes, the hub and the responder
type Server struct {
	cfg       Config
	echo      *echo.Echo
	hub       *Hub
	responder *Responder
	logger    *zap.Logger
}

// New creates a server. Call Run to start the hub before serving.
func New(cfg Config, logger *zap.Logger) *Server {
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = DefaultAccounts()
	}

	responder := NewResponder(logger)
	responder.Speak = !cfg.Silent

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURIPath: true,
		LogStatus:  true,
		LogMethod:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("Request",
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	s := &Server{
		cfg:       cfg,
		echo:      e,
		hub:       NewHub(responder, logger),
		responder: responder,
		logger:    logger,
	}
	s.initRoutes()
	return s
}

// Hub returns the session hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run runs the hub until ctx is done
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()
	s.logger.Info("Dev server started", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) initRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "voicechat-devserver",
		})
	})

	s.echo.POST("/api/signin", s.signIn)
	s.echo.GET("/audio/:name", s.audio)
	s.echo.GET("/ws/client/:session_id", s.websocketWithAuth)
}

func (s *Server) signIn(c echo.Context) error {
	var req SignInRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.UsernameOrEmail == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Username or email and password are required",
		})
	}

	var account *Account
	for i := range s.cfg.Accounts {
		a := &s.cfg.Accounts[i]
		if (strings.EqualFold(a.Username, req.UsernameOrEmail) || strings.EqualFold(a.User.Email, req.UsernameOrEmail)) && a.Password == req.Password {
			account = a
			break
		}
	}
	if account == nil {
		s.logger.Warn("Sign-in failed", zap.String("user", req.UsernameOrEmail))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid credentials",
		})
	}

	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = auth.DefaultTokenTTL
	}
	token, err := auth.GenerateToken(account.User, s.cfg.Secret, ttl)
	if err != nil {
		s.logger.Error("Failed to generate token", zap.String("userID", account.User.ID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	s.logger.Info("User signed in",
		zap.String("userID", account.User.ID),
		zap.String("role", string(account.User.Role)))

	return c.JSON(http.StatusOK, SignInResponse{
		Message: "Login successful",
		Token:   token,
		Role:    string(account.User.Role),
		Expiry:  time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

func (s *Server) audio(c echo.Context) error {
	data, ok := s.responder.Clip(c.Param("name"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Audio not found",
		})
	}
	return c.Blob(http.StatusOK, "audio/wav", data)
}

// websocketWithAuth rejects requests without a token before the upgrade.
// Tokens that fail validation or carry a role without voice chat access get
// an error frame on the upgraded socket, then the socket is closed.
func (s *Server) websocketWithAuth(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		s.logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in the token query parameter",
		})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	claims, err := auth.ValidateToken(token, s.cfg.Secret)
	if err != nil {
		s.logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		s.reject(conn, "Token validation failed", err.Error())
		return nil
	}
	user, err := claims.User()
	if err == nil {
		err = auth.Authorize(user.Role, auth.FeatureVoiceChat)
	}
	if err != nil {
		s.logger.Warn("WebSocket connection rejected: role not allowed",
			zap.String("role", claims.Role),
			zap.Error(err))
		s.reject(conn, "Access denied. Contact administration.", "Role not allowed for this WebSocket endpoint")
		return nil
	}

	sessionID := c.Param("session_id")
	s.logger.Info("WebSocket connection authenticated",
		zap.String("sessionID", sessionID),
		zap.String("userID", user.ID),
		zap.String("role", string(user.Role)))

	s.hub.serve(conn, sessionID, *user)
	return nil
}

func (s *Server) reject(conn *websocket.Conn, message, details string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, errorFrame(message, details))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
	conn.Close()
}

func errorFrame(message, details string) []byte {
	raw, _ := json.Marshal(details)
	frame, _ := json.Marshal(domain.Envelope{
		Type:         domain.MessageTypeError,
		Message:      message,
		ErrorDetails: raw,
	})
	return frame
}
