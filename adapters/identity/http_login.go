package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/auth"
)

const (
	signInPath     = "/api/signin"
	defaultTimeout = 15 * time.Second
)

// ErrInvalidCredentials is returned when the backend refuses the credentials
var ErrInvalidCredentials = errors.New("invalid credentials")

type signInRequest struct {
	UsernameOrEmail string `json:"username_or_email"`
	Password        string `json:"password"`
}

type signInResponse struct {
	Message string `json:"message"`
	Token   string `json:"token"`
	Role    string `json:"role"`
	Expiry  string `json:"expiry"`
}

// HTTPLogin signs users in against the dashboard backend
type HTTPLogin struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// Ensure HTTPLogin implements the IdentityProvider interface
var _ repositories.IdentityProvider = (*HTTPLogin)(nil)

// NewHTTPLogin creates a login adapter for the backend at baseURL
func NewHTTPLogin(baseURL string, client *http.Client, logger *zap.Logger) (*HTTPLogin, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &HTTPLogin{
		endpoint: strings.TrimRight(base.String(), "/") + signInPath,
		client:   client,
		logger:   logger,
	}, nil
}

// Login exchanges credentials for a session token and the user it belongs to
func (l *HTTPLogin) Login(ctx context.Context, email, password string) (*repositories.Identity, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, fmt.Errorf("%w: username or email and password are required", ErrInvalidCredentials)
	}

	body, err := json.Marshal(signInRequest{UsernameOrEmail: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		l.logger.Warn("Sign-in refused", zap.String("user", email), zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrInvalidCredentials, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sign-in failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out signInResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode sign-in response: %w", err)
	}
	if out.Token == "" {
		return nil, errors.New("sign-in response without token")
	}

	claims, err := auth.ParseUnverified(out.Token)
	if err != nil {
		return nil, fmt.Errorf("unusable session token: %w", err)
	}

	roleName := out.Role
	if roleName == "" {
		roleName = claims.Role
	}
	role, err := entities.ParseRole(roleName)
	if err != nil {
		return nil, err
	}

	user := entities.User{
		ID:   string(claims.UserID),
		Name: claims.Username,
		Role: role,
	}
	if strings.Contains(email, "@") {
		user.Email = email
	}
	if user.Name == "" {
		user.Name = email
	}

	l.logger.Info("Signed in",
		zap.String("userID", user.ID),
		zap.String("role", string(user.Role)),
		zap.String("expiry", out.Expiry))

	return &repositories.Identity{User: user, Token: out.Token}, nil
}
