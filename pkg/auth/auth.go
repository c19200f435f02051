// Package auth issues and verifies credentials: bcrypt-hashed passwords,
// HS256 JWTs backed by server-side session rows, and API keys.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
)

// Errors surfaced to the API layer.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Claims is the JWT payload. The session id ties the token to a revocable
// server-side row: logout kills the token before its expiry.
type Claims struct {
	Username  string      `json:"username"`
	Role      models.Role `json:"role"`
	SessionID string      `json:"sid"`
	jwt.RegisteredClaims
}

// Service performs authentication against the user store.
type Service struct {
	users  *services.UserService
	secret []byte
	cfg    config.AuthConfig
}

// NewService creates the auth service. Without a configured JWT secret an
// ephemeral one is generated (tokens die with the process); config
// validation forbids that in production.
func NewService(users *services.UserService, cfg config.AuthConfig) *Service {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
		slog.Warn("JWT_SECRET not set; using ephemeral signing key (sessions reset on restart)")
	}
	return &Service{users: users, secret: secret, cfg: cfg}
}

// BootstrapAdmin ensures the default admin account exists when a bootstrap
// password is configured.
func (s *Service) BootstrapAdmin(ctx context.Context) error {
	if s.cfg.AdminPassword == "" {
		return nil
	}
	_, err := s.users.GetByUsername(ctx, "admin")
	if err == nil {
		return nil
	}
	if !errors.Is(err, services.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	if _, err := s.users.Create(ctx, "admin", string(hash), models.RoleAdmin); err != nil {
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	slog.Info("Bootstrap admin account created", "username", "admin")
	return nil
}

// Login verifies credentials, opens a session and returns a signed token.
func (s *Service) Login(ctx context.Context, username, password, ip string) (string, *models.User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			// Burn comparable time so missing users aren't probeable.
			_ = bcrypt.CompareHashAndPassword(
				[]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0a6NQe1/3YyyyyyyyyyyyyyyyyW"), []byte(password))
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}

	sessionID := randomToken()
	now := time.Now().UTC()
	sess := &models.Session{
		Token:     sessionID,
		UserID:    user.ID,
		IP:        ip,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.users.CreateSession(ctx, sess); err != nil {
		return "", nil, err
	}

	claims := &Claims{
		Username:  user.Username,
		Role:      user.Role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return token, user, nil
}

// Logout revokes the token's backing session.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return ErrInvalidToken
	}
	return s.users.DeleteSession(ctx, claims.SessionID)
}

// Verify checks the signature, expiry and the backing session, returning the
// claims.
func (s *Service) Verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if _, err := s.users.GetSession(ctx, claims.SessionID); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyToken adapts Verify for the stream hub.
func (s *Service) VerifyToken(ctx context.Context, token string) (string, models.Role, error) {
	claims, err := s.Verify(ctx, token)
	if err != nil {
		return "", "", err
	}
	return claims.Username, claims.Role, nil
}

// CreateAPIKey generates and stores a key. The plaintext secret is returned
// exactly once; only metadata is listable afterwards.
func (s *Service) CreateAPIKey(ctx context.Context, name string) (*models.APIKey, error) {
	return s.users.CreateAPIKey(ctx, randomToken(), name)
}

// VerifyAPIKey checks an API key against the store and stamps its usage.
func (s *Service) VerifyAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	k, err := s.users.LookupAPIKey(ctx, key)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return k, nil
}

func (s *Service) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func randomToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
