package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/password"
	"camrelay/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type AuthService interface {
	Register(ctx context.Context, username, plain string) (*domain.User, error)
	Login(ctx context.Context, username, plain, remoteIP string) (*TokenPair, *domain.User, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	// EnsureUser creates username with an already hashed password unless it
	// exists. Used for bootstrap accounts from config.
	EnsureUser(ctx context.Context, username, passwordHash string) error
	GenerateToken(userID domain.UserID, username string) (string, error)
	GenerateRefreshToken(userID domain.UserID, username string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
	GetUserFromContext(ctx context.Context) (domain.UserID, error)
}

type Claims struct {
	UserID    domain.UserID `json:"user_id"`
	Username  string        `json:"username"`
	TokenType string        `json:"typ"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type authService struct {
	users           ports.UserRepository
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	logger          *zap.SugaredLogger
}

func NewAuthService(
	users ports.UserRepository,
	jwtSecret string,
	accessTokenTTL time.Duration,
	refreshTokenTTL time.Duration,
	logger *zap.SugaredLogger,
) AuthService {
	return &authService{
		users:           users,
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		logger:          logger,
	}
}

func (s *authService) Register(ctx context.Context, username, plain string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if err := validation.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := validation.ValidatePassword(plain); err != nil {
		return nil, err
	}

	hash, err := password.Hash(plain)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:           domain.UserID(uuid.New().String()),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Infow("User registered", "user_id", user.ID, "username", username)
	return user, nil
}

func (s *authService) Login(ctx context.Context, username, plain, remoteIP string) (*TokenPair, *domain.User, error) {
	username = strings.TrimSpace(username)
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if err := password.Verify(user.PasswordHash, plain); err != nil {
		if !errors.Is(err, password.ErrMismatch) {
			s.logger.Warnw("Stored password hash unusable", "user_id", user.ID, "error", err)
		}
		return nil, nil, ErrInvalidCredentials
	}

	pair, tokenID, err := s.issue(user.ID, user.Username)
	if err != nil {
		return nil, nil, err
	}

	record := domain.LoginRecord{
		UserID:    user.ID,
		Username:  user.Username,
		RemoteIP:  remoteIP,
		TokenID:   tokenID,
		CreatedAt: time.Now(),
	}
	if err := s.users.RecordLogin(ctx, record); err != nil {
		// the login itself succeeded
		s.logger.Warnw("Failed to record login", "user_id", user.ID, "error", err)
	}

	s.logger.Infow("User logged in", "user_id", user.ID, "remote_ip", remoteIP)
	return pair, user, nil
}

func (s *authService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.GetByID(ctx, claims.UserID); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	pair, _, err := s.issue(claims.UserID, claims.Username)
	return pair, err
}

func (s *authService) EnsureUser(ctx context.Context, username, passwordHash string) error {
	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return err
	}

	user := &domain.User{
		ID:           domain.UserID(uuid.New().String()),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	if err := s.users.Create(ctx, user); err != nil && !errors.Is(err, domain.ErrUserExists) {
		return err
	}
	return nil
}

func (s *authService) issue(userID domain.UserID, username string) (*TokenPair, string, error) {
	tokenID := uuid.New().String()
	access, err := s.sign(userID, username, tokenTypeAccess, tokenID, s.accessTokenTTL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	refresh, err := s.sign(userID, username, tokenTypeRefresh, uuid.New().String(), s.refreshTokenTTL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTokenTTL / time.Second),
	}, tokenID, nil
}

func (s *authService) GenerateToken(userID domain.UserID, username string) (string, error) {
	return s.sign(userID, username, tokenTypeAccess, uuid.New().String(), s.accessTokenTTL)
}

func (s *authService) GenerateRefreshToken(userID domain.UserID, username string) (string, error) {
	return s.sign(userID, username, tokenTypeRefresh, uuid.New().String(), s.refreshTokenTTL)
}

func (s *authService) sign(userID domain.UserID, username, tokenType, tokenID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:    userID,
		Username:  username,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	return s.validate(tokenString, tokenTypeAccess)
}

func (s *authService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.validate(tokenString, tokenTypeRefresh)
}

func (s *authService) validate(tokenString, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) GetUserFromContext(ctx context.Context) (domain.UserID, error) {
	userID, ok := ctx.Value(UserIDContextKey).(domain.UserID)
	if !ok {
		return "", ErrUnauthorized
	}
	return userID, nil
}

type contextKey string

// UserIDContextKey carries the authenticated user on request contexts.
const UserIDContextKey contextKey = "user_id"
