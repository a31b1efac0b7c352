package services

import (
	"context"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/pkg/password"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) Create(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepository) RecordLogin(ctx context.Context, record domain.LoginRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func newTestAuthService(users *MockUserRepository) AuthService {
	return NewAuthService(users, "test-secret", 15*time.Minute, 24*time.Hour, zap.NewNop().Sugar())
}

func testUser(t *testing.T, plain string) *domain.User {
	hash, err := password.HashWithIterations(plain, 1000)
	require.NoError(t, err)
	return &domain.User{ID: "user-1", Username: "operator", PasswordHash: hash}
}

func TestAuthService_LoginSuccess(t *testing.T) {
	users := new(MockUserRepository)
	user := testUser(t, "s3cret-pass")
	users.On("GetByUsername", mock.Anything, "operator").Return(user, nil)
	users.On("RecordLogin", mock.Anything, mock.MatchedBy(func(r domain.LoginRecord) bool {
		return r.UserID == user.ID && r.RemoteIP == "192.0.2.7" && r.TokenID != ""
	})).Return(nil)

	svc := newTestAuthService(users)
	pair, got, err := svc.Login(context.Background(), " operator ", "s3cret-pass", "192.0.2.7")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, 900, pair.ExpiresIn)

	claims, err := svc.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "operator", claims.Username)

	users.AssertExpectations(t)
}

func TestAuthService_LoginWrongPassword(t *testing.T) {
	users := new(MockUserRepository)
	users.On("GetByUsername", mock.Anything, "operator").Return(testUser(t, "s3cret-pass"), nil)

	svc := newTestAuthService(users)
	_, _, err := svc.Login(context.Background(), "operator", "nope-nope", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	users.AssertNotCalled(t, "RecordLogin", mock.Anything, mock.Anything)
}

func TestAuthService_LoginUnknownUser(t *testing.T) {
	users := new(MockUserRepository)
	users.On("GetByUsername", mock.Anything, "ghost").Return(nil, domain.ErrUserNotFound)

	svc := newTestAuthService(users)
	_, _, err := svc.Login(context.Background(), "ghost", "whatever", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_Register(t *testing.T) {
	users := new(MockUserRepository)
	users.On("Create", mock.Anything, mock.AnythingOfType("*domain.User")).Return(nil)

	svc := newTestAuthService(users)
	user, err := svc.Register(context.Background(), "new_user", "long-enough")
	require.NoError(t, err)
	assert.Equal(t, "new_user", user.Username)
	assert.NoError(t, password.Verify(user.PasswordHash, "long-enough"))

	_, err = svc.Register(context.Background(), "x", "long-enough")
	assert.Error(t, err)
	_, err = svc.Register(context.Background(), "valid_name", "123")
	assert.Error(t, err)
	users.AssertNumberOfCalls(t, "Create", 1)
}

func TestAuthService_RegisterDuplicate(t *testing.T) {
	users := new(MockUserRepository)
	users.On("Create", mock.Anything, mock.Anything).Return(domain.ErrUserExists)

	svc := newTestAuthService(users)
	_, err := svc.Register(context.Background(), "operator", "long-enough")
	assert.ErrorIs(t, err, domain.ErrUserExists)
}

func TestAuthService_RefreshTokenTypes(t *testing.T) {
	users := new(MockUserRepository)
	users.On("GetByID", mock.Anything, domain.UserID("user-1")).Return(&domain.User{ID: "user-1", Username: "operator"}, nil)

	svc := newTestAuthService(users)
	access, err := svc.GenerateToken("user-1", "operator")
	require.NoError(t, err)
	refresh, err := svc.GenerateRefreshToken("user-1", "operator")
	require.NoError(t, err)

	// tokens are not interchangeable
	_, err = svc.ValidateRefreshToken(access)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.ValidateToken(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)

	pair, err := svc.Refresh(context.Background(), refresh)
	require.NoError(t, err)
	claims, err := svc.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username)
}

func TestAuthService_ExpiredToken(t *testing.T) {
	svc := NewAuthService(new(MockUserRepository), "test-secret", -time.Minute, time.Hour, zap.NewNop().Sugar())
	token, err := svc.GenerateToken("user-1", "operator")
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthService_WrongSecret(t *testing.T) {
	other := NewAuthService(new(MockUserRepository), "other-secret", time.Minute, time.Hour, zap.NewNop().Sugar())
	token, err := other.GenerateToken("user-1", "operator")
	require.NoError(t, err)

	_, err = newTestAuthService(new(MockUserRepository)).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_EnsureUser(t *testing.T) {
	users := new(MockUserRepository)
	users.On("GetByUsername", mock.Anything, "admin").Return(nil, domain.ErrUserNotFound).Once()
	users.On("Create", mock.Anything, mock.MatchedBy(func(u *domain.User) bool {
		return u.Username == "admin" && u.PasswordHash == "pbkdf2$sha256$1$c2FsdA$a2V5"
	})).Return(nil).Once()
	users.On("GetByUsername", mock.Anything, "admin").Return(&domain.User{ID: "u", Username: "admin"}, nil)

	svc := newTestAuthService(users)
	require.NoError(t, svc.EnsureUser(context.Background(), "admin", "pbkdf2$sha256$1$c2FsdA$a2V5"))
	require.NoError(t, svc.EnsureUser(context.Background(), "admin", "pbkdf2$sha256$1$c2FsdA$a2V5"))
	users.AssertNumberOfCalls(t, "Create", 1)
}

func TestAuthService_GetUserFromContext(t *testing.T) {
	svc := newTestAuthService(new(MockUserRepository))

	_, err := svc.GetUserFromContext(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	ctx := context.WithValue(context.Background(), UserIDContextKey, domain.UserID("user-1"))
	id, err := svc.GetUserFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-1"), id)
}
