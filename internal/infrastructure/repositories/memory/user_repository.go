package memory

import (
	"context"
	"strings"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
)

// MemoryUserRepository keeps users and the most recent logins in memory.
type MemoryUserRepository struct {
	users      map[domain.UserID]*domain.User
	byUsername map[string]domain.UserID
	logins     []domain.LoginRecord
	maxLogins  int
	mu         sync.RWMutex
}

func NewMemoryUserRepository() ports.UserRepository {
	return &MemoryUserRepository{
		users:      make(map[domain.UserID]*domain.User),
		byUsername: make(map[string]domain.UserID),
		maxLogins:  1000,
	}
}

func usernameKey(username string) string {
	return strings.ToLower(username)
}

func (r *MemoryUserRepository) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byUsername[usernameKey(user.Username)]; exists {
		return domain.ErrUserExists
	}
	if _, exists := r.users[user.ID]; exists {
		return domain.ErrUserExists
	}

	stored := *user
	r.users[user.ID] = &stored
	r.byUsername[usernameKey(user.Username)] = user.ID
	return nil
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.users[id]
	if !exists {
		return nil, domain.ErrUserNotFound
	}
	out := *user
	return &out, nil
}

func (r *MemoryUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byUsername[usernameKey(username)]
	if !exists {
		return nil, domain.ErrUserNotFound
	}
	out := *r.users[id]
	return &out, nil
}

func (r *MemoryUserRepository) RecordLogin(ctx context.Context, record domain.LoginRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logins = append(r.logins, record)
	if len(r.logins) > r.maxLogins {
		r.logins = r.logins[len(r.logins)-r.maxLogins:]
	}
	return nil
}

// Logins returns the retained login records, oldest first.
func (r *MemoryUserRepository) Logins() []domain.LoginRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.LoginRecord(nil), r.logins...)
}
