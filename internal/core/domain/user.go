package domain

import "time"

type UserID string

type User struct {
	ID           UserID    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// LoginRecord is an audit entry written on every successful login.
type LoginRecord struct {
	UserID    UserID    `json:"user_id"`
	Username  string    `json:"username"`
	RemoteIP  string    `json:"remote_ip"`
	TokenID   string    `json:"token_id"`
	CreatedAt time.Time `json:"created_at"`
}
