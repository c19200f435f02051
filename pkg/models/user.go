package models

import "time"

// Role gates admin-only API surfaces (alert rules, settings, retention).
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// User is an API account. Password is stored as a bcrypt hash only.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is a server-side login session backing the issued JWT.
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	IP        string    `json:"ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIKey authenticates non-interactive clients on ingest-adjacent endpoints.
type APIKey struct {
	ID         int64      `json:"id"`
	Key        string     `json:"-"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// AuditRecord captures one mutating action for the audit trail.
type AuditRecord struct {
	ID       int64     `json:"id"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Resource string    `json:"resource"`
	IP       string    `json:"ip,omitempty"`
	At       time.Time `json:"at"`
}
