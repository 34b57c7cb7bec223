package auth

import (
	"errors"
	"time"
)

// Role limits what an authenticated caller may do.
type Role string

const (
	RoleAdmin  Role = "admin"  // every endpoint
	RoleViewer Role = "viewer" // read-only endpoints
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrPermissionDenied   = errors.New("permission denied")
)

// Config enables API authentication. Users are "name:bcrypt-hash[:role]"
// entries; the role defaults to admin.
type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	Users      []string      `mapstructure:"users"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

// Result is the identity attached to an authenticated request.
type Result struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Token    *Token `json:"token,omitempty"`
}

// Token is an issued bearer token.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
