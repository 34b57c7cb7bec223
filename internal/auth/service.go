// Package auth guards the sidecar API with bcrypt-checked users and
// HMAC-signed JWT bearer tokens.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultTokenTTL = 24 * time.Hour
	issuer          = "comfyvisor"
)

type user struct {
	hash []byte
	role Role
}

// Service checks credentials and issues tokens.
type Service struct {
	users     map[string]user
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// Claims are the JWT claims carried by issued tokens.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// ParseUser splits a "name:bcrypt-hash[:role]" entry.
func ParseUser(entry string) (name string, hash string, role Role, err error) {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("user entry %q: want name:bcrypt-hash[:role]", redact(entry))
	}
	role = RoleAdmin
	if len(parts) == 3 {
		role = Role(parts[2])
	}
	if role != RoleAdmin && role != RoleViewer {
		return "", "", "", fmt.Errorf("user %q: unknown role %q", parts[0], role)
	}
	if _, err := bcrypt.Cost([]byte(parts[1])); err != nil {
		return "", "", "", fmt.Errorf("user %q: password hash is not bcrypt: %w", parts[0], err)
	}
	return parts[0], parts[1], role, nil
}

func redact(entry string) string {
	if i := strings.IndexByte(entry, ':'); i >= 0 {
		return entry[:i] + ":***"
	}
	return entry
}

// Validate reports configuration that New would reject.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if len(c.Users) == 0 && c.JWTSecret == "" {
		errs = append(errs, errors.New("auth enabled but no users or jwt_secret configured"))
	}
	if c.TokenTTL < 0 {
		errs = append(errs, errors.New("auth.token_ttl must not be negative"))
	}
	for _, u := range c.Users {
		if _, _, _, err := ParseUser(u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds a Service, or returns nil when auth is disabled. Without a
// configured secret a random one is generated, so tokens do not survive a
// restart of the sidecar.
func New(c Config) (*Service, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		users:     make(map[string]user, len(c.Users)),
		jwtSecret: []byte(c.JWTSecret),
		tokenTTL:  c.TokenTTL,
		now:       time.Now,
	}
	if s.tokenTTL == 0 {
		s.tokenTTL = defaultTokenTTL
	}
	if len(s.jwtSecret) == 0 {
		s.jwtSecret = make([]byte, 32)
		if _, err := rand.Read(s.jwtSecret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	for _, entry := range c.Users {
		name, hash, role, _ := ParseUser(entry)
		s.users[name] = user{hash: []byte(hash), role: role}
	}
	return s, nil
}

// HashPassword returns the bcrypt hash used in user entries.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("password required")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Authenticate checks a username and password.
func (s *Service) Authenticate(username, password string) (*Result, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Result{Username: username, Role: u.role}, nil
}

// Login authenticates and issues a bearer token.
func (s *Service) Login(req LoginRequest) (*Result, error) {
	res, err := s.Authenticate(req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	tok, err := s.IssueToken(res.Username, res.Role)
	if err != nil {
		return nil, err
	}
	res.Token = tok
	return res, nil
}

// IssueToken signs a token for subject with the given role.
func (s *Service) IssueToken(subject string, role Role) (*Token, error) {
	now := s.now()
	exp := now.Add(s.tokenTTL)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: exp.UTC().Truncate(time.Second)}, nil
}

// VerifyToken validates a bearer token and returns its identity.
func (s *Service) VerifyToken(tokenString string) (*Result, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Role != RoleAdmin && claims.Role != RoleViewer {
		return nil, ErrInvalidToken
	}
	return &Result{Username: claims.Subject, Role: claims.Role}, nil
}

// Allowed reports whether role may issue a request with the given method.
func Allowed(role Role, method string) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleViewer:
		return method == "GET" || method == "HEAD"
	default:
		return false
	}
}
