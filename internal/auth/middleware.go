package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey holds the *Result of an authenticated request in the gin context.
const ResultKey = "auth_result"

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// GinAuth authenticates every request with a bearer token or HTTP basic
// credentials and enforces the caller's role. Paths in public skip the
// check, as do CORS preflights.
func (s *Service) GinAuth(public ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(public))
	for _, p := range public {
		skip[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		if _, ok := skip[c.FullPath()]; ok {
			c.Next()
			return
		}
		res, err := s.authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="comfyvisor"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "Authentication required", Kind: "unauthorized"})
			return
		}
		if !Allowed(res.Role, c.Request.Method) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "Insufficient permissions", Kind: "forbidden"})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

func (s *Service) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return s.VerifyToken(strings.TrimSpace(token))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return s.Authenticate(username, password)
	}
	return nil, ErrInvalidCredentials
}

// LoginHandler serves POST /auth/login with a JSON body or basic credentials.
func (s *Service) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if u, p, ok := c.Request.BasicAuth(); ok {
		req = LoginRequest{Username: u, Password: p}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid request format", Kind: "bad_request"})
		return
	}
	res, err := s.Login(req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorBody{Error: "Invalid credentials", Kind: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, res)
}
