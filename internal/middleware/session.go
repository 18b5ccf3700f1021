package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jwalitptl/transfer-portal/internal/session"
)

const (
	ContextSession = "session"
	ContextToken   = "auth_token"
)

// SessionProvider resolves the per-credential session.
type SessionProvider interface {
	Get(token string) (*session.Session, error)
}

// Token reads the credential from the auth cookie, falling back to a bearer
// header for non-browser clients.
func Token(c *gin.Context, cookieName string) string {
	if v, err := c.Cookie(cookieName); err == nil && v != "" {
		return v
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// RequireSession rejects requests without a credential and attaches the
// caller's session to the context.
func RequireSession(sessions SessionProvider, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := Token(c, cookieName)
		if token == "" {
			abortUnauthorized(c)
			return
		}

		sess, err := sessions.Get(token)
		if err != nil {
			abortUnauthorized(c)
			return
		}

		c.Set(ContextToken, token)
		c.Set(ContextSession, sess)
		c.Next()
	}
}

// RequireToken only checks that a credential is present. Routes behind it
// never open a session or a realtime connection.
func RequireToken(cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := Token(c, cookieName)
		if token == "" {
			abortUnauthorized(c)
			return
		}
		c.Set(ContextToken, token)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Status:  "error",
		Code:    http.StatusUnauthorized,
		Message: "unauthorized",
		TraceID: c.GetString(ContextRequestID),
	})
}

// SessionFrom returns the session attached by RequireSession.
func SessionFrom(c *gin.Context) *session.Session {
	v, ok := c.Get(ContextSession)
	if !ok {
		return nil
	}
	sess, _ := v.(*session.Session)
	return sess
}

func TokenFrom(c *gin.Context) string {
	return c.GetString(ContextToken)
}

type RoleRedirectConfig struct {
	CookieName      string
	LoginPath       string
	DefaultRedirect string
	RoleClaims      []string
	// Redirects maps a lower-cased role to its landing page.
	Redirects map[string]string
}

// RoleRedirect sends "/" to the landing page for the caller's role. The token
// is not verified here; the backend verifies it on every API call.
func RoleRedirect(cfg RoleRedirectConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := Token(c, cfg.CookieName)
		if token == "" {
			c.Redirect(http.StatusFound, cfg.LoginPath)
			c.Abort()
			return
		}

		role, err := RoleFromToken(token, cfg.RoleClaims)
		if err != nil {
			c.Redirect(http.StatusFound, cfg.LoginPath)
			c.Abort()
			return
		}

		target, ok := cfg.Redirects[strings.ToLower(role)]
		if !ok {
			target = cfg.DefaultRedirect
		}
		c.Redirect(http.StatusFound, target)
		c.Abort()
	}
}

// RoleFromToken returns the first role found under claimKeys. Array-valued
// claims yield their first string element.
func RoleFromToken(token string, claimKeys []string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	for _, key := range claimKeys {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					return s, nil
				}
			}
		}
	}
	return "", fmt.Errorf("token has no role claim")
}
