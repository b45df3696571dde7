package auth

import (
	"log/slog"
	"net/http"

	"keygate/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const (
	userIDKey    = "user_id"
	userIDCtxKey = "auth.user_id"
)

// Sessions manages the dashboard login cookie.
type Sessions struct {
	store  *sessions.CookieStore
	name   string
	logger *slog.Logger
}

// NewSessions builds the cookie store. Without a configured secret a random
// key is generated, so sessions do not survive a restart.
func NewSessions(cfg config.SessionConfig, logger *slog.Logger) *Sessions {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = securecookie.GenerateRandomKey(32)
	}
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   cfg.MaxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &Sessions{
		store:  store,
		name:   cfg.Name,
		logger: logger.With("component", "sessions"),
	}
}

// Login stores userID in a fresh session cookie.
func (s *Sessions) Login(c *gin.Context, userID string) error {
	session, _ := s.store.Get(c.Request, s.name)
	session.Values[userIDKey] = userID
	return session.Save(c.Request, c.Writer)
}

// Logout expires the session cookie.
func (s *Sessions) Logout(c *gin.Context) error {
	session, _ := s.store.Get(c.Request, s.name)
	delete(session.Values, userIDKey)
	session.Options.MaxAge = -1
	return session.Save(c.Request, c.Writer)
}

// UserID returns the logged-in user's id, if any.
func (s *Sessions) UserID(c *gin.Context) (string, bool) {
	session, err := s.store.Get(c.Request, s.name)
	if err != nil {
		// Usually a cookie signed with an old key.
		s.logger.Debug("Ignoring unreadable session cookie", "error", err)
		return "", false
	}
	id, ok := session.Values[userIDKey].(string)
	return id, ok && id != ""
}

// Require aborts with 401 unless the request carries a logged-in session.
// The user id is then available through CurrentUserID.
func (s *Sessions) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := s.UserID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(userIDCtxKey, id)
		c.Next()
	}
}

// CurrentUserID returns the id set by Require.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(userIDCtxKey)
}
