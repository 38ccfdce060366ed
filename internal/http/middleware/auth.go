// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file authenticates API callers. Authenticate resolves a session token
// (bearer header, "token" cookie or query parameter) to a user id and stores
// it in the Gin context under "userID"; RequireUser rejects requests that
// carry no valid identity. Splitting the two lets logging and rate limiting
// see the caller on every route while only the API group demands one.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-market-chat/internal/auth"
)

const (
	ctxKeyUserID  = "userID"
	ctxKeyAuthErr = "auth.err"
)

// TokenVerifier maps a raw session token to the user it was issued for.
type TokenVerifier interface {
	Verify(token string) (uint, error)
}

// UserID returns the authenticated user id stored by Authenticate.
func UserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ctxKeyUserID)
	if !ok {
		return 0, false
	}
	id, _ := v.(uint)
	return id, id != 0
}

// Authenticate verifies the request's session token when one is present.
// It never aborts: failures are recorded for RequireUser.
func Authenticate(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := auth.TokenFromRequest(c.Request)
		if tok == "" {
			c.Next()
			return
		}
		id, err := v.Verify(tok)
		if err != nil {
			c.Set(ctxKeyAuthErr, err)
			c.Next()
			return
		}
		c.Set(ctxKeyUserID, id)
		c.Next()
	}
}

// RequireUser aborts with 401 unless Authenticate resolved a user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := UserID(c); ok {
			c.Next()
			return
		}
		msg := "authentication required"
		if v, ok := c.Get(ctxKeyAuthErr); ok {
			if err, _ := v.(error); errors.Is(err, auth.ErrInvalidToken) {
				msg = "invalid or expired token"
			}
		}
		c.Header("WWW-Authenticate", `Bearer realm="api"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "unauthorized",
			"message":    msg,
		})
	}
}
