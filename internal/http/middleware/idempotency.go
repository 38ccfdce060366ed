// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the Idempotency-Key header on message sends. The key
// doubles as the message's client correlation id: the service layer dedupes
// on it, so the middleware only has to reject malformed keys, stash the
// normalized value, and (on routes whose :id names a conversation) flag
// replays so the rate limiter lets retries through.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the client's
// correlation id for a send.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

var defaultConversationRoutes = []string{"/conversations/:id/messages"}

// GetIdempotencyKey returns the validated key stored by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the key already produced a stored message.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures header validation.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 default to 200, the width of
	// the stored key column.
	MaxLen int
	// Pattern restricts allowed characters; nil uses ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// ConversationRoutes are route pattern suffixes, as c.FullPath reports
	// them, whose :id parameter is a conversation id. Replay lookups run
	// only on matching routes. Empty uses /conversations/:id/messages.
	ConversationRoutes []string
}

// IdempotencyLookup reports whether a live record exists for
// (userID, conversationID, key). Errors are treated as a miss.
type IdempotencyLookup func(ctx context.Context, userID, conversationID uint, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator validates and stashes the Idempotency-Key header.
//
//   - absent header: no-op
//   - malformed key: 400 {"code":"bad_idempotency_key"}
//   - known replay (an authenticated user on a conversation route): sets
//     the replay and rate-bypass flags
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}
	routes := opts.ConversationRoutes
	if len(routes) == 0 {
		routes = defaultConversationRoutes
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			uid, hasUser := UserID(c)
			convID := conversationParam(c, routes)
			if hasUser && convID > 0 {
				if exists, _ := lookup(c.Request.Context(), uid, convID, key, time.Now().UTC()); exists {
					c.Set(ctxKeyIdemReplay, true)
					c.Set(ctxKeyRateBypass, true)
				}
			}
		}
		c.Next()
	}
}

// conversationParam returns the :id parameter when the matched route is one
// of routes, and 0 otherwise.
func conversationParam(c *gin.Context, routes []string) uint {
	full := c.FullPath()
	if full == "" {
		return 0
	}
	for _, r := range routes {
		if strings.HasSuffix(full, r) {
			id, err := strconv.ParseUint(c.Param("id"), 10, 64)
			if err != nil {
				return 0
			}
			return uint(id)
		}
	}
	return 0
}
