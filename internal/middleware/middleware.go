package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/wb-go/wbf/ginext"

	"imagemill/internal/api/respond"
	"imagemill/internal/ratelimit"
)

// identityKey is the gin context key the authenticated caller is stored under.
const identityKey = "user_id"

// admitter checks a token bucket for one identity and traffic class.
type admitter interface {
	Allow(identity string, class ratelimit.Class) error
}

// CORSMiddleware allows cross-origin requests from browser clients.
func CORSMiddleware() ginext.HandlerFunc {
	return func(c *ginext.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-User-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Identity requires the X-User-ID header and stores it in the request context.
// Requests without an identity are rejected before any admission check runs.
func Identity() ginext.HandlerFunc {
	return func(c *ginext.Context) {
		id := c.GetHeader("X-User-ID")
		if id == "" {
			respond.Fail(c, http.StatusUnauthorized, errors.New("missing X-User-ID header"))
			c.Abort()
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

// Requester returns the identity installed by Identity.
func Requester(c *ginext.Context) string {
	return c.GetString(identityKey)
}

// Admission gates a route group on the per-identity token bucket for the
// given class. Throttled requests get 429 with a Retry-After hint.
func Admission(a admitter, class ratelimit.Class) ginext.HandlerFunc {
	return func(c *ginext.Context) {
		if err := a.Allow(Requester(c), class); err != nil {
			var te *ratelimit.ThrottledError
			if errors.As(err, &te) {
				c.Header("Retry-After", strconv.Itoa(int(te.RetryAfter.Seconds())+1))
			}
			respond.Fail(c, http.StatusTooManyRequests, err)
			c.Abort()
			return
		}

		c.Next()
	}
}
