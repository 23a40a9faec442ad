// Package gin provides Gin-compatible middleware for x402 access gating.
// This package is a thin adapter that translates gin.Context to stdlib http patterns
// and delegates all identity, access and payment logic to the http package.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/KartikMantri/pay-per-request-prompt-x402/access"
	x402http "github.com/KartikMantri/pay-per-request-prompt-x402/http"
)

// Config is an alias for x402http.Config for convenience.
type Config = x402http.Config

// AccessContextKey is the gin context key for storing the access result.
const AccessContextKey = "x402_access"

// RequestIDKey is the gin context key for the request identifier.
const RequestIDKey = "x402_request_id"

// NewAccessMiddleware creates the access middleware for Gin.
//
// The middleware:
//   - Identifies the caller from X-Wallet-* headers or a bearer session token
//   - Settles an inline X-PAYMENT payment
//   - Returns 402 with a per-call challenge when the caller has no access
//   - Stores the access result via c.Set("x402_access", result)
//   - Calls c.Abort() on denial to stop the handler chain
//
// Example usage:
//
//	r := gin.Default()
//	r.Use(x402gin.RequestID())
//	api := r.Group("/api", x402gin.NewAccessMiddleware(x402gin.Config{
//	    Engine:      engine,
//	    Facilitator: relay,
//	    Operation:   "generate",
//	}))
//	api.POST("/generate", func(c *gin.Context) {
//	    res := x402gin.GetAccessFromContext(c)
//	    c.JSON(200, gin.H{"tier": res.Decision.Tier})
//	})
func NewAccessMiddleware(config Config) gin.HandlerFunc {
	middleware := x402http.NewAccessMiddleware(config)

	return func(c *gin.Context) {
		passed := false
		original := c.Writer

		middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed = true
			c.Request = r
			if res := x402http.GetAccessFromContext(r.Context()); res != nil {
				c.Set(AccessContextKey, res)
			}
			// With ChargeOnSuccess the middleware hands the handler a writer
			// that charges on commit.
			if w != http.ResponseWriter(original) {
				c.Writer = &committingWriter{ResponseWriter: original, commit: w}
			}
			c.Next()
		})).ServeHTTP(original, c.Request)

		c.Writer = original
		if !passed {
			c.Abort()
		}
	}
}

// committingWriter routes the header and body through the middleware's
// charging writer while keeping the rest of gin.ResponseWriter.
type committingWriter struct {
	gin.ResponseWriter
	commit http.ResponseWriter
}

func (w *committingWriter) Header() http.Header { return w.commit.Header() }

func (w *committingWriter) WriteHeader(code int) { w.commit.WriteHeader(code) }

func (w *committingWriter) WriteHeaderNow() { w.commit.WriteHeader(w.ResponseWriter.Status()) }

func (w *committingWriter) Write(b []byte) (int, error) { return w.commit.Write(b) }

func (w *committingWriter) WriteString(s string) (int, error) { return w.commit.Write([]byte(s)) }

// GetAccessFromContext extracts the access result from the Gin context.
// Returns nil if the request did not pass the access middleware.
func GetAccessFromContext(c *gin.Context) *access.Result {
	value, exists := c.Get(AccessContextKey)
	if !exists {
		return nil
	}
	res, ok := value.(*access.Result)
	if !ok {
		return nil
	}
	return res
}

// RequestID assigns every request an X-Request-Id, keeping one the client
// sent. Challenges built for the request derive their nonce from it, so a
// client retrying with the same identifier gets the same challenge.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set("X-Request-Id", id)
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// RegisterRoutes mounts the relay endpoints on r.
func RegisterRoutes(r gin.IRouter, h *x402http.Handlers) {
	r.GET("/pricing", gin.WrapF(h.Pricing))
	r.GET("/access/:address", func(c *gin.Context) {
		c.Request.SetPathValue("address", c.Param("address"))
		h.Access(c.Writer, c.Request)
	})
	r.POST("/challenge", gin.WrapF(h.Challenge))
	r.POST("/settle", gin.WrapF(h.Settle))
	if h.Sessions != nil {
		r.POST("/session", gin.WrapF(h.Session))
	}
}
