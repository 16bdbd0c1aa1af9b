package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"amora-realtime/internal/redis"
	amora_errors "amora-realtime/pkg/errors"
	"amora-realtime/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(RequestIDMiddleware(), ErrorHandler(logger.Nop()))
	engine.POST("/v1/messages", handlers...)
	return engine
}

func post(engine *gin.Engine, header string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if header != "" {
		req.Header.Set("X-User-ID", header)
	}
	engine.ServeHTTP(w, req)
	return w
}

func TestIdentityRequiresUser(t *testing.T) {
	var seen string
	engine := newEngine(IdentityMiddleware(), func(c *gin.Context) {
		seen, _ = UserIDFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := post(engine, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = post(engine, "alice")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "alice", seen)
}

func TestErrorHandlerMapsDomainErrors(t *testing.T) {
	engine := newEngine(IdentityMiddleware(), func(c *gin.Context) {
		_ = c.Error(amora_errors.ErrCallBusy)
	})

	w := post(engine, "alice")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "CONFLICT")
}

func TestMessageRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := redis.NewRateLimiter(client, redis.RateLimitConfig{
		MessageLimit:  1,
		MessageWindow: time.Minute,
		CallLimit:     1,
		CallWindow:    time.Minute,
	})

	engine := newEngine(IdentityMiddleware(), MessageRateLimitMiddleware(limiter), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})

	w := post(engine, "alice")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = post(engine, "alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Budgets are per user.
	w = post(engine, "bob")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestNilLimiterPassesThrough(t *testing.T) {
	engine := newEngine(IdentityMiddleware(), CallRateLimitMiddleware(nil), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusCreated, post(engine, "alice").Code)
	}
}
