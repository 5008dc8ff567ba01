package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflectd/reflectd/internal/v1/config"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func newTestLimiter(t *testing.T, ipRate, userRate string) *RateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(&config.Config{
		RateLimitWsIP:   ipRate,
		RateLimitWsUser: userRate,
	}, nil)
	require.NoError(t, err)
	return rl
}

func testContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/connect", nil)
	c.Request.RemoteAddr = "192.0.2.1:5000"
	return c, w
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	_, err := NewRateLimiter(&config.Config{
		RateLimitWsIP:   "not-a-rate",
		RateLimitWsUser: "10-M",
	}, nil)
	assert.Error(t, err)
}

func TestCheckWebSocket_AllowsUnderLimit(t *testing.T) {
	rl := newTestLimiter(t, "100-M", "10-M")

	c, w := testContext(t)
	assert.True(t, rl.CheckWebSocket(c))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckWebSocket_RejectsOverLimit(t *testing.T) {
	rl := newTestLimiter(t, "2-M", "10-M")

	for i := 0; i < 2; i++ {
		c, _ := testContext(t)
		require.True(t, rl.CheckWebSocket(c))
	}

	c, w := testContext(t)
	assert.False(t, rl.CheckWebSocket(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Retry-After"))
}

func TestCheckWebSocketUser_RejectsOverLimit(t *testing.T) {
	rl := newTestLimiter(t, "100-M", "1-M")
	ctx := context.Background()

	require.NoError(t, rl.CheckWebSocketUser(ctx, "u1"))
	assert.Error(t, rl.CheckWebSocketUser(ctx, "u1"))

	// Separate users have separate budgets.
	assert.NoError(t, rl.CheckWebSocketUser(ctx, "u2"))
}
