package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type frozenClock struct{ t time.Time }

func (c *frozenClock) now() time.Time          { return c.t }
func (c *frozenClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(clock *frozenClock) *RateLimiter {
	rl := NewRateLimiter(DefaultRate, DefaultBurst)
	rl.now = clock.now
	return rl
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clock := &frozenClock{t: time.Unix(1_700_000_000, 0)}
	rl := newTestLimiter(clock)

	for i := 0; i < DefaultBurst; i++ {
		assert.True(t, rl.Allow("k"), "request %d should be allowed", i+1)
	}
	assert.False(t, rl.Allow("k"), "request over burst should be blocked")
	assert.Equal(t, 0, rl.Remaining("k"))

	clock.advance(time.Second)
	assert.True(t, rl.Allow("k"), "one token refilled after 1s")
	assert.False(t, rl.Allow("k"))
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	clock := &frozenClock{t: time.Unix(1_700_000_000, 0)}
	rl := newTestLimiter(clock)

	for i := 0; i < DefaultBurst; i++ {
		rl.Allow("a")
	}
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.Equal(t, DefaultBurst-1, rl.Remaining("b"))
}

func TestThrottleByPath(t *testing.T) {
	clock := &frozenClock{t: time.Unix(1_700_000_000, 0)}
	rl := newTestLimiter(clock)

	r := gin.New()
	r.POST("/connectors/:name/reconnect", ThrottleByPath(rl), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	post := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		return w
	}

	for i := 0; i < DefaultBurst; i++ {
		w := post("/connectors/jira/reconnect")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	}

	w := post("/connectors/jira/reconnect")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "core:rate_limited")

	assert.Equal(t, http.StatusNoContent, post("/connectors/github/reconnect").Code)
}

func TestThrottle_SharesBucketPerRoute(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(0), 1)

	r := gin.New()
	r.POST("/plugins/:name/reload", Throttle(rl), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/plugins/a/reload", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/plugins/b/reload", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

type countingToucher struct{ n atomic.Int32 }

func (c *countingToucher) Touch() { c.n.Add(1) }

func TestTouchAndRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	toucher := &countingToucher{}

	r := gin.New()
	r.Use(RequestLogger(logger), Touch(toucher))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for _, path := range []string{"/ok", "/boom", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, int32(3), toucher.n.Load(), "global middleware also runs for unmatched routes")
	assert.Contains(t, buf.String(), "path=/ok status=200")
	assert.Contains(t, buf.String(), "level=WARN msg=request method=GET path=/boom status=502")
}
