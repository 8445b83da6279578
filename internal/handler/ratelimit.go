package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleBucketTTL is how long an unused bucket is kept before it is swept.
const idleBucketTTL = 10 * time.Minute

// KeyFunc picks the bucket a request is charged to. An empty key exempts
// the request.
type KeyFunc func(c *gin.Context) string

// ByClientIP charges every request to the caller's address.
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByLoanAppend charges appends to the loan they write to. Reads are exempt.
func ByLoanAppend(c *gin.Context) string {
	if c.Request.Method != http.MethodPost {
		return ""
	}
	return c.Param("loanId")
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet is a map of token buckets sharing one rate and burst.
type limiterSet struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
}

func newLimiterSet(rps, burst int) *limiterSet {
	return &limiterSet{
		limit:   rate.Limit(rps),
		burst:   max(burst, 1),
		buckets: make(map[string]*bucket),
	}
}

// take spends one token from key's bucket. When the bucket is empty it
// reports how long until a token is available and spends nothing.
func (s *limiterSet) take(key string, now time.Time) (bool, time.Duration) {
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	s.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (s *limiterSet) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > idleBucketTTL {
			delete(s.buckets, key)
		}
	}
}

// RateLimiter returns a Gin middleware that enforces token-bucket rate
// limiting per key. rps is the steady-state requests per second; burst is
// the maximum burst size. A nil key charges by client IP. Idle buckets are
// swept every few minutes until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByClientIP
	}
	set := newLimiterSet(rps, burst)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				set.sweep(now)
			}
		}
	}()

	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			c.Next()
			return
		}

		ok, wait := set.take(k, time.Now())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
