package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/loanledger/internal/handler"
)

func limitedRouter(t *testing.T, rps, burst int, key handler.KeyFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, rps, burst, key))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/loans/:loanId/ledger", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/loans/:loanId/ledger", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestRateLimiter_429AfterBurst(t *testing.T) {
	r := limitedRouter(t, 1, 2, nil)

	codes := make([]int, 3)
	var last *httptest.ResponseRecorder
	for i := range codes {
		last = serve(r, http.MethodGet, "/ping")
		codes[i] = last.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst requests: got %v", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", codes[2])
	}
	if got := last.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After: got %q, want 1", got)
	}
}

func TestRateLimiter_byLoanAppend(t *testing.T) {
	r := limitedRouter(t, 1, 1, handler.ByLoanAppend)

	if w := serve(r, http.MethodPost, "/loans/L1/ledger"); w.Code != http.StatusCreated {
		t.Fatalf("first append to L1: got %d", w.Code)
	}
	if w := serve(r, http.MethodPost, "/loans/L1/ledger"); w.Code != http.StatusTooManyRequests {
		t.Errorf("second append to L1: got %d, want 429", w.Code)
	}
	if w := serve(r, http.MethodPost, "/loans/L2/ledger"); w.Code != http.StatusCreated {
		t.Errorf("append to L2 shares L1's bucket: got %d", w.Code)
	}
	for i := 0; i < 3; i++ {
		if w := serve(r, http.MethodGet, "/loans/L1/ledger"); w.Code != http.StatusOK {
			t.Errorf("reads are not charged to the loan: got %d", w.Code)
		}
	}
}
