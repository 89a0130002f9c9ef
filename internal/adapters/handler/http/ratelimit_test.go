package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockLimiter struct{ mock.Mock }

func (m *mockLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Int(1), args.Get(2).(time.Duration), args.Error(3)
}

func (m *mockLimiter) Limit() int { return 3 }

func serveLimited(l Limiter) *httptest.ResponseRecorder {
	h := RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/lime-job", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit(t *testing.T) {
	tests := []struct {
		name       string
		allowed    bool
		remaining  int
		reset      time.Duration
		err        error
		wantStatus int
		wantRetry  string
	}{
		{name: "allowed", allowed: true, remaining: 2, wantStatus: http.StatusAccepted},
		{name: "throttled", allowed: false, reset: 1400 * time.Millisecond, wantStatus: http.StatusTooManyRequests, wantRetry: "1"},
		{name: "limiter down fails open", err: errors.New("redis down"), wantStatus: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := new(mockLimiter)
			l.On("Allow", mock.Anything, "lime:10.0.0.7").Return(tt.allowed, tt.remaining, tt.reset, tt.err).Once()

			rec := serveLimited(l)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantRetry, rec.Header().Get("Retry-After"))
			if tt.err == nil {
				assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
			}
			l.AssertExpectations(t)
		})
	}
}
