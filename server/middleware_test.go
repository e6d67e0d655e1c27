package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Unix(1700000000, 0)
	rl := newIPRateLimiter(ctx, rateLimiterConfig{enabled: true, requests: 3, window: time.Minute})
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.allow("1.1.1.1") {
			t.Fatalf("request %d rejected within budget", i+1)
		}
	}
	if rl.allow("1.1.1.1") {
		t.Error("fourth request allowed")
	}
	if !rl.allow("2.2.2.2") {
		t.Error("other IP shares the bucket")
	}

	now = now.Add(20 * time.Second)
	if !rl.allow("1.1.1.1") {
		t.Error("token not refilled after window/requests")
	}

	now = now.Add(3 * time.Minute)
	rl.cleanup()
	rl.mu.Lock()
	n := len(rl.visitors)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("visitors after cleanup = %d", n)
	}
}

func TestIPRateLimiterDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, rateLimiterConfig{enabled: false, requests: 1})
	for i := 0; i < 5; i++ {
		if !rl.allow("1.1.1.1") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"remote addr", "10.0.0.1:5555", "", "10.0.0.1"},
		{"forwarded single", "10.0.0.1:5555", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain", "10.0.0.1:5555", "203.0.113.9, 10.0.0.2", "203.0.113.9"},
		{"no port", "10.0.0.1", "", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	tests := []struct {
		name       string
		cfg        corsConfig
		method     string
		origin     string
		wantOrigin string
		wantStatus int
	}{
		{"permissive", corsConfig{permissive: true}, "GET", "http://x.test", "*", http.StatusTeapot},
		{"allowed origin", corsConfig{allowedOrigins: []string{"https://dash.example.com"}}, "GET", "https://dash.example.com", "https://dash.example.com", http.StatusTeapot},
		{"wildcard subdomain", corsConfig{allowedOrigins: []string{"*.example.com"}}, "GET", "https://obs.example.com", "https://obs.example.com", http.StatusTeapot},
		{"blocked origin", corsConfig{allowedOrigins: []string{"https://dash.example.com"}}, "GET", "https://evil.test", "", http.StatusTeapot},
		{"preflight", corsConfig{permissive: true}, "OPTIONS", "http://x.test", "*", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/templates", nil)
			r.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			withCORSConfig(next, tt.cfg).ServeHTTP(rr, r)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.wantOrigin != "" && rr.Header().Get("Access-Control-Allow-Methods") != corsMethods {
				t.Errorf("allow-methods = %q", rr.Header().Get("Access-Control-Allow-Methods"))
			}
		})
	}
}
