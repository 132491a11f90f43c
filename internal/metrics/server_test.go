package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseAllowed(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name    string
		entries []string
		want    int
	}{
		{"empty", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR", []string{"192.168.0.0/16", "10.0.0.0/8"}, 2},
		{"IPv6", []string{"::1", "2001:db8::/32"}, 2},
		{"skips invalid", []string{"192.168.1.1", "invalid", "10.0.0.0/99", " "}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseAllowed(tt.entries, logger); len(got) != tt.want {
				t.Errorf("parseAllowed(%v) = %v, want %d prefixes", tt.entries, got, tt.want)
			}
		})
	}
}

func TestServerIPFilter(t *testing.T) {
	m := New()
	m.ProviderBlocksTotal.Inc()
	s := NewServer(m, "", "", []string{"10.0.0.0/8", "127.0.0.1"}, slog.New(slog.DiscardHandler))

	tests := []struct {
		name   string
		remote string
		header map[string]string
		want   int
	}{
		{"allowed CIDR", "10.1.2.3:5555", nil, http.StatusOK},
		{"allowed single", "127.0.0.1:5555", nil, http.StatusOK},
		{"denied", "192.168.1.1:5555", nil, http.StatusForbidden},
		{"forwarded allowed", "192.168.1.1:5555", map[string]string{"X-Forwarded-For": "10.0.0.9, 192.168.1.1"}, http.StatusOK},
		{"real ip denied", "10.0.0.1:5555", map[string]string{"X-Real-IP": "8.8.8.8"}, http.StatusForbidden},
		{"unparsable", "garbage", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && !strings.Contains(w.Body.String(), "mailrun_provider_blocks_total") {
				t.Error("metrics body missing mailrun_provider_blocks_total")
			}
		})
	}
}

func TestServerHealthUnfiltered(t *testing.T) {
	s := NewServer(New(), "", "", []string{"10.0.0.1"}, slog.New(slog.DiscardHandler))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestServerShutdown(t *testing.T) {
	s := NewServer(New(), "127.0.0.1:0", "", nil, slog.New(slog.DiscardHandler))
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe() }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() after shutdown = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}

type fakeSandbox struct {
	stats SandboxStats
	err   error
}

func (f *fakeSandbox) Totals(ctx context.Context) (SandboxStats, error) {
	return f.stats, f.err
}

func TestCollectorUpdate(t *testing.T) {
	m := New()
	c := NewCollector(m, &fakeSandbox{stats: SandboxStats{Total: 4, TotalSize: 1024}}, time.Hour, nil)
	c.Start()
	c.Stop()
	c.Stop()

	if got := testutil.ToFloat64(m.Goroutines); got <= 0 {
		t.Errorf("Goroutines = %v, want > 0", got)
	}
	if got := testutil.ToFloat64(m.SandboxMessages); got != 4 {
		t.Errorf("SandboxMessages = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.SandboxSizeBytes); got != 1024 {
		t.Errorf("SandboxSizeBytes = %v, want 1024", got)
	}
}

func TestCollectorSandboxError(t *testing.T) {
	m := New()
	m.SandboxMessages.Set(7)
	c := NewCollector(m, &fakeSandbox{err: errors.New("closed")}, time.Hour, nil)
	c.update()
	if got := testutil.ToFloat64(m.SandboxMessages); got != 7 {
		t.Errorf("SandboxMessages = %v, want unchanged 7", got)
	}
}
