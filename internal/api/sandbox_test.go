package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foxzi/mailrun/internal/campaign"
	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/sandbox"
)

const capturedRaw = "From: sender@example.com\r\n" +
	"To: ann@example.com\r\n" +
	"Subject: =?UTF-8?Q?Spring_=E2=9C=BF?=\r\n" +
	"\r\n" +
	"Hi Ann\r\n"

func seedCaptures(t *testing.T, storage *sandbox.Storage) {
	t.Helper()
	now := time.Now()
	msgs := []*sandbox.Message{
		{ID: "m1", CampaignID: "spring", Source: sandbox.SourceTransport, To: []string{"ann@example.com"}, Data: []byte(capturedRaw), CapturedAt: now.Add(-2 * time.Hour)},
		{ID: "m2", CampaignID: "spring", Source: sandbox.SourceTransport, To: []string{"bob@example.org"}, Data: []byte(capturedRaw), CapturedAt: now.Add(-time.Minute)},
		{ID: "m3", Source: sandbox.SourceSink, To: []string{"cid@example.net"}, Data: []byte(capturedRaw), CapturedAt: now},
	}
	for _, m := range msgs {
		if err := storage.Save(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSandboxList(t *testing.T) {
	e := newTestEnv(t, nil)
	seedCaptures(t, e.storage)

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?campaign_id=spring", 2},
		{"?source=sink", 1},
		{"?to=bob@example.org", 1},
		{"?limit=1", 1},
		{"?offset=2", 1},
		{"?limit=abc", 3},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/sandbox/messages"+tt.query, nil))
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
			}
			var resp SandboxListResponse
			decode(t, rr, &resp)
			if resp.Total != tt.want || len(resp.Messages) != tt.want {
				t.Errorf("got %d messages (total %d), want %d", len(resp.Messages), resp.Total, tt.want)
			}
		})
	}
}

func TestSandboxGet(t *testing.T) {
	e := newTestEnv(t, nil)
	seedCaptures(t, e.storage)

	rr := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/sandbox/messages/m1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	var resp SandboxMessageDetailResponse
	decode(t, rr, &resp)
	if resp.ID != "m1" || resp.CampaignID != "spring" {
		t.Errorf("message = %+v", resp.Message)
	}
	if resp.Headers["Subject"] != "Spring ✿" {
		t.Errorf("Subject header = %q", resp.Headers["Subject"])
	}
	if resp.Body != "Hi Ann\r\n" {
		t.Errorf("Body = %q", resp.Body)
	}
	if len(resp.Data) != 0 {
		t.Error("raw data should not be embedded in the detail response")
	}

	rr = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/sandbox/messages/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rr.Code)
	}
}

func TestSandboxRaw(t *testing.T) {
	e := newTestEnv(t, nil)
	seedCaptures(t, e.storage)

	rr := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/sandbox/messages/m3/raw", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "message/rfc822" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != `attachment; filename="m3.eml"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rr.Body.String() != capturedRaw {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestSandboxDeleteAndClear(t *testing.T) {
	e := newTestEnv(t, nil)
	seedCaptures(t, e.storage)

	rr := e.do(httptest.NewRequest(http.MethodDelete, "/api/v1/sandbox/messages/m3", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if msg, _ := e.storage.Get(context.Background(), "m3"); msg != nil {
		t.Error("m3 still stored after delete")
	}

	rr = e.do(httptest.NewRequest(http.MethodDelete, "/api/v1/sandbox/messages?older_than=bad", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad older_than status = %d, want 400", rr.Code)
	}

	rr = e.do(httptest.NewRequest(http.MethodDelete, "/api/v1/sandbox/messages?campaign_id=spring&older_than=1h", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("clear status = %d, body %s", rr.Code, rr.Body)
	}
	var cleared map[string]int
	decode(t, rr, &cleared)
	if cleared["cleared"] != 1 {
		t.Errorf("cleared = %d, want 1 (only m1 is older than an hour)", cleared["cleared"])
	}
}

func TestSandboxStats(t *testing.T) {
	e := newTestEnv(t, nil)

	rr := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/sandbox/stats", nil))
	var empty SandboxStatsResponse
	decode(t, rr, &empty)
	if empty.Total != 0 || empty.OldestAt != nil {
		t.Errorf("empty stats = %+v", empty)
	}

	seedCaptures(t, e.storage)
	rr = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/sandbox/stats", nil))
	var stats SandboxStatsResponse
	decode(t, rr, &stats)
	if stats.Total != 3 || stats.ByCampaign["spring"] != 2 || stats.BySource[sandbox.SourceSink] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.OldestAt == nil || stats.NewestAt == nil || !stats.OldestAt.Before(*stats.NewestAt) {
		t.Errorf("oldest/newest = %v/%v", stats.OldestAt, stats.NewestAt)
	}
}

func TestSandboxWithoutStorage(t *testing.T) {
	cfg := config.Default()
	logger := slog.New(slog.DiscardHandler)
	svc := campaign.NewService(campaign.ServiceOptions{Config: cfg.Campaign, Logger: logger})
	server := NewServer(svc, nil, &cfg.API, "test", logger)

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sandbox/stats", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}
