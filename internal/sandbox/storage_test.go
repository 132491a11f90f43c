package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sandbox.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	msg := &Message{
		ID:         "test-123",
		CampaignID: "spring",
		Source:     SourceTransport,
		From:       "sender@example.com",
		To:         []string{"recipient@example.com"},
		Data:       []byte("From: sender@example.com\r\nTo: recipient@example.com\r\nSubject: =?UTF-8?q?Caf=C3=A9?=\r\n\r\nBody"),
		ClientIP:   "127.0.0.1",
	}

	if err := storage.Save(ctx, msg); err != nil {
		t.Fatalf("failed to save message: %v", err)
	}

	retrieved, err := storage.Get(ctx, "test-123")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if retrieved == nil {
		t.Fatal("expected message, got nil")
	}

	if retrieved.From != msg.From {
		t.Errorf("expected From %s, got %s", msg.From, retrieved.From)
	}
	if retrieved.Subject != "Café" {
		t.Errorf("expected decoded subject Café, got %q", retrieved.Subject)
	}
	if retrieved.Size != len(msg.Data) {
		t.Errorf("expected Size %d, got %d", len(msg.Data), retrieved.Size)
	}
	if retrieved.CapturedAt.IsZero() {
		t.Error("CapturedAt was not set")
	}
	if string(retrieved.Data) != string(msg.Data) {
		t.Error("Data does not round trip")
	}

	missing, err := storage.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get(nope) = %v, %v, want nil, nil", missing, err)
	}
}

func TestStorageList(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		campaign := "a"
		if i%2 == 1 {
			campaign = "b"
		}
		msg := &Message{
			ID:         fmt.Sprintf("msg-%d", i),
			CampaignID: campaign,
			Source:     SourceTransport,
			From:       "sender@example.com",
			To:         []string{fmt.Sprintf("r%d@example.com", i)},
			Subject:    "Test Subject",
			Data:       []byte("test"),
			CapturedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := storage.Save(ctx, msg); err != nil {
			t.Fatalf("failed to save message: %v", err)
		}
	}

	messages, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(messages))
	}
	if messages[0].ID != "msg-4" {
		t.Errorf("expected newest first, got %s", messages[0].ID)
	}
	if messages[0].Data != nil {
		t.Error("List should not return message bodies")
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   int
	}{
		{"limit", ListFilter{Limit: 2}, 2},
		{"offset", ListFilter{Offset: 4}, 1},
		{"campaign a", ListFilter{CampaignID: "a"}, 3},
		{"campaign b", ListFilter{CampaignID: "b"}, 2},
		{"source sink", ListFilter{Source: SourceSink}, 0},
		{"recipient", ListFilter{To: "r3@example.com"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := storage.List(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("List(%+v) returned %d, want %d", tt.filter, len(got), tt.want)
			}
		})
	}
}

func TestStorageDelete(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	msg := &Message{ID: "delete-me", From: "sender@example.com", Data: []byte("test")}
	if err := storage.Save(ctx, msg); err != nil {
		t.Fatalf("failed to save message: %v", err)
	}

	if err := storage.Delete(ctx, "delete-me"); err != nil {
		t.Fatalf("failed to delete message: %v", err)
	}

	retrieved, err := storage.Get(ctx, "delete-me")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if retrieved != nil {
		t.Error("expected message to be deleted")
	}

	if err := storage.Delete(ctx, "delete-me"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestStorageClear(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for _, campaign := range []string{"one", "two"} {
		for i := 0; i < 3; i++ {
			msg := &Message{
				ID:         fmt.Sprintf("%s-%d", campaign, i),
				CampaignID: campaign,
				Data:       []byte("test"),
			}
			if err := storage.Save(ctx, msg); err != nil {
				t.Fatalf("failed to save message: %v", err)
			}
		}
	}

	count, err := storage.Clear(ctx, "one", 0)
	if err != nil {
		t.Fatalf("failed to clear messages: %v", err)
	}
	if count != 3 {
		t.Errorf("expected to clear 3 messages, cleared %d", count)
	}

	if got, _ := storage.Get(ctx, "one-0"); got != nil {
		t.Error("cleared message still reachable by id")
	}

	count, err = storage.Clear(ctx, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("age filter cleared %d fresh messages", count)
	}

	messages, _ := storage.List(ctx, ListFilter{CampaignID: "two"})
	if len(messages) != 3 {
		t.Errorf("expected 3 messages remaining, got %d", len(messages))
	}
}

func TestStorageStats(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	base := time.Now()

	msgs := []*Message{
		{ID: "1", CampaignID: "c", Source: SourceTransport, Data: []byte("aaaa"), CapturedAt: base},
		{ID: "2", CampaignID: "c", Source: SourceTransport, Data: []byte("bb"), CapturedAt: base.Add(time.Hour), SimulatedErr: "550 no"},
		{ID: "3", Source: SourceSink, Data: []byte("c"), CapturedAt: base.Add(2 * time.Hour)},
	}
	for _, m := range msgs {
		if err := storage.Save(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}

	if stats.Total != 3 {
		t.Errorf("expected total 3, got %d", stats.Total)
	}
	if stats.ByCampaign["c"] != 2 {
		t.Errorf("expected 2 for campaign c, got %d", stats.ByCampaign["c"])
	}
	if stats.BySource[SourceSink] != 1 {
		t.Errorf("expected 1 sink message, got %d", stats.BySource[SourceSink])
	}
	if stats.Simulated != 1 {
		t.Errorf("expected 1 simulated error, got %d", stats.Simulated)
	}
	if stats.TotalSize != 7 {
		t.Errorf("expected total size 7, got %d", stats.TotalSize)
	}
	if !stats.NewestAt.After(stats.OldestAt) {
		t.Error("NewestAt should be after OldestAt")
	}
}

func TestNewStorageSharedDB(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "shared.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	s, err := NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Close must not close a database it does not own.
	err = db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMessages) == nil || tx.Bucket(bucketIndex) == nil {
			t.Error("sandbox buckets were not created")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("db closed by Storage.Close: %v", err)
	}
}

func TestMakeIndexKeyOrdering(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 12, 0, 0, 100000000, time.UTC)
	t2 := time.Date(2024, 1, 1, 12, 0, 0, 120000000, time.UTC)
	if string(makeIndexKey(t1, "z")) >= string(makeIndexKey(t2, "a")) {
		t.Error("keys do not sort chronologically")
	}
}
