package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/sandbox"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Sandbox.Enabled = true
	cfg.Sandbox.StoragePath = filepath.Join(t.TempDir(), "sandbox.db")
	cfg.EnvironmentsDir = t.TempDir()
	return cfg
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Sink.Enabled = true
	t.Cleanup(func() { metrics.SetGlobal(nil) })

	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.sandboxStorage == nil || a.sinkServer == nil || a.metricsServer == nil || a.collector == nil {
		t.Errorf("components missing: %+v", a)
	}
	if metrics.Global() == nil {
		t.Error("metrics were not installed globally")
	}
	if a.Service() == nil {
		t.Fatal("Service() = nil")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewWithoutSandbox(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.Enabled = false

	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.sandboxStorage != nil || a.sinkServer != nil || a.metricsServer != nil {
		t.Errorf("unexpected components: %+v", a)
	}
}

func TestNewBadDKIMKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.DKIM.Enabled = true
	cfg.DKIM.Domain = "example.com"
	cfg.DKIM.Selector = "mail"
	cfg.DKIM.KeyFile = filepath.Join(t.TempDir(), "missing.pem")

	if _, err := New(cfg, "test"); err == nil {
		t.Error("expected error for missing DKIM key")
	}
}

func TestSandboxTotals(t *testing.T) {
	storage, err := sandbox.Open(filepath.Join(t.TempDir(), "sandbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer storage.Close()

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		msg := &sandbox.Message{ID: id, Source: sandbox.SourceTransport, Data: []byte("Subject: x\r\n\r\nbody")}
		if err := storage.Save(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	totals, err := sandboxTotals{storage}.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals() error = %v", err)
	}
	if totals.Total != 2 || totals.TotalSize != 2*int64(len("Subject: x\r\n\r\nbody")) {
		t.Errorf("Totals() = %+v", totals)
	}
}
