package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	content := `
server:
  hostname: "mail.test.com"

api:
  listen_addr: ":9080"
  max_upload_bytes: 1048576

relay:
  host: "smtp.example.com"
  tls_mode: "tls"
  timeout: 10s

campaign:
  personalize: false
  delay_base: 2s
  max_emails_per_day: 100
  batch_size: 10

environments:
  prod: "/etc/mailrun/prod.env"

sink:
  listen_addr: ":3525"
  block_after: 5
  users:
    tester: "secret"

logging:
  level: "debug"
  format: "text"
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Hostname != "mail.test.com" {
		t.Errorf("Hostname = %v, want mail.test.com", cfg.Server.Hostname)
	}
	if cfg.API.ListenAddr != ":9080" {
		t.Errorf("API.ListenAddr = %v, want :9080", cfg.API.ListenAddr)
	}
	if cfg.Relay.Addr() != "smtp.example.com:465" {
		t.Errorf("Relay.Addr() = %v, want smtp.example.com:465", cfg.Relay.Addr())
	}
	if cfg.Relay.Timeout != 10*time.Second {
		t.Errorf("Relay.Timeout = %v, want 10s", cfg.Relay.Timeout)
	}
	if cfg.Campaign.PersonalizeDefault() {
		t.Error("Campaign.PersonalizeDefault() = true, want false")
	}
	if cfg.Campaign.DelayBase != 2*time.Second {
		t.Errorf("Campaign.DelayBase = %v, want 2s", cfg.Campaign.DelayBase)
	}
	if cfg.Campaign.MaxEmailsPerDay != 100 {
		t.Errorf("Campaign.MaxEmailsPerDay = %v, want 100", cfg.Campaign.MaxEmailsPerDay)
	}
	if cfg.Environments["prod"] != "/etc/mailrun/prod.env" {
		t.Errorf("Environments[prod] = %v", cfg.Environments["prod"])
	}
	if cfg.Sink.BlockAfter != 5 {
		t.Errorf("Sink.BlockAfter = %v, want 5", cfg.Sink.BlockAfter)
	}
	if cfg.Sink.Users["tester"] != "secret" {
		t.Errorf("Sink.Users[tester] = %v, want secret", cfg.Sink.Users["tester"])
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("server:\n  hostname: h.test\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Addr() != "smtp.gmail.com:587" {
		t.Errorf("Relay.Addr() = %v, want smtp.gmail.com:587", cfg.Relay.Addr())
	}
	if cfg.Relay.TLSMode != TLSModeStartTLS {
		t.Errorf("Relay.TLSMode = %v, want starttls", cfg.Relay.TLSMode)
	}
	if cfg.Relay.MaxConnectAttempts != 3 {
		t.Errorf("Relay.MaxConnectAttempts = %v, want 3", cfg.Relay.MaxConnectAttempts)
	}
	if !cfg.Campaign.PersonalizeDefault() {
		t.Error("Campaign.PersonalizeDefault() = false, want true")
	}
	if cfg.Campaign.DelayBase != time.Second {
		t.Errorf("Campaign.DelayBase = %v, want 1s", cfg.Campaign.DelayBase)
	}
	if cfg.Campaign.MaxEmailsPerDay != 450 {
		t.Errorf("Campaign.MaxEmailsPerDay = %v, want 450", cfg.Campaign.MaxEmailsPerDay)
	}
	if cfg.Campaign.BatchSize != 20 {
		t.Errorf("Campaign.BatchSize = %v, want 20", cfg.Campaign.BatchSize)
	}
	if cfg.Campaign.LogLimit != 50 {
		t.Errorf("Campaign.LogLimit = %v, want 50", cfg.Campaign.LogLimit)
	}
	if cfg.Campaign.TestSubject != "Test Email" {
		t.Errorf("Campaign.TestSubject = %v, want Test Email", cfg.Campaign.TestSubject)
	}
	if cfg.Sink.Domain != "h.test" {
		t.Errorf("Sink.Domain = %v, want h.test", cfg.Sink.Domain)
	}
	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(c *Config) {}},
		{
			name:    "invalid tls mode",
			modify:  func(c *Config) { c.Relay.TLSMode = "ssl" },
			wantErr: true,
		},
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.Relay.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "negative batch size",
			modify:  func(c *Config) { c.Campaign.BatchSize = -1 },
			wantErr: true,
		},
		{
			name: "batch break range inverted",
			modify: func(c *Config) {
				c.Campaign.BatchBreakMin = 10 * time.Second
				c.Campaign.BatchBreakMax = time.Second
			},
			wantErr: true,
		},
		{
			name:    "fail rate above one",
			modify:  func(c *Config) { c.Sandbox.FailRate = 1.5 },
			wantErr: true,
		},
		{
			name:    "environment without path",
			modify:  func(c *Config) { c.Environments = map[string]string{"prod": ""} },
			wantErr: true,
		},
		{
			name:    "dkim without selector",
			modify:  func(c *Config) { c.DKIM = DKIMConfig{Enabled: true, KeyFile: "k.pem", Domain: "d.test"} },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Logging.Format = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	content := `invalid: yaml: content: [`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
