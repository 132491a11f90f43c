package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Relay connection security modes
const (
	TLSModeStartTLS = "starttls"
	TLSModeImplicit = "tls"
	TLSModeNone     = "none"
)

// Config is the main configuration structure
type Config struct {
	Server          ServerConfig      `yaml:"server"`
	API             APIConfig         `yaml:"api"`
	Relay           RelayConfig       `yaml:"relay"`
	Campaign        CampaignConfig    `yaml:"campaign"`
	Environments    map[string]string `yaml:"environments"`     // name -> env file path
	EnvironmentsDir string            `yaml:"environments_dir"` // every *.env file becomes a named environment
	DKIM            DKIMConfig        `yaml:"dkim"`
	Sandbox         SandboxConfig     `yaml:"sandbox"`
	Sink            SinkConfig        `yaml:"sink"`
	Metrics         MetricsConfig     `yaml:"metrics"`
	Logging         LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains process-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // used for EHLO and Message-ID
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"` // multipart form limit (default: 32MB)
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// RelayConfig describes the outbound SMTP relay campaigns are sent through
type RelayConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	TLSMode            string        `yaml:"tls_mode"` // starttls, tls, none
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`
}

// Addr returns host:port of the relay
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CampaignConfig holds defaults applied to submissions that leave a field empty
type CampaignConfig struct {
	Personalize     *bool         `yaml:"personalize"`
	DelayBase       time.Duration `yaml:"delay_base"`
	Jitter          time.Duration `yaml:"jitter"`
	MaxEmailsPerDay int           `yaml:"max_emails_per_day"`
	BatchSize       int           `yaml:"batch_size"`
	BatchBreakMin   time.Duration `yaml:"batch_break_min"`
	BatchBreakMax   time.Duration `yaml:"batch_break_max"`
	LogLimit        int           `yaml:"log_limit"` // log entries returned by a poll
	TestSubject     string        `yaml:"test_subject"`
}

// PersonalizeDefault reports the configured personalization default
func (c CampaignConfig) PersonalizeDefault() bool {
	return c.Personalize == nil || *c.Personalize
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// SandboxConfig configures the capture transport used for dry runs
type SandboxConfig struct {
	Enabled     bool    `yaml:"enabled"` // campaigns are captured instead of relayed
	StoragePath string  `yaml:"storage_path"`
	FailRate    float64 `yaml:"fail_rate"`   // 0..1, fraction of sends reported as failed
	BlockAfter  int     `yaml:"block_after"` // simulate a provider block after N sends (0 = never)
}

// SinkConfig configures the local capture relay
type SinkConfig struct {
	Enabled          bool              `yaml:"enabled"`
	ListenAddr       string            `yaml:"listen_addr"`
	Domain           string            `yaml:"domain"`
	MaxMessageBytes  int64             `yaml:"max_message_bytes"`
	MaxRecipients    int               `yaml:"max_recipients"`
	ReadTimeout      time.Duration     `yaml:"read_timeout"`
	WriteTimeout     time.Duration     `yaml:"write_timeout"`
	Users            map[string]string `yaml:"users"`       // username -> password, empty = no auth
	BlockAfter       int               `yaml:"block_after"` // reply with a provider block after N messages
	RejectRecipients []string          `yaml:"reject_recipients"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	Path           string        `yaml:"path"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to scrape
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// DefaultRelayPort returns the submission port conventional for a TLS mode
func DefaultRelayPort(tlsMode string) int {
	switch tlsMode {
	case TLSModeImplicit:
		return 465
	case TLSModeNone:
		return 25
	default:
		return 587
	}
}

func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "localhost"
		}
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxUploadBytes == 0 {
		c.API.MaxUploadBytes = 32 << 20
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 60 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		// test-email is synchronous and waits on the relay
		c.API.WriteTimeout = 120 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Relay.Host == "" {
		c.Relay.Host = "smtp.gmail.com"
	}
	if c.Relay.TLSMode == "" {
		c.Relay.TLSMode = TLSModeStartTLS
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = DefaultRelayPort(c.Relay.TLSMode)
	}
	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = 30 * time.Second
	}
	if c.Relay.MaxConnectAttempts == 0 {
		c.Relay.MaxConnectAttempts = 3
	}

	if c.Campaign.DelayBase == 0 {
		c.Campaign.DelayBase = time.Second
	}
	if c.Campaign.Jitter == 0 {
		c.Campaign.Jitter = 5 * time.Second
	}
	if c.Campaign.MaxEmailsPerDay == 0 {
		c.Campaign.MaxEmailsPerDay = 450
	}
	if c.Campaign.BatchSize == 0 {
		c.Campaign.BatchSize = 20
	}
	if c.Campaign.BatchBreakMin == 0 {
		c.Campaign.BatchBreakMin = 5 * time.Second
	}
	if c.Campaign.BatchBreakMax == 0 {
		c.Campaign.BatchBreakMax = 10 * time.Second
	}
	if c.Campaign.LogLimit == 0 {
		c.Campaign.LogLimit = 50
	}
	if c.Campaign.TestSubject == "" {
		c.Campaign.TestSubject = "Test Email"
	}

	if c.Sandbox.StoragePath == "" {
		c.Sandbox.StoragePath = "/var/lib/mailrun/sandbox.db"
	}

	if c.Sink.ListenAddr == "" {
		c.Sink.ListenAddr = ":2525"
	}
	if c.Sink.Domain == "" {
		c.Sink.Domain = c.Server.Hostname
	}
	if c.Sink.MaxMessageBytes == 0 {
		c.Sink.MaxMessageBytes = 25 << 20
	}
	if c.Sink.MaxRecipients == 0 {
		c.Sink.MaxRecipients = 100
	}
	if c.Sink.ReadTimeout == 0 {
		c.Sink.ReadTimeout = 60 * time.Second
	}
	if c.Sink.WriteTimeout == 0 {
		c.Sink.WriteTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == 0 {
		c.Metrics.UpdateInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validModes := map[string]bool{TLSModeStartTLS: true, TLSModeImplicit: true, TLSModeNone: true}
	if !validModes[c.Relay.TLSMode] {
		return fmt.Errorf("invalid relay.tls_mode: %s (must be starttls, tls, or none)", c.Relay.TLSMode)
	}
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("invalid relay.port: %d", c.Relay.Port)
	}

	if c.Campaign.DelayBase < 0 || c.Campaign.Jitter < 0 {
		return fmt.Errorf("campaign.delay_base and campaign.jitter must not be negative")
	}
	if c.Campaign.MaxEmailsPerDay < 0 {
		return fmt.Errorf("campaign.max_emails_per_day must not be negative")
	}
	if c.Campaign.BatchSize < 0 {
		return fmt.Errorf("campaign.batch_size must not be negative")
	}
	if c.Campaign.BatchBreakMax < c.Campaign.BatchBreakMin {
		return fmt.Errorf("campaign.batch_break_max must be >= campaign.batch_break_min")
	}

	if c.Sandbox.FailRate < 0 || c.Sandbox.FailRate > 1 {
		return fmt.Errorf("sandbox.fail_rate must be between 0 and 1")
	}

	for name, path := range c.Environments {
		if name == "" {
			return fmt.Errorf("empty environment name")
		}
		if path == "" {
			return fmt.Errorf("environments.%s: path is required", name)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return c.validateDKIM()
}

func (c *Config) validateDKIM() error {
	if !c.DKIM.Enabled {
		return nil
	}

	if c.DKIM.Selector == "" {
		return fmt.Errorf("dkim.selector is required when DKIM is enabled")
	}
	if c.DKIM.KeyFile == "" {
		return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
	}
	if c.DKIM.Domain == "" {
		return fmt.Errorf("dkim.domain is required when DKIM is enabled")
	}

	return nil
}
