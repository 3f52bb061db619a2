package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Gate      GateConfig      `yaml:"gate"`
	Thread    ThreadConfig    `yaml:"thread"`
	Relay     RelayConfig     `yaml:"relay"`
	Provision ProvisionConfig `yaml:"provision"`
	Courier   CourierConfig   `yaml:"courier"`
	Notify    NotifyConfig    `yaml:"notify"`
	Janitor   JanitorConfig   `yaml:"janitor"`
}

// ServerConfig holds http, storage and tls settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig holds security related settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	IPWhitelist []string `yaml:"ip_whitelist"`
	APIKeys     struct {
		Gateway []string `yaml:"gateway"`
		Staff   []string `yaml:"staff"`
		Admin   []string `yaml:"admin"`
	} `yaml:"api_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// TelemetryConfig tunes request tracing. Zero values keep the built-in
// defaults (0.1% sampling, 200ms slow-request threshold).
type TelemetryConfig struct {
	SampleRate    float64  `yaml:"sample_rate"`
	SlowThreshold Duration `yaml:"slow_threshold"`
}

// GateConfig controls the pre-thread admission checks. Checks run in a fixed
// order: block list, account/membership age, cooldown, global disable.
type GateConfig struct {
	MinAccountAge Duration `yaml:"min_account_age"`
	MinMemberAge  Duration `yaml:"min_member_age"`
	// Pool names the membership pool consulted for member age; defaults to
	// provision.primary_pool when empty.
	Pool     string   `yaml:"pool"`
	Cooldown Duration `yaml:"cooldown"`
	// CooldownScope: "all" applies the cooldown after every close,
	// "manual_only" exempts idle auto-closes.
	CooldownScope string `yaml:"cooldown_scope"`
	DisableNew    bool   `yaml:"disable_new"`
	DisableAll    bool   `yaml:"disable_all"`
}

// ThreadConfig holds lifecycle tunables.
type ThreadConfig struct {
	// AutoCloseIdle schedules a silent close after this much inactivity;
	// zero disables idle auto-close.
	AutoCloseIdle      Duration `yaml:"auto_close_idle"`
	CloseOnLeave       bool     `yaml:"close_on_leave"`
	RecipientSelfClose bool     `yaml:"recipient_self_close"`
	// DeleteContainer controls whether closing a thread also removes its
	// container (default true; immediate closes may override per request).
	DeleteContainer *bool `yaml:"delete_container"`
	// AnonUsername is the display identity for anonymous staff replies.
	AnonUsername string `yaml:"anon_username"`
	AnonTag      string `yaml:"anon_tag"`
}

// RelayConfig holds per-thread queue and message limits.
type RelayConfig struct {
	QueueCapacity   int       `yaml:"queue_capacity"`
	MaxContentBytes SizeBytes `yaml:"max_content_bytes"`
	MaxAttachments  int       `yaml:"max_attachments"`
}

// ProvisionConfig holds container pool settings.
type ProvisionConfig struct {
	PrimaryPool  string `yaml:"primary_pool"`
	FallbackPool string `yaml:"fallback_pool"`
	// PoolCapacity is the max containers per pool before provisioning
	// reports capacity exhaustion.
	PoolCapacity int    `yaml:"pool_capacity"`
	NamePrefix   string `yaml:"name_prefix"`
}

// CourierConfig selects the recipient-side delivery adapter.
type CourierConfig struct {
	Mode    string   `yaml:"mode"` // loopback|webhook
	URL     string   `yaml:"url"`
	Bearer  string   `yaml:"bearer"`
	Timeout Duration `yaml:"timeout"`
}

// NotifyConfig holds the alert sink; empty URL falls back to log-only.
type NotifyConfig struct {
	URL     string   `yaml:"url"`
	Bearer  string   `yaml:"bearer"`
	Timeout Duration `yaml:"timeout"`
	// Mention is prepended to provisioning alerts so operators can route
	// them (for example a paging handle).
	Mention string `yaml:"mention"`
}

// JanitorConfig holds configuration for the periodic sweep runner.
type JanitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// AuditMaxAge trims rotated audit files older than this.
	AuditMaxAge Duration `yaml:"audit_max_age"`
	DryRun      bool     `yaml:"dry_run"`
	Paused      bool     `yaml:"paused"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
