package app

import (
	"fmt"
	"os"

	"relaydesk/pkg/config"
)

// validateConfig performs quick, fail-fast validation of the effective
// configuration before starting long-running services. Keep checks light
// and focused so callers can surface user-friendly errors.
func validateConfig(eff config.EffectiveConfigResult) error {
	// DB path must be present
	if p := eff.DBPath; p == "" {
		return fmt.Errorf("database path is empty: set --db flag, RELAYDESK_DB_PATH env, or server.db_path in config")
	}

	// TLS cert/key presence check if one is set
	cert := eff.Config.Server.TLS.CertFile
	key := eff.Config.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	// Courier adapter selection
	switch eff.Config.Courier.Mode {
	case "", "loopback":
	case "webhook":
		if eff.Config.Courier.URL == "" {
			return fmt.Errorf("courier.mode is webhook but courier.url is empty")
		}
	default:
		return fmt.Errorf("unknown courier.mode %q: use loopback or webhook", eff.Config.Courier.Mode)
	}

	// Cooldown scope enum
	switch eff.Config.Gate.CooldownScope {
	case "", "all", "manual_only":
	default:
		return fmt.Errorf("unknown gate.cooldown_scope %q: use all or manual_only", eff.Config.Gate.CooldownScope)
	}

	if eff.Config.Relay.QueueCapacity < 0 {
		return fmt.Errorf("relay.queue_capacity must not be negative")
	}
	if eff.Config.Provision.PoolCapacity < 0 {
		return fmt.Errorf("provision.pool_capacity must not be negative")
	}
	if sr := eff.Config.Telemetry.SampleRate; sr < 0 || sr > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1")
	}

	return nil
}
