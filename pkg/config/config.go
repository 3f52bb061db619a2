package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds derived runtime values that other packages may query
// at runtime (populated during startup by main after merging env+file).
type RuntimeConfig struct {
	GatewayKeys map[string]struct{}
	StaffKeys   map[string]struct{}
	AdminKeys   map[string]struct{}
	SigningKeys map[string]struct{}
}

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *RuntimeConfig
)

// SetRuntime sets the canonical runtime config used by the running server.
func SetRuntime(rc *RuntimeConfig) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = rc
}

func copyKeys(src map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

// GetGatewayKeys returns a copy of configured gateway keys.
func GetGatewayKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil {
		return map[string]struct{}{}
	}
	return copyKeys(runtimeCfg.GatewayKeys)
}

// GetStaffKeys returns a copy of configured staff keys.
func GetStaffKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil {
		return map[string]struct{}{}
	}
	return copyKeys(runtimeCfg.StaffKeys)
}

// GetAdminKeys returns a copy of configured admin keys.
func GetAdminKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil {
		return map[string]struct{}{}
	}
	return copyKeys(runtimeCfg.AdminKeys)
}

// GetSigningKeys returns a copy of configured signing keys.
func GetSigningKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil {
		return map[string]struct{}{}
	}
	return copyKeys(runtimeCfg.SigningKeys)
}

// Addr returns host:port for HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveConfigPath decides the config file path using the flag-provided value
// and the environment variable `RELAYDESK_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("RELAYDESK_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
