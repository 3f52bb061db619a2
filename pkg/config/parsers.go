package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// EnvResult holds the results of applying environment overrides.
type EnvResult struct {
	GatewayKeys map[string]struct{}
	SigningKeys map[string]struct{}
	EnvUsed     bool
}

// EffectiveConfigResult holds the merged startup configuration plus the
// resolved listen address and database path. ConfigPath is the file the
// config came from, when Source is "config"; reload re-reads it.
type EffectiveConfigResult struct {
	Config     *Config
	Addr       string
	DBPath     string
	Source     string // "flags", "config", or "env"
	ConfigPath string
}

// ParseConfigFlags parses command-line flags and returns them as a Flags struct.
func ParseConfigFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.relaydesk", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}
}

// ParseConfigFile resolves the config path and loads the YAML file. It
// returns the parsed config, a boolean indicating whether the file was
// present, and an error for fatal parsing problems.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := Load(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// ParseConfigEnvs reads environment variables into a fresh Config and
// returns that env-only config plus an EnvResult describing keys present
// and whether envs were used. This function does not mutate any caller
// provided config.
func ParseConfigEnvs() (*Config, EnvResult) {
	envCfg := &Config{}
	envUsed := false
	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}
	parseBool := func(v string) bool {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		}
		return false
	}

	// Server address/port
	if v := os.Getenv("RELAYDESK_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			envCfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				envCfg.Server.Port = pi
			}
		} else {
			envCfg.Server.Address = v
		}
	} else {
		if host := os.Getenv("RELAYDESK_SERVER_ADDRESS"); host != "" {
			envUsed = true
			envCfg.Server.Address = host
		}
		if port := os.Getenv("RELAYDESK_SERVER_PORT"); port != "" {
			envUsed = true
			if pi, err := strconv.Atoi(port); err == nil {
				envCfg.Server.Port = pi
			}
		}
	}

	if v := os.Getenv("RELAYDESK_DB_PATH"); v != "" {
		envUsed = true
		envCfg.Server.DBPath = v
	}

	if v := os.Getenv("RELAYDESK_CORS_ORIGINS"); v != "" {
		envUsed = true
		envCfg.Security.CORS.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("RELAYDESK_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			envCfg.Security.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("RELAYDESK_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			envCfg.Security.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("RELAYDESK_IP_WHITELIST"); v != "" {
		envUsed = true
		envCfg.Security.IPWhitelist = parseList(v)
	}
	if v := os.Getenv("RELAYDESK_API_GATEWAY_KEYS"); v != "" {
		envUsed = true
		envCfg.Security.APIKeys.Gateway = parseList(v)
	}
	if v := os.Getenv("RELAYDESK_API_STAFF_KEYS"); v != "" {
		envUsed = true
		envCfg.Security.APIKeys.Staff = parseList(v)
	}
	if v := os.Getenv("RELAYDESK_API_ADMIN_KEYS"); v != "" {
		envUsed = true
		envCfg.Security.APIKeys.Admin = parseList(v)
	}

	// Gate switches
	if v := os.Getenv("RELAYDESK_GATE_DISABLE_NEW"); v != "" {
		envUsed = true
		envCfg.Gate.DisableNew = parseBool(v)
	}
	if v := os.Getenv("RELAYDESK_GATE_DISABLE_ALL"); v != "" {
		envUsed = true
		envCfg.Gate.DisableAll = parseBool(v)
	}
	if v := os.Getenv("RELAYDESK_GATE_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			envUsed = true
			envCfg.Gate.Cooldown = Duration(d)
		}
	}

	// Provisioning pools
	if v := os.Getenv("RELAYDESK_PRIMARY_POOL"); v != "" {
		envUsed = true
		envCfg.Provision.PrimaryPool = v
	}
	if v := os.Getenv("RELAYDESK_FALLBACK_POOL"); v != "" {
		envUsed = true
		envCfg.Provision.FallbackPool = v
	}

	// Courier / notify endpoints
	if v := os.Getenv("RELAYDESK_COURIER_URL"); v != "" {
		envUsed = true
		envCfg.Courier.Mode = "webhook"
		envCfg.Courier.URL = v
	}
	if v := os.Getenv("RELAYDESK_COURIER_BEARER"); v != "" {
		envUsed = true
		envCfg.Courier.Bearer = v
	}
	if v := os.Getenv("RELAYDESK_NOTIFY_URL"); v != "" {
		envUsed = true
		envCfg.Notify.URL = v
	}
	if v := os.Getenv("RELAYDESK_NOTIFY_BEARER"); v != "" {
		envUsed = true
		envCfg.Notify.Bearer = v
	}

	// TLS cert/key
	if c := os.Getenv("RELAYDESK_TLS_CERT"); c != "" {
		envUsed = true
		envCfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("RELAYDESK_TLS_KEY"); k != "" {
		envUsed = true
		envCfg.Server.TLS.KeyFile = k
	}

	gatewayKeys := make(map[string]struct{})
	for _, k := range envCfg.Security.APIKeys.Gateway {
		gatewayKeys[k] = struct{}{}
	}
	signingKeys := make(map[string]struct{})
	for k := range gatewayKeys {
		signingKeys[k] = struct{}{}
	}
	// Signing keys are identical to gateway API keys (no separate fallback).
	return envCfg, EnvResult{GatewayKeys: gatewayKeys, SigningKeys: signingKeys, EnvUsed: envUsed}
}

// LoadEffectiveConfig decides which single source to use (flags, config
// file, or env) and returns the effective config plus resolved addr and
// dbPath. It honors an explicit flags.Config (user provided --config)
// by using the config file only; otherwise it uses flags if any flags
// are set; else if a config file exists it uses that; otherwise env.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])

	// If user explicitly passed --config, require the file to exist and use it.
	if flags.Set["config"] {
		if !fileExists {
			return res, fmt.Errorf("config file %s not found", flags.Config)
		}
		res.Config = fileCfg
		res.Addr = fileCfg.Addr()
		res.DBPath = fileCfg.Server.DBPath
		res.Source = "config"
		res.ConfigPath = cfgPath
		return res, nil
	}

	// If user passed any non-config flags (addr/db), use flags exclusively.
	if flags.Set["addr"] || flags.Set["db"] {
		addr := flags.Addr
		if !flags.Set["addr"] {
			addr = envCfg.Addr()
			if addr == "" {
				addr = fileCfg.Addr()
			}
		}
		dbPath := flags.DB
		if !flags.Set["db"] {
			if p := strings.TrimSpace(envCfg.Server.DBPath); p != "" {
				dbPath = p
			} else if p := strings.TrimSpace(fileCfg.Server.DBPath); p != "" {
				dbPath = p
			}
		}
		out := &Config{}
		out.Server.Address = addr
		out.Server.Port = parsePortFromAddr(addr)
		out.Server.DBPath = dbPath
		res.Config = out
		res.Addr = addr
		res.DBPath = dbPath
		res.Source = "flags"
		return res, nil
	}

	// No explicit flags: prefer file config if present, otherwise env.
	if fileExists {
		res.Config = fileCfg
		res.Addr = fileCfg.Addr()
		res.DBPath = fileCfg.Server.DBPath
		res.Source = "config"
		res.ConfigPath = cfgPath
		return res, nil
	}
	// fallback to env
	res.Config = envCfg
	res.Addr = envCfg.Addr()
	res.DBPath = envCfg.Server.DBPath
	res.Source = "env"
	return res, nil
}

// parsePortFromAddr extracts port integer from host:port string.
func parsePortFromAddr(a string) int {
	if a == "" {
		return 0
	}
	if _, p, err := net.SplitHostPort(a); err == nil {
		if pi, err := strconv.Atoi(p); err == nil {
			return pi
		}
	}
	return 0
}
