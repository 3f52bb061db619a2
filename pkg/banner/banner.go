package banner

import (
	"fmt"

	"relaydesk/pkg/config"
)

const banner = `
██████╗ ███████╗██╗      █████╗ ██╗   ██╗██████╗ ███████╗███████╗██╗  ██╗
██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝██╔══██╗██╔════╝██╔════╝██║ ██╔╝
██████╔╝█████╗  ██║     ███████║ ╚████╔╝ ██║  ██║█████╗  ███████╗█████╔╝
██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝  ██║  ██║██╔══╝  ╚════██║██╔═██╗
██║  ██║███████╗███████╗██║  ██║   ██║   ██████╔╝███████╗███████║██║  ██╗
╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝   ╚═════╝ ╚══════╝╚══════╝╚═╝  ╚═╝
`

// PrintWithEff prints the banner using an EffectiveConfigResult which
// provides richer context (config, addr, dbpath, source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	var addr = eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	var dbPath = eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Server.DBPath
	}
	var src = eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config: %s\n", src)

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/inbound' -d '{\"recipient_id\":\"r1\",\"content\":\"hello\"}'")
	fmt.Println("curl 'http://<host>:<port>/v1/threads?state=open'")
	fmt.Println("\n== Production? =================================================")
	gw := 0
	st := 0
	ad := 0
	if eff.Config != nil {
		gw = len(eff.Config.Security.APIKeys.Gateway)
		st = len(eff.Config.Security.APIKeys.Staff)
		ad = len(eff.Config.Security.APIKeys.Admin)
	}
	if gw > 0 {
		fmt.Printf("- Gateway API keys: OK (%d)\n", gw)
	} else {
		fmt.Println("- Gateway API keys: MISSING (required for the inbound gateway)")
	}
	if st > 0 {
		fmt.Printf("- Staff API keys: OK (%d)\n", st)
	} else {
		fmt.Println("- Staff API keys: MISSING (required for staff tooling)")
	}
	if ad > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ad)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for admin tooling)")
	}

	// TLS
	tlsOK := false
	if eff.Config != nil && eff.Config.Server.TLS.CertFile != "" && eff.Config.Server.TLS.KeyFile != "" {
		tlsOK = true
	}
	if tlsOK {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}

	// DB path
	if eff.DBPath != "" {
		fmt.Printf("- DB Path: %s\n", eff.DBPath)
	} else {
		fmt.Println("- DB Path: not set (use --db or RELAYDESK_DB_PATH)")
	}

	// Courier
	courier := "loopback"
	if eff.Config != nil && eff.Config.Courier.Mode != "" {
		courier = eff.Config.Courier.Mode
	}
	if courier == "webhook" && eff.Config != nil && eff.Config.Courier.URL == "" {
		fmt.Println("- Courier: webhook (unconfigured URL)")
	} else {
		fmt.Printf("- Courier: %s\n", courier)
	}

	// Janitor
	janEnabled := false
	janInfo := ""
	if eff.Config != nil {
		janEnabled = eff.Config.Janitor.Enabled
		if janEnabled && eff.Config.Janitor.Cron != "" {
			janInfo = "cron=" + eff.Config.Janitor.Cron
		}
	}
	if janEnabled {
		if janInfo != "" {
			fmt.Printf("- Janitor: enabled (%s)\n", janInfo)
		} else {
			fmt.Println("- Janitor: enabled")
		}
	} else {
		fmt.Println("- Janitor: disabled")
	}

	fmt.Println("\n== Logs: =================================================")
}
