package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/recordwise/regent/internal/config"
	"github.com/recordwise/regent/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show regent status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Regent %s (commit %s)\n\n", version.Version, version.Commit)

			// Show paths
			fmt.Printf("Config:  %s\n", paths.Config)
			fmt.Printf("Data:    %s\n", paths.Data)
			fmt.Printf("Logs:    %s\n", paths.Logs)
			fmt.Println()

			// Load config
			cfg, err := config.Load(paths.Config)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("Config:  not found (using defaults)")
				} else {
					fmt.Printf("Config:  error loading: %v\n", err)
				}
				return nil
			}

			// Identity provider
			issuer := cfg.Identity.Issuer
			if issuer == "" {
				issuer = "(not configured)"
			}
			fmt.Printf("Issuer:  %s\n", issuer)
			fmt.Printf("Audience: %s\n", cfg.Identity.Audience)
			if cfg.Identity.JWKSURL != "" {
				fmt.Printf("JWKS:    %s\n", cfg.Identity.JWKSURL)
			}

			// Records API
			records := cfg.Records.BaseURL
			if records == "" {
				records = "(not configured)"
			}
			fmt.Printf("Records: %s\n", records)

			// Session config
			fmt.Printf("Session: store=%s ttl=%dm idle=%dm\n",
				cfg.Session.Store, cfg.Session.TTLMinutes, cfg.Session.IdleMinutes)

			// Server
			if cfg.Server.Transport == "stdio" {
				fmt.Println("Server:  transport=stdio")
			} else {
				fmt.Printf("Server:  transport=%s addr=%s\n", cfg.Server.Transport, cfg.Server.Addr)
			}

			// Vault
			if cfg.Vault.Secret != "" {
				fmt.Println("Vault:   configured")
			} else {
				fmt.Println("Vault:   (no secret — serve will refuse to start)")
			}

			// Role overrides
			if len(cfg.Policy.Roles) > 0 {
				roles := make([]string, 0, len(cfg.Policy.Roles))
				for role := range cfg.Policy.Roles {
					roles = append(roles, role)
				}
				sort.Strings(roles)
				fmt.Printf("Policy:  overrides for %s\n", strings.Join(roles, ", "))
			}

			// Validation
			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}
