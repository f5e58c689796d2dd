package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/recordwise/regent/internal/auth"
	"github.com/recordwise/regent/internal/config"
	"github.com/recordwise/regent/internal/keys"
	"github.com/recordwise/regent/internal/logging"
	"github.com/recordwise/regent/internal/mcpserver"
	"github.com/recordwise/regent/internal/records"
	"github.com/recordwise/regent/internal/session"
	"github.com/recordwise/regent/internal/version"
	"github.com/recordwise/regent/internal/workflow"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		transport string
		addr      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the regent tool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			if transport != "" {
				cfg.Server.Transport = transport
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if err := paths.EnsureDirs(); err != nil {
				return err
			}

			// The --log-level flag wins over the config file.
			if logLevel == "" && cfg.Logging.Level != "" {
				log = logging.New(nil, cfg.Logging.Level)
			}

			auditPath := cfg.Logging.AuditFile
			if auditPath == "" {
				auditPath = filepath.Join(paths.Logs, "audit.log")
			}
			audit, err := logging.NewAudit(auditPath)
			if err != nil {
				return fmt.Errorf("opening audit log: %w", err)
			}
			defer audit.Close()

			keyCache := keys.New(
				cfg.Identity.JWKSURL,
				time.Duration(cfg.Identity.KeyTTLMins)*time.Minute,
				nil,
				log.Sub("keys"),
			)
			validator := auth.NewValidator(keyCache, cfg.Identity.Issuer, cfg.Identity.Audience, log)
			if cfg.Identity.LeewaySecs > 0 {
				validator.SetLeeway(time.Duration(cfg.Identity.LeewaySecs) * time.Second)
			}

			vault, err := auth.NewVault(cfg.Vault.Secret)
			if err != nil {
				return fmt.Errorf("initializing credential vault: %w", err)
			}

			policy := auth.NewPolicy(log)
			if len(cfg.Policy.Roles) > 0 {
				policy = auth.NewPolicyWith(policyOverrides(cfg.Policy.Roles), log)
			}

			directory := records.New(cfg.Records.BaseURL, &http.Client{
				Timeout: time.Duration(cfg.Records.TimeoutSeconds) * time.Second,
			}, log)

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			backend, err := openBackend(cfg, log)
			if err != nil {
				return err
			}

			store, err := session.NewStore(ctx, backend, session.Options{
				SessionTTL:              time.Duration(cfg.Session.TTLMinutes) * time.Minute,
				IdleAfter:               time.Duration(cfg.Session.IdleMinutes) * time.Minute,
				MaxConversationMessages: cfg.Session.MaxMessages,
			}, log)
			if err != nil {
				return fmt.Errorf("opening session store: %w", err)
			}
			defer store.Close()

			sweeper := session.NewSweeper(store, time.Duration(cfg.Session.SweepSeconds)*time.Second, log)
			sweeper.Start()
			defer sweeper.Stop()

			guard := workflow.NewGuard(log)
			gateway := auth.NewGateway(validator, vault, policy, directory, store, audit, log)
			if cfg.Identity.ExpiryBufferMins > 0 {
				gateway.SetExpiryBuffer(time.Duration(cfg.Identity.ExpiryBufferMins) * time.Minute)
			}

			srv := mcpserver.New(mcpserver.Deps{
				Gateway:   gateway,
				Validator: validator,
				Store:     store,
				Guard:     guard,
				Directory: directory,
				Audit:     audit,
				Log:       log,
				Version:   version.Version,
			})

			log.Info().
				Str("transport", cfg.Server.Transport).
				Str("issuer", cfg.Identity.Issuer).
				Str("store", cfg.Session.Store).
				Msg("regent serving")

			switch cfg.Server.Transport {
			case "http":
				return srv.ServeHTTP(cfg.Server.Addr)
			case "sse":
				return srv.ServeSSE(cfg.Server.Addr)
			default:
				return srv.ServeStdio(ctx)
			}
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "", "override server transport (stdio, http, sse)")
	cmd.Flags().StringVar(&addr, "addr", "", "override listen address for network transports")

	return cmd
}

// openBackend picks the durable session backend from config.
func openBackend(cfg config.Config, log *logging.Logger) (session.Backend, error) {
	if cfg.Session.Store == "file" {
		backend, err := session.NewFileBackend(paths.Sessions, log)
		if err != nil {
			return nil, fmt.Errorf("opening file session backend: %w", err)
		}
		log.Info().Str("dir", paths.Sessions).Msg("using file session backend")
		return backend, nil
	}

	dbPath := filepath.Join(paths.Data, "sessions.db")
	backend, err := session.NewSQLiteBackend(dbPath, log)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite session backend: %w", err)
	}
	log.Info().Str("path", dbPath).Msg("using SQLite session backend")
	return backend, nil
}

// policyOverrides converts the config grant table into policy operations.
func policyOverrides(roles map[string][]string) map[string][]auth.Operation {
	out := make(map[string][]auth.Operation, len(roles))
	for role, ops := range roles {
		converted := make([]auth.Operation, 0, len(ops))
		for _, op := range ops {
			converted = append(converted, auth.Operation(op))
		}
		out[role] = converted
	}
	return out
}
