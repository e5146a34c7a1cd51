package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"escrowline/internal/app"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
	"escrowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "escrowline",
	Short: "Escrowline CLI",
	Long: `Escrowline holds clinic buyer funds against signed contracts and releases them
to sellers as milestones complete.
- Contract: drafted, sent, then signed inside the signing window or it expires.
- Transaction: pending -> funded -> in_progress -> completed; cancelled or disputed are exits.
- Milestones release strictly in order, minus the platform fee.
- Disputes freeze held funds until an admin resolves them (buyer_favor, seller_favor, mutual).
- Every money movement is a ledger entry; 'escrowline tx reconcile' checks the sums.
- Event log: audit trail of changes, view with 'escrowline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in events")
	flags.String("db-driver", "", "database driver (sqlite, postgres, mysql); overrides config")
	flags.String("db-dsn", "", "database DSN; overrides config")
	flags.String("redis-addr", "", "redis address for the read cache; overrides config")
	flags.String("log-level", "", "log level; overrides config")
	for _, name := range []string{"workspace", "json", "actor-id", "db-driver", "db-dsn", "redis-addr", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(feesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadConfig reads escrowline.yml when present and layers flags and
// ESCROWLINE_* environment variables on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if viper.IsSet("db-driver") {
		cfg.Database.Driver = viper.GetString("db-driver")
	}
	if viper.IsSet("db-dsn") {
		cfg.Database.DSN = viper.GetString("db-dsn")
	}
	if viper.IsSet("redis-addr") {
		cfg.Cache.RedisAddr = viper.GetString("redis-addr")
	}
	if viper.IsSet("log-level") {
		cfg.Log.Level = viper.GetString("log-level")
	}
	if viper.IsSet("jwt-secret") {
		cfg.Server.JWTSecret = viper.GetString("jwt-secret")
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage escrowline.yml"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default escrowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate escrowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, dialect, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn, dialect); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("%s schema at version %d\n", dialect, v)
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, repo.EventFilters{Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (contract, transaction, fee_policy)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(cfg.Server.JWTSecret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried in the sub claim")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable (admin unlocks /admin routes)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 for no expiry")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for back-office integrations"}

	var actorID, name string
	var roles []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plain, err := a.Engine.CreateAPIKey(ctx, actorID, name, roles, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "roles": key.Roles, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringSliceVar(&roles, "role", nil, "role, repeatable")
	_ = create.MarkFlagRequired("actor")

	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Roles", "Created", "Revoked"})
				for _, key := range keys {
					revoked := ""
					if key.RevokedAt != nil {
						revoked = key.RevokedAt.Format("2006-01-02 15:04")
					}
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, strings.Join(key.Roles, ","), key.CreatedAt.Format("2006-01-02 15:04"), revoked})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter, "actor", "", "actor filter")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeAPIKey(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	k.AddCommand(create, list, revoke)
	return k
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if cmd.Flags().Changed("addr") {
					a.Config.Server.Addr = addr
				}
				if a.Config.Server.JWTSecret == "" {
					a.Logger.Warn("no JWT secret configured; API runs without authentication")
				}
				handler, err := server.New(server.Config{
					Engine:    a.Engine,
					Auth:      server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret},
					RateLimit: server.RateLimit{RPS: a.Config.Server.RateLimitRPS, Burst: a.Config.Server.RateLimitBurst},
					Gatherer:  a.Registry,
					Logger:    a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:         a.Config.Server.Addr,
					Handler:      handler,
					ReadTimeout:  a.Config.Server.ReadTimeout,
					WriteTimeout: a.Config.Server.WriteTimeout,
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving escrowline API", "addr", srv.Addr, "openapi", "/openapi.json", "driver", a.Dialect)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address; overrides config")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (or ESCROWLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
