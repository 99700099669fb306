package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/app"
	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Questline CLI",
	Long: `Questline runs two-party work items with an idempotent reward ledger.
Core concepts:
- Work item: a task a creator posts and a performer claims; statuses go OPEN -> CLAIMED -> SUBMITTED -> COMPLETE (DISPUTED/EXPIRED are exits).
- Attestation: the requestor and the performer each confirm a submission; the second one completes the item.
- Ledger: every completion credits the performer exactly once, keyed by a reward id.
- Recovery: credits that failed are recorded and retried by 'ql recovery sweep' or the serve loop.
- Workspace: the .questline directory holding the SQLite database; questline.yml holds settings.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
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
	viper.SetEnvPrefix("QUESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("store-driver", "", "store driver override (sqlite, postgres, memory)")
	rootCmd.PersistentFlags().String("dsn", "", "store DSN override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("store-driver", rootCmd.PersistentFlags().Lookup("store-driver"))
	_ = viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
}

func registerCommands() {
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(recoveryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(transitionCmd("claim", "Claim an OPEN item as performer", engine.ActionClaim))
	item.AddCommand(transitionCmd("unclaim", "Release a claimed item", engine.ActionUnclaim))
	item.AddCommand(itemSubmitCmd())
	item.AddCommand(itemAttestCmd())
	item.AddCommand(itemDisputeCmd())
	item.AddCommand(transitionCmd("delete", "Delete an OPEN item you created", engine.ActionDelete))
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	var xp, rep, points int64
	var deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("xp") {
				opts.RewardXP = &xp
			}
			if cmd.Flags().Changed("reputation") {
				opts.RewardReputation = &rep
			}
			if cmd.Flags().Changed("points") {
				opts.RewardPoints = &points
			}
			if deadline != "" {
				d, err := time.Parse(time.RFC3339, deadline)
				if err != nil {
					return fmt.Errorf("invalid --deadline: %w", err)
				}
				opts.DeadlineAt = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Int64Var(&xp, "xp", 0, "experience reward (config default if omitted)")
	cmd.Flags().Int64Var(&rep, "reputation", 0, "reputation reward (config default if omitted)")
	cmd.Flags().Int64Var(&points, "points", 0, "spendable points reward (config default if omitted)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 deadline after which the item expires")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func itemListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.Status(strings.ToUpper(status))
			if !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListItems(ctx, st, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Creator", "Performer", "XP", "Rep", "Points"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Title, it.Status, it.CreatorID, it.Performer(), it.RewardXP, it.RewardReputation, it.RewardPoints})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.StatusOpen), "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items (0 = all)")
	return cmd
}

func transitionCmd(use, short string, action engine.Action) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], action, engine.Input{})
		},
	}
}

func itemSubmitCmd() *cobra.Command {
	var in engine.Input
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit work for attestation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], engine.ActionSubmit, in)
		},
	}
	cmd.Flags().StringVar(&in.Text, "text", "", "submission text")
	return cmd
}

func itemAttestCmd() *cobra.Command {
	var role string
	var in engine.Input
	cmd := &cobra.Command{
		Use:   "attest <id>",
		Short: "Attest a submitted item as requestor or performer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Role = domain.Role(strings.ToLower(role))
			return runTransition(cmd.Context(), args[0], engine.ActionAttest, in)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "requestor or performer")
	cmd.Flags().StringVar(&in.Signature, "signature", "", "optional signature")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func itemDisputeCmd() *cobra.Command {
	var in engine.Input
	cmd := &cobra.Command{
		Use:   "dispute <id>",
		Short: "Dispute a submitted item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], engine.ActionDispute, in)
		},
	}
	cmd.Flags().StringVar(&in.Reason, "reason", "", "dispute reason")
	return cmd
}

func runTransition(ctx context.Context, id string, action engine.Action, in engine.Input) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		item, err := e.RequestTransition(ctx, id, viper.GetString("actor-id"), action, in)
		if err != nil {
			return err
		}
		return printJSONOrTable(item)
	})
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance [actor-id]",
		Short: "Show an actor balance (defaults to --actor-id)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			if len(args) == 1 {
				actor = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bal, err := e.Balance(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bal)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Experience", "Reputation", "Points", "Rewards"})
				tw.AppendRow(table.Row{bal.ActorID, bal.Experience, bal.ReputationScore, bal.SpendablePoints, len(bal.ProcessedRewardIDs)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(balanceSpendCmd())
	return cmd
}

func balanceSpendCmd() *cobra.Command {
	var spendID string
	var points int64
	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Spend points from the --actor-id balance",
		Long:  "Spending is idempotent per --spend-id: repeating a spend id never debits twice. A random id is used when omitted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if spendID == "" {
				spendID = uuid.NewString()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Spend(ctx, viper.GetString("actor-id"), spendID, points)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"spend_id":          spendID,
					"applied":           res.Applied,
					"already_processed": res.AlreadyProcessed,
					"balance":           res.Balance,
				})
			})
		},
	}
	cmd.Flags().StringVar(&spendID, "spend-id", "", "idempotency key for this spend")
	cmd.Flags().Int64Var(&points, "points", 0, "points to spend")
	_ = cmd.MarkFlagRequired("points")
	return cmd
}

func recoveryCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "recovery",
		Short: "Inspect and retry failed reward credits",
	}
	rec.AddCommand(recoverySweepCmd())
	rec.AddCommand(recoveryListCmd())
	return rec
}

func recoverySweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconcile pass: expire, finish ready completions, retry failed rewards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func recoveryListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List failed rewards (pending and retrying when --status is omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.Recovery.List(ctx, domain.FailedRewardStatus(strings.ToLower(status)))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Reward", "Actor", "Status", "Retries", "Last error"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.RewardID, r.ActorID, r.Status, r.RetryCount, r.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, retrying, resolved or abandoned")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage questline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default questline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate questline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepInterval time.Duration
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			rt, err := app.Open(viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				DevLogin:               devLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("QUESTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("sweep-interval") {
				sweepInterval = cfg.SweepInterval()
			}
			ctx := cmd.Context()
			go rt.Engine.RunReconciler(ctx, sweepInterval)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Questline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 0, "background reconcile interval (0 disables; defaults to config)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose /auth/dev/login to mint tokens (local only)")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if d := viper.GetString("store-driver"); d != "" {
		cfg.Store.Driver = d
	}
	if dsn := viper.GetString("dsn"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	return cfg, cfg.Validate()
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.New(os.Stderr, "", 0)
	rt, err := app.Open(viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
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
