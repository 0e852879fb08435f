package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scribepool/internal/app"
	"scribepool/internal/db"
	"scribepool/internal/domain"
	"scribepool/internal/engine"
	"scribepool/internal/logger"
	"scribepool/internal/repo"
	"scribepool/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sp",
	Short: "Scribepool CLI",
	Long: `Scribepool distributes audio transcription work to a pool of workers.
Work items are audio units; a worker claims one (taking a time-limited
lease), drafts and submits a transcript, and a reviewer approves,
rejects, or requests edits. Approval pays the worker into an append-only
compensation ledger at the active per-minute rate.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("SCRIBEPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(rateCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Work items are audio units awaiting transcription. They flow available -> assigned -> submitted -> approved, with rejected and under_review as reviewer exits.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemAvailableCmd())
	item.AddCommand(itemRequeueCmd())
	item.AddCommand(itemRevertCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.WorkItemCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Ingest a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work item id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Pool, "pool", "", "pool name")
	cmd.Flags().StringVar(&opts.StorageRef, "storage-ref", "", "audio object reference")
	cmd.Flags().IntVar(&opts.DurationSeconds, "duration", 0, "audio duration in seconds")
	_ = cmd.MarkFlagRequired("duration")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Pool", "Duration", "Status", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Pool, fmt.Sprintf("%ds", w.DurationSeconds), w.Status, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Pool, "pool", "", "filter by pool")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func itemAvailableCmd() *cobra.Command {
	var pool string
	cmd := &cobra.Command{
		Use:   "available",
		Short: "List claimable work items (sweeps stale leases first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAvailable(ctx, pool)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "filter by pool")
	return cmd
}

func itemRequeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Return a rejected item to the open pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Requeue(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Item %s requeued\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func itemRevertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revert <id>",
		Short: "Revert an approval and claw back its payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Revert(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Approval reverted for item %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	var pool, itemID string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim a work item",
		Long:  "Takes a lease on the oldest available item (or --item for a specific one) as the acting worker. Capacity and cooldown limits apply.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Claim(ctx, viper.GetString("actor-id"), pool, itemID)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "restrict to a pool")
	cmd.Flags().StringVar(&itemID, "item", "", "claim a specific work item")
	return cmd
}

func releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <lease-id>",
		Short: "Release a lease without submitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Release(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Lease %s released\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func draftCmd() *cobra.Command {
	var text, file string
	cmd := &cobra.Command{
		Use:   "draft <lease-id>",
		Short: "Save a draft transcript on a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := textOrFile(text, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SaveDraft(ctx, args[0], viper.GetString("actor-id"), body)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "transcript text")
	cmd.Flags().StringVar(&file, "file", "", "read transcript text from a file")
	return cmd
}

func submitCmd() *cobra.Command {
	var text, file string
	cmd := &cobra.Command{
		Use:   "submit <lease-id>",
		Short: "Submit the transcript for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := textOrFile(text, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Submit(ctx, args[0], viper.GetString("actor-id"), body)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "transcript text")
	cmd.Flags().StringVar(&file, "file", "", "read transcript text from a file")
	return cmd
}

func workCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Show my active leases and submissions awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.WorkerItems(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "Status", "Lease", "Expires", "Submission"})
				for _, entry := range entries {
					leaseID, expires, subID := "", "", ""
					if entry.Lease != nil {
						leaseID = entry.Lease.ID
						if entry.Lease.ExpiresAt != nil {
							expires = *entry.Lease.ExpiresAt
						} else {
							expires = "never"
						}
					}
					if entry.Submission != nil {
						subID = entry.Submission.ID
					}
					tw.AppendRow(table.Row{entry.Item.ID, entry.Item.Status, leaseID, expires, subID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	review := &cobra.Command{
		Use:   "review",
		Short: "Review submitted transcripts",
	}
	review.AddCommand(reviewPendingCmd())
	review.AddCommand(reviewDecideCmd())
	return review
}

func reviewPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List submissions awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pending, err := e.ListPending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pending)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Submission", "Item", "Worker", "Duration", "Submitted"})
				for _, c := range pending {
					submitted := ""
					if c.Submission.SubmittedAt != nil {
						submitted = *c.Submission.SubmittedAt
					}
					tw.AppendRow(table.Row{c.Submission.ID, c.Item.ID, c.Submission.WorkerID, fmt.Sprintf("%ds", c.Item.DurationSeconds), submitted})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reviewDecideCmd() *cobra.Command {
	var decision, comments, finalText string
	cmd := &cobra.Command{
		Use:   "decide <submission-id>",
		Short: "Approve, reject, or request edits on a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.DecideOptions{
				SubmissionID: args[0],
				ReviewerID:   viper.GetString("actor-id"),
				Decision:     decision,
				Comments:     comments,
			}
			if cmd.Flags().Changed("final-text") {
				opts.FinalText = &finalText
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Decide(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved, rejected, or edit_requested")
	cmd.Flags().StringVar(&comments, "comments", "", "reviewer comments")
	cmd.Flags().StringVar(&finalText, "final-text", "", "corrected transcript to record on approval")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func sweepCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale leases and reopen their items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireStale(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Printf("Expired %d lease(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max leases per sweep")
	return cmd
}

func reconcileCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair drifted statuses and cached balances",
	}
	rec.AddCommand(reconcileStatusesCmd())
	rec.AddCommand(reconcileBalancesCmd())
	return rec
}

func reconcileStatusesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "statuses",
		Short: "Re-derive work item statuses from leases, submissions, and reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fixes, err := e.ReconcileStatuses(ctx)
				if err != nil {
					return err
				}
				if len(fixes) == 0 {
					fmt.Println("No drift found")
					return nil
				}
				return printJSONOrTable(fixes)
			})
		},
	}
	return cmd
}

func reconcileBalancesCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Recompute cached worker balances from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fixes, err := e.ReconcileBalances(ctx, workerID)
				if err != nil {
					return err
				}
				if len(fixes) == 0 {
					fmt.Println("All balances match the ledger")
					return nil
				}
				return printJSONOrTable(fixes)
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "restrict to one worker")
	return cmd
}

func ledgerCmd() *cobra.Command {
	ledger := &cobra.Command{
		Use:   "ledger",
		Short: "Worker compensation",
	}
	ledger.AddCommand(ledgerBalanceCmd())
	ledger.AddCommand(ledgerListCmd())
	return ledger
}

func ledgerBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance [worker-id]",
		Short: "Show a worker's cached balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID := viper.GetString("actor-id")
			if len(args) == 1 {
				workerID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Balance(ctx, workerID)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func ledgerListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list [worker-id]",
		Short: "List a worker's ledger entries, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID := viper.GetString("actor-id")
			if len(args) == 1 {
				workerID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListLedgerEntries(ctx, workerID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Delta (cents)", "Description", "Created"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.DeltaCents, entry.Description, entry.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func rateCmd() *cobra.Command {
	rate := &cobra.Command{
		Use:   "rate",
		Short: "Manage rate plans",
	}
	rate.AddCommand(rateCreateCmd())
	rate.AddCommand(rateListCmd())
	rate.AddCommand(rateActivateCmd())
	return rate
}

func rateCreateCmd() *cobra.Command {
	var id, currency string
	var cents int64
	var activate bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rate plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cents <= 0 {
				return fmt.Errorf("--cents must be positive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan := domain.RatePlan{
					ID:                 id,
					RatePerMinuteCents: cents,
					Currency:           currency,
					CreatedAt:          time.Now().UTC().Format(time.RFC3339),
				}
				if plan.ID == "" {
					plan.ID = uuid.New().String()
				}
				if plan.Currency == "" {
					plan.Currency = e.Config.Pay.Currency
				}
				if err := e.Repo.InsertRatePlan(ctx, plan); err != nil {
					return err
				}
				if activate {
					if err := e.Repo.ActivateRatePlan(ctx, plan.ID); err != nil {
						return err
					}
					plan.Active = true
				}
				return printJSONOrTable(plan)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "plan id (optional)")
	cmd.Flags().Int64Var(&cents, "cents", 0, "rate per billed minute, in cents")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code (defaults from config)")
	cmd.Flags().BoolVar(&activate, "activate", false, "make this the active plan")
	_ = cmd.MarkFlagRequired("cents")
	return cmd
}

func rateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rate plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plans, err := e.Repo.ListRatePlans(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(plans)
			})
		},
	}
	return cmd
}

func rateActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate a rate plan (deactivates the rest)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.ActivateRatePlan(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Rate plan %s activated\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			switch role {
			case domain.RoleWorker, domain.RoleReviewer, domain.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Role:      role,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("Created key %s for %s (%s)\n", key.ID, key.ActorID, key.Role)
				fmt.Printf("Plaintext (save it now, it is not stored): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates (defaults to --actor-id)")
	cmd.Flags().StringVar(&role, "role", domain.RoleWorker, "worker, reviewer, or admin")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Key %s deleted\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, logLevel, logFormat string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := app.Bootstrap(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer e.DB.Close()
			log := logger.New(logger.Config{Level: logLevel, Format: logFormat})
			authCfg := server.AuthConfig{JWTSecret: e.Config.Auth.JWTSecret, Logger: log}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SCRIBEPOOL_JWT_SECRET (or auth.jwt_secret in scribepool.yml) is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving scribepool api", "addr", addr, "base_path", basePath, "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "console or json")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, err := app.Bootstrap(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer e.DB.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e.Repo)
	})
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

func textOrFile(text, file string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	if text == "" {
		return "", fmt.Errorf("--text or --file is required")
	}
	return text, nil
}
