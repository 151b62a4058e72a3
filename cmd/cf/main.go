package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"civicforge/internal/app"
	"civicforge/internal/config"
	"civicforge/internal/db"
	"civicforge/internal/domain"
	"civicforge/internal/engine"
	"civicforge/internal/identity"
	"civicforge/internal/repo"
	"civicforge/internal/server"
	"civicforge/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "CivicForge CLI",
	Long: `CivicForge runs a community quest board.
- Users are created once their identity is confirmed and start with a few quest points.
- Creating a quest spends one quest point; the performer earns experience and reputation on completion.
- Quests move OPEN -> CLAIMED -> SUBMITTED -> COMPLETE; DISPUTED, EXPIRED and CANCELLED are exits.
- Completion needs both a requestor and a performer attestation unless the workspace config says otherwise.
- Rewards that cannot be credited right away are queued and retried by 'cf reward reprocess'.
- Boards group quests; their owner assigns moderators who may cancel quests.
- Event log: every change is recorded, view with 'cf log tail'.`,
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
	viper.SetEnvPrefix("CIVICFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(questCmd())
	rootCmd.AddCommand(rewardCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Println("database ready at", db.Path(a.Workspace))
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in civicforge.yml at the workspace root; CIVICFORGE_* environment variables override it.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			c.Server.JWTSecret = redact(c.Server.JWTSecret)
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userConfirmCmd())
	user.AddCommand(&cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	})
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListUsers(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "XP", "Reputation", "Quest Points"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Username, u.Experience, u.Reputation, u.QuestPoints})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max users")
	user.AddCommand(list)
	return user
}

func userConfirmCmd() *cobra.Command {
	var id, username, wallet string
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Deliver an identity confirmation for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res := e.Identity().HandleConfirmation(ctx, identity.Confirmation{
					UserID:        id,
					Username:      username,
					WalletAddress: optionalString(wallet),
				})
				if res == identity.ResultFailed {
					return fmt.Errorf("user %s was not created; see log", id)
				}
				fmt.Printf("%s: %s\n", id, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.Flags().StringVar(&wallet, "wallet", "", "wallet address")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func questCmd() *cobra.Command {
	quest := &cobra.Command{
		Use:   "quest",
		Short: "Manage quests",
		Long:  "Quest transitions are conditional: a command whose precondition no longer holds reports 'not applied' and changes nothing.",
	}
	quest.AddCommand(questCreateCmd())
	quest.AddCommand(questListCmd())
	quest.AddCommand(questShowCmd())
	quest.AddCommand(questTransitionCmd("claim", "Claim an open quest", func(ctx context.Context, e engine.Engine, id, actor string, _ []string) (domain.Quest, bool, error) {
		return e.Claim(ctx, id, actor)
	}))
	quest.AddCommand(questTransitionCmd("submit <quest-id> <text>", "Submit work for a claimed quest", func(ctx context.Context, e engine.Engine, id, actor string, rest []string) (domain.Quest, bool, error) {
		return e.Submit(ctx, id, actor, strings.Join(rest, " "))
	}))
	quest.AddCommand(questTransitionCmd("attest <quest-id> <requestor|performer>", "Attest a submitted quest", func(ctx context.Context, e engine.Engine, id, actor string, rest []string) (domain.Quest, bool, error) {
		role := ""
		if len(rest) > 0 {
			role = rest[0]
		}
		return e.Attest(ctx, id, actor, role, "")
	}))
	quest.AddCommand(questTransitionCmd("complete", "Complete a quest and credit the performer", func(ctx context.Context, e engine.Engine, id, actor string, _ []string) (domain.Quest, bool, error) {
		return e.Complete(ctx, id, actor)
	}))
	quest.AddCommand(questTransitionCmd("dispute <quest-id> <reason>", "Dispute a submission", func(ctx context.Context, e engine.Engine, id, actor string, rest []string) (domain.Quest, bool, error) {
		return e.Dispute(ctx, id, actor, strings.Join(rest, " "))
	}))
	quest.AddCommand(questTransitionCmd("cancel", "Cancel a quest", func(ctx context.Context, e engine.Engine, id, actor string, _ []string) (domain.Quest, bool, error) {
		return e.Cancel(ctx, id, actor)
	}))
	quest.AddCommand(questDeleteCmd())
	quest.AddCommand(questExpireCmd())
	return quest
}

func questCreateCmd() *cobra.Command {
	var opts engine.QuestCreateOptions
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a quest (spends one quest point)",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			opts.CreatorID = actor
			opts.TTL = ttl
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.CreateQuest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "quest id (generated when empty)")
	cmd.Flags().StringVar(&opts.BoardID, "board", "", "board id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.RewardXP, "xp", 0, "experience reward")
	cmd.Flags().IntVar(&opts.RewardReputation, "reputation", 0, "reputation reward")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time to live (0 uses the config default)")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "replay-safe request key")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func questListCmd() *cobra.Command {
	var f repo.QuestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListQuests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Board", "Creator", "Performer", "XP", "Rep"})
				for _, q := range items {
					performer := ""
					if q.PerformerID != nil {
						performer = *q.PerformerID
					}
					tw.AppendRow(table.Row{q.ID, q.Title, q.Status, q.BoardID, q.CreatorID, performer, q.RewardXP, q.RewardReputation})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (OPEN, CLAIMED, SUBMITTED, COMPLETE, DISPUTED, EXPIRED, CANCELLED)")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator filter")
	cmd.Flags().StringVar(&f.BoardID, "board", "", "board filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max quests")
	return cmd
}

func questShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <quest-id>",
		Short: "Show a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.Repo.GetQuest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
}

type transitionFunc func(ctx context.Context, e engine.Engine, questID, actorID string, rest []string) (domain.Quest, bool, error)

func questTransitionCmd(use, short string, fn transitionFunc) *cobra.Command {
	if !strings.Contains(use, " ") {
		use += " <quest-id>"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, applied, err := fn(ctx, e, args[0], actor, args[1:])
				if err != nil {
					return err
				}
				if !applied {
					return fmt.Errorf("not applied: quest %s is %s", q.ID, q.Status)
				}
				return printJSONOrTable(q)
			})
		},
	}
}

func questDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <quest-id>",
		Short: "Delete an open, unclaimed quest and refund its quest point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.Delete(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("not applied: quest %s is no longer open", args[0])
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func questExpireCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire quests past their time to live",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireDue(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d quest(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max quests per run")
	return cmd
}

func rewardCmd() *cobra.Command {
	reward := &cobra.Command{Use: "reward", Short: "Inspect and drain the failed reward queue"}
	reward.AddCommand(rewardListCmd())
	reward.AddCommand(rewardReprocessCmd())
	return reward
}

func rewardListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued reward postings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListFailedRewards(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Status", "Retries", "Lease Owner", "Last Error"})
				for _, fr := range items {
					tw.AppendRow(table.Row{fr.ID, fr.UserID, fr.Status, fr.RetryCount, fr.LeaseOwner, fr.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", domain.RewardPending, "pending, resolved or abandoned")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records")
	return cmd
}

func rewardReprocessCmd() *cobra.Command {
	var workerID string
	var loop bool
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Retry queued reward postings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				w := a.Worker(workerID)
				if loop {
					a.Logger.Info("reprocessor started", "worker_id", w.ID(), "interval", w.Config.Interval.String())
					return w.RunLoop(ctx)
				}
				sum, err := w.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "lease owner name (defaults to config or a generated id)")
	cmd.Flags().BoolVar(&loop, "loop", false, "keep running on the configured interval")
	return cmd
}

func boardCmd() *cobra.Command {
	board := &cobra.Command{Use: "board", Short: "Manage boards and their roles"}
	board.AddCommand(&cobra.Command{
		Use:   "create <board-id>",
		Short: "Create a board owned by the actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, ok, err := e.CreateBoard(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("board %s already exists", args[0])
				}
				return printJSONOrTable(b)
			})
		},
	})
	board.AddCommand(&cobra.Command{
		Use:   "show <board-id>",
		Short: "Show a board and its roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBoard(ctx, args[0])
				if err != nil {
					return err
				}
				roles, err := e.Repo.ListBoardRoles(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"board": b, "roles": roles})
			})
		},
	})
	board.AddCommand(&cobra.Command{
		Use:   "assign <board-id> <user-id> <moderator|member>",
		Short: "Assign a board role (owner only)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				br, err := e.AssignBoardRole(ctx, args[0], args[1], args[2], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(br)
			})
		},
	})
	board.AddCommand(&cobra.Command{
		Use:   "revoke <board-id> <user-id>",
		Short: "Revoke a board role (owner only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.RevokeBoardRole(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s has no role on %s", args[1], args[0])
				}
				fmt.Println("revoked")
				return nil
			})
		},
	})
	board.AddCommand(&cobra.Command{
		Use:   "transfer <board-id> <user-id>",
		Short: "Transfer board ownership (owner only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.TransferBoard(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("not applied: board %s changed owner concurrently", args[0])
				}
				fmt.Printf("%s now owned by %s\n", args[0], args[1])
				return nil
			})
		},
	})
	return board
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "api-key", Short: "Manage API keys for the actor"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(server.APIKeyResponse{APIKey: key, Key: raw})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.RevokeAPIKey(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("api key %s not found", args[0])
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return keys
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token with the workspace JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			tok, err := server.SignToken(cfg.Server.JWTSecret, args[0], roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "token roles (e.g. operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Time", "Type", "Entity", "Actor"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var reprocessLoop, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				if cfg.Server.JWTSecret == "" && !cfg.Server.AllowActorHeader {
					return fmt.Errorf("CIVICFORGE_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
				}
				shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTelEndpoint, cfg.Telemetry.ServiceName)
				if err != nil {
					return fmt.Errorf("telemetry: %w", err)
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdownTracing(sctx)
				}()

				worker := a.Worker("")
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Worker:   worker,
					Limiter:  a.Limiter,
					BasePath: basePath,
					Logger:   a.Logger,
					TokenTTL: 24 * time.Hour,
					Auth: server.AuthConfig{
						JWTSecret:        cfg.Server.JWTSecret,
						AllowActorHeader: cfg.Server.AllowActorHeader,
						AllowDevLogin:    devLogin,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.Info("serving CivicForge API", "addr", addr, "base_path", basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				if reprocessLoop {
					g.Go(func() error { return worker.RunLoop(gctx) })
				}
				g.Go(func() error {
					// counters for closed windows are never read again
					ticker := time.NewTicker(time.Hour)
					defer ticker.Stop()
					for {
						select {
						case <-gctx.Done():
							return nil
						case <-ticker.C:
							if _, err := a.Limiter.Purge(gctx); err != nil {
								a.Logger.Warn("purge rate limit counters failed", "error", err.Error())
							}
						}
					}
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&reprocessLoop, "reprocess", false, "run the failed reward reprocessor alongside the server")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local development only)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func requireActor() (string, error) {
	actor := strings.TrimSpace(viper.GetString("actor-id"))
	if actor == "" {
		return "", fmt.Errorf("--actor-id (or CIVICFORGE_ACTOR_ID) required")
	}
	return actor, nil
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***" + strconv.Itoa(len(secret))
}
