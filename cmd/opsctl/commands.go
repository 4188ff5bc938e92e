package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/app"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/auth"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/config"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/database"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/logging"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/spf13/cobra"
)

// loadConfig reads the environment and rejects settings the server would refuse
func loadConfig() (*config.Config, error) {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// withApp runs fn with connected dependencies
func withApp(cmd *cobra.Command, fn func(ctx context.Context, deps *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.Environment)

	ctx := cmd.Context()
	deps, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer deps.Close()
	return fn(ctx, deps)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, deps *app.App) error {
				if err := database.Migrate(ctx, deps.Pool); err != nil {
					return err
				}
				fmt.Println("Schema is up to date")
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resolve stale pending reservations now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, deps *app.App) error {
				report, err := deps.Reconciler.Sweep(ctx, time.Now())
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
}

func pendingCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, deps *app.App) error {
				pending, err := deps.Store.ListPendingReservations(ctx, time.Now().Add(-olderThan), limit)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RESERVATION\tTRIP\tTOURIST\tTICKETS\tSESSION\tAGE")
				for _, r := range pending {
					session := r.Session()
					if session == "" {
						session = "-"
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
						r.ID, r.TripID, r.TouristID, r.TicketCount, session, time.Since(r.CreatedAt).Round(time.Second))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "Only reservations created at least this long ago")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum rows")
	return cmd
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Administer account suspensions",
	}

	action := func(use, short string, fn func(ctx context.Context, deps *app.App, id int64) (models.Account, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [account-id]",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid account id %q", args[0])
				}
				return withApp(cmd, func(ctx context.Context, deps *app.App) error {
					account, err := fn(ctx, deps, id)
					if err != nil {
						return err
					}
					return printJSON(account.Lockout)
				})
			},
		}
	}

	cmd.AddCommand(action("suspend", "Suspend an account", func(ctx context.Context, deps *app.App, id int64) (models.Account, error) {
		return deps.Accounts.Suspend(ctx, id)
	}))
	cmd.AddCommand(action("reactivate", "Clear every suspension of an account", func(ctx context.Context, deps *app.App, id int64) (models.Account, error) {
		return deps.Accounts.Reactivate(ctx, id)
	}))

	var until string
	renew := action("renew", "Extend a company subscription", func(ctx context.Context, deps *app.App, id int64) (models.Account, error) {
		var t time.Time
		if until != "" {
			parsed, err := time.Parse(time.DateOnly, until)
			if err != nil {
				return models.Account{}, fmt.Errorf("invalid --until %q, expected YYYY-MM-DD", until)
			}
			t = parsed
		}
		return deps.Accounts.RenewSubscription(ctx, id, t)
	})
	renew.Flags().StringVar(&until, "until", "", "New expiry date (YYYY-MM-DD), defaults to one term")
	cmd.AddCommand(renew)

	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		accountID int64
		role      string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			switch models.Role(role) {
			case models.RoleTourist, models.RoleCompany, models.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}

			logger := logging.New(cfg.LogLevel, cfg.Environment)
			token, err := auth.NewAuthenticator(cfg.JWTSecret, logger).Sign(auth.Principal{AccountID: accountID, Role: models.Role(role)}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "Account id")
	cmd.Flags().StringVar(&role, "role", string(models.RoleAdmin), "Role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("account")
	return cmd
}
