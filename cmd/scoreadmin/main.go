// Command scoreadmin runs operator tasks against the score database:
// collaborator key management, schema migration and enqueueing decay sweeps.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/spf13/cobra"

	"github.com/emberdate/backend/internal/config"
	"github.com/emberdate/backend/internal/db"
	"github.com/emberdate/backend/internal/jobs"
	"github.com/emberdate/backend/internal/registry"
	"github.com/emberdate/backend/internal/repository"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// env is opened lazily so --help works without a database.
type env struct {
	cfg  config.Config
	pool *pgxpool.Pool
}

func (e *env) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	e.cfg, e.pool = *cfg, pool
	return nil
}

func (e *env) close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:          "scoreadmin",
		Short:        "Operator tasks for the score service",
		SilenceUsage: true,
	}
	withDB := func(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			defer e.close()
			return run(cmd, args)
		}
	}
	keys := func() *registry.Service {
		return registry.NewService(repository.NewAPIKeyRepo(e.pool))
	}

	keysCmd := &cobra.Command{Use: "keys", Short: "Manage collaborator API keys"}
	keysCmd.AddCommand(
		&cobra.Command{
			Use:   "issue COLLABORATOR",
			Short: "Issue a new key; the raw key is printed once",
			Args:  cobra.ExactArgs(1),
			RunE: withDB(func(cmd *cobra.Command, args []string) error {
				k, err := keys().IssueKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(k)
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List keys, newest first",
			RunE: withDB(func(cmd *cobra.Command, _ []string) error {
				list, err := keys().ListKeys(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCOLLABORATOR\tPREFIX\tACTIVE\tCREATED")
				for _, k := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", k.ID, k.Collaborator, k.KeyPrefix, k.IsActive, k.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "revoke KEY_ID",
			Short: "Deactivate a key",
			Args:  cobra.ExactArgs(1),
			RunE: withDB(func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid key id: %w", err)
				}
				if err := keys().RevokeKey(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(out, "revoked %s\n", id)
				return nil
			}),
		},
	)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: withDB(func(cmd *cobra.Command, _ []string) error {
			if err := db.ApplyPool(cmd.Context(), e.pool); err != nil {
				return err
			}
			fmt.Fprintln(out, "schema up to date")
			return nil
		}),
	}

	var minAge time.Duration
	var batch int
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Enqueue a one-off decay sweep",
		Long: `Inserts a decay_sweep job. A running API instance picks it up and settles
pending decay with live presence, exactly like the periodic sweep.`,
		RunE: withDB(func(cmd *cobra.Command, _ []string) error {
			if minAge == 0 {
				minAge = e.cfg.SweepMinAge
			}
			if batch == 0 {
				batch = e.cfg.SweepBatch
			}
			// Insert-only client: no queues, no workers.
			client, err := river.NewClient(riverpgxv5.New(e.pool), &river.Config{})
			if err != nil {
				return fmt.Errorf("river client: %w", err)
			}
			res, err := client.Insert(cmd.Context(), jobs.DecaySweepArgs{MinAge: minAge, BatchSize: batch}, nil)
			if err != nil {
				return fmt.Errorf("enqueue sweep: %w", err)
			}
			fmt.Fprintf(out, "enqueued decay_sweep job %d\n", res.Job.ID)
			return nil
		}),
	}
	sweepCmd.Flags().DurationVar(&minAge, "min-age", 0, "only settle accounts anchored longer ago than this (default SWEEP_MIN_AGE)")
	sweepCmd.Flags().IntVar(&batch, "batch", 0, "maximum accounts per run (default SWEEP_BATCH)")

	root.AddCommand(keysCmd, migrateCmd, sweepCmd)
	return root
}
