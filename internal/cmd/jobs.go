package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/queue"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/output"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and submit queued jobs",
	Long: `Inspect and submit jobs in the durable queue.

These commands open the job store directly. Jobs enqueued here are picked
up by a running "relaygate serve" on its next poll.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		return withLocalQueue(cmd, func(ctx context.Context, q *queue.Queue) error {
			jobs, err := q.RecentJobs(ctx, limit)
			if err != nil {
				return err
			}
			rendered, err := output.FormatJobs(format, jobs)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return nil
		})
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		return withLocalQueue(cmd, func(ctx context.Context, q *queue.Queue) error {
			stats, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			rendered, err := output.FormatQueueStats(format, stats)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return nil
		})
	},
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a job",
	Long: `Submit a job to the durable queue.

The idempotency key defaults to a random UUID. Submitting the same key
twice is rejected and reports the existing job.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		nj, err := newJobFromFlags(cmd)
		if err != nil {
			return withExit(foundry.ExitFailure, "invalid job", err)
		}

		return withLocalQueue(cmd, func(ctx context.Context, q *queue.Queue) error {
			job, err := q.Enqueue(ctx, nj)
			if err != nil {
				return err
			}
			rendered, err := output.FormatJobs(format, []core.Job{job})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatsCmd, jobsEnqueueCmd)

	jobsCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json, markdown")

	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to show")

	jobsEnqueueCmd.Flags().String("target", "", "target key the job acts on (required)")
	jobsEnqueueCmd.Flags().String("amount", "0", "decimal amount")
	jobsEnqueueCmd.Flags().String("reason", "", "free-form reason")
	jobsEnqueueCmd.Flags().String("key", "", "idempotency key (default: random UUID)")
	_ = jobsEnqueueCmd.MarkFlagRequired("target")
}

func outputFormat(cmd *cobra.Command) (output.Format, error) {
	raw, _ := cmd.Flags().GetString("output")
	format, err := output.ParseFormat(raw)
	if err != nil {
		return "", withExit(foundry.ExitFailure, "invalid output format", err)
	}
	return format, nil
}

func newJobFromFlags(cmd *cobra.Command) (core.NewJob, error) {
	flags := cmd.Flags()
	target, _ := flags.GetString("target")
	rawAmount, _ := flags.GetString("amount")
	reason, _ := flags.GetString("reason")
	key, _ := flags.GetString("key")

	amount, err := decimal.NewFromString(strings.TrimSpace(rawAmount))
	if err != nil {
		return core.NewJob{}, fmt.Errorf("amount %q: %w", rawAmount, err)
	}
	if strings.TrimSpace(key) == "" {
		key = uuid.NewString()
	}

	return core.NewJob{
		IdempotencyKey: strings.TrimSpace(key),
		Payload: core.JobPayload{
			TargetKey: strings.TrimSpace(target),
			Amount:    amount,
			Reason:    reason,
		},
	}, nil
}

// withLocalQueue runs fn against an unstarted queue over the configured
// store. Stopping the queue closes the store.
func withLocalQueue(cmd *cobra.Command, fn func(ctx context.Context, q *queue.Queue) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}

	q := queue.New(db, nil, queueConfig(cfg.Queue), queue.Options{
		Logger: observability.CoreLogger(),
		Closer: db,
	})
	runErr := fn(ctx, q)
	if err := q.Stop(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
