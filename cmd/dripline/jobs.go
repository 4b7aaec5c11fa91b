package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/dripline/internal/app"
	"github.com/foxzi/dripline/internal/drip"
	"github.com/foxzi/dripline/internal/queue"
)

var (
	jobsQueue string
	jobsLimit int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job queue commands",
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead jobs",
	RunE:  runJobsDead,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Retry a dead job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runJobsStats,
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobsQueue, "queue", "", "Queue name (dispatch, replies, maintenance)")
	jobsDeadCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum number of jobs to show")

	jobsCmd.AddCommand(jobsDeadCmd, jobsRetryCmd, jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}

// quietLogger keeps CLI output free of component logs
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openQueue(ctx context.Context) (queue.Queue, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	q, _, err := app.OpenQueue(ctx, cfg, quietLogger())
	return q, err
}

func runJobsDead(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	q, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	jobs, err := q.DeadLetters(ctx, jobsQueue, jobsLimit)
	if err != nil {
		return fmt.Errorf("failed to list dead jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No dead jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUEUE\tATTEMPTS\tDIED\tERROR")
	fmt.Fprintln(w, "--\t-----\t--------\t----\t-----")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			job.ID,
			job.Queue,
			job.Attempts,
			job.DeadAt.Format(time.RFC3339),
			truncate(job.LastError, 60),
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d jobs\n", len(jobs))

	return nil
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	q, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	if err := q.RetryDead(ctx, jobsQueue, args[0]); err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}
	fmt.Printf("Job %s queued for retry\n", args[0])
	return nil
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	q, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	queues := []string{drip.QueueDispatch, drip.QueueReplies, drip.QueueMaintenance}
	if jobsQueue != "" {
		queues = []string{jobsQueue}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tPENDING\tRUNNING\tDEFERRED\tCOMPLETED\tDEAD")
	for _, name := range queues {
		stats, err := q.Stats(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to get stats for %s: %w", name, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			name, stats.Pending, stats.Running, stats.Deferred, stats.Completed, stats.Dead)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
