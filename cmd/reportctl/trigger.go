package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"report-orchestrator/internal/bootstrap"
	"report-orchestrator/internal/config"
	"report-orchestrator/internal/worker"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Claim and execute one queued job by id",
	Long:  "Claims the given job if it is QUEUED (ignoring its scheduled time) or its lease has expired, runs its handler in this process and records the outcome.",
	RunE:  runTrigger,
}

var (
	triggerJobID       string
	triggerDatabaseURL string
)

func init() {
	triggerCmd.Flags().StringVar(&triggerJobID, "job", "", "Job ID to execute (required)")
	triggerCmd.Flags().StringVar(&triggerDatabaseURL, "db-url", "", "Database URL (overrides POSTGRES_DSN)")
	_ = triggerCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.Load()
	if triggerDatabaseURL != "" {
		cfg.PostgresDSN = triggerDatabaseURL
	}

	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	rdb, err := bootstrap.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	q, _ := bootstrap.WithNotifier(st, rdb)

	orch, release, err := bootstrap.NewOrchestrator(ctx, cfg, st, q, rdb)
	if err != nil {
		return err
	}
	defer release()

	opts := worker.OptionsFromConfig(cfg)
	opts.WorkerID = cfg.WorkerID + "-trigger"
	processor := worker.NewProcessor(st, opts)
	orch.Register(processor)

	ran, err := processor.ProcessOnce(ctx, triggerJobID)
	if err != nil {
		return err
	}
	if !ran {
		return fmt.Errorf("job %s is not claimable (unknown, leased or finished)", triggerJobID)
	}
	job, err := st.GetJob(ctx, triggerJobID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s (%s) is %s after %d/%d attempts\n", job.ID, job.Type, job.Status, job.AttemptCount, job.MaxAttempts)
	if job.LastError != nil {
		fmt.Fprintf(out, "last error: %s\n", *job.LastError)
	}
	return nil
}
