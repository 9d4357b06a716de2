package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"report-orchestrator/internal/bootstrap"
	"report-orchestrator/internal/config"
	"report-orchestrator/internal/models"
	"report-orchestrator/internal/orchestrator"
	"report-orchestrator/internal/queue"
	"report-orchestrator/internal/store"
	"report-orchestrator/internal/worker"
)

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run a report fixture end to end in process",
	Long:  "Loads a YAML run fixture, executes START_RUN, every RUN_SECTION, ASSEMBLE and the requested EXPORT jobs against an in-memory store, and writes export files to the output directory.",
	RunE:  runLocalCmd,
}

var (
	localFixtureFile string
	localOutputDir   string
)

func init() {
	localCmd.Flags().StringVarP(&localFixtureFile, "file", "f", "", "Path to the YAML run fixture (required)")
	localCmd.Flags().StringVarP(&localOutputDir, "out", "o", "exports", "Directory export files are written to")
	_ = localCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(localCmd)
}

// fixture is the YAML shape accepted by the local command.
type fixture struct {
	orchestrator.RunRequest `yaml:",inline"`
	Connectors              []models.Connector    `yaml:"connectors"`
	Exports                 []models.ExportFormat `yaml:"exports"`
}

func loadFixture(path string) (fixture, error) {
	var fx fixture
	data, err := os.ReadFile(path)
	if err != nil {
		return fx, fmt.Errorf("read fixture: %w", err)
	}
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return fx, fmt.Errorf("parse fixture: %w", err)
	}
	if err := validator.New().Struct(fx.Template); err != nil {
		return fx, fmt.Errorf("invalid template: %w", err)
	}
	if len(fx.Exports) == 0 {
		fx.Exports = []models.ExportFormat{models.FormatMarkdown}
	}
	return fx, nil
}

func runLocalCmd(cmd *cobra.Command, _ []string) error {
	fx, err := loadFixture(localFixtureFile)
	if err != nil {
		return err
	}
	cfg := config.Load()
	cfg.ExportDir = localOutputDir
	cfg.ExportS3Bucket = ""
	cfg.RedisAddr = ""
	_, err = runLocal(cmd.Context(), cfg, fx, cmd.OutOrStdout())
	return err
}

// runLocal executes a fixture against an in-memory store and returns the
// export records in request order.
func runLocal(ctx context.Context, cfg config.Config, fx fixture, out io.Writer) ([]models.ExportRecord, error) {
	mem := store.NewMemory(queue.Options{LeaseDuration: 5 * time.Minute})
	orch, release, err := bootstrap.NewOrchestrator(ctx, cfg, mem, mem, nil)
	if err != nil {
		return nil, err
	}
	defer release()

	processor := worker.NewProcessor(mem, worker.Options{WorkerID: "reportctl-local", Concurrency: 1})
	orch.Register(processor)

	for _, c := range fx.Connectors {
		if err := mem.UpsertConnector(ctx, c); err != nil {
			return nil, err
		}
	}
	run, sections := orchestrator.NewRun(fx.RunRequest)
	if err := mem.CreateRun(ctx, run, sections); err != nil {
		return nil, err
	}
	if _, err := mem.Enqueue(ctx, queue.EnqueueParams{Type: models.JobStartRun, RunID: run.ID}); err != nil {
		return nil, err
	}
	n, err := processor.Drain(ctx)
	if err != nil {
		return nil, err
	}

	run, err = mem.GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "run %s: %s after %d jobs\n", run.ID, run.Status, n)
	if run.Status != models.StatusCompleted {
		return nil, failureDetail(ctx, mem, run.ID)
	}

	ids := make([]string, 0, len(fx.Exports))
	for _, f := range fx.Exports {
		id := uuid.New().String()
		ids = append(ids, id)
		if _, err := mem.Enqueue(ctx, queue.EnqueueParams{
			Type:    models.JobExport,
			RunID:   run.ID,
			Payload: map[string]any{"format": string(f), "exportId": id},
		}); err != nil {
			return nil, err
		}
	}
	if _, err := processor.Drain(ctx); err != nil {
		return nil, err
	}

	records := make([]models.ExportRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := mem.GetExport(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		if rec.Status == models.ExportReady {
			fmt.Fprintf(out, "export %s %s: %s (%d bytes)\n", rec.Format, rec.Status, rec.StorageURL, rec.FileSize)
			continue
		}
		msg := ""
		if rec.ErrorMessage != nil {
			msg = *rec.ErrorMessage
		}
		fmt.Fprintf(out, "export %s %s: %s\n", rec.Format, rec.Status, msg)
	}
	return records, nil
}

func failureDetail(ctx context.Context, mem *store.Memory, runID string) error {
	jobs, err := mem.ListJobsForRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status == models.StatusFailed && j.LastError != nil {
			return fmt.Errorf("run %s failed: %s job %s: %s", runID, j.Type, j.ID, *j.LastError)
		}
	}
	return fmt.Errorf("run %s did not complete", runID)
}
