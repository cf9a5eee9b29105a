package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/consensus"
	"github.com/sells-group/vehicle-consensus/internal/evidence"
	"github.com/sells-group/vehicle-consensus/internal/ingest"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/orchestrator"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Enqueue, run and recover ingestion jobs",
}

// -- jobs enqueue --

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <source>",
	Short: "Queue an ingestion job for a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := jobRequestFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		job, err := e.Scheduler.Enqueue(ctx, req)
		if err != nil {
			return eris.Wrap(err, "jobs enqueue")
		}
		_, _ = fmt.Fprintln(os.Stdout, job.ID)
		return nil
	},
}

// -- jobs work --

var jobsWorkCmd = &cobra.Command{
	Use:   "work",
	Short: "Claim and run queued jobs until interrupted",
	Long:  "Runs the worker loop. Every registered source is handled by the file import handler, whose job payload names the file to ingest.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		once, _ := cmd.Flags().GetBool("once")

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		sources, err := e.Controls.List(ctx)
		if err != nil {
			return eris.Wrap(err, "jobs work")
		}
		registry := orchestrator.NewRegistry()
		handler := fileImportHandler(e.Evidence, e.Resolver, e.Controls)
		for _, sc := range sources {
			registry.Register(sc.SourceName, handler)
		}

		runner := orchestrator.NewRunner(e.Scheduler, e.Controls, registry, e.Settings)
		if once {
			n, err := runner.RunOnce(ctx)
			if err != nil {
				return eris.Wrap(err, "jobs work")
			}
			zap.L().Info("worker pass complete", zap.Int("jobs", n))
			return nil
		}

		go e.Reaper.Run(ctx)
		zap.L().Info("worker started",
			zap.String("worker_id", e.Scheduler.WorkerID()),
			zap.Strings("sources", registry.Sources()),
		)
		return runner.Run(ctx)
	},
}

// -- jobs reap --

var jobsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Requeue or fail jobs whose lease expired",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Reaper.ResetStale(ctx)
		if err != nil {
			return eris.Wrap(err, "jobs reap")
		}
		_, _ = fmt.Fprintf(os.Stdout, "requeued %d, failed %d\n", res.Requeued, res.Failed)
		return nil
	},
}

// -- jobs cancel --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		return eris.Wrap(e.Scheduler.Cancel(ctx, args[0]), "jobs cancel")
	},
}

func init() {
	addEnqueueFlags(jobsEnqueueCmd)

	jobsWorkCmd.Flags().Bool("once", false, "run a single claim pass and exit")

	jobsCmd.AddCommand(jobsEnqueueCmd)
	jobsCmd.AddCommand(jobsWorkCmd)
	jobsCmd.AddCommand(jobsReapCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}

func addEnqueueFlags(c *cobra.Command) {
	c.Flags().String("file", "", "file for the import handler to ingest")
	c.Flags().String("format", "", "file format: csv, json or xlsx (default from extension)")
	c.Flags().String("payload", "", "raw JSON payload (overrides --file)")
	c.Flags().Int("priority", 0, "priority override (default from source)")
	c.Flags().Int("max-attempts", 0, "attempts before terminal failure (default from config)")
}

func jobRequestFromFlags(cmd *cobra.Command, source string) (orchestrator.JobRequest, error) {
	req := orchestrator.JobRequest{SourceName: source}
	flags := cmd.Flags()

	if flags.Changed("priority") {
		v, _ := flags.GetInt("priority")
		req.Priority = &v
	}
	req.MaxAttempts, _ = flags.GetInt("max-attempts")

	raw, _ := flags.GetString("payload")
	file, _ := flags.GetString("file")
	format, _ := flags.GetString("format")
	switch {
	case raw != "":
		req.Payload = json.RawMessage(raw)
	case file != "":
		p, err := json.Marshal(importPayload{Path: file, Format: ingest.Format(format)})
		if err != nil {
			return req, eris.Wrap(err, "encode payload")
		}
		req.Payload = p
	}
	return req, nil
}

// importPayload is the job payload understood by fileImportHandler.
type importPayload struct {
	Path   string        `json:"path"`
	Format ingest.Format `json:"format,omitempty"`
	Sheet  string        `json:"sheet,omitempty"`
}

// fileImportHandler ingests the file named in the job payload as evidence
// from the job's source. A missing file blocks the job rather than failing
// it, since retrying cannot help.
func fileImportHandler(ev *evidence.Service, res *consensus.Resolver, controls *orchestrator.Controls) orchestrator.Handler {
	return func(ctx context.Context, job model.IngestionJob) (json.RawMessage, error) {
		var p importPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return nil, eris.Wrapf(orchestrator.ErrBlocked, "payload: %s", err)
			}
		}
		if strings.TrimSpace(p.Path) == "" {
			return nil, eris.Wrap(orchestrator.ErrBlocked, "payload has no path")
		}
		if _, err := os.Stat(p.Path); err != nil {
			return nil, eris.Wrapf(orchestrator.ErrBlocked, "stat %s: %s", p.Path, err)
		}

		sc, err := controls.Get(ctx, job.SourceName)
		if err != nil {
			return nil, err
		}

		sum, err := importFile(ctx, ev, res, nil, p.Path, ingest.Options{
			Format:     p.Format,
			SourceName: sc.SourceName,
			SourceType: sc.SourceType,
			Sheet:      p.Sheet,
		}, 500)
		if err != nil {
			return nil, err
		}
		return json.Marshal(sum)
	}
}
