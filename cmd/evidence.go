package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/catalog"
	"github.com/sells-group/vehicle-consensus/internal/consensus"
	"github.com/sells-group/vehicle-consensus/internal/evidence"
	"github.com/sells-group/vehicle-consensus/internal/ingest"
	"github.com/sells-group/vehicle-consensus/internal/model"
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Record and review field evidence",
}

// -- evidence import --

var evidenceImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import observations from a CSV, TSV, JSON or XLSX file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		opts, err := importOptions(cmd)
		if err != nil {
			return err
		}
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		register, _ := cmd.Flags().GetBool("register")

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		var reg *catalog.Service
		if register {
			reg = e.Catalog
		}
		sum, err := importFile(ctx, e.Evidence, e.Resolver, reg, args[0], opts, batchSize)
		if err != nil {
			return err
		}

		zap.L().Info("import complete",
			zap.String("file", args[0]),
			zap.Int("recorded", sum.Recorded),
			zap.Int("registered", sum.Registered),
			zap.Int("recomputed", sum.Recomputed),
			zap.Int("consensus_failures", sum.ConsensusFailures),
		)
		_, _ = fmt.Fprintf(os.Stdout, "recorded %d observations, recomputed %d fields\n", sum.Recorded, sum.Recomputed)
		return nil
	},
}

// -- evidence reject --

var evidenceRejectCmd = &cobra.Command{
	Use:   "reject <evidence-id>...",
	Short: "Reject evidence after human review",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Evidence.Reject(ctx, args)
		if err != nil {
			return eris.Wrap(err, "evidence reject")
		}
		_, _ = fmt.Fprintf(os.Stdout, "rejected %d of %d\n", n, len(args))
		return nil
	},
}

func init() {
	addImportFlags(evidenceImportCmd)
	evidenceImportCmd.Flags().Bool("register", false, "register entity ids the file names that are not yet known")

	evidenceCmd.AddCommand(evidenceImportCmd)
	evidenceCmd.AddCommand(evidenceRejectCmd)
	rootCmd.AddCommand(evidenceCmd)
}

func addImportFlags(c *cobra.Command) {
	c.Flags().String("format", "", "input format: csv, json or xlsx (default from extension)")
	c.Flags().String("source", "", "source name recorded on every observation")
	c.Flags().String("source-type", "", "source type for rows that do not name one")
	c.Flags().Float64("trust", -1, "trust override in [0,100] (default from trust table)")
	c.Flags().String("sheet", "", "xlsx sheet name (default first sheet)")
	c.Flags().Int("batch-size", 500, "observations recorded per transaction")
}

func importOptions(cmd *cobra.Command) (ingest.Options, error) {
	format, _ := cmd.Flags().GetString("format")
	source, _ := cmd.Flags().GetString("source")
	sourceType, _ := cmd.Flags().GetString("source-type")
	trust, _ := cmd.Flags().GetFloat64("trust")
	sheet, _ := cmd.Flags().GetString("sheet")

	opts := ingest.Options{
		Format:     ingest.Format(format),
		SourceName: source,
		Sheet:      sheet,
	}
	if sourceType != "" {
		st, ok := model.ParseSourceType(sourceType)
		if !ok {
			return opts, model.NewValidationError("source-type", "unknown source type "+sourceType)
		}
		opts.SourceType = st
	}
	if trust >= 0 {
		opts.Trust = &trust
	}
	return opts, nil
}

// importSummary counts what one file import did.
type importSummary struct {
	Registered        int `json:"registered,omitempty"`
	Recorded          int `json:"recorded"`
	Recomputed        int `json:"recomputed"`
	ConsensusFailures int `json:"consensus_failures"`
}

// importFile reads path and records it in chunks. Each chunk is atomic; a
// failed chunk stops the import but earlier chunks stay recorded. Consensus
// failures are counted, not fatal. With a non-nil reg, entity ids the file
// names are registered before anything is recorded.
func importFile(ctx context.Context, ev *evidence.Service, res *consensus.Resolver, reg *catalog.Service, path string, opts ingest.Options, batchSize int) (importSummary, error) {
	var sum importSummary

	b, err := ingest.ReadFile(ctx, path, opts)
	if err != nil {
		return sum, err
	}

	if reg != nil {
		ids := make([]string, len(b.Observations))
		for i, obs := range b.Observations {
			ids[i] = obs.EntityID
		}
		if sum.Registered, err = reg.EnsureAll(ctx, ids); err != nil {
			return sum, eris.Wrap(err, "register entities")
		}
	}

	for i, chunk := range ingest.Chunk(b, batchSize) {
		recs, err := ev.RecordBatch(ctx, chunk)
		if err != nil {
			return sum, eris.Wrapf(err, "import chunk %d", i)
		}
		sum.Recorded += len(recs)

		if res == nil {
			continue
		}
		results, err := res.ApplyRecorded(ctx, recs)
		sum.Recomputed += len(results)
		if err != nil {
			sum.ConsensusFailures += len(evidence.Targets(recs)) - len(results)
		}
	}
	return sum, nil
}
