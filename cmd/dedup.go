package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/dedup"
	"github.com/sells-group/vehicle-consensus/internal/model"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Find and merge duplicate vehicles",
}

// -- dedup plan --

var dedupPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Sweep for duplicate candidate groups without changing anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		th, err := planThresholds(cmd, e.Thresholds)
		if err != nil {
			return err
		}
		groups, err := e.Finder.Sweep(ctx, th)
		if err != nil {
			return eris.Wrap(err, "dedup plan")
		}

		if out, _ := cmd.Flags().GetString("out"); out != "" {
			if err := writePlan(out, groups); err != nil {
				return err
			}
			zap.L().Info("plan written", zap.String("file", out), zap.Int("groups", len(groups)))
			return nil
		}
		if len(groups) == 0 {
			fmt.Fprintln(os.Stderr, "No duplicate candidates found.")
			return nil
		}
		formatGroups(os.Stdout, groups)
		return nil
	},
}

// -- dedup execute --

var dedupExecuteCmd = &cobra.Command{
	Use:   "execute",
	Short: "Merge every group in a saved plan, or in a fresh sweep",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		parallelism, _ := cmd.Flags().GetInt("parallelism")
		planPath, _ := cmd.Flags().GetString("plan")

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		var groups []model.DuplicateCandidateGroup
		if planPath != "" {
			groups, err = readPlan(planPath)
		} else {
			var th dedup.Thresholds
			th, err = planThresholds(cmd, e.Thresholds)
			if err == nil {
				groups, err = e.Finder.Sweep(ctx, th)
			}
		}
		if err != nil {
			return eris.Wrap(err, "dedup execute")
		}
		if len(groups) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to merge.")
			return nil
		}

		results, err := e.Merger.ExecutePlan(ctx, groups, dryRun, parallelism)
		if err != nil {
			return eris.Wrap(err, "dedup execute")
		}
		var merged int
		for _, recs := range results {
			for _, rec := range recs {
				formatMergeRecord(os.Stdout, rec, dryRun)
				merged++
			}
		}
		zap.L().Info("dedup execute complete",
			zap.Int("groups", len(groups)),
			zap.Int("merges", merged),
			zap.Bool("dry_run", dryRun),
		)
		return nil
	},
}

// -- dedup merge --

var dedupMergeCmd = &cobra.Command{
	Use:   "merge <canonical-id> <duplicate-id>",
	Short: "Merge one duplicate into a canonical entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		rec, err := e.Merger.Merge(ctx, args[0], args[1], dryRun)
		if err != nil {
			return eris.Wrap(err, "dedup merge")
		}
		formatMergeRecord(os.Stdout, *rec, dryRun)
		return nil
	},
}

func init() {
	addSweepFlags(dedupPlanCmd)
	addSweepFlags(dedupExecuteCmd)
	dedupPlanCmd.Flags().String("out", "", "write the plan as JSON to this file")

	dedupExecuteCmd.Flags().String("plan", "", "JSON plan written by dedup plan --out")
	dedupExecuteCmd.Flags().Bool("dry-run", false, "report what would move without writing")
	dedupExecuteCmd.Flags().Int("parallelism", 4, "groups merged concurrently")

	dedupMergeCmd.Flags().Bool("dry-run", false, "report what would move without writing")

	dedupCmd.AddCommand(dedupPlanCmd)
	dedupCmd.AddCommand(dedupExecuteCmd)
	dedupCmd.AddCommand(dedupMergeCmd)
	rootCmd.AddCommand(dedupCmd)
}

func addSweepFlags(c *cobra.Command) {
	c.Flags().Int("limit", 0, "max groups (default from config)")
	c.Flags().StringSlice("basis", nil, "restrict to match bases: image_signature, geo_time, attribute_match")
}

func planThresholds(cmd *cobra.Command, th dedup.Thresholds) (dedup.Thresholds, error) {
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		th.GroupLimit = limit
	}
	bases, _ := cmd.Flags().GetStringSlice("basis")
	for _, b := range bases {
		basis := model.MatchBasis(b)
		switch basis {
		case model.BasisImageSignature, model.BasisGeoTime, model.BasisAttributeMatch:
			th.Bases = append(th.Bases, basis)
		default:
			return th, model.NewValidationError("basis", "unknown match basis "+b)
		}
	}
	return th, nil
}

func writePlan(path string, groups []model.DuplicateCandidateGroup) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create plan %s", path)
	}
	defer f.Close() //nolint:errcheck
	if groups == nil {
		groups = []model.DuplicateCandidateGroup{}
	}
	return eris.Wrap(printJSON(f, groups), "write plan")
}

func readPlan(path string) ([]model.DuplicateCandidateGroup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read plan %s", path)
	}
	var groups []model.DuplicateCandidateGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, eris.Wrapf(err, "parse plan %s", path)
	}
	return groups, nil
}
