package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/orchestrator"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Control ingestion sources",
}

// -- sources list --

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List source controls",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		sources, err := e.Controls.List(ctx)
		if err != nil {
			return eris.Wrap(err, "sources list")
		}
		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "No sources registered.")
			return nil
		}
		formatSources(os.Stdout, sources)
		return nil
	},
}

// -- sources set --

var sourcesSetCmd = &cobra.Command{
	Use:   "set <source>",
	Short: "Change a source's enabled flag, concurrency, rate limit or priority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		patch := sourcePatchFromFlags(cmd)
		if patch == (model.SourcePatch{}) {
			return model.NewValidationError("flags", "nothing to change")
		}

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		sc, err := e.Controls.Update(ctx, args[0], patch)
		if err != nil {
			return eris.Wrap(err, "sources set")
		}
		formatSources(os.Stdout, []model.SourceControl{*sc})
		return nil
	},
}

// -- sources health --

var sourcesHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show derived source health and queue depth",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		health, err := e.Controls.Health(ctx)
		if err != nil {
			return eris.Wrap(err, "sources health")
		}
		formatHealth(os.Stdout, health)
		return nil
	},
}

// -- sources sync --

var sourcesSyncCmd = &cobra.Command{
	Use:   "sync <file>",
	Short: "Register sources from a YAML file",
	Long: `Registers or updates sources from a YAML file:

  sources:
    - name: bat
      type: auction
      enabled: true
      max_concurrent_jobs: 2
      rate_limit_seconds: 60
      priority: 10

Health state of existing sources is preserved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sources, err := readSourcesFile(args[0])
		if err != nil {
			return err
		}

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := syncSources(ctx, e.Controls, sources); err != nil {
			return err
		}
		zap.L().Info("sources synced", zap.Int("count", len(sources)))
		return nil
	},
}

func init() {
	addSourceSetFlags(sourcesSetCmd)

	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesSetCmd)
	sourcesCmd.AddCommand(sourcesHealthCmd)
	sourcesCmd.AddCommand(sourcesSyncCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func addSourceSetFlags(c *cobra.Command) {
	c.Flags().Bool("enabled", true, "enable or disable the source")
	c.Flags().Int("max-concurrent", 0, "max jobs running at once")
	c.Flags().Int("rate-limit", 0, "min seconds between job starts")
	c.Flags().Int("priority", 0, "claim priority, higher first")
}

// sourcePatchFromFlags sets only the members whose flags were given.
func sourcePatchFromFlags(cmd *cobra.Command) model.SourcePatch {
	var p model.SourcePatch
	flags := cmd.Flags()
	if flags.Changed("enabled") {
		v, _ := flags.GetBool("enabled")
		p.IsEnabled = &v
	}
	if flags.Changed("max-concurrent") {
		v, _ := flags.GetInt("max-concurrent")
		p.MaxConcurrentJobs = &v
	}
	if flags.Changed("rate-limit") {
		v, _ := flags.GetInt("rate-limit")
		p.RateLimitSeconds = &v
	}
	if flags.Changed("priority") {
		v, _ := flags.GetInt("priority")
		p.Priority = &v
	}
	return p
}

type sourceSpec struct {
	Name              string `yaml:"name"`
	Type              string `yaml:"type"`
	Enabled           *bool  `yaml:"enabled"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
	RateLimitSeconds  int    `yaml:"rate_limit_seconds"`
	Priority          int    `yaml:"priority"`
}

// readSourcesFile parses a sources YAML file. Sources are enabled unless
// the file says otherwise.
func readSourcesFile(path string) ([]model.SourceControl, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read sources file %s", path)
	}
	var doc struct {
		Sources []sourceSpec `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "parse sources file %s", path)
	}

	out := make([]model.SourceControl, 0, len(doc.Sources))
	for i, s := range doc.Sources {
		st, ok := model.ParseSourceType(s.Type)
		if !ok {
			return nil, model.NewValidationError(fmt.Sprintf("sources[%d].type", i), "unknown source type "+s.Type)
		}
		enabled := s.Enabled == nil || *s.Enabled
		out = append(out, model.SourceControl{
			SourceName:        s.Name,
			SourceType:        st,
			IsEnabled:         enabled,
			MaxConcurrentJobs: s.MaxConcurrentJobs,
			RateLimitSeconds:  s.RateLimitSeconds,
			Priority:          s.Priority,
		})
	}
	return out, nil
}

func syncSources(ctx context.Context, controls *orchestrator.Controls, sources []model.SourceControl) error {
	if len(sources) == 0 {
		return model.NewValidationError("sources", "file lists no sources")
	}
	return eris.Wrap(controls.Register(ctx, sources...), "sources sync")
}
