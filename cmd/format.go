package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sells-group/vehicle-consensus/internal/catalog"
	"github.com/sells-group/vehicle-consensus/internal/consensus"
	"github.com/sells-group/vehicle-consensus/internal/model"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatSources writes a tabular list of source controls to out.
func formatSources(out io.Writer, sources []model.SourceControl) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tTYPE\tENABLED\tMAX_JOBS\tRATE_LIMIT\tPRIORITY\tFAILURES\tLAST_SUCCESS")
	_, _ = fmt.Fprintln(w, "------\t----\t-------\t--------\t----------\t--------\t--------\t------------")
	for _, s := range sources {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%ds\t%d\t%d\t%s\n",
			s.SourceName,
			s.SourceType,
			s.IsEnabled,
			s.MaxConcurrentJobs,
			s.RateLimitSeconds,
			s.Priority,
			s.FailureCount,
			formatTime(s.LastSuccessAt),
		)
	}
	_ = w.Flush()
}

// formatHealth writes the source health view to out.
func formatHealth(out io.Writer, health []model.SourceHealth) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tSTATUS\tQUEUED\tRUNNING\tFAILURES\tLAST_RUN\tLAST_SUCCESS")
	_, _ = fmt.Fprintln(w, "------\t------\t------\t-------\t--------\t--------\t------------")
	for _, h := range health {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			h.SourceName,
			h.Status,
			h.QueueDepth,
			h.Running,
			h.FailureCount,
			formatTime(h.LastRunAt),
			formatTime(h.LastSuccessAt),
		)
	}
	_ = w.Flush()
}

// formatGroups writes proposed duplicate groups to out, strongest first as
// the finder returned them.
func formatGroups(out io.Writer, groups []model.DuplicateCandidateGroup) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BASIS\tCONFIDENCE\tCANONICAL\tDUPLICATES\tREASON")
	_, _ = fmt.Fprintln(w, "-----\t----------\t---------\t----------\t------")
	for _, g := range groups {
		dups := g.Duplicates()
		for i, id := range dups {
			dups[i] = truncateID(id)
		}
		_, _ = fmt.Fprintf(w, "%s\t%.0f\t%s\t%s\t%s\n",
			g.MatchBasis,
			g.Confidence,
			truncateID(g.CanonicalID),
			strings.Join(dups, ","),
			g.Reason,
		)
	}
	_ = w.Flush()
}

// formatMergeRecord writes a one-line summary per child kind.
func formatMergeRecord(out io.Writer, rec model.MergeRecord, dryRun bool) {
	verb := "merged"
	if dryRun {
		verb = "would merge"
	}
	_, _ = fmt.Fprintf(out, "%s %s into %s\n", verb, rec.AbsorbedID, rec.CanonicalID)

	kinds := make([]string, 0, len(rec.MovedChildren))
	for k := range rec.MovedChildren {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range kinds {
		c := rec.MovedChildren[model.ChildKind(k)]
		_, _ = fmt.Fprintf(w, "  %s:\tmoved %d\tskipped %d\n", k, c.Moved, c.Skipped)
	}
	_ = w.Flush()
}

// formatView writes a consensus view: the result, then the evidence trail.
func formatView(out io.Writer, v *consensus.View) {
	res := v.Result
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Field:\t%s.%s\n", res.EntityID, res.FieldName)
	_, _ = fmt.Fprintf(w, "Action:\t%s\n", res.Action)
	_, _ = fmt.Fprintf(w, "Value:\t%s\n", res.AssignedValue)
	_, _ = fmt.Fprintf(w, "Confidence:\t%.2f\n", res.Confidence)
	if v.Canonical != nil {
		_, _ = fmt.Fprintf(w, "Canonical:\t%s (v%d)\n", v.Canonical.Value, v.Canonical.Version)
	}
	if res.Reason != "" {
		_, _ = fmt.Fprintf(w, "Reason:\t%s\n", res.Reason)
	}
	if !v.Cached {
		_, _ = fmt.Fprintln(w, "Cached:\tno")
	}
	_ = w.Flush()

	if len(v.Trail) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "EVIDENCE\tVALUE\tSOURCE\tTRUST\tSTATUS\tOBSERVED")
	for _, ev := range v.Trail {
		src := string(ev.SourceType)
		if ev.SourceName != "" {
			src += "/" + ev.SourceName
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%s\t%s\n",
			truncateID(ev.ID),
			ev.ProposedValue,
			src,
			ev.SourceTrust,
			ev.Status,
			ev.ObservedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatEntity writes one entity as aligned key/value lines.
func formatEntity(out io.Writer, e *model.Entity, created bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Entity:\t%s\n", e.ID)
	if created {
		_, _ = fmt.Fprintln(w, "Created:\tyes")
	}
	_, _ = fmt.Fprintf(w, "Vehicle:\t%s\n", strings.TrimSpace(fmt.Sprintf("%s %s %s", yearString(e.Year), e.Make, e.Model)))
	if e.VIN != "" {
		_, _ = fmt.Fprintf(w, "VIN:\t%s\n", e.VIN)
	}
	_, _ = fmt.Fprintf(w, "Status:\t%s (%s)\n", e.Status, e.Visibility)
	if e.MergedInto != "" {
		_, _ = fmt.Fprintf(w, "Merged into:\t%s\n", e.MergedInto)
	}
	_ = w.Flush()
}

// formatChildren writes listings, identifiers and media counts.
func formatChildren(out io.Writer, c *catalog.Children) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "\nListings (%d):\n", len(c.Listings))
	for _, l := range c.Listings {
		_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", l.Platform, l.Status, l.URL, formatTime(l.EndsAt))
	}
	_, _ = fmt.Fprintf(w, "Identifiers (%d):\n", len(c.Identifiers))
	for _, i := range c.Identifiers {
		_, _ = fmt.Fprintf(w, "  %s\t%s\n", i.System, i.Value)
	}
	located := 0
	for _, m := range c.Media {
		if m.HasLocation() {
			located++
		}
	}
	_, _ = fmt.Fprintf(w, "Media:\t%d (%d with capture point)\n", len(c.Media), located)
	_ = w.Flush()
}

func yearString(y int) string {
	if y == 0 {
		return ""
	}
	return fmt.Sprint(y)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
