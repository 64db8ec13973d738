package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/homecert/internal/metrics"
	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/pipeline"
	"github.com/sells-group/homecert/internal/registry"
	"github.com/sells-group/homecert/internal/rules"
)

var (
	importFile string
	importJSON bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a spreadsheet of homes",
	Long:  "Validates every row, checks sample-set consistency, then commits answers, workflow state and certifications row by row.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("import"); err != nil {
			return err
		}
		opts, err := importOptions(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p := pipeline.New(st, rules.Default(), metrics.New())
		summary, runErr := p.Run(ctx, importFile, opts)
		if summary != nil {
			if importJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(summary); err != nil {
					return eris.Wrap(err, "encode summary")
				}
			} else {
				formatSummary(os.Stdout, summary)
			}
		}
		if errors.Is(runErr, pipeline.ErrAborted) {
			return eris.Wrap(runErr, "import aborted")
		}
		return runErr
	},
}

// importOptions merges command flags over the import config.
func importOptions(cmd *cobra.Command) (pipeline.Options, error) {
	hm, err := registry.LoadHeaderMap(cfg.Import.HeaderMap)
	if err != nil {
		return pipeline.Options{}, err
	}
	qm, err := registry.LoadQuestionMap(cfg.Import.QuestionMap)
	if err != nil {
		return pipeline.Options{}, err
	}
	opts := pipeline.OptionsFromConfig(cfg, hm, qm)

	flags := cmd.Flags()
	for name, dst := range map[string]*bool{
		"overwrite":      &opts.Overwrite,
		"dry-run":        &opts.DryRun,
		"fail-fast":      &opts.FailFast,
		"report-missing": &opts.ReportMissing,
	} {
		if flags.Changed(name) {
			v, err := flags.GetBool(name)
			if err != nil {
				return pipeline.Options{}, err
			}
			*dst = v
		}
	}
	return opts, nil
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to .xlsx or .csv file (required)")
	importCmd.Flags().Bool("overwrite", false, "replace previously recorded answers")
	importCmd.Flags().Bool("dry-run", false, "validate and check sample sets without writing")
	importCmd.Flags().Bool("fail-fast", false, "stop rule evaluation at the first failing rule")
	importCmd.Flags().Bool("report-missing", false, "warn about required questions with no answer")
	importCmd.Flags().BoolVar(&importJSON, "json", false, "print the full summary as JSON")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

// formatReasons writes one indented line per reason, sorted by name.
func formatReasons(w io.Writer, by map[model.SkipReason]int) {
	reasons := make([]string, 0, len(by))
	for r := range by {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", r, by[model.SkipReason(r)])
	}
}

// formatSummary writes a human-readable run summary to w.
func formatSummary(out io.Writer, s *model.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", s.RunID)
	_, _ = fmt.Fprintf(w, "File:\t%s\n", s.File)
	result := string(s.Result)
	if s.DryRun {
		result += " (dry run)"
	}
	_, _ = fmt.Fprintf(w, "Result:\t%s\n", result)
	_, _ = fmt.Fprintf(w, "Rows:\t%d\n", s.TotalRows)
	_, _ = fmt.Fprintf(w, "Committed:\t%d\n", s.Committed)
	_, _ = fmt.Fprintf(w, "Reused:\t%d\n", s.Reused)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", s.Skipped)
	formatReasons(w, s.SkippedBy)
	_, _ = fmt.Fprintf(w, "Unprocessable:\t%d\n", s.Unprocessable)
	formatReasons(w, s.UnprocessableBy)

	_, _ = fmt.Fprintf(w, "Homes certified:\t%d\n", s.HomesCertified)
	_, _ = fmt.Fprintf(w, "Sample sets certified:\t%d\n", s.GroupsCertified)
	_, _ = fmt.Fprintf(w, "Answers:\t%d created, %d deleted, %d reused\n", s.AnswersCreated, s.AnswersDeleted, s.AnswersReused)
	_, _ = fmt.Fprintf(w, "Diagnostics:\t%d errors, %d warnings\n", s.Errors, s.Warnings)
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", s.Elapsed.Round(1e6))
	_ = w.Flush()

	for _, d := range s.RunDiagnostics {
		_, _ = fmt.Fprintln(out, d.String())
	}
	for _, r := range s.Rows {
		for _, d := range r.Diagnostics {
			if d.Severity == model.SeverityError || d.Severity == model.SeverityWarning {
				_, _ = fmt.Fprintln(out, d.String())
			}
		}
	}
}
