package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/homecert/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the certification rules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		formatRules(os.Stdout, rules.Default().Rules())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
}

// formatRules writes one line per rule to w.
func formatRules(out io.Writer, rs []rules.Rule) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tWEIGHT\tPROGRAMS\tEFFECTIVE\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "----\t------\t--------\t---------\t-----------")
	for _, r := range rs {
		programs := "all"
		if len(r.Programs) > 0 {
			programs = strings.Join(r.Programs, ",")
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", r.Name, r.Weight, programs, effective(r.Since, r.Until), r.Description)
	}
	_ = w.Flush()
}

func effective(since, until *time.Time) string {
	switch {
	case since == nil && until == nil:
		return "always"
	case until == nil:
		return "from " + since.Format(time.DateOnly)
	case since == nil:
		return "until " + until.Format(time.DateOnly)
	default:
		return since.Format(time.DateOnly) + " to " + until.Format(time.DateOnly)
	}
}
