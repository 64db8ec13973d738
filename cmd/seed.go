package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/homecert/internal/registry"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load reference data (builders, geography, programs) from YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		ref, err := registry.LoadReference(seedFile)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := registry.Seed(ctx, st, ref)
		if err != nil {
			return eris.Wrap(err, "seed reference data")
		}

		zap.L().Info("seed: complete", zap.String("file", seedFile), zap.Int("created", res.Total()))
		formatSeedResult(os.Stdout, res)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "path to reference YAML (required)")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(seedCmd)
}

// formatSeedResult writes the created counts per kind to w.
func formatSeedResult(out io.Writer, res registry.SeedResult) {
	if res.Total() == 0 {
		_, _ = fmt.Fprintln(out, "Reference data already up to date.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, kind := range res.Kinds() {
		_, _ = fmt.Fprintf(w, "%s:\t%d\n", kind, res.Created[kind])
	}
	_ = w.Flush()
}
