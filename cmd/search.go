package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/search"
)

func newSearchCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Runs a reverse face search for one query image",
		Long: `Detects the single face in the query image, uploads it to the image
search provider in a real browser session, and ranks the returned thumbnails
by face similarity. Ranked candidates are written to --out.`,
		Example: `  facetrace search --query me.jpg
  facetrace search --query https://example.com/me.png --threshold 0.5 --checkpoint http`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, cfg, err := resolve(cmd.Context())
			if err != nil {
				return err
			}
			orchestrator, err := instance.Orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			result, err := orchestrator.Run(cmd.Context(), search.Request{
				Query:      query,
				MaxResults: cfg.Search.MaxResults,
				Threshold:  cfg.Rank.Threshold,
				OutputName: filepath.Base(cfg.Search.Out),
			})
			if err != nil {
				return err
			}
			instance.Logger().Info("search finished",
				zap.String("run_id", result.RunID),
				zap.Int("matched", len(result.Candidates)),
				zap.Int("skipped", result.Stats.Skipped()))
			printCandidates(cmd.OutOrStdout(), result, filepath.Base(cfg.Search.Out))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&query, "query", "q", "", "query image: local path, http(s) URL or data: URI")
	flags.Int("max-results", 30, "maximum number of search results to collect")
	flags.Float64("threshold", 0.4, "minimum face similarity for a candidate")
	flags.String("download-dir", filepath.Join("data", "thumbs"), "directory for downloaded thumbnails")
	flags.String("out", filepath.Join("data", "candidates.json"), "ranked candidates output file")
	flags.String("profile-dir", "", "Chrome user data dir for the first launch attempt")
	flags.String("checkpoint", "prompt", "how to confirm a solved challenge: prompt or http")
	_ = cmd.MarkFlagRequired("query")

	bindKey(flags, "max-results", "search.max_results")
	bindKey(flags, "threshold", "rank.threshold")
	bindKey(flags, "download-dir", "search.download_dir")
	bindKey(flags, "out", "search.out")
	bindKey(flags, "profile-dir", "browser.profile_dir")
	bindKey(flags, "checkpoint", "checkpoint.mode")
	return cmd
}

func printCandidates(w io.Writer, result search.Result, artifact string) {
	if len(result.Candidates) == 0 {
		fmt.Fprintf(w, "no candidates matched (%d entries, %d skipped)\n", result.Stats.Total, result.Stats.Skipped())
		return
	}
	for _, rec := range result.Candidates.Records() {
		fmt.Fprintf(w, "%3d  %.4f  %s\n", rec.Rank, rec.Similarity, rec.URL)
	}
	if uri, ok := result.Artifacts[artifact]; ok {
		fmt.Fprintf(w, "candidates written to %s\n", uri)
	}
}
