package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/content"
	"github.com/JakeFAU/facetrace/internal/search"
)

func newCorpusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Fetches the plaintext of ranked candidate pages",
		Long: `Reads a ranked candidates file written by "facetrace search" and fetches
the visible text of each page, escalating to a rendered browser fetch when the
direct fetch hits an anti-bot interstitial. Duplicate pages are dropped. The
concatenated text is written to --out and the per-page documents next to it
as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, cfg, err := resolve(cmd.Context())
			if err != nil {
				return err
			}
			urls, err := readCandidateURLs(cfg.Search.Out)
			if err != nil {
				return err
			}
			docs := instance.Corpus().Build(cmd.Context(), urls, cfg.Corpus.Limit)
			if err := cmd.Context().Err(); err != nil {
				return fmt.Errorf("corpus canceled: %w", err)
			}

			if err := os.MkdirAll(filepath.Dir(cfg.Corpus.Out), 0o750); err != nil {
				return fmt.Errorf("create corpus dir: %w", err)
			}
			text := content.Join(docs)
			if err := os.WriteFile(cfg.Corpus.Out, []byte(text), 0o600); err != nil {
				return fmt.Errorf("write corpus: %w", err)
			}
			data, err := json.MarshalIndent(docs, "", "  ")
			if err != nil {
				return fmt.Errorf("encode corpus documents: %w", err)
			}
			docsPath := documentsPath(cfg.Corpus.Out)
			if err := os.WriteFile(docsPath, data, 0o600); err != nil {
				return fmt.Errorf("write corpus documents: %w", err)
			}
			instance.Logger().Info("corpus written",
				zap.String("text", cfg.Corpus.Out),
				zap.String("documents", docsPath),
				zap.Int("pages", len(docs)))
			fmt.Fprintf(cmd.OutOrStdout(), "%d pages written to %s\n", len(docs), cfg.Corpus.Out)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("candidates", filepath.Join("data", "candidates.json"), "ranked candidates file from the search command")
	flags.String("out", filepath.Join("data", "corpus.txt"), "concatenated page text output file")
	flags.Int("limit", 10, "maximum number of pages to fetch")

	bindKey(flags, "candidates", "search.out")
	bindKey(flags, "out", "corpus.out")
	bindKey(flags, "limit", "corpus.limit")
	return cmd
}

// readCandidateURLs returns the page URLs of a candidates file in rank order.
func readCandidateURLs(path string) ([]string, error) {
	// #nosec G304 -- operator-supplied path.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	var records []search.CandidateRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode candidates %s: %w", path, err)
	}
	urls := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.URL != "" {
			urls = append(urls, rec.URL)
		}
	}
	return urls, nil
}

// documentsPath places the JSON documents beside the text output:
// corpus.txt becomes corpus.json.
func documentsPath(textPath string) string {
	ext := filepath.Ext(textPath)
	if ext == ".json" {
		return textPath + ".documents.json"
	}
	return strings.TrimSuffix(textPath, ext) + ".json"
}
