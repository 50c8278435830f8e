// Package report renders a human-readable Markdown summary of a run.
package report

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/JakeFAU/facetrace/internal/search"
)

const maxURLWidth = 80

// Markdown implements search.ReportRenderer.
type Markdown struct{}

// NewMarkdown returns a Markdown renderer.
func NewMarkdown() *Markdown {
	return &Markdown{}
}

// Render returns the report for result.
func (m *Markdown) Render(result search.Result) ([]byte, error) {
	var buf bytes.Buffer
	md := markdown.NewMarkdown(&buf)

	writeHeader(md, result)
	writeOutcomes(md, result.Stats)
	writeCandidates(md, result.Candidates)
	writeArtifacts(md, result.Artifacts)

	if err := md.Build(); err != nil {
		return nil, fmt.Errorf("build markdown: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(md *markdown.Markdown, result search.Result) {
	md.H1("facetrace run " + result.RunID)
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Query", "`" + result.Query.Source + "`"},
			{"Model", result.Query.Model},
			{"Started", result.StartedAt.Format("2006-01-02 15:04:05 MST")},
			{"Duration", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond).String()},
			{"Entries collected", strconv.Itoa(len(result.Entries))},
			{"Matches", strconv.Itoa(len(result.Candidates))},
		},
	})
	md.PlainText("")

	switch {
	case len(result.Entries) == 0:
		md.Warning("The provider returned no results. Check the diagnostic screenshot and the selector configuration.")
	case len(result.Candidates) == 0:
		md.Note("No result passed the similarity threshold.")
	default:
		md.Tipf("Best match %s at similarity %.3f.", result.Candidates[0].PageURL, result.Candidates[0].Similarity)
	}
	md.PlainText("")
}

func writeOutcomes(md *markdown.Markdown, stats search.RankStats) {
	md.H2("Outcomes")
	md.PlainText("")
	rows := []struct {
		label string
		n     int
	}{
		{"Matched", stats.Matched},
		{"Below threshold", stats.BelowThreshold},
		{"Invalid entry", stats.Invalid},
		{"Download failed", stats.DownloadFailed},
		{"Unreadable image", stats.Unreadable},
		{"No face", stats.NoFace},
		{"Several faces", stats.AmbiguousFace},
		{"Embedding failed", stats.EmbedFailed},
		{"Canceled", stats.Canceled},
	}
	table := markdown.TableSet{Header: []string{"Outcome", "Count"}}
	chart := piechart.NewPieChart(io.Discard, piechart.WithTitle("Candidate outcomes"), piechart.WithShowData(true))
	for _, r := range rows {
		table.Rows = append(table.Rows, []string{r.label, strconv.Itoa(r.n)})
		if r.n > 0 {
			chart.LabelAndIntValue(r.label, uint64(r.n))
		}
	}
	table.Rows = append(table.Rows, []string{"**Total**", "**" + strconv.Itoa(stats.Total) + "**"})
	md.Table(table)
	md.PlainText("")
	if stats.Total > 0 {
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}
}

func writeCandidates(md *markdown.Markdown, candidates search.CandidateList) {
	md.H2("Candidates")
	md.PlainText("")
	if len(candidates) == 0 {
		md.PlainText("None.")
		md.PlainText("")
		return
	}
	table := markdown.TableSet{Header: []string{"Rank", "Similarity", "Page"}}
	for _, rec := range candidates.Records() {
		table.Rows = append(table.Rows, []string{
			strconv.Itoa(rec.Rank),
			strconv.FormatFloat(rec.Similarity, 'f', 3, 64),
			markdown.Link(truncate(rec.URL, maxURLWidth), rec.URL),
		})
	}
	md.Table(table)
	md.PlainText("")
}

func writeArtifacts(md *markdown.Markdown, artifacts map[string]string) {
	if len(artifacts) == 0 {
		return
	}
	md.H2("Artifacts")
	md.PlainText("")
	names := []string{search.ArtifactQuery, search.ArtifactEntries}
	for name := range artifacts {
		if name != search.ArtifactQuery && name != search.ArtifactEntries {
			names = append(names, name)
		}
	}
	items := make([]string, 0, len(names))
	for _, name := range names {
		if uri, ok := artifacts[name]; ok {
			items = append(items, fmt.Sprintf("%s: `%s`", name, uri))
		}
	}
	md.BulletList(items...)
	md.PlainText("")
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
