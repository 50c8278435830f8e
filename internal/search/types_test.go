package search

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/facetrace/internal/face"
)

func TestEntryValid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"http pair", Entry{"https://t.example/a.jpg", "https://p.example/x"}, true},
		{"data thumbnail", Entry{"data:image/jpeg;base64,/9j/AA==", "http://p.example"}, true},
		{"missing page", Entry{"https://t.example/a.jpg", ""}, false},
		{"missing thumb", Entry{"", "https://p.example"}, false},
		{"relative page", Entry{"https://t.example/a.jpg", "/url?q=x"}, false},
		{"javascript page", Entry{"https://t.example/a.jpg", "javascript:void(0)"}, false},
		{"data text", Entry{"data:text/html,hi", "https://p.example"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.entry.Valid())
		})
	}
}

func TestCandidateRecordsRankFromOne(t *testing.T) {
	t.Parallel()

	list := CandidateList{
		{PageURL: "a", LocalThumbnailPath: "/t/a", Similarity: 0.9},
		{PageURL: "b", LocalThumbnailPath: "/t/b", Similarity: 0.6},
	}
	recs := list.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, CandidateRecord{Rank: 1, URL: "a", LocalPath: "/t/a", Similarity: 0.9}, recs[0])
	assert.Equal(t, 2, recs[1].Rank)
	assert.Equal(t, []string{"a", "b"}, list.PageURLs())
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("run: %w", newError(KindInput, "prepare query", face.ErrAmbiguousFace))
	require.ErrorIs(t, err, face.ErrAmbiguousFace)
	assert.Equal(t, KindInput, KindOf(err))
	assert.Contains(t, err.Error(), "input error: prepare query")
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
	assert.Equal(t, "unknown", Kind(42).String())
}

func TestRankStatsSkipped(t *testing.T) {
	t.Parallel()

	s := RankStats{Total: 9, Matched: 2, BelowThreshold: 1, Invalid: 1, DownloadFailed: 1, Unreadable: 1, NoFace: 1, AmbiguousFace: 1, EmbedFailed: 1}
	assert.Equal(t, 6, s.Skipped())
	assert.Equal(t, s.Total, s.Matched+s.BelowThreshold+s.Skipped())
}
