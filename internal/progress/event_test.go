package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Checkpoint(jobA, crawler.PhaseInit, "start").Validate())
	require.NoError(t, Final(jobA, "done", false).Validate())

	cases := map[string]Event{
		"missing job":       {Phase: crawler.PhaseInit, TS: time.Now()},
		"missing ts":        {JobID: "a", Phase: crawler.PhaseInit},
		"unknown phase":     {JobID: "a", Phase: "x", TS: time.Now()},
		"terminal mid-run":  {JobID: "a", Phase: crawler.PhaseBind, Terminal: true, TS: time.Now()},
		"non-terminal done": {JobID: "a", Phase: crawler.PhaseDelivered, TS: time.Now()},
		"done over total":   {JobID: "a", Phase: crawler.PhaseChapterFetch, Done: 3, Total: 2, TS: time.Now()},
	}
	for name, evt := range cases {
		require.Error(t, evt.Validate(), name)
	}
}

func TestEventPercent(t *testing.T) {
	t.Parallel()

	require.Equal(t, 50, Update(jobA, crawler.PhaseChapterFetch, 5, 10).Percent())
	require.Equal(t, -1, Checkpoint(jobA, crawler.PhaseInit, "").Percent())
	require.Equal(t, crawler.PhaseFailed, Final(jobA, "x", true).Phase)
}
