package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

func TestPublisherStoresAnnouncements(t *testing.T) {
	t.Parallel()

	pub := New()
	require.NoError(t, pub.Announce(context.Background(), crawler.Announcement{JobID: "a"}))
	require.NoError(t, pub.Announce(context.Background(), crawler.Announcement{JobID: "b"}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].JobID)

	msgs[0].JobID = "modified"
	require.Equal(t, "a", pub.Messages()[0].JobID)

	pub.FailWith(errors.New("down"))
	require.Error(t, pub.Announce(context.Background(), crawler.Announcement{JobID: "c"}))
	require.Len(t, pub.Messages(), 2)
}
