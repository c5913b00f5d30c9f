package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

func TestAnnouncePublishesJSON(t *testing.T) {
	t.Parallel()

	var (
		gotData  []byte
		gotAttrs map[string]string
	)
	p := &Publisher{send: func(_ context.Context, data []byte, attrs map[string]string) (string, error) {
		gotData, gotAttrs = data, attrs
		return "msg-1", nil
	}}

	a := crawler.Announcement{JobID: "https://example.com/n", Origin: "chat", Channel: "gcs", Reference: "https://x", SizeBytes: 9}
	require.NoError(t, p.Announce(context.Background(), a))

	var decoded crawler.Announcement
	require.NoError(t, json.Unmarshal(gotData, &decoded))
	require.Equal(t, a.Reference, decoded.Reference)
	require.Equal(t, "chat", gotAttrs["origin"])
	require.Equal(t, "gcs", gotAttrs["channel"])
}

func TestAnnounceErrors(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil).Announce(context.Background(), crawler.Announcement{}))

	p := &Publisher{send: func(context.Context, []byte, map[string]string) (string, error) {
		return "", errors.New("unavailable")
	}}
	require.ErrorContains(t, p.Announce(context.Background(), crawler.Announcement{}), "unavailable")
}
