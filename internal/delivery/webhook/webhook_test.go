package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

type received struct {
	contentType string
	fields      map[string]string
	file        string
	fileName    string
	json        map[string]any
}

func newServer(t *testing.T, status int, reply string) (*httptest.Server, <-chan received, *atomic.Int32) {
	t.Helper()
	ch := make(chan received, 8)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		rec := received{contentType: r.Header.Get("Content-Type"), fields: map[string]string{}}
		if r.Header.Get("Content-Type") == "application/json" {
			_ = json.NewDecoder(r.Body).Decode(&rec.json)
		} else if err := r.ParseMultipartForm(1 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				rec.fields[k] = v[0]
			}
			if fh := r.MultipartForm.File["document"]; len(fh) == 1 {
				f, _ := fh[0].Open()
				data, _ := io.ReadAll(f)
				rec.file = string(data)
				rec.fileName = fh[0].Filename
			}
		}
		ch <- rec
		if status == http.StatusBadGateway && n > 1 {
			_, _ = io.WriteString(w, reply)
			return
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, ch, &calls
}

func TestSendUploadsMultipart(t *testing.T) {
	t.Parallel()

	srv, ch, _ := newServer(t, http.StatusOK, `{"reference":"msg-9"}`)
	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("zipdata"), 0o600))

	ref, err := c.Send(context.Background(), "chat-1", crawler.Delivery{Path: path}, "Book (2 chapters)")
	require.NoError(t, err)
	require.Equal(t, "msg-9", ref)

	rec := <-ch
	require.Equal(t, "chat-1", rec.fields["destination"])
	require.Equal(t, "Book (2 chapters)", rec.fields["caption"])
	require.Equal(t, "zipdata", rec.file)
	require.Equal(t, "book.epub", rec.fileName)
}

func TestSendReferenceAsJSON(t *testing.T) {
	t.Parallel()

	srv, ch, _ := newServer(t, http.StatusNoContent, "")
	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	ref, err := c.Send(context.Background(), "chat-1", crawler.Delivery{Reference: "https://x/y.epub", SizeBytes: 5}, "cap")
	require.NoError(t, err)
	require.Equal(t, srv.URL, ref)

	rec := <-ch
	require.Equal(t, "https://x/y.epub", rec.json["reference"])
	require.Equal(t, "cap", rec.json["caption"])
}

func TestSendRetriesServerErrors(t *testing.T) {
	t.Parallel()

	srv, _, calls := newServer(t, http.StatusBadGateway, `{"reference":"ok"}`)
	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	ref, err := c.Send(context.Background(), "o", crawler.Delivery{Reference: "r"}, "")
	require.NoError(t, err)
	require.Equal(t, "ok", ref)
	require.EqualValues(t, 2, calls.Load())
}

func TestSendClassifiesClientErrors(t *testing.T) {
	t.Parallel()

	srv, _, calls := newServer(t, http.StatusRequestEntityTooLarge, "too big")
	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "o", crawler.Delivery{Reference: "r"}, "")
	require.ErrorIs(t, err, crawler.ErrOversized)
	require.EqualValues(t, 1, calls.Load())

	srv2, _, _ := newServer(t, http.StatusForbidden, "no")
	c2, err := New(Config{URL: srv2.URL})
	require.NoError(t, err)
	_, err = c2.Send(context.Background(), "o", crawler.Delivery{Reference: "r"}, "")
	require.ErrorIs(t, err, crawler.ErrChannelRejects)
}

func TestNotifyPostsText(t *testing.T) {
	t.Parallel()

	srv, ch, _ := newServer(t, http.StatusOK, "")
	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, c.Notify(context.Background(), "chat-1", "Done: Book"))
	rec := <-ch
	require.Equal(t, "Done: Book", rec.json["text"])
	require.Equal(t, "chat-1", rec.json["destination"])
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	c, err := New(Config{URL: "http://localhost"})
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "o", crawler.Delivery{}, "")
	require.ErrorIs(t, err, crawler.ErrChannelRejects)
}
