package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deepnoodle-ai/expenseflow/retry"
	"github.com/stretchr/testify/require"
)

func TestImageFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.jpg":
			w.Header().Set("Content-Type", "image/jpeg; charset=binary")
			w.Write([]byte("jpeg"))
		case "/big.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(make([]byte, 64))
		case "/page.html":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		case "/busy.png":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	fetcher := NewImageFetcher(server.Client(), 32)

	dataURL, err := fetcher.DataURL(ctx, server.URL+"/ok.jpg")
	require.NoError(t, err)
	require.Equal(t, "data:image/jpeg;base64,anBlZw==", dataURL)

	passthrough := "data:image/png;base64,AAAA"
	dataURL, err = fetcher.DataURL(ctx, passthrough)
	require.NoError(t, err)
	require.Equal(t, passthrough, dataURL)

	_, err = fetcher.DataURL(ctx, server.URL+"/big.png")
	require.ErrorContains(t, err, "exceeds 32 bytes")

	_, err = fetcher.DataURL(ctx, server.URL+"/page.html")
	require.ErrorContains(t, err, "does not point to an image")

	_, err = fetcher.DataURL(ctx, server.URL+"/busy.png")
	require.True(t, retry.IsRecoverable(err))

	_, err = fetcher.DataURL(ctx, server.URL+"/missing.png")
	require.Error(t, err)
	require.False(t, retry.IsRecoverable(err))
}
