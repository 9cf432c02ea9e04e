package renderproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

func newTestClient(baseURL string) *Client {
	return New(Config{BaseURL: baseURL, APIToken: "test-token", Timeout: 2 * time.Second})
}

func TestEnabled(t *testing.T) {
	assert.True(t, newTestClient("https://proxy.test/v1").Enabled())
	assert.False(t, New(Config{BaseURL: "https://proxy.test/v1"}).Enabled())
	assert.False(t, New(Config{APIToken: "t"}).Enabled())
}

func TestFetch_PassesParamsAndForwardsHeaders(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="https://example.com/x">x</a></body></html>`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Fetch(context.Background(), domain.ProxyRequest{
		URL:     "https://blocked.io/page",
		Render:  true,
		Headers: map[string]string{"User-Agent": "ua-1", "Accept-Language": "en-US"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Contains(t, res.HTML, "example.com/x")
	assert.Positive(t, res.ResponseTime)

	q := got.URL.Query()
	assert.Equal(t, "test-token", q.Get("api_key"))
	assert.Equal(t, "https://blocked.io/page", q.Get("url"))
	assert.Equal(t, "true", q.Get("render_js"))
	assert.Equal(t, "true", q.Get("forward_headers"))
	assert.Equal(t, "ua-1", got.Header.Get("Spb-User-Agent"))
	assert.Equal(t, "en-US", got.Header.Get("Spb-Accept-Language"))
}

func TestFetch_OriginStatusFromProxyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Spb-Initial-Status-Code", "403")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>denied</html>"))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Fetch(context.Background(), domain.ProxyRequest{URL: "https://x.io"})
	require.NoError(t, err)
	assert.Equal(t, 403, res.Status)
}

func TestFetch_RetriesTransientProxyErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Fetch(context.Background(), domain.ProxyRequest{URL: "https://x.io"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_BadCredentialsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background(), domain.ProxyRequest{URL: "https://x.io"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_RejectsBinaryPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 not markup"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background(), domain.ProxyRequest{URL: "https://x.io"})
	require.Error(t, err)
}

func TestFetch_NotConfigured(t *testing.T) {
	_, err := New(Config{}).Fetch(context.Background(), domain.ProxyRequest{URL: "https://x.io"})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}
