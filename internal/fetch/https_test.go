package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSFetcher_FetchesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0.0.0.0 ads.example.com\n"))
	}))
	defer srv.Close()

	f, err := NewHTTPSFetcher(HTTPSFetcherConfig{URL: srv.URL, AllowInsecureHTTP: true})
	require.NoError(t, err)
	data, err := f.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ads.example.com")
}

func TestHTTPSFetcher_RejectsPlainHTTPByDefault(t *testing.T) {
	_, err := NewHTTPSFetcher(HTTPSFetcherConfig{URL: "http://example.com/list.txt"})
	require.Error(t, err)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, KindInvalidURL, fetchErr.Kind)
}

func TestHTTPSFetcher_BearerAuthHeaderSent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, err := NewHTTPSFetcher(HTTPSFetcherConfig{
		URL:               srv.URL,
		AllowInsecureHTTP: true,
		Credential:        Credential{Kind: AuthBearer, Token: "secret-token"},
	})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestHTTPSFetcher_UnexpectedStatusIsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, err := NewHTTPSFetcher(HTTPSFetcherConfig{URL: srv.URL, AllowInsecureHTTP: true})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), nil)
	require.Error(t, err)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, KindHTTPError, fetchErr.Kind)
	assert.Equal(t, http.StatusInternalServerError, fetchErr.StatusCode)
}

func TestHTTPSFetcher_UnauthorizedIsAuthenticationFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f, err := NewHTTPSFetcher(HTTPSFetcherConfig{URL: srv.URL, AllowInsecureHTTP: true})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), nil)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, KindAuthenticationFailed, fetchErr.Kind)
}

func TestHTTPSFetcher_CancelStopsInFlightFetch(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	f, err := NewHTTPSFetcher(HTTPSFetcherConfig{URL: srv.URL, AllowInsecureHTTP: true, Timeout: 5 * time.Second})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(context.Background(), nil)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	f.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not observe cancellation")
	}
}

func TestHTTPSFetcher_RedirectLimitExceeded(t *testing.T) {
	var redirectTarget string
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, redirectTarget, http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	redirectTarget = srv.URL + "/start" // redirect loop

	f, err := NewHTTPSFetcher(HTTPSFetcherConfig{URL: srv.URL + "/start", AllowInsecureHTTP: true, MaxRedirects: 2})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), nil)
	require.Error(t, err)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, KindRedirectLimit, fetchErr.Kind)
}
