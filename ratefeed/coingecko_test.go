package ratefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpotRateEURParsesQuote(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bitcoin":{"eur":61234.5}}`))
	}))
	defer srv.Close()

	c := New(WithEndpoint(srv.URL))
	rate, err := c.SpotRateEUR(context.Background())
	require.NoError(t, err)
	require.Equal(t, 61234.5, rate)
}

func TestSpotRateEURRejectsMissingAsset(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(WithEndpoint(srv.URL))
	_, err := c.SpotRateEUR(context.Background())
	require.Error(t, err)
}

func TestSpotRateEURRejectsNonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(WithEndpoint(srv.URL))
	_, err := c.SpotRateEUR(context.Background())
	require.Error(t, err)
}

func TestSpotRateEURRejectsNonPositiveRate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin":{"eur":0}}`))
	}))
	defer srv.Close()

	c := New(WithEndpoint(srv.URL))
	_, err := c.SpotRateEUR(context.Background())
	require.Error(t, err)
}
