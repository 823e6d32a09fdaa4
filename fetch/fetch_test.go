package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("v1.2.3\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	got, err := c.FetchVersion(context.Background(), "user", "name", "latest", 5)
	if err != nil {
		t.Fatalf("FetchVersion failed: %v", err)
	}
	if got != "v1.2.3" {
		t.Errorf("got %q, want v1.2.3", got)
	}
}

func TestFetchVersionNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.FetchVersion(context.Background(), "user", "name", "latest", 5); err == nil {
		t.Error("expected an error for a 404 response")
	}
}

func TestRateLimited(t *testing.T) {
	if RateLimited(nil) {
		t.Error("nil error must not be classified as rate-limited")
	}
}
