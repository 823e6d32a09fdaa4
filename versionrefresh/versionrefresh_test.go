package versionrefresh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/dispatch"
	"github.com/daemonforge/pkgmand/fetch"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
)

func newTestRefresher(t *testing.T, baseURL string) (*Refresher, *registry.Registry, lock.Token, *queue.Queue) {
	t.Helper()
	b := bus.NewMemoryBus()
	logger := lalog.Logger{ComponentName: "versionrefresh-test"}
	reg := registry.New(5*time.Second, b, logger)
	tok := lock.NewToken()
	if _, err := reg.Add(tok, "PkgX", "user", "latest"); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	q := queue.New("versionrefresh", 8, logger)
	client := fetch.New(baseURL, "")
	r := New(reg, tok, q, client, 5, 200*time.Millisecond, logger)
	return r, reg, tok, q
}

func TestFetchOneUpdatesRemoteVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("v2.0.0"))
	}))
	defer srv.Close()

	r, reg, tok, _ := newTestRefresher(t, srv.URL)
	r.fetchOne(context.Background(), "PkgX")

	pkg, _ := reg.Locate(tok, "PkgX")
	if pkg.Versions.Remote.String() != "v2.0.0" {
		t.Fatalf("expected remote version v2.0.0, got %q", pkg.Versions.Remote.String())
	}
	if pkg.Timestamps.LastGitHubRefresh.IsZero() {
		t.Error("expected LastGitHubRefresh to be stamped")
	}
}

func TestFetchOneUnknownSourceSkipsFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected request for a package with an unresolved source")
	}))
	defer srv.Close()

	r, reg, tok, _ := newTestRefresher(t, srv.URL)
	if err := reg.Remove(tok, "PkgX"); err != nil {
		t.Fatalf("failed to remove seeded package: %v", err)
	}
	if _, err := reg.Add(tok, "PkgY", "?", "?"); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	r.fetchOne(context.Background(), "PkgY")

	pkg, _ := reg.Locate(tok, "PkgY")
	if !pkg.Versions.Remote.Empty() {
		t.Error("expected remote version to remain empty for an unresolved source")
	}
}

func TestRequestRefreshQueuesFullRefresh(t *testing.T) {
	r, _, _, q := newTestRefresher(t, "http://127.0.0.1:0")
	if r.WaitForRemoteVersions() {
		t.Fatal("expected WaitForRemoteVersions to start false")
	}
	r.RequestRefresh()
	item := q.Recv()
	vri, ok := item.(dispatch.VersionRefreshItem)
	if !ok || vri.Name != "" {
		t.Fatalf("unexpected item on queue: %#v", item)
	}
}
