package downloader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/compat"
	"github.com/daemonforge/pkgmand/dispatch"
	"github.com/daemonforge/pkgmand/fetch"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
)

func buildTestArchive(t *testing.T, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := map[string]string{
		name + "/version": "v1.0.0\n",
	}
	for path, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: path, Mode: 0644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestProcessDownloadsExtractsAndSwapsIntoPlace(t *testing.T) {
	archiveBytes := buildTestArchive(t, "MyPkg")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archiveBytes)
	}))
	defer srv.Close()

	dataDir := t.TempDir()
	b := bus.NewMemoryBus()
	logger := lalog.Logger{ComponentName: "downloader-test"}
	reg := registry.New(5*time.Second, b, logger)
	tok := lock.NewToken()
	if _, err := reg.Add(tok, "MyPkg", "user", "latest"); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}

	incoming := queue.New("download", 4, logger)
	installQ := queue.New("install", 4, logger)
	client := fetch.New(srv.URL, "")

	w := New(reg, tok, b, client, logger, dataDir, t.TempDir(), t.TempDir(), compat.PlatformInfo{}, nil, 0, incoming, installQ)

	w.process(context.Background(), dispatch.DownloadItem{Name: "MyPkg", Source: dispatch.SourceAuto})

	if _, err := os.Stat(filepath.Join(dataDir, "MyPkg", "version")); err != nil {
		t.Fatalf("expected package directory to be swapped into place: %v", err)
	}
	pkg, _ := reg.Locate(tok, "MyPkg")
	if pkg.Flags.DownloadPending {
		t.Error("expected downloadPending to be cleared")
	}
	if pkg.Versions.Stored.String() != "v1.0.0" {
		t.Errorf("expected stored version v1.0.0, got %q", pkg.Versions.Stored.String())
	}
}

func TestProcessUnresolvedSourceFails(t *testing.T) {
	dataDir := t.TempDir()
	b := bus.NewMemoryBus()
	logger := lalog.Logger{ComponentName: "downloader-test"}
	reg := registry.New(5*time.Second, b, logger)
	tok := lock.NewToken()
	if _, err := reg.Add(tok, "NoSource", "?", "?"); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}

	incoming := queue.New("download", 4, logger)
	installQ := queue.New("install", 4, logger)
	client := fetch.New("http://127.0.0.1:0", "")

	w := New(reg, tok, b, client, logger, dataDir, t.TempDir(), t.TempDir(), compat.PlatformInfo{}, nil, 0, incoming, installQ)
	w.process(context.Background(), dispatch.DownloadItem{Name: "NoSource", Source: dispatch.SourceGUI})

	pkg, _ := reg.Locate(tok, "NoSource")
	if pkg.Flags.DownloadPending {
		t.Error("expected downloadPending to be cleared on failure")
	}
	status, _ := b.Get("service::GuiEditStatus")
	if status.String() != "ERROR" {
		t.Errorf("expected GuiEditStatus ERROR, got %q", status.String())
	}
}
