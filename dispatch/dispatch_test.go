package dispatch

import (
	"testing"
	"time"

	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, lock.Token, *queue.Queue, *queue.Queue) {
	t.Helper()
	b := bus.NewMemoryBus()
	logger := lalog.Logger{ComponentName: "dispatch-test"}
	reg := registry.New(5*time.Second, b, logger)
	tok := lock.NewToken()
	if _, err := reg.Add(tok, "PkgX", "user", "latest"); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	downloadQ := queue.New("download", 8, logger)
	installQ := queue.New("install", 8, logger)
	addRemoveQ := queue.New("addremove", 8, logger)
	versionQ := queue.New("versionrefresh", 8, logger)
	d := New(reg, tok, b, logger, "SetupHelper", downloadQ, installQ, addRemoveQ, versionQ)
	return d, reg, tok, downloadQ, installQ
}

func TestPushActionDownload(t *testing.T) {
	d, reg, tok, downloadQ, _ := newTestDispatcher(t)
	if err := d.PushAction("download:PkgX", SourceAuto); err != nil {
		t.Fatalf("PushAction failed: %v", err)
	}
	item := downloadQ.Recv()
	di, ok := item.(DownloadItem)
	if !ok || di.Name != "PkgX" {
		t.Fatalf("unexpected item on download queue: %#v", item)
	}
	pkg, _ := reg.Locate(tok, "PkgX")
	if !pkg.Flags.DownloadPending {
		t.Error("expected DownloadPending to be set")
	}
}

func TestPushActionSelfUninstallDefersInsteadOfQueueing(t *testing.T) {
	d, _, _, _, installQ := newTestDispatcher(t)
	if err := d.PushAction("uninstall:SetupHelper", SourceAuto); err != nil {
		t.Fatalf("PushAction failed: %v", err)
	}
	select {
	case item := <-installQ.Chan():
		t.Fatalf("expected no item queued for self-uninstall, got %#v", item)
	default:
	}
	if !d.Lifecycle.TakeSelfUninstall() {
		t.Error("expected self-uninstall flag to be set")
	}
}

func TestPushActionUnrecognizedVerb(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher(t)
	if err := d.PushAction("frobnicate:PkgX", SourceLocal); err == nil {
		t.Error("expected an error for an unrecognized verb")
	}
}

func TestPushActionGUIDefersAck(t *testing.T) {
	d, _, _, _, installQ := newTestDispatcher(t)
	if err := d.PushAction("install:PkgX", SourceGUI); err != nil {
		t.Fatalf("PushAction failed: %v", err)
	}
	<-installQ.Chan()
	status, ok := d.DrainAck()
	if !ok || status != "" {
		t.Fatalf("expected a deferred success ack, got status=%q ok=%v", status, ok)
	}
	if _, ok := d.DrainAck(); ok {
		t.Error("expected the ack slot to be empty after draining")
	}
}

func TestPushActionMalformedCommand(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher(t)
	if err := d.PushAction("noverbhere", SourceLocal); err == nil {
		t.Error("expected an error for a malformed command")
	}
}
