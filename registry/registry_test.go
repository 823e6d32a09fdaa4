package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/version"
)

func parseTestVersion(s string) version.Version {
	return version.Parse(s)
}

func newTestRegistry() *Registry {
	return New(5*time.Second, bus.NewMemoryBus(), lalog.Logger{ComponentName: "registry-test"})
}

func TestAddThenLocate(t *testing.T) {
	r := newTestRegistry()
	tok := lock.NewToken()
	if _, err := r.Add(tok, "GuiMods", "user1", "latest"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	pkg, err := r.Locate(tok, "GuiMods")
	if err != nil || pkg == nil {
		t.Fatalf("Locate failed: pkg=%v err=%v", pkg, err)
	}
	if pkg.Source.User != "user1" {
		t.Errorf("unexpected source user: %s", pkg.Source.User)
	}
}

func TestAddRejectsInvalidName(t *testing.T) {
	r := newTestRegistry()
	tok := lock.NewToken()
	if _, err := r.Add(tok, "ccgx", "u", "b"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestAddRejectsDuplicate(t *testing.T) {
	r := newTestRegistry()
	tok := lock.NewToken()
	if _, err := r.Add(tok, "Pkg", "u", "b"); err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	if _, err := r.Add(tok, "Pkg", "u", "b"); !errors.Is(err, ErrAlreadyPresent) {
		t.Fatalf("expected ErrAlreadyPresent, got %v", err)
	}
}

func TestAddRemoveRoundTrip(t *testing.T) {
	r := newTestRegistry()
	tok := lock.NewToken()
	if _, err := r.Add(tok, "Pkg", "u", "b"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := r.Remove(tok, "Pkg"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	count, _ := r.Count(tok)
	if count != 0 {
		t.Fatalf("expected empty registry after round trip, got count=%d", count)
	}
}

func TestRemoveRejectsInstalled(t *testing.T) {
	r := newTestRegistry()
	tok := lock.NewToken()
	pkg, _ := r.Add(tok, "Pkg", "u", "b")
	_ = r.Each(tok, func(i int, p *Package) {
		if p == pkg {
			p.Versions.Installed = parseTestVersion("v1.0.0")
		}
	})
	if err := r.Remove(tok, "Pkg"); !errors.Is(err, ErrInstalled) {
		t.Fatalf("expected ErrInstalled, got %v", err)
	}
}

func TestUniqueNamesInvariant(t *testing.T) {
	r := newTestRegistry()
	tok := lock.NewToken()
	entries := []struct{ Name, User, Branch string }{
		{"A", "u", "b"}, {"B", "u", "b"}, {"A", "u", "b"},
	}
	err := r.LoadInitial(tok, entries)
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	count, _ := r.Count(tok)
	if count != 2 {
		t.Fatalf("expected 2 surviving packages, got %d", count)
	}
}

func TestReentrantAcquireFromSameToken(t *testing.T) {
	r := newTestRegistry()
	tok := lock.NewToken()
	if err := r.Acquire(tok); err != nil {
		t.Fatalf("outer acquire failed: %v", err)
	}
	defer r.Release(tok)
	// A nested call using the same token must not deadlock.
	if _, err := r.Add(tok, "Nested", "u", "b"); err != nil {
		t.Fatalf("nested Add under held lock failed: %v", err)
	}
}
