package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
)

var (
	ErrInvalidName    = errors.New("registry: invalid package name")
	ErrAlreadyPresent = errors.New("registry: package name already present")
	ErrNotFound       = errors.New("registry: package not found")
	ErrInstalled      = errors.New("registry: cannot remove an installed package")
)

// ErrDuplicateName is the startup self-repair sentinel (spec.md invariant 1):
// callers that see this from LoadInitial must log it and exit so the
// supervisor restarts the process onto the now-de-duplicated registry.
var ErrDuplicateName = errors.New("registry: duplicate package name removed, restart required")

// Registry is the ordered package list plus its name index. Every call that
// touches it or the bus mirror must hold the global lock; callers pass a
// lock.Token identifying their goroutine (a worker acquires one token once,
// at startup, and reuses it for every registry call it makes, which is what
// makes the lock's reentrancy meaningful: a worker can call one registry
// method from inside another without deadlocking itself).
type Registry struct {
	lock  *lock.ReentrantLock
	bus   bus.Bus
	log   lalog.Logger
	pkgs  []*Package
	index map[string]int
}

// New returns an empty Registry backed by the given bus mirror.
func New(lockTimeout time.Duration, b bus.Bus, log lalog.Logger) *Registry {
	return &Registry{
		lock:  lock.New(lockTimeout),
		bus:   b,
		log:   log,
		index: make(map[string]int),
	}
}

// Acquire takes the global lock on behalf of tok. Workers use this directly
// only when they need to hold it across more than one Registry call (a
// read-modify-write sequence); simple calls like Locate or Add acquire and
// release internally.
func (r *Registry) Acquire(tok lock.Token) error {
	if err := r.lock.Acquire(tok); err != nil {
		r.log.Abort(tok, err, "global lock acquisition timed out, this is a structural failure")
		return err
	}
	return nil
}

// Release gives up one level of ownership acquired by Acquire.
func (r *Registry) Release(tok lock.Token) {
	r.lock.Release(tok)
}

// Locate returns the package named name, or nil if absent.
func (r *Registry) Locate(tok lock.Token, name string) (*Package, error) {
	if err := r.Acquire(tok); err != nil {
		return nil, err
	}
	defer r.Release(tok)
	return r.locateLocked(name), nil
}

func (r *Registry) locateLocked(name string) *Package {
	if i, ok := r.index[name]; ok {
		return r.pkgs[i]
	}
	return nil
}

// Add appends a new package. It is idempotent-refusing: adding a name
// already present returns ErrAlreadyPresent rather than replacing it.
func (r *Registry) Add(tok lock.Token, name, user, branch string) (*Package, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := r.Acquire(tok); err != nil {
		return nil, err
	}
	defer r.Release(tok)
	if _, ok := r.index[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyPresent, name)
	}
	pkg := &Package{
		Name:   name,
		Source: Source{User: user, Branch: branch},
		Flags:  Flags{AutoInstallOk: true, AutoAddOk: true},
	}
	idx := len(r.pkgs)
	r.pkgs = append(r.pkgs, pkg)
	r.index[name] = idx
	r.publishSourceLocked(idx, pkg)
	r.publishCountLocked()
	return pkg, nil
}

// Remove deletes the package named name. An installed package (Versions.
// Installed non-empty) may not be removed (invariant 2). Higher indices are
// compacted down to preserve stable addressing of the remaining packages;
// the vacated tail slot is blanked on the bus rather than detached, and
// Count is republished at once.
func (r *Registry) Remove(tok lock.Token, name string) error {
	if err := r.Acquire(tok); err != nil {
		return err
	}
	defer r.Release(tok)
	idx, ok := r.index[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	pkg := r.pkgs[idx]
	if !pkg.Versions.Installed.Empty() {
		return fmt.Errorf("%w: %q", ErrInstalled, name)
	}
	r.removeAtLocked(idx)
	return nil
}

// removeAtLocked implements the compact-down removal described above. It
// assumes the caller already holds the lock.
func (r *Registry) removeAtLocked(idx int) {
	removedName := r.pkgs[idx].Name
	delete(r.index, removedName)
	copy(r.pkgs[idx:], r.pkgs[idx+1:])
	r.pkgs = r.pkgs[:len(r.pkgs)-1]
	for i := idx; i < len(r.pkgs); i++ {
		r.index[r.pkgs[i].Name] = i
		r.publishSourceLocked(i, r.pkgs[i])
		r.publishVersionsLocked(i, r.pkgs[i])
	}
	r.blankTailLocked(len(r.pkgs))
	r.publishCountLocked()
}

// blankTailLocked clears the bus paths at the index that is no longer
// populated after a compaction, per the "records left at the tail are
// blanked rather than detached" rule.
func (r *Registry) blankTailLocked(vacatedIdx int) {
	blank := &Package{}
	r.publishSourceLocked(vacatedIdx, blank)
	r.publishVersionsLocked(vacatedIdx, blank)
}

// Count returns the number of packages currently registered.
func (r *Registry) Count(tok lock.Token) (int, error) {
	if err := r.Acquire(tok); err != nil {
		return 0, err
	}
	defer r.Release(tok)
	return len(r.pkgs), nil
}

// Each iterates every package under the lock, in index order. fn must not
// call back into the Registry using a different token than tok.
func (r *Registry) Each(tok lock.Token, fn func(index int, pkg *Package)) error {
	if err := r.Acquire(tok); err != nil {
		return err
	}
	defer r.Release(tok)
	for i, pkg := range r.pkgs {
		fn(i, pkg)
	}
	return nil
}

// IndexOf returns the current index of name, or -1 if absent.
func (r *Registry) IndexOf(tok lock.Token, name string) (int, error) {
	if err := r.Acquire(tok); err != nil {
		return -1, err
	}
	defer r.Release(tok)
	if i, ok := r.index[name]; ok {
		return i, nil
	}
	return -1, nil
}

// PublishVersions mirrors a package's version triple to the bus; callers
// invoke it after mutating Versions under a held lock (typically inside an
// Each callback or between Acquire/Release) so the in-memory update and the
// bus write are atomic from an external observer's point of view.
func (r *Registry) PublishVersions(tok lock.Token, index int) error {
	if err := r.Acquire(tok); err != nil {
		return err
	}
	defer r.Release(tok)
	if index < 0 || index >= len(r.pkgs) {
		return ErrNotFound
	}
	r.publishVersionsLocked(index, r.pkgs[index])
	return nil
}

func (r *Registry) publishVersionsLocked(index int, pkg *Package) {
	_ = r.bus.Set(fmt.Sprintf("service::Package/%d/GitHubVersion", index), bus.StringValue(pkg.Versions.Remote.String()))
	_ = r.bus.Set(fmt.Sprintf("service::Package/%d/PackageVersion", index), bus.StringValue(pkg.Versions.Stored.String()))
	_ = r.bus.Set(fmt.Sprintf("service::Package/%d/InstalledVersion", index), bus.StringValue(pkg.Versions.Installed.String()))
	_ = r.bus.Set(fmt.Sprintf("service::Package/%d/Incompatible", index), bus.StringValue(pkg.Flags.Incompatible))
	_ = r.bus.Set(fmt.Sprintf("service::Package/%d/IncompatibleResolvable", index), bus.BoolValue(pkg.Flags.IncompatibleResolvable))
}

func (r *Registry) publishSourceLocked(index int, pkg *Package) {
	_ = r.bus.Set(fmt.Sprintf("settings::/Settings/PackageManager/%d/PackageName", index), bus.StringValue(pkg.Name))
	_ = r.bus.Set(fmt.Sprintf("settings::/Settings/PackageManager/%d/GitHubUser", index), bus.StringValue(pkg.Source.User))
	_ = r.bus.Set(fmt.Sprintf("settings::/Settings/PackageManager/%d/GitHubBranch", index), bus.StringValue(pkg.Source.Branch))
}

func (r *Registry) publishCountLocked() {
	_ = r.bus.Set("settings::/Settings/PackageManager/Count", bus.IntValue(int64(len(r.pkgs))))
}

// LoadInitial populates the registry from the default package list and
// persisted settings, enforcing invariant 1 (unique names): a duplicate
// encountered is dropped and ErrDuplicateName is returned after the rest of
// the batch loads, signalling the structural self-repair case.
func (r *Registry) LoadInitial(tok lock.Token, entries []struct{ Name, User, Branch string }) error {
	var sawDuplicate bool
	for _, e := range entries {
		if !ValidName(e.Name) {
			r.log.Warning(e.Name, nil, "dropping invalid package name at startup")
			sawDuplicate = true
			continue
		}
		if _, err := r.Add(tok, e.Name, e.User, e.Branch); err != nil {
			if errors.Is(err, ErrAlreadyPresent) {
				r.log.Warning(e.Name, err, "dropping duplicate package name at startup")
				sawDuplicate = true
				continue
			}
			return err
		}
	}
	if sawDuplicate {
		return ErrDuplicateName
	}
	return nil
}
