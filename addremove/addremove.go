// Package addremove implements the add/remove worker: it drains the
// Add/Remove queue and creates or destroys Package records in the registry,
// the way spec.md §3's Create/Destroy lifecycle describes.
package addremove

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daemonforge/pkgmand/dispatch"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
)

// autoAddBlockMarker is the persistent per-package file that suppresses a
// removed package's automatic re-add from the stored-package scan or a
// stale settings entry (spec.md §3: "Removal persists an auto-add-block
// marker so the package is not re-added automatically").
const autoAddBlockMarker = "DO_NOT_AUTO_ADD"

// Worker drains the Add/Remove queue.
type Worker struct {
	reg    *registry.Registry
	tok    lock.Token
	logger lalog.Logger

	setupOptionsDir string

	incoming *queue.Queue
}

// New returns an add/remove Worker.
func New(reg *registry.Registry, tok lock.Token, logger lalog.Logger, setupOptionsDir string, incoming *queue.Queue) *Worker {
	return &Worker{reg: reg, tok: tok, logger: logger, setupOptionsDir: setupOptionsDir, incoming: incoming}
}

// Run drains the incoming queue until a Stop item or ctx cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-w.incoming.Chan():
			switch v := item.(type) {
			case queue.Stop:
				return nil
			case dispatch.AddRemoveItem:
				w.process(v)
			}
		}
	}
}

func (w *Worker) process(item dispatch.AddRemoveItem) {
	switch item.Action {
	case dispatch.ActionAdd:
		w.add(item.Name)
	case dispatch.ActionRemove:
		w.remove(item.Name)
	}
}

// add creates a package named item.Name with unknown source coordinates,
// the way a GUI-driven "add" leaves user/branch to be filled in by a
// subsequent edit (spec.md marks either source field "?" for unknown).
func (w *Worker) add(name string) {
	if w.autoAddBlocked(name) {
		w.logger.Info(name, nil, "refusing to add, auto-add-block marker present")
		return
	}
	if _, err := w.reg.Add(w.tok, name, "?", "?"); err != nil {
		w.logger.Warning(name, err, "failed to add package")
	}
}

// remove destroys the package named name, refusing per invariant 2 if it is
// currently installed, and persists the auto-add-block marker on success.
func (w *Worker) remove(name string) {
	pkg, err := w.reg.Locate(w.tok, name)
	if err != nil {
		w.logger.Warning(name, err, "failed to locate package for removal")
		return
	}
	if pkg == nil {
		return
	}
	if !pkg.Versions.Installed.Empty() {
		w.logger.Warning(name, registry.ErrInstalled, "refusing to remove an installed package")
		return
	}
	if err := w.reg.Remove(w.tok, name); err != nil {
		w.logger.Warning(name, err, "failed to remove package")
		return
	}
	if err := w.writeAutoAddBlock(name); err != nil {
		w.logger.Warning(name, err, "failed to persist auto-add-block marker")
	}
}

func (w *Worker) autoAddBlocked(name string) bool {
	_, err := os.Stat(filepath.Join(w.setupOptionsDir, name, autoAddBlockMarker))
	return err == nil
}

func (w *Worker) writeAutoAddBlock(name string) error {
	dir := filepath.Join(w.setupOptionsDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("addremove: failed to create setup options dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, autoAddBlockMarker), nil, 0644)
}
