// Package dispatch implements the action dispatcher: it parses
// "<verb>:<name>" commands and routes each to the queue of the worker that
// owns it, or to a global lifecycle flag.
package dispatch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/metrics"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
)

// Source identifies who issued a command: the GUI, an automatic scan, a
// local CLI invocation, or a removable-media transfer.
type Source string

const (
	SourceGUI      Source = "GUI"
	SourceAuto     Source = "AUTO"
	SourceLocal    Source = "local"
	SourceTransfer Source = "TRANSFER"
)

// DownloadItem, InstallItem, and AddRemoveItem are the command payloads
// placed on each worker's queue.
type DownloadItem struct {
	Name   string
	Source Source
}

type InstallAction string

const (
	ActionInstall           InstallAction = "install"
	ActionUninstall         InstallAction = "uninstall"
	ActionCheck             InstallAction = "check"
	ActionResolveConflicts  InstallAction = "resolveConflicts"
)

type InstallItem struct {
	Name   string
	Action InstallAction
	Source Source
}

type AddRemoveAction string

const (
	ActionAdd    AddRemoveAction = "add"
	ActionRemove AddRemoveAction = "remove"
)

type AddRemoveItem struct {
	Name   string
	Action AddRemoveAction
	Source Source
}

type VersionRefreshItem struct {
	// Name is empty for a full REFRESH request, non-empty for a
	// single-package priority fetch.
	Name string
}

var (
	ErrUnrecognizedVerb = fmt.Errorf("dispatch: unrecognized verb")
	ErrMalformedCommand = fmt.Errorf("dispatch: malformed command, expected \"<verb>:<name>\"")
)

// Dispatcher routes parsed commands to worker queues and global flags.
type Dispatcher struct {
	Lifecycle *LifecycleFlags
	Metrics   *metrics.Metrics

	reg             *registry.Registry
	tok             lock.Token
	propertyBus     bus.Bus
	logger          lalog.Logger
	selfPackageName string

	downloadQueue      *queue.Queue
	installQueue       *queue.Queue
	addRemoveQueue     *queue.Queue
	versionRefreshQueue *queue.Queue

	ackMu  sync.Mutex
	pendingAck string
	hasAck bool
}

// New returns a Dispatcher wired to the given registry, bus, and worker
// queues.
func New(reg *registry.Registry, tok lock.Token, propertyBus bus.Bus, logger lalog.Logger, selfPackageName string,
	downloadQueue, installQueue, addRemoveQueue, versionRefreshQueue *queue.Queue) *Dispatcher {
	return &Dispatcher{
		Lifecycle:           &LifecycleFlags{},
		reg:                 reg,
		tok:                 tok,
		propertyBus:         propertyBus,
		logger:              logger,
		selfPackageName:     selfPackageName,
		downloadQueue:       downloadQueue,
		installQueue:        installQueue,
		addRemoveQueue:      addRemoveQueue,
		versionRefreshQueue: versionRefreshQueue,
	}
}

// PushAction parses cmd ("<verb>:<name>") and routes it. When source is the
// GUI, a short status line is published immediately to GuiEditStatus and the
// full acknowledgement is deferred into the single-slot next-ack cell that
// the sequencer drains every tick — the bus handler that called PushAction
// must not publish the acknowledgement itself, since doing so could reenter
// the bus library.
func (d *Dispatcher) PushAction(cmd string, source Source) error {
	verb, name, err := splitCommand(cmd)
	if err != nil {
		return err
	}
	if d.Metrics != nil {
		d.Metrics.IncDispatch(verb)
	}

	switch verb {
	case "download":
		if err := d.setPending(name, true, false); err != nil {
			return d.fail(source, err)
		}
		d.downloadQueue.Push(DownloadItem{Name: name, Source: source})

	case "install", "uninstall", "check":
		if verb == "uninstall" && name == d.selfPackageName {
			d.Lifecycle.SetSelfUninstall()
			d.ack(source, "")
			return nil
		}
		if err := d.setPending(name, false, true); err != nil {
			return d.fail(source, err)
		}
		d.installQueue.Push(InstallItem{Name: name, Action: InstallAction(verb), Source: source})

	case "resolveConflicts":
		d.installQueue.Push(InstallItem{Name: name, Action: ActionResolveConflicts, Source: source})

	case "add":
		d.addRemoveQueue.Push(AddRemoveItem{Name: name, Action: ActionAdd, Source: source})

	case "remove":
		d.addRemoveQueue.Push(AddRemoveItem{Name: name, Action: ActionRemove, Source: source})

	case "gitHubScan":
		d.versionRefreshQueue.Push(VersionRefreshItem{Name: name})

	case "reboot":
		d.Lifecycle.SetReboot()

	case "restartGui":
		d.Lifecycle.SetRestartGui()

	case "INITIALIZE_PM":
		d.Lifecycle.SetInitializePm()

	case "RESTART_PM":
		d.Lifecycle.SetRestartPm()

	default:
		return d.fail(source, fmt.Errorf("%w: %q", ErrUnrecognizedVerb, verb))
	}

	d.ack(source, "")
	return nil
}

func splitCommand(cmd string) (verb, name string, err error) {
	parts := strings.SplitN(cmd, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedCommand, cmd)
	}
	return parts[0], parts[1], nil
}

func (d *Dispatcher) setPending(name string, download, install bool) error {
	pkg, err := d.reg.Locate(d.tok, name)
	if err != nil {
		return err
	}
	if pkg == nil {
		return fmt.Errorf("dispatch: unknown package %q", name)
	}
	if err := d.reg.Acquire(d.tok); err != nil {
		return err
	}
	defer d.reg.Release(d.tok)
	if download {
		pkg.Flags.DownloadPending = true
	}
	if install {
		pkg.Flags.InstallPending = true
	}
	return nil
}

func (d *Dispatcher) fail(source Source, err error) error {
	d.logger.Warning(source, err, "failed to dispatch command")
	if source == SourceGUI {
		_ = d.propertyBus.Set("service::GuiEditStatus", bus.StringValue("ERROR"))
		d.ack(source, "ERROR")
	}
	return err
}

// ack publishes a short immediate status line, then stashes the same value
// in the single-slot next-ack cell for the sequencer to republish as the
// durable acknowledgement on its next tick.
func (d *Dispatcher) ack(source Source, status string) {
	if source != SourceGUI {
		return
	}
	_ = d.propertyBus.Set("service::GuiEditStatus", bus.StringValue(status))
	d.ackMu.Lock()
	d.pendingAck = status
	d.hasAck = true
	d.ackMu.Unlock()
}

// DrainAck returns the most recently stashed GUI acknowledgement, if any,
// and clears the slot. The sequencer calls this once per tick.
func (d *Dispatcher) DrainAck() (string, bool) {
	d.ackMu.Lock()
	defer d.ackMu.Unlock()
	if !d.hasAck {
		return "", false
	}
	d.hasAck = false
	return d.pendingAck, true
}
