// Package versionrefresh implements the version refresher: a single worker
// that keeps every package's remote version reasonably fresh, paced so a
// full scan completes roughly once per the user's chosen refresh period.
package versionrefresh

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daemonforge/pkgmand/dispatch"
	"github.com/daemonforge/pkgmand/fetch"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
	"github.com/daemonforge/pkgmand/version"
)

const fastInterFetchDelay = 250 * time.Millisecond

// Refresher is the version-refresher worker.
type Refresher struct {
	reg    *registry.Registry
	tok    lock.Token
	queue  *queue.Queue
	client *fetch.Client
	logger lalog.Logger

	timeoutSec    int
	refreshPeriod time.Duration

	waitForRemoteVersions atomic.Bool
	cursor                int

	rateLimitBackoff bool
	mu               sync.Mutex
}

// New returns a Refresher for the given registry, fetch client, and queue.
// refreshPeriod is the target duration for one full scan pass, used to pace
// the background scan.
func New(reg *registry.Registry, tok lock.Token, q *queue.Queue, client *fetch.Client, timeoutSec int, refreshPeriod time.Duration, logger lalog.Logger) *Refresher {
	return &Refresher{reg: reg, tok: tok, queue: q, client: client, timeoutSec: timeoutSec, refreshPeriod: refreshPeriod, logger: logger}
}

// RequestRefresh resets the scan cursor and starts a fast full pass; called
// by the main sequencer when auto-download mode transitions OFF->ON or
// enters ONE_DOWNLOAD.
func (r *Refresher) RequestRefresh() {
	r.queue.Push(dispatch.VersionRefreshItem{Name: ""})
}

// WaitForRemoteVersions reports whether a full pass is in progress; the main
// sequencer blocks automatic downloads and installs while this is true so
// decisions aren't made against stale remote versions.
func (r *Refresher) WaitForRemoteVersions() bool {
	return r.waitForRemoteVersions.Load()
}

// Run drives the refresher until ctx is cancelled or a queue.Stop item is
// received. It implements the cursor-paced background scan plus priority
// and full-refresh requests.
func (r *Refresher) Run(ctx context.Context) error {
	for {
		count, err := r.reg.Count(r.tok)
		if err != nil {
			return err
		}

		delay := r.currentDelay(count)
		var timer *time.Timer
		if count == 0 {
			// Nothing to scan; only react to explicit requests.
			timer = time.NewTimer(time.Hour)
		} else {
			timer = time.NewTimer(delay)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case item := <-r.queue.Chan():
			timer.Stop()
			switch v := item.(type) {
			case queue.Stop:
				return nil
			case dispatch.VersionRefreshItem:
				if v.Name == "" {
					r.cursor = 0
					r.waitForRemoteVersions.Store(true)
				} else {
					r.fetchOne(ctx, v.Name)
				}
			}

		case <-timer.C:
			if count > 0 {
				r.fetchByCursor(ctx, count)
			}
		}
	}
}

func (r *Refresher) currentDelay(count int) time.Duration {
	var delay time.Duration
	switch {
	case r.waitForRemoteVersions.Load():
		delay = fastInterFetchDelay
	case count == 0:
		return time.Hour
	default:
		period := r.refreshPeriod
		if period <= 0 {
			period = 10 * time.Minute
		}
		delay = period / time.Duration(count)
	}
	if r.rateLimitedNow() {
		// Back off while the most recent fetch was rate-limited.
		delay *= 2
	}
	return delay
}

func (r *Refresher) rateLimitedNow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rateLimitBackoff
}

func (r *Refresher) fetchByCursor(ctx context.Context, count int) {
	var name string
	_ = r.reg.Each(r.tok, func(i int, pkg *registry.Package) {
		if i == r.cursor {
			name = pkg.Name
		}
	})
	if name != "" {
		r.fetchOne(ctx, name)
	}
	r.cursor++
	if r.cursor >= count {
		r.cursor = 0
		r.waitForRemoteVersions.Store(false)
	}
}

func (r *Refresher) fetchOne(ctx context.Context, name string) {
	pkg, err := r.reg.Locate(r.tok, name)
	if err != nil || pkg == nil {
		return
	}
	user, branch := pkg.Source.User, pkg.Source.Branch
	if user == "?" || branch == "?" || user == "" || branch == "" {
		return
	}

	remoteText, fetchErr := r.client.FetchVersion(ctx, user, name, branch, r.timeoutSec)

	r.mu.Lock()
	if fetch.RateLimited(fetchErr) {
		r.logger.Warning(name, fetchErr, "GitHub rate limit hit, doubling the inter-fetch delay")
		r.rateLimitBackoff = true
	} else {
		r.rateLimitBackoff = false
	}
	r.mu.Unlock()

	if err := r.reg.Acquire(r.tok); err != nil {
		return
	}
	defer r.reg.Release(r.tok)
	now := time.Now()
	pkg.Timestamps.LastGitHubRefresh = now
	if fetchErr != nil || strings.TrimSpace(remoteText) == "" {
		// A failed fetch clears the remote version immediately; a value
		// that simply goes stale without a failed fetch in between is a
		// separate case the main sequencer sweeps for on every tick.
		pkg.Versions.Remote = version.Version{}
		return
	}
	pkg.Versions.Remote = version.Parse(remoteText)
	pkg.Timestamps.LastRemoteRefresh = now
}

// ExpireStale clears any package's remote version that has gone more than
// refreshPeriod+10s without a successful refresh. The main sequencer calls
// this on the package it scans each tick; it takes no lock itself and does
// not require the refresher to be running.
func ExpireStale(pkg *registry.Package, refreshPeriod time.Duration) {
	if pkg.Versions.Remote.Empty() || pkg.Timestamps.LastRemoteRefresh.IsZero() {
		return
	}
	if time.Since(pkg.Timestamps.LastRemoteRefresh) > refreshPeriod+10*time.Second {
		pkg.Versions.Remote = version.Version{}
	}
}
