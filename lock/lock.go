// Package lock implements the registry's reentrant global lock: some
// registry helpers call other mutating methods while already holding it, so
// a plain sync.Mutex would deadlock the owning goroutine. There is no direct
// analog of this in the teacher's code (laitos has no reentrant-lock need),
// so this follows the general Go idiom of tracking owner + recursion count
// behind a plain sync.Mutex.
package lock

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Acquire when the lock could not be obtained
// within the configured timeout. Per spec this is a structural error: the
// caller must treat it as fatal and let the process exit for the supervisor
// to restart it.
var ErrTimeout = errors.New("lock: acquisition timed out")

// ReentrantLock serializes registry and bus-mirror mutations. The same
// goroutine may acquire it multiple times; each Acquire must be matched by a
// Release.
type ReentrantLock struct {
	Timeout time.Duration

	mutex       sync.Mutex
	cond        *sync.Cond
	owner       int64
	recursion   int
	nextGID     int64
	gidAssigned map[*token]int64
	gidMutex    sync.Mutex
}

// token identifies the calling goroutine for the lifetime of one top-level
// Acquire/Release pair, since Go has no public goroutine-id API. Callers
// obtain one via NewToken and reuse it for every call made from that
// goroutine (typically stored once per worker).
type token struct{}

// Token identifies a goroutine across repeated, potentially nested, lock
// acquisitions.
type Token = *token

// NewToken returns a fresh goroutine identity for use with Acquire/Release.
func NewToken() Token {
	return &token{}
}

// New returns a ReentrantLock with the given acquisition timeout. A
// non-positive timeout means "wait forever", which no caller in this
// program should use outside of tests.
func New(timeout time.Duration) *ReentrantLock {
	l := &ReentrantLock{Timeout: timeout}
	l.cond = sync.NewCond(&l.mutex)
	return l
}

// gidOf returns a stable small integer for the token, assigning one on
// first use.
func (l *ReentrantLock) gidOf(tok Token) int64 {
	l.gidMutex.Lock()
	defer l.gidMutex.Unlock()
	if l.gidAssigned == nil {
		l.gidAssigned = make(map[*token]int64)
	}
	if gid, ok := l.gidAssigned[tok]; ok {
		return gid
	}
	l.nextGID++
	l.gidAssigned[tok] = l.nextGID
	return l.nextGID
}

// Acquire blocks until the lock is held by tok, reentrantly if tok already
// owns it, or returns ErrTimeout if Timeout elapses first.
func (l *ReentrantLock) Acquire(tok Token) error {
	gid := l.gidOf(tok)
	deadline := time.Now().Add(l.Timeout)

	l.mutex.Lock()
	defer l.mutex.Unlock()
	for l.recursion > 0 && l.owner != gid {
		if l.Timeout <= 0 {
			l.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if !waitWithTimeout(l.cond, remaining) {
			return ErrTimeout
		}
	}
	l.owner = gid
	l.recursion++
	return nil
}

// Release gives up one level of ownership acquired by tok. Releasing a lock
// not held by tok is a programming error and panics, the way an unbalanced
// sync.Mutex.Unlock would.
func (l *ReentrantLock) Release(tok Token) {
	gid := l.gidOf(tok)
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.recursion == 0 || l.owner != gid {
		panic("lock: Release called without a matching Acquire")
	}
	l.recursion--
	if l.recursion == 0 {
		l.cond.Signal()
	}
}

// waitWithTimeout waits on cond for at most d, returning false on timeout.
// sync.Cond has no built-in timeout, so a watchdog goroutine nudges the
// condition variable when the deadline passes.
func waitWithTimeout(cond *sync.Cond, d time.Duration) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		close(done)
		cond.Broadcast()
	})
	defer timer.Stop()
	cond.Wait()
	select {
	case <-done:
		return false
	default:
		return true
	}
}
