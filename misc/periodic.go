package misc

import (
	"context"
	"errors"
	"time"
)

// Periodic invokes a function continuously with a regular interval in
// between. The media scanner polls drives with its own ticker, and the
// version refresher and main sequencer have their own hand-rolled loops
// because their pacing (priority pre-emption, cursor reset, idle-timeout
// background scan) doesn't fit this fixed-interval-array model.
type Periodic struct {
	// LogActorName names this periodic task in log messages.
	LogActorName string
	// Interval between each invocation.
	Interval time.Duration
	// Func is invoked at every tick. A non-nil return stops the periodic
	// invocation entirely; the error is available from WaitForErr.
	Func func(context.Context) error

	cancelFunc  func()
	funcErrChan chan error
	funcErr     error
}

// Start invoking the periodic function. Does not block the caller.
func (p *Periodic) Start(ctx context.Context) error {
	if p.Interval <= 0 {
		return errors.New("misc.Periodic: Interval must be greater than 0")
	}
	ctx, cancelFunc := context.WithCancel(ctx)
	p.cancelFunc = cancelFunc
	p.funcErrChan = make(chan error, 1)
	p.funcErr = nil
	go func() {
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			if EmergencyLockDown {
				logger.Warning(p.LogActorName, ErrEmergencyLockDown, "stopping immediately")
				p.funcErrChan <- ErrEmergencyLockDown
				return
			}
			if err := p.Func(ctx); err != nil {
				p.funcErrChan <- err
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				p.funcErrChan <- ctx.Err()
				return
			}
		}
	}()
	return nil
}

// WaitForErr blocks until the periodic function (or its context) returns an
// error, and returns it.
func (p *Periodic) WaitForErr() error {
	if p.funcErr == nil {
		p.funcErr = <-p.funcErrChan
	}
	return p.funcErr
}

// Stop cancels the periodic invocation.
func (p *Periodic) Stop() {
	if p.cancelFunc != nil {
		p.cancelFunc()
	}
}
