package platform

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/daemonforge/pkgmand/lalog"
)

// ErrTimeLimitExceeded is returned by InvokeProgram when the external program
// did not finish within its time limit and had to be killed.
var ErrTimeLimitExceeded = errors.New("external program exceeded its time limit")

// InvokeProgram starts an external program, waits for it to exit subject to
// a time limit, and returns its combined stdout+stderr output (capped to
// MaxExternalProgramOutputBytes) along with its termination error, if any.
//
// The setup program of a package and the media scanner's "umount" are both
// invoked this way.
func InvokeProgram(envVars []string, timeoutSec int, program string, args ...string) (out string, err error) {
	if timeoutSec < 1 {
		return "", errors.New("invalid time limit")
	}
	combinedEnv := append(os.Environ(), "PATH="+CommonPATH)
	combinedEnv = append(combinedEnv, envVars...)

	outBuf := lalog.NewByteLogWriter(io.Discard, MaxExternalProgramOutputBytes)
	proc := exec.Command(program, args...)
	proc.Env = combinedEnv
	proc.Stdout = outBuf
	proc.Stderr = outBuf
	// Run the child in its own process group so a time-out kill also reaches
	// any grandchildren the setup program spawned.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startedAt := time.Now()
	if err = proc.Start(); err != nil {
		return "", err
	}

	exitChan := make(chan error, 1)
	go func() { exitChan <- proc.Wait() }()

	timeLimit := time.After(time.Duration(timeoutSec) * time.Second)
	progressTicker := time.NewTicker(time.Minute)
	defer progressTicker.Stop()
	for {
		select {
		case <-progressTicker.C:
			if timeoutSec >= 600 {
				logger.Info(program, nil, "still running after %d seconds, will time out in %d seconds",
					int(time.Since(startedAt).Seconds()), timeoutSec-int(time.Since(startedAt).Seconds()))
			}
		case <-timeLimit:
			logger.Warning(program, nil, "killing process %d after %d second time limit", proc.Process.Pid, timeoutSec)
			killProcessGroup(proc.Process)
			<-exitChan
			return string(outBuf.Retrieve(false)), ErrTimeLimitExceeded
		case exitErr := <-exitChan:
			if exitErr == nil {
				logger.Info(program, nil, "exited normally after %d seconds", int(time.Since(startedAt).Seconds()))
			} else {
				logger.Info(program, exitErr, "exited after %d seconds", int(time.Since(startedAt).Seconds()))
			}
			return string(outBuf.Retrieve(false)), exitErr
		}
	}
}

// ExitCode extracts the numeric exit status from the error returned by
// InvokeProgram, returning -1 if the program could not be started or was
// killed by a signal rather than exiting on its own.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// killProcessGroup sends SIGTERM then, after a grace period, SIGKILL to the
// process group rooted at proc so that any children it spawned are also
// reclaimed.
func killProcessGroup(proc *os.Process) {
	if proc == nil {
		return
	}
	_ = syscall.Kill(-proc.Pid, syscall.SIGTERM)
	time.Sleep(500 * time.Millisecond)
	_ = syscall.Kill(-proc.Pid, syscall.SIGKILL)
	_, _ = proc.Wait()
}
