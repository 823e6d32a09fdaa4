// Package platform runs external programs under a time limit and captures
// their combined output, the way pkgmand invokes a package's setup program
// and the media scanner's umount.
package platform

import (
	"os"

	"github.com/daemonforge/pkgmand/lalog"
)

const (
	// MaxExternalProgramOutputBytes is the maximum number of bytes (combined
	// stdout and stderr) retained for an external program's output.
	MaxExternalProgramOutputBytes = 256 * 1024

	// CommonPATH is a PATH environment variable value covering the executable
	// locations typically present on an embedded Linux appliance. Invoked
	// programs inherit the parent's environment, but PATH is normalised to
	// this value so that a setup program behaves the same regardless of the
	// environment pkgmand itself was started with.
	CommonPATH = "/bin:/sbin:/usr/bin:/usr/sbin:/usr/local/bin:/usr/local/sbin"
)

var logger = lalog.Logger{ComponentName: "platform", ComponentID: []lalog.LoggerIDField{{Key: "pid", Value: os.Getpid()}}}
