//go:build !windows

package dispatch

import (
	"os"
	"syscall"
)

// killSignal asks a slave to stop and report what it has.
var killSignal os.Signal = syscall.SIGUSR2

var slaveSignals = []os.Signal{syscall.SIGUSR2, syscall.SIGTERM, os.Interrupt}
