//go:build !windows

package action

import (
	"os"
	"syscall"
)

var terminateSignal os.Signal = syscall.SIGTERM
