//go:build windows

package dispatch

import "os"

var killSignal os.Signal = os.Kill

var slaveSignals = []os.Signal{os.Interrupt}
