//go:build windows

package action

import "os"

var terminateSignal os.Signal = os.Kill
