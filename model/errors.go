package model

import "errors"

// Error kinds. Errors are wrapped with one of these so callers can classify
// them with errors.Is.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrSelection      = errors.New("selection error")
	ErrSetup          = errors.New("setup error")
	ErrRun            = errors.New("run error")
	ErrCompare        = errors.New("comparison error")
	ErrInfrastructure = errors.New("infrastructure error")
	ErrProtocol       = errors.New("protocol error")
)
