package state

import (
	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
)

// exitBits assigns each category its own bit of the exit code.
var exitBits = map[model.Category]int{
	model.CategoryFailure:    1 << 0,
	model.CategoryKilled:     1 << 1,
	model.CategoryUnrunnable: 1 << 2,
	model.CategoryKnownBug:   1 << 3,
	model.CategoryCancelled:  1 << 4,
}

// ExitBit returns the exit code bit of c, 0 for success.
func ExitBit(c model.Category) int {
	return exitBits[c]
}

// ExitCode combines the bits of every category of a complete state that the
// configuration lists in failure_exit_categories.
func ExitCode(cfg *config.Config, states []*model.TestState) int {
	triggering := map[model.Category]bool{}
	for _, c := range cfg.List("failure_exit_categories") {
		triggering[model.Category(c)] = true
	}
	code := 0
	for _, s := range states {
		if s.IsComplete() && triggering[s.Category] {
			code |= exitBits[s.Category]
		}
	}
	return code
}

// Counts returns how many complete states carry each category.
func Counts(states []*model.TestState) map[model.Category]int {
	out := map[model.Category]int{}
	for _, s := range states {
		if s.IsComplete() {
			out[s.Category]++
		}
	}
	return out
}
