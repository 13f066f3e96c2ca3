package codegen

import (
	"fmt"

	"github.com/icefall-net/icefall/internal/bytecode"
)

// UnsupportedMatcherError reports a matcher the flavor's instruction
// shape cannot express. It is terminal for the compile attempt:
// recompiling the same chain cannot succeed.
type UnsupportedMatcherError struct {
	Matcher string
	Flavor  string
	Reason  string
}

func (e *UnsupportedMatcherError) Error() string {
	return fmt.Sprintf("matcher %q not supported by flavor %s: %s",
		e.Matcher, e.Flavor, e.Reason)
}

// ProgramTooComplexError reports a chain whose compiled form exceeds
// the instruction budget. Like UnsupportedMatcherError it is terminal
// for the input.
type ProgramTooComplexError struct {
	Chain string
	Inner *bytecode.TooComplexError
}

func (e *ProgramTooComplexError) Error() string {
	return fmt.Sprintf("chain %q: %s", e.Chain, e.Inner.Error())
}

func (e *ProgramTooComplexError) Unwrap() error {
	return e.Inner
}
