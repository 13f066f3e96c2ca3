package bytecode

import (
	"fmt"
	"math"
)

// DefaultMaxInstructions is the instruction budget applied when the
// caller does not override it.
const DefaultMaxInstructions = 4096

// placeholder offset written at symbolic branch and call sites until
// the second pass resolves them.
const unresolved = math.MaxInt16

// TooComplexError reports a program that exceeds the instruction
// budget. Compiling the same chain again cannot succeed.
type TooComplexError struct {
	Instructions int
	Budget       int
}

func (e *TooComplexError) Error() string {
	return fmt.Sprintf("program needs %d instructions, budget is %d",
		e.Instructions, e.Budget)
}

// Assembler builds a program in two passes. The first pass emits
// instructions with symbolic branch targets and symbolic subroutine
// calls; Assemble appends each referenced subroutine once after the
// program body and resolves every site against the finalized
// instruction buffer. Emitted instructions are never rewritten other
// than by that final resolution.
type Assembler struct {
	insns  []Instruction
	labels map[string]*label
	calls  []callSite
	subs   map[string][]Instruction
	budget int
}

type label struct {
	// sources are instruction indexes whose Off refers to the label.
	sources []int
	// target is the instruction index the label marks, or -1.
	target int
}

type callSite struct {
	line int
	sym  string
}

// NewAssembler creates an assembler with the given instruction
// budget. A budget of 0 selects DefaultMaxInstructions.
func NewAssembler(budget int) *Assembler {
	if budget <= 0 {
		budget = DefaultMaxInstructions
	}
	return &Assembler{
		labels: make(map[string]*label),
		subs:   make(map[string][]Instruction),
		budget: budget,
	}
}

// Emit appends a fully resolved instruction.
func (a *Assembler) Emit(ins ...Instruction) {
	a.insns = append(a.insns, ins...)
}

// Len returns the number of instructions emitted so far, not counting
// pending subroutines.
func (a *Assembler) Len() int {
	return len(a.insns)
}

// Branch emits a conditional branch whose target is a label.
func (a *Assembler) Branch(op Op, dst, src Reg, imm uint32, labelName string) {
	a.ref(labelName)
	a.insns = append(a.insns, Instruction{
		Op: op, Dst: dst, Src: src, Off: unresolved, Imm: int32(imm),
	})
}

// BranchImm emits a conditional branch against an immediate.
func (a *Assembler) BranchImm(op Op, dst Reg, imm uint32, labelName string) {
	a.Branch(op, dst, 0, imm, labelName)
}

// Ja emits an unconditional jump to a label.
func (a *Assembler) Ja(labelName string) {
	a.ref(labelName)
	a.insns = append(a.insns, Instruction{Op: OpJa, Off: unresolved})
}

// Label marks the next emitted instruction as the target of
// labelName. Backward jumps are rejected: marking a label after a
// site has referenced it is the only supported order, which keeps
// generated programs loop-free.
func (a *Assembler) Label(labelName string) error {
	l, ok := a.labels[labelName]
	if !ok {
		l = &label{target: -1}
		a.labels[labelName] = l
	}
	if l.target != -1 {
		return fmt.Errorf("label %q already placed at %d", labelName, l.target)
	}
	l.target = len(a.insns)
	return nil
}

// Call emits a symbolic call to a named subroutine. The subroutine
// body must be registered with Subroutine before Assemble runs.
func (a *Assembler) Call(sym string) {
	a.calls = append(a.calls, callSite{line: len(a.insns), sym: sym})
	a.insns = append(a.insns, Instruction{Op: OpCall, Imm: -1})
}

// Subroutine registers the body for a call symbol. The body must end
// with OpExit. Registering a symbol again replaces the body; Assemble
// appends whatever the final registration holds.
func (a *Assembler) Subroutine(sym string, body []Instruction) {
	a.subs[sym] = body
}

func (a *Assembler) ref(labelName string) {
	l, ok := a.labels[labelName]
	if !ok {
		l = &label{target: -1}
		a.labels[labelName] = l
	}
	l.sources = append(l.sources, len(a.insns))
}

// Assemble finalizes the program: resolves labels, appends each
// called subroutine once after the body, patches call sites, and
// enforces the instruction budget.
func (a *Assembler) Assemble() ([]Instruction, error) {
	if err := a.resolveLabels(); err != nil {
		return nil, err
	}

	out := append([]Instruction(nil), a.insns...)

	// Lay out each referenced subroutine once, in first-call order.
	subStart := make(map[string]int)
	for _, c := range a.calls {
		if _, done := subStart[c.sym]; done {
			continue
		}
		body, ok := a.subs[c.sym]
		if !ok {
			return nil, fmt.Errorf("call to unregistered subroutine %q", c.sym)
		}
		if len(body) == 0 || body[len(body)-1].Op != OpExit {
			return nil, fmt.Errorf("subroutine %q does not end in exit", c.sym)
		}
		subStart[c.sym] = len(out)
		out = append(out, body...)
	}

	// Patch call sites now that subroutine addresses are final.
	for _, c := range a.calls {
		delta := subStart[c.sym] - c.line - 1
		out[c.line].Imm = int32(delta)
	}

	if len(out) > a.budget {
		return nil, &TooComplexError{Instructions: len(out), Budget: a.budget}
	}
	return out, nil
}

func (a *Assembler) resolveLabels() error {
	for name, l := range a.labels {
		if l.target == -1 {
			return fmt.Errorf("label %q referenced but never placed", name)
		}
		for _, line := range l.sources {
			if line >= l.target {
				return fmt.Errorf("label %q would create a backward jump from %d to %d",
					name, line, l.target)
			}
			offset := l.target - line - 1
			if offset >= unresolved {
				return fmt.Errorf("jump to label %q spans %d instructions", name, offset)
			}
			if a.insns[line].Off != unresolved {
				return fmt.Errorf("instruction %d is not a symbolic branch", line)
			}
			a.insns[line].Off = int16(offset)
		}
	}
	a.labels = make(map[string]*label)
	return nil
}
