package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/keelvm/keel/backend"
)

// inputFile is the TOML description of a register configuration and an
// instruction sequence awaiting allocation.
type inputFile struct {
	Registers registersSection `toml:"registers"`
	Vregs     vregsSection     `toml:"vregs"`
	Blocks    []blockSection   `toml:"block"`
}

type registersSection struct {
	General []int `toml:"general"`
	Double  []int `toml:"double"`
}

type vregsSection struct {
	Word32     []int `toml:"word32"`
	Float32    []int `toml:"float32"`
	Float64    []int `toml:"float64"`
	Tagged     []int `toml:"tagged"`
	References []int `toml:"references"`
}

type blockSection struct {
	// Dominator is the RPO number of the immediate dominator, or -1 for
	// the entry block.
	Dominator    int                  `toml:"dominator"`
	LoopHeader   bool                 `toml:"loop_header"`
	LoopEnd      int                  `toml:"loop_end"`
	Successors   []int                `toml:"successors"`
	Phis         []int                `toml:"phis"`
	Instructions []instructionSection `toml:"instruction"`
}

type instructionSection struct {
	Outputs    []string      `toml:"outputs"`
	Inputs     []string      `toml:"inputs"`
	Temps      []string      `toml:"temps"`
	Moves      []moveSection `toml:"move"`
	Call       bool          `toml:"call"`
	DoubleCall bool          `toml:"double_call"`
	Safepoint  bool          `toml:"safepoint"`
}

// moveSection is a gap move at the instruction's END position.
type moveSection struct {
	From string `toml:"from"`
	To   string `toml:"to"`
}

// parseOperand turns the textual operand syntax into an operand:
//
//	v3:reg              register policy
//	v3:slot             stack slot policy
//	v3:reg|slot         register or slot
//	v3:reg|slot|const   register, slot or constant
//	v3:same             same location as the first input
//	v3:fixed=r2         fixed general register 2 (fp2 for double, s2 for slot)
//	v3:const            constant
//	r2, s4              already-allocated register / stack slot
//
// A "@start" suffix marks an input as used at start. Omitting the
// leading "vN:" on a policy (e.g. plain "reg") yields a vreg-less temp.
func parseOperand(s string) (backend.Operand, error) {
	var zero backend.Operand

	usedAtStart := strings.HasSuffix(s, "@start")
	s = strings.TrimSuffix(s, "@start")

	vreg := backend.InvalidVirtualRegister
	spec := s
	if rest, ok := strings.CutPrefix(s, "v"); ok {
		numEnd := strings.IndexByte(rest, ':')
		if numEnd < 0 {
			return zero, fmt.Errorf("operand %q: missing policy after vreg", s)
		}
		n, err := strconv.Atoi(rest[:numEnd])
		if err != nil {
			return zero, fmt.Errorf("operand %q: bad vreg: %w", s, err)
		}
		vreg = n
		spec = rest[numEnd+1:]
	}

	var op backend.Operand
	switch {
	case spec == "reg":
		op = backend.NewUnallocatedOperand(backend.PolicyRegister, vreg)
	case spec == "slot":
		op = backend.NewUnallocatedOperand(backend.PolicySlot, vreg)
	case spec == "reg|slot":
		op = backend.NewUnallocatedOperand(backend.PolicyRegisterOrSlot, vreg)
	case spec == "reg|slot|const":
		op = backend.NewUnallocatedOperand(backend.PolicyRegisterOrSlotOrConstant, vreg)
	case spec == "same":
		op = backend.NewUnallocatedOperand(backend.PolicySameAsInput, vreg)
	case spec == "const":
		op = backend.NewConstantOperand(vreg)
	case strings.HasPrefix(spec, "fixed="):
		fixed := strings.TrimPrefix(spec, "fixed=")
		policy := backend.PolicyFixedRegister
		switch {
		case strings.HasPrefix(fixed, "fp"):
			policy = backend.PolicyFixedFPRegister
			fixed = fixed[2:]
		case strings.HasPrefix(fixed, "r"):
			fixed = fixed[1:]
		case strings.HasPrefix(fixed, "s"):
			policy = backend.PolicyFixedSlot
			fixed = fixed[1:]
		default:
			return zero, fmt.Errorf("operand %q: fixed location must be rN, fpN or sN", s)
		}
		index, err := strconv.Atoi(fixed)
		if err != nil {
			return zero, fmt.Errorf("operand %q: bad fixed index: %w", s, err)
		}
		op = backend.NewFixedUnallocatedOperand(policy, index, vreg)
	case strings.HasPrefix(spec, "r") || strings.HasPrefix(spec, "s"):
		if vreg != backend.InvalidVirtualRegister {
			return zero, fmt.Errorf("operand %q: allocated operands carry no vreg", s)
		}
		index, err := strconv.Atoi(spec[1:])
		if err != nil {
			return zero, fmt.Errorf("operand %q: bad location index: %w", s, err)
		}
		if spec[0] == 'r' {
			op = backend.NewRegisterOperand(backend.DefaultRepresentation, index)
		} else {
			op = backend.NewStackSlotOperand(backend.DefaultRepresentation, index)
		}
	default:
		return zero, fmt.Errorf("operand %q: unknown policy %q", s, spec)
	}

	if usedAtStart {
		op = op.AtStart()
	}
	return op, nil
}

func parseOperands(specs []string) ([]backend.Operand, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	ops := make([]backend.Operand, len(specs))
	for i, s := range specs {
		op, err := parseOperand(s)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	return ops, nil
}

// buildSequence assembles the instruction sequence and register
// configuration from the parsed input.
func buildSequence(in *inputFile) (*backend.InstructionSequence, *backend.RegisterConfiguration, error) {
	if len(in.Registers.General) == 0 && len(in.Registers.Double) == 0 {
		return nil, nil, fmt.Errorf("no allocatable registers configured")
	}
	if len(in.Blocks) == 0 {
		return nil, nil, fmt.Errorf("no blocks defined")
	}
	config := backend.NewRegisterConfiguration(in.Registers.General, in.Registers.Double)

	builder := backend.NewSequenceBuilder()

	// Create every block first so successor edges can point forward.
	blocks := make([]*backend.BlockBuilder, len(in.Blocks))
	for i, b := range in.Blocks {
		dominator := backend.RpoInvalid
		if b.Dominator >= 0 {
			dominator = backend.RpoNumber(b.Dominator)
		}
		blocks[i] = builder.NewBlock(dominator)
		if b.LoopHeader {
			if b.LoopEnd <= i {
				return nil, nil, fmt.Errorf("block %d: loop_end must point past the loop body", i)
			}
			blocks[i].MarkLoopHeader(backend.RpoNumber(b.LoopEnd))
		}
	}

	for i, b := range in.Blocks {
		for _, succ := range b.Successors {
			if succ < 0 || succ >= len(blocks) {
				return nil, nil, fmt.Errorf("block %d: successor %d out of range", i, succ)
			}
			blocks[i].AddSuccessor(blocks[succ])
		}
		for _, phi := range b.Phis {
			blocks[i].AddPhi(phi)
		}
		for j, is := range b.Instructions {
			instr, err := buildInstruction(&is)
			if err != nil {
				return nil, nil, fmt.Errorf("block %d instruction %d: %w", i, j, err)
			}
			blocks[i].AddInstruction(instr)
		}
		if len(b.Instructions) == 0 {
			return nil, nil, fmt.Errorf("block %d has no instructions", i)
		}
	}

	reps := map[backend.MachineRepresentation][]int{
		backend.RepWord32:  in.Vregs.Word32,
		backend.RepFloat32: in.Vregs.Float32,
		backend.RepFloat64: in.Vregs.Float64,
		backend.RepTagged:  in.Vregs.Tagged,
	}
	for rep, vregs := range reps {
		for _, v := range vregs {
			builder.SetRepresentation(v, rep)
		}
	}
	for _, v := range in.Vregs.References {
		builder.MarkAsReference(v)
	}

	return builder.Build(), config, nil
}

func buildInstruction(is *instructionSection) (*backend.Instruction, error) {
	outputs, err := parseOperands(is.Outputs)
	if err != nil {
		return nil, err
	}
	inputs, err := parseOperands(is.Inputs)
	if err != nil {
		return nil, err
	}
	temps, err := parseOperands(is.Temps)
	if err != nil {
		return nil, err
	}

	instr := backend.NewInstruction(outputs, inputs, temps)
	if is.Call {
		instr.MarkAsCall()
	}
	if is.DoubleCall {
		instr.MarkAsDoubleCall()
	}
	if is.Safepoint {
		instr.MarkNeedsReferenceMap()
	}
	for _, m := range is.Moves {
		from, err := parseOperand(m.From)
		if err != nil {
			return nil, err
		}
		to, err := parseOperand(m.To)
		if err != nil {
			return nil, err
		}
		if to.IsUnallocated() {
			return nil, fmt.Errorf("gap move destination %q must be concrete", m.To)
		}
		instr.GetOrCreateParallelMove(backend.GapEnd).AddMove(from, to)
	}
	return instr, nil
}
