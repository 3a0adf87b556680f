// Package ir0 is the per-block translator output: a linear, locally
// value-numbered instruction list plus one terminator. Local values
// start at zero and are dense; the tier-2 builder translates them into
// the function-wide value space.
package ir0

import "github.com/wilsonzlin/aero-sub011/jit/x86"

type (
	// Val is a block-local value number.
	Val int32

	Op int

	// Loc names the location a read/write targets: a general purpose
	// register slice, the instruction pointer or a single flag bit.
	Loc struct {
		Reg   x86.Reg
		Width x86.Width
		High  bool // AH..BH forms; Width must be W8
		RIP   bool
		Flag  x86.Flag // nonzero for flag reads
	}

	Const struct {
		Dst   Val
		Value uint64
	}

	ReadReg struct {
		Dst Val
		Loc Loc
	}

	WriteReg struct {
		Loc Loc
		Src Val
	}

	Trunc struct {
		Dst   Val
		Src   Val
		Width x86.Width
	}

	Load struct {
		Dst   Val
		Addr  Val
		Width x86.Width
	}

	Store struct {
		Addr  Val
		Src   Val
		Width x86.Width
	}

	BinOp struct {
		Dst   Val
		Op    Op
		L, R  Val
		Width x86.Width
		Flags x86.FlagSet
	}

	// CmpFlags is a flag-only subtract (x86 CMP).
	CmpFlags struct {
		L, R  Val
		Width x86.Width
		Flags x86.FlagSet
	}

	// TestFlags is a flag-only and (x86 TEST).
	TestFlags struct {
		L, R  Val
		Width x86.Width
		Flags x86.FlagSet
	}

	EvalCond struct {
		Dst  Val
		Cond x86.Cond
	}

	Select struct {
		Dst   Val
		Cond  Val
		Then  Val
		Else  Val
		Width x86.Width
	}

	// Lea is an effective-address computation:
	// base + index*scale + disp, truncated to Width.
	// Base and Index may be NoVal when absent.
	Lea struct {
		Dst   Val
		Base  Val
		Index Val
		Scale uint8
		Disp  uint64
		Width x86.Width
	}

	// CallHelper marks an instruction the translator could only express
	// as a call into the emulation runtime. Tier-2 never lowers these.
	CallHelper struct {
		Name string
	}

	// Terminators.

	Jump struct {
		Target uint64
	}

	CondJump struct {
		Cond        Val
		Target      uint64
		Fallthrough uint64
	}

	IndirectJump struct{}

	// ExitTier hands control to the interpreter tier at Addr.
	ExitTier struct {
		Addr uint64
	}

	// Block is one translated basic block. Insts holds the variant
	// structs above; Term holds exactly one terminator variant.
	Block struct {
		Insts []any
		Vals  int // local value count
		Term  any
	}
)

// NoVal marks an absent optional value reference.
const NoVal Val = -1

const (
	Add Op = iota
	Sub
	And
	Or
	Xor
	Shl
	Shr
	Sar
)

func (op Op) String() string {
	if op >= 0 && int(op) < len(opNames) {
		return opNames[op]
	}

	return "op?"
}

var opNames = []string{"add", "sub", "and", "or", "xor", "shl", "shr", "sar"}

// GPR builds the location of a register slice.
func GPR(r x86.Reg, w x86.Width) Loc {
	return Loc{Reg: r, Width: w}
}

// High8 builds the AH..BH style high-byte location.
func High8(r x86.Reg) Loc {
	return Loc{Reg: r, Width: x86.W8, High: true}
}

// RIPLoc builds the instruction-pointer pseudo location.
func RIPLoc() Loc {
	return Loc{RIP: true}
}

// FlagLoc builds a single-flag read location.
func FlagLoc(f x86.Flag) Loc {
	return Loc{Flag: f}
}
