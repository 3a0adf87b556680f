// Package ir is the lowered tier-2 instruction set. Instructions,
// operands and terminators are closed variant sets dispatched by type
// switch. Values are function-wide: each block reserves a contiguous
// id range and every block-local reference is rebased into it, so a
// value id can never collide across blocks.
package ir

import (
	"fmt"

	"github.com/wilsonzlin/aero-sub011/jit/x86"
)

type (
	// Value is a function-wide value id.
	Value int32

	// BlockID is a dense block index assigned in discovery order.
	BlockID int32

	Op int

	// Operands are either Value or Imm.
	Imm uint64

	Nop struct{}

	Const struct {
		Dst   Value
		Value uint64
	}

	LoadReg struct {
		Dst Value
		Reg x86.Reg
	}

	StoreReg struct {
		Reg x86.Reg
		Src any
	}

	LoadFlag struct {
		Dst  Value
		Flag x86.Flag
	}

	BinOp struct {
		Dst   Value
		Op    Op
		L, R  any
		Flags x86.FlagSet
	}

	// Addr computes base + index*scale + disp.
	Addr struct {
		Dst   Value
		Base  any
		Index any
		Scale uint8
		Disp  uint64
	}

	LoadMem struct {
		Dst   Value
		Addr  any
		Width x86.Width
	}

	StoreMem struct {
		Addr  any
		Src   any
		Width x86.Width
	}

	// Guard side-exits to ExitRIP when Cond's truthiness differs from
	// Expected.
	Guard struct {
		Cond     any
		Expected bool
		ExitRIP  uint64
	}

	// GuardCodeVersion side-exits when the guest code page has been
	// written since the trace was compiled.
	GuardCodeVersion struct {
		Page     uint64
		Expected uint32
		ExitRIP  uint64
	}

	// SideExit leaves the trace unconditionally.
	SideExit struct {
		RIP uint64
	}

	// Terminators.

	Jump struct {
		To BlockID
	}

	Branch struct {
		Cond any
		Then BlockID
		Else BlockID
	}

	// Exit is the terminator form of a side exit.
	Exit struct {
		RIP uint64
	}

	// Block is one lowered basic block. CodeLen is the count of guest
	// bytes the block covers, used for invalidation when those bytes
	// change.
	Block struct {
		RIP     uint64
		CodeLen int
		Insts   []any
		Term    any
	}

	// Func is the CFG builder output: the entry block is Blocks[Entry].
	Func struct {
		Entry  BlockID
		Blocks []Block
		Vals   int // function-wide value count
	}
)

const (
	Add Op = iota
	Sub
	Mul
	And
	Or
	Xor
	Shl
	ShrU
	ShrS
	Eq
)

func (op Op) String() string {
	if op >= 0 && int(op) < len(opNames) {
		return opNames[op]
	}

	return "op?"
}

var opNames = []string{"add", "sub", "mul", "and", "or", "xor", "shl", "shr_u", "shr_s", "eq"}

// Dst returns the value an instruction defines, or -1.
func Dst(ins any) Value {
	switch x := ins.(type) {
	case Const:
		return x.Dst
	case LoadReg:
		return x.Dst
	case LoadFlag:
		return x.Dst
	case BinOp:
		return x.Dst
	case Addr:
		return x.Dst
	case LoadMem:
		return x.Dst
	}

	return -1
}

// Operands calls f for every operand of an instruction.
func Operands(ins any, f func(op any)) {
	switch x := ins.(type) {
	case StoreReg:
		f(x.Src)
	case BinOp:
		f(x.L)
		f(x.R)
	case Addr:
		f(x.Base)
		f(x.Index)
	case LoadMem:
		f(x.Addr)
	case StoreMem:
		f(x.Addr)
		f(x.Src)
	case Guard:
		f(x.Cond)
	}
}

func (v Value) String() string { return fmt.Sprintf("v%d", int32(v)) }

func (b BlockID) String() string { return fmt.Sprintf("b%d", int32(b)) }

func (i Imm) String() string { return fmt.Sprintf("%#x", uint64(i)) }
