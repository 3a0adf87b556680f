package ir

import (
	"fmt"
	"strings"
)

// Format renders one instruction or terminator for dumps.
func Format(ins any) string {
	switch x := ins.(type) {
	case Nop:
		return "nop"
	case Const:
		return fmt.Sprintf("%v = const %#x", x.Dst, x.Value)
	case LoadReg:
		return fmt.Sprintf("%v = load_reg %v", x.Dst, x.Reg)
	case StoreReg:
		return fmt.Sprintf("store_reg %v, %v", x.Reg, x.Src)
	case LoadFlag:
		return fmt.Sprintf("%v = load_flag %v", x.Dst, x.Flag)
	case BinOp:
		if x.Flags.Empty() {
			return fmt.Sprintf("%v = %v %v, %v", x.Dst, x.Op, x.L, x.R)
		}

		return fmt.Sprintf("%v = %v %v, %v  flags %#x", x.Dst, x.Op, x.L, x.R, uint64(x.Flags))
	case Addr:
		return fmt.Sprintf("%v = addr %v + %v*%d + %#x", x.Dst, x.Base, x.Index, x.Scale, x.Disp)
	case LoadMem:
		return fmt.Sprintf("%v = load%d %v", x.Dst, x.Width.Bits(), x.Addr)
	case StoreMem:
		return fmt.Sprintf("store%d %v, %v", x.Width.Bits(), x.Addr, x.Src)
	case Guard:
		return fmt.Sprintf("guard %v == %v -> exit %#x", x.Cond, x.Expected, x.ExitRIP)
	case GuardCodeVersion:
		return fmt.Sprintf("guard_code_version page %#x == %d -> exit %#x", x.Page, x.Expected, x.ExitRIP)
	case SideExit:
		return fmt.Sprintf("side_exit %#x", x.RIP)
	case Jump:
		return fmt.Sprintf("jump %v", x.To)
	case Branch:
		return fmt.Sprintf("branch %v, %v, %v", x.Cond, x.Then, x.Else)
	case Exit:
		return fmt.Sprintf("exit %#x", x.RIP)
	}

	return fmt.Sprintf("%+v", ins)
}

// Dump renders a whole function for dumps.
func (f *Func) Dump() string {
	var b strings.Builder

	fmt.Fprintf(&b, "func entry %v  blocks %d  vals %d\n", f.Entry, len(f.Blocks), f.Vals)

	for id, blk := range f.Blocks {
		fmt.Fprintf(&b, "b%d: rip %#x  code_len %d\n", id, blk.RIP, blk.CodeLen)

		for _, ins := range blk.Insts {
			fmt.Fprintf(&b, "\t%s\n", Format(ins))
		}

		fmt.Fprintf(&b, "\t%s\n", Format(blk.Term))
	}

	return b.String()
}
