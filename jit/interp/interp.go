// Package interp evaluates lowered instructions directly. It mirrors
// the code generator's arithmetic and flag derivations one to one, so
// tests can check lowering results bit-exactly without instantiating
// the emitted module.
package interp

import (
	"tlog.app/go/errors"

	"github.com/wilsonzlin/aero-sub011/jit/ir"
	"github.com/wilsonzlin/aero-sub011/jit/x86"
)

type (
	// Memory is the evaluator's view of guest memory.
	Memory interface {
		Load(addr uint64, w x86.Width) uint64
		Store(addr uint64, v uint64, w x86.Width)
	}

	// Machine holds the architectural state an instruction stream acts
	// on. Vals is the function-wide value space.
	Machine struct {
		Regs   [x86.RegCount]uint64
		RFLAGS uint64
		Vals   map[ir.Value]uint64
		Mem    Memory

		// Exited reports whether a guard or side exit fired; ExitRIP
		// holds its target.
		Exited  bool
		ExitRIP uint64

		// PageVersion answers code-version guard probes. Nil means
		// every page is at version 0.
		PageVersion func(page uint64) uint32
	}

	// FlatMem is a sparse word-granular memory good enough for tests.
	FlatMem map[uint64]byte
)

func NewMachine() *Machine {
	return &Machine{
		Vals: map[ir.Value]uint64{},
		Mem:  FlatMem{},
	}
}

// Run evaluates instructions in order until the list ends or an exit
// fires.
func (m *Machine) Run(insts []any) error {
	for _, ins := range insts {
		err := m.Step(ins)
		if err != nil {
			return err
		}

		if m.Exited {
			return nil
		}
	}

	return nil
}

func (m *Machine) Step(ins any) error {
	switch x := ins.(type) {
	case ir.Nop:
	case ir.Const:
		m.Vals[x.Dst] = x.Value
	case ir.LoadReg:
		m.Vals[x.Dst] = m.Regs[x.Reg]
	case ir.StoreReg:
		m.Regs[x.Reg] = m.operand(x.Src)
	case ir.LoadFlag:
		m.Vals[x.Dst] = bit(m.RFLAGS&uint64(x.Flag) != 0)
	case ir.BinOp:
		m.binop(x)
	case ir.Addr:
		m.Vals[x.Dst] = m.operand(x.Base) + m.operand(x.Index)*uint64(x.Scale) + x.Disp
	case ir.LoadMem:
		m.Vals[x.Dst] = m.Mem.Load(m.operand(x.Addr), x.Width)
	case ir.StoreMem:
		m.Mem.Store(m.operand(x.Addr), m.operand(x.Src), x.Width)
	case ir.Guard:
		if (m.operand(x.Cond) != 0) != x.Expected {
			m.exit(x.ExitRIP)
		}
	case ir.GuardCodeVersion:
		cur := uint32(0)
		if m.PageVersion != nil {
			cur = m.PageVersion(x.Page)
		}

		if cur != x.Expected {
			m.exit(x.ExitRIP)
		}
	case ir.SideExit:
		m.exit(x.RIP)
	default:
		return errors.New("unknown instruction %T", ins)
	}

	return nil
}

func (m *Machine) binop(x ir.BinOp) {
	l := m.operand(x.L)
	r := m.operand(x.R)

	var res uint64

	switch x.Op {
	case ir.Add:
		res = l + r
	case ir.Sub:
		res = l - r
	case ir.Mul:
		res = l * r
	case ir.And:
		res = l & r
	case ir.Or:
		res = l | r
	case ir.Xor:
		res = l ^ r
	case ir.Shl:
		res = l << (r & 63)
	case ir.ShrU:
		res = l >> (r & 63)
	case ir.ShrS:
		res = uint64(int64(l) >> (r & 63))
	case ir.Eq:
		res = bit(l == r)
	}

	m.Vals[x.Dst] = res

	if x.Flags.Empty() {
		return
	}

	// Generic derivations for any operator.
	if x.Flags.Has(x86.FlagZF) {
		m.writeFlag(x86.FlagZF, res == 0)
	}

	if x.Flags.Has(x86.FlagSF) {
		m.writeFlag(x86.FlagSF, int64(res) < 0)
	}

	if x.Flags.Has(x86.FlagPF) {
		m.writeFlag(x86.FlagPF, parityEven(res))
	}

	switch x.Op {
	case ir.Add:
		if x.Flags.Has(x86.FlagCF) {
			m.writeFlag(x86.FlagCF, res < l)
		}

		if x.Flags.Has(x86.FlagAF) {
			m.writeFlag(x86.FlagAF, (l^r^res)&0x10 != 0)
		}

		if x.Flags.Has(x86.FlagOF) {
			m.writeFlag(x86.FlagOF, (l^res)&(r^res)&signBit != 0)
		}
	case ir.Sub:
		if x.Flags.Has(x86.FlagCF) {
			m.writeFlag(x86.FlagCF, l < r)
		}

		if x.Flags.Has(x86.FlagAF) {
			m.writeFlag(x86.FlagAF, (l^r^res)&0x10 != 0)
		}

		if x.Flags.Has(x86.FlagOF) {
			m.writeFlag(x86.FlagOF, (l^r)&(l^res)&signBit != 0)
		}
	default:
		// Any other operator clears the arithmetic-only flags it was
		// asked for.
		if x.Flags.Has(x86.FlagCF) {
			m.writeFlag(x86.FlagCF, false)
		}

		if x.Flags.Has(x86.FlagAF) {
			m.writeFlag(x86.FlagAF, false)
		}

		if x.Flags.Has(x86.FlagOF) {
			m.writeFlag(x86.FlagOF, false)
		}
	}
}

func (m *Machine) operand(op any) uint64 {
	switch x := op.(type) {
	case ir.Value:
		return m.Vals[x]
	case ir.Imm:
		return uint64(x)
	}

	return 0
}

func (m *Machine) writeFlag(f x86.Flag, v bool) {
	if v {
		m.RFLAGS |= uint64(f)
	} else {
		m.RFLAGS &^= uint64(f)
	}
}

func (m *Machine) exit(rip uint64) {
	m.Exited = true
	m.ExitRIP = rip
}

const signBit = uint64(1) << 63

func parityEven(v uint64) bool {
	v &= 0xff
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1

	return v&1 == 0
}

func bit(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

func (m FlatMem) Load(addr uint64, w x86.Width) (v uint64) {
	for i := w.Bytes() - 1; i >= 0; i-- {
		v = v<<8 | uint64(m[addr+uint64(i)])
	}

	return v
}

func (m FlatMem) Store(addr uint64, v uint64, w x86.Width) {
	for i := 0; i < w.Bytes(); i++ {
		m[addr+uint64(i)] = byte(v >> (8 * i))
	}
}
