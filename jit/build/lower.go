package build

import (
	"math"

	"tlog.app/go/errors"
	"tlog.app/go/loc"

	"github.com/wilsonzlin/aero-sub011/jit/ir"
	"github.com/wilsonzlin/aero-sub011/jit/ir0"
	"github.com/wilsonzlin/aero-sub011/jit/x86"
)

// lowerer rewrites one block's per-block IR into lowered instructions.
// It stops at the first instruction it can't represent; the caller then
// discards everything and side-exits at the block entry.
type lowerer struct {
	entryRIP uint64
	base     uint32
	next     *uint32

	instrs      []any
	consts      map[ir0.Val]uint64 // locals with compile-time known values
	unsupported loc.PC
	err         error
}

// fail marks the block unsupported, keeping the first flagging site
// for deopt diagnostics.
func (lw *lowerer) fail() {
	if lw.unsupported == 0 {
		lw.unsupported = loc.Caller(1)
	}
}

func (lw *lowerer) block(b *ir0.Block) {
	for _, ins := range b.Insts {
		lw.inst(ins)

		if lw.unsupported != 0 || lw.err != nil {
			return
		}
	}
}

func (lw *lowerer) inst(ins any) {
	switch x := ins.(type) {
	case ir0.Const:
		lw.consts[x.Dst] = x.Value
		lw.push(ir.Const{Dst: lw.mapVal(x.Dst), Value: x.Value})
	case ir0.ReadReg:
		lw.readReg(x.Dst, x.Loc)
	case ir0.WriteReg:
		lw.writeReg(x.Loc, x.Src)
	case ir0.Trunc:
		lw.push(ir.BinOp{Dst: lw.mapVal(x.Dst), Op: ir.And, L: lw.val(x.Src), R: ir.Imm(x.Width.Mask())})
	case ir0.Load:
		lw.push(ir.LoadMem{Dst: lw.mapVal(x.Dst), Addr: lw.val(x.Addr), Width: x.Width})
	case ir0.Store:
		lw.push(ir.StoreMem{Addr: lw.val(x.Addr), Src: lw.val(x.Src), Width: x.Width})
	case ir0.BinOp:
		lw.binop(lw.mapVal(x.Dst), x.Op, x.L, x.R, x.Width, x.Flags)
	case ir0.CmpFlags:
		lw.flagOp(ir.Sub, x.L, x.R, x.Width, x.Flags)
	case ir0.TestFlags:
		lw.flagOp(ir.And, x.L, x.R, x.Width, x.Flags)
	case ir0.EvalCond:
		lw.evalCond(lw.mapVal(x.Dst), x.Cond)
	case ir0.Select:
		lw.sel(lw.mapVal(x.Dst), x.Cond, x.Then, x.Else, x.Width)
	case ir0.Lea:
		lw.lea(x)
	case ir0.CallHelper:
		lw.fail()
	default:
		lw.fail()
	}
}

func (lw *lowerer) readReg(dst0 ir0.Val, l ir0.Loc) {
	dst := lw.mapVal(dst0)

	switch {
	case l.RIP:
		// The instruction pointer is compile-time known within a block.
		lw.push(ir.Const{Dst: dst, Value: lw.entryRIP})

	case l.Flag != 0:
		lw.push(ir.LoadFlag{Dst: dst, Flag: l.Flag})

	case l.Width == x86.W64 && !l.High:
		lw.push(ir.LoadReg{Dst: dst, Reg: l.Reg})

	case l.Width == x86.W8 && l.High:
		full := lw.temp()
		lw.push(ir.LoadReg{Dst: full, Reg: l.Reg})

		shifted := lw.temp()
		lw.push(ir.BinOp{Dst: shifted, Op: ir.ShrU, L: full, R: ir.Imm(8)})
		lw.push(ir.BinOp{Dst: dst, Op: ir.And, L: shifted, R: ir.Imm(0xff)})

	default:
		full := lw.temp()
		lw.push(ir.LoadReg{Dst: full, Reg: l.Reg})
		lw.push(ir.BinOp{Dst: dst, Op: ir.And, L: full, R: ir.Imm(l.Width.Mask())})
	}
}

func (lw *lowerer) writeReg(l ir0.Loc, src0 ir0.Val) {
	if l.RIP || l.Flag != 0 {
		// RIP is modeled purely through terminators; flag writes go
		// through the flag-update path of BinOp/CmpFlags/TestFlags.
		lw.fail()
		return
	}

	src := lw.val(src0)

	if l.Width == x86.W64 && !l.High {
		lw.push(ir.StoreReg{Reg: l.Reg, Src: src})
		return
	}

	if l.Width == x86.W32 {
		// 32-bit writes zero-extend into the full register.
		masked := lw.temp()
		lw.push(ir.BinOp{Dst: masked, Op: ir.And, L: src, R: ir.Imm(l.Width.Mask())})
		lw.push(ir.StoreReg{Reg: l.Reg, Src: masked})
		return
	}

	// 8/16-bit writes preserve every bit outside the written field
	// (bits 8..15 for the AH..BH forms).
	shift := 0
	if l.High {
		shift = 8
	}

	fieldMask := l.Width.Mask() << shift

	old := lw.temp()
	lw.push(ir.LoadReg{Dst: old, Reg: l.Reg})

	cleared := lw.temp()
	lw.push(ir.BinOp{Dst: cleared, Op: ir.And, L: old, R: ir.Imm(^fieldMask)})

	maskedSrc := lw.temp()
	lw.push(ir.BinOp{Dst: maskedSrc, Op: ir.And, L: src, R: ir.Imm(l.Width.Mask())})

	part := any(maskedSrc)

	if shift != 0 {
		shifted := lw.temp()
		lw.push(ir.BinOp{Dst: shifted, Op: ir.Shl, L: maskedSrc, R: ir.Imm(uint64(shift))})
		part = shifted
	}

	merged := lw.temp()
	lw.push(ir.BinOp{Dst: merged, Op: ir.Or, L: cleared, R: part})
	lw.push(ir.StoreReg{Reg: l.Reg, Src: merged})
}

func (lw *lowerer) binop(dst ir.Value, op0 ir0.Op, l, r ir0.Val, w x86.Width, flags x86.FlagSet) {
	op, ok := mapOp(op0)
	if !ok {
		lw.fail()
		return
	}

	if isShift(op) {
		lw.shift(dst, op, l, r, w, flags)
		return
	}

	if w == x86.W64 {
		lw.push(ir.BinOp{Dst: dst, Op: op, L: lw.val(l), R: lw.val(r), Flags: flags})
		return
	}

	lw.narrowOp(dst, op, l, r, w, flags)
}

// narrowOp computes a sub-width add/sub/and/or/xor with the shift-left
// trick: both operands go up by (64-width) bits so carry, overflow,
// zero and sign fall out of the native computation, and the result
// comes back down with a logical shift. Parity and auxiliary carry
// live in the low bits the trick destroys, so they are recomputed
// separately at the original position.
func (lw *lowerer) narrowOp(dst ir.Value, op ir.Op, l, r ir0.Val, w x86.Width, flags x86.FlagSet) {
	gap := uint64(64 - w.Bits())
	lowFlags := flags & x86.FlagSet(x86.FlagPF|x86.FlagAF)

	lhsS := lw.temp()
	lw.push(ir.BinOp{Dst: lhsS, Op: ir.Shl, L: lw.val(l), R: ir.Imm(gap)})

	rhsS := lw.temp()
	lw.push(ir.BinOp{Dst: rhsS, Op: ir.Shl, L: lw.val(r), R: ir.Imm(gap)})

	resS := lw.temp()
	lw.push(ir.BinOp{Dst: resS, Op: op, L: lhsS, R: rhsS, Flags: flags &^ lowFlags})

	lw.push(ir.BinOp{Dst: dst, Op: ir.ShrU, L: resS, R: ir.Imm(gap)})

	if lowFlags.Empty() {
		return
	}

	lhsM := lw.temp()
	lw.push(ir.BinOp{Dst: lhsM, Op: ir.And, L: lw.val(l), R: ir.Imm(w.Mask())})

	rhsM := lw.temp()
	lw.push(ir.BinOp{Dst: rhsM, Op: ir.And, L: lw.val(r), R: ir.Imm(w.Mask())})

	scratch := lw.temp()
	lw.push(ir.BinOp{Dst: scratch, Op: op, L: lhsM, R: rhsM, Flags: lowFlags})
}

// flagOp is a compare/test: same lowering as the destination form, the
// result goes to a discarded scratch value.
func (lw *lowerer) flagOp(op ir.Op, l, r ir0.Val, w x86.Width, flags x86.FlagSet) {
	if flags.Empty() {
		return
	}

	dst := lw.temp()

	if w == x86.W64 {
		lw.push(ir.BinOp{Dst: dst, Op: op, L: lw.val(l), R: lw.val(r), Flags: flags})
		return
	}

	lw.narrowOp(dst, op, l, r, w, flags)
}

// shift lowers the shift family. Without flag requests the count is
// masked the way the hardware does (mod 32 below native width, the
// native shift masks mod 64 itself) and arithmetic right shifts
// sign-extend first. With flag requests the count must be a
// compile-time constant and the x86 count rules apply: count 0 updates
// nothing, carry exists only for counts up to the operand width,
// overflow only for count 1.
func (lw *lowerer) shift(dst ir.Value, op ir.Op, l, r ir0.Val, w x86.Width, flags x86.FlagSet) {
	// Shifts never update AF on this path (hardware leaves it
	// undefined).
	flags &^= x86.FlagSet(x86.FlagAF)

	if flags.Empty() {
		lw.shiftNoFlags(dst, op, l, r, w)
		return
	}

	count, ok := lw.consts[r]
	if !ok {
		lw.fail()
		return
	}

	countMask := uint64(31)
	if w == x86.W64 {
		countMask = 63
	}

	count &= countMask

	if count == 0 {
		// A zero count updates no flags and leaves the value as is.
		if w == x86.W64 {
			lw.push(ir.BinOp{Dst: dst, Op: ir.Or, L: lw.val(l), R: ir.Imm(0)})
		} else {
			lw.push(ir.BinOp{Dst: dst, Op: ir.And, L: lw.val(l), R: ir.Imm(w.Mask())})
		}

		return
	}

	if count > uint64(w.Bits()) {
		flags &^= x86.FlagSet(x86.FlagCF)
	}

	if count != 1 {
		flags &^= x86.FlagSet(x86.FlagOF)
	}

	// Masked operand, also the source for shifted-out-bit extraction.
	lhsM := lw.val(l)

	if w != x86.W64 {
		m := lw.temp()
		lw.push(ir.BinOp{Dst: m, Op: ir.And, L: lw.val(l), R: ir.Imm(w.Mask())})
		lhsM = m
	}

	// Result.
	switch {
	case w == x86.W64:
		lw.push(ir.BinOp{Dst: dst, Op: op, L: lhsM, R: ir.Imm(count)})
	case op == ir.ShrS:
		gap := uint64(64 - w.Bits())

		up := lw.temp()
		lw.push(ir.BinOp{Dst: up, Op: ir.Shl, L: lhsM, R: ir.Imm(gap)})

		sext := lw.temp()
		lw.push(ir.BinOp{Dst: sext, Op: ir.ShrS, L: up, R: ir.Imm(gap)})

		shifted := lw.temp()
		lw.push(ir.BinOp{Dst: shifted, Op: ir.ShrS, L: sext, R: ir.Imm(count)})

		lw.push(ir.BinOp{Dst: dst, Op: ir.And, L: shifted, R: ir.Imm(w.Mask())})
	default:
		shifted := lw.temp()
		lw.push(ir.BinOp{Dst: shifted, Op: op, L: lhsM, R: ir.Imm(count)})
		lw.push(ir.BinOp{Dst: dst, Op: ir.And, L: shifted, R: ir.Imm(w.Mask())})
	}

	if flags.Has(x86.FlagZF) || flags.Has(x86.FlagSF) {
		// Re-align the masked result so the width's sign bit lands at
		// bit 63 and zero/sign fall out generically.
		gap := uint64(64 - w.Bits())

		t := lw.temp()
		lw.push(ir.BinOp{
			Dst: t, Op: ir.Shl, L: dst, R: ir.Imm(gap),
			Flags: flags & x86.FlagSet(x86.FlagZF|x86.FlagSF),
		})
	}

	if flags.Has(x86.FlagPF) {
		t := lw.temp()
		lw.push(ir.BinOp{Dst: t, Op: ir.Or, L: dst, R: ir.Imm(0), Flags: x86.FlagSet(x86.FlagPF)})
	}

	if flags.Has(x86.FlagCF) {
		// The bit shifted out last: position width-count for left
		// shifts, count-1 for right shifts.
		pos := count - 1
		if op == ir.Shl {
			pos = uint64(w.Bits()) - count
		}

		lw.setCF(lw.bitAt(lhsM, pos))
	}

	if flags.Has(x86.FlagOF) {
		switch op {
		case ir.ShrS:
			lw.setOF(ir.Imm(0))
		case ir.ShrU:
			lw.setOF(lw.bitAt(lhsM, uint64(w.Bits())-1))
		case ir.Shl:
			s1 := lw.bitAt(lhsM, uint64(w.Bits())-1)
			s2 := lw.bitAt(dst, uint64(w.Bits())-1)

			x := lw.temp()
			lw.push(ir.BinOp{Dst: x, Op: ir.Xor, L: s1, R: s2})
			lw.setOF(x)
		}
	}
}

func (lw *lowerer) shiftNoFlags(dst ir.Value, op ir.Op, l, r ir0.Val, w x86.Width) {
	if w == x86.W64 {
		lw.push(ir.BinOp{Dst: dst, Op: op, L: lw.val(l), R: lw.val(r)})
		return
	}

	lhsM := lw.temp()
	lw.push(ir.BinOp{Dst: lhsM, Op: ir.And, L: lw.val(l), R: ir.Imm(w.Mask())})

	// Sub-width shift counts mask mod 32 even though we compute at 64.
	cnt := lw.temp()
	lw.push(ir.BinOp{Dst: cnt, Op: ir.And, L: lw.val(r), R: ir.Imm(31)})

	src := any(lhsM)

	if op == ir.ShrS {
		// Sign-extend so the sign bit propagates through the shift.
		gap := uint64(64 - w.Bits())

		up := lw.temp()
		lw.push(ir.BinOp{Dst: up, Op: ir.Shl, L: lhsM, R: ir.Imm(gap)})

		sext := lw.temp()
		lw.push(ir.BinOp{Dst: sext, Op: ir.ShrS, L: up, R: ir.Imm(gap)})
		src = sext
	}

	shifted := lw.temp()
	lw.push(ir.BinOp{Dst: shifted, Op: op, L: src, R: cnt})
	lw.push(ir.BinOp{Dst: dst, Op: ir.And, L: shifted, R: ir.Imm(w.Mask())})
}

// bitAt extracts bit pos of v as a 0/1 value.
func (lw *lowerer) bitAt(v any, pos uint64) ir.Value {
	sh := lw.temp()
	lw.push(ir.BinOp{Dst: sh, Op: ir.ShrU, L: v, R: ir.Imm(pos)})

	bit := lw.temp()
	lw.push(ir.BinOp{Dst: bit, Op: ir.And, L: sh, R: ir.Imm(1)})

	return bit
}

// setCF stores a 0/1 bit into CF. bit + ~0 wraps exactly when the bit
// is set, and the add-family carry derivation sees that wrap.
func (lw *lowerer) setCF(bit any) {
	t := lw.temp()
	lw.push(ir.BinOp{Dst: t, Op: ir.Add, L: bit, R: ir.Imm(^uint64(0)), Flags: x86.FlagSet(x86.FlagCF)})
}

// setOF stores a 0/1 bit into OF. 0 - (bit<<63) overflows signed
// arithmetic exactly when the bit is set.
func (lw *lowerer) setOF(bit any) {
	up := lw.temp()
	lw.push(ir.BinOp{Dst: up, Op: ir.Shl, L: bit, R: ir.Imm(63)})

	t := lw.temp()
	lw.push(ir.BinOp{Dst: t, Op: ir.Sub, L: ir.Imm(0), R: up, Flags: x86.FlagSet(x86.FlagOF)})
}

func (lw *lowerer) evalCond(dst ir.Value, c x86.Cond) {
	switch c {
	case x86.CondO:
		lw.push(ir.LoadFlag{Dst: dst, Flag: x86.FlagOF})
	case x86.CondNO:
		lw.not(dst, lw.loadFlag(x86.FlagOF))
	case x86.CondB:
		lw.push(ir.LoadFlag{Dst: dst, Flag: x86.FlagCF})
	case x86.CondAE:
		lw.not(dst, lw.loadFlag(x86.FlagCF))
	case x86.CondE:
		lw.push(ir.LoadFlag{Dst: dst, Flag: x86.FlagZF})
	case x86.CondNE:
		lw.not(dst, lw.loadFlag(x86.FlagZF))
	case x86.CondBE:
		cf, zf := lw.loadFlag(x86.FlagCF), lw.loadFlag(x86.FlagZF)
		lw.push(ir.BinOp{Dst: dst, Op: ir.Or, L: cf, R: zf})
	case x86.CondA:
		cf, zf := lw.loadFlag(x86.FlagCF), lw.loadFlag(x86.FlagZF)

		ncf := lw.temp()
		lw.not(ncf, cf)

		nzf := lw.temp()
		lw.not(nzf, zf)

		lw.push(ir.BinOp{Dst: dst, Op: ir.And, L: ncf, R: nzf})
	case x86.CondS:
		lw.push(ir.LoadFlag{Dst: dst, Flag: x86.FlagSF})
	case x86.CondNS:
		lw.not(dst, lw.loadFlag(x86.FlagSF))
	case x86.CondP:
		lw.push(ir.LoadFlag{Dst: dst, Flag: x86.FlagPF})
	case x86.CondNP:
		lw.not(dst, lw.loadFlag(x86.FlagPF))
	case x86.CondL:
		sf, of := lw.loadFlag(x86.FlagSF), lw.loadFlag(x86.FlagOF)
		lw.push(ir.BinOp{Dst: dst, Op: ir.Xor, L: sf, R: of})
	case x86.CondGE:
		sf, of := lw.loadFlag(x86.FlagSF), lw.loadFlag(x86.FlagOF)
		lw.push(ir.BinOp{Dst: dst, Op: ir.Eq, L: sf, R: of})
	case x86.CondLE:
		zf, sf, of := lw.loadFlag(x86.FlagZF), lw.loadFlag(x86.FlagSF), lw.loadFlag(x86.FlagOF)

		sxo := lw.temp()
		lw.push(ir.BinOp{Dst: sxo, Op: ir.Xor, L: sf, R: of})
		lw.push(ir.BinOp{Dst: dst, Op: ir.Or, L: zf, R: sxo})
	case x86.CondG:
		zf, sf, of := lw.loadFlag(x86.FlagZF), lw.loadFlag(x86.FlagSF), lw.loadFlag(x86.FlagOF)

		eq := lw.temp()
		lw.push(ir.BinOp{Dst: eq, Op: ir.Eq, L: sf, R: of})

		nzf := lw.temp()
		lw.not(nzf, zf)

		lw.push(ir.BinOp{Dst: dst, Op: ir.And, L: nzf, R: eq})
	default:
		lw.fail()
	}
}

// sel is the branchless select: booleanize the condition both ways and
// blend with multiplies, so no intra-block control flow is needed.
func (lw *lowerer) sel(dst ir.Value, cond, then, els ir0.Val, w x86.Width) {
	isZero := lw.temp()
	lw.push(ir.BinOp{Dst: isZero, Op: ir.Eq, L: lw.val(cond), R: ir.Imm(0)})

	isNonzero := lw.temp()
	lw.push(ir.BinOp{Dst: isNonzero, Op: ir.Eq, L: isZero, R: ir.Imm(0)})

	thenVal := lw.temp()
	lw.push(ir.BinOp{Dst: thenVal, Op: ir.Mul, L: lw.val(then), R: isNonzero})

	elseVal := lw.temp()
	lw.push(ir.BinOp{Dst: elseVal, Op: ir.Mul, L: lw.val(els), R: isZero})

	if w == x86.W64 {
		lw.push(ir.BinOp{Dst: dst, Op: ir.Add, L: thenVal, R: elseVal})
		return
	}

	sum := lw.temp()
	lw.push(ir.BinOp{Dst: sum, Op: ir.Add, L: thenVal, R: elseVal})
	lw.push(ir.BinOp{Dst: dst, Op: ir.And, L: sum, R: ir.Imm(w.Mask())})
}

func (lw *lowerer) lea(x ir0.Lea) {
	base := any(ir.Imm(0))
	if x.Base != ir0.NoVal {
		base = lw.val(x.Base)
	}

	index := any(ir.Imm(0))
	if x.Index != ir0.NoVal {
		index = lw.val(x.Index)
	}

	if x.Width == x86.W64 {
		lw.push(ir.Addr{Dst: lw.mapVal(x.Dst), Base: base, Index: index, Scale: x.Scale, Disp: x.Disp})
		return
	}

	full := lw.temp()
	lw.push(ir.Addr{Dst: full, Base: base, Index: index, Scale: x.Scale, Disp: x.Disp})
	lw.push(ir.BinOp{Dst: lw.mapVal(x.Dst), Op: ir.And, L: full, R: ir.Imm(x.Width.Mask())})
}

func (lw *lowerer) loadFlag(f x86.Flag) ir.Value {
	dst := lw.temp()
	lw.push(ir.LoadFlag{Dst: dst, Flag: f})

	return dst
}

// not canonicalizes boolean negation as (x == 0).
func (lw *lowerer) not(dst ir.Value, src any) {
	lw.push(ir.BinOp{Dst: dst, Op: ir.Eq, L: src, R: ir.Imm(0)})
}

func (lw *lowerer) push(ins any) {
	lw.instrs = append(lw.instrs, ins)
}

func (lw *lowerer) mapVal(v ir0.Val) ir.Value {
	r, err := rebase(lw.base, v)
	if err != nil && lw.err == nil {
		lw.err = err
	}

	return r
}

func (lw *lowerer) val(v ir0.Val) any {
	return lw.mapVal(v)
}

func (lw *lowerer) temp() ir.Value {
	if *lw.next > math.MaxInt32 {
		if lw.err == nil {
			lw.err = errors.New("value id space exhausted: %d", *lw.next)
		}

		return 0
	}

	id := ir.Value(*lw.next)
	*lw.next++

	return id
}

func mapOp(op ir0.Op) (ir.Op, bool) {
	switch op {
	case ir0.Add:
		return ir.Add, true
	case ir0.Sub:
		return ir.Sub, true
	case ir0.And:
		return ir.And, true
	case ir0.Or:
		return ir.Or, true
	case ir0.Xor:
		return ir.Xor, true
	case ir0.Shl:
		return ir.Shl, true
	case ir0.Shr:
		return ir.ShrU, true
	case ir0.Sar:
		return ir.ShrS, true
	}

	return 0, false
}

func isShift(op ir.Op) bool {
	return op == ir.Shl || op == ir.ShrU || op == ir.ShrS
}
