package wasm

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/wilsonzlin/aero-sub011/jit/ir"
	"github.com/wilsonzlin/aero-sub011/jit/set"
	"github.com/wilsonzlin/aero-sub011/jit/trace"
	"github.com/wilsonzlin/aero-sub011/jit/x86"
)

type (
	Options struct {
		// InlineTLB emits the direct-mapped translation fast path on
		// loads and stores instead of always calling the slow
		// accessors.
		InlineTLB bool

		// Imported memory shape.
		MemoryMinPages uint32
		MemoryMaxPages uint32 // 0 means no declared maximum
		MemoryShared   bool
	}

	imported struct {
		readU8, readU16, readU32, readU64     uint32
		writeU8, writeU16, writeU32, writeU64 uint32
		mmuTranslate                          uint32
		count                                 uint32
	}

	// layout assigns the function's locals: the two pointer params,
	// next_rip, the flags word, optional code-version and TLB scratch
	// locals, resident register locals, then one local per value.
	layout struct {
		cvPtr, cvLen             uint32
		ramBase, tlbSalt         uint32
		scratchVaddr, scratchVPN uint32
		scratchTLBData           uint32
		regBase, valueBase       uint32
		localForReg              [x86.RegCount]int
	}

	emitter struct {
		c      *Code
		layout layout
		imp    imported
		opts   Options
		cv     bool // code-version locals present

		// depth counts structured regions opened inside the shared
		// exit block, so exit branches always target it.
		depth uint32

		err error
	}
)

const (
	localCPU     = 0
	localCtx     = 1
	localNextRIP = 2
	localRFLAGS  = 3
)

// Compile emits a complete module for one trace: import section, the
// exported trace function and its body.
//
// ABI: trace(cpu_ptr i32, ctx_ptr i32) -> next_rip i64.
func Compile(ctx context.Context, t *trace.Trace, plan *trace.Plan, opts Options) (_ []byte, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "emit wasm", "kind", t.Kind, "body", len(t.Body))
	defer tr.Finish("err", &err)

	if opts.MemoryMinPages == 0 {
		opts.MemoryMinPages = 1
	}

	hasLoad, hasStore, hasCodeGuards := false, false, false

	t.Instrs(func(ins any) {
		switch ins.(type) {
		case ir.LoadMem:
			hasLoad = true
		case ir.StoreMem:
			hasStore = true
		case ir.GuardCodeVersion:
			hasCodeGuards = true
		}
	})

	hasMem := hasLoad || hasStore

	// The fast path only matters for traces that touch memory.
	opts.InlineTLB = opts.InlineTLB && hasMem

	needsCV := hasCodeGuards || (opts.InlineTLB && hasStore)

	valueCount := maxValueID(t)
	if valueCount == 0 {
		valueCount = 1
	}

	var m Module

	tyReadNarrow := m.Type([]ValType{I32, I64}, []ValType{I32})
	tyReadWide := m.Type([]ValType{I32, I64}, []ValType{I64})
	tyWriteNarrow := m.Type([]ValType{I32, I64, I32}, []ValType{})
	tyWriteWide := m.Type([]ValType{I32, I64, I64}, []ValType{})

	tyTranslate := uint32(0)
	if opts.InlineTLB {
		tyTranslate = m.Type([]ValType{I32, I32, I64, I32}, []ValType{I64})
	}

	tyTrace := m.Type([]ValType{I32, I32}, []ValType{I64})

	maxPages := opts.MemoryMaxPages
	hasMax := maxPages != 0

	if opts.MemoryShared && !hasMax {
		// Shared memories require a declared maximum; default to the
		// full wasm32 range so any smaller memory links.
		maxPages = wasm32MaxPages
		hasMax = true
	}

	m.ImportMemory(ImportModule, ImportMemory, opts.MemoryMinPages, maxPages, hasMax, opts.MemoryShared)

	var imp imported

	// Only the accessors the trace can reach are imported, so a
	// read-only trace links against a store-less import object.
	if hasLoad {
		imp.readU8 = m.ImportFunc(ImportModule, ImportMemReadU8, tyReadNarrow)
		imp.readU16 = m.ImportFunc(ImportModule, ImportMemReadU16, tyReadNarrow)
		imp.readU32 = m.ImportFunc(ImportModule, ImportMemReadU32, tyReadNarrow)
		imp.readU64 = m.ImportFunc(ImportModule, ImportMemReadU64, tyReadWide)
		imp.count += 4
	}

	if hasStore {
		imp.writeU8 = m.ImportFunc(ImportModule, ImportMemWriteU8, tyWriteNarrow)
		imp.writeU16 = m.ImportFunc(ImportModule, ImportMemWriteU16, tyWriteNarrow)
		imp.writeU32 = m.ImportFunc(ImportModule, ImportMemWriteU32, tyWriteNarrow)
		imp.writeU64 = m.ImportFunc(ImportModule, ImportMemWriteU64, tyWriteWide)
		imp.count += 4
	}

	if opts.InlineTLB {
		imp.mmuTranslate = m.ImportFunc(ImportModule, ImportMMUTranslate, tyTranslate)
		imp.count++
	}

	lay := newLayout(plan, needsCV, opts.InlineTLB)
	i64Locals := lay.valueBase + uint32(valueCount) - 2 // params aren't declared locals

	var c Code
	c.Locals(i64Locals, I64)

	e := &emitter{c: &c, layout: lay, imp: imp, opts: opts, cv: needsCV}

	// Load resident registers.
	for r := x86.Reg(0); r < x86.RegCount; r++ {
		local, ok := lay.reg(r)
		if !ok {
			continue
		}

		c.LocalGet(localCPU)
		c.I64Load(x86.GPROff(r), 3)
		c.LocalSet(local)
	}

	// next_rip defaults to the architectural instruction pointer.
	c.LocalGet(localCPU)
	c.I64Load(x86.RIPOff, 3)
	c.LocalSet(localNextRIP)

	c.LocalGet(localCPU)
	c.I64Load(x86.RFLAGSOff, 3)
	c.LocalSet(localRFLAGS)

	if needsCV {
		c.LocalGet(localCtx)
		c.I32Load(CtxCodeVersionPtrOff, 2)
		c.I64ExtendI32U()
		c.LocalSet(lay.cvPtr)

		c.LocalGet(localCtx)
		c.I32Load(CtxCodeVersionLenOff, 2)
		c.I64ExtendI32U()
		c.LocalSet(lay.cvLen)
	}

	if opts.InlineTLB {
		c.LocalGet(localCtx)
		c.I64Load(CtxRAMBaseOff, 3)
		c.LocalSet(lay.ramBase)

		c.LocalGet(localCtx)
		c.I64Load(CtxTLBSaltOff, 3)
		c.LocalSet(lay.tlbSalt)
	}

	// Shared exit region: every guard and side exit lands here.
	c.Block(BlockEmpty)

	e.instrs(t.Prologue)

	if t.Kind == trace.Loop {
		c.Loop(BlockEmpty)
		e.depth++

		e.instrs(t.Body)

		c.Br(0)
		c.End()
		e.depth--
	} else {
		e.instrs(t.Body)
	}

	c.End()

	if e.err != nil {
		return nil, e.err
	}

	if e.depth != 0 {
		return nil, errors.New("unbalanced structured regions: depth %d", e.depth)
	}

	// Store back registers the trace actually writes; read-only
	// residents keep their state slots untouched.
	written := writtenRegs(t, plan)

	for r := x86.Reg(0); r < x86.RegCount; r++ {
		if !written.IsSet(int(r)) {
			continue
		}

		local, ok := lay.reg(r)
		if !ok {
			continue
		}

		c.LocalGet(localCPU)
		c.LocalGet(local)
		c.I64Store(x86.GPROff(r), 3)
	}

	// Flags go back with the always-set reserved bit forced on.
	c.LocalGet(localCPU)
	c.LocalGet(localRFLAGS)
	c.I64Const(int64(x86.RFLAGSReserved1))
	c.I64Or()
	c.I64Store(x86.RFLAGSOff, 3)

	c.LocalGet(localCPU)
	c.LocalGet(localNextRIP)
	c.I64Store(x86.RIPOff, 3)

	c.LocalGet(localNextRIP)
	c.Return()
	c.End()

	fn := m.Func(tyTrace, &c)
	m.ExportFunc(ExportTrace, fn)

	b := m.Bytes()

	tr.Printw("module", "bytes", len(b), "imports", imp.count, "locals", i64Locals)

	return b, nil
}

func newLayout(plan *trace.Plan, needsCV, inlineTLB bool) layout {
	lay := layout{localForReg: plan.LocalForReg}

	next := uint32(localRFLAGS + 1)

	if needsCV {
		lay.cvPtr = next
		lay.cvLen = next + 1
		next += 2
	}

	if inlineTLB {
		lay.ramBase = next
		lay.tlbSalt = next + 1
		lay.scratchVaddr = next + 2
		lay.scratchVPN = next + 3
		lay.scratchTLBData = next + 4
		next += 5
	}

	lay.regBase = next
	next += uint32(plan.Locals)
	lay.valueBase = next

	return lay
}

func (l *layout) reg(r x86.Reg) (uint32, bool) {
	slot := l.localForReg[r]
	if slot < 0 {
		return 0, false
	}

	return l.regBase + uint32(slot), true
}

func (l *layout) value(v ir.Value) uint32 {
	return l.valueBase + uint32(v)
}

func (e *emitter) instrs(insts []any) {
	for _, ins := range insts {
		e.instr(ins)

		if e.err != nil {
			return
		}
	}
}

func (e *emitter) instr(ins any) {
	c := e.c

	switch x := ins.(type) {
	case ir.Nop:
	case ir.Const:
		c.I64Const(int64(x.Value))
		c.LocalSet(e.layout.value(x.Dst))
	case ir.LoadReg:
		if local, ok := e.layout.reg(x.Reg); ok {
			c.LocalGet(local)
		} else {
			c.LocalGet(localCPU)
			c.I64Load(x86.GPROff(x.Reg), 3)
		}

		c.LocalSet(e.layout.value(x.Dst))
	case ir.StoreReg:
		if local, ok := e.layout.reg(x.Reg); ok {
			e.operand(x.Src)
			c.LocalSet(local)
		} else {
			c.LocalGet(localCPU)
			e.operand(x.Src)
			c.I64Store(x86.GPROff(x.Reg), 3)
		}
	case ir.LoadFlag:
		e.loadFlag(x.Flag)
		c.I64ExtendI32U()
		c.LocalSet(e.layout.value(x.Dst))
	case ir.BinOp:
		e.binop(x)
	case ir.Addr:
		e.operand(x.Base)
		e.operand(x.Index)
		c.I64Const(int64(x.Scale))
		c.I64Mul()
		c.I64Add()

		if x.Disp != 0 {
			c.I64Const(int64(x.Disp))
			c.I64Add()
		}

		c.LocalSet(e.layout.value(x.Dst))
	case ir.LoadMem:
		e.loadMem(x)
	case ir.StoreMem:
		e.storeMem(x)
	case ir.Guard:
		e.operand(x.Cond)
		c.I64Const(0)
		c.I64Ne()

		if x.Expected {
			c.I32Eqz()
		}

		c.If(BlockEmpty)
		e.depth++

		e.exit(x.ExitRIP)

		c.End()
		e.depth--
	case ir.GuardCodeVersion:
		e.guardCodeVersion(x)
	case ir.SideExit:
		e.exit(x.RIP)
	default:
		e.err = errors.New("unknown instruction %T", ins)
	}
}

// exit writes the literal exit address and unwinds to the shared exit
// region.
func (e *emitter) exit(rip uint64) {
	e.c.I64Const(int64(rip))
	e.c.LocalSet(localNextRIP)
	e.c.Br(e.depth)
}

func (e *emitter) operand(op any) {
	switch x := op.(type) {
	case ir.Imm:
		e.c.I64Const(int64(x))
	case ir.Value:
		e.c.LocalGet(e.layout.value(x))
	default:
		e.err = errors.New("unknown operand %T", op)
	}
}

// loadFlag leaves the flag bit on the stack as an i32 boolean.
func (e *emitter) loadFlag(f x86.Flag) {
	e.c.LocalGet(localRFLAGS)
	e.c.I64Const(int64(uint64(f)))
	e.c.I64And()
	e.c.I64Const(0)
	e.c.I64Ne()
}

// writeFlag consumes an i32 boolean from the stack into one RFLAGS bit.
func (e *emitter) writeFlag(f x86.Flag) {
	c := e.c
	b := int64(uint64(f))

	c.If(byte(I64))
	c.I64Const(b)
	c.Else()
	c.I64Const(0)
	c.End()

	c.LocalGet(localRFLAGS)
	c.I64Const(^b)
	c.I64And()
	c.I64Or()
	c.LocalSet(localRFLAGS)
}

func (e *emitter) binop(x ir.BinOp) {
	c := e.c

	e.operand(x.L)
	e.operand(x.R)

	switch x.Op {
	case ir.Add:
		c.I64Add()
	case ir.Sub:
		c.I64Sub()
	case ir.Mul:
		c.I64Mul()
	case ir.And:
		c.I64And()
	case ir.Or:
		c.I64Or()
	case ir.Xor:
		c.I64Xor()
	case ir.Shl:
		c.I64Const(63)
		c.I64And()
		c.I64Shl()
	case ir.ShrU:
		c.I64Const(63)
		c.I64And()
		c.I64ShrU()
	case ir.ShrS:
		c.I64Const(63)
		c.I64And()
		c.I64ShrS()
	case ir.Eq:
		c.I64Eq()
		c.I64ExtendI32U()
	default:
		e.err = errors.New("unknown op %v", x.Op)
		return
	}

	dst := e.layout.value(x.Dst)
	c.LocalSet(dst)

	if x.Flags.Empty() {
		return
	}

	// Result-derived flags work for any operator.
	if x.Flags.Has(x86.FlagZF) {
		c.LocalGet(dst)
		c.I64Eqz()
		e.writeFlag(x86.FlagZF)
	}

	if x.Flags.Has(x86.FlagSF) {
		c.LocalGet(dst)
		c.I64Const(0)
		c.I64LtS()
		e.writeFlag(x86.FlagSF)
	}

	if x.Flags.Has(x86.FlagPF) {
		c.LocalGet(dst)
		c.I64Const(0xff)
		c.I64And()
		c.I32WrapI64()
		c.I32Popcnt()
		c.I32Const(1)
		c.I32And()
		c.I32Eqz()
		e.writeFlag(x86.FlagPF)
	}

	switch x.Op {
	case ir.Add:
		if x.Flags.Has(x86.FlagCF) {
			// Carry out means the result wrapped below an input.
			c.LocalGet(dst)
			e.operand(x.L)
			c.I64LtU()
			e.writeFlag(x86.FlagCF)
		}

		if x.Flags.Has(x86.FlagAF) {
			e.operand(x.L)
			e.operand(x.R)
			c.I64Xor()
			c.LocalGet(dst)
			c.I64Xor()
			c.I64Const(0x10)
			c.I64And()
			c.I64Const(0)
			c.I64Ne()
			e.writeFlag(x86.FlagAF)
		}

		if x.Flags.Has(x86.FlagOF) {
			e.operand(x.L)
			c.LocalGet(dst)
			c.I64Xor()
			e.operand(x.R)
			c.LocalGet(dst)
			c.I64Xor()
			c.I64And()
			c.I64Const(-0x8000000000000000)
			c.I64And()
			c.I64Const(0)
			c.I64Ne()
			e.writeFlag(x86.FlagOF)
		}
	case ir.Sub:
		if x.Flags.Has(x86.FlagCF) {
			e.operand(x.L)
			e.operand(x.R)
			c.I64LtU()
			e.writeFlag(x86.FlagCF)
		}

		if x.Flags.Has(x86.FlagAF) {
			e.operand(x.L)
			e.operand(x.R)
			c.I64Xor()
			c.LocalGet(dst)
			c.I64Xor()
			c.I64Const(0x10)
			c.I64And()
			c.I64Const(0)
			c.I64Ne()
			e.writeFlag(x86.FlagAF)
		}

		if x.Flags.Has(x86.FlagOF) {
			e.operand(x.L)
			e.operand(x.R)
			c.I64Xor()
			e.operand(x.L)
			c.LocalGet(dst)
			c.I64Xor()
			c.I64And()
			c.I64Const(-0x8000000000000000)
			c.I64And()
			c.I64Const(0)
			c.I64Ne()
			e.writeFlag(x86.FlagOF)
		}
	default:
		// Logic ops clear the arithmetic flags outright.
		if x.Flags.Has(x86.FlagCF) {
			c.I32Const(0)
			e.writeFlag(x86.FlagCF)
		}

		if x.Flags.Has(x86.FlagAF) {
			c.I32Const(0)
			e.writeFlag(x86.FlagAF)
		}

		if x.Flags.Has(x86.FlagOF) {
			c.I32Const(0)
			e.writeFlag(x86.FlagOF)
		}
	}
}

func (e *emitter) guardCodeVersion(x ir.GuardCodeVersion) {
	c := e.c

	if !e.cv {
		e.err = errors.New("code version guard without version table locals")
		return
	}

	// current = page < table_len ? table[page] : 0
	c.I64Const(int64(x.Page))
	c.LocalGet(e.layout.cvLen)
	c.I64LtU()

	c.If(byte(I64))
	c.LocalGet(e.layout.cvPtr)
	c.I64Const(int64(x.Page * 4))
	c.I64Add()
	c.I32WrapI64()
	c.I32Load(0, 2)
	c.I64ExtendI32U()
	c.Else()
	c.I64Const(0)
	c.End()

	c.I64Const(int64(x.Expected))
	c.I64Ne()

	c.If(BlockEmpty)
	e.depth++

	e.exit(x.ExitRIP)

	c.End()
	e.depth--
}

func (e *emitter) loadMem(x ir.LoadMem) {
	c := e.c

	slow, size := e.readImport(x.Width)

	if !e.opts.InlineTLB {
		c.LocalGet(localCPU)
		e.operand(x.Addr)
		c.Call(slow)

		if x.Width != x86.W64 {
			c.I64ExtendI32U()
		}

		c.LocalSet(e.layout.value(x.Dst))

		return
	}

	e.operand(x.Addr)
	c.LocalSet(e.layout.scratchVaddr)

	// Accesses spilling over the page edge always take the slow
	// helper; the fast path only understands one page at a time.
	crossLimit := PageOffsetMask - uint64(size-1)

	c.LocalGet(e.layout.scratchVaddr)
	c.I64Const(int64(PageOffsetMask))
	c.I64And()
	c.I64Const(int64(crossLimit))
	c.I64GtU()

	c.If(BlockEmpty)
	e.depth++

	c.LocalGet(localCPU)
	c.LocalGet(e.layout.scratchVaddr)
	c.Call(slow)

	if x.Width != x86.W64 {
		c.I64ExtendI32U()
	}

	c.LocalSet(e.layout.value(x.Dst))

	c.Else()

	e.translateAndCache(MMUAccessRead, TLBFlagRead)

	// Non-RAM targets (MMIO, ROM, unmapped) go through the helper.
	c.LocalGet(e.layout.scratchTLBData)
	c.I64Const(TLBFlagIsRAM)
	c.I64And()
	c.I64Eqz()

	c.If(BlockEmpty)
	e.depth++

	c.LocalGet(localCPU)
	c.LocalGet(e.layout.scratchVaddr)
	c.Call(slow)

	if x.Width != x86.W64 {
		c.I64ExtendI32U()
	}

	c.LocalSet(e.layout.value(x.Dst))

	c.Else()

	e.ramAddr()

	switch x.Width {
	case x86.W8:
		c.I64Load8U(0, 0)
	case x86.W16:
		c.I64Load16U(0, 1)
	case x86.W32:
		c.I64Load32U(0, 2)
	case x86.W64:
		c.I64Load(0, 3)
	}

	c.LocalSet(e.layout.value(x.Dst))

	c.End()
	e.depth--

	c.End()
	e.depth--
}

func (e *emitter) storeMem(x ir.StoreMem) {
	c := e.c

	slow, size := e.writeImport(x.Width)

	if !e.opts.InlineTLB {
		c.LocalGet(localCPU)
		e.operand(x.Addr)
		e.storeValue(x.Src, x.Width)
		c.Call(slow)

		return
	}

	e.operand(x.Addr)
	c.LocalSet(e.layout.scratchVaddr)

	crossLimit := PageOffsetMask - uint64(size-1)

	c.LocalGet(e.layout.scratchVaddr)
	c.I64Const(int64(PageOffsetMask))
	c.I64And()
	c.I64Const(int64(crossLimit))
	c.I64GtU()

	c.If(BlockEmpty)
	e.depth++

	c.LocalGet(localCPU)
	c.LocalGet(e.layout.scratchVaddr)
	e.storeValue(x.Src, x.Width)
	c.Call(slow)

	c.Else()

	e.translateAndCache(MMUAccessWrite, TLBFlagWrite)

	c.LocalGet(e.layout.scratchTLBData)
	c.I64Const(TLBFlagIsRAM)
	c.I64And()
	c.I64Eqz()

	c.If(BlockEmpty)
	e.depth++

	c.LocalGet(localCPU)
	c.LocalGet(e.layout.scratchVaddr)
	e.storeValue(x.Src, x.Width)
	c.Call(slow)

	c.Else()

	e.ramAddr()
	e.operand(x.Src)

	switch x.Width {
	case x86.W8:
		c.I64Store8(0, 0)
	case x86.W16:
		c.I64Store16(0, 1)
	case x86.W32:
		c.I64Store32(0, 2)
	case x86.W64:
		c.I64Store(0, 3)
	}

	if e.cv {
		e.bumpCodeVersion()
	}

	c.End()
	e.depth--

	c.End()
	e.depth--
}

// storeValue pushes the source for a slow-path write, narrowed to the
// helper's parameter type.
func (e *emitter) storeValue(src any, w x86.Width) {
	e.operand(src)

	if w == x86.W64 {
		return
	}

	e.c.I64Const(int64(w.Mask()))
	e.c.I64And()
	e.c.I32WrapI64()
}

// translateAndCache probes the TLB entry for the scratch vaddr and
// leaves the resolved data word in scratchTLBData, refilling through
// the translation import on a tag miss or a permission miss.
func (e *emitter) translateAndCache(access int32, requiredFlag uint64) {
	c := e.c

	// vpn = vaddr >> PAGE_SHIFT
	c.LocalGet(e.layout.scratchVaddr)
	c.I64Const(x86.PageShift)
	c.I64ShrU()
	c.LocalSet(e.layout.scratchVPN)

	e.tlbEntryAddr()
	c.I64Load(0, 3) // tag

	// The low tag bit is forced on so zeroed entries never match.
	c.LocalGet(e.layout.scratchVPN)
	c.LocalGet(e.layout.tlbSalt)
	c.I64Xor()
	c.I64Const(1)
	c.I64Or()
	c.I64Eq()

	c.If(BlockEmpty)
	e.depth++

	e.tlbEntryAddr()
	c.I64Load(8, 3) // data
	c.LocalSet(e.layout.scratchTLBData)

	c.Else()

	e.mmuTranslate(access)

	c.End()
	e.depth--

	// Direction check: a cached entry without the needed permission
	// re-translates.
	c.LocalGet(e.layout.scratchTLBData)
	c.I64Const(int64(requiredFlag))
	c.I64And()
	c.I64Eqz()

	c.If(BlockEmpty)
	e.depth++

	e.mmuTranslate(access)

	c.End()
	e.depth--
}

func (e *emitter) mmuTranslate(access int32) {
	c := e.c

	c.LocalGet(localCPU)
	c.LocalGet(localCtx)
	c.LocalGet(e.layout.scratchVaddr)
	c.I32Const(access)
	c.Call(e.imp.mmuTranslate)
	c.LocalSet(e.layout.scratchTLBData)
}

// tlbEntryAddr leaves the i32 linear address of the probed TLB entry.
func (e *emitter) tlbEntryAddr() {
	c := e.c

	c.LocalGet(localCtx)
	c.I64ExtendI32U()
	c.I64Const(CtxTLBOff)
	c.I64Add()

	c.LocalGet(e.layout.scratchVPN)
	c.I64Const(TLBIndexMask)
	c.I64And()
	c.I64Const(TLBEntrySize)
	c.I64Mul()
	c.I64Add()
	c.I32WrapI64()
}

// ramAddr leaves the i32 linear address for the fast-path access:
// (data page base | vaddr offset) + ram base.
func (e *emitter) ramAddr() {
	c := e.c

	c.LocalGet(e.layout.scratchTLBData)
	c.I64Const(^int64(PageOffsetMask))
	c.I64And()

	c.LocalGet(e.layout.scratchVaddr)
	c.I64Const(int64(PageOffsetMask))
	c.I64And()
	c.I64Or()

	c.LocalGet(e.layout.ramBase)
	c.I64Add()
	c.I32WrapI64()
}

// bumpCodeVersion invalidates traces covering the written physical
// page by bumping its version table entry. Skipped when the runtime
// didn't configure a table.
func (e *emitter) bumpCodeVersion() {
	c := e.c

	c.LocalGet(e.layout.cvLen)
	c.I64Eqz()
	c.If(BlockEmpty)
	c.Else()

	// page = (data & page base) >> PAGE_SHIFT
	c.LocalGet(e.layout.scratchTLBData)
	c.I64Const(^int64(PageOffsetMask))
	c.I64And()
	c.I64Const(x86.PageShift)
	c.I64ShrU()
	c.LocalTee(e.layout.scratchVPN)

	c.LocalGet(e.layout.cvLen)
	c.I64LtU()

	c.If(BlockEmpty)

	// addr = table_ptr + page*4
	c.LocalGet(e.layout.cvPtr)
	c.LocalGet(e.layout.scratchVPN)
	c.I64Const(4)
	c.I64Mul()
	c.I64Add()
	c.LocalTee(e.layout.scratchVPN)

	// table[page] += 1
	c.I32WrapI64()
	c.LocalGet(e.layout.scratchVPN)
	c.I32WrapI64()
	c.I32Load(0, 2)
	c.I32Const(1)
	c.I32Add()
	c.I32Store(0, 2)

	c.End()
	c.End()
}

func (e *emitter) readImport(w x86.Width) (fn uint32, size int) {
	switch w {
	case x86.W8:
		return e.imp.readU8, 1
	case x86.W16:
		return e.imp.readU16, 2
	case x86.W32:
		return e.imp.readU32, 4
	}

	return e.imp.readU64, 8
}

func (e *emitter) writeImport(w x86.Width) (fn uint32, size int) {
	switch w {
	case x86.W8:
		return e.imp.writeU8, 1
	case x86.W16:
		return e.imp.writeU16, 2
	case x86.W32:
		return e.imp.writeU32, 4
	}

	return e.imp.writeU64, 8
}

func maxValueID(t *trace.Trace) int {
	max := -1

	t.Instrs(func(ins any) {
		if dst := ir.Dst(ins); int(dst) > max {
			max = int(dst)
		}

		ir.Operands(ins, func(op any) {
			if v, ok := op.(ir.Value); ok && int(v) > max {
				max = int(v)
			}
		})
	})

	return max + 1
}

func writtenRegs(t *trace.Trace, plan *trace.Plan) set.Bitmap {
	written := set.MakeBitmap(x86.RegCount)

	t.Instrs(func(ins any) {
		if x, ok := ins.(ir.StoreReg); ok && plan.LocalForReg[x.Reg] >= 0 {
			written.Set(int(x.Reg))
		}
	})

	return written
}
