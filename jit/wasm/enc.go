// Package wasm emits WebAssembly binary modules for compiled traces.
// The encoder covers exactly the subset of sections and opcodes the
// trace code generator needs.
package wasm

type (
	ValType byte

	// Code builds one function body: declared locals plus the opcode
	// stream. The final End opcode is pushed by the caller like any
	// other instruction.
	Code struct {
		locals []localRun
		b      []byte
	}

	localRun struct {
		count uint32
		typ   ValType
	}

	// Module assembles the binary sections. Entries are encoded as they
	// are added, so declaration order is preserved.
	Module struct {
		types    []byte
		ntypes   uint32
		imports  []byte
		nimports uint32
		nfuncs   uint32 // imported function count
		funcs    []byte
		nlocal   uint32
		exports  []byte
		nexports uint32
		code     []byte
		ncode    uint32
	}
)

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e

	// BlockEmpty is the empty block type for Block/Loop/If.
	BlockEmpty byte = 0x40
)

const (
	secType   = 1
	secImport = 2
	secFunc   = 3
	secExport = 7
	secCode   = 10
)

// Type appends a function type and returns its index.
func (m *Module) Type(params, results []ValType) uint32 {
	idx := m.ntypes
	m.ntypes++

	m.types = append(m.types, 0x60)
	m.types = uleb(m.types, uint64(len(params)))

	for _, t := range params {
		m.types = append(m.types, byte(t))
	}

	m.types = uleb(m.types, uint64(len(results)))

	for _, t := range results {
		m.types = append(m.types, byte(t))
	}

	return idx
}

// ImportFunc appends a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, typ uint32) uint32 {
	idx := m.nfuncs
	m.nfuncs++
	m.nimports++

	m.imports = name32(m.imports, module)
	m.imports = name32(m.imports, name)
	m.imports = append(m.imports, 0x00)
	m.imports = uleb(m.imports, uint64(typ))

	return idx
}

// ImportMemory appends a linear memory import. max is ignored unless
// hasMax is set.
func (m *Module) ImportMemory(module, name string, min, max uint32, hasMax, shared bool) {
	m.nimports++

	m.imports = name32(m.imports, module)
	m.imports = name32(m.imports, name)
	m.imports = append(m.imports, 0x02)

	flags := byte(0)
	if hasMax {
		flags |= 0x01
	}

	if shared {
		flags |= 0x03
	}

	m.imports = append(m.imports, flags)
	m.imports = uleb(m.imports, uint64(min))

	if flags&0x01 != 0 {
		m.imports = uleb(m.imports, uint64(max))
	}
}

// Func appends a defined function and returns its index (import
// functions count first).
func (m *Module) Func(typ uint32, c *Code) uint32 {
	idx := m.nfuncs + m.nlocal
	m.nlocal++

	m.funcs = uleb(m.funcs, uint64(typ))

	body := c.encode()
	m.code = uleb(m.code, uint64(len(body)))
	m.code = append(m.code, body...)
	m.ncode++

	return idx
}

func (m *Module) ExportFunc(name string, fn uint32) {
	m.nexports++

	m.exports = name32(m.exports, name)
	m.exports = append(m.exports, 0x00)
	m.exports = uleb(m.exports, uint64(fn))
}

// Bytes assembles the final module.
func (m *Module) Bytes() []byte {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	b = section(b, secType, m.ntypes, m.types)
	b = section(b, secImport, m.nimports, m.imports)
	b = section(b, secFunc, m.nlocal, m.funcs)
	b = section(b, secExport, m.nexports, m.exports)
	b = section(b, secCode, m.ncode, m.code)

	return b
}

func section(b []byte, id byte, count uint32, content []byte) []byte {
	if count == 0 {
		return b
	}

	var hdr []byte
	hdr = uleb(hdr, uint64(count))

	b = append(b, id)
	b = uleb(b, uint64(len(hdr)+len(content)))
	b = append(b, hdr...)
	b = append(b, content...)

	return b
}

// Locals declares count consecutive locals of one type.
func (c *Code) Locals(count uint32, typ ValType) {
	if count == 0 {
		return
	}

	c.locals = append(c.locals, localRun{count: count, typ: typ})
}

func (c *Code) encode() []byte {
	var b []byte

	b = uleb(b, uint64(len(c.locals)))

	for _, l := range c.locals {
		b = uleb(b, uint64(l.count))
		b = append(b, byte(l.typ))
	}

	return append(b, c.b...)
}

// Control flow.

func (c *Code) Block(bt byte) { c.op(0x02); c.raw(bt) }
func (c *Code) Loop(bt byte)  { c.op(0x03); c.raw(bt) }
func (c *Code) If(bt byte)    { c.op(0x04); c.raw(bt) }
func (c *Code) Else()         { c.op(0x05) }
func (c *Code) End()          { c.op(0x0b) }

func (c *Code) Br(depth uint32) { c.op(0x0c); c.u(uint64(depth)) }
func (c *Code) Return()         { c.op(0x0f) }
func (c *Code) Call(fn uint32)  { c.op(0x10); c.u(uint64(fn)) }

// Locals.

func (c *Code) LocalGet(i uint32) { c.op(0x20); c.u(uint64(i)) }
func (c *Code) LocalSet(i uint32) { c.op(0x21); c.u(uint64(i)) }
func (c *Code) LocalTee(i uint32) { c.op(0x22); c.u(uint64(i)) }

// Memory. Alignment is the log2 hint, offset a constant byte offset.

func (c *Code) I32Load(off, align uint32)    { c.op(0x28); c.mem(off, align) }
func (c *Code) I64Load(off, align uint32)    { c.op(0x29); c.mem(off, align) }
func (c *Code) I64Load8U(off, align uint32)  { c.op(0x31); c.mem(off, align) }
func (c *Code) I64Load16U(off, align uint32) { c.op(0x33); c.mem(off, align) }
func (c *Code) I64Load32U(off, align uint32) { c.op(0x35); c.mem(off, align) }
func (c *Code) I32Store(off, align uint32)   { c.op(0x36); c.mem(off, align) }
func (c *Code) I64Store(off, align uint32)   { c.op(0x37); c.mem(off, align) }
func (c *Code) I64Store8(off, align uint32)  { c.op(0x3c); c.mem(off, align) }
func (c *Code) I64Store16(off, align uint32) { c.op(0x3d); c.mem(off, align) }
func (c *Code) I64Store32(off, align uint32) { c.op(0x3e); c.mem(off, align) }

// Constants.

func (c *Code) I32Const(v int32) { c.op(0x41); c.s(int64(v)) }
func (c *Code) I64Const(v int64) { c.op(0x42); c.s(v) }

// Comparisons.

func (c *Code) I32Eqz() { c.op(0x45) }
func (c *Code) I64Eqz() { c.op(0x50) }
func (c *Code) I64Eq()  { c.op(0x51) }
func (c *Code) I64Ne()  { c.op(0x52) }
func (c *Code) I64LtS() { c.op(0x53) }
func (c *Code) I64LtU() { c.op(0x54) }
func (c *Code) I64GtU() { c.op(0x56) }
func (c *Code) I64GeU() { c.op(0x58) }

// Numeric.

func (c *Code) I32Popcnt() { c.op(0x69) }
func (c *Code) I32Add()    { c.op(0x6a) }
func (c *Code) I32And()    { c.op(0x71) }

func (c *Code) I64Add()  { c.op(0x7c) }
func (c *Code) I64Sub()  { c.op(0x7d) }
func (c *Code) I64Mul()  { c.op(0x7e) }
func (c *Code) I64And()  { c.op(0x83) }
func (c *Code) I64Or()   { c.op(0x84) }
func (c *Code) I64Xor()  { c.op(0x85) }
func (c *Code) I64Shl()  { c.op(0x86) }
func (c *Code) I64ShrS() { c.op(0x87) }
func (c *Code) I64ShrU() { c.op(0x88) }

// Conversions.

func (c *Code) I32WrapI64()    { c.op(0xa7) }
func (c *Code) I64ExtendI32U() { c.op(0xad) }

func (c *Code) op(b byte)  { c.b = append(c.b, b) }
func (c *Code) raw(b byte) { c.b = append(c.b, b) }

func (c *Code) mem(off, align uint32) {
	c.u(uint64(align))
	c.u(uint64(off))
}

func (c *Code) u(v uint64) { c.b = uleb(c.b, v) }
func (c *Code) s(v int64)  { c.b = sleb(c.b, v) }

func uleb(b []byte, v uint64) []byte {
	for {
		x := byte(v & 0x7f)
		v >>= 7

		if v != 0 {
			x |= 0x80
		}

		b = append(b, x)

		if v == 0 {
			return b
		}
	}
}

func sleb(b []byte, v int64) []byte {
	for {
		x := byte(v & 0x7f)
		v >>= 7

		done := (v == 0 && x&0x40 == 0) || (v == -1 && x&0x40 != 0)
		if !done {
			x |= 0x80
		}

		b = append(b, x)

		if done {
			return b
		}
	}
}

func name32(b []byte, s string) []byte {
	b = uleb(b, uint64(len(s)))

	return append(b, s...)
}
