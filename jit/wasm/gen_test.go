package wasm

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero-sub011/jit/ir"
	"github.com/wilsonzlin/aero-sub011/jit/trace"
	"github.com/wilsonzlin/aero-sub011/jit/x86"
)

// sections splits an encoded module into id -> payload.
func sections(t *testing.T, b []byte) map[byte][]byte {
	t.Helper()

	require.True(t, len(b) >= 8, "module too short")
	require.Equal(t, []byte{0, 'a', 's', 'm', 1, 0, 0, 0}, b[:8])

	out := map[byte][]byte{}
	prev := -1

	for p := 8; p < len(b); {
		id := b[p]
		p++

		size, n := readU(t, b[p:])
		p += n

		require.Less(t, prev, int(id), "section order")
		prev = int(id)

		require.LessOrEqual(t, p+int(size), len(b))
		out[id] = b[p : p+int(size)]
		p += int(size)
	}

	return out
}

func readU(t *testing.T, b []byte) (v uint64, n int) {
	t.Helper()

	for sh := 0; ; sh += 7 {
		require.Less(t, n, len(b))

		c := b[n]
		n++
		v |= uint64(c&0x7f) << sh

		if c&0x80 == 0 {
			return v, n
		}
	}
}

func regOnlyTrace() (*trace.Trace, *trace.Plan) {
	tr := &trace.Trace{
		Kind:     trace.Linear,
		EntryRIP: 0x1000,
		Body: []any{
			ir.LoadReg{Dst: 0, Reg: x86.RAX},
			ir.BinOp{Dst: 1, Op: ir.Add, L: ir.Value(0), R: ir.Imm(1), Flags: x86.FlagsAll},
			ir.StoreReg{Reg: x86.RBX, Src: ir.Value(1)},
			ir.SideExit{RIP: 0x1005},
		},
	}

	p := &trace.Plan{}
	for i := range p.LocalForReg {
		p.LocalForReg[i] = -1
	}

	p.LocalForReg[x86.RAX] = 0
	p.LocalForReg[x86.RBX] = 1
	p.Locals = 2

	return tr, p
}

func memTrace() (*trace.Trace, *trace.Plan) {
	tr := &trace.Trace{
		Kind:     trace.Linear,
		EntryRIP: 0x1000,
		Body: []any{
			ir.Const{Dst: 0, Value: 0x5000},
			ir.LoadMem{Dst: 1, Addr: ir.Value(0), Width: x86.W32},
			ir.StoreMem{Addr: ir.Value(0), Src: ir.Value(1), Width: x86.W64},
			ir.SideExit{RIP: 0x1008},
		},
	}

	p := &trace.Plan{}
	for i := range p.LocalForReg {
		p.LocalForReg[i] = -1
	}

	return tr, p
}

func TestModuleShape(t *testing.T) {
	ctx := context.Background()

	tr, p := regOnlyTrace()

	b, err := Compile(ctx, tr, p, Options{})
	require.NoError(t, err)

	s := sections(t, b)

	require.Contains(t, s, byte(1))  // types
	require.Contains(t, s, byte(2))  // imports
	require.Contains(t, s, byte(3))  // functions
	require.Contains(t, s, byte(7))  // exports
	require.Contains(t, s, byte(10)) // code

	// Exactly the memory import: a trace without memory traffic needs
	// no accessors.
	count, _ := readU(t, s[2])
	assert.EqualValues(t, 1, count)
	assert.NotContains(t, string(s[2]), ImportMemReadU8)

	assert.Contains(t, string(s[7]), ExportTrace)

	// Code ends with the function's end opcode.
	assert.Equal(t, byte(0x0b), s[10][len(s[10])-1])
}

func TestMemoryImports(t *testing.T) {
	ctx := context.Background()

	tr, p := memTrace()

	b, err := Compile(ctx, tr, p, Options{})
	require.NoError(t, err)

	s := sections(t, b)

	count, _ := readU(t, s[2])
	assert.EqualValues(t, 9, count) // memory + 8 accessors

	assert.Contains(t, string(s[2]), ImportMemReadU32)
	assert.Contains(t, string(s[2]), ImportMemWriteU64)
	assert.NotContains(t, string(s[2]), ImportMMUTranslate)
}

func TestReadOnlyTraceImports(t *testing.T) {
	ctx := context.Background()

	tr, p := memTrace()
	tr.Body = []any{
		ir.Const{Dst: 0, Value: 0x5000},
		ir.LoadMem{Dst: 1, Addr: ir.Value(0), Width: x86.W32},
		ir.SideExit{RIP: 0x1008},
	}

	b, err := Compile(ctx, tr, p, Options{})
	require.NoError(t, err)

	s := sections(t, b)

	count, _ := readU(t, s[2])
	assert.EqualValues(t, 5, count) // memory + 4 read accessors
	assert.Contains(t, string(s[2]), ImportMemReadU8)
	assert.NotContains(t, string(s[2]), ImportMemWriteU8)
}

func TestInlineTLBImport(t *testing.T) {
	ctx := context.Background()

	tr, p := memTrace()

	b, err := Compile(ctx, tr, p, Options{InlineTLB: true})
	require.NoError(t, err)

	s := sections(t, b)

	count, _ := readU(t, s[2])
	assert.EqualValues(t, 10, count)
	assert.Contains(t, string(s[2]), ImportMMUTranslate)

	// The fast path reads the translation cache salt from the context.
	assert.Contains(t, string(s[10]), string(byte(0x29))) // i64.load
}

func TestInlineTLBPageBaseMask(t *testing.T) {
	ctx := context.Background()

	tr, p := memTrace()

	b, err := Compile(ctx, tr, p, Options{InlineTLB: true})
	require.NoError(t, err)

	// The fast path masks addresses down to the page base with
	// i64.const -0x1000, used by both the RAM address computation and
	// the store-side version bump.
	assert.True(t, bytes.Contains(b, []byte{0x42, 0x80, 0x60}))
}

func TestInlineTLBDisabledWithoutMemory(t *testing.T) {
	ctx := context.Background()

	tr, p := regOnlyTrace()

	b, err := Compile(ctx, tr, p, Options{InlineTLB: true})
	require.NoError(t, err)

	s := sections(t, b)

	count, _ := readU(t, s[2])
	assert.EqualValues(t, 1, count)
	assert.NotContains(t, string(s[2]), ImportMMUTranslate)
}

func TestStoreBackOnlyWrittenRegs(t *testing.T) {
	ctx := context.Background()

	tr, p := regOnlyTrace()

	b, err := Compile(ctx, tr, p, Options{})
	require.NoError(t, err)

	// RBX is written: its state slot gets a store at offset 24.
	assert.True(t, bytes.Contains(b, []byte{0x37, 0x03, 0x18}))

	// RAX is only read: no store at offset 0.
	assert.False(t, bytes.Contains(b, []byte{0x37, 0x03, 0x00}))
}

func TestLoopTrace(t *testing.T) {
	ctx := context.Background()

	tr, p := regOnlyTrace()
	tr.Kind = trace.Loop
	tr.Body = append(tr.Body[:len(tr.Body)-1], ir.Guard{Cond: ir.Value(1), Expected: true, ExitRIP: 0x1020})

	b, err := Compile(ctx, tr, p, Options{})
	require.NoError(t, err)

	// The body sits in a loop region with a back edge.
	assert.True(t, bytes.Contains(b, []byte{0x03, 0x40})) // loop (empty)
	assert.True(t, bytes.Contains(b, []byte{0x0c, 0x00})) // br 0
}

func TestCodeVersionGuard(t *testing.T) {
	ctx := context.Background()

	tr, p := regOnlyTrace()
	tr.Prologue = []any{
		ir.GuardCodeVersion{Page: 1, Expected: 3, ExitRIP: 0x1000},
	}

	b, err := Compile(ctx, tr, p, Options{})
	require.NoError(t, err)

	s := sections(t, b)

	// No memory traffic, so still only the memory import; the version
	// table is probed through the context pointer directly.
	count, _ := readU(t, s[2])
	assert.EqualValues(t, 1, count)

	assert.True(t, bytes.Contains(b, []byte{0x28, 0x02, 0x10})) // i32.load ctx+16
	assert.True(t, bytes.Contains(b, []byte{0x28, 0x02, 0x14})) // i32.load ctx+20
}

func TestSharedMemoryLimits(t *testing.T) {
	ctx := context.Background()

	tr, p := regOnlyTrace()

	b, err := Compile(ctx, tr, p, Options{MemoryShared: true})
	require.NoError(t, err)

	s := sections(t, b)

	// Shared memories always carry a maximum.
	assert.True(t, bytes.Contains(s[2], []byte{0x02, 0x03, 0x01}))
}

func TestUnknownInstruction(t *testing.T) {
	ctx := context.Background()

	tr, p := regOnlyTrace()
	tr.Body = append(tr.Body, struct{ bogus int }{})

	_, err := Compile(ctx, tr, p, Options{})
	require.Error(t, err)
}
