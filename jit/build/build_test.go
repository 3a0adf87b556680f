package build

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/errors"

	"github.com/wilsonzlin/aero-sub011/jit/ir"
	"github.com/wilsonzlin/aero-sub011/jit/ir0"
	"github.com/wilsonzlin/aero-sub011/jit/x86"
)

type (
	progBlock struct {
		bb x86.BasicBlock
		ib ir0.Block
	}

	// program fakes the decoder and translator pair from a block table.
	program map[uint64]progBlock
)

func (p program) Discover(ctx context.Context, addr uint64, budget int, w x86.Width) (x86.BasicBlock, error) {
	blk, ok := p[addr]
	if !ok {
		return x86.BasicBlock{}, errors.New("no code at %x", addr)
	}

	return blk.bb, nil
}

func (p program) Translate(ctx context.Context, bb x86.BasicBlock) (ir0.Block, error) {
	return p[bb.Addr].ib, nil
}

func block(addr uint64, lens ...int) x86.BasicBlock {
	bb := x86.BasicBlock{Addr: addr, End: x86.EndBranch}

	for _, n := range lens {
		bb.Insts = append(bb.Insts, x86.Inst{Addr: addr, Len: n, Valid: true})
		addr += uint64(n)
	}

	return bb
}

func TestLinearChain(t *testing.T) {
	ctx := context.Background()

	p := program{
		0x1000: {
			bb: block(0x1000, 2, 3),
			ib: ir0.Block{Term: ir0.Jump{Target: 0x2000}},
		},
		0x2000: {
			bb: block(0x2000, 1),
			ib: ir0.Block{Term: ir0.ExitTier{Addr: 0x2001}},
		},
	}

	f, err := New(p, p, Config{}).Build(ctx, 0x1000)
	require.NoError(t, err)

	require.Len(t, f.Blocks, 2)
	assert.Equal(t, ir.BlockID(0), f.Entry)

	assert.Equal(t, uint64(0x1000), f.Blocks[0].RIP)
	assert.Equal(t, 5, f.Blocks[0].CodeLen)
	assert.Equal(t, ir.Jump{To: 1}, f.Blocks[0].Term)

	assert.Equal(t, uint64(0x2000), f.Blocks[1].RIP)
	assert.Equal(t, ir.Exit{RIP: 0x2001}, f.Blocks[1].Term)
}

func TestEntryMasked(t *testing.T) {
	ctx := context.Background()

	p := program{
		0x1000: {
			bb: block(0x1000, 2),
			ib: ir0.Block{Term: ir0.ExitTier{Addr: 0x1002}},
		},
	}

	f, err := New(p, p, Config{AddrWidth: x86.W32}).Build(ctx, 0xffff_0000_0000_1000)
	require.NoError(t, err)

	require.Len(t, f.Blocks, 1)
	assert.Equal(t, uint64(0x1000), f.Blocks[0].RIP)
}

func TestCondJump(t *testing.T) {
	ctx := context.Background()

	p := program{
		0x1000: {
			bb: block(0x1000, 4, 2),
			ib: ir0.Block{
				Insts: []any{
					ir0.ReadReg{Dst: 0, Loc: ir0.GPR(x86.RAX, x86.W64)},
				},
				Vals: 1,
				Term: ir0.CondJump{Cond: 0, Target: 0x1000, Fallthrough: 0x2000},
			},
		},
		0x2000: {
			bb: block(0x2000, 1),
			ib: ir0.Block{Term: ir0.ExitTier{Addr: 0x2001}},
		},
	}

	f, err := New(p, p, Config{}).Build(ctx, 0x1000)
	require.NoError(t, err)

	require.Len(t, f.Blocks, 2)

	term, ok := f.Blocks[0].Term.(ir.Branch)
	require.True(t, ok, "got %T", f.Blocks[0].Term)

	// The backward edge resolves to the already known entry block.
	assert.Equal(t, ir.BlockID(0), term.Then)
	assert.Equal(t, ir.BlockID(1), term.Else)
	assert.Equal(t, ir.Value(0), term.Cond)
}

func TestUnsupportedInstruction(t *testing.T) {
	ctx := context.Background()

	p := program{
		0x1000: {
			bb: block(0x1000, 3, 3),
			ib: ir0.Block{
				Insts: []any{
					ir0.Const{Dst: 0, Value: 7},
					ir0.CallHelper{Name: "cpuid"},
				},
				Vals: 1,
				Term: ir0.ExitTier{Addr: 0x1006},
			},
		},
	}

	f, err := New(p, p, Config{}).Build(ctx, 0x1000)
	require.NoError(t, err)

	require.Len(t, f.Blocks, 1)

	// Nothing of the block may run natively: the interpreter restarts
	// it from its own entry. Coverage still counts for invalidation.
	assert.Empty(t, f.Blocks[0].Insts)
	assert.Equal(t, ir.Exit{RIP: 0x1000}, f.Blocks[0].Term)
	assert.Equal(t, 6, f.Blocks[0].CodeLen)
}

func TestIndirectJumpDeopts(t *testing.T) {
	ctx := context.Background()

	p := program{
		0x1000: {
			bb: block(0x1000, 1),
			ib: ir0.Block{
				Insts: []any{ir0.Const{Dst: 0, Value: 1}},
				Vals:  1,
				Term:  ir0.IndirectJump{},
			},
		},
	}

	f, err := New(p, p, Config{}).Build(ctx, 0x1000)
	require.NoError(t, err)

	assert.Empty(t, f.Blocks[0].Insts)
	assert.Equal(t, ir.Exit{RIP: 0x1000}, f.Blocks[0].Term)
}

func TestInvalidTailExcludedFromCoverage(t *testing.T) {
	ctx := context.Background()

	bb := block(0x1000, 2, 2)
	bb.Insts = append(bb.Insts, x86.Inst{Addr: 0x1004, Len: 1, Valid: false})

	p := program{
		0x1000: {
			bb: bb,
			ib: ir0.Block{Term: ir0.ExitTier{Addr: 0x1004}},
		},
	}

	f, err := New(p, p, Config{}).Build(ctx, 0x1000)
	require.NoError(t, err)

	assert.Equal(t, 4, f.Blocks[0].CodeLen)
}

func TestBlockBudget(t *testing.T) {
	ctx := context.Background()

	p := program{
		0x1000: {
			bb: block(0x1000, 2),
			ib: ir0.Block{Term: ir0.Jump{Target: 0x2000}},
		},
		0x2000: {
			bb: block(0x2000, 1),
			ib: ir0.Block{Term: ir0.ExitTier{Addr: 0x2001}},
		},
	}

	f, err := New(p, p, Config{MaxBlocks: 1}).Build(ctx, 0x1000)
	require.NoError(t, err)

	// The jump target is known statically, so the budget overflow
	// degrades into a side exit there instead of a deopt.
	require.Len(t, f.Blocks, 1)
	assert.Equal(t, ir.Exit{RIP: 0x2000}, f.Blocks[0].Term)
}

func TestCondJumpOverBudgetDeopts(t *testing.T) {
	ctx := context.Background()

	p := program{
		0x1000: {
			bb: block(0x1000, 2),
			ib: ir0.Block{
				Insts: []any{ir0.ReadReg{Dst: 0, Loc: ir0.GPR(x86.RAX, x86.W64)}},
				Vals:  1,
				Term:  ir0.CondJump{Cond: 0, Target: 0x2000, Fallthrough: 0x3000},
			},
		},
	}

	f, err := New(p, p, Config{MaxBlocks: 1}).Build(ctx, 0x1000)
	require.NoError(t, err)

	require.Len(t, f.Blocks, 1)
	assert.Empty(t, f.Blocks[0].Insts)
	assert.Equal(t, ir.Exit{RIP: 0x1000}, f.Blocks[0].Term)
}

func TestBudgetResumeAgreement(t *testing.T) {
	ctx := context.Background()

	bb := block(0x1000, 2, 2)
	bb.End = x86.EndBudget
	bb.Resume = 0x1004

	p := program{
		0x1000: {
			bb: bb,
			ib: ir0.Block{Term: ir0.ExitTier{Addr: 0x1004}},
		},
		0x1004: {
			bb: block(0x1004, 1),
			ib: ir0.Block{Term: ir0.ExitTier{Addr: 0x1005}},
		},
	}

	f, err := New(p, p, Config{}).Build(ctx, 0x1000)
	require.NoError(t, err)

	// A block cut by the decode budget continues at its resume point
	// like any other edge.
	require.Len(t, f.Blocks, 2)
	assert.Equal(t, ir.Jump{To: 1}, f.Blocks[0].Term)
}

func TestBudgetResumeMismatch(t *testing.T) {
	ctx := context.Background()

	bb := block(0x1000, 2)
	bb.End = x86.EndBudget
	bb.Resume = 0x1002

	p := program{
		0x1000: {
			bb: bb,
			ib: ir0.Block{Term: ir0.ExitTier{Addr: 0x1004}},
		},
	}

	_, err := New(p, p, Config{}).Build(ctx, 0x1000)
	require.ErrorContains(t, err, "disagrees")
}

func TestValueIDsUnique(t *testing.T) {
	ctx := context.Background()

	body := []any{
		ir0.ReadReg{Dst: 0, Loc: ir0.GPR(x86.RAX, x86.W32)},
		ir0.ReadReg{Dst: 1, Loc: ir0.GPR(x86.RCX, x86.W32)},
		ir0.BinOp{Dst: 2, Op: ir0.Add, L: 0, R: 1, Width: x86.W32, Flags: x86.FlagsAll},
		ir0.WriteReg{Loc: ir0.GPR(x86.RAX, x86.W32), Src: 2},
	}

	p := program{
		0x1000: {
			bb: block(0x1000, 3),
			ib: ir0.Block{Insts: body, Vals: 3, Term: ir0.Jump{Target: 0x2000}},
		},
		0x2000: {
			bb: block(0x2000, 3),
			ib: ir0.Block{Insts: body, Vals: 3, Term: ir0.ExitTier{Addr: 0x2003}},
		},
	}

	f, err := New(p, p, Config{}).Build(ctx, 0x1000)
	require.NoError(t, err)

	seen := map[ir.Value]bool{}

	for _, blk := range f.Blocks {
		for _, ins := range blk.Insts {
			dst := ir.Dst(ins)
			if dst < 0 {
				continue
			}

			assert.False(t, seen[dst], "value %v defined twice", dst)
			assert.Less(t, int(dst), f.Vals)
			seen[dst] = true

			ir.Operands(ins, func(op any) {
				if v, ok := op.(ir.Value); ok {
					assert.Less(t, int(v), f.Vals)
				}
			})
		}
	}
}

func TestDeterministic(t *testing.T) {
	ctx := context.Background()

	p := program{
		0x1000: {
			bb: block(0x1000, 2),
			ib: ir0.Block{
				Insts: []any{ir0.ReadReg{Dst: 0, Loc: ir0.GPR(x86.RAX, x86.W64)}},
				Vals:  1,
				Term:  ir0.CondJump{Cond: 0, Target: 0x2000, Fallthrough: 0x3000},
			},
		},
		0x2000: {
			bb: block(0x2000, 1),
			ib: ir0.Block{Term: ir0.Jump{Target: 0x1000}},
		},
		0x3000: {
			bb: block(0x3000, 1),
			ib: ir0.Block{Term: ir0.ExitTier{Addr: 0x3001}},
		},
	}

	a, err := New(p, p, Config{}).Build(ctx, 0x1000)
	require.NoError(t, err)

	b, err := New(p, p, Config{}).Build(ctx, 0x1000)
	require.NoError(t, err)

	require.Equal(t, a, b)
}
